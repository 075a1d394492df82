package dbpool

import (
	"context"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{DSN: "postgres://localhost/test"}.withDefaults()
	if cfg.MinConn != 5 {
		t.Fatalf("expected default MinConn=5, got %d", cfg.MinConn)
	}
	if cfg.MaxConn != 20 {
		t.Fatalf("expected default MaxConn=20, got %d", cfg.MaxConn)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("expected default Timeout=30s, got %v", cfg.Timeout)
	}
}

func TestAcquireOnClosedPool(t *testing.T) {
	// sql.Open does not dial eagerly, so this exercises the closed-pool
	// error path without a live Postgres instance.
	p, err := Open(Config{DSN: "postgres://localhost:1/nonexistent", MaxConn: 2, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected error acquiring from a closed pool")
	}
}

func TestSingletonResetForTests(t *testing.T) {
	p, err := Open(Config{DSN: "postgres://localhost:1/nonexistent"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	SetDefault(p)
	if Default() != p {
		t.Fatal("expected Default() to return the installed pool")
	}
	ResetForTests()
	if Default() != nil {
		t.Fatal("expected Default() to be nil after ResetForTests")
	}
}
