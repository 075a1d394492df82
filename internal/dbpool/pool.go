// Package dbpool implements the bounded, timeout-enforcing connection pool
// described in spec.md section 4.1. database/sql already pools connections
// internally; this package adds the acquire-with-typed-timeout semantics
// and the singleton lifecycle spec.md's Design Notes ask for.
package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/axion66/A2rchi-sub000/internal/coreerrors"
)

// Config controls pool sizing and acquire timeout.
type Config struct {
	DSN        string
	MinConn    int
	MaxConn    int
	Timeout    time.Duration
	Log        zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MinConn <= 0 {
		c.MinConn = 5
	}
	if c.MaxConn <= 0 {
		c.MaxConn = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Pool is a thread-safe bounded pool over a *sql.DB. Acquisition beyond
// cfg.MaxConn in-flight handles blocks until either a handle is released or
// cfg.Timeout elapses, at which point it fails with ConnectionTimeoutError.
type Pool struct {
	cfg    Config
	db     *sql.DB
	sem    chan struct{}
	mu     sync.Mutex
	closed bool
}

// Open establishes the underlying *sql.DB and sizes the pool per cfg.
func Open(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, coreerrors.NewConnectionPoolError(fmt.Sprintf("open: %v", err))
	}
	db.SetMaxOpenConns(cfg.MaxConn)
	db.SetMaxIdleConns(cfg.MinConn)
	db.SetConnMaxLifetime(time.Hour)

	return &Pool{
		cfg: cfg,
		db:  db,
		sem: make(chan struct{}, cfg.MaxConn),
	}, nil
}

// Handle is a scoped connection acquired from the pool. It releases its
// pool slot on every exit path when Close is deferred.
type Handle struct {
	conn *sql.Conn
	pool *Pool
	done bool
}

// Conn returns the underlying *sql.Conn for issuing queries.
func (h *Handle) Conn() *sql.Conn { return h.conn }

// Close releases the handle's slot back to the pool. Safe to call more than
// once and safe to defer immediately after Acquire.
func (h *Handle) Close() error {
	if h.done {
		return nil
	}
	h.done = true
	err := h.conn.Close()
	<-h.pool.sem
	return err
}

// Acquire blocks until a pool slot is free or ctx/cfg.Timeout expires,
// whichever comes first, then opens a *sql.Conn from the underlying
// *sql.DB. If the freshly-acquired connection is found to be broken, it is
// transparently re-established before being handed back.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, coreerrors.NewConnectionPoolError("pool is closed")
	}
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	select {
	case p.sem <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, &coreerrors.ConnectionTimeoutError{TimeoutSeconds: p.cfg.Timeout.Seconds()}
	}

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		<-p.sem
		if acquireCtx.Err() != nil {
			return nil, &coreerrors.ConnectionTimeoutError{TimeoutSeconds: p.cfg.Timeout.Seconds()}
		}
		return nil, coreerrors.NewConnectionPoolError(fmt.Sprintf("acquire: %v", err))
	}

	if err := conn.PingContext(acquireCtx); err != nil {
		p.cfg.Log.Warn().Err(err).Msg("dbpool: reconnecting broken connection")
		_ = conn.Close()
		conn, err = p.db.Conn(acquireCtx)
		if err != nil {
			<-p.sem
			return nil, coreerrors.NewConnectionPoolError(fmt.Sprintf("reconnect: %v", err))
		}
	}

	return &Handle{conn: conn, pool: p}, nil
}

// Close closes all underlying connections. The pool is unusable afterward.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

// Stats mirrors sql.DBStats plus the configured bounds, for health
// endpoints and tests.
type Stats struct {
	InUse      int
	MaxConn    int
	MinConn    int
	TimeoutSec float64
}

func (p *Pool) Stats() Stats {
	return Stats{
		InUse:      len(p.sem),
		MaxConn:    p.cfg.MaxConn,
		MinConn:    p.cfg.MinConn,
		TimeoutSec: p.cfg.Timeout.Seconds(),
	}
}

// --- process-wide singleton, guarded per the Design Notes singleton advice ---

var (
	defaultOnce sync.Once
	defaultPool *Pool
	defaultMu   sync.Mutex
)

// SetDefault installs p as the process-wide pool. Intended for application
// startup; safe to call again in tests via ResetForTests.
func SetDefault(p *Pool) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultPool = p
}

// Default returns the process-wide pool, or nil if none has been installed.
func Default() *Pool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultPool
}

// ResetForTests clears the process-wide singleton without closing it,
// leaving cleanup to the caller. Exists so test suites can install a fresh
// pool per test without cross-test leakage.
func ResetForTests() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultPool = nil
	defaultOnce = sync.Once{}
}
