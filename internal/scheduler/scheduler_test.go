package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestScheduler(nowFunc func() time.Time) *Scheduler {
	return New(Config{
		PollInterval:   time.Millisecond,
		ReloadInterval: time.Hour,
		Log:            zerolog.Nop(),
		NowFunc:        nowFunc,
	})
}

func TestAddJobComputesNextRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestScheduler(func() time.Time { return now })
	if err := s.AddJob("A", "*/5 * * * *", func(ctx context.Context, lastRun *time.Time) error { return nil }); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	next, ok := s.NextRun("A")
	if !ok {
		t.Fatalf("expected job A to exist")
	}
	if !next.After(now) {
		t.Fatalf("next_run %v should be after now %v", next, now)
	}
}

func TestAddJobRejectsInvalidCron(t *testing.T) {
	s := newTestScheduler(time.Now)
	if err := s.AddJob("bad", "not a cron expr", func(context.Context, *time.Time) error { return nil }); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
}

func TestTickRunsDueJobAndAdvancesNextRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestScheduler(func() time.Time { return now })
	var ran atomic.Int32
	if err := s.AddJob("A", "* * * * *", func(ctx context.Context, lastRun *time.Time) error {
		ran.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	firstNext, _ := s.NextRun("A")

	// Advance clock past next_run and tick.
	now = firstNext.Add(time.Second)
	s.tick(context.Background())

	if ran.Load() != 1 {
		t.Fatalf("expected job to run once, ran %d times", ran.Load())
	}
	secondNext, _ := s.NextRun("A")
	if !secondNext.After(firstNext) {
		t.Fatalf("next_run must strictly increase: first=%v second=%v", firstNext, secondNext)
	}
}

func TestFailingCallbackDoesNotUpdateLastRunButAdvancesNextRun(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestScheduler(func() time.Time { return now })
	callErr := errString("boom")
	if err := s.AddJob("A", "* * * * *", func(ctx context.Context, lastRun *time.Time) error {
		return callErr
	}); err != nil {
		t.Fatal(err)
	}
	firstNext, _ := s.NextRun("A")
	now = firstNext.Add(time.Second)
	s.tick(context.Background())

	status := s.Status()["A"]
	if status.LastRun != nil {
		t.Fatalf("last_run must not be set on a failing run, got %v", status.LastRun)
	}
	secondNext, _ := s.NextRun("A")
	if !secondNext.After(firstNext) {
		t.Fatalf("next_run must still advance after a failing run")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestAtMostOneCallbackRunsAtATime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestScheduler(func() time.Time { return now })

	var mu sync.Mutex
	var concurrent, maxConcurrent int

	enter := func() {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
	}
	leave := func() {
		mu.Lock()
		concurrent--
		mu.Unlock()
	}

	slow := func(ctx context.Context, lastRun *time.Time) error {
		enter()
		time.Sleep(10 * time.Millisecond)
		leave()
		return nil
	}
	_ = s.AddJob("A", "* * * * *", slow)
	_ = s.AddJob("B", "* * * * *", slow)

	nextA, _ := s.NextRun("A")
	now = nextA.Add(time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.runJob(context.Background(), "A") }()
	go func() { defer wg.Done(); s.runJob(context.Background(), "B") }()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent > 1 {
		t.Fatalf("expected at most one callback running at a time, saw %d concurrent", maxConcurrent)
	}
}

func TestReloadSchedulesAddsRemovesAndUpdates(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	desired := map[string]string{"A": "*/5 * * * *", "C": "*/10 * * * *"}
	var mu sync.Mutex

	s := New(Config{
		PollInterval:   time.Millisecond,
		ReloadInterval: time.Hour,
		Log:            zerolog.Nop(),
		NowFunc:        func() time.Time { return now },
		Loader: LoaderFunc(func(ctx context.Context) (map[string]string, error) {
			mu.Lock()
			defer mu.Unlock()
			cp := make(map[string]string, len(desired))
			for k, v := range desired {
				cp[k] = v
			}
			return cp, nil
		}),
		Factory: func(name string) Callback {
			return func(context.Context, *time.Time) error { return nil }
		},
	})

	if err := s.ReloadSchedules(context.Background()); err != nil {
		t.Fatalf("initial reload: %v", err)
	}
	if _, ok := s.NextRun("A"); !ok {
		t.Fatalf("expected job A to be discovered by reload")
	}

	// Change: move A to every minute, add B every 10 minutes, drop C.
	mu.Lock()
	desired = map[string]string{"A": "*/1 * * * *", "B": "*/10 * * * *"}
	mu.Unlock()

	if err := s.ReloadSchedules(context.Background()); err != nil {
		t.Fatalf("second reload: %v", err)
	}
	if _, ok := s.NextRun("C"); ok {
		t.Fatalf("expected job C to be removed after reload")
	}
	if _, ok := s.NextRun("B"); !ok {
		t.Fatalf("expected job B to be added after reload")
	}
	aNext, ok := s.NextRun("A")
	if !ok {
		t.Fatalf("expected job A to remain after reload")
	}
	if aNext.Sub(now) > time.Minute+time.Second {
		t.Fatalf("expected A's next_run within ~1 minute of now, got %v", aNext)
	}
}

func TestReloadUnchangedScheduleIsNoop(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(Config{
		PollInterval:   time.Millisecond,
		ReloadInterval: time.Hour,
		Log:            zerolog.Nop(),
		NowFunc:        func() time.Time { return now },
		Loader: LoaderFunc(func(ctx context.Context) (map[string]string, error) {
			return map[string]string{"A": "*/5 * * * *"}, nil
		}),
		Factory: func(name string) Callback {
			return func(context.Context, *time.Time) error { return nil }
		},
	})

	if err := s.ReloadSchedules(context.Background()); err != nil {
		t.Fatal(err)
	}
	firstNext, _ := s.NextRun("A")

	if err := s.ReloadSchedules(context.Background()); err != nil {
		t.Fatal(err)
	}
	secondNext, _ := s.NextRun("A")
	if !firstNext.Equal(secondNext) {
		t.Fatalf("no-op reload must preserve next_run: before=%v after=%v", firstNext, secondNext)
	}
}

func TestFileStatusStoreWritesDocumentedShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingestion_status.json")
	store := &FileStatusStore{Path: path}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	err := store.Write(map[string]Status{
		"git": {Schedule: "*/5 * * * *", State: StateIdle, LastRun: &now},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var decoded map[string]Status
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	git, ok := decoded["git"]
	if !ok {
		t.Fatalf("expected 'git' key in status document")
	}
	if git.State != StateIdle || git.Schedule != "*/5 * * * *" {
		t.Fatalf("unexpected status: %+v", git)
	}
}
