// Package scheduler implements C10: a cron-driven job runner that ticks at
// a configurable poll interval, serializes callback execution behind a
// single mutex, hot-reloads its job set from a ScheduleLoader, and reports
// per-source status in the JSON shape spec.md section 6 defines for the
// ingestion status file. Grounded on src/data_manager/scheduler.py's
// config-hash-based hot reload and very heavily on the teacher's
// pkg/cron/service.go (single timer-driven worker, re-arm-on-every-outcome,
// store-lock discipline) and pkg/cron/schedule.go (cron.ParseStandard for
// next-run computation).
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Callback is the collector callback contract from spec.md section 6: it
// receives the last successful run time (nil if the job has never
// completed cleanly) and must be idempotent with respect to re-runs and
// partial prior runs.
type Callback func(ctx context.Context, lastRun *time.Time) error

// CallbackFactory produces the Callback for a job name discovered by
// hot reload. Jobs registered directly via AddJob carry their own
// Callback; jobs added by ReloadSchedules go through the factory supplied
// at construction, per spec.md section 4.10.
type CallbackFactory func(name string) Callback

// ScheduleLoader reports the desired {source name: cron expression} set.
// Polled every ReloadInterval; a changed output hash triggers
// reconciliation (jobs added/removed/re-cronned) without restarting the
// scheduler.
type ScheduleLoader interface {
	Load(ctx context.Context) (map[string]string, error)
}

// LoaderFunc adapts a plain function to a ScheduleLoader.
type LoaderFunc func(ctx context.Context) (map[string]string, error)

func (f LoaderFunc) Load(ctx context.Context) (map[string]string, error) { return f(ctx) }

// Status is one source's entry in the ingestion status document.
type Status struct {
	Schedule string     `json:"schedule"`
	State    string     `json:"state"`
	LastRun  *time.Time `json:"last_run,omitempty"`
}

const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// StatusStore persists the ingestion status document. FileStatusStore is
// the default, JSON-file-backed implementation spec.md section 6 asks
// for; tests substitute an in-memory one.
type StatusStore interface {
	Write(statuses map[string]Status) error
}

// FileStatusStore writes the status document as the JSON object shape
// `{ <source_name>: { "schedule", "state", "last_run" } }` to Path.
type FileStatusStore struct {
	Path string
	mu   sync.Mutex
}

func (f *FileStatusStore) Write(statuses map[string]Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal status: %w", err)
	}
	return os.WriteFile(f.Path, body, 0o644)
}

type job struct {
	name     string
	cronExpr string
	sched    cronlib.Schedule
	callback Callback
	nextRun  time.Time
	running  bool
	lastRun  *time.Time
}

// Config controls scheduler timing. Zero values take spec.md's defaults.
type Config struct {
	PollInterval   time.Duration // default 1s
	ReloadInterval time.Duration // default 60s
	StatusStore    StatusStore
	Loader         ScheduleLoader
	Factory        CallbackFactory
	Log            zerolog.Logger
	NowFunc        func() time.Time // default time.Now; overridable in tests
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = 60 * time.Second
	}
	return c
}

// Scheduler runs jobs under a single background worker. Exactly one
// callback executes at a time, enforced by runMu; the job map itself is
// protected separately so Status()/AddJob() never block on a long-running
// callback.
type Scheduler struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*job

	runMu sync.Mutex

	lastScheduleHash string

	nowFunc func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New constructs a Scheduler. Call AddJob for any statically-registered
// jobs before Start; hot-reloaded jobs are added automatically once
// running if cfg.Loader is set.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	nowFunc := cfg.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Scheduler{
		cfg:     cfg,
		jobs:    make(map[string]*job),
		nowFunc: nowFunc,
		stopCh:  make(chan struct{}),
	}
}

// AddJob registers or replaces a job by name with the given cron
// expression and callback, computing its initial next_run.
func (s *Scheduler) AddJob(name, cronExpr string, cb Callback) error {
	sched, err := cronlib.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("scheduler: invalid cron expression for job %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	existing, ok := s.jobs[name]
	j := &job{name: name, cronExpr: cronExpr, sched: sched, callback: cb, nextRun: sched.Next(now)}
	if ok {
		j.lastRun = existing.lastRun
		j.running = existing.running
	}
	s.jobs[name] = j
	return nil
}

// RemoveJob drops a job by name. Returns whether it was present.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	delete(s.jobs, name)
	return ok
}

// Start launches the single background worker goroutine. Safe to call
// once; subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.once.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
	})
}

// Stop signals the worker to exit and waits for it (and any in-flight
// callback) to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()
	reloadTicker := time.NewTicker(s.cfg.ReloadInterval)
	defer reloadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-reloadTicker.C:
			if s.cfg.Loader != nil {
				if err := s.ReloadSchedules(ctx); err != nil {
					s.logWarn("scheduler: reload failed", err)
				}
			}
		case <-pollTicker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due, non-running job. At most one callback runs at a
// time: tick itself never runs jobs concurrently with each other, since a
// single goroutine drives it, and runMu additionally guards against a
// still-in-flight run from a prior tick that is taking longer than the
// poll interval.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.nowFunc()
	due := s.dueJobs(now)
	for _, name := range due {
		s.runJob(ctx, name)
	}
}

func (s *Scheduler) dueJobs(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []string
	for name, j := range s.jobs {
		if j.running {
			continue
		}
		if !now.Before(j.nextRun) {
			due = append(due, name)
		}
	}
	sort.Strings(due)
	return due
}

func (s *Scheduler) runJob(ctx context.Context, name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok || j.running {
		s.mu.Unlock()
		return
	}
	j.running = true
	s.mu.Unlock()
	s.writeStatus()

	s.runMu.Lock()
	lastRun := j.lastRun
	err := j.callback(ctx, lastRun)
	s.runMu.Unlock()

	now := s.nowFunc()
	s.mu.Lock()
	if cur, ok := s.jobs[name]; ok {
		cur.running = false
		cur.nextRun = cur.sched.Next(now)
		if err == nil {
			cur.lastRun = &now
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logWarn(fmt.Sprintf("scheduler: job %q failed", name), err)
	}
	s.writeStatus()
}

// ReloadSchedules reconciles the job set against cfg.Loader's current
// output: names removed from the loader's result are dropped, new names
// are added via cfg.Factory, and jobs whose cron expression changed have
// next_run recomputed. Reloading an unchanged schedule set is a no-op —
// job identities and next_run are preserved (spec.md P7).
func (s *Scheduler) ReloadSchedules(ctx context.Context) error {
	if s.cfg.Loader == nil {
		return nil
	}
	desired, err := s.cfg.Loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load schedule: %w", err)
	}

	hash := hashSchedule(desired)
	s.mu.Lock()
	unchanged := hash == s.lastScheduleHash && s.lastScheduleHash != ""
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.jobs {
		if _, ok := desired[name]; !ok {
			delete(s.jobs, name)
		}
	}

	now := s.nowFunc()
	for name, expr := range desired {
		existing, ok := s.jobs[name]
		if ok && existing.cronExpr == expr {
			continue
		}
		sched, parseErr := cronlib.ParseStandard(expr)
		if parseErr != nil {
			s.logWarn(fmt.Sprintf("scheduler: job %q has invalid cron expression %q, skipping", name, expr), parseErr)
			continue
		}
		if ok {
			existing.cronExpr = expr
			existing.sched = sched
			existing.nextRun = sched.Next(now)
			continue
		}
		if s.cfg.Factory == nil {
			s.logWarn(fmt.Sprintf("scheduler: job %q discovered by reload but no callback factory configured", name), nil)
			continue
		}
		s.jobs[name] = &job{
			name:     name,
			cronExpr: expr,
			sched:    sched,
			callback: s.cfg.Factory(name),
			nextRun:  sched.Next(now),
		}
	}

	s.lastScheduleHash = hash
	return nil
}

// Status returns the current per-job status in the shape spec.md section
// 6 defines for the ingestion status file.
func (s *Scheduler) Status() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.jobs))
	for name, j := range s.jobs {
		state := StateIdle
		if j.running {
			state = StateRunning
		}
		out[name] = Status{Schedule: j.cronExpr, State: state, LastRun: j.lastRun}
	}
	return out
}

// NextRun returns job name's next scheduled run time, for tests asserting
// P6/P7 (strictly increasing next_run, no-op reload).
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return j.nextRun, true
}

func (s *Scheduler) writeStatus() {
	if s.cfg.StatusStore == nil {
		return
	}
	if err := s.cfg.StatusStore.Write(s.Status()); err != nil {
		s.logWarn("scheduler: failed to write status", err)
	}
}

func (s *Scheduler) logWarn(msg string, err error) {
	ev := s.cfg.Log.Warn()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg(msg)
}

func hashSchedule(schedule map[string]string) string {
	names := make([]string, 0, len(schedule))
	for name := range schedule {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s=%s;", name, schedule[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
