// Package scheduler owns the process-wide timing loop: daily windowed sync
// jobs, fixed-interval maintenance jobs, and one-shot triggers. Jobs execute
// on a bounded worker pool; per-job overlap is suppressed so at most one
// instance of each job runs at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers bounds concurrently running jobs.
const DefaultWorkers = 4

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobExists     = errors.New("job already registered")
	ErrNotRunning    = errors.New("scheduler not running")
	ErrOutsideWindow = errors.New("current time outside sync window")
)

// JobFunc is the work a scheduled job performs.
type JobFunc func(ctx context.Context) error

// JobKind distinguishes the three trigger shapes.
type JobKind string

const (
	KindDaily    JobKind = "daily"
	KindInterval JobKind = "interval"
	KindCron     JobKind = "cron"
	KindOneShot  JobKind = "one_shot"
)

// Status is the externally visible state of one job.
type Status struct {
	Name      string     `json:"name"`
	Kind      JobKind    `json:"kind"`
	Paused    bool       `json:"paused"`
	Runs      int        `json:"runs"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type job struct {
	name    string
	kind    JobKind
	fn      JobFunc
	window  *Window
	entryID cron.EntryID
	timer   *time.Timer
	fireAt  time.Time

	paused  bool
	runs    int
	lastRun time.Time
	lastErr string
}

// Scheduler runs registered jobs until stopped.
type Scheduler struct {
	cron *cron.Cron
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
	log  *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New builds a scheduler with the given worker-pool size.
func New(workers int64, log *zap.Logger) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		sem:    semaphore.NewWeighted(workers),
		log:    log,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop refuses new work. With wait, it blocks until in-flight jobs finish.
func (s *Scheduler) Stop(wait bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, j := range s.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	if wait {
		<-stopCtx.Done()
		s.wg.Wait()
	}
	s.cancel()
	s.log.Info("scheduler stopped", zap.Bool("waited", wait))
}

// AddSyncJob registers a daily windowed sync for one entity. The job fires at
// the window start; the work function re-checks the window before running, so
// a stale fire outside the window is skipped rather than run late.
func (s *Scheduler) AddSyncJob(entity string, window Window, fn JobFunc) error {
	j := &job{name: entity, kind: KindDaily, fn: fn, window: &window}

	spec := fmt.Sprintf("%d %d * * *", window.Start.Minute, window.Start.Hour)
	id, err := s.cron.AddFunc(spec, func() { s.fire(j, true) })
	if err != nil {
		return fmt.Errorf("schedule sync job %q: %w", entity, err)
	}
	j.entryID = id
	return s.register(j)
}

// AddCronJob registers a job driven by a five-field cron expression, as
// carried on an entity's sync_schedule.
func (s *Scheduler) AddCronJob(name, spec string, fn JobFunc) error {
	j := &job{name: name, kind: KindCron, fn: fn}

	id, err := s.cron.AddFunc(spec, func() { s.fire(j, false) })
	if err != nil {
		return fmt.Errorf("schedule cron job %q: %w", name, err)
	}
	j.entryID = id
	return s.register(j)
}

// AddIntervalJob registers a job firing every interval.
func (s *Scheduler) AddIntervalJob(name string, every time.Duration, fn JobFunc) error {
	j := &job{name: name, kind: KindInterval, fn: fn}

	id, err := s.cron.AddFunc("@every "+every.String(), func() { s.fire(j, false) })
	if err != nil {
		return fmt.Errorf("schedule interval job %q: %w", name, err)
	}
	j.entryID = id
	return s.register(j)
}

// AddOneTimeJob registers a job firing once at the given instant. The job
// removes itself after running.
func (s *Scheduler) AddOneTimeJob(name string, at time.Time, fn JobFunc) error {
	j := &job{name: name, kind: KindOneShot, fn: fn, fireAt: at}
	if err := s.register(j); err != nil {
		return err
	}
	timer := time.AfterFunc(time.Until(at), func() {
		s.fire(j, false)
		_ = s.RemoveJob(name)
	})
	s.mu.Lock()
	j.timer = timer
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) register(j *job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.name]; dup {
		if j.entryID != 0 {
			s.cron.Remove(j.entryID)
		}
		return ErrJobExists
	}
	s.jobs[j.name] = j
	return nil
}

// PauseJob keeps the job registered but suppresses its fires.
func (s *Scheduler) PauseJob(name string) error {
	return s.setPaused(name, true)
}

// ResumeJob re-enables a paused job.
func (s *Scheduler) ResumeJob(name string) error {
	return s.setPaused(name, false)
}

func (s *Scheduler) setPaused(name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return ErrJobNotFound
	}
	j.paused = paused
	return nil
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return ErrJobNotFound
	}
	if j.entryID != 0 {
		s.cron.Remove(j.entryID)
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(s.jobs, name)
	return nil
}

// JobStatus reports one job's state.
func (s *Scheduler) JobStatus(name string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, ErrJobNotFound
	}
	return s.statusLocked(j), nil
}

// ListJobs reports every registered job.
func (s *Scheduler) ListJobs() []*Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.statusLocked(j))
	}
	return out
}

func (s *Scheduler) statusLocked(j *job) *Status {
	st := &Status{
		Name:      j.name,
		Kind:      j.kind,
		Paused:    j.paused,
		Runs:      j.runs,
		LastError: j.lastErr,
	}
	if !j.lastRun.IsZero() {
		last := j.lastRun
		st.LastRunAt = &last
	}
	switch {
	case j.entryID != 0:
		if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
			st.NextRunAt = &next
		}
	case !j.fireAt.IsZero():
		at := j.fireAt
		st.NextRunAt = &at
	}
	return st
}

// TriggerSync fires a registered sync job immediately. Without force, the
// entity's window must contain the current time.
func (s *Scheduler) TriggerSync(name string, force bool) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if s.stopped {
		s.mu.Unlock()
		return ErrNotRunning
	}
	window := j.window
	s.mu.Unlock()

	if !force && window != nil && !window.Contains(time.Now()) {
		return ErrOutsideWindow
	}

	go s.fire(j, false)
	return nil
}

// fire runs one job occurrence on the worker pool.
func (s *Scheduler) fire(j *job, checkWindow bool) {
	s.mu.Lock()
	if s.stopped || j.paused {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if checkWindow && j.window != nil && !j.window.Contains(time.Now()) {
		s.log.Info("fire outside sync window, skipping", zap.String("job", j.name))
		return
	}

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	start := time.Now()
	err := j.fn(s.ctx)

	s.mu.Lock()
	j.runs++
	j.lastRun = start
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("job failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	s.log.Debug("job finished",
		zap.String("job", j.name),
		zap.Duration("elapsed", time.Since(start)))
}

// cronLogger adapts zap to the cron logging interface.
type cronLogger struct {
	log *zap.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug(msg, zap.Any("detail", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Error(msg, zap.Error(err), zap.Any("detail", kv))
}
