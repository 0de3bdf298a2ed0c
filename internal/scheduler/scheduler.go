// Package scheduler runs the periodic sweeps (source sync, retention) on
// robfig/cron with a seconds field.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
)

// Job is a scheduled function. Its context is canceled on Stop.
type Job func(ctx context.Context) error

// JobStatus reports a registered job.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Running   bool       `json:"running"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type entry struct {
	name      string
	schedule  string
	job       Job
	id        cron.EntryID
	running   bool
	lastRun   *time.Time
	lastError string
}

// Scheduler owns a cron instance. A job never overlaps with itself:
// a tick that arrives while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool
}

// New creates a stopped scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cronLogger{logger: logger.Underlying().Sugar()}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Register adds a named job on a six-field cron schedule.
func (s *Scheduler) Register(name, schedule string, job Job) error {
	if name == "" || job == nil {
		return errors.New("scheduler: name and job are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}

	e := &entry{name: name, schedule: schedule, job: job}
	id, err := s.cron.AddFunc(schedule, func() { s.run(e) })
	if err != nil {
		return fmt.Errorf("scheduling %q: %w", name, err)
	}
	e.id = id
	s.jobs[name] = e
	s.logger.Info(context.Background(), "job registered", zap.String("job", name), zap.String("schedule", schedule))
	return nil
}

// Trigger runs a registered job now on the calling goroutine.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.execute(ctx, e)
}

func (s *Scheduler) run(e *entry) {
	_ = s.execute(s.ctx, e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		s.logger.Info(ctx, "job still running, skipping", zap.String("job", e.name))
		return nil
	}
	e.running = true
	s.mu.Unlock()

	start := time.Now()
	err := e.job(ctx)

	s.mu.Lock()
	e.running = false
	e.lastRun = &start
	e.lastError = ""
	if err != nil {
		e.lastError = err.Error()
	}
	s.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"
		s.logger.Error(ctx, "scheduled job failed", zap.String("job", e.name), zap.Error(err))
	} else {
		s.logger.Info(ctx, "scheduled job finished", zap.String("job", e.name), zap.Duration("took", time.Since(start)))
	}
	jobRuns.WithLabelValues(e.name, result).Inc()
	jobDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	return err
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
	s.logger.Info(context.Background(), "scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running jobs and waits for them until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info(ctx, "scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
	}
}

// Jobs lists the registered jobs.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		st := JobStatus{
			Name:      e.name,
			Schedule:  e.schedule,
			Running:   e.running,
			LastRun:   e.lastRun,
			LastError: e.lastError,
		}
		if next := s.cron.Entry(e.id).Next; !next.IsZero() {
			st.NextRun = &next
		}
		out = append(out, st)
	}
	return out
}
