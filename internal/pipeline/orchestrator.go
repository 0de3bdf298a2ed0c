package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Runner schedules pipeline runs.
type Runner interface {
	// Enqueue schedules documentID and returns a run handle. The handle
	// is empty when the document is not pending and nothing was
	// scheduled.
	Enqueue(ctx context.Context, documentID, text string) (string, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TaskStore is the durable task table.
type TaskStore interface {
	BeginWithTask(ctx context.Context, t *registry.Task) (bool, error)
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*registry.Task, error)
	AdvanceToIndex(ctx context.Context, id string, vector []float32) error
	RetryTask(ctx context.Context, t *registry.Task, notBefore time.Time, msg string) error
	DeleteTask(ctx context.Context, id string) error
}

// Options tunes the Orchestrator.
type Options struct {
	Workers      int
	MaxAttempts  int
	RetryBackoff time.Duration
	PollInterval time.Duration
	LeaseTimeout time.Duration
	StepTimeout  time.Duration
	Logger       *logging.Logger
}

// OptionsFromConfig maps pipeline settings onto Options.
func OptionsFromConfig(cfg config.PipelineConfig, logger *logging.Logger) Options {
	return Options{
		Workers:      cfg.Workers,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff.Duration(),
		PollInterval: cfg.PollInterval.Duration(),
		LeaseTimeout: cfg.LeaseTimeout.Duration(),
		StepTimeout:  cfg.StepTimeout.Duration(),
		Logger:       logger,
	}
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 10 * time.Minute
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
}

// RetryDelay is the wait before attempt+1: backoff times the attempt
// that just failed.
func RetryDelay(backoff time.Duration, attempt int) time.Duration {
	return backoff * time.Duration(attempt)
}

// Orchestrator is the local Runner. Tasks are registry rows claimed with
// a lease and executed on an ants worker pool; every step transition is
// committed before the next one starts.
type Orchestrator struct {
	tasks  TaskStore
	steps  *Steps
	opts   Options
	pool   *ants.Pool
	logger *logging.Logger
	now    func() time.Time

	wake chan struct{}

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

var _ Runner = (*Orchestrator)(nil)

// NewOrchestrator creates a stopped orchestrator.
func NewOrchestrator(tasks TaskStore, steps *Steps, opts Options) (*Orchestrator, error) {
	if tasks == nil || steps == nil {
		return nil, errors.New("pipeline: task store and steps are required")
	}
	opts.applyDefaults()

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	return &Orchestrator{
		tasks:  tasks,
		steps:  steps,
		opts:   opts,
		pool:   pool,
		logger: opts.Logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Enqueue begins the document and stores its embed task in one
// transaction. It never waits for the pipeline.
func (o *Orchestrator) Enqueue(ctx context.Context, documentID, text string) (string, error) {
	ctx = logging.WithDocumentID(ctx, documentID)
	task := &registry.Task{DocumentID: documentID, Step: registry.StepEmbed, Text: text}

	ok, err := o.tasks.BeginWithTask(ctx, task)
	if err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", documentID, err)
	}
	if !ok {
		o.logger.Info(ctx, "document not pending, skipping pipeline run")
		stepsTotal.WithLabelValues("begin", resultSkipped).Inc()
		return "", nil
	}
	stepsTotal.WithLabelValues("begin", resultSuccess).Inc()
	o.steps.Announce(ctx, documentID, registry.StatusProcessing, "", 0)

	o.signal()
	o.logger.Debug(logging.WithTaskID(ctx, task.ID), "pipeline task enqueued")
	return task.ID, nil
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatcher. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return errors.New("pipeline: orchestrator already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.dispatch(runCtx)

	o.logger.Info(ctx, "pipeline orchestrator started",
		zap.Int("workers", o.opts.Workers),
		zap.Int("max_attempts", o.opts.MaxAttempts),
		zap.Duration("retry_backoff", o.opts.RetryBackoff))
	return nil
}

// Stop halts dispatch and waits for running tasks until ctx is done.
// Interrupted tasks resume after their lease expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	finished := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for pipeline tasks: %w", ctx.Err())
	}
	o.pool.Release()
	o.logger.Info(ctx, "pipeline orchestrator stopped")
	return err
}

func (o *Orchestrator) dispatch(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		o.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) poll(ctx context.Context) {
	free := o.pool.Free()
	if free <= 0 {
		return
	}
	claimed, err := o.tasks.ClaimDue(ctx, free, o.opts.LeaseTimeout)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error(ctx, "claiming pipeline tasks", zap.Error(err))
		}
		return
	}

	for _, t := range claimed {
		t := t
		o.inflight.Add(1)
		inflightTasks.Inc()
		if err := o.pool.Submit(func() {
			defer o.inflight.Done()
			defer inflightTasks.Dec()
			o.run(ctx, t)
		}); err != nil {
			o.inflight.Done()
			inflightTasks.Dec()
			o.logger.Warn(ctx, "submitting pipeline task, lease will expire", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
}

// RunPending executes due tasks on the calling goroutine until none are
// left and returns how many steps ran. Retries scheduled in the future
// are not waited for.
func (o *Orchestrator) RunPending(ctx context.Context) (int, error) {
	var n int
	for {
		claimed, err := o.tasks.ClaimDue(ctx, o.opts.Workers, o.opts.LeaseTimeout)
		if err != nil {
			return n, err
		}
		if len(claimed) == 0 {
			return n, nil
		}
		for _, t := range claimed {
			o.run(ctx, t)
			n++
		}
	}
}

func (o *Orchestrator) run(ctx context.Context, t *registry.Task) {
	ctx = logging.WithTaskID(logging.WithDocumentID(ctx, t.DocumentID), t.ID)

	if t.Step == registry.StepEmbed {
		vec, err := o.withTimeout(ctx, func(ctx context.Context) ([]float32, error) {
			return o.steps.Embed(ctx, t.Text)
		})
		if err != nil {
			o.retry(ctx, t, err)
			return
		}
		stepsTotal.WithLabelValues(string(registry.StepEmbed), resultSuccess).Inc()
		if err := o.tasks.AdvanceToIndex(ctx, t.ID, vec); err != nil {
			o.logger.Error(ctx, "committing embed result", zap.Error(err))
			return
		}
		t.Step, t.Attempt, t.Vector, t.LastError = registry.StepIndex, 1, vec, ""
	}

	_, err := o.withTimeout(ctx, func(ctx context.Context) ([]float32, error) {
		return nil, o.steps.Index(ctx, t.DocumentID, t.Vector)
	})
	if err != nil {
		o.retry(ctx, t, err)
		return
	}
	stepsTotal.WithLabelValues(string(registry.StepIndex), resultSuccess).Inc()
	if err := o.tasks.DeleteTask(ctx, t.ID); err != nil {
		o.logger.Warn(ctx, "deleting finished task", zap.Error(err))
	}
}

func (o *Orchestrator) withTimeout(ctx context.Context, fn func(context.Context) ([]float32, error)) ([]float32, error) {
	stepCtx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
	defer cancel()
	return fn(stepCtx)
}

// retry reschedules t or, once attempts are spent, fails the document.
func (o *Orchestrator) retry(ctx context.Context, t *registry.Task, cause error) {
	if ctx.Err() != nil {
		o.logger.Info(ctx, "pipeline task interrupted", zap.String("step", string(t.Step)))
		return
	}

	if t.Attempt >= o.opts.MaxAttempts {
		stepsTotal.WithLabelValues(string(t.Step), resultExhausted).Inc()
		if err := o.steps.Fail(ctx, t.DocumentID, Exhausted(t.Step, t.Attempt, cause)); err != nil {
			o.logger.Error(ctx, "failing document", zap.Error(err))
			return
		}
		if err := o.tasks.DeleteTask(ctx, t.ID); err != nil {
			o.logger.Warn(ctx, "deleting exhausted task", zap.Error(err))
		}
		return
	}

	stepsTotal.WithLabelValues(string(t.Step), resultRetry).Inc()
	failed := t.Attempt
	delay := RetryDelay(o.opts.RetryBackoff, failed)
	if err := o.tasks.RetryTask(ctx, t, o.now().Add(delay), cause.Error()); err != nil {
		o.logger.Error(ctx, "rescheduling task", zap.Error(err))
		return
	}
	o.logger.Warn(ctx, "pipeline step failed, retrying",
		zap.String("step", string(t.Step)),
		zap.Int("attempt", failed),
		zap.Duration("delay", delay),
		zap.Error(cause))
	o.steps.Announce(ctx, t.DocumentID, registry.StatusProcessing, cause.Error(), failed)
}
