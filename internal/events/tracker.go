package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrTaskNotFound is returned for unknown or expired task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTrackerClosed fails tasks submitted after Shutdown.
	ErrTrackerClosed = errors.New("task tracker is shut down")
)

// TaskStatus is the lifecycle state of a tracked task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// DefaultTaskTTL is how long finished tasks stay readable.
const DefaultTaskTTL = time.Hour

// Task is a snapshot of a background job.
type Task struct {
	ID          string      `json:"task_id"`
	Kind        string      `json:"kind"`
	Status      TaskStatus  `json:"status"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Tracker keeps background job handles in memory and publishes their
// lifecycle on {prefix}.tasks.{id}.{phase}.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*Task

	pub    *Publisher
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time

	// running counts Go goroutines; closed stops new ones from joining.
	runMu   sync.Mutex
	running sync.WaitGroup
	closed  bool
	base    context.Context
	cancel  context.CancelFunc
}

// NewTracker creates a tracker. pub may be nil; ttl <= 0 means
// DefaultTaskTTL.
func NewTracker(pub *Publisher, ttl time.Duration, logger *logging.Logger) *Tracker {
	if pub == nil {
		pub = NewPublisher(nil, "", logger)
	}
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Tracker{
		tasks:  make(map[string]*Task),
		pub:    pub,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		base:   base,
		cancel: cancel,
	}
}

// Create registers a pending task and returns its id.
func (t *Tracker) Create(kind string) string {
	now := t.now().UTC()
	task := &Task{ID: uuid.NewString(), Kind: kind, Status: TaskPending, CreatedAt: now, UpdatedAt: now}
	t.mu.Lock()
	t.tasks[task.ID] = task
	t.mu.Unlock()
	return task.ID
}

// Get returns a copy of the task.
func (t *Tracker) Get(id string) (Task, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *task, nil
}

// Start marks the task running.
func (t *Tracker) Start(ctx context.Context, id string) error {
	return t.transition(ctx, id, "started", func(task *Task) {
		task.Status = TaskRunning
	})
}

// Complete marks the task completed with result.
func (t *Tracker) Complete(ctx context.Context, id string, result interface{}) error {
	return t.transition(ctx, id, "completed", func(task *Task) {
		task.Status = TaskCompleted
		task.Result = result
	})
}

// Fail marks the task failed with err.
func (t *Tracker) Fail(ctx context.Context, id string, err error) error {
	return t.transition(ctx, id, "failed", func(task *Task) {
		task.Status = TaskFailed
		task.Error = err.Error()
	})
}

func (t *Tracker) transition(ctx context.Context, id, phase string, apply func(*Task)) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return ErrTaskNotFound
	}
	apply(task)
	now := t.now().UTC()
	task.UpdatedAt = now
	terminal := task.Status == TaskCompleted || task.Status == TaskFailed
	if terminal {
		task.CompletedAt = &now
	}
	snapshot := *task
	t.mu.Unlock()

	if terminal {
		time.AfterFunc(t.ttl, func() { t.forget(id) })
	}
	if t.pub.Enabled() {
		t.pub.publish(ctx, t.pub.TaskSubject(id, phase), snapshot)
	}
	return nil
}

func (t *Tracker) forget(id string) {
	t.mu.Lock()
	delete(t.tasks, id)
	t.mu.Unlock()
}

// Go runs fn on a new goroutine under a tracked task and returns the
// task id immediately. fn gets a context detached from ctx's
// cancellation; it is cancelled only when Shutdown gives up waiting.
func (t *Tracker) Go(ctx context.Context, kind string, fn func(context.Context) (interface{}, error)) string {
	id := t.Create(kind)
	runCtx, cancel := context.WithCancel(logging.WithTaskID(context.WithoutCancel(ctx), id))

	t.runMu.Lock()
	if t.closed {
		t.runMu.Unlock()
		cancel()
		_ = t.Fail(runCtx, id, ErrTrackerClosed)
		return id
	}
	t.running.Add(1)
	t.runMu.Unlock()

	stop := context.AfterFunc(t.base, cancel)
	go func() {
		defer t.running.Done()
		defer cancel()
		defer stop()

		_ = t.Start(runCtx, id)
		result, err := fn(runCtx)
		if err != nil {
			t.logger.Error(runCtx, "tracked task failed", zap.String("kind", kind), zap.Error(err))
			_ = t.Fail(runCtx, id, err)
			return
		}
		t.logger.Info(runCtx, "tracked task completed", zap.String("kind", kind))
		_ = t.Complete(runCtx, id, result)
	}()
	return id
}

// Shutdown refuses new tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled and ctx's error is returned.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.runMu.Lock()
	t.closed = true
	t.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		return ctx.Err()
	}
}
