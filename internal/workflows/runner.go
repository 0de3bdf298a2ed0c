package workflows

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/pipeline"
	"github.com/fyrsmithlabs/recalld/internal/registry"
)

// WorkflowIDPrefix prefixes the per-document workflow ID so that at most
// one run per document is open at a time.
const WorkflowIDPrefix = "embedding-pipeline-"

// DocumentGetter looks documents up before scheduling.
type DocumentGetter interface {
	GetDocument(ctx context.Context, id string) (*registry.Document, error)
}

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig, logger *logging.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Temporal client: %w", err)
	}
	return c, nil
}

// Runner schedules pipeline runs as Temporal workflows and hosts the
// worker that executes them.
type Runner struct {
	client     client.Client
	docs       DocumentGetter
	activities *Activities
	taskQueue  string
	input      EmbeddingPipelineInput
	logger     *logging.Logger

	mu     sync.Mutex
	worker worker.Worker
}

var _ pipeline.Runner = (*Runner)(nil)

// NewRunner builds a runner. The client is owned by the caller.
func NewRunner(c client.Client, docs DocumentGetter, steps *pipeline.Steps, tcfg config.TemporalConfig, pcfg config.PipelineConfig, logger *logging.Logger) (*Runner, error) {
	if c == nil || docs == nil || steps == nil {
		return nil, errors.New("workflows: client, documents and steps are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	queue := tcfg.TaskQueue
	if queue == "" {
		queue = "recalld-pipeline"
	}
	return &Runner{
		client:     c,
		docs:       docs,
		activities: NewActivities(steps),
		taskQueue:  queue,
		input: EmbeddingPipelineInput{
			MaxAttempts:  pcfg.MaxAttempts,
			RetryBackoff: pcfg.RetryBackoff.Duration(),
			StepTimeout:  pcfg.StepTimeout.Duration(),
		},
		logger: logger.Named("workflows"),
	}, nil
}

// Enqueue starts a workflow for a pending document. The workflow ID is
// returned as the run handle.
func (r *Runner) Enqueue(ctx context.Context, documentID, text string) (string, error) {
	ctx = logging.WithDocumentID(ctx, documentID)

	doc, err := r.docs.GetDocument(ctx, documentID)
	if err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", documentID, err)
	}
	if doc.Status != registry.StatusPending {
		r.logger.Info(ctx, "document not pending, skipping pipeline run", zap.String("status", string(doc.Status)))
		recordStart(ctx, "skipped")
		return "", nil
	}

	in := r.input
	in.DocumentID = documentID
	in.Text = text

	opts := client.StartWorkflowOptions{
		ID:        WorkflowIDPrefix + documentID,
		TaskQueue: r.taskQueue,
	}
	we, err := r.client.ExecuteWorkflow(ctx, opts, EmbeddingPipelineWorkflow, in)
	if err != nil {
		recordStart(ctx, "error")
		return "", fmt.Errorf("failed to start workflow: %w", err)
	}
	recordStart(ctx, "started")

	r.logger.Info(ctx, "started embedding pipeline workflow",
		zap.String("workflow_id", we.GetID()),
		zap.String("run_id", we.GetRunID()))
	return we.GetID(), nil
}

// Start registers the workflow and activities and starts polling.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worker != nil {
		return errors.New("workflows: worker already started")
	}

	w := worker.New(r.client, r.taskQueue, worker.Options{})
	w.RegisterWorkflow(EmbeddingPipelineWorkflow)
	w.RegisterActivity(r.activities)

	if err := w.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	r.worker = w
	r.logger.Info(ctx, "temporal worker started", zap.String("task_queue", r.taskQueue))
	return nil
}

// Stop stops the worker. Open workflows continue on the next worker.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	w := r.worker
	r.worker = nil
	r.mu.Unlock()

	if w == nil {
		return nil
	}
	w.Stop()
	r.logger.Info(ctx, "temporal worker stopped")
	return nil
}
