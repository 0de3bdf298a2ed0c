// Package workflows provides the Temporal runner for the embedding
// pipeline.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/recalld/internal/pipeline"
	"github.com/fyrsmithlabs/recalld/internal/registry"
)

// EmbeddingPipelineInput starts one pipeline run.
type EmbeddingPipelineInput struct {
	DocumentID string
	Text       string

	MaxAttempts  int           // per step, default 3
	RetryBackoff time.Duration // first retry delay, default 60s
	StepTimeout  time.Duration // StartToClose per attempt, default 2m
}

// EmbeddingPipelineResult reports how a run ended.
type EmbeddingPipelineResult struct {
	DocumentID string
	Status     registry.Status
	Skipped    bool   // document was not pending
	Error      string // terminal error when Status is failed
}

func (in *EmbeddingPipelineInput) applyDefaults() {
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = 3
	}
	if in.RetryBackoff <= 0 {
		in.RetryBackoff = 60 * time.Second
	}
	if in.StepTimeout <= 0 {
		in.StepTimeout = 2 * time.Minute
	}
}

// EmbeddingPipelineWorkflow runs Begin, Embed and Index as activities.
// A step that spends its attempts triggers the Fail activity.
//
// The retry schedule is InitialInterval = backoff with coefficient 2,
// which gives the same 60s/120s delays as the local runner.
func EmbeddingPipelineWorkflow(ctx workflow.Context, in EmbeddingPipelineInput) (*EmbeddingPipelineResult, error) {
	in.applyDefaults()
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting embedding pipeline", "document_id", in.DocumentID)

	result := &EmbeddingPipelineResult{DocumentID: in.DocumentID}

	stepCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.StepTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        in.RetryBackoff,
			BackoffCoefficient:     2.0,
			MaximumAttempts:        int32(in.MaxAttempts),
			NonRetryableErrorTypes: []string{errTypeNotFound},
		},
	})
	bookkeeping := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 5},
	})

	var a *Activities

	var begun bool
	if err := workflow.ExecuteActivity(stepCtx, a.Begin, in.DocumentID).Get(ctx, &begun); err != nil {
		return nil, err
	}
	if !begun {
		logger.Info("Document not pending, skipping", "document_id", in.DocumentID)
		result.Skipped = true
		return result, nil
	}

	var vector []float32
	err := workflow.ExecuteActivity(stepCtx, a.Embed, EmbedInput{DocumentID: in.DocumentID, Text: in.Text}).Get(ctx, &vector)
	if err != nil {
		return fail(ctx, bookkeeping, result, registry.StepEmbed, in.MaxAttempts, err)
	}

	err = workflow.ExecuteActivity(stepCtx, a.Index, IndexInput{DocumentID: in.DocumentID, Vector: vector}).Get(ctx, nil)
	if err != nil {
		return fail(ctx, bookkeeping, result, registry.StepIndex, in.MaxAttempts, err)
	}

	logger.Info("Embedding pipeline complete", "document_id", in.DocumentID, "dimension", len(vector))
	result.Status = registry.StatusCompleted
	return result, nil
}

func fail(ctx, actCtx workflow.Context, result *EmbeddingPipelineResult, step registry.Step, attempts int, cause error) (*EmbeddingPipelineResult, error) {
	msg := pipeline.Exhausted(step, attempts, rootCause(cause)).Error()
	workflow.GetLogger(ctx).Error("Embedding pipeline exhausted", "document_id", result.DocumentID, "error", msg)

	var a *Activities
	if err := workflow.ExecuteActivity(actCtx, a.Fail, FailInput{DocumentID: result.DocumentID, Error: msg}).Get(ctx, nil); err != nil {
		return nil, err
	}
	result.Status = registry.StatusFailed
	result.Error = msg
	return result, nil
}

// rootCause strips the activity envelope down to the application error.
func rootCause(err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return errors.New(appErr.Error())
	}
	return err
}
