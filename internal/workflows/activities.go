package workflows

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/recalld/internal/pipeline"
	"github.com/fyrsmithlabs/recalld/internal/registry"
)

const errTypeNotFound = "NotFound"

// EmbedInput is the Embed activity argument.
type EmbedInput struct {
	DocumentID string
	Text       string
}

// IndexInput is the Index activity argument.
type IndexInput struct {
	DocumentID string
	Vector     []float32
}

// FailInput is the Fail activity argument.
type FailInput struct {
	DocumentID string
	Error      string
}

// Activities adapts pipeline.Steps to Temporal activities. Register an
// instance with the worker; workflows reference the methods through a
// nil *Activities.
type Activities struct {
	steps *pipeline.Steps
}

// NewActivities wraps steps.
func NewActivities(steps *pipeline.Steps) *Activities {
	return &Activities{steps: steps}
}

// Begin moves the document to processing.
func (a *Activities) Begin(ctx context.Context, documentID string) (bool, error) {
	defer recordActivity(ctx, "begin", time.Now())
	ok, err := a.steps.Begin(ctx, documentID)
	return ok, classify(ctx, "begin", err)
}

// Embed produces the vector. A failed attempt is recorded on the
// document, which stays processing.
func (a *Activities) Embed(ctx context.Context, in EmbedInput) ([]float32, error) {
	defer recordActivity(ctx, "embed", time.Now())
	vec, err := a.steps.Embed(ctx, in.Text)
	if err != nil {
		a.recordAttempt(ctx, in.DocumentID, err)
		return nil, classify(ctx, "embed", err)
	}
	return vec, nil
}

// Index upserts the vector and completes the document.
func (a *Activities) Index(ctx context.Context, in IndexInput) error {
	defer recordActivity(ctx, "index", time.Now())
	if err := a.steps.Index(ctx, in.DocumentID, in.Vector); err != nil {
		a.recordAttempt(ctx, in.DocumentID, err)
		return classify(ctx, "index", err)
	}
	return nil
}

// Fail moves the document to failed.
func (a *Activities) Fail(ctx context.Context, in FailInput) error {
	defer recordActivity(ctx, "fail", time.Now())
	return classify(ctx, "fail", a.steps.Fail(ctx, in.DocumentID, errors.New(in.Error)))
}

func (a *Activities) recordAttempt(ctx context.Context, documentID string, cause error) {
	attempt := int(activity.GetInfo(ctx).Attempt)
	if err := a.steps.RecordError(ctx, documentID, attempt, cause); err != nil {
		activity.GetLogger(ctx).Warn("Recording step error", "document_id", documentID, "error", err)
	}
}

// classify marks missing documents as non-retryable.
func classify(ctx context.Context, name string, err error) error {
	if err == nil {
		return nil
	}
	activityErrors(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypeNotFound, err)
	}
	return err
}
