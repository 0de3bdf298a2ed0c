// Package pipeline drives documents from pending to a terminal state:
// begin (CAS pending -> processing), embed, index, and fail on
// exhaustion.
//
// Steps holds the step logic shared by both runners. Orchestrator is the
// local runner over registry task rows; the Temporal runner lives in
// internal/workflows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrExhausted marks a step that failed on every allowed attempt.
var ErrExhausted = errors.New("pipeline exhausted")

// Exhausted wraps cause as the terminal error of step.
func Exhausted(step registry.Step, attempts int, cause error) error {
	return fmt.Errorf("%w: %s step failed after %d attempts: %v", ErrExhausted, step, attempts, cause)
}

// DocumentStore is the registry surface the steps use.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*registry.Document, error)
	BeginProcessing(ctx context.Context, id string) (bool, error)
	RecordError(ctx context.Context, id, msg string) error
	MarkCompleted(ctx context.Context, id string, e *registry.Embedding) error
	MarkFailed(ctx context.Context, id, msg string) error
}

// Embedder produces document vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// Notifier receives document status transitions.
type Notifier interface {
	DocumentStatus(ctx context.Context, ev events.DocumentEvent)
}

// Steps implements the individual pipeline steps.
type Steps struct {
	docs     DocumentStore
	embedder Embedder
	index    vectorstore.Index
	notifier Notifier
	logger   *logging.Logger
	tracer   trace.Tracer
}

// NewSteps wires the steps. notifier may be nil.
func NewSteps(docs DocumentStore, embedder Embedder, index vectorstore.Index, notifier Notifier, logger *logging.Logger) *Steps {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Steps{
		docs:     docs,
		embedder: embedder,
		index:    index,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("recalld.pipeline"),
	}
}

// Begin moves a pending document to processing. It returns false when
// the document is in any other state; the caller drops the run.
func (s *Steps) Begin(ctx context.Context, documentID string) (bool, error) {
	ctx = logging.WithDocumentID(ctx, documentID)
	ok, err := s.docs.BeginProcessing(ctx, documentID)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info(ctx, "document not pending, skipping pipeline run")
		stepsTotal.WithLabelValues("begin", resultSkipped).Inc()
		return false, nil
	}
	stepsTotal.WithLabelValues("begin", resultSuccess).Inc()
	s.Announce(ctx, documentID, registry.StatusProcessing, "", 0)
	return true, nil
}

// Embed produces the vector for text.
func (s *Steps) Embed(ctx context.Context, text string) (vec []float32, err error) {
	ctx, span := s.tracer.Start(ctx, "pipeline.embed", trace.WithAttributes(attribute.Int("text.length", len(text))))
	defer func() { endSpan(span, err) }()
	defer observeStep(registry.StepEmbed, time.Now())

	vec, err = s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	return vec, nil
}

// Index upserts vector under the document id and completes the document.
// A document that is no longer processing is left untouched.
func (s *Steps) Index(ctx context.Context, documentID string, vector []float32) (err error) {
	ctx = logging.WithDocumentID(ctx, documentID)
	ctx, span := s.tracer.Start(ctx, "pipeline.index", trace.WithAttributes(attribute.String("document.id", documentID)))
	defer func() { endSpan(span, err) }()
	defer observeStep(registry.StepIndex, time.Now())

	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status != registry.StatusProcessing {
		s.logger.Info(ctx, "document no longer processing, skipping index",
			zap.String("status", string(doc.Status)))
		return nil
	}

	vectorID, err := s.index.Upsert(ctx, doc.ID, vector, Payload(doc))
	if err != nil {
		return fmt.Errorf("indexing: %w", err)
	}

	err = s.docs.MarkCompleted(ctx, doc.ID, &registry.Embedding{
		VectorID:  vectorID,
		ModelName: s.embedder.ModelName(),
		Dimension: len(vector),
	})
	if errors.Is(err, registry.ErrInvalidTransition) {
		s.logger.Info(ctx, "document completed concurrently")
		return nil
	}
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "document indexed",
		zap.String("vector_id", vectorID),
		zap.Int("dimension", len(vector)))
	s.announceDoc(ctx, doc, registry.StatusCompleted, "", 0)
	return nil
}

// RecordError stores an intermediate step failure on the document, which
// stays processing.
func (s *Steps) RecordError(ctx context.Context, documentID string, attempt int, cause error) error {
	ctx = logging.WithDocumentID(ctx, documentID)
	if err := s.docs.RecordError(ctx, documentID, cause.Error()); err != nil {
		return err
	}
	s.Announce(ctx, documentID, registry.StatusProcessing, cause.Error(), attempt)
	return nil
}

// Fail moves the document to failed with the terminal error.
func (s *Steps) Fail(ctx context.Context, documentID string, cause error) error {
	ctx = logging.WithDocumentID(ctx, documentID)
	s.logger.Error(ctx, "pipeline exhausted", zap.Error(cause))

	if err := s.docs.MarkFailed(ctx, documentID, cause.Error()); err != nil {
		if errors.Is(err, registry.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	s.Announce(ctx, documentID, registry.StatusFailed, cause.Error(), 0)
	return nil
}

// Announce publishes a status event for documentID.
func (s *Steps) Announce(ctx context.Context, documentID string, status registry.Status, errMsg string, attempt int) {
	if s.notifier == nil {
		return
	}
	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		s.logger.Warn(ctx, "loading document for status event", zap.Error(err))
		return
	}
	s.announceDoc(ctx, doc, status, errMsg, attempt)
}

func (s *Steps) announceDoc(ctx context.Context, doc *registry.Document, status registry.Status, errMsg string, attempt int) {
	if s.notifier == nil {
		return
	}
	s.notifier.DocumentStatus(ctx, events.DocumentEvent{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		Status:     string(status),
		Error:      errMsg,
		Attempt:    attempt,
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
