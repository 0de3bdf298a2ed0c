// Package search answers semantic queries: embed the query, search the
// index under an owner filter, and join hits against the registry.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// Query is a search request.
type Query struct {
	Text           string   `json:"query" validate:"required"`
	UserID         string   `json:"user_id" validate:"required,max=100"`
	Category       string   `json:"document_type,omitempty"`
	TopK           int      `json:"top_k,omitempty" validate:"gte=0"`
	ScoreThreshold *float32 `json:"score_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// Result is one hit. Document is nil when the registry has no row for
// the hit.
type Result struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Document *registry.Document     `json:"document,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// Response is a search answer.
type Response struct {
	Query   string    `json:"query"`
	Results []*Result `json:"results"`
	Count   int       `json:"count"`
}

// Embedder embeds query text with the ingestion truncation rule.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the vector search surface.
type Index interface {
	Search(ctx context.Context, vector []float32, limit int, threshold float32, filter vectorstore.Filter) ([]vectorstore.Hit, error)
}

// Documents looks hits up for enrichment.
type Documents interface {
	GetDocument(ctx context.Context, id string) (*registry.Document, error)
}

// Options holds query limits and defaults.
type Options struct {
	DefaultTopK           int
	MaxTopK               int
	DefaultScoreThreshold float32
	MaxQueryLength        int
	Logger                *logging.Logger
}

// OptionsFromConfig maps search settings onto Options.
func OptionsFromConfig(cfg config.SearchConfig, logger *logging.Logger) Options {
	return Options{
		DefaultTopK:           cfg.DefaultTopK,
		MaxTopK:               cfg.MaxTopK,
		DefaultScoreThreshold: cfg.DefaultScoreThreshold,
		MaxQueryLength:        cfg.MaxQueryLength,
		Logger:                logger,
	}
}

func (o *Options) applyDefaults() {
	if o.DefaultTopK <= 0 {
		o.DefaultTopK = 10
	}
	if o.MaxTopK <= 0 {
		o.MaxTopK = 100
	}
	if o.DefaultScoreThreshold < 0 || o.DefaultScoreThreshold > 1 {
		o.DefaultScoreThreshold = 0.5
	}
	if o.MaxQueryLength <= 0 {
		o.MaxQueryLength = 1000
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
}

// Service runs searches.
type Service struct {
	embedder Embedder
	index    Index
	docs     Documents
	opts     Options
	validate *validator.Validate
	logger   *logging.Logger
	tracer   trace.Tracer
}

// NewService creates a Service.
func NewService(embedder Embedder, index Index, docs Documents, opts Options) (*Service, error) {
	if embedder == nil || index == nil || docs == nil {
		return nil, errors.New("search: embedder, index and documents are required")
	}
	opts.applyDefaults()
	return &Service{
		embedder: embedder,
		index:    index,
		docs:     docs,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   opts.Logger.Named("search"),
		tracer:   otel.Tracer("recalld.search"),
	}, nil
}

// Normalize validates q and fills in defaults. It returns a
// *ValidationError for bad input.
func (s *Service) Normalize(q *Query) error {
	if err := s.validate.Struct(q); err != nil {
		return newValidationError(err)
	}
	if err := s.validate.Var(q.Text, fmt.Sprintf("max=%d", s.opts.MaxQueryLength)); err != nil {
		return fieldError("query", fmt.Sprintf("must be at most %d characters", s.opts.MaxQueryLength))
	}
	if q.TopK == 0 {
		q.TopK = s.opts.DefaultTopK
	}
	if err := s.validate.Var(q.TopK, fmt.Sprintf("min=1,max=%d", s.opts.MaxTopK)); err != nil {
		return fieldError("top_k", fmt.Sprintf("must be between 1 and %d", s.opts.MaxTopK))
	}
	if q.ScoreThreshold == nil {
		t := s.opts.DefaultScoreThreshold
		q.ScoreThreshold = &t
	}
	return nil
}

// Search runs q. It fails only on invalid input, embedding failure or an
// index error; an enrichment miss degrades that hit to its raw payload.
func (s *Service) Search(ctx context.Context, q Query) (resp *Response, err error) {
	if err := s.Normalize(&q); err != nil {
		return nil, err
	}
	ctx = logging.WithOwnerID(ctx, q.UserID)
	start := time.Now()

	ctx, span := s.tracer.Start(ctx, "search.Search", trace.WithAttributes(
		attribute.Int("search.top_k", q.TopK),
		attribute.Float64("search.score_threshold", float64(*q.ScoreThreshold)),
		attribute.Bool("search.has_category", q.Category != ""),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		observeSearch(start, err)
	}()

	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	filter := vectorstore.Filter{vectorstore.KeyUserID: q.UserID}
	if q.Category != "" {
		filter[vectorstore.KeyDocumentType] = q.Category
	}
	hits, err := s.index.Search(ctx, vec, q.TopK, *q.ScoreThreshold, filter)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	results := make([]*Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, s.enrich(ctx, h))
	}
	span.SetAttributes(attribute.Int("search.results", len(results)))

	s.logger.Debug(ctx, "search complete",
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(start)))
	return &Response{Query: q.Text, Results: results, Count: len(results)}, nil
}

func (s *Service) enrich(ctx context.Context, h vectorstore.Hit) *Result {
	r := &Result{ID: h.ID, Score: h.Score, Payload: h.Payload}
	docID, _ := h.Payload[vectorstore.KeyDocumentID].(string)
	if docID == "" {
		docID = h.ID
	}

	doc, err := s.docs.GetDocument(ctx, docID)
	if err != nil {
		enrichMisses.Inc()
		if !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn(ctx, "enriching search hit", zap.String("document_id", docID), zap.Error(err))
		}
		return r
	}
	r.ID = doc.ID
	r.Document = doc
	return r
}
