// Package documents is the write path for direct ingestion: create,
// bulk create and reindex.
package documents

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/source"
)

var (
	// ErrNoText is returned by Reindex when the source text is gone or
	// empty.
	ErrNoText = errors.New("no text found for document")

	// ErrInvalid is returned for a create request missing required
	// fields.
	ErrInvalid = errors.New("invalid document")
)

// Registry is the registry surface the write path needs.
type Registry interface {
	CreateDocument(ctx context.Context, d *registry.Document) error
	GetDocument(ctx context.Context, id string) (*registry.Document, error)
	ResetForReindex(ctx context.Context, id string) (*registry.Document, error)
}

// Source stores and resolves document text.
type Source interface {
	Put(ctx context.Context, r *source.Record) error
	Delete(ctx context.Context, id string) error
	GetByRef(ctx context.Context, ref string) (*source.Record, error)
}

// Enqueuer schedules a pipeline run.
type Enqueuer interface {
	Enqueue(ctx context.Context, documentID, text string) (string, error)
}

// CreateRequest is a new document. Text, when present, is written to the
// source store and the pipeline is enqueued. SourceRef links an existing
// source record instead.
type CreateRequest struct {
	UserID       string                 `json:"user_id"`
	ProjectID    string                 `json:"project_id,omitempty"`
	Title        string                 `json:"title"`
	DocumentType string                 `json:"document_type,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	SourceRef    string                 `json:"source_ref,omitempty"`
	Text         string                 `json:"text,omitempty"`
}

// Created is the result of a create.
type Created struct {
	Document *registry.Document `json:"document"`
	// TaskID is empty when nothing was enqueued.
	TaskID string `json:"task_id,omitempty"`
}

// BulkResult counts a bulk create.
type BulkResult struct {
	Created int `json:"created"`
	Total   int `json:"total"`
}

// Service implements the write path.
type Service struct {
	reg      Registry
	source   Source
	enqueuer Enqueuer
	logger   *logging.Logger
}

// NewService creates a Service.
func NewService(reg Registry, src Source, enqueuer Enqueuer, logger *logging.Logger) (*Service, error) {
	if reg == nil || src == nil || enqueuer == nil {
		return nil, errors.New("documents: registry, source and enqueuer are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{reg: reg, source: src, enqueuer: enqueuer, logger: logger.Named("documents")}, nil
}

// Create registers a document and, when it has text, enqueues it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalid)
	}
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if req.ProjectID != "" {
		if err := registry.ValidateName(req.ProjectID); err != nil {
			return nil, fmt.Errorf("project_id %q: %w", req.ProjectID, err)
		}
	}
	ctx = logging.WithOwnerID(ctx, req.UserID)

	doc := &registry.Document{
		UserID:       req.UserID,
		ProjectID:    req.ProjectID,
		Title:        req.Title,
		DocumentType: req.DocumentType,
		Metadata:     req.Metadata,
		SourceRef:    req.SourceRef,
	}
	var stored *source.Record
	if req.Text != "" && doc.SourceRef == "" {
		stored = &source.Record{UserID: req.UserID, Title: req.Title, Content: req.Text}
		if err := s.source.Put(ctx, stored); err != nil {
			return nil, fmt.Errorf("storing document text: %w", err)
		}
		doc.SourceRef = source.Ref(stored.ID)
	}

	if err := s.reg.CreateDocument(ctx, doc); err != nil {
		// An orphaned record would be picked up by the next sync.
		if stored != nil {
			if derr := s.source.Delete(ctx, stored.ID); derr != nil {
				s.logger.Error(ctx, "removing text of rejected document",
					zap.String("record_id", stored.ID), zap.Error(derr))
			}
		}
		return nil, err
	}
	ctx = logging.WithDocumentID(ctx, doc.ID)

	out := &Created{Document: doc}
	if req.Text == "" {
		s.logger.Debug(ctx, "document created without text")
		return out, nil
	}
	taskID, err := s.enqueuer.Enqueue(ctx, doc.ID, req.Text)
	if err != nil {
		s.logger.Error(ctx, "enqueueing new document", zap.Error(err))
		return out, fmt.Errorf("enqueueing document %s: %w", doc.ID, err)
	}
	out.TaskID = taskID
	return out, nil
}

// CreateBulk creates each request. Invalid entries are logged and
// skipped.
func (s *Service) CreateBulk(ctx context.Context, reqs []CreateRequest) BulkResult {
	res := BulkResult{Total: len(reqs)}
	for i, req := range reqs {
		if _, err := s.Create(ctx, req); err != nil {
			s.logger.Warn(ctx, "skipping bulk document", zap.Int("index", i), zap.Error(err))
			continue
		}
		res.Created++
	}
	return res
}

// Reindex re-reads the document text from the source store, resets the
// document to pending and enqueues it. It fails with ErrNoText when there
// is nothing to embed and registry.ErrProcessing while a run is open.
func (s *Service) Reindex(ctx context.Context, id string) (string, error) {
	ctx = logging.WithDocumentID(ctx, id)
	doc, err := s.reg.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	if doc.Status == registry.StatusProcessing {
		return "", fmt.Errorf("document %s: %w", id, registry.ErrProcessing)
	}

	text := s.text(ctx, doc)
	if text == "" {
		return "", ErrNoText
	}

	if _, err := s.reg.ResetForReindex(ctx, id); err != nil {
		return "", err
	}
	taskID, err := s.enqueuer.Enqueue(ctx, id, text)
	if err != nil {
		return "", fmt.Errorf("enqueueing document %s: %w", id, err)
	}
	s.logger.Info(ctx, "reindex started", zap.String("task_id", taskID))
	return taskID, nil
}

func (s *Service) text(ctx context.Context, doc *registry.Document) string {
	if doc.SourceRef == "" {
		return ""
	}
	rec, err := s.source.GetByRef(ctx, doc.SourceRef)
	if err != nil {
		if !errors.Is(err, source.ErrNotFound) {
			s.logger.Warn(ctx, "reading source text", zap.Error(err))
		}
		return ""
	}
	return rec.Body()
}
