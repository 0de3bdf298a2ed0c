// Package experiments builds training datasets from completed documents
// and sweeps expired experiment and document rows.
package experiments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/objectstore"
	"github.com/fyrsmithlabs/recalld/internal/registry"
)

// DefaultDatasetsBucket holds dataset exports.
const DefaultDatasetsBucket = "datasets"

// Registry is the registry surface dataset builds use.
type Registry interface {
	CreateExperiment(ctx context.Context, e *registry.Experiment) error
	StartExperiment(ctx context.Context, id string) error
	CompleteExperiment(ctx context.Context, id, datasetRef string, metrics map[string]interface{}) error
	FailExperiment(ctx context.Context, id, msg string) error
	GetExperiment(ctx context.Context, id string) (*registry.Experiment, error)
	ListDocuments(ctx context.Context, f registry.DocumentFilter) ([]*registry.Document, error)
}

// Filters selects the documents of a dataset. Only completed documents
// are ever exported.
type Filters struct {
	UserID       string `json:"user_id,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
}

func (f Filters) config() map[string]interface{} {
	m := map[string]interface{}{}
	if f.UserID != "" {
		m["user_id"] = f.UserID
	}
	if f.DocumentType != "" {
		m["document_type"] = f.DocumentType
	}
	if f.ProjectID != "" {
		m["project_id"] = f.ProjectID
	}
	return m
}

// DatasetRequest asks for a dataset export.
type DatasetRequest struct {
	ProjectID string  `json:"project_id"`
	Filters   Filters `json:"filters"`
}

// DatasetRecord is one exported document.
type DatasetRecord struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Title     string                 `json:"title"`
	SourceRef string                 `json:"source_ref"`
	Metadata  map[string]interface{} `json:"metadata"`
	CreatedAt time.Time              `json:"created_at"`
}

// Builder exports datasets to the object store.
type Builder struct {
	reg    Registry
	store  objectstore.Store
	bucket string
	logger *logging.Logger
}

// NewBuilder creates a Builder. An empty bucket uses
// DefaultDatasetsBucket.
func NewBuilder(reg Registry, store objectstore.Store, bucket string, logger *logging.Logger) (*Builder, error) {
	if reg == nil || store == nil {
		return nil, errors.New("experiments: registry and object store are required")
	}
	if bucket == "" {
		bucket = DefaultDatasetsBucket
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Builder{reg: reg, store: store, bucket: bucket, logger: logger.Named("experiments")}, nil
}

// ObjectName is the dataset object key inside the bucket.
func ObjectName(projectID, experimentID string) string {
	return fmt.Sprintf("%s/dataset_%s.json", projectID, experimentID)
}

// BuildDataset records a running experiment, exports the matching
// completed documents and completes the experiment. Once the experiment
// exists, any failure marks it failed and is returned alongside it.
func (b *Builder) BuildDataset(ctx context.Context, req DatasetRequest) (*registry.Experiment, error) {
	if req.ProjectID == "" {
		req.ProjectID = registry.DefaultProjectID
	}
	if err := registry.ValidateName(req.ProjectID); err != nil {
		return nil, fmt.Errorf("project_id %q: %w", req.ProjectID, err)
	}

	exp := &registry.Experiment{
		Name:      "Dataset for " + req.ProjectID,
		ProjectID: req.ProjectID,
		Kind:      registry.KindEmbedding,
		Config:    req.Filters.config(),
	}
	if err := b.reg.CreateExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("creating experiment: %w", err)
	}
	if err := b.reg.StartExperiment(ctx, exp.ID); err != nil {
		return nil, b.fail(ctx, exp.ID, fmt.Errorf("starting experiment: %w", err))
	}

	start := time.Now()
	count, ref, err := b.export(ctx, exp.ID, req)
	if err != nil {
		datasetBuilds.WithLabelValues("failed").Inc()
		return b.reload(ctx, exp.ID), b.fail(ctx, exp.ID, err)
	}

	metrics := map[string]interface{}{"document_count": count}
	if err := b.reg.CompleteExperiment(ctx, exp.ID, ref, metrics); err != nil {
		datasetBuilds.WithLabelValues("failed").Inc()
		return b.reload(ctx, exp.ID), b.fail(ctx, exp.ID, fmt.Errorf("completing experiment: %w", err))
	}
	datasetBuilds.WithLabelValues("completed").Inc()
	datasetDocuments.Add(float64(count))

	b.logger.Info(ctx, "dataset built",
		zap.String("experiment_id", exp.ID),
		zap.String("dataset_ref", ref),
		zap.Int("document_count", count),
		zap.Duration("took", time.Since(start)))
	return b.reload(ctx, exp.ID), nil
}

func (b *Builder) export(ctx context.Context, experimentID string, req DatasetRequest) (int, string, error) {
	docs, err := b.reg.ListDocuments(ctx, registry.DocumentFilter{
		UserID:       req.Filters.UserID,
		ProjectID:    req.Filters.ProjectID,
		DocumentType: req.Filters.DocumentType,
		Status:       registry.StatusCompleted,
	})
	if err != nil {
		return 0, "", fmt.Errorf("querying documents: %w", err)
	}

	records := make([]DatasetRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, DatasetRecord{
			ID:        d.ID,
			UserID:    d.UserID,
			Title:     d.Title,
			SourceRef: d.SourceRef,
			Metadata:  d.Metadata,
			CreatedAt: d.CreatedAt,
		})
	}
	body, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return 0, "", fmt.Errorf("encoding dataset: %w", err)
	}

	object := ObjectName(req.ProjectID, experimentID)
	if err := b.store.Put(ctx, b.bucket, object, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return 0, "", fmt.Errorf("uploading dataset: %w", err)
	}
	return len(records), objectstore.Ref(b.bucket, object), nil
}

func (b *Builder) fail(ctx context.Context, id string, cause error) error {
	b.logger.Error(ctx, "dataset build failed", zap.String("experiment_id", id), zap.Error(cause))
	if err := b.reg.FailExperiment(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		b.logger.Warn(ctx, "marking experiment failed", zap.String("experiment_id", id), zap.Error(err))
	}
	return cause
}

func (b *Builder) reload(ctx context.Context, id string) *registry.Experiment {
	e, err := b.reg.GetExperiment(context.WithoutCancel(ctx), id)
	if err != nil {
		return &registry.Experiment{ID: id}
	}
	return e
}
