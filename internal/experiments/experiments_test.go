package experiments

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/objectstore"
	"github.com/fyrsmithlabs/recalld/internal/registry"
)

func openRegistry(t *testing.T) *registry.Store {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "recalld.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newDocument(t *testing.T, reg *registry.Store, user, docType string) *registry.Document {
	t.Helper()
	d := &registry.Document{UserID: user, Title: "Entry", DocumentType: docType, SourceRef: "journal:" + user + docType + time.Now().Format(time.RFC3339Nano)}
	require.NoError(t, reg.CreateDocument(context.Background(), d))
	return d
}

func complete(t *testing.T, reg *registry.Store, d *registry.Document) {
	t.Helper()
	ctx := context.Background()
	ok, err := reg.BeginProcessing(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, reg.MarkCompleted(ctx, d.ID, &registry.Embedding{VectorID: d.ID, ModelName: "keyword", Dimension: 8}))
}

func fail(t *testing.T, reg *registry.Store, d *registry.Document) {
	t.Helper()
	ctx := context.Background()
	ok, err := reg.BeginProcessing(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, reg.MarkFailed(ctx, d.ID, "boom"))
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "p1/dataset_e1.json", ObjectName("p1", "e1"))
}

func TestBuildDataset(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t)
	store := objectstore.NewMemory()
	require.NoError(t, store.EnsureBuckets(ctx, DefaultDatasetsBucket))

	keep := newDocument(t, reg, "u1", "journal_entry")
	complete(t, reg, keep)
	complete(t, reg, newDocument(t, reg, "u2", "journal_entry"))
	newDocument(t, reg, "u1", "journal_entry") // still pending

	b, err := NewBuilder(reg, store, "", logging.NewNop())
	require.NoError(t, err)

	exp, err := b.BuildDataset(ctx, DatasetRequest{ProjectID: "research", Filters: Filters{UserID: "u1"}})
	require.NoError(t, err)

	assert.Equal(t, "Dataset for research", exp.Name)
	assert.Equal(t, registry.KindEmbedding, exp.Kind)
	assert.Equal(t, registry.ExperimentCompleted, exp.Status)
	assert.NotNil(t, exp.StartedAt)
	assert.NotNil(t, exp.CompletedAt)
	assert.Equal(t, "u1", exp.Config["user_id"])
	assert.EqualValues(t, 1, exp.Metrics["document_count"])

	object := ObjectName("research", exp.ID)
	assert.Equal(t, "datasets/"+object, exp.DatasetRef)

	body, err := store.Get(ctx, DefaultDatasetsBucket, object)
	require.NoError(t, err)
	var records []DatasetRecord
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, keep.ID, records[0].ID)
	assert.Equal(t, keep.SourceRef, records[0].SourceRef)
	assert.Equal(t, "application/json", store.ContentType(DefaultDatasetsBucket, object))
}

func TestBuildDatasetEmpty(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t)
	store := objectstore.NewMemory()
	require.NoError(t, store.EnsureBuckets(ctx, DefaultDatasetsBucket))

	b, err := NewBuilder(reg, store, "", nil)
	require.NoError(t, err)
	exp, err := b.BuildDataset(ctx, DatasetRequest{})
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultProjectID, exp.ProjectID)
	assert.EqualValues(t, 0, exp.Metrics["document_count"])

	body, err := store.Get(ctx, DefaultDatasetsBucket, ObjectName(registry.DefaultProjectID, exp.ID))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(body))
}

func TestBuildDatasetUploadFailureFailsExperiment(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t)

	tests := []struct {
		name  string
		store objectstore.Store
		want  error
	}{
		{"disabled store", objectstore.Disabled{}, objectstore.ErrDisabled},
		{"missing bucket", objectstore.NewMemory(), objectstore.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBuilder(reg, tt.store, "", nil)
			require.NoError(t, err)

			exp, err := b.BuildDataset(ctx, DatasetRequest{ProjectID: "p1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			require.NotNil(t, exp)

			got, err := reg.GetExperiment(ctx, exp.ID)
			require.NoError(t, err)
			assert.Equal(t, registry.ExperimentFailed, got.Status)
			assert.Contains(t, got.ErrorMessage, "uploading dataset")
		})
	}
}

func TestBuildDatasetRejectsBadProject(t *testing.T) {
	b, err := NewBuilder(openRegistry(t), objectstore.NewMemory(), "", nil)
	require.NoError(t, err)
	_, err = b.BuildDataset(context.Background(), DatasetRequest{ProjectID: "not a name!"})
	assert.ErrorIs(t, err, registry.ErrInvalidName)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	reg := openRegistry(t)

	done := &registry.Experiment{Name: "old", Kind: registry.KindEmbedding}
	require.NoError(t, reg.CreateExperiment(ctx, done))
	require.NoError(t, reg.CompleteExperiment(ctx, done.ID, "", nil))
	running := &registry.Experiment{Name: "running", Kind: registry.KindEmbedding}
	require.NoError(t, reg.CreateExperiment(ctx, running))
	require.NoError(t, reg.StartExperiment(ctx, running.ID))

	failed := newDocument(t, reg, "u1", "journal_entry")
	fail(t, reg, failed)
	completed := newDocument(t, reg, "u1", "journal_entry")
	complete(t, reg, completed)

	c := NewCleaner(reg, 0, 0, logging.NewNop())

	t.Run("nothing expired yet", func(t *testing.T) {
		res, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, CleanupResult{}, res)
	})

	t.Run("failed documents expire first", func(t *testing.T) {
		c.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
		res, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, CleanupResult{ExperimentsDeleted: 0, DocumentsDeleted: 1}, res)

		_, err = reg.GetDocument(ctx, failed.ID)
		assert.ErrorIs(t, err, registry.ErrNotFound)
		_, err = reg.GetDocument(ctx, completed.ID)
		assert.NoError(t, err)
	})

	t.Run("finished experiments expire", func(t *testing.T) {
		c.now = func() time.Time { return time.Now().Add(91 * 24 * time.Hour) }
		res, err := c.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, CleanupResult{ExperimentsDeleted: 1, DocumentsDeleted: 0}, res)

		_, err = reg.GetExperiment(ctx, running.ID)
		assert.NoError(t, err, "running experiments are kept")
	})
}

type brokenSweeper struct{}

func (brokenSweeper) DeleteFinishedExperimentsBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("locked")
}

func (brokenSweeper) DeleteFailedBefore(context.Context, time.Time) (int64, error) {
	return 3, nil
}

func TestCleanupContinuesAfterError(t *testing.T) {
	c := NewCleaner(brokenSweeper{}, time.Hour, time.Hour, nil)
	res, err := c.Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
	assert.EqualValues(t, 3, res.DocumentsDeleted)
}
