package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a registry in a temporary directory with a
// controllable clock.
func setupTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "recalld.db"), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func createTestDocument(t *testing.T, s *Store, user, ref string) *Document {
	t.Helper()
	d := &Document{UserID: user, Title: "Entry", SourceRef: ref, Metadata: map[string]interface{}{"mood": "calm"}}
	require.NoError(t, s.CreateDocument(context.Background(), d))
	return d
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recalld.db")
	s, err := Open(path, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, logging.NewNop())
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
	assert.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, path, s.Path())
}

func TestCreateDocument_Defaults(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	d := createTestDocument(t, s, "u1", "journal:1")
	got, err := s.GetDocument(ctx, d.ID)
	require.NoError(t, err)

	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, DefaultProjectID, got.ProjectID)
	assert.Equal(t, DefaultDocumentType, got.DocumentType)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "journal:1", got.SourceRef)
	assert.Empty(t, got.VectorRef)
	assert.Equal(t, "calm", got.Metadata["mood"])
	assert.Equal(t, d.CreatedAt, got.CreatedAt)

	byRef, err := s.GetDocumentBySourceRef(ctx, "journal:1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, byRef.ID)
}

func TestCreateDocument_Validation(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.CreateDocument(ctx, &Document{}))
	assert.ErrorIs(t, s.CreateDocument(ctx, &Document{UserID: "u", ProjectID: "../etc"}), ErrInvalidName)

	createTestDocument(t, s, "u1", "journal:1")
	err := s.CreateDocument(ctx, &Document{UserID: "u2", SourceRef: "journal:1"})
	assert.ErrorIs(t, err, ErrDuplicateSource)

	// Documents without a source ref do not collide.
	createTestDocument(t, s, "u1", "")
	createTestDocument(t, s, "u1", "")
}

func TestGetDocument_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)
	_, err := s.GetDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertIfAbsent_ConcurrentSweeps(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertIfAbsent(ctx, &Document{UserID: "u1", SourceRef: "journal:42"})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	n, err := s.CountDocuments(ctx, DocumentFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDocumentLifecycle(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	d := createTestDocument(t, s, "u1", "journal:1")

	ok, err := s.BeginProcessing(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BeginProcessing(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second begin is a no-op")

	require.NoError(t, s.RecordError(ctx, d.ID, "model timeout"))
	got, _ := s.GetDocument(ctx, d.ID)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "model timeout", got.Error)

	_, err = s.ResetForReindex(ctx, d.ID)
	assert.ErrorIs(t, err, ErrProcessing)

	emb := &Embedding{VectorID: d.ID, ModelName: "minilm", Dimension: 384}
	require.NoError(t, s.MarkCompleted(ctx, d.ID, emb))

	got, _ = s.GetDocument(ctx, d.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, d.ID, got.VectorRef)
	assert.Empty(t, got.Error)

	embs, err := s.ListEmbeddings(ctx, EmbeddingFilter{DocumentID: d.ID})
	require.NoError(t, err)
	require.Len(t, embs, 1)
	assert.Equal(t, 384, embs[0].Dimension)

	assert.ErrorIs(t, s.MarkCompleted(ctx, d.ID, &Embedding{VectorID: d.ID}), ErrInvalidTransition)
	assert.ErrorIs(t, s.MarkFailed(ctx, d.ID, "late"), ErrInvalidTransition)

	ok, err = s.BeginProcessing(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, ok, "completed documents are not re-entered")

	reset, err := s.ResetForReindex(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)
	assert.Empty(t, reset.VectorRef)
}

func TestMarkFailed(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	d := createTestDocument(t, s, "u1", "journal:1")

	assert.ErrorIs(t, s.MarkFailed(ctx, d.ID, "boom"), ErrInvalidTransition, "pending cannot fail")

	_, err := s.BeginProcessing(ctx, d.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, d.ID, "boom"))

	got, _ := s.GetDocument(ctx, d.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Empty(t, got.VectorRef)

	reset, err := s.ResetForReindex(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, reset.Status)
	assert.Empty(t, reset.Error)
}

func TestListDocuments_Filters(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()

	a := createTestDocument(t, s, "u1", "a")
	*now = now.Add(time.Minute)
	b := createTestDocument(t, s, "u1", "b")
	*now = now.Add(time.Minute)
	c := &Document{UserID: "u2", SourceRef: "c", DocumentType: "note"}
	require.NoError(t, s.CreateDocument(ctx, c))
	_, err := s.BeginProcessing(ctx, a.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter DocumentFilter
		want   []string
	}{
		{name: "all newest first", filter: DocumentFilter{}, want: []string{c.ID, b.ID, a.ID}},
		{name: "by user", filter: DocumentFilter{UserID: "u1"}, want: []string{b.ID, a.ID}},
		{name: "by status", filter: DocumentFilter{Status: StatusProcessing}, want: []string{a.ID}},
		{name: "by type", filter: DocumentFilter{DocumentType: "note"}, want: []string{c.ID}},
		{name: "limit", filter: DocumentFilter{Limit: 1}, want: []string{c.ID}},
		{name: "limit offset", filter: DocumentFilter{Limit: 1, Offset: 1}, want: []string{b.ID}},
		{name: "offset only", filter: DocumentFilter{Offset: 2}, want: []string{a.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.ListDocuments(ctx, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(docs))
			for i, d := range docs {
				ids[i] = d.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestListEmbeddings_ByOwner(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		d := createTestDocument(t, s, user, "ref-"+user)
		_, err := s.BeginProcessing(ctx, d.ID)
		require.NoError(t, err)
		require.NoError(t, s.MarkCompleted(ctx, d.ID, &Embedding{VectorID: d.ID, ModelName: "m", Dimension: 3}))
	}

	embs, err := s.ListEmbeddings(ctx, EmbeddingFilter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, embs, 1)

	d, err := s.GetDocumentBySourceRef(ctx, "ref-u2")
	require.NoError(t, err)
	assert.Equal(t, d.ID, embs[0].DocumentID)
}

func TestDeleteFailedBefore_Cascades(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()

	old := createTestDocument(t, s, "u1", "old")
	require.NoError(t, s.CreateTask(ctx, &Task{DocumentID: old.ID, Text: "x"}))
	_, err := s.BeginProcessing(ctx, old.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, old.ID, "boom"))

	*now = now.Add(10 * 24 * time.Hour)
	recent := createTestDocument(t, s, "u1", "recent")
	_, err = s.BeginProcessing(ctx, recent.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, recent.ID, "boom"))
	kept := createTestDocument(t, s, "u1", "pending")

	n, err := s.DeleteFailedBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetDocument(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetDocument(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = s.GetDocument(ctx, kept.ID)
	assert.NoError(t, err)

	tasks, err := s.TasksForDocument(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestExperiments(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()

	started := *now
	e := &Experiment{
		Name:      "Dataset for alpha",
		ProjectID: "alpha",
		Kind:      KindEmbedding,
		Status:    ExperimentRunning,
		Config:    map[string]interface{}{"user_id": "u1"},
		StartedAt: &started,
	}
	require.NoError(t, s.CreateExperiment(ctx, e))

	require.NoError(t, s.CompleteExperiment(ctx, e.ID, "datasets/alpha/dataset_x.json",
		map[string]interface{}{"document_count": 2}))
	assert.ErrorIs(t, s.FailExperiment(ctx, e.ID, "late"), ErrInvalidTransition, "terminal status is set once")

	got, err := s.GetExperiment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExperimentCompleted, got.Status)
	assert.Equal(t, "datasets/alpha/dataset_x.json", got.DatasetRef)
	assert.Equal(t, float64(2), got.Metrics["document_count"])
	assert.Equal(t, "u1", got.Config["user_id"])
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, started, *got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	other := &Experiment{Name: "b", ProjectID: "beta", Kind: KindClustering}
	require.NoError(t, s.CreateExperiment(ctx, other))

	list, err := s.ListExperiments(ctx, ExperimentFilter{ProjectID: "alpha"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e.ID, list[0].ID)

	_, err = s.GetExperiment(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.FailExperiment(ctx, "missing", "x"), ErrNotFound)
}

func TestStartExperiment(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()

	e := &Experiment{Name: "x", Kind: KindEmbedding}
	require.NoError(t, s.CreateExperiment(ctx, e))
	assert.Equal(t, ExperimentPending, e.Status)

	require.NoError(t, s.StartExperiment(ctx, e.ID))
	assert.ErrorIs(t, s.StartExperiment(ctx, e.ID), ErrInvalidTransition)

	got, err := s.GetExperiment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExperimentRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(*now))
}

func TestDeleteFinishedExperimentsBefore(t *testing.T) {
	s, now := setupTestStore(t)
	ctx := context.Background()

	done := &Experiment{Name: "done", Kind: KindEmbedding, Status: ExperimentRunning}
	require.NoError(t, s.CreateExperiment(ctx, done))
	require.NoError(t, s.FailExperiment(ctx, done.ID, "boom"))
	running := &Experiment{Name: "running", Kind: KindEmbedding, Status: ExperimentRunning}
	require.NoError(t, s.CreateExperiment(ctx, running))

	*now = now.Add(91 * 24 * time.Hour)
	n, err := s.DeleteFinishedExperimentsBefore(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetExperiment(ctx, running.ID)
	assert.NoError(t, err)
}
