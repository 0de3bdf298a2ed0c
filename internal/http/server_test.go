package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/documents"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/objectstore"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/services"
	"github.com/fyrsmithlabs/recalld/internal/source"
)

const testDim = 8

type testEnv struct {
	server *Server
	app    *services.App
	model  *embeddings.KeywordModel
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "recalld.db")
	cfg.Source.InMemory = true
	cfg.VectorStore.Provider = "chromem"
	cfg.VectorStore.ChromemPath = ""
	cfg.VectorStore.Dimension = testDim
	cfg.Pipeline.RetryBackoff = 0
	for _, fn := range mutate {
		fn(cfg)
	}

	model := embeddings.NewKeywordModel(testDim, "anxious", "happy", "tired")
	app, err := services.Open(context.Background(), cfg, logging.NewNop(),
		services.WithLoader(embeddings.StaticLoader(model)),
		services.WithObjectStore(objectstore.NewMemory()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	srv, err := NewServer(app, logging.NewNop(), nil)
	require.NoError(t, err)
	return &testEnv{server: srv, app: app, model: model}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (e *testEnv) createDocument(t *testing.T, req documents.CreateRequest) *documents.Created {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/documents", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out documents.Created
	decode(t, rec, &out)
	return &out
}

func TestNewServer(t *testing.T) {
	t.Run("returns error when registry is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), nil)
		assert.Error(t, err)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(services.NewRegistry(services.Options{}), nil, nil)
		assert.Error(t, err)
	})

	t.Run("uses default address", func(t *testing.T) {
		srv, err := NewServer(services.NewRegistry(services.Options{}), logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost:8000", srv.config.Addr)
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/health", "/api/v1/health"} {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, path, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var body struct {
				Status   string                    `json:"status"`
				Services map[string]map[string]any `json:"services"`
			}
			decode(t, rec, &body)
			assert.Equal(t, "healthy", body.Status)
			assert.Contains(t, body.Services, "database")
			assert.Contains(t, body.Services, "embedding_model")
		})
	}
}

func TestDocumentsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out := env.createDocument(t, documents.CreateRequest{UserID: "u1", Title: "Night", Text: "tired and anxious"})
	assert.NotEmpty(t, out.TaskID)
	assert.Equal(t, registry.StatusPending, out.Document.Status)

	n, err := env.app.RunPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec := env.do(t, http.MethodGet, "/api/v1/documents/"+out.Document.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc registry.Document
	decode(t, rec, &doc)
	assert.Equal(t, registry.StatusCompleted, doc.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/documents?user_id=u1&status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []registry.Document
	decode(t, rec, &docs)
	assert.Len(t, docs, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/documents?user_id=u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/embeddings?document_id="+out.Document.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var embs []registry.Embedding
	decode(t, rec, &embs)
	require.Len(t, embs, 1)
	assert.Equal(t, testDim, embs[0].Dimension)
}

func TestDocumentErrors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing document", http.MethodGet, "/api/v1/documents/nope", nil, http.StatusNotFound},
		{"missing title", http.MethodPost, "/api/v1/documents", documents.CreateRequest{UserID: "u1"}, http.StatusBadRequest},
		{"unknown status", http.MethodGet, "/api/v1/documents?status=done", nil, http.StatusBadRequest},
		{"negative limit", http.MethodGet, "/api/v1/documents?limit=-1", nil, http.StatusBadRequest},
		{"reindex missing", http.MethodPost, "/api/v1/documents/nope/reindex", nil, http.StatusNotFound},
		{"unknown task", http.MethodGet, "/api/v1/tasks/nope", nil, http.StatusNotFound},
		{"unknown experiment", http.MethodGet, "/api/v1/experiments/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestBulkCreate(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/v1/documents/bulk", BulkCreateRequest{Documents: []documents.CreateRequest{
		{UserID: "u1", Title: "a", Text: "happy"},
		{UserID: "u1"},
	}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"created":1,"total":2}`, rec.Body.String())
}

func TestReindex(t *testing.T) {
	ctx := context.Background()

	t.Run("no text", func(t *testing.T) {
		env := newTestEnv(t)
		out := env.createDocument(t, documents.CreateRequest{UserID: "u1", Title: "blank"})

		rec := env.do(t, http.MethodPost, "/api/v1/documents/"+out.Document.ID+"/reindex", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"message":"No text found for document"}`, rec.Body.String())
	})

	t.Run("processing conflicts", func(t *testing.T) {
		env := newTestEnv(t)
		out := env.createDocument(t, documents.CreateRequest{UserID: "u1", Title: "t", Text: "tired"})
		ok, err := env.app.Store().BeginProcessing(ctx, out.Document.ID)
		require.NoError(t, err)
		require.True(t, ok)

		rec := env.do(t, http.MethodPost, "/api/v1/documents/"+out.Document.ID+"/reindex", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("completed document is reembedded", func(t *testing.T) {
		env := newTestEnv(t)
		out := env.createDocument(t, documents.CreateRequest{UserID: "u1", Title: "t", Text: "tired"})
		_, err := env.app.RunPending(ctx)
		require.NoError(t, err)

		rec := env.do(t, http.MethodPost, "/api/v1/documents/"+out.Document.ID+"/reindex", nil)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var started TaskStartedResponse
		decode(t, rec, &started)
		assert.NotEmpty(t, started.TaskID)

		_, err = env.app.RunPending(ctx)
		require.NoError(t, err)
		embs, err := env.app.Store().ListEmbeddings(ctx, registry.EmbeddingFilter{DocumentID: out.Document.ID})
		require.NoError(t, err)
		assert.Len(t, embs, 2)
	})
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createDocument(t, documents.CreateRequest{UserID: "u1", Title: "a", Text: "I feel anxious today"})
	env.createDocument(t, documents.CreateRequest{UserID: "u1", Title: "b", Text: "happy weekend"})
	env.createDocument(t, documents.CreateRequest{UserID: "u2", Title: "c", Text: "anxious too"})
	_, err := env.app.RunPending(ctx)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "anxious", "user_id": "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp search.Response
	decode(t, rec, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "anxious", resp.Query)
	assert.GreaterOrEqual(t, resp.Results[0].Score, float32(0.5))
	require.NotNil(t, resp.Results[0].Document)
	assert.Equal(t, "a", resp.Results[0].Document.Title)
}

func TestSearchErrors(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name      string
		body      map[string]interface{}
		wantField string
	}{
		{"empty query", map[string]interface{}{"query": "", "user_id": "u1"}, "query"},
		{"missing user", map[string]interface{}{"query": "anxious"}, "user_id"},
		{"top_k too large", map[string]interface{}{"query": "anxious", "user_id": "u1", "top_k": 500}, "top_k"},
		{"threshold above one", map[string]interface{}{"query": "anxious", "user_id": "u1", "score_threshold": 2}, "score_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/search", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var body ValidationResponse
			decode(t, rec, &body)
			assert.Contains(t, body.Fields, tt.wantField)
		})
	}

	t.Run("model unavailable", func(t *testing.T) {
		env.model.FailNext(1, embeddings.ErrModelUnavailable)
		rec := env.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "anxious", "user_id": "u1"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("backend fails at run time", func(t *testing.T) {
		env.model.FailNext(1, fmt.Errorf("%w: tei returned 502", embeddings.ErrEmbeddingFailed))
		rec := env.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "anxious", "user_id": "u1"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	})
}

func waitForTask(t *testing.T, env *testEnv, id string) events.Task {
	t.Helper()
	var task events.Task
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		decode(t, rec, &task)
		return task.Status == events.TaskCompleted || task.Status == events.TaskFailed
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.app.Source().Put(ctx, &source.Record{
		ID:        "entry-1",
		UserID:    "u1",
		Content:   "I feel anxious today",
		CreatedAt: time.Now().Add(-time.Hour),
	}))

	rec := env.do(t, http.MethodPost, "/api/v1/sync", map[string]string{"user_id": "u1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started TaskStartedResponse
	decode(t, rec, &started)
	assert.Equal(t, "Sync started", started.Message)

	task := waitForTask(t, env, started.TaskID)
	require.Equal(t, events.TaskCompleted, task.Status, task.Error)
	result, ok := task.Result.(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, result["synced_count"])
	assert.EqualValues(t, 1, result["total_found"])

	doc, err := env.app.Store().GetDocumentBySourceRef(ctx, source.Ref("entry-1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.UserID)
}

func TestBuildDataset(t *testing.T) {
	t.Run("builds in background", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/api/v1/experiments/datasets", map[string]string{"project_id": "research"})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var started TaskStartedResponse
		decode(t, rec, &started)

		task := waitForTask(t, env, started.TaskID)
		require.Equal(t, events.TaskCompleted, task.Status, task.Error)

		rec = env.do(t, http.MethodGet, "/api/v1/experiments?project_id=research", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var exps []registry.Experiment
		decode(t, rec, &exps)
		require.Len(t, exps, 1)
		assert.Equal(t, registry.ExperimentCompleted, exps[0].Status)
	})

	t.Run("invalid project", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do(t, http.MethodPost, "/api/v1/experiments/datasets", map[string]string{"project_id": "../etc"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
