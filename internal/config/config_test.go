package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 2048, cfg.Embeddings.MaxChars())
	assert.Equal(t, 384, cfg.VectorStore.Dimension)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.RetryBackoff.Duration())
	assert.Equal(t, 24*time.Hour, cfg.Sync.Window.Duration())
	assert.Equal(t, []string{"datasets", "checkpoints", "uploads"}, cfg.ObjectStore.Buckets())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown embedding provider",
			mutate:  func(c *Config) { c.Embeddings.Provider = "word2vec" },
			wantErr: "embeddings.provider",
		},
		{
			name: "tei without base url",
			mutate: func(c *Config) {
				c.Embeddings.Provider = "tei"
				c.Embeddings.BaseURL = ""
			},
			wantErr: "embeddings.base_url",
		},
		{
			name:    "unknown vector store",
			mutate:  func(c *Config) { c.VectorStore.Provider = "faiss" },
			wantErr: "vectorstore.provider",
		},
		{
			name:    "zero dimension",
			mutate:  func(c *Config) { c.VectorStore.Dimension = 0 },
			wantErr: "vectorstore.dimension",
		},
		{
			name:    "unknown runner",
			mutate:  func(c *Config) { c.Pipeline.Runner = "celery" },
			wantErr: "pipeline.runner",
		},
		{
			name:    "malformed sync schedule",
			mutate:  func(c *Config) { c.Sync.Schedule = "every hour" },
			wantErr: "sync.schedule",
		},
		{
			name:    "disabled sync skips schedule check",
			mutate:  func(c *Config) { c.Sync.Enabled = false; c.Sync.Schedule = "" },
			wantErr: "",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Search.DefaultScoreThreshold = 1.5 },
			wantErr: "default_score_threshold",
		},
		{
			name:    "default top k above max",
			mutate:  func(c *Config) { c.Search.DefaultTopK = 500 },
			wantErr: "default_top_k",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(data))

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestLoadWithFile_YAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recalld.yaml")

	yamlContent := `server:
  port: 9100
vectorstore:
  provider: chromem
  chromem_path: /tmp/vectors
pipeline:
  retry_backoff: 5s
  workers: 2
qdrant:
  api_key: from-file
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

	t.Setenv("RECALLD_PIPELINE_WORKERS", "4")
	t.Setenv("RECALLD_SEARCH_DEFAULT_TOP_K", "20")
	t.Setenv("RECALLD_EMBEDDINGS_MAX_SEQUENCE_LENGTH", "256")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "/tmp/vectors", cfg.VectorStore.ChromemPath)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.RetryBackoff.Duration())
	assert.Equal(t, 4, cfg.Pipeline.Workers, "env overrides file")
	assert.Equal(t, 20, cfg.Search.DefaultTopK)
	assert.Equal(t, 1024, cfg.Embeddings.MaxChars())
	assert.Equal(t, "from-file", cfg.Qdrant.APIKey.Value())

	// Untouched sections keep their defaults.
	assert.Equal(t, "journal_embeddings", cfg.VectorStore.Collection)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoadWithFile_RejectsInvalidValues(t *testing.T) {
	t.Setenv("RECALLD_PIPELINE_RUNNER", "cron")

	_, err := LoadWithFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.runner")
}

func TestLoadWithFile_RejectsWorldWritable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recalld.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0600))
	require.NoError(t, os.Chmod(path, 0666))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world-writable")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"RECALLD_SERVER_PORT":              "server.port",
		"RECALLD_QDRANT_API_KEY":           "qdrant.api_key",
		"RECALLD_VECTORSTORE_CHROMEM_PATH": "vectorstore.chromem_path",
		"RECALLD_CONFIG":                   "config",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
