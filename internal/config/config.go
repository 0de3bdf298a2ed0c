// Package config provides configuration loading for recalld.
//
// Configuration is assembled from defaults, an optional YAML file and
// RECALLD_* environment variables, in that order of precedence (lowest
// first). See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds the complete recalld configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Source      SourceConfig      `koanf:"source"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Qdrant      QdrantConfig      `koanf:"qdrant"`
	ObjectStore ObjectStoreConfig `koanf:"objectstore"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Temporal    TemporalConfig    `koanf:"temporal"`
	Events      EventsConfig      `koanf:"events"`
	Sync        SyncConfig        `koanf:"sync"`
	Retention   RetentionConfig   `koanf:"retention"`
	Search      SearchConfig      `koanf:"search"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// DatabaseConfig locates the SQLite registry database.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// SourceConfig locates the badger journal store.
type SourceConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// EmbeddingsConfig selects and tunes the embedding backend.
type EmbeddingsConfig struct {
	// Provider is "fastembed", "tei" or "openai".
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`

	// MaxSequenceLength is the model's token window. Inputs are
	// truncated to four characters per token.
	MaxSequenceLength int      `koanf:"max_sequence_length"`
	BatchSize         int      `koanf:"batch_size"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Timeout           Duration `koanf:"timeout"`
	// LoadTimeout bounds the first model load, which may download
	// weights.
	LoadTimeout Duration `koanf:"load_timeout"`
}

// MaxChars returns the character budget applied before embedding.
func (e EmbeddingsConfig) MaxChars() int {
	return e.MaxSequenceLength * 4
}

// VectorStoreConfig selects the vector index and its collection.
type VectorStoreConfig struct {
	// Provider is "qdrant" or "chromem".
	Provider    string `koanf:"provider"`
	Collection  string `koanf:"collection"`
	Dimension   int    `koanf:"dimension"`
	Metric      string `koanf:"metric"`
	ChromemPath string `koanf:"chromem_path"`
	Compress    bool   `koanf:"compress"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host           string   `koanf:"host"`
	Port           int      `koanf:"port"`
	UseTLS         bool     `koanf:"use_tls"`
	APIKey         Secret   `koanf:"api_key"`
	RequestTimeout Duration `koanf:"request_timeout"`
	RetryAttempts  int      `koanf:"retry_attempts"`
}

// ObjectStoreConfig holds S3-compatible object store settings.
type ObjectStoreConfig struct {
	Enabled           bool   `koanf:"enabled"`
	Endpoint          string `koanf:"endpoint"`
	AccessKey         string `koanf:"access_key"`
	SecretKey         Secret `koanf:"secret_key"`
	UseSSL            bool   `koanf:"use_ssl"`
	Region            string `koanf:"region"`
	DatasetsBucket    string `koanf:"datasets_bucket"`
	CheckpointsBucket string `koanf:"checkpoints_bucket"`
	UploadsBucket     string `koanf:"uploads_bucket"`
}

// Buckets returns every configured bucket name.
func (o ObjectStoreConfig) Buckets() []string {
	return []string{o.DatasetsBucket, o.CheckpointsBucket, o.UploadsBucket}
}

// PipelineConfig tunes the embedding pipeline.
type PipelineConfig struct {
	// Runner is "local" (durable task table + worker pool) or "temporal".
	Runner       string   `koanf:"runner"`
	Workers      int      `koanf:"workers"`
	MaxAttempts  int      `koanf:"max_attempts"`
	RetryBackoff Duration `koanf:"retry_backoff"`
	PollInterval Duration `koanf:"poll_interval"`
	LeaseTimeout Duration `koanf:"lease_timeout"`
	StepTimeout  Duration `koanf:"step_timeout"`
}

// TemporalConfig holds Temporal frontend settings.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// EventsConfig configures status event publishing.
type EventsConfig struct {
	// NATSURL disables publishing when empty.
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SyncConfig schedules the source sync sweep.
type SyncConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Schedule string   `koanf:"schedule"`
	Window   Duration `koanf:"window"`
}

// RetentionConfig schedules the cleanup sweep.
type RetentionConfig struct {
	Enabled              bool     `koanf:"enabled"`
	Schedule             string   `koanf:"schedule"`
	ExperimentMaxAge     Duration `koanf:"experiment_max_age"`
	FailedDocumentMaxAge Duration `koanf:"failed_document_max_age"`
}

// SearchConfig bounds query parameters.
type SearchConfig struct {
	DefaultTopK           int     `koanf:"default_top_k"`
	MaxTopK               int     `koanf:"max_top_k"`
	DefaultScoreThreshold float32 `koanf:"default_score_threshold"`
	MaxQueryLength        int     `koanf:"max_query_length"`
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig controls OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{Path: "./data/recalld.db"},
		Source:   SourceConfig{Path: "./data/journal"},
		Embeddings: EmbeddingsConfig{
			Provider:          "fastembed",
			Model:             "sentence-transformers/all-MiniLM-L6-v2",
			BaseURL:           "http://localhost:8080",
			CacheDir:          "./data/models",
			MaxSequenceLength: 512,
			BatchSize:         32,
			RequestsPerSecond: 10,
			Timeout:           Duration(30 * time.Second),
			LoadTimeout:       Duration(5 * time.Minute),
		},
		VectorStore: VectorStoreConfig{
			Provider:    "qdrant",
			Collection:  "journal_embeddings",
			Dimension:   384,
			Metric:      "cosine",
			ChromemPath: "./data/vectors",
			Compress:    true,
		},
		Qdrant: QdrantConfig{
			Host:           "localhost",
			Port:           6334,
			RequestTimeout: Duration(30 * time.Second),
			RetryAttempts:  3,
		},
		ObjectStore: ObjectStoreConfig{
			Enabled:           true,
			Endpoint:          "localhost:9000",
			AccessKey:         "minioadmin",
			SecretKey:         "minioadmin",
			Region:            "us-east-1",
			DatasetsBucket:    "datasets",
			CheckpointsBucket: "checkpoints",
			UploadsBucket:     "uploads",
		},
		Pipeline: PipelineConfig{
			Runner:       "local",
			Workers:      8,
			MaxAttempts:  3,
			RetryBackoff: Duration(60 * time.Second),
			PollInterval: Duration(time.Second),
			LeaseTimeout: Duration(10 * time.Minute),
			StepTimeout:  Duration(2 * time.Minute),
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "recalld-pipeline",
		},
		Events: EventsConfig{SubjectPrefix: "recalld"},
		Sync: SyncConfig{
			Enabled:  true,
			Schedule: "0 0 * * * *",
			Window:   Duration(24 * time.Hour),
		},
		Retention: RetentionConfig{
			Enabled:              true,
			Schedule:             "0 0 0 * * *",
			ExperimentMaxAge:     Duration(90 * 24 * time.Hour),
			FailedDocumentMaxAge: Duration(7 * 24 * time.Hour),
		},
		Search: SearchConfig{
			DefaultTopK:           10,
			MaxTopK:               100,
			DefaultScoreThreshold: 0.5,
			MaxQueryLength:        1000,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			Endpoint:   "localhost:4317",
			Protocol:   "grpc",
			Insecure:   true,
			SampleRate: 1.0,
		},
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Source.Path == "" && !c.Source.InMemory {
		errs = append(errs, errors.New("source.path is required unless source.in_memory is set"))
	}

	switch c.Embeddings.Provider {
	case "fastembed":
	case "tei", "openai":
		if c.Embeddings.BaseURL == "" {
			errs = append(errs, fmt.Errorf("embeddings.base_url is required for provider %q", c.Embeddings.Provider))
		}
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be fastembed, tei or openai, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Model == "" {
		errs = append(errs, errors.New("embeddings.model is required"))
	}
	if c.Embeddings.MaxSequenceLength <= 0 {
		errs = append(errs, errors.New("embeddings.max_sequence_length must be positive"))
	}

	switch c.VectorStore.Provider {
	case "qdrant":
		if c.Qdrant.Host == "" {
			errs = append(errs, errors.New("qdrant.host is required"))
		}
	case "chromem":
		if c.VectorStore.ChromemPath == "" {
			errs = append(errs, errors.New("vectorstore.chromem_path is required for chromem"))
		}
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be qdrant or chromem, got %q", c.VectorStore.Provider))
	}
	if c.VectorStore.Collection == "" {
		errs = append(errs, errors.New("vectorstore.collection is required"))
	}
	if c.VectorStore.Dimension <= 0 {
		errs = append(errs, errors.New("vectorstore.dimension must be positive"))
	}

	if c.ObjectStore.Enabled && c.ObjectStore.Endpoint == "" {
		errs = append(errs, errors.New("objectstore.endpoint is required when enabled"))
	}

	switch c.Pipeline.Runner {
	case "local":
	case "temporal":
		if c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "" {
			errs = append(errs, errors.New("temporal.host_port and temporal.task_queue are required for the temporal runner"))
		}
	default:
		errs = append(errs, fmt.Errorf("pipeline.runner must be local or temporal, got %q", c.Pipeline.Runner))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	if c.Pipeline.MaxAttempts <= 0 {
		errs = append(errs, errors.New("pipeline.max_attempts must be positive"))
	}
	if c.Pipeline.PollInterval.Duration() <= 0 {
		errs = append(errs, errors.New("pipeline.poll_interval must be positive"))
	}

	if c.Sync.Enabled {
		if err := validateSchedule(c.Sync.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sync.schedule: %w", err))
		}
	}
	if c.Retention.Enabled {
		if err := validateSchedule(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
	}

	if c.Search.DefaultTopK <= 0 || c.Search.DefaultTopK > c.Search.MaxTopK {
		errs = append(errs, fmt.Errorf("search.default_top_k must be 1-%d", c.Search.MaxTopK))
	}
	if c.Search.DefaultScoreThreshold < 0 || c.Search.DefaultScoreThreshold > 1 {
		errs = append(errs, errors.New("search.default_score_threshold must be between 0 and 1"))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// scheduleParser matches the scheduler's seconds-first cron dialect.
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func validateSchedule(spec string) error {
	if spec == "" {
		return errors.New("schedule is required")
	}
	_, err := scheduleParser.Parse(spec)
	return err
}
