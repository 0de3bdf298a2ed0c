package embeddings

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"go.uber.org/zap"
)

// Model is an embedding backend.
type Model interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Close() error
}

// Loader constructs a Model. Provider calls it at most once per
// successful load.
type Loader func(ctx context.Context) (Model, error)

// NewLoader returns the Loader for the configured backend.
func NewLoader(cfg config.EmbeddingsConfig, logger *zap.Logger) (Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case "fastembed", "":
		return func(ctx context.Context) (Model, error) {
			return NewFastEmbedModel(ctx, FastEmbedConfig{
				Model:     cfg.Model,
				CacheDir:  cfg.CacheDir,
				MaxLength: cfg.MaxSequenceLength,
				BatchSize: cfg.BatchSize,
			}, logger)
		}, nil
	case "tei":
		return func(ctx context.Context) (Model, error) {
			return NewTEIModel(ctx, TEIConfig{
				BaseURL:           cfg.BaseURL,
				Model:             cfg.Model,
				APIKey:            cfg.APIKey.Value(),
				RequestsPerSecond: cfg.RequestsPerSecond,
				Timeout:           cfg.Timeout.Duration(),
			})
		}, nil
	case "openai":
		return func(ctx context.Context) (Model, error) {
			return NewOpenAIModel(ctx, OpenAIConfig{
				BaseURL:   cfg.BaseURL,
				Model:     cfg.Model,
				APIKey:    cfg.APIKey.Value(),
				BatchSize: cfg.BatchSize,
			})
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// detectDimension embeds a short query to learn the dimension of a
// remote model that does not advertise it.
func detectDimension(ctx context.Context, m Model) (int, error) {
	vec, err := m.EmbedQuery(ctx, "dimension check")
	if err != nil {
		return 0, err
	}
	if len(vec) == 0 {
		return 0, fmt.Errorf("%w: empty dimension vector", ErrEmbeddingFailed)
	}
	return len(vec), nil
}
