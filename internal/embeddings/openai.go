package embeddings

import (
	"context"
	"fmt"
	"os"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings backend.
type OpenAIConfig struct {
	BaseURL string
	Model   string
	// APIKey falls back to OPENAI_API_KEY when empty.
	APIKey    string
	BatchSize int
}

// OpenAIModel embeds through langchaingo's OpenAI client.
type OpenAIModel struct {
	embedder  lcembeddings.Embedder
	dimension int
}

// NewOpenAIModel builds the client and detects the model dimension.
func NewOpenAIModel(ctx context.Context, cfg OpenAIConfig) (*OpenAIModel, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}

	opts := []openai.Option{openai.WithEmbeddingModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	// Local OpenAI-compatible servers accept any token.
	token := cfg.APIKey
	if token == "" {
		token = os.Getenv("OPENAI_API_KEY")
	}
	if token == "" {
		token = "none"
	}
	opts = append(opts, openai.WithToken(token))
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	embOpts := []lcembeddings.Option{lcembeddings.WithStripNewLines(false)}
	if cfg.BatchSize > 0 {
		embOpts = append(embOpts, lcembeddings.WithBatchSize(cfg.BatchSize))
	}
	embedder, err := lcembeddings.NewEmbedder(llm, embOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	m := &OpenAIModel{embedder: embedder}
	dim, err := detectDimension(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("probing openai model: %w", err)
	}
	m.dimension = dim
	return m, nil
}

// EmbedDocuments embeds texts in order.
func (m *OpenAIModel) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vecs, err := m.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vecs, nil
}

// EmbedQuery embeds one text.
func (m *OpenAIModel) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vec, err := m.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

func (m *OpenAIModel) Dimension() int { return m.dimension }

func (m *OpenAIModel) Close() error { return nil }
