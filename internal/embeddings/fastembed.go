//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
	"go.uber.org/zap"
)

// FastEmbedConfig configures the local ONNX backend.
type FastEmbedConfig struct {
	// Model accepts HuggingFace names (sentence-transformers/all-MiniLM-L6-v2)
	// or fastembed names (fast-all-MiniLM-L6-v2).
	Model string
	// CacheDir holds downloaded models and the ONNX runtime under lib/.
	CacheDir  string
	MaxLength int
	BatchSize int
}

// FastEmbedModel embeds with a local ONNX model.
type FastEmbedModel struct {
	model     *fastembed.FlagEmbedding
	dimension int
	batchSize int
	mu        sync.RWMutex
}

var fastEmbedModels = map[string]fastembed.EmbeddingModel{
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
	"BAAI/bge-small-en-v1.5":                fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                     fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                 fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                      fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                fastembed.BGESmallZH,
}

var fastEmbedDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.AllMiniLML6V2: 384,
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.BGESmallZH:    512,
}

func resolveFastEmbedModel(name string) (fastembed.EmbeddingModel, int, error) {
	model, ok := fastEmbedModels[name]
	if !ok {
		model = fastembed.EmbeddingModel(name)
	}
	dim, known := fastEmbedDimensions[model]
	if !known {
		return "", 0, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, name)
	}
	return model, dim, nil
}

// NewFastEmbedModel makes sure the ONNX runtime is present, then loads
// (downloading if needed) the model.
func NewFastEmbedModel(ctx context.Context, cfg FastEmbedConfig, logger *zap.Logger) (*FastEmbedModel, error) {
	model, dim, err := resolveFastEmbedModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "data", "models")
	}
	if _, err := EnsureONNXRuntime(ctx, filepath.Join(cacheDir, "lib"), logger); err != nil {
		return nil, err
	}

	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = 512
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	showProgress := false
	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}

	return &FastEmbedModel{model: flag, dimension: dim, batchSize: batchSize}, nil
}

// EmbedDocuments embeds texts with the passage prefix.
func (m *FastEmbedModel) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return nil, ErrModelUnavailable
	}
	vecs, err := m.model.PassageEmbed(texts, m.batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vecs, nil
}

// EmbedQuery embeds text with the query prefix.
func (m *FastEmbedModel) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return nil, ErrModelUnavailable
	}
	vec, err := m.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

func (m *FastEmbedModel) Dimension() int { return m.dimension }

// Close destroys the ONNX session.
func (m *FastEmbedModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil
	}
	err := m.model.Destroy()
	m.model = nil
	return err
}
