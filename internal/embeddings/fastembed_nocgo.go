//go:build !cgo

package embeddings

import (
	"context"

	"go.uber.org/zap"
)

// FastEmbedConfig configures the local ONNX backend.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
	BatchSize int
}

// FastEmbedModel is unavailable without cgo.
type FastEmbedModel struct{}

// NewFastEmbedModel always fails with ErrFastEmbedNotAvailable.
func NewFastEmbedModel(_ context.Context, _ FastEmbedConfig, _ *zap.Logger) (*FastEmbedModel, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (m *FastEmbedModel) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (m *FastEmbedModel) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (m *FastEmbedModel) Dimension() int { return 0 }

func (m *FastEmbedModel) Close() error { return nil }
