package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/qdrant"
	"go.uber.org/zap"
)

// Open builds the configured backend and binds it to the configured
// collection. A dimension mismatch with an existing collection is returned
// as ErrDimensionMismatch and must stop startup.
func Open(ctx context.Context, vs config.VectorStoreConfig, qc config.QdrantConfig, logger *logging.Logger) (Index, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var idx Index
	switch vs.Provider {
	case "qdrant", "":
		client, err := qdrant.NewGRPCClient(ctx, &qdrant.ClientConfig{
			Host:           qc.Host,
			Port:           qc.Port,
			UseTLS:         qc.UseTLS,
			APIKey:         qc.APIKey.Value(),
			RequestTimeout: qc.RequestTimeout.Duration(),
			RetryAttempts:  qc.RetryAttempts,
		}, logger.Named("qdrant"))
		if err != nil {
			return nil, mapQdrantErr(err)
		}
		idx = NewQdrantIndex(client, logger)
	case "chromem":
		c, err := NewChromemIndex(ChromemConfig{Path: vs.ChromemPath, Compress: vs.Compress}, logger)
		if err != nil {
			return nil, err
		}
		idx = c
	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q", ErrInvalidConfig, vs.Provider)
	}

	if err := idx.EnsureCollection(ctx, vs.Collection, vs.Dimension, Metric(vs.Metric)); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("ensuring collection %s: %w", vs.Collection, err)
	}

	logger.Info(ctx, "vector index ready",
		zap.String("provider", vs.Provider),
		zap.String("collection", vs.Collection),
		zap.Int("dimension", vs.Dimension))
	return idx, nil
}
