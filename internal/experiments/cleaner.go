package experiments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
)

const (
	DefaultExperimentMaxAge     = 90 * 24 * time.Hour
	DefaultFailedDocumentMaxAge = 7 * 24 * time.Hour
)

// Sweeper deletes expired rows.
type Sweeper interface {
	DeleteFinishedExperimentsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupResult counts deleted rows.
type CleanupResult struct {
	ExperimentsDeleted int64 `json:"experiments_deleted"`
	DocumentsDeleted   int64 `json:"documents_deleted"`
}

// Cleaner runs the retention sweep.
type Cleaner struct {
	sweeper          Sweeper
	experimentMaxAge time.Duration
	documentMaxAge   time.Duration
	logger           *logging.Logger
	now              func() time.Time
}

// NewCleaner creates a Cleaner. Non-positive ages use the defaults.
func NewCleaner(sweeper Sweeper, experimentMaxAge, documentMaxAge time.Duration, logger *logging.Logger) *Cleaner {
	if experimentMaxAge <= 0 {
		experimentMaxAge = DefaultExperimentMaxAge
	}
	if documentMaxAge <= 0 {
		documentMaxAge = DefaultFailedDocumentMaxAge
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cleaner{
		sweeper:          sweeper,
		experimentMaxAge: experimentMaxAge,
		documentMaxAge:   documentMaxAge,
		logger:           logger.Named("cleanup"),
		now:              time.Now,
	}
}

// Cleanup deletes finished experiments older than the experiment age and
// failed documents older than the document age. Both deletions are
// attempted; their errors are joined.
func (c *Cleaner) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := c.now()
	var res CleanupResult
	var errs []error

	n, err := c.sweeper.DeleteFinishedExperimentsBefore(ctx, now.Add(-c.experimentMaxAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("deleting experiments: %w", err))
	}
	res.ExperimentsDeleted = n

	n, err = c.sweeper.DeleteFailedBefore(ctx, now.Add(-c.documentMaxAge))
	if err != nil {
		errs = append(errs, fmt.Errorf("deleting failed documents: %w", err))
	}
	res.DocumentsDeleted = n

	cleanupDeleted.WithLabelValues("experiments").Add(float64(res.ExperimentsDeleted))
	cleanupDeleted.WithLabelValues("documents").Add(float64(res.DocumentsDeleted))

	if err := errors.Join(errs...); err != nil {
		c.logger.Error(ctx, "cleanup failed", zap.Error(err))
		return res, err
	}
	c.logger.Info(ctx, "cleanup complete",
		zap.Int64("experiments_deleted", res.ExperimentsDeleted),
		zap.Int64("documents_deleted", res.DocumentsDeleted))
	return res, nil
}
