package workflows

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
)

// temporalLogger routes SDK logs into zap.
type temporalLogger struct {
	s *zap.SugaredLogger
}

var _ log.Logger = (*temporalLogger)(nil)

func newTemporalLogger(l *logging.Logger) *temporalLogger {
	if l == nil {
		l = logging.NewNop()
	}
	return &temporalLogger{s: l.Underlying().Named("temporal").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (t *temporalLogger) Debug(msg string, keyvals ...interface{}) { t.s.Debugw(msg, keyvals...) }
func (t *temporalLogger) Info(msg string, keyvals ...interface{})  { t.s.Infow(msg, keyvals...) }
func (t *temporalLogger) Warn(msg string, keyvals ...interface{})  { t.s.Warnw(msg, keyvals...) }
func (t *temporalLogger) Error(msg string, keyvals ...interface{}) { t.s.Errorw(msg, keyvals...) }
