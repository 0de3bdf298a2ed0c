// Package events publishes document status transitions and tracked task
// lifecycles on NATS.
//
// Subjects:
//   - {prefix}.documents.{user_id}.{document_id}.{status}
//   - {prefix}.tasks.{task_id}.{started|completed|failed}
//
// Publishing is best-effort. A failed publish is logged and never fails
// the caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "recalld"

// DocumentEvent is the body of a document status event.
type DocumentEvent struct {
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher writes events to NATS. A Publisher without a connection
// drops every event, so callers never need a nil check.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewPublisher wraps an existing connection. nc may be nil.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: sanitize(prefix), logger: logger}
}

// Connect dials cfg.NATSURL. An empty URL yields a disabled Publisher.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*Publisher, error) {
	if cfg.NATSURL == "" {
		return NewPublisher(nil, cfg.SubjectPrefix, logger), nil
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("recalld"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATSURL, err)
	}
	p := NewPublisher(nc, cfg.SubjectPrefix, logger)
	p.logger.Info(context.Background(), "connected to NATS", zap.String("url", cfg.NATSURL))
	return p, nil
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.nc != nil
}

// Health reports the connection state. A disabled publisher is healthy.
func (p *Publisher) Health(context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if !p.nc.IsConnected() {
		return fmt.Errorf("nats %s", p.nc.Status())
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if !p.Enabled() {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// DocumentSubject builds the subject of a document status event.
func (p *Publisher) DocumentSubject(userID, documentID, status string) string {
	return strings.Join([]string{p.prefix, "documents", sanitize(userID), sanitize(documentID), sanitize(status)}, ".")
}

// TaskSubject builds the subject of a tracked task event.
func (p *Publisher) TaskSubject(taskID, phase string) string {
	return strings.Join([]string{p.prefix, "tasks", sanitize(taskID), sanitize(phase)}, ".")
}

// DocumentStatus publishes ev on its document subject.
func (p *Publisher) DocumentStatus(ctx context.Context, ev DocumentEvent) {
	if !p.Enabled() {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(ctx, p.DocumentSubject(ev.UserID, ev.DocumentID, ev.Status), ev)
}

func (p *Publisher) publish(ctx context.Context, subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn(ctx, "marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "publish event", zap.String("subject", subject), zap.Error(err))
		return
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
}

// sanitize makes s a single subject token.
func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
