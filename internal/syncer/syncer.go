// Package syncer pulls journal records from the source store into the
// document registry and enqueues pipeline runs for them.
//
// The scheduled sweep and the on-demand trigger both call Sync. Dedup is
// by source_ref only, so concurrent sweeps over overlapping windows
// create each document once, and an edited source record is never
// re-embedded.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/source"
)

const (
	// DefaultWindow is how far back Sync looks when Since is zero.
	DefaultWindow = 24 * time.Hour

	// DefaultTitle names documents whose record has no title.
	DefaultTitle = "Journal Entry"
)

// Source lists journal records.
type Source interface {
	ListSince(ctx context.Context, since time.Time, userID string, limit int) ([]*source.Record, error)
}

// Documents is the registry surface the sweep needs.
type Documents interface {
	InsertIfAbsent(ctx context.Context, d *registry.Document) (bool, error)
}

// Enqueuer schedules a pipeline run.
type Enqueuer interface {
	Enqueue(ctx context.Context, documentID, text string) (string, error)
}

// Request scopes a sweep. Zero values mean every owner and the last
// Window.
type Request struct {
	UserID string    `json:"user_id,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// Result summarizes a sweep.
type Result struct {
	// Synced counts documents created and enqueued.
	Synced int `json:"synced_count"`
	// Total counts source records found in the window.
	Total int `json:"total_found"`
}

// Options tunes a Syncer.
type Options struct {
	Window time.Duration
	// Limit caps records read per sweep; 0 uses source.DefaultListLimit.
	Limit  int
	Logger *logging.Logger
}

// Syncer runs sweeps.
type Syncer struct {
	source   Source
	docs     Documents
	enqueuer Enqueuer
	window   time.Duration
	limit    int
	logger   *logging.Logger
	now      func() time.Time
}

// New creates a Syncer.
func New(src Source, docs Documents, enqueuer Enqueuer, opts Options) (*Syncer, error) {
	if src == nil || docs == nil || enqueuer == nil {
		return nil, errors.New("syncer: source, documents and enqueuer are required")
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	return &Syncer{
		source:   src,
		docs:     docs,
		enqueuer: enqueuer,
		window:   opts.Window,
		limit:    opts.Limit,
		logger:   opts.Logger.Named("syncer"),
		now:      time.Now,
	}, nil
}

// Sync runs one sweep. Only a failure to list the window is returned;
// per-record errors are logged and the sweep moves on.
func (s *Syncer) Sync(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	since := req.Since
	if since.IsZero() {
		since = s.now().Add(-s.window)
	}
	if req.UserID != "" {
		ctx = logging.WithOwnerID(ctx, req.UserID)
	}

	records, err := s.source.ListSince(ctx, since, req.UserID, s.limit)
	if err != nil {
		sweepsTotal.WithLabelValues(outcomeError).Inc()
		return Result{}, fmt.Errorf("listing source records: %w", err)
	}

	res := Result{Total: len(records)}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			sweepsTotal.WithLabelValues(outcomeError).Inc()
			return res, err
		}
		outcome, err := s.syncRecord(ctx, rec)
		recordsTotal.WithLabelValues(outcome).Inc()
		if err != nil {
			s.logger.Warn(ctx, "syncing record",
				zap.String("record_id", rec.ID),
				zap.Error(err))
			continue
		}
		if outcome == outcomeEnqueued {
			res.Synced++
		}
	}

	sweepsTotal.WithLabelValues(outcomeSuccess).Inc()
	sweepDuration.Observe(time.Since(start).Seconds())
	s.logger.Info(ctx, "sync sweep complete",
		zap.Time("since", since),
		zap.Int("total_found", res.Total),
		zap.Int("synced_count", res.Synced),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

func (s *Syncer) syncRecord(ctx context.Context, rec *source.Record) (string, error) {
	doc := DocumentFor(rec)
	created, err := s.docs.InsertIfAbsent(ctx, doc)
	if err != nil {
		return outcomeError, err
	}
	if !created {
		return outcomeExists, nil
	}

	ctx = logging.WithDocumentID(ctx, doc.ID)
	text := rec.Body()
	if text == "" {
		s.logger.Debug(ctx, "record has no text, document left pending")
		return outcomeNoText, nil
	}
	if _, err := s.enqueuer.Enqueue(ctx, doc.ID, text); err != nil {
		return outcomeError, fmt.Errorf("enqueueing %s: %w", doc.ID, err)
	}
	return outcomeEnqueued, nil
}

// DocumentFor maps a source record to a new pending document.
func DocumentFor(rec *source.Record) *registry.Document {
	title := rec.Title
	if title == "" {
		title = DefaultTitle
	}
	tags := make([]interface{}, 0, len(rec.Tags))
	for _, t := range rec.Tags {
		tags = append(tags, t)
	}
	return &registry.Document{
		UserID:       rec.UserID,
		Title:        title,
		SourceRef:    source.Ref(rec.ID),
		DocumentType: registry.DefaultDocumentType,
		Metadata: map[string]interface{}{
			"date": rec.Date,
			"mood": rec.Mood,
			"tags": tags,
		},
	}
}
