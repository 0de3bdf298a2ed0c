// Package source is the source-of-truth text store: journal records
// keyed by id and indexed by creation time, kept in BadgerDB.
package source

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	recordPrefix = "rec:"
	timePrefix   = "ts:"

	// RefPrefix marks registry source_ref values that point into this
	// store.
	RefPrefix = "journal:"

	// DefaultListLimit caps ListSince when no limit is given.
	DefaultListLimit = 1000
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is one journal entry.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content,omitempty"`
	Text      string    `json:"text,omitempty"`
	Date      string    `json:"date,omitempty"`
	Mood      string    `json:"mood,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Body returns the record text: Content, falling back to Text.
func (r *Record) Body() string {
	if r.Content != "" {
		return r.Content
	}
	return r.Text
}

// Ref returns the registry source_ref for a record id.
func Ref(id string) string {
	return RefPrefix + id
}

// ParseRef extracts the record id from a source_ref.
func ParseRef(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, RefPrefix)
	return id, ok && id != ""
}

// Store is a BadgerDB-backed record store.
type Store struct {
	db     *badger.DB
	logger *logging.Logger
	now    func() time.Time
}

// Options configures Open.
type Options struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// Open opens or creates the store.
func Open(opts Options, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("source path is required")
		}
		if err := os.MkdirAll(opts.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating source directory: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts.Logger = &badgerLogger{logger: logger.Underlying().Named("badger").Sugar()}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening source store: %w", err)
	}

	logger.Info(context.Background(), "source store opened",
		zap.String("path", opts.Path),
		zap.Bool("in_memory", opts.InMemory))
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports an error once the database is closed.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("source store closed")
	}
	return nil
}

func recordKey(id string) []byte {
	return []byte(recordPrefix + id)
}

// timeKey sorts by creation time: prefix, 8-byte big-endian millis, id.
func timeKey(t time.Time, id string) []byte {
	k := make([]byte, 0, len(timePrefix)+8+len(id))
	k = append(k, timePrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(max(t.UnixMilli(), 0)))
	return append(k, id...)
}

// Put stores r, assigning an id and creation time when unset. Rewriting a
// record keeps its time index consistent.
func (s *Store) Put(_ context.Context, r *Record) error {
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshalling record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getRecord(txn, r.ID)
		switch {
		case err == nil:
			if err := txn.Delete(timeKey(old.CreatedAt, old.ID)); err != nil {
				return err
			}
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if err := txn.Set(recordKey(r.ID), value); err != nil {
			return err
		}
		return txn.Set(timeKey(r.CreatedAt, r.ID), []byte(r.ID))
	})
}

// Get returns a record or ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (*Record, error) {
	var r *Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getRecord(txn, id)
		return err
	})
	return r, err
}

// GetByRef resolves a registry source_ref.
func (s *Store) GetByRef(ctx context.Context, ref string) (*Record, error) {
	id, ok := ParseRef(ref)
	if !ok {
		return nil, fmt.Errorf("%w: unknown source ref %q", ErrNotFound, ref)
	}
	return s.Get(ctx, id)
}

func getRecord(txn *badger.Txn, id string) (*Record, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", id, err)
	}
	return &r, nil
}

// ListSince returns records created at or after since, oldest first. An
// empty userID matches every owner; limit <= 0 means DefaultListLimit.
func (s *Store) ListSince(ctx context.Context, since time.Time, userID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(timePrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(timeKey(since, "")); it.ValidForPrefix(opts.Prefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := getRecord(txn, string(id))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if userID != "" && r.UserID != userID {
				continue
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Delete removes a record. Absent records are ignored.
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		old, err := getRecord(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(timeKey(old.CreatedAt, id)); err != nil {
			return err
		}
		return txn.Delete(recordKey(id))
	})
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, args ...interface{})   { l.logger.Errorf(msg, args...) }
func (l *badgerLogger) Warningf(msg string, args ...interface{}) { l.logger.Warnf(msg, args...) }
func (l *badgerLogger) Infof(msg string, args ...interface{})    { l.logger.Debugf(msg, args...) }
func (l *badgerLogger) Debugf(msg string, args ...interface{})   { l.logger.Debugf(msg, args...) }
