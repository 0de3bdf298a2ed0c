package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// importRecord accepts both the native field names and the camelCase
// names of journal exports.
type importRecord struct {
	Record
	LegacyID        string     `json:"_id"`
	LegacyUserID    string     `json:"userId"`
	LegacyCreatedAt *time.Time `json:"createdAt"`
}

func (r *importRecord) normalize() *Record {
	out := r.Record
	if out.ID == "" {
		out.ID = r.LegacyID
	}
	if out.UserID == "" {
		out.UserID = r.LegacyUserID
	}
	if out.CreatedAt.IsZero() && r.LegacyCreatedAt != nil {
		out.CreatedAt = r.LegacyCreatedAt.UTC()
	}
	return &out
}

// ImportResult summarises an Import call.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Import reads a JSON array of records from r and stores each one.
// Records without an owner or any text are skipped.
func (s *Store) Import(ctx context.Context, r io.Reader) (ImportResult, error) {
	var res ImportResult

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return res, fmt.Errorf("reading import: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return res, fmt.Errorf("import must be a JSON array")
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var in importRecord
		if err := dec.Decode(&in); err != nil {
			return res, fmt.Errorf("decoding record %d: %w", res.Imported+res.Skipped, err)
		}
		rec := in.normalize()
		if rec.UserID == "" || rec.Body() == "" {
			res.Skipped++
			continue
		}
		if err := s.Put(ctx, rec); err != nil {
			return res, fmt.Errorf("storing record %s: %w", rec.ID, err)
		}
		res.Imported++
	}
	if _, err := dec.Token(); err != nil {
		return res, fmt.Errorf("reading import: %w", err)
	}

	s.logger.Info(ctx, "journal import finished",
		zap.Int("imported", res.Imported),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
