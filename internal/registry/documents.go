package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const documentColumns = `id, user_id, project_id, title, source_ref, vector_ref, document_type,
	metadata, status, error, created_at, updated_at`

// prepareDocument fills defaults on a new document.
func (s *Store) prepareDocument(d *Document) error {
	if d.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ProjectID == "" {
		d.ProjectID = DefaultProjectID
	}
	if err := ValidateName(d.ProjectID); err != nil {
		return fmt.Errorf("project_id %q: %w", d.ProjectID, err)
	}
	if d.DocumentType == "" {
		d.DocumentType = DefaultDocumentType
	}
	if d.Metadata == nil {
		d.Metadata = map[string]interface{}{}
	}
	now := s.now().UTC()
	d.Status = StatusPending
	d.VectorRef = ""
	d.Error = ""
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

func (s *Store) insertDocument(ctx context.Context, d *Document, onConflict string) (sql.Result, error) {
	meta, err := marshalMap(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}
	return s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, '', ?, ?)`+onConflict,
		d.ID, d.UserID, d.ProjectID, d.Title, nullString(d.SourceRef), d.DocumentType,
		meta, d.Status, toMillis(d.CreatedAt), toMillis(d.UpdatedAt))
}

// CreateDocument inserts a pending document. A taken source_ref fails
// with ErrDuplicateSource.
func (s *Store) CreateDocument(ctx context.Context, d *Document) error {
	if err := s.prepareDocument(d); err != nil {
		return err
	}
	if _, err := s.insertDocument(ctx, d, ""); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, d.SourceRef)
		}
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// InsertIfAbsent inserts d unless a document with the same source_ref
// exists. It reports whether a row was created; concurrent callers with
// the same source_ref see exactly one true.
func (s *Store) InsertIfAbsent(ctx context.Context, d *Document) (bool, error) {
	if d.SourceRef == "" {
		return false, fmt.Errorf("source_ref is required")
	}
	if err := s.prepareDocument(d); err != nil {
		return false, err
	}
	res, err := s.insertDocument(ctx, d, " ON CONFLICT(source_ref) DO NOTHING")
	if err != nil {
		return false, fmt.Errorf("inserting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetDocument returns a document or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return d, err
}

// GetDocumentBySourceRef returns the document registered for ref.
func (s *Store) GetDocumentBySourceRef(ctx context.Context, ref string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE source_ref = ?`, ref)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document with source %s: %w", ref, ErrNotFound)
	}
	return d, err
}

func documentWhere(f DocumentFilter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.DocumentType != "" {
		conds = append(conds, "document_type = ?")
		args = append(args, f.DocumentType)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListDocuments returns matching documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	where, args := documentWhere(f)
	query, args := page(`SELECT `+documentColumns+` FROM documents`+where+` ORDER BY created_at DESC, id`, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDocuments counts matching documents, ignoring Limit and Offset.
func (s *Store) CountDocuments(ctx context.Context, f DocumentFilter) (int, error) {
	where, args := documentWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// BeginProcessing moves a pending document to processing. It returns
// false, without error, when the document is in any other state.
func (s *Store) BeginProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusProcessing, toMillis(s.now()), id, StatusPending)
	if err != nil {
		return false, fmt.Errorf("beginning document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetDocument(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// RecordError stores the last step error on a processing document.
func (s *Store) RecordError(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		msg, toMillis(s.now()), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("recording error on %s: %w", id, err)
	}
	return nil
}

// MarkCompleted inserts the embedding record and, in the same
// transaction, sets vector_ref and status completed. The document must be
// processing.
func (s *Store) MarkCompleted(ctx context.Context, id string, e *Embedding) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.DocumentID = id
	e.CreatedAt = s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET status = ?, vector_ref = ?, error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusCompleted, e.VectorID, toMillis(e.CreatedAt), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("completing document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing document %s: %w", id, ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings (id, document_id, vector_id, model_name, dimension, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.DocumentID, e.VectorID, e.ModelName, e.Dimension, toMillis(e.CreatedAt)); err != nil {
		return fmt.Errorf("inserting embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing completion of %s: %w", id, err)
	}
	s.logger.Debug(ctx, "document completed", zap.String("document_id", id), zap.String("vector_id", e.VectorID))
	return nil
}

// MarkFailed moves a processing document to failed.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusFailed, msg, toMillis(s.now()), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failing document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failing document %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// ResetForReindex moves a pending, completed or failed document back to
// pending and clears vector_ref. Processing documents are rejected with
// ErrProcessing.
func (s *Store) ResetForReindex(ctx context.Context, id string) (*Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if status == StatusProcessing {
		return nil, fmt.Errorf("document %s: %w", id, ErrProcessing)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET status = ?, vector_ref = NULL, error = '', updated_at = ?
		WHERE id = ?`,
		StatusPending, toMillis(s.now()), id); err != nil {
		return nil, fmt.Errorf("resetting document %s: %w", id, err)
	}

	d, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

// DeleteFailedBefore deletes failed documents created before cutoff,
// cascading to their embeddings and tasks.
func (s *Store) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE status = ? AND created_at < ?`,
		StatusFailed, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting failed documents: %w", err)
	}
	return res.RowsAffected()
}

func scanDocument(row scanner) (*Document, error) {
	var (
		d                    Document
		sourceRef, vectorRef sql.NullString
		meta                 string
		created, updated     int64
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.ProjectID, &d.Title, &sourceRef, &vectorRef, &d.DocumentType,
		&meta, &d.Status, &d.Error, &created, &updated); err != nil {
		return nil, err
	}
	m, err := unmarshalMap(meta)
	if err != nil {
		return nil, fmt.Errorf("decoding metadata of %s: %w", d.ID, err)
	}
	d.SourceRef = sourceRef.String
	d.VectorRef = vectorRef.String
	d.Metadata = m
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return &d, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
