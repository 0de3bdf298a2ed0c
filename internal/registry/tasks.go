package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, document_id, step, text, attempt, vector, not_before, claimed_until, last_error, created_at`

// CreateTask stores a new pipeline task due at t.NotBefore (now when
// zero).
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	vec, err := s.prepareTask(t)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertTask, taskArgs(t, vec)...); err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

const insertTask = `INSERT INTO pipeline_tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`

func (s *Store) prepareTask(t *Task) (sql.NullString, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Step == "" {
		t.Step = StepEmbed
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	t.CreatedAt = s.now().UTC()
	if t.NotBefore.IsZero() {
		t.NotBefore = t.CreatedAt
	}
	return marshalVector(t.Vector)
}

func taskArgs(t *Task, vec sql.NullString) []interface{} {
	return []interface{}{t.ID, t.DocumentID, t.Step, t.Text, t.Attempt, vec,
		toMillis(t.NotBefore), t.LastError, toMillis(t.CreatedAt)}
}

// BeginWithTask performs the pending -> processing CAS and inserts t in
// the same transaction. It returns false, inserting nothing, when the
// document is not pending.
func (s *Store) BeginWithTask(ctx context.Context, t *Task) (bool, error) {
	vec, err := s.prepareTask(t)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET status = ?, error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusProcessing, toMillis(t.CreatedAt), t.DocumentID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("beginning document %s: %w", t.DocumentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, t.DocumentID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("document %s: %w", t.DocumentID, ErrNotFound)
		}
		return false, err
	}

	if _, err := tx.ExecContext(ctx, insertTask, taskArgs(t, vec)...); err != nil {
		return false, fmt.Errorf("inserting task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetTask returns a task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM pipeline_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// TasksForDocument returns the tasks of one document.
func (s *Store) TasksForDocument(ctx context.Context, documentID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM pipeline_tasks WHERE document_id = ? ORDER BY created_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimDue leases up to limit due, unclaimed tasks until now+lease. A
// task whose lease expired is due again.
func (s *Store) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*Task, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE pipeline_tasks SET claimed_until = ?
		WHERE id IN (
			SELECT id FROM pipeline_tasks
			WHERE not_before <= ? AND claimed_until <= ?
			ORDER BY not_before, created_at
			LIMIT ?
		)
		RETURNING `+taskColumns,
		toMillis(now.Add(lease)), toMillis(now), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// AdvanceToIndex commits the embed result: the task becomes an index
// step on attempt 1, due immediately and unclaimed.
func (s *Store) AdvanceToIndex(ctx context.Context, id string, vector []float32) error {
	vec, err := marshalVector(vector)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_tasks
		SET step = ?, attempt = 1, vector = ?, not_before = ?, claimed_until = 0, last_error = ''
		WHERE id = ?`,
		StepIndex, vec, toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("advancing task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RetryTask reschedules a failed step with attempt+1 at notBefore and
// records msg on both the task and its processing document.
func (s *Store) RetryTask(ctx context.Context, t *Task, notBefore time.Time, msg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(s.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE pipeline_tasks
		SET attempt = attempt + 1, not_before = ?, claimed_until = 0, last_error = ?
		WHERE id = ?`,
		toMillis(notBefore), msg, t.ID)
	if err != nil {
		return fmt.Errorf("rescheduling task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		msg, now, t.DocumentID, StatusProcessing); err != nil {
		return fmt.Errorf("recording error on %s: %w", t.DocumentID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Attempt++
	t.NotBefore = notBefore
	t.LastError = msg
	return nil
}

// DeleteTask removes a finished task. Absent tasks are ignored.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// CountTasks returns the number of queued tasks.
func (s *Store) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_tasks`).Scan(&n)
	return n, err
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                           Task
		vec                         sql.NullString
		notBefore, claimed, created int64
	)
	if err := row.Scan(&t.ID, &t.DocumentID, &t.Step, &t.Text, &t.Attempt, &vec,
		&notBefore, &claimed, &t.LastError, &created); err != nil {
		return nil, err
	}
	if vec.Valid && vec.String != "" {
		if err := json.Unmarshal([]byte(vec.String), &t.Vector); err != nil {
			return nil, fmt.Errorf("decoding vector of task %s: %w", t.ID, err)
		}
	}
	t.NotBefore = fromMillis(notBefore)
	t.ClaimedUntil = fromMillis(claimed)
	t.CreatedAt = fromMillis(created)
	return &t, nil
}

func marshalVector(v []float32) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshalling vector: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
