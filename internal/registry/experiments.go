package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const experimentColumns = `id, name, project_id, kind, dataset_ref, model_ref, config, metrics,
	status, error_message, started_at, completed_at, created_at`

// CreateExperiment inserts e, filling id, project and timestamps.
func (s *Store) CreateExperiment(ctx context.Context, e *Experiment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ProjectID == "" {
		e.ProjectID = DefaultProjectID
	}
	if err := ValidateName(e.ProjectID); err != nil {
		return fmt.Errorf("project_id %q: %w", e.ProjectID, err)
	}
	if e.Status == "" {
		e.Status = ExperimentPending
	}
	if e.Metrics == nil {
		e.Metrics = map[string]interface{}{}
	}
	e.CreatedAt = s.now().UTC()

	cfg, err := marshalMap(e.Config)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	metrics, err := marshalMap(e.Metrics)
	if err != nil {
		return fmt.Errorf("marshalling metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (`+experimentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.ProjectID, e.Kind, e.DatasetRef, e.ModelRef, cfg, metrics,
		e.Status, e.ErrorMessage, nullMillis(e.StartedAt), nullMillis(e.CompletedAt), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting experiment: %w", err)
	}
	return nil
}

// GetExperiment returns an experiment or ErrNotFound.
func (s *Store) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListExperiments returns experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context, f ExperimentFilter) ([]*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	var args []interface{}
	if f.ProjectID != "" {
		query += " WHERE project_id = ?"
		args = append(args, f.ProjectID)
	}
	query, args = page(query+" ORDER BY created_at DESC, id", args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}
	defer rows.Close()

	var out []*Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StartExperiment moves a pending experiment to running.
func (s *Store) StartExperiment(ctx context.Context, id string) error {
	return s.transitionExperiment(ctx, id,
		`UPDATE experiments SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		ExperimentRunning, toMillis(s.now()), id, ExperimentPending)
}

// CompleteExperiment records the dataset and metrics and sets status
// completed. A terminal experiment is rejected with ErrInvalidTransition.
func (s *Store) CompleteExperiment(ctx context.Context, id, datasetRef string, metrics map[string]interface{}) error {
	m, err := marshalMap(metrics)
	if err != nil {
		return fmt.Errorf("marshalling metrics: %w", err)
	}
	return s.transitionExperiment(ctx, id, `
		UPDATE experiments SET status = ?, dataset_ref = ?, metrics = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		ExperimentCompleted, datasetRef, m, toMillis(s.now()), id, ExperimentPending, ExperimentRunning)
}

// FailExperiment sets status failed with msg. A terminal experiment is
// rejected with ErrInvalidTransition.
func (s *Store) FailExperiment(ctx context.Context, id, msg string) error {
	return s.transitionExperiment(ctx, id, `
		UPDATE experiments SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		ExperimentFailed, msg, toMillis(s.now()), id, ExperimentPending, ExperimentRunning)
}

func (s *Store) transitionExperiment(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating experiment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetExperiment(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("experiment %s: %w", id, ErrInvalidTransition)
	}
	return nil
}

// DeleteFinishedExperimentsBefore deletes completed and failed experiments
// created before cutoff.
func (s *Store) DeleteFinishedExperimentsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM experiments WHERE status IN (?, ?) AND created_at < ?`,
		ExperimentCompleted, ExperimentFailed, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting experiments: %w", err)
	}
	return res.RowsAffected()
}

func scanExperiment(row scanner) (*Experiment, error) {
	var (
		e                  Experiment
		cfg, metrics       string
		started, completed sql.NullInt64
		created            int64
	)
	if err := row.Scan(&e.ID, &e.Name, &e.ProjectID, &e.Kind, &e.DatasetRef, &e.ModelRef, &cfg, &metrics,
		&e.Status, &e.ErrorMessage, &started, &completed, &created); err != nil {
		return nil, err
	}
	var err error
	if e.Config, err = unmarshalMap(cfg); err != nil {
		return nil, fmt.Errorf("decoding config of %s: %w", e.ID, err)
	}
	if e.Metrics, err = unmarshalMap(metrics); err != nil {
		return nil, fmt.Errorf("decoding metrics of %s: %w", e.ID, err)
	}
	e.StartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	e.CreatedAt = fromMillis(created)
	return &e, nil
}
