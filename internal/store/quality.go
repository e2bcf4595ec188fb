package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/mkoster/foreman/internal/errors"
)

// CreateCheckpoint inserts a new quality-gate checkpoint.
func (s *SQLite) CreateCheckpoint(ctx context.Context, c *Checkpoint) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, task_id, subtask_id, status, note, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.SubtaskID, string(c.Status), c.Note,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(),
	)
	return mapErr("create checkpoint", err)
}

// GetCheckpoint returns the checkpoint with the given id, or ErrNotFound.
func (s *SQLite) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, subtask_id, status, note, created_at, updated_at
		 FROM checkpoints WHERE id = ?`, id)

	c, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewEntityError("checkpoint", id, errors.ErrNotFound)
		}
		return nil, mapErr("get checkpoint", err)
	}
	return c, nil
}

// UpdateCheckpointStatus moves a checkpoint to the given review status.
func (s *SQLite) UpdateCheckpointStatus(ctx context.Context, id string, status CheckpointStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id)
	if err != nil {
		return mapErr("update checkpoint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("update checkpoint", err)
	}
	if n == 0 {
		return errors.NewEntityError("checkpoint", id, errors.ErrNotFound)
	}
	return nil
}

// ListCheckpointsByTask returns all checkpoints for the task, oldest first.
func (s *SQLite) ListCheckpointsByTask(ctx context.Context, taskID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, subtask_id, status, note, created_at, updated_at
		 FROM checkpoints WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, mapErr("list checkpoints", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, mapErr("list checkpoints", err)
		}
		checkpoints = append(checkpoints, c)
	}
	return checkpoints, mapErr("list checkpoints", rows.Err())
}

// CreateCorrection records guidance against a rejected checkpoint.
func (s *SQLite) CreateCorrection(ctx context.Context, c *Correction) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO corrections (id, checkpoint_id, task_id, subtask_id, guidance, applied, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CheckpointID, c.TaskID, c.SubtaskID, c.Guidance,
		boolToInt(c.Applied), c.CreatedAt.UnixNano(),
	)
	return mapErr("create correction", err)
}

// MarkCorrectionApplied makes the correction terminal.
func (s *SQLite) MarkCorrectionApplied(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE corrections SET applied = 1 WHERE id = ?`, id)
	if err != nil {
		return mapErr("mark correction applied", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("mark correction applied", err)
	}
	if n == 0 {
		return errors.NewEntityError("correction", id, errors.ErrNotFound)
	}
	return nil
}

// ListCorrectionsByCheckpoint returns all corrections issued against the
// checkpoint, oldest first.
func (s *SQLite) ListCorrectionsByCheckpoint(ctx context.Context, checkpointID string) ([]*Correction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, checkpoint_id, task_id, subtask_id, guidance, applied, created_at
		 FROM corrections WHERE checkpoint_id = ? ORDER BY created_at, id`, checkpointID)
	if err != nil {
		return nil, mapErr("list corrections", err)
	}
	defer rows.Close()

	var corrections []*Correction
	for rows.Next() {
		var (
			c       Correction
			applied int
			created int64
		)
		if err := rows.Scan(&c.ID, &c.CheckpointID, &c.TaskID, &c.SubtaskID,
			&c.Guidance, &applied, &created); err != nil {
			return nil, mapErr("list corrections", err)
		}
		c.Applied = applied != 0
		c.CreatedAt = time.Unix(0, created)
		corrections = append(corrections, &c)
	}
	return corrections, mapErr("list corrections", rows.Err())
}

// CreateEvaluation stores a scored quality assessment of a completed subtask.
func (s *SQLite) CreateEvaluation(ctx context.Context, e *Evaluation) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (id, subtask_id, score, verdict, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.SubtaskID, e.Score, e.Verdict, e.CreatedAt.UnixNano(),
	)
	return mapErr("create evaluation", err)
}

// ListEvaluationsBySubtask returns all evaluations of the subtask, oldest first.
func (s *SQLite) ListEvaluationsBySubtask(ctx context.Context, subtaskID string) ([]*Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subtask_id, score, verdict, created_at
		 FROM evaluations WHERE subtask_id = ? ORDER BY created_at, id`, subtaskID)
	if err != nil {
		return nil, mapErr("list evaluations", err)
	}
	defer rows.Close()

	var evaluations []*Evaluation
	for rows.Next() {
		var (
			e       Evaluation
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SubtaskID, &e.Score, &e.Verdict, &created); err != nil {
			return nil, mapErr("list evaluations", err)
		}
		e.CreatedAt = time.Unix(0, created)
		evaluations = append(evaluations, &e)
	}
	return evaluations, mapErr("list evaluations", rows.Err())
}

func scanCheckpoint(row scanner) (*Checkpoint, error) {
	var (
		c       Checkpoint
		status  string
		created int64
		updated int64
	)
	if err := row.Scan(&c.ID, &c.TaskID, &c.SubtaskID, &status, &c.Note, &created, &updated); err != nil {
		return nil, err
	}
	c.Status = CheckpointStatus(status)
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
