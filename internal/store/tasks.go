package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkoster/foreman/internal/errors"
)

// CreateTask inserts a new task record. The revision starts at 1.
func (s *SQLite) CreateTask(ctx context.Context, t *Task) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return err
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Revision == 0 {
		t.Revision = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, status, progress, revision, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Status), t.Progress, t.Revision, metaJSON,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	return mapErr("create task", err)
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *SQLite) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, progress, revision, metadata, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewEntityError("task", id, errors.ErrNotFound)
		}
		return nil, mapErr("get task", err)
	}
	return t, nil
}

// UpdateTask performs a conditional write: the mutation succeeds and
// atomically increments the revision only if the stored revision still
// equals expectedRevision. On success t.Revision is updated in place;
// on mismatch the caller receives ErrConflict and must re-read and retry.
func (s *SQLite) UpdateTask(ctx context.Context, t *Task, expectedRevision int64) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := marshalJSON(meta)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks
		 SET status = ?, progress = ?, metadata = ?, revision = revision + 1, updated_at = ?
		 WHERE id = ? AND revision = ?`,
		string(t.Status), t.Progress, metaJSON, now.UnixNano(),
		t.ID, expectedRevision,
	)
	if err != nil {
		return mapErr("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("update task", err)
	}
	if n == 0 {
		// Disambiguate a missing row from a revision mismatch.
		if _, getErr := s.GetTask(ctx, t.ID); getErr != nil {
			return getErr
		}
		return errors.NewConflictError("task", t.ID, expectedRevision)
	}

	t.Revision = expectedRevision + 1
	t.UpdatedAt = now
	return nil
}

// ListTasksByStatus returns all tasks in the given status, oldest first.
func (s *SQLite) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, progress, revision, metadata, created_at, updated_at
		 FROM tasks WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, mapErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapErr("list tasks", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, mapErr("list tasks", rows.Err())
}

// DeleteTask removes the task and, through foreign keys, cascades deletion
// of its subtasks, checkpoints, and corrections.
func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return mapErr("delete task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("delete task", err)
	}
	if n == 0 {
		return errors.NewEntityError("task", id, errors.ErrNotFound)
	}
	return nil
}

func scanTask(row scanner) (*Task, error) {
	var (
		t        Task
		status   string
		metaJSON string
		created  int64
		updated  int64
	)
	if err := row.Scan(&t.ID, &status, &t.Progress, &t.Revision, &metaJSON, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	t.Status = TaskStatus(status)
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	return &t, nil
}
