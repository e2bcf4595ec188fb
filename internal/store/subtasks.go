package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkoster/foreman/internal/errors"
)

// CreateSubtask inserts a new subtask record. The revision starts at 1.
func (s *SQLite) CreateSubtask(ctx context.Context, st *Subtask) error {
	deps := st.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := marshalJSON(deps)
	if err != nil {
		return err
	}

	now := time.Now()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	if st.Revision == 0 {
		st.Revision = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subtasks (id, task_id, status, capability, dependencies, assigned_worker, attempts, revision, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TaskID, string(st.Status), st.Capability, depsJSON,
		st.AssignedWorker, st.Attempts, st.Revision,
		st.CreatedAt.UnixNano(), st.UpdatedAt.UnixNano(),
	)
	return mapErr("create subtask", err)
}

// GetSubtask returns the subtask with the given id, or ErrNotFound.
func (s *SQLite) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, status, capability, dependencies, assigned_worker, attempts, revision, created_at, updated_at
		 FROM subtasks WHERE id = ?`, id)

	st, err := scanSubtask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewEntityError("subtask", id, errors.ErrNotFound)
		}
		return nil, mapErr("get subtask", err)
	}
	return st, nil
}

// UpdateSubtask performs a conditional write with the same contract as
// UpdateTask: success requires the stored revision to equal
// expectedRevision, and increments st.Revision in place.
func (s *SQLite) UpdateSubtask(ctx context.Context, st *Subtask, expectedRevision int64) error {
	deps := st.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := marshalJSON(deps)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE subtasks
		 SET status = ?, capability = ?, dependencies = ?, assigned_worker = ?, attempts = ?, revision = revision + 1, updated_at = ?
		 WHERE id = ? AND revision = ?`,
		string(st.Status), st.Capability, depsJSON, st.AssignedWorker,
		st.Attempts, now.UnixNano(), st.ID, expectedRevision,
	)
	if err != nil {
		return mapErr("update subtask", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("update subtask", err)
	}
	if n == 0 {
		if _, getErr := s.GetSubtask(ctx, st.ID); getErr != nil {
			return getErr
		}
		return errors.NewConflictError("subtask", st.ID, expectedRevision)
	}

	st.Revision = expectedRevision + 1
	st.UpdatedAt = now
	return nil
}

// ListSubtasksByTask returns all subtasks of the given task, oldest first.
func (s *SQLite) ListSubtasksByTask(ctx context.Context, taskID string) ([]*Subtask, error) {
	return s.listSubtasks(ctx,
		`SELECT id, task_id, status, capability, dependencies, assigned_worker, attempts, revision, created_at, updated_at
		 FROM subtasks WHERE task_id = ? ORDER BY created_at, id`, taskID)
}

// ListSubtasksByStatus returns all subtasks in the given status, oldest first.
func (s *SQLite) ListSubtasksByStatus(ctx context.Context, status SubtaskStatus) ([]*Subtask, error) {
	return s.listSubtasks(ctx,
		`SELECT id, task_id, status, capability, dependencies, assigned_worker, attempts, revision, created_at, updated_at
		 FROM subtasks WHERE status = ? ORDER BY created_at, id`, string(status))
}

func (s *SQLite) listSubtasks(ctx context.Context, query string, arg any) ([]*Subtask, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, mapErr("list subtasks", err)
	}
	defer rows.Close()

	var subtasks []*Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, mapErr("list subtasks", err)
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, mapErr("list subtasks", rows.Err())
}

func scanSubtask(row scanner) (*Subtask, error) {
	var (
		st       Subtask
		status   string
		depsJSON string
		created  int64
		updated  int64
	)
	if err := row.Scan(&st.ID, &st.TaskID, &status, &st.Capability, &depsJSON,
		&st.AssignedWorker, &st.Attempts, &st.Revision, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &st.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	st.Status = SubtaskStatus(status)
	st.CreatedAt = time.Unix(0, created)
	st.UpdatedAt = time.Unix(0, updated)
	return &st, nil
}
