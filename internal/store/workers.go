package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkoster/foreman/internal/errors"
)

// CreateWorker inserts a new worker record.
func (s *SQLite) CreateWorker(ctx context.Context, w *Worker) error {
	caps := w.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := marshalJSON(caps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workers (id, status, capabilities, last_heartbeat, cpu_percent, memory_mb)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, string(w.Status), capsJSON, w.LastHeartbeat.UnixNano(),
		w.Resources.CPUPercent, w.Resources.MemoryMB,
	)
	return mapErr("create worker", err)
}

// GetWorker returns the worker with the given id, or ErrNotFound.
func (s *SQLite) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, capabilities, last_heartbeat, cpu_percent, memory_mb
		 FROM workers WHERE id = ?`, id)

	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewEntityError("worker", id, errors.ErrNotFound)
		}
		return nil, mapErr("get worker", err)
	}
	return w, nil
}

// UpdateWorker overwrites the worker record. Worker updates are
// last-write-wins by design: heartbeats carry their own timestamps and
// same-worker refreshes are idempotent.
func (s *SQLite) UpdateWorker(ctx context.Context, w *Worker) error {
	caps := w.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := marshalJSON(caps)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workers
		 SET status = ?, capabilities = ?, last_heartbeat = ?, cpu_percent = ?, memory_mb = ?
		 WHERE id = ?`,
		string(w.Status), capsJSON, w.LastHeartbeat.UnixNano(),
		w.Resources.CPUPercent, w.Resources.MemoryMB, w.ID,
	)
	if err != nil {
		return mapErr("update worker", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("update worker", err)
	}
	if n == 0 {
		return errors.NewEntityError("worker", w.ID, errors.ErrNotFound)
	}
	return nil
}

// ListWorkersByStatus returns all workers in the given status.
func (s *SQLite) ListWorkersByStatus(ctx context.Context, status WorkerStatus) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, capabilities, last_heartbeat, cpu_percent, memory_mb
		 FROM workers WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, mapErr("list workers", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, mapErr("list workers", err)
		}
		workers = append(workers, w)
	}
	return workers, mapErr("list workers", rows.Err())
}

// DeleteWorker removes the worker record entirely (explicit deregistration).
func (s *SQLite) DeleteWorker(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return mapErr("delete worker", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("delete worker", err)
	}
	if n == 0 {
		return errors.NewEntityError("worker", id, errors.ErrNotFound)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner) (*Worker, error) {
	var (
		w         Worker
		status    string
		capsJSON  string
		heartbeat int64
	)
	if err := row.Scan(&w.ID, &status, &capsJSON, &heartbeat,
		&w.Resources.CPUPercent, &w.Resources.MemoryMB); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	w.Status = WorkerStatus(status)
	w.LastHeartbeat = time.Unix(0, heartbeat)
	return &w, nil
}
