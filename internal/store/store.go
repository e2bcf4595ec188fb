// Package store provides the authoritative persistence layer for the
// orchestration core. All entities live in SQLite; every component receives
// an explicit [Store] handle at construction, and optimistic-lock
// comparisons always run against the stored revision, never a cache.
//
// Conditional writes are compare-and-swap on (entity id, expected revision):
// a mutation succeeds and atomically increments the revision only when the
// stored revision still matches what the caller observed. Deleting a task
// cascades to its subtasks, checkpoints, and corrections via foreign keys.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mkoster/foreman/internal/errors"
)

// Store is the authoritative entity store consumed by the orchestration
// core. Implementations must provide ACID conditional writes and
// cascade-delete-on-parent-delete semantics.
type Store interface {
	// Workers. Worker updates are last-write-wins: heartbeat refreshes for
	// the same worker are idempotent and carry their own timestamps.
	CreateWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	UpdateWorker(ctx context.Context, w *Worker) error
	ListWorkersByStatus(ctx context.Context, status WorkerStatus) ([]*Worker, error)
	DeleteWorker(ctx context.Context, id string) error

	// Tasks. UpdateTask is a conditional write: it fails with ErrConflict
	// unless the stored revision equals expectedRevision, and on success
	// increments w.Revision in place.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task, expectedRevision int64) error
	ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error

	// Subtasks, with the same conditional-write contract as tasks.
	CreateSubtask(ctx context.Context, s *Subtask) error
	GetSubtask(ctx context.Context, id string) (*Subtask, error)
	UpdateSubtask(ctx context.Context, s *Subtask, expectedRevision int64) error
	ListSubtasksByTask(ctx context.Context, taskID string) ([]*Subtask, error)
	ListSubtasksByStatus(ctx context.Context, status SubtaskStatus) ([]*Subtask, error)

	// Quality records are keyed by their target entity and never touch
	// task/subtask revision counters.
	CreateCheckpoint(ctx context.Context, c *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	UpdateCheckpointStatus(ctx context.Context, id string, status CheckpointStatus) error
	ListCheckpointsByTask(ctx context.Context, taskID string) ([]*Checkpoint, error)
	CreateCorrection(ctx context.Context, c *Correction) error
	MarkCorrectionApplied(ctx context.Context, id string) error
	ListCorrectionsByCheckpoint(ctx context.Context, checkpointID string) ([]*Correction, error)
	CreateEvaluation(ctx context.Context, e *Evaluation) error
	ListEvaluationsBySubtask(ctx context.Context, subtaskID string) ([]*Evaluation, error)

	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('online','busy','offline')),
	capabilities TEXT NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	cpu_percent REAL NOT NULL DEFAULT 0,
	memory_mb REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('pending','in_progress','completed','failed')),
	progress INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 1,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS subtasks (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	status TEXT NOT NULL CHECK (status IN ('pending','assigned','running','completed','failed')),
	capability TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	assigned_worker TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	revision INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id);
CREATE INDEX IF NOT EXISTS idx_subtasks_status ON subtasks(status);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	subtask_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('pending','approved','rejected')),
	note TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id);

CREATE TABLE IF NOT EXISTS corrections (
	id TEXT PRIMARY KEY,
	checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
	task_id TEXT NOT NULL,
	subtask_id TEXT NOT NULL DEFAULT '',
	guidance TEXT NOT NULL,
	applied INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_corrections_checkpoint ON corrections(checkpoint_id);

CREATE TABLE IF NOT EXISTS evaluations (
	id TEXT PRIMARY KEY,
	subtask_id TEXT NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
	score REAL NOT NULL,
	verdict TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_subtask ON evaluations(subtask_id);
`

// SQLite is the Store implementation backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// Compile-time interface check.
var _ Store = (*SQLite)(nil)

// Open opens (creating if necessary) the SQLite store at the given path.
// Pass ":memory:" for an ephemeral store.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single connection keeps the in-memory database coherent and
	// serializes writers; busy_timeout covers file-backed contention.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// mapErr translates driver-level failures into the domain taxonomy.
// Connection-class errors become ErrUnavailable so scheduling loops can
// pause and retry the whole connection instead of a single operation.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, errors.ErrUnavailable, err)
	}
	// database/sql does not export its closed-database sentinel.
	if strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%s: %w: %v", op, errors.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// marshalJSON encodes v as a JSON column value. Nil maps and slices encode
// to their empty literal so columns round-trip losslessly.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	return string(data), nil
}
