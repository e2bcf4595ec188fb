package quality

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mkoster/foreman/internal/errors"
	"github.com/mkoster/foreman/internal/event"
	"github.com/mkoster/foreman/internal/logging"
	"github.com/mkoster/foreman/internal/store"
)

func newReviewer(t *testing.T) (*Reviewer, store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "quality.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewReviewer(st, logging.NopLogger()), st
}

func seedTask(t *testing.T, st store.Store) *store.Task {
	t.Helper()
	task := &store.Task{ID: uuid.NewString(), Status: store.TaskPending}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func seedSubtask(t *testing.T, st store.Store, taskID string, status store.SubtaskStatus) *store.Subtask {
	t.Helper()
	sub := &store.Subtask{ID: uuid.NewString(), TaskID: taskID, Status: status}
	if err := st.CreateSubtask(context.Background(), sub); err != nil {
		t.Fatalf("create subtask: %v", err)
	}
	return sub
}

func TestOpenCheckpoint(t *testing.T) {
	r, st := newReviewer(t)
	ctx := context.Background()
	task := seedTask(t, st)

	c, err := r.OpenCheckpoint(ctx, task.ID, "", "milestone review")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.Status != store.CheckpointPending {
		t.Errorf("status = %s, want pending", c.Status)
	}

	list, err := r.Checkpoints(ctx, task.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != c.ID {
		t.Errorf("checkpoints = %+v, want one entry %s", list, c.ID)
	}
}

func TestOpenCheckpointUnknownTask(t *testing.T) {
	r, _ := newReviewer(t)

	_, err := r.OpenCheckpoint(context.Background(), "no-such-task", "", "")
	if !errors.IsNotFound(err) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestApproveIsTerminal(t *testing.T) {
	r, st := newReviewer(t)
	ctx := context.Background()
	task := seedTask(t, st)

	c, err := r.OpenCheckpoint(ctx, task.ID, "", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Approve(ctx, c.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Re-reviewing either way is rejected.
	if err := r.Approve(ctx, c.ID); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second approve err = %v, want ErrInvalidTransition", err)
	}
	if _, err := r.Reject(ctx, c.ID, "too late"); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("reject after approve err = %v, want ErrInvalidTransition", err)
	}
}

func TestRejectIssuesCorrection(t *testing.T) {
	r, st := newReviewer(t)
	ctx := context.Background()
	task := seedTask(t, st)
	sub := seedSubtask(t, st, task.ID, store.SubtaskCompleted)

	c, err := r.OpenCheckpoint(ctx, task.ID, sub.ID, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	correction, err := r.Reject(ctx, c.ID, "output fails the acceptance criteria")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if correction.CheckpointID != c.ID || correction.SubtaskID != sub.ID {
		t.Errorf("correction = %+v", correction)
	}
	if correction.Applied {
		t.Error("new correction already applied")
	}

	if err := r.ApplyCorrection(ctx, correction.ID); err != nil {
		t.Fatalf("apply: %v", err)
	}
	list, err := r.Corrections(ctx, c.ID)
	if err != nil {
		t.Fatalf("list corrections: %v", err)
	}
	if len(list) != 1 || !list[0].Applied {
		t.Errorf("corrections = %+v, want one applied entry", list)
	}
}

func TestRecordEvaluation(t *testing.T) {
	r, st := newReviewer(t)
	ctx := context.Background()
	task := seedTask(t, st)
	sub := seedSubtask(t, st, task.ID, store.SubtaskCompleted)

	if _, err := r.RecordEvaluation(ctx, sub.ID, 1.5, "great"); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("out-of-range score err = %v, want ErrInvalidTransition", err)
	}

	e, err := r.RecordEvaluation(ctx, sub.ID, 0.85, "meets criteria")
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	list, err := r.Evaluations(ctx, sub.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != e.ID || list[0].Score != 0.85 {
		t.Errorf("evaluations = %+v", list)
	}
}

func TestRecordEvaluationRequiresCompleted(t *testing.T) {
	r, st := newReviewer(t)
	ctx := context.Background()
	task := seedTask(t, st)
	sub := seedSubtask(t, st, task.ID, store.SubtaskRunning)

	_, err := r.RecordEvaluation(ctx, sub.ID, 0.5, "")
	if !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestPumpOpensCheckpointOnCompletion(t *testing.T) {
	r, st := newReviewer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := event.NewBroadcaster()
	defer bus.Close()

	task := seedTask(t, st)
	sub := seedSubtask(t, st, task.ID, store.SubtaskCompleted)

	NewPump(r, bus, logging.NopLogger()).Start(ctx)
	bus.Publish(event.ChannelSubtaskComplete, event.NewSubtaskCompleteEvent(sub.ID, task.ID, "worker-1"))

	deadline := time.After(2 * time.Second)
	for {
		list, err := r.Checkpoints(ctx, task.ID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) == 1 {
			if list[0].SubtaskID != sub.ID || list[0].Status != store.CheckpointPending {
				t.Fatalf("checkpoint = %+v", list[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("pump opened no checkpoint")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
