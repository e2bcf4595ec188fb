package hub

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkoster/foreman/internal/config"
	"github.com/mkoster/foreman/internal/logging"
	"github.com/mkoster/foreman/internal/plan"
	"github.com/mkoster/foreman/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "hub.db")
	cfg.Scheduler.DispatchIntervalMs = 10
	return cfg
}

func TestNewRequiresConfigAndLogger(t *testing.T) {
	if _, err := New(nil, logging.NopLogger()); err == nil {
		t.Error("nil config accepted")
	}
	if _, err := New(config.Default(), nil); err == nil {
		t.Error("nil logger accepted")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h, err := New(testConfig(t), logging.NopLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.Running() {
		t.Error("hub not running after Start")
	}
	if err := h.Start(ctx); err == nil {
		t.Error("second Start accepted")
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.Running() {
		t.Error("hub still running after Stop")
	}
	// Stop is idempotent.
	if err := h.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestEndToEndPlanExecution(t *testing.T) {
	h, err := New(testConfig(t), logging.NopLogger())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop()

	worker, err := h.Registry().Register(ctx, []string{"build-*"}, store.Resources{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	p, err := plan.Parse([]byte(`
name: two-step
tasks:
  - name: pipeline
    subtasks:
      - name: first
        capability: build-linux
      - name: second
        capability: build-arm
        depends_on: [first]
`))
	if err != nil {
		t.Fatalf("parse plan: %v", err)
	}
	applied, err := p.Apply(ctx, h.Machine(), h.Queue())
	if err != nil {
		t.Fatalf("apply plan: %v", err)
	}

	// Drive both subtasks through the worker as the dispatch loop hands
	// them out.
	for _, name := range []string{"first", "second"} {
		id := applied.SubtaskIDs[name]
		waitForStatus(t, h.Store(), id, store.SubtaskAssigned)
		if err := h.Scheduler().HandleAck(ctx, id, worker); err != nil {
			t.Fatalf("ack %s: %v", name, err)
		}
		if err := h.Scheduler().HandleCompletion(ctx, id, worker, true); err != nil {
			t.Fatalf("complete %s: %v", name, err)
		}
	}

	task, err := h.Store().GetTask(ctx, applied.TaskIDs["pipeline"])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskCompleted {
		t.Errorf("task status = %s, want completed", task.Status)
	}

	// The quality pump opened a checkpoint for each completion.
	waitFor(t, func() bool {
		checkpoints, err := h.Reviewer().Checkpoints(ctx, applied.TaskIDs["pipeline"])
		return err == nil && len(checkpoints) == 2
	}, "two checkpoints")
}

func waitForStatus(t *testing.T, st store.Store, subtaskID string, want store.SubtaskStatus) {
	t.Helper()
	waitFor(t, func() bool {
		sub, err := st.GetSubtask(context.Background(), subtaskID)
		return err == nil && sub.Status == want
	}, "subtask "+subtaskID+" to reach "+string(want))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
