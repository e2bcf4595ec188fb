// Package quality implements the review layer over completed work:
// checkpoints opened at review boundaries, corrections issued against
// rejected checkpoints, and scored evaluations of completed subtasks.
package quality

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mkoster/foreman/internal/errors"
	"github.com/mkoster/foreman/internal/event"
	"github.com/mkoster/foreman/internal/logging"
	"github.com/mkoster/foreman/internal/store"
)

// Reviewer is the write API for quality records. All records are stored
// against their target task or subtask and never touch the target's
// revision counter.
type Reviewer struct {
	store store.Store
	log   *logging.Logger
}

// NewReviewer creates a Reviewer over the given store.
func NewReviewer(st store.Store, log *logging.Logger) *Reviewer {
	return &Reviewer{
		store: st,
		log:   log.WithComponent("quality"),
	}
}

// OpenCheckpoint creates a pending checkpoint on the task, optionally tied
// to the subtask that triggered it.
func (r *Reviewer) OpenCheckpoint(ctx context.Context, taskID, subtaskID, note string) (*store.Checkpoint, error) {
	if _, err := r.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	c := &store.Checkpoint{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		SubtaskID: subtaskID,
		Status:    store.CheckpointPending,
		Note:      note,
	}
	if err := r.store.CreateCheckpoint(ctx, c); err != nil {
		return nil, err
	}
	r.log.Info("checkpoint opened", "checkpoint_id", c.ID, "task_id", taskID, "subtask_id", subtaskID)
	return c, nil
}

// Approve moves a pending checkpoint to approved. Reviewing a checkpoint
// twice is an invalid transition.
func (r *Reviewer) Approve(ctx context.Context, checkpointID string) error {
	c, err := r.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if c.Status != store.CheckpointPending {
		return fmt.Errorf("%w: checkpoint %s is %s", errors.ErrInvalidTransition, checkpointID, c.Status)
	}
	if err := r.store.UpdateCheckpointStatus(ctx, checkpointID, store.CheckpointApproved); err != nil {
		return err
	}
	r.log.Info("checkpoint approved", "checkpoint_id", checkpointID, "task_id", c.TaskID)
	return nil
}

// Reject moves a pending checkpoint to rejected and records the reviewer's
// guidance as a correction against it.
func (r *Reviewer) Reject(ctx context.Context, checkpointID, guidance string) (*store.Correction, error) {
	c, err := r.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if c.Status != store.CheckpointPending {
		return nil, fmt.Errorf("%w: checkpoint %s is %s", errors.ErrInvalidTransition, checkpointID, c.Status)
	}
	if err := r.store.UpdateCheckpointStatus(ctx, checkpointID, store.CheckpointRejected); err != nil {
		return nil, err
	}

	correction := &store.Correction{
		ID:           uuid.NewString(),
		CheckpointID: checkpointID,
		TaskID:       c.TaskID,
		SubtaskID:    c.SubtaskID,
		Guidance:     guidance,
	}
	if err := r.store.CreateCorrection(ctx, correction); err != nil {
		return nil, err
	}
	r.log.Info("checkpoint rejected", "checkpoint_id", checkpointID, "correction_id", correction.ID)
	return correction, nil
}

// ApplyCorrection marks a correction as acted upon, making it terminal.
func (r *Reviewer) ApplyCorrection(ctx context.Context, correctionID string) error {
	return r.store.MarkCorrectionApplied(ctx, correctionID)
}

// RecordEvaluation stores a scored assessment of a completed subtask.
// Score must be in [0, 1].
func (r *Reviewer) RecordEvaluation(ctx context.Context, subtaskID string, score float64, verdict string) (*store.Evaluation, error) {
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: score %v out of range [0, 1]", errors.ErrInvalidTransition, score)
	}
	sub, err := r.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if sub.Status != store.SubtaskCompleted {
		return nil, fmt.Errorf("%w: subtask %s is %s, evaluations require completed", errors.ErrInvalidTransition, subtaskID, sub.Status)
	}

	e := &store.Evaluation{
		ID:        uuid.NewString(),
		SubtaskID: subtaskID,
		Score:     score,
		Verdict:   verdict,
	}
	if err := r.store.CreateEvaluation(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Checkpoints returns the task's checkpoints, oldest first.
func (r *Reviewer) Checkpoints(ctx context.Context, taskID string) ([]*store.Checkpoint, error) {
	return r.store.ListCheckpointsByTask(ctx, taskID)
}

// Corrections returns the corrections issued against the checkpoint.
func (r *Reviewer) Corrections(ctx context.Context, checkpointID string) ([]*store.Correction, error) {
	return r.store.ListCorrectionsByCheckpoint(ctx, checkpointID)
}

// Evaluations returns the subtask's evaluations, oldest first.
func (r *Reviewer) Evaluations(ctx context.Context, subtaskID string) ([]*store.Evaluation, error) {
	return r.store.ListEvaluationsBySubtask(ctx, subtaskID)
}

// Pump subscribes to subtask completions and opens a pending checkpoint
// for each one, so every completed subtask enters review without the
// scheduler knowing about the quality layer.
type Pump struct {
	reviewer *Reviewer
	bus      *event.Broadcaster
	log      *logging.Logger
}

// NewPump creates a Pump feeding the given reviewer.
func NewPump(r *Reviewer, bus *event.Broadcaster, log *logging.Logger) *Pump {
	return &Pump{
		reviewer: r,
		bus:      bus,
		log:      log.WithComponent("quality.pump"),
	}
}

// Start consumes subtask_complete events until ctx is cancelled or the
// broadcaster closes. Events dropped by the bounded subscription buffer
// simply produce no checkpoint; review coverage is best-effort.
func (p *Pump) Start(ctx context.Context) {
	ch, cancel := p.bus.Subscribe(event.ChannelSubtaskComplete)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				done, ok := e.(event.SubtaskCompleteEvent)
				if !ok {
					continue
				}
				if _, err := p.reviewer.OpenCheckpoint(ctx, done.TaskID, done.SubtaskID, "completion review"); err != nil {
					p.log.Warn("checkpoint open failed", "subtask_id", done.SubtaskID, "error", err)
				}
			}
		}
	}()
}
