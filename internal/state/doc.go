// Package state implements the task/subtask state machine over the
// authoritative store.
//
// Tasks move pending -> in_progress -> {completed, failed}. A task's
// terminal status is derived from its subtasks, never imposed: marking a
// task failed does not cancel in-flight subtasks, and the task settles only
// once every subtask is terminal. Subtasks move
// pending -> assigned -> running -> {completed, failed}, with failed
// optionally retried back to pending by an external retry policy.
//
// Every mutation uses optimistic concurrency control: the caller supplies
// the revision it last observed, and the write succeeds only if the stored
// revision still matches. Conflict is an expected steady-state outcome
// under contention, to be handled with bounded retry at the call site.
//
// The dependency gate is evaluated at assignment time, not creation time: a
// subtask leaves pending for assigned only when every dependency subtask is
// completed. Completion transitions push newly eligible subtask ids to the
// configured ready hook, which feeds the work queue without polling.
package state
