// Package registry tracks worker liveness for the orchestration core.
//
// A worker registers once, then heartbeats on a fixed interval. Each
// heartbeat refreshes a liveness timer scoped to exactly twice the expected
// heartbeat interval; a worker that misses the window is evicted from the
// online set. Eviction is not an error — it is the designed
// failure-detection mechanism for disconnected workers. Eviction happens
// lazily on every read of the online set and eagerly through a periodic
// sweep, so observers never see a stale online set regardless of sweep
// timing.
//
// Heartbeat handling for distinct workers never contends: each worker owns
// an independent entry with its own lock, so N heartbeat handlers proceed
// in parallel. Updates for the same worker are idempotent and
// last-write-wins by timestamp.
//
// Every status transition (online to offline and back) is published on the
// worker_update channel.
package registry
