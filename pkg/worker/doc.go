// Package worker provides the background worker that drives queued stepflow
// run operations.
//
// Workers lease tasks from a task queue and hand them to a RunHost, which
// owns the registered workflows. A task is one of:
//
//   - start-run: create or reuse a run and execute it
//   - resume-run: continue a suspended run from its persisted snapshot
//   - send-event: deliver an event to a run that waits on it
//
// # Leases
//
// Dequeue does not remove a task. The worker holds a lease on it for
// Config.LeaseTTL and renews the lease every Config.HeartbeatInterval while
// the task runs. If a worker dies, its lease expires and another worker picks
// the task up again. Run-level leases in storage keep two workers from
// executing the same run at once.
//
// # Retries
//
// A task whose run fails, or whose host call returns an error, is retried up
// to Config.MaxAttempts times with exponential backoff starting at
// Config.Backoff. A suspended run counts as success: it is resumed by a later
// resume-run or send-event task. Malformed tasks are dropped immediately.
//
// # Usage
//
// Most applications use stepflow.LocalRunner, which wires a Host, a queue and
// a pool of workers together. The worker package is useful for running
// workers in a separate process or on a custom queue backend.
package worker
