// Package history keeps an audit trail of terminal tasks.
//
// The task queue evicts terminal tasks from its bounded ring; a
// [Recorder] attached via task.WithRecorder snapshots each one into a
// [Store] before it can be evicted. [Memory] is the default bounded
// in-process store; the redis subpackage persists entries across
// restarts. [Replayer] re-submits a failed, timed-out, or cancelled
// entry as a fresh task with reset attempts.
package history
