// Package sched submits recurring tasks on cron schedules.
//
// A [Definition] names a schedule, a cron expression (standard
// 5-field, or descriptors like "@every 30s"), and the task it fires.
// The [Scheduler] validates expressions up front, tracks next-run
// times, and submits due tasks into the local queue on a tick loop.
// Schedules fire on the node that registered them; a fired task is an
// ordinary task and is distributed like any other.
package sched
