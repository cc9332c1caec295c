// Package node implements the fabric node: a single process that owns a
// task queue, serves the wire protocol, and behaves as either a
// coordinator or a worker.
//
// A coordinator accepts peer registrations, assigns pending tasks to
// the ready peer with the fewest running tasks (executing locally when
// no peer qualifies), evicts peers whose heartbeat goes stale, and
// reassigns their tasks. A worker dials its coordinator, heartbeats on
// a fixed interval, executes pushed assignments through the middleware
// chain, and reports results back.
package node
