// Package fabric provides a self-organizing compute fabric for Go.
// Independent processes discover one another over the network, elect
// coordinator/worker roles without central configuration, form clusters
// around named services, and distribute typed units of work with retry,
// timeout, and failover.
//
// Fabric is designed as a library, not a service. Import it, register
// task handlers as ordinary Go functions, and start a node:
//
//	n, err := swarm.New(
//	    swarm.WithMode(swarm.ModeAdaptive),
//	    swarm.WithDiscoveryEndpoints("http://10.0.0.5:7946"),
//	)
//
// # Architecture
//
// Each subsystem lives in its own package: task (queue + handler
// registry), node (coordinator/worker state machine), cluster (local
// scaling), swarm (role election + discovery), service (named service
// clusters), wire (the frame protocol), history (terminal-task audit).
// The root package holds the shared entity scaffolding, configuration,
// sentinel errors, and the NodeInfo model that every layer exchanges.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers that stay stable for the lifetime of a process.
//
// Consistency is eventual: heartbeats and peer-list
// broadcasts are best-effort, and registries converge rather than
// linearize. Task assignment guarantees at most one concurrent
// assignee per attempt; exactly-once execution is not promised.
package fabric
