// Package discovery finds fabric nodes on the network and keeps a
// view of who is out there.
//
// Every node serves an [AgentCard] at /.well-known/agent.json: an
// immutable self-description carrying its name, version, capabilities,
// and protocol endpoints. The [Prober] fetches cards from candidate
// base URLs; the [Registry] holds discovered peers and prunes entries
// whose card has not been re-confirmed within the staleness window.
//
// [BuildTopology] projects the registry plus a coordinator's peer
// roster into a [Topology]: a derived, never authoritative picture of
// coordinators, workers, and the edges between them, rebuilt on every
// refresh.
package discovery
