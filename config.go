package fabric

import "time"

// Config holds the tunable intervals and thresholds shared by the node,
// cluster, and swarm layers. The defaults mirror the protocol constants
// the fabric was designed around; deployments that need different
// staleness windows can override individual fields.
type Config struct {
	// ListenAddr is the host:port the node's control surface binds to.
	ListenAddr string

	// HeartbeatInterval is how often a node emits its NodeInfo heartbeat.
	HeartbeatInterval time.Duration

	// BroadcastInterval is how often a coordinator re-broadcasts the full
	// peer list to connected workers.
	BroadcastInterval time.Duration

	// DeadPeerThreshold is the heartbeat age after which a coordinator
	// evicts a peer and reassigns its tasks.
	DeadPeerThreshold time.Duration

	// ReconnectDelay is the fixed delay between a worker's reconnection
	// attempts to its coordinator.
	ReconnectDelay time.Duration

	// SweepInterval is how often the task queue scans running tasks for
	// timeouts.
	SweepInterval time.Duration

	// DiscoveryInterval is how often the swarm layer probes known
	// endpoints for agent cards.
	DiscoveryInterval time.Duration

	// StaleEntryThreshold is the discovery-registry age after which a
	// peer entry is pruned during topology refresh.
	StaleEntryThreshold time.Duration

	// ManageInterval is the service-cluster and auto-scale management
	// cycle period.
	ManageInterval time.Duration

	// CallTimeout bounds every peer-to-peer RPC round trip.
	CallTimeout time.Duration

	// HistoryLimit bounds the terminal-task history ring.
	HistoryLimit int
}

// DefaultConfig returns a Config with the fabric's standard thresholds.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          "127.0.0.1:7946",
		HeartbeatInterval:   10 * time.Second,
		BroadcastInterval:   30 * time.Second,
		DeadPeerThreshold:   30 * time.Second,
		ReconnectDelay:      5 * time.Second,
		SweepInterval:       1 * time.Second,
		DiscoveryInterval:   15 * time.Second,
		StaleEntryThreshold: 5 * time.Minute,
		ManageInterval:      60 * time.Second,
		CallTimeout:         10 * time.Second,
		HistoryLimit:        1000,
	}
}
