// Package service groups fabric nodes into named service clusters.
//
// A [Definition] names the service, the capabilities its members must
// advertise, and how many members it needs: MinNodes it cannot run
// without, PreferredNodes it would like. The [Manager], running next
// to a coordinator, allocates members by inviting qualifying peers
// over the service.invite RPC; a peer becomes a member only after
// acking the invite, and a failed invite rolls back cleanly.
//
// Each management cycle the manager recomputes every cluster's status
// from member health: provisioning below MinNodes, ready when all
// members are healthy, failed when none are, degraded in between. The
// same cycle tops clusters up, urgently toward MinNodes and
// opportunistically toward PreferredNodes, so a nice-to-have never
// competes with a must-have for the same peer.
package service
