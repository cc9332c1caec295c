package swarm

import (
	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/discovery"
)

// Mode selects the role-election behavior.
type Mode string

const (
	// ModeBootstrap makes the node the coordinator unconditionally.
	ModeBootstrap Mode = "bootstrap"
	// ModePassive makes the node a worker that never self-promotes.
	ModePassive Mode = "passive"
	// ModeActive probes for coordinators and joins the best one; with
	// the adaptive flag set it becomes the coordinator when none is
	// found.
	ModeActive Mode = "active"
	// ModeMesh decides by machine resource score.
	ModeMesh Mode = "mesh"
)

// CoordinatorTag marks a capability on an agent card as belonging to a
// coordinator. Swarm coordinators publish it; election looks for it.
const CoordinatorTag = "coordinator"

// tagWeights price the capability tags that make a coordinator more
// attractive to join. Unknown tags count nothing.
var tagWeights = map[string]int{
	CoordinatorTag: 10,
	"gpu":          4,
	"advanced":     2,
}

// CardPriority scores a coordinator's card: the weighted sum of its
// capability tags plus one point per capability. Higher is better.
func CardPriority(card discovery.AgentCard) int {
	score := 0
	for _, cap := range card.Capabilities {
		score++
		for _, tag := range cap.Tags {
			score += tagWeights[tag]
		}
	}
	return score
}

// coordinators filters discovered entries down to the ones advertising
// the coordinator tag.
func coordinators(entries []*discovery.Entry) []*discovery.Entry {
	var out []*discovery.Entry
	for _, e := range entries {
		if e.Card.HasTag(CoordinatorTag) {
			out = append(out, e)
		}
	}
	return out
}

// bestCoordinator returns the highest-priority coordinator entry, nil
// when none qualifies. Ties break on the lower RPC endpoint so two
// nodes ranking the same set agree on the winner.
func bestCoordinator(entries []*discovery.Entry) *discovery.Entry {
	var best *discovery.Entry
	bestScore := -1
	for _, e := range coordinators(entries) {
		score := CardPriority(e.Card)
		if score > bestScore || (score == bestScore && e.Card.Endpoints.RPC < best.Card.Endpoints.RPC) {
			best = e
			bestScore = score
		}
	}
	return best
}

// elect picks the role for this node. entries is the current discovery
// census; score is the machine's resource score (mesh mode only).
// Returns the role and, for workers, the coordinator to join (nil when
// none is known yet).
func elect(mode Mode, adaptive bool, entries []*discovery.Entry, score, threshold float64) (fabric.Role, *discovery.Entry) {
	switch mode {
	case ModeBootstrap:
		return fabric.RoleCoordinator, nil

	case ModePassive:
		return fabric.RoleWorker, bestCoordinator(entries)

	case ModeMesh:
		if score >= threshold {
			return fabric.RoleCoordinator, nil
		}
		return fabric.RoleWorker, bestCoordinator(entries)

	default: // ModeActive
		if best := bestCoordinator(entries); best != nil {
			return fabric.RoleWorker, best
		}
		if adaptive {
			return fabric.RoleCoordinator, nil
		}
		return fabric.RoleWorker, nil
	}
}

// canSelfPromote reports whether a worker in this mode may become the
// coordinator after losing its own.
func canSelfPromote(mode Mode, adaptive bool) bool {
	switch mode {
	case ModeActive:
		return adaptive
	case ModeMesh:
		return true
	default:
		return false
	}
}
