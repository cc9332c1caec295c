package swarm

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Resource score weights for mesh mode. A machine's fitness to
// coordinate is mostly CPU parallelism, partly memory headroom, with a
// flat bonus when a GPU capability is registered.
const (
	cpuWeight = 2.0
	memWeight = 1.0 // per GiB
	gpuBonus  = 8.0

	// DefaultScoreThreshold is the mesh-mode score at or above which a
	// node elects itself coordinator.
	DefaultScoreThreshold = 24.0
)

// ResourceScore rates the local machine. hasGPU comes from the node's
// own capability registration; gopsutil has no portable GPU probe.
func ResourceScore(hasGPU bool) float64 {
	score := 0.0
	if cpus, err := cpu.Counts(true); err == nil {
		score += float64(cpus) * cpuWeight
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		score += float64(vm.Total) / (1 << 30) * memWeight
	}
	if hasGPU {
		score += gpuBonus
	}
	return score
}
