// Package swarm turns a bare process into a self-organizing fabric
// node: it decides the node's role at startup, keeps probing the
// network for agent cards, and registers with the best coordinator it
// can find.
//
// Role election runs once, at startup, in the configured mode:
//
//   - bootstrap: become the coordinator unconditionally.
//   - passive: always a worker; wait for a coordinator to appear.
//   - active: probe the seed endpoints; join the highest-priority
//     coordinator found, or, in adaptive mode, become the coordinator
//     when none answers.
//   - mesh: score the machine's resources (CPU count, memory, GPU)
//     and become the coordinator when the score clears the threshold.
//
// A worker that loses its coordinator and finds no replacement
// self-promotes when its mode permits (active+adaptive or mesh).
package swarm
