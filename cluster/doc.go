// Package cluster runs a local compute cluster: one coordinator node
// plus a managed pool of in-process workers, each a full node dialing
// the coordinator over loopback.
//
// The pool is elastic. [Cluster.ScaleTo] sets the worker count
// directly; with auto-scaling enabled a monitor loop watches cluster
// load (running tasks over total capacity) each management cycle and
// grows the pool above the high-water mark or shrinks it below the
// low-water mark, preferring idle workers for removal.
//
// A cluster is Ready when its coordinator is ready and it has at least
// one worker, unless zero workers were explicitly allowed, in which
// case the coordinator executes tasks itself.
package cluster
