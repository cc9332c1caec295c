// Package hook defines the lifecycle hook system for fabric.
// Hooks are notified of lifecycle events (task dispatched, peer lost,
// role changed, etc.) and can react to them with logging, metrics,
// auditing, custom alerting.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about. Hook errors are logged and swallowed;
// they never block the node's control loops.
//
// Register hooks before starting the node:
//
//	hooks := hook.NewRegistry(logger)
//	hooks.Register(&myAuditHook{})
//
//	n, err := node.New(cfg, node.WithHooks(hooks))
package hook
