package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/hook"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

// meterName is the instrumentation scope name for fabric lifecycle metrics.
const meterName = "github.com/hivemesh/fabric/observability"

// Metrics is a lifecycle hook that records fabric-wide counters and the
// submit-to-complete turnaround histogram. Hook callbacks never return
// an error, so a misconfigured MeterProvider degrades to noop
// instruments rather than disturbing the task pipeline.
//
// Instruments (all with a task_type attribute where a task is in hand):
//   - fabric.task.submitted, fabric.task.completed, fabric.task.failed,
//     fabric.task.retried, fabric.task.reassigned (Int64Counter)
//   - fabric.task.turnaround (Float64Histogram, seconds)
//   - fabric.peer.joined, fabric.peer.lost (Int64Counter, role attribute)
//   - fabric.role.changed (Int64Counter, from and to attributes)
//   - fabric.schedule.fired (Int64Counter, schedule attribute)
type Metrics struct {
	submitted  metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	retried    metric.Int64Counter
	reassigned metric.Int64Counter
	turnaround metric.Float64Histogram

	peerJoined    metric.Int64Counter
	peerLost      metric.Int64Counter
	roleChanged   metric.Int64Counter
	scheduleFired metric.Int64Counter
}

var (
	_ hook.Hook           = (*Metrics)(nil)
	_ hook.TaskSubmitted  = (*Metrics)(nil)
	_ hook.TaskCompleted  = (*Metrics)(nil)
	_ hook.TaskFailed     = (*Metrics)(nil)
	_ hook.TaskRetrying   = (*Metrics)(nil)
	_ hook.TaskReassigned = (*Metrics)(nil)
	_ hook.PeerJoined     = (*Metrics)(nil)
	_ hook.PeerLost       = (*Metrics)(nil)
	_ hook.RoleChanged    = (*Metrics)(nil)
	_ hook.ScheduleFired  = (*Metrics)(nil)
)

// NewMetrics creates the hook using the global OTel MeterProvider.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates the hook with the provided meter. This
// variant allows injecting a specific MeterProvider for testing.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	m := &Metrics{}

	// On error the OTel API returns noop instruments, so the errors
	// can be dropped and every callback stays safe to call.
	m.submitted, _ = meter.Int64Counter(
		"fabric.task.submitted",
		metric.WithDescription("Tasks accepted into the queue"),
		metric.WithUnit("{task}"),
	)
	m.completed, _ = meter.Int64Counter(
		"fabric.task.completed",
		metric.WithDescription("Tasks finished successfully"),
		metric.WithUnit("{task}"),
	)
	m.failed, _ = meter.Int64Counter(
		"fabric.task.failed",
		metric.WithDescription("Tasks failed terminally"),
		metric.WithUnit("{task}"),
	)
	m.retried, _ = meter.Int64Counter(
		"fabric.task.retried",
		metric.WithDescription("Task attempts rescheduled after a failure"),
		metric.WithUnit("{attempt}"),
	)
	m.reassigned, _ = meter.Int64Counter(
		"fabric.task.reassigned",
		metric.WithDescription("Running tasks reset to pending after losing their node"),
		metric.WithUnit("{task}"),
	)
	m.turnaround, _ = meter.Float64Histogram(
		"fabric.task.turnaround",
		metric.WithDescription("Submit-to-complete time in seconds"),
		metric.WithUnit("s"),
	)
	m.peerJoined, _ = meter.Int64Counter(
		"fabric.peer.joined",
		metric.WithDescription("Peer connections established"),
		metric.WithUnit("{peer}"),
	)
	m.peerLost, _ = meter.Int64Counter(
		"fabric.peer.lost",
		metric.WithDescription("Peers evicted for missed heartbeats"),
		metric.WithUnit("{peer}"),
	)
	m.roleChanged, _ = meter.Int64Counter(
		"fabric.role.changed",
		metric.WithDescription("Local role transitions"),
		metric.WithUnit("{change}"),
	)
	m.scheduleFired, _ = meter.Int64Counter(
		"fabric.schedule.fired",
		metric.WithDescription("Recurring schedules that fired and submitted a task"),
		metric.WithUnit("{fire}"),
	)
	return m
}

// Name implements hook.Hook.
func (m *Metrics) Name() string { return "observability-metrics" }

func taskAttrs(t *task.Task) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("task_type", t.Type))
}

// OnTaskSubmitted implements hook.TaskSubmitted.
func (m *Metrics) OnTaskSubmitted(ctx context.Context, t *task.Task) error {
	m.submitted.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskCompleted implements hook.TaskCompleted.
func (m *Metrics) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
	attrs := taskAttrs(t)
	m.completed.Add(ctx, 1, attrs)
	m.turnaround.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnTaskFailed implements hook.TaskFailed.
func (m *Metrics) OnTaskFailed(ctx context.Context, t *task.Task, _ error) error {
	m.failed.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskRetrying implements hook.TaskRetrying.
func (m *Metrics) OnTaskRetrying(ctx context.Context, t *task.Task, _ int) error {
	m.retried.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskReassigned implements hook.TaskReassigned.
func (m *Metrics) OnTaskReassigned(ctx context.Context, t *task.Task, _ id.NodeID) error {
	m.reassigned.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnPeerJoined implements hook.PeerJoined.
func (m *Metrics) OnPeerJoined(ctx context.Context, peer *fabric.NodeInfo) error {
	m.peerJoined.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(peer.Role))))
	return nil
}

// OnPeerLost implements hook.PeerLost.
func (m *Metrics) OnPeerLost(ctx context.Context, peer *fabric.NodeInfo) error {
	m.peerLost.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(peer.Role))))
	return nil
}

// OnRoleChanged implements hook.RoleChanged.
func (m *Metrics) OnRoleChanged(ctx context.Context, from, to fabric.Role) error {
	m.roleChanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	return nil
}

// OnScheduleFired implements hook.ScheduleFired.
func (m *Metrics) OnScheduleFired(ctx context.Context, scheduleName string, _ id.TaskID) error {
	m.scheduleFired.Add(ctx, 1, metric.WithAttributes(attribute.String("schedule", scheduleName)))
	return nil
}
