package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/observability"
	"github.com/hivemesh/fabric/task"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) (int64, attribute.Set) {
	t.Helper()
	metric := findMetric(rm, name)
	if metric == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64] data type", name)
	}
	if len(sum.DataPoints) == 0 {
		t.Fatalf("%s: no data points recorded", name)
	}
	return sum.DataPoints[0].Value, sum.DataPoints[0].Attributes
}

func newTestTask() *task.Task {
	return &task.Task{
		ID:   id.NewTaskID(),
		Type: "image.resize",
	}
}

func TestMetricsName(t *testing.T) {
	m := observability.NewMetrics()
	if m.Name() != "observability-metrics" {
		t.Errorf("Name = %q, want observability-metrics", m.Name())
	}
}

func TestMetricsTaskLifecycleCounters(t *testing.T) {
	reader, mp := setupTestMeter()
	m := observability.NewMetricsWithMeter(mp.Meter("test"))
	ctx := context.Background()
	tsk := newTestTask()

	if err := m.OnTaskSubmitted(ctx, tsk); err != nil {
		t.Fatalf("OnTaskSubmitted: %v", err)
	}
	if err := m.OnTaskRetrying(ctx, tsk, 1); err != nil {
		t.Fatalf("OnTaskRetrying: %v", err)
	}
	if err := m.OnTaskFailed(ctx, tsk, errors.New("boom")); err != nil {
		t.Fatalf("OnTaskFailed: %v", err)
	}
	if err := m.OnTaskReassigned(ctx, tsk, id.NewNodeID()); err != nil {
		t.Fatalf("OnTaskReassigned: %v", err)
	}

	rm := collectMetrics(t, reader)
	for _, name := range []string{
		"fabric.task.submitted",
		"fabric.task.retried",
		"fabric.task.failed",
		"fabric.task.reassigned",
	} {
		value, attrs := counterValue(t, rm, name)
		if value != 1 {
			t.Errorf("%s = %d, want 1", name, value)
		}
		if got, _ := attrs.Value("task_type"); got.AsString() != "image.resize" {
			t.Errorf("%s task_type = %q, want image.resize", name, got.AsString())
		}
	}
}

func TestMetricsCompletionRecordsTurnaround(t *testing.T) {
	reader, mp := setupTestMeter()
	m := observability.NewMetricsWithMeter(mp.Meter("test"))

	if err := m.OnTaskCompleted(context.Background(), newTestTask(), 250*time.Millisecond); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}

	rm := collectMetrics(t, reader)
	if value, _ := counterValue(t, rm, "fabric.task.completed"); value != 1 {
		t.Errorf("fabric.task.completed = %d, want 1", value)
	}

	metric := findMetric(rm, "fabric.task.turnaround")
	if metric == nil {
		t.Fatal("fabric.task.turnaround metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points recorded for turnaround")
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("turnaround count = %d, want 1", hist.DataPoints[0].Count)
	}
	if hist.DataPoints[0].Sum < 0.2 || hist.DataPoints[0].Sum > 0.3 {
		t.Errorf("turnaround sum = %f, want about 0.25", hist.DataPoints[0].Sum)
	}
}

func TestMetricsMembershipCounters(t *testing.T) {
	reader, mp := setupTestMeter()
	m := observability.NewMetricsWithMeter(mp.Meter("test"))
	ctx := context.Background()
	peer := &fabric.NodeInfo{ID: id.NewNodeID(), Role: fabric.RoleWorker}

	if err := m.OnPeerJoined(ctx, peer); err != nil {
		t.Fatalf("OnPeerJoined: %v", err)
	}
	if err := m.OnPeerLost(ctx, peer); err != nil {
		t.Fatalf("OnPeerLost: %v", err)
	}
	if err := m.OnRoleChanged(ctx, fabric.RoleWorker, fabric.RoleCoordinator); err != nil {
		t.Fatalf("OnRoleChanged: %v", err)
	}

	rm := collectMetrics(t, reader)

	value, attrs := counterValue(t, rm, "fabric.peer.joined")
	if value != 1 {
		t.Errorf("fabric.peer.joined = %d, want 1", value)
	}
	if got, _ := attrs.Value("role"); got.AsString() != "worker" {
		t.Errorf("peer.joined role = %q, want worker", got.AsString())
	}

	if value, _ = counterValue(t, rm, "fabric.peer.lost"); value != 1 {
		t.Errorf("fabric.peer.lost = %d, want 1", value)
	}

	value, attrs = counterValue(t, rm, "fabric.role.changed")
	if value != 1 {
		t.Errorf("fabric.role.changed = %d, want 1", value)
	}
	if got, _ := attrs.Value("to"); got.AsString() != "coordinator" {
		t.Errorf("role.changed to = %q, want coordinator", got.AsString())
	}
}

func TestMetricsScheduleFired(t *testing.T) {
	reader, mp := setupTestMeter()
	m := observability.NewMetricsWithMeter(mp.Meter("test"))

	if err := m.OnScheduleFired(context.Background(), "nightly-sweep", id.NewTaskID()); err != nil {
		t.Fatalf("OnScheduleFired: %v", err)
	}

	rm := collectMetrics(t, reader)
	value, attrs := counterValue(t, rm, "fabric.schedule.fired")
	if value != 1 {
		t.Errorf("fabric.schedule.fired = %d, want 1", value)
	}
	if got, _ := attrs.Value("schedule"); got.AsString() != "nightly-sweep" {
		t.Errorf("schedule attribute = %q, want nightly-sweep", got.AsString())
	}
}

func TestMetricsDefaultNoopSafe(t *testing.T) {
	// Without a global provider every callback should be a safe noop.
	m := observability.NewMetrics()
	ctx := context.Background()

	if err := m.OnTaskSubmitted(ctx, newTestTask()); err != nil {
		t.Errorf("OnTaskSubmitted: %v", err)
	}
	if err := m.OnTaskCompleted(ctx, newTestTask(), time.Millisecond); err != nil {
		t.Errorf("OnTaskCompleted: %v", err)
	}
}
