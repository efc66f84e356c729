package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxscribe/pkg/types"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumFor returns the value of the data point of the named counter whose
// attribute key equals value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.Emit() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestRecordTask(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTask(ctx, "feed_file", "ok", 120*time.Millisecond)
	m.RecordTask(ctx, "feed_file", "ok", 2*time.Second)
	m.RecordTask(ctx, "feed_file", "cancelled", time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "voxscribe.task.duration")
	if met == nil {
		t.Fatal("voxscribe.task.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("task duration is not a histogram")
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("sample count = %d, want 3", count)
	}
	if got := sumFor(t, rm, "voxscribe.tasks", "status", "ok"); got != 2 {
		t.Errorf("ok tasks = %d, want 2", got)
	}
	if got := sumFor(t, rm, "voxscribe.tasks", "status", "cancelled"); got != 1 {
		t.Errorf("cancelled tasks = %d, want 1", got)
	}
}

func TestRecordFailure(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFailure(ctx, "open_model", types.KindResource)
	m.RecordFailure(ctx, "feed_file", types.KindFileSystem)
	m.RecordFailure(ctx, "feed_file", types.KindFileSystem)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxscribe.failures", "kind", "file_system"); got != 2 {
		t.Errorf("file_system failures = %d, want 2", got)
	}
	if got := sumFor(t, rm, "voxscribe.failures", "kind", "resource"); got != 1 {
		t.Errorf("resource failures = %d, want 1", got)
	}
}

func TestRecordEvent(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEvent(ctx, "transcript", true)
	m.RecordEvent(ctx, "transcript", false)
	m.RecordEvent(ctx, "transcript", false)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "voxscribe.events", "delivered", "false"); got != 2 {
		t.Errorf("dropped events = %d, want 2", got)
	}
}

func TestLifecycleInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// Two instances created, one of which got and released a worker; a
	// control client connected and had four events dropped.
	m.ActiveInstances.Add(ctx, 2)
	m.ActiveWorkers.Add(ctx, 1)
	m.ActiveWorkers.Add(ctx, -1)
	m.ControlConnections.Add(ctx, 1)
	m.ControlDropped.Add(ctx, 4)
	m.RecordBlock(ctx)
	m.RecordBlock(ctx)
	m.RecordControlMessage(ctx, "feedBuffer", "ok")

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"voxscribe.active_instances":    2,
		"voxscribe.active_workers":      0,
		"voxscribe.control.connections": 1,
		"voxscribe.control.dropped":     4,
		"voxscribe.transcript.blocks":   2,
		"voxscribe.control.messages":    1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Errorf("%s not recorded", name)
			continue
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) != 1 {
			t.Errorf("%s: unexpected data %T", name, met.Data)
			continue
		}
		if got := sum.DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
