// Package observe provides the observability primitives shared by every
// voxscribe component: OpenTelemetry metrics, tracing, trace-aware logging
// and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format by [InitProvider]. A package-level [Metrics] instance
// ([DefaultMetrics]) serves production code; tests should build their own
// with [NewMetrics] and a [metric.MeterProvider] backed by a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxscribe/pkg/types"
)

// meterName is the instrumentation scope name used for all voxscribe metrics.
const meterName = "github.com/MrWong99/voxscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Worker tasks ---

	// TaskDuration tracks the wall time of instance tasks. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	TaskDuration metric.Float64Histogram

	// Tasks counts finished instance tasks by op and status.
	Tasks metric.Int64Counter

	// Failures counts failure notifications by op and error kind.
	Failures metric.Int64Counter

	// --- Output ---

	// Events counts published messages by kind ("transcript", "failure") and
	// whether a subscriber received them.
	Events metric.Int64Counter

	// TranscriptBlocks counts blocks written to transcript files.
	TranscriptBlocks metric.Int64Counter

	// --- Gauges ---

	// ActiveInstances tracks the number of registered instances.
	ActiveInstances metric.Int64UpDownCounter

	// ActiveWorkers tracks the number of running worker goroutines across all
	// generations of all instances.
	ActiveWorkers metric.Int64UpDownCounter

	// ControlConnections tracks open control connections.
	ControlConnections metric.Int64UpDownCounter

	// --- Control surface ---

	// ControlMessages counts inbound control messages by method and status.
	ControlMessages metric.Int64Counter

	// ControlDropped counts outbound messages dropped because a connection
	// could not keep up.
	ControlDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Feeding a
// whole file is a single task, so the upper buckets reach into minutes.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TaskDuration, err = m.Float64Histogram("voxscribe.task.duration",
		metric.WithDescription("Wall time of instance worker tasks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Tasks, err = m.Int64Counter("voxscribe.tasks",
		metric.WithDescription("Total instance tasks by op and status."),
	); err != nil {
		return nil, err
	}
	if met.Failures, err = m.Int64Counter("voxscribe.failures",
		metric.WithDescription("Total task failures by op and error kind."),
	); err != nil {
		return nil, err
	}
	if met.Events, err = m.Int64Counter("voxscribe.events",
		metric.WithDescription("Total published events by kind and delivery."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptBlocks, err = m.Int64Counter("voxscribe.transcript.blocks",
		metric.WithDescription("Total result blocks written to transcript files."),
	); err != nil {
		return nil, err
	}

	if met.ActiveInstances, err = m.Int64UpDownCounter("voxscribe.active_instances",
		metric.WithDescription("Number of registered instances."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWorkers, err = m.Int64UpDownCounter("voxscribe.active_workers",
		metric.WithDescription("Number of running instance workers."),
	); err != nil {
		return nil, err
	}
	if met.ControlConnections, err = m.Int64UpDownCounter("voxscribe.control.connections",
		metric.WithDescription("Number of open control connections."),
	); err != nil {
		return nil, err
	}

	if met.ControlMessages, err = m.Int64Counter("voxscribe.control.messages",
		metric.WithDescription("Total control messages by method and status."),
	); err != nil {
		return nil, err
	}
	if met.ControlDropped, err = m.Int64Counter("voxscribe.control.dropped",
		metric.WithDescription("Total outbound control messages dropped for slow connections."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTask records one finished worker task.
func (m *Metrics) RecordTask(ctx context.Context, op, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("op", op), Attr("status", status))
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
	m.Tasks.Add(ctx, 1, attrs)
}

// RecordFailure records one failure notification.
func (m *Metrics) RecordFailure(ctx context.Context, op string, kind types.ErrorKind) {
	m.Failures.Add(ctx, 1, metric.WithAttributes(Attr("op", op), Attr("kind", string(kind))))
}

// RecordEvent records one published message.
func (m *Metrics) RecordEvent(ctx context.Context, kind string, delivered bool) {
	m.Events.Add(ctx, 1, metric.WithAttributes(
		Attr("kind", kind),
		attribute.Bool("delivered", delivered),
	))
}

// RecordBlock records one transcript block.
func (m *Metrics) RecordBlock(ctx context.Context) {
	m.TranscriptBlocks.Add(ctx, 1)
}

// RecordControlMessage records one inbound control message.
func (m *Metrics) RecordControlMessage(ctx context.Context, method, status string) {
	m.ControlMessages.Add(ctx, 1, metric.WithAttributes(Attr("method", method), Attr("status", status)))
}
