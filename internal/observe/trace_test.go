package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_NestsTaskUnderDispatch(t *testing.T) {
	exp := useTracer(t)

	ctx, dispatch := StartSpan(context.Background(), "registry.dispatch feedFile")
	_, task := StartSpan(ctx, "instance.feed_file")
	task.End()
	dispatch.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Name != "instance.feed_file" || parent.Name != "registry.dispatch feedFile" {
		t.Fatalf("span names = %q, %q", child.Name, parent.Name)
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("task span is not a child of the dispatch span")
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("task and dispatch spans are in different traces")
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	useTracer(t)
	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "control.listen")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 hex digits", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestWith(t *testing.T) {
	useTracer(t)
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	if got := With(base, context.Background()); got != base {
		t.Error("With without a span should return the logger unchanged")
	}

	ctx, span := StartSpan(context.Background(), "instance.open_model")
	defer span.End()
	With(base, ctx).Info("task failed", "instance", 7)

	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id=", "instance=7"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output missing %s, got: %s", want, buf.String())
		}
	}
}
