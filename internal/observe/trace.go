package observe

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/hearken"

// Tracer returns the Hearken tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type runKey struct{}

// WithRun tags ctx with a listening run ID picked up by [Logger].
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunID returns the run ID stored by [WithRun], or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

// Logger returns the default logger with trace_id, span_id and run attached
// when ctx carries them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := RunID(ctx); id != "" {
		l = l.With(slog.String("run", id))
	}
	return l
}

// RunTracer keeps one span open for the listening run in progress, so a run
// shows up as a single trace from wake to end. Safe for concurrent use.
type RunTracer struct {
	mu   sync.Mutex
	id   string
	ctx  context.Context
	span trace.Span
}

// Start opens the span of run id. A run still open is ended as "superseded".
func (t *RunTracer) Start(id, trigger, wakeWord string) context.Context {
	ctx, span := StartSpan(WithRun(context.Background(), id), "wakeword.run",
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("run.trigger", trigger),
			attribute.String("wakeword.word", wakeWord),
		),
	)

	t.mu.Lock()
	prev := t.span
	t.id, t.ctx, t.span = id, ctx, span
	t.mu.Unlock()

	if prev != nil {
		prev.SetAttributes(attribute.String("run.end_reason", "superseded"))
		prev.End()
	}
	return ctx
}

// End closes the span of run id with reason. Ending a run that is not the
// current one is a no-op.
func (t *RunTracer) End(id, reason string) {
	t.mu.Lock()
	if t.span == nil || t.id != id {
		t.mu.Unlock()
		return
	}
	span := t.span
	t.id, t.ctx, t.span = "", nil, nil
	t.mu.Unlock()

	span.SetAttributes(attribute.String("run.end_reason", reason))
	span.End()
}

// Context returns the context of the open run, or [context.Background].
func (t *RunTracer) Context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}
