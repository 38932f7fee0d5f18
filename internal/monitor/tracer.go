package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "strategy-sandbox"

// Tracer wraps OpenTelemetry tracing for the job pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a span named "strategy.<name>" and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "strategy."+name, trace.WithAttributes(attrs...))
}

// Stage is one timed step of the job pipeline. It is reported both as a
// span and as a pipeline_stage_duration_seconds sample.
type Stage struct {
	name    string
	start   time.Time
	span    trace.Span
	metrics *Metrics
}

// StartStage opens a span for the named stage. m may be nil.
func (t *Tracer) StartStage(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (context.Context, *Stage) {
	ctx, span := t.StartSpan(ctx, name, attrs...)
	return ctx, &Stage{name: name, start: time.Now(), span: span, metrics: m}
}

// SetAttributes annotates the stage span.
func (s *Stage) SetAttributes(attrs ...attribute.KeyValue) {
	s.span.SetAttributes(attrs...)
}

// End records err, if any, closes the span and observes the elapsed time.
func (s *Stage) End(err error) time.Duration {
	elapsed := time.Since(s.start)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
	if s.metrics != nil {
		s.metrics.RecordStage(s.name, elapsed)
	}
	return elapsed
}

// Common attribute keys for pipeline tracing.
var (
	AttrJobID       = attribute.Key("strategy.job.id")
	AttrExecID      = attribute.Key("strategy.execution.id")
	AttrLanguage    = attribute.Key("strategy.language")
	AttrCodeHash    = attribute.Key("strategy.code_hash")
	AttrBackend     = attribute.Key("strategy.backend")
	AttrFailureKind = attribute.Key("strategy.failure_kind")
	AttrTrades      = attribute.Key("strategy.trades")
)
