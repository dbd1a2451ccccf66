package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "tessera-api"
	mutationSpanName    = "tessera.mutation"
	mutationEventName   = "mutation.request"
	mutationEventDomain = "tessera.write"
)

// mutationMetrics collects per-request timings for one mutating call and
// emits them as an OTel span plus a structured observability log record.
type mutationMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	route         string
	guardDuration time.Duration
	opDuration    time.Duration
	guardOutcome  string
	errorStage    string
}

func newMutationMetrics(ctx context.Context, logger *log.Logger, route string) (*mutationMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, mutationSpanName)
	return &mutationMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		route:  route,
	}, spanCtx
}

func (m *mutationMetrics) ObserveGuard(d time.Duration) {
	if d > 0 {
		m.guardDuration = d
	}
}

func (m *mutationMetrics) ObserveOp(d time.Duration) {
	if d > 0 {
		m.opDuration = d
	}
}

func (m *mutationMetrics) SetGuardOutcome(outcome string) {
	m.guardOutcome = outcome
}

func (m *mutationMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *mutationMetrics) Log(status int) {
	if m == nil || m.logger == nil {
		return
	}
	totalMs := durationToMillis(time.Since(m.start))

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("tessera.mutation.total_ms", totalMs),
	}
	fields := log.Fields{
		"http.route":                m.route,
		"http.status_code":          status,
		"tessera.mutation.total_ms": totalMs,
	}
	if m.guardDuration > 0 {
		attrs = append(attrs, attribute.Float64("tessera.mutation.guard_ms", durationToMillis(m.guardDuration)))
		fields["tessera.mutation.guard_ms"] = durationToMillis(m.guardDuration)
	}
	if m.opDuration > 0 {
		attrs = append(attrs, attribute.Float64("tessera.mutation.op_ms", durationToMillis(m.opDuration)))
		fields["tessera.mutation.op_ms"] = durationToMillis(m.opDuration)
	}
	if m.guardOutcome != "" {
		attrs = append(attrs, attribute.String("tessera.mutation.guard_outcome", m.guardOutcome))
		fields["tessera.mutation.guard_outcome"] = m.guardOutcome
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("tessera.mutation.error_stage", m.errorStage))
		fields["tessera.mutation.error_stage"] = m.errorStage
	}

	m.span.SetAttributes(attrs...)
	if status >= 500 {
		m.span.SetStatus(codes.Error, m.errorStage)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.AddEvent(mutationEventName)
	m.span.End()

	fields["event.name"] = mutationEventName
	fields["event.domain"] = mutationEventDomain
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
