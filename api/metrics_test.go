package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func TestMutationMetricsEmitsSpanAndLog(t *testing.T) {
	recorder := setupSpanRecorder(t)
	logger, hook := logrustest.NewNullLogger()

	metrics, _ := newMutationMetrics(context.Background(), logger, "/api/tasks")
	metrics.ObserveGuard(3 * time.Millisecond)
	metrics.ObserveOp(7 * time.Millisecond)
	metrics.SetGuardOutcome("claimed")
	metrics.Log(http.StatusCreated)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one ended span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != mutationSpanName {
		t.Fatalf("unexpected span name %q", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Fatalf("2xx must set span status Ok, got %v", span.Status().Code)
	}

	attrs := map[string]any{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["http.route"] != "/api/tasks" {
		t.Fatalf("missing http.route attribute: %v", attrs)
	}
	if attrs["http.status_code"] != int64(http.StatusCreated) {
		t.Fatalf("missing http.status_code attribute: %v", attrs)
	}
	if attrs["tessera.mutation.guard_outcome"] != "claimed" {
		t.Fatalf("missing guard outcome attribute: %v", attrs)
	}
	if _, ok := attrs["tessera.mutation.guard_ms"]; !ok {
		t.Fatalf("missing guard duration attribute: %v", attrs)
	}
	if _, ok := attrs["tessera.mutation.op_ms"]; !ok {
		t.Fatalf("missing op duration attribute: %v", attrs)
	}

	if len(hook.Entries) != 1 {
		t.Fatalf("expected one log record, got %d", len(hook.Entries))
	}
	entry := hook.LastEntry()
	if entry.Message != "observability.event" {
		t.Fatalf("unexpected log message %q", entry.Message)
	}
	if entry.Data["event.name"] != mutationEventName || entry.Data["event.domain"] != mutationEventDomain {
		t.Fatalf("log record missing event identity: %v", entry.Data)
	}
	if _, ok := entry.Data["trace_id"]; !ok {
		t.Fatalf("log record missing trace_id: %v", entry.Data)
	}
}

func TestMutationMetricsErrorStatus(t *testing.T) {
	recorder := setupSpanRecorder(t)
	logger, _ := logrustest.NewNullLogger()

	metrics, _ := newMutationMetrics(context.Background(), logger, "/api/tasks")
	metrics.SetErrorStage("idempotency_begin")
	metrics.Log(http.StatusInternalServerError)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one ended span, got %d", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Fatalf("5xx must set span status Error, got %v", status.Code)
	}
	if status.Description != "idempotency_begin" {
		t.Fatalf("error stage must flow into the span status, got %q", status.Description)
	}
}
