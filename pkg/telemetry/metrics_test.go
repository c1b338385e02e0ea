package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"github.com/polisai/polis-flow/pkg/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})
	ResetMetricsForTest()
	return reader
}

func TestRecordNodeStep(t *testing.T) {
	reader := installReader(t)

	RecordNodeStep(context.Background(), NodeStep{
		WorkflowID: "wf-1",
		NodeID:     "node-1",
		NodeKind:   "delay",
		Outcome:    runtime.OutcomeSuccess,
		Ticks:      3,
	})

	metrics := collect(t, reader)

	steps, ok := metrics["flow.node.steps_total"]
	if !ok {
		t.Fatalf("missing flow.node.steps_total metric")
	}
	stepData, ok := steps.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for steps metric")
	}
	if len(stepData.DataPoints) != 1 || stepData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single step, got %+v", stepData.DataPoints)
	}
	if value, ok := stepData.DataPoints[0].Attributes.Value(attribute.Key("node.kind")); !ok || value.AsString() != "delay" {
		t.Fatalf("expected node.kind attribute to be delay, got %v", value)
	}

	ticks, ok := metrics["flow.node.ticks"]
	if !ok {
		t.Fatalf("missing flow.node.ticks metric")
	}
	tickData := ticks.Data.(metricdata.Histogram[int64])
	if tickData.DataPoints[0].Sum != 3 {
		t.Fatalf("expected tick sum 3, got %v", tickData.DataPoints[0].Sum)
	}
}

func TestRecordExecutionAndValidation(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordExecution(ctx, ExecutionMetrics{WorkflowID: "wf", Status: "completed", Duration: 250 * time.Millisecond, MemoryBytes: 2048})
	RecordValidation(ctx, ValidationMetrics{Kind: "security", Valid: false, Score: 50})
	RecordSecurityFinding(ctx, "code.eval", "critical")
	RecordAuditEntry(ctx, "critical")

	metrics := collect(t, reader)

	latency := metrics["flow.execution.duration_ms"].Data.(metricdata.Histogram[float64])
	if latency.DataPoints[0].Sum != 250 {
		t.Fatalf("expected latency sum 250, got %v", latency.DataPoints[0].Sum)
	}
	score := metrics["flow.validation.score"].Data.(metricdata.Histogram[int64])
	if score.DataPoints[0].Sum != 50 {
		t.Fatalf("expected score 50, got %v", score.DataPoints[0].Sum)
	}
	findings := metrics["flow.security.findings_total"].Data.(metricdata.Sum[int64])
	if value, ok := findings.DataPoints[0].Attributes.Value("security.rule"); !ok || value.AsString() != "code.eval" {
		t.Fatalf("expected security.rule code.eval, got %v", value)
	}
	if _, ok := metrics["flow.audit.entries_total"]; !ok {
		t.Fatalf("missing audit entry counter")
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "node")
	RecordSecurityEvent(span, true, "blocked", 2, 1)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 security event, got %d", len(events))
	}
	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("security.blocked")); !ok || !value.AsBool() {
		t.Fatalf("expected security.blocked attribute true")
	}
	if value, ok := attrs.Value(attribute.Key("security.findings.count")); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected findings count 2, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestRecordPolicyDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("test").Start(context.Background(), "admission")
	RecordPolicyDecision(span, policy.Decision{Action: policy.ActionBlock, Reason: "workflow has no nodes"})
	span.End()

	ended := recorder.Ended()[0]
	attrs := attribute.NewSet(ended.Attributes()...)
	if value, ok := attrs.Value("policy.decision.action"); !ok || value.AsString() != "block" {
		t.Fatalf("expected block action attribute, got %v", value)
	}
	if value, ok := attrs.Value("policy.violation_code"); !ok || value.AsString() != "workflow has no nodes" {
		t.Fatalf("expected fallback violation code, got %v", value)
	}
	if len(ended.Events()) != 1 || ended.Events()[0].Name != "policy.blocked" {
		t.Fatalf("expected policy.blocked event")
	}
}

func TestRedactAttributes(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("node.properties", "{\"code\":\"x\"}"),
		attribute.String("workflow.name", "Quarterly report"),
		attribute.String("workflow.id", "wf-1"),
		attribute.String("session.token", "abcd1234efgh5678"),
	}

	filtered := RedactAttributes(attrs, map[string]string{
		"workflow.name": "hash",
		"session.token": "mask",
	})

	if len(filtered) != 3 {
		t.Fatalf("expected 3 attributes after redaction, got %d", len(filtered))
	}
	for _, kv := range filtered {
		switch kv.Key {
		case "workflow.name":
			if got := kv.Value.AsString(); got == "Quarterly report" || got == "" {
				t.Fatalf("workflow.name not hashed: %q", got)
			}
		case "session.token":
			if got := kv.Value.AsString(); got != "abcd***5678" {
				t.Fatalf("unexpected mask %q", got)
			}
		case "workflow.id":
			if kv.Value.AsString() != "wf-1" {
				t.Fatalf("workflow.id changed")
			}
		default:
			t.Fatalf("unexpected attribute %q present after redaction", kv.Key)
		}
	}
}
