package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/polisai/polis-flow/pkg/engine/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	nodeStepCounter         metric.Int64Counter
	nodeTickHistogram       metric.Int64Histogram
	executionCounter        metric.Int64Counter
	executionLatency        metric.Float64Histogram
	executionMemory         metric.Int64Histogram
	validationCounter       metric.Int64Counter
	validationScore         metric.Int64Histogram
	securityFindingsCounter metric.Int64Counter
	auditEntryCounter       metric.Int64Counter
)

// NodeStep captures the fields needed to record a simulated node step.
type NodeStep struct {
	WorkflowID string
	NodeID     string
	NodeKind   string
	Outcome    runtime.StepOutcome
	Ticks      int
}

// ExecutionMetrics describes a finished execution.
type ExecutionMetrics struct {
	WorkflowID  string
	Status      string
	Duration    time.Duration
	MemoryBytes int64
}

// ValidationMetrics describes one validation pass.
type ValidationMetrics struct {
	Kind  string
	Valid bool
	Score int
}

// RecordNodeStep emits counters and histograms that describe node simulation behaviour.
func RecordNodeStep(ctx context.Context, step NodeStep) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("workflow.id", step.WorkflowID),
		attribute.String("node.kind", step.NodeKind),
		attribute.String("node.outcome", string(step.Outcome)),
	)

	nodeStepCounter.Add(ctx, 1, attrs)
	if step.Ticks > 0 {
		nodeTickHistogram.Record(ctx, int64(step.Ticks), attrs)
	}
}

// RecordExecution emits the terminal status, duration and peak memory of an execution.
func RecordExecution(ctx context.Context, m ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("workflow.id", m.WorkflowID),
		attribute.String("execution.status", m.Status),
	)

	executionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		executionLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	executionMemory.Record(ctx, m.MemoryBytes, attrs)
}

// RecordValidation counts a validation pass and its resulting score.
func RecordValidation(ctx context.Context, m ValidationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("validation.kind", m.Kind),
		attribute.Bool("validation.valid", m.Valid),
	)
	validationCounter.Add(ctx, 1, attrs)
	validationScore.Record(ctx, int64(m.Score), attrs)
}

// RecordSecurityFinding counts a denylist or coercion finding by rule.
func RecordSecurityFinding(ctx context.Context, rule, severity string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	securityFindingsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("security.rule", rule),
		attribute.String("security.severity", severity),
	))
}

// RecordAuditEntry counts appended audit entries by level.
func RecordAuditEntry(ctx context.Context, level string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	auditEntryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("audit.level", level)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis-flow")

		nodeStepCounter, metricsInitErr = meter.Int64Counter(
			"flow.node.steps_total",
			metric.WithDescription("Simulated node steps partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeTickHistogram, metricsInitErr = meter.Int64Histogram(
			"flow.node.ticks",
			metric.WithDescription("Ticks a node occupied during simulation"),
			metric.WithUnit("{tick}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionCounter, metricsInitErr = meter.Int64Counter(
			"flow.execution.total",
			metric.WithDescription("Finished executions partitioned by terminal status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionLatency, metricsInitErr = meter.Float64Histogram(
			"flow.execution.duration_ms",
			metric.WithDescription("Wall-clock duration of executions"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		executionMemory, metricsInitErr = meter.Int64Histogram(
			"flow.execution.memory_bytes",
			metric.WithDescription("Simulated memory usage at the end of an execution"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		validationCounter, metricsInitErr = meter.Int64Counter(
			"flow.validation.total",
			metric.WithDescription("Validation passes partitioned by kind and result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		validationScore, metricsInitErr = meter.Int64Histogram(
			"flow.validation.score",
			metric.WithDescription("Scores produced by validation passes"),
			metric.WithUnit("{score}"),
		)
		if metricsInitErr != nil {
			return
		}

		securityFindingsCounter, metricsInitErr = meter.Int64Counter(
			"flow.security.findings_total",
			metric.WithDescription("Security findings partitioned by rule"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		auditEntryCounter, metricsInitErr = meter.Int64Counter(
			"flow.audit.entries_total",
			metric.WithDescription("Audit entries appended, by level"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordSecurityEvent attaches a coarse-grained security event to the provided span without leaking sensitive data.
func RecordSecurityEvent(span trace.Span, blocked bool, reason string, findings int, violations int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.blocked", blocked),
		attribute.Int("security.findings.count", findings),
		attribute.Int("security.violations.count", violations),
	}

	if reason != "" {
		attrs = append(attrs, attribute.String("security.block_reason", reason))
	}

	span.AddEvent("security.event", trace.WithAttributes(attrs...))
}
