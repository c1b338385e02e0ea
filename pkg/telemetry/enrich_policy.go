package telemetry

import (
	"sort"

	"github.com/polisai/polis-flow/pkg/policy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordPolicyDecision annotates the provided span with the admission decision outcome.
func RecordPolicyDecision(span trace.Span, decision policy.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("policy.decision.action", string(decision.Action)),
	)

	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}

	keys := make([]string, 0, len(decision.Metadata))
	for key := range decision.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if value := decision.Metadata[key]; value != "" {
			span.SetAttributes(attribute.String("policy."+key, value))
		}
	}

	if _, ok := decision.Metadata["violation_code"]; !ok && decision.Action != policy.ActionAllow {
		span.SetAttributes(attribute.String("policy.violation_code", decision.Reason))
	}

	if decision.Action == policy.ActionBlock {
		span.AddEvent("policy.blocked")
	}
}
