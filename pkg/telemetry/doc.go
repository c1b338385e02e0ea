// Package telemetry wires OpenTelemetry exporters and meters for the workflow
// engine.
//
// It centralises trace provider setup, owns the metric instruments recorded
// for validations, executions and node steps, and offers helpers that attach
// security and policy metadata to spans without leaking property values.
package telemetry
