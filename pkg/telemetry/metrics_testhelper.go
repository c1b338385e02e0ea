package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	nodeStepCounter = nil
	nodeTickHistogram = nil
	executionCounter = nil
	executionLatency = nil
	executionMemory = nil
	validationCounter = nil
	validationScore = nil
	securityFindingsCounter = nil
	auditEntryCounter = nil
}
