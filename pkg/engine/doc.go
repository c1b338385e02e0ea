// Package engine admits validated workflows and runs them as supervised, resource-metered
// simulations.
//
// Architecture:
//
// executor.go         - Engine: validation and admission, one running execution per workflow, handler registry
// task.go             - Task: tick-driven execution state machine with cancellation and limits
// handlers_builtin.go - Step handlers for the built-in node kinds
// simulator.go        - Deterministic dry runs on a virtual clock
//
// Nothing a node carries is ever interpreted as code. Handlers only report simulated memory,
// the ticks a node occupies and the values it passes downstream.
package engine
