package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
)

// Simulated resident memory per node kind, in bytes.
const (
	inputMemory     = 4 << 10
	conditionMemory = 2 << 10
	actionMemory    = 16 << 10
	transformMemory = 8 << 10
	delayMemory     = 1 << 10
	mergeMemory     = 2 << 10
	outputMemory    = 4 << 10

	maxActionRetries = 10
)

// InputHandler emits the node's configured default value.
type InputHandler struct {
	logger *slog.Logger
}

// Step emits defaultValue on the value port.
func (h *InputHandler) Step(_ context.Context, node *domain.Node, _ *runtime.StepContext) (runtime.StepResult, error) {
	value := stringProperty(node, "defaultValue", "")
	if value == "" && boolProperty(node, "required") {
		return runtime.Failure(fmt.Sprintf("input %s requires a value", node.ID)), nil
	}
	h.logger.Debug("input node simulated", "node_id", node.ID)
	return runtime.Success(inputMemory, 1, map[string]any{"value": value}), nil
}

// ConditionHandler records the declared comparison without evaluating it. Both branches
// continue, so every downstream path is exercised by the simulation.
type ConditionHandler struct {
	logger *slog.Logger
}

// Step passes execution through.
func (h *ConditionHandler) Step(_ context.Context, node *domain.Node, sc *runtime.StepContext) (runtime.StepResult, error) {
	h.logger.Debug("condition node simulated",
		"node_id", node.ID,
		"operator", stringProperty(node, "operator", "equals"),
		"has_value", sc.Inputs["value"] != nil,
	)
	return runtime.Success(conditionMemory, 1, nil), nil
}

// ActionHandler simulates a named operation. Its memory grows with the declared payload
// size and every retry occupies an extra tick.
type ActionHandler struct {
	logger *slog.Logger
}

// Step reports the operation as its result.
func (h *ActionHandler) Step(_ context.Context, node *domain.Node, sc *runtime.StepContext) (runtime.StepResult, error) {
	payloadKB := math.Max(0, numberProperty(node, "payloadKB", 1))
	retries := int(math.Min(maxActionRetries, math.Max(0, numberProperty(node, "retries", 0))))
	operation := stringProperty(node, "operation", "log")

	memory := actionMemory + int64(payloadKB*1024)
	h.logger.Debug("action node simulated",
		"node_id", node.ID,
		"operation", operation,
		"memory_bytes", memory,
		"retries", retries,
	)
	result := map[string]any{"operation": operation}
	if payload, ok := sc.Inputs["payload"]; ok {
		result["payload"] = payload
	}
	return runtime.Success(memory, 1+retries, map[string]any{"result": result}), nil
}

// TransformHandler applies the configured string mode to its input.
type TransformHandler struct {
	logger *slog.Logger
}

// Step transforms the input value.
func (h *TransformHandler) Step(_ context.Context, node *domain.Node, sc *runtime.StepContext) (runtime.StepResult, error) {
	in := fmt.Sprint(sc.Inputs["input"])
	if sc.Inputs["input"] == nil {
		in = ""
	}
	var out string
	switch mode := stringProperty(node, "mode", "passthrough"); mode {
	case "uppercase":
		out = strings.ToUpper(in)
	case "lowercase":
		out = strings.ToLower(in)
	case "trim":
		out = strings.TrimSpace(in)
	case "passthrough":
		out = in
	default:
		return runtime.Failure(fmt.Sprintf("transform %s: unknown mode %q", node.ID, mode)), nil
	}
	h.logger.Debug("transform node simulated", "node_id", node.ID)
	return runtime.Success(transformMemory+int64(len(out)), 1, map[string]any{"output": out}), nil
}

// DelayHandler holds the branch for the configured number of ticks.
type DelayHandler struct {
	logger *slog.Logger
}

// Step occupies ticks ticks.
func (h *DelayHandler) Step(_ context.Context, node *domain.Node, _ *runtime.StepContext) (runtime.StepResult, error) {
	ticks := int(math.Max(1, numberProperty(node, "ticks", 1)))
	h.logger.Debug("delay node simulated", "node_id", node.ID, "ticks", ticks)
	return runtime.Success(delayMemory, ticks, nil), nil
}

// MergeHandler joins branches. With strategy "all" every connected branch must have fired;
// with "any" one is enough. An unsatisfied merge is skipped and does not fire downstream.
type MergeHandler struct {
	logger *slog.Logger
}

// Step checks which inputs fired.
func (h *MergeHandler) Step(_ context.Context, node *domain.Node, sc *runtime.StepContext) (runtime.StepResult, error) {
	strategy := stringProperty(node, "strategy", "all")
	satisfied := sc.Triggered()
	if strategy == "all" {
		for _, p := range node.Inputs {
			if p.Kind == domain.PortExecution && !sc.Fired[p.Label] {
				satisfied = false
			}
		}
	}
	if !satisfied {
		h.logger.Debug("merge node skipped", "node_id", node.ID, "strategy", strategy)
		return runtime.StepResult{Outcome: runtime.OutcomeSkipped, Memory: mergeMemory, Ticks: 1}, nil
	}
	return runtime.Success(mergeMemory, 1, nil), nil
}

// OutputHandler terminates a branch.
type OutputHandler struct {
	logger *slog.Logger
}

// Step logs the collected value's presence, never the value itself.
func (h *OutputHandler) Step(_ context.Context, node *domain.Node, sc *runtime.StepContext) (runtime.StepResult, error) {
	_, has := sc.Inputs["value"]
	h.logger.Debug("output node simulated",
		"node_id", node.ID,
		"format", stringProperty(node, "format", "json"),
		"has_value", has,
	)
	return runtime.Success(outputMemory, 1, nil), nil
}

func stringProperty(node *domain.Node, key, fallback string) string {
	v, ok := node.Properties[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func numberProperty(node *domain.Node, key string, fallback float64) float64 {
	switch v := node.Properties[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fallback
		}
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f
		}
	}
	return fallback
}

func boolProperty(node *domain.Node, key string) bool {
	switch v := node.Properties[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}
