package engine

import (
	"context"
	"testing"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine/runtime"
)

type stubHandler struct{}

func (s *stubHandler) Step(context.Context, *domain.Node, *runtime.StepContext) (runtime.StepResult, error) {
	return runtime.Success(0, 1, nil), nil
}

func TestHandlerRegistryResolveAliases(t *testing.T) {
	registry := newHandlerRegistry()
	condition := &stubHandler{}
	output := &stubHandler{}

	registry.register("condition", "v1", condition, "decision.condition")
	registry.register("output", "v1", output, "terminal.output")

	handler, meta, ok := registry.resolve("decision.condition")
	if !ok {
		t.Fatalf("expected decision.condition alias to resolve")
	}
	if handler != condition {
		t.Fatalf("resolved handler mismatch for decision.condition")
	}
	if meta.Canonical != "condition@v1" {
		t.Fatalf("expected canonical key condition@v1, got %s", meta.Canonical)
	}

	handler, meta, ok = registry.resolve("output")
	if !ok {
		t.Fatalf("expected bare kind to resolve")
	}
	if handler != output {
		t.Fatalf("resolved handler mismatch for output")
	}
	if meta.Version != "v1" {
		t.Fatalf("expected version v1, got %s", meta.Version)
	}

	if _, _, ok := registry.resolve("output@v9"); ok {
		t.Fatalf("expected unknown version to stay unresolved")
	}
}

func TestHandlerRegistryOverrideWinsOverAlias(t *testing.T) {
	registry := newHandlerRegistry()
	builtin := &stubHandler{}
	override := &stubHandler{}

	registry.register("action", "v1", builtin)
	registry.register("action", "", override)

	handler, meta, ok := registry.resolve("action")
	if !ok || handler != override {
		t.Fatalf("expected override handler for bare kind")
	}
	if meta.Canonical != "action" {
		t.Fatalf("expected canonical key action, got %s", meta.Canonical)
	}

	handler, _, ok = registry.resolve("action@v1")
	if !ok || handler != builtin {
		t.Fatalf("expected versioned lookup to keep the builtin handler")
	}
}
