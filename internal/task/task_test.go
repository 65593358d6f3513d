package task

import (
	"context"
	"strings"
	"testing"
)

func TestNormalizeStepsCoercesUnknownKinds(t *testing.T) {
	planned := []PlannedStep{
		{Type: "CHAIN_TX", Description: "send funds"},
		{Type: "quantum_arbitrage", Description: "made-up planner output"},
		{Type: "", Description: "empty type"},
	}

	steps := NormalizeSteps(planned)
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	if steps[0].Kind != KindChainTx {
		t.Fatalf("known kind should survive normalization, got %s", steps[0].Kind)
	}
	for _, step := range steps[1:] {
		if step.Kind != KindCustom {
			t.Fatalf("unknown kind %q should be coerced to CUSTOM, got %s", step.Description, step.Kind)
		}
	}
	for i, step := range steps {
		if step.ID == "" {
			t.Fatalf("step %d has no id", i)
		}
		if step.Params == nil {
			t.Fatalf("step %d should have a non-nil params map", i)
		}
		if step.Status != StepPending {
			t.Fatalf("step %d should start PENDING, got %s", i, step.Status)
		}
	}
}

func TestHeuristicPlannerProducesTransferStep(t *testing.T) {
	dest := strings.Repeat("D", 60)
	planned, err := HeuristicPlanner{}.Plan(context.Background(), "send 400 qubic to "+dest, "balanced")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(planned) != 2 {
		t.Fatalf("expected plan + transfer steps, got %d", len(planned))
	}
	if planned[1].Type != string(KindChainTx) {
		t.Fatalf("second step should be a chain tx, got %s", planned[1].Type)
	}
	if planned[1].Params["destination"] != dest {
		t.Fatalf("destination not carried into step params: %v", planned[1].Params)
	}

	informational, err := HeuristicPlanner{}.Plan(context.Background(), "summarize my portfolio", "balanced")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if len(informational) != 1 || informational[0].Type != string(KindLogOnly) {
		t.Fatalf("informational goal should plan a single log step, got %+v", informational)
	}
}
