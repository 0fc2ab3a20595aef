package flow

import (
	"context"
	"testing"
)

func noopStep(name StepName) Step {
	return StepFunc{StepName: name, Fn: func(_ context.Context, in StepInput) (StepResult, error) {
		return Continue(in.State), nil
	}}
}

func TestRegistryConflict(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(noopStep(StepIntake)); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	err := reg.Register(noopStep(" Intake "))
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if runtimeErrorCode(err) != ErrCodeDuplicateStep {
		t.Fatalf("expected %s, got %v", ErrCodeDuplicateStep, err)
	}
}

func TestRegistryRejectsUnknownAndTerminalNames(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []StepName{"", "pricing", StepDone, StepDropped} {
		err := reg.Register(noopStep(name))
		if runtimeErrorCode(err) != ErrCodeUnknownStep {
			t.Fatalf("register %q: expected %s, got %v", name, ErrCodeUnknownStep, err)
		}
	}
	if err := reg.Register(nil); err == nil {
		t.Fatalf("expected nil step error")
	}
}

func TestRegistryMissingAndLookup(t *testing.T) {
	reg := NewRegistry().MustRegister(noopStep(StepIntake), noopStep(StepGuard))

	if _, ok := reg.Lookup("GUARD"); !ok {
		t.Fatalf("expected case-insensitive lookup")
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != StepGuard || names[1] != StepIntake {
		t.Fatalf("unexpected names %v", names)
	}
	missing := reg.Missing()
	if len(missing) != len(PipelineSteps())-2 || missing[0] != StepClarify {
		t.Fatalf("unexpected missing steps %v", missing)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected MustRegister to panic on duplicates")
		}
	}()
	reg.MustRegister(noopStep(StepIntake))
}
