package runner

import (
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment"
)

type fixedDecisionStrategy struct {
	decision RetryDecision
}

func (f fixedDecisionStrategy) SleepDuration(int, error) time.Duration { return time.Hour }

func (f fixedDecisionStrategy) Decide(int, error) RetryDecision { return f.decision }

func TestDecideRetryUsesDeciderWhenAvailable(t *testing.T) {
	strategy := fixedDecisionStrategy{decision: RetryDecision{ShouldRetry: false, Delay: 25 * time.Millisecond}}

	decision := DecideRetry(strategy, 1, errors.New("boom"))
	if decision.ShouldRetry {
		t.Fatal("expected strategy decision to disable retry")
	}
	if decision.Delay != 25*time.Millisecond {
		t.Fatalf("unexpected delay: %s", decision.Delay)
	}
}

func TestDecideRetryFallsBackToSleepDuration(t *testing.T) {
	strategy := ExponentialBackoffStrategy{Base: 10 * time.Millisecond, Factor: 2, Max: 100 * time.Millisecond}

	decision := DecideRetry(strategy, 2, fulfillment.Transient(nil, "timeout"))
	if !decision.ShouldRetry {
		t.Fatal("expected transient error to retry")
	}
	if decision.Delay != 40*time.Millisecond {
		t.Fatalf("unexpected fallback delay: %s", decision.Delay)
	}
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	strategy := ExponentialBackoffStrategy{Base: time.Second, Factor: 10, Max: 30 * time.Second}
	if got := strategy.SleepDuration(5, nil); got != 30*time.Second {
		t.Fatalf("expected cap, got %s", got)
	}
	if got := strategy.SleepDuration(-1, nil); got != time.Second {
		t.Fatalf("expected base for negative attempt, got %s", got)
	}
}
