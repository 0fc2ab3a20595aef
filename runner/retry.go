package runner

import (
	"math"
	"time"

	"github.com/goliatone/go-fulfillment"
)

// RetryStrategy encapsulates the decision and delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecider lets a strategy veto a retry outright.
type RetryDecider interface {
	Decide(attempt int, err error) RetryDecision
}

// RetryDecision is the outcome of asking a strategy about one failed attempt.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// DecideRetry asks the strategy for a decision. Strategies without a decider retry
// transient errors only (nil errors count as transient).
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		strategy = NoDelayStrategy{}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.Decide(attempt, err)
	}
	return RetryDecision{
		ShouldRetry: err == nil || fulfillment.IsTransient(err),
		Delay:       strategy.SleepDuration(attempt, err),
	}
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a capped exponential backoff.
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// SleepDuration returns Base*Factor^attempt, capped at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	return time.Duration(delay)
}
