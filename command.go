package fulfillment

import (
	"context"
	"time"
)

// CommandFunc is an adapter that lets you use a function as a Commander[T]
type CommandFunc[T any] func(ctx context.Context, msg T) error

// Execute calls the underlying function
func (f CommandFunc[T]) Execute(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// Commander is responsible for executing side effects
type Commander[T any] interface {
	Execute(ctx context.Context, msg T) error
}

// HandlerConfig drives how scheduled and retried handlers run.
type HandlerConfig struct {
	Timeout    time.Duration `json:"timeout"`
	Deadline   time.Time     `json:"deadline"`
	MaxRetries int           `json:"max_retries"`
	MaxRuns    int           `json:"max_runs"`
	RunOnce    bool          `json:"run_once"`
	Expression string        `json:"expression"`
	NoTimeout  bool          `json:"no_timeout"`
}
