package runner

import (
	"context"
	"time"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithNoTimeout() Option {
	return func(r *Handler) {
		r.timeout = 0
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

func WithRunOnce(once bool) Option {
	return func(r *Handler) {
		r.once = once
	}
}

func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max < 0 {
			max = 0
		}
		r.maxRetries = max
	}
}

func WithMaxRuns(max int) Option {
	return func(r *Handler) {
		r.maxRuns = max
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l Logger) Option {
	return func(r *Handler) {
		r.logger = l
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithSleep replaces time.Sleep between attempts, mainly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Handler) {
		if fn != nil {
			r.sleep = fn
		}
	}
}
