package runner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler runs a function with bounded in-process retries, a timeout and an optional deadline.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	sleep         func(context.Context, time.Duration) error

	runs           int
	successfulRuns int

	maxRuns    int
	maxRetries int
	timeout    time.Duration
	deadline   time.Time
	once       bool
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{
		errorHandler: func(err error) {
			log.Printf("runner error: %v\n", err)
		},
		retryStrategy: NoDelayStrategy{},
		sleep:         sleepContext,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Run executes fn until it succeeds, the retry budget is spent, the strategy refuses a retry,
// or the context ends. The last error is returned.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	if h.once && h.successfulRuns >= 1 {
		h.mu.Unlock()
		return nil
	}
	if h.maxRuns > 0 && h.successfulRuns >= h.maxRuns {
		h.mu.Unlock()
		return nil
	}
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			break
		}
		if attempt == maxRetries {
			break
		}
		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.handleError(fmt.Errorf("run failed, attempt %d of %d: %w", attempt+1, maxRetries+1, err))
		if decision.Delay > 0 {
			if sleepErr := h.sleep(ctx, decision.Delay); sleepErr != nil {
				err = sleepErr
				break
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs++
	if err == nil {
		h.successfulRuns++
		return nil
	}
	h.logError("run failed after retries: %v", err)
	return err
}

// Runs returns total and successful run counts.
func (h *Handler) Runs() (total, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) handleError(err error) {
	if h.errorHandler != nil {
		h.errorHandler(err)
	}
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
