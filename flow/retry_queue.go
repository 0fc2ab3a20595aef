package flow

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/runner"
)

// RetryStatus is the lifecycle of a retry queue entry.
type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetryLeased    RetryStatus = "leased"
	RetryCompleted RetryStatus = "completed"
	RetryDead      RetryStatus = "dead"
)

// RetryEntry is one queued action. ID is derived from kind and ref so an action is queued once.
type RetryEntry struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Ref         string          `json:"ref"`
	OrderID     string          `json:"order_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      RetryStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	LeaseOwner  string          `json:"lease_owner,omitempty"`
	LeaseUntil  time.Time       `json:"lease_until,omitempty"`
	RetryAt     time.Time       `json:"retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt time.Time       `json:"processed_at,omitempty"`
}

// RetryEntryID is the queue id of (kind, ref).
func RetryEntryID(kind, ref string) string {
	return strings.TrimSpace(kind) + ":" + strings.TrimSpace(ref)
}

// RetryQueue exposes lease/claim/retry operations for the dispatcher.
type RetryQueue interface {
	// Enqueue adds the entry unless one with the same id is already live; true when added.
	Enqueue(ctx context.Context, entry RetryEntry) (bool, error)
	ClaimPending(ctx context.Context, workerID string, limit int, leaseTTL time.Duration) ([]RetryEntry, error)
	MarkCompleted(ctx context.Context, id, leaseOwner string) error
	MarkFailed(ctx context.Context, id, leaseOwner string, retryAt time.Time, reason string) error
	MarkDead(ctx context.Context, id, leaseOwner, reason string) error
	ListDead(ctx context.Context, limit int) ([]RetryEntry, error)
}

// InMemoryRetryQueue is a process-local RetryQueue.
type InMemoryRetryQueue struct {
	mu      sync.Mutex
	entries map[string]RetryEntry
	now     func() time.Time
}

func NewInMemoryRetryQueue(now func() time.Time) *InMemoryRetryQueue {
	if now == nil {
		now = time.Now
	}
	return &InMemoryRetryQueue{entries: make(map[string]RetryEntry), now: now}
}

func (q *InMemoryRetryQueue) Enqueue(_ context.Context, entry RetryEntry) (bool, error) {
	entry, err := normalizeRetryEntry(entry, q.now())
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.entries[entry.ID]; ok && cur.Status != RetryCompleted && cur.Status != RetryDead {
		return false, nil
	}
	q.entries[entry.ID] = entry
	return true, nil
}

func (q *InMemoryRetryQueue) ClaimPending(_ context.Context, workerID string, limit int, leaseTTL time.Duration) ([]RetryEntry, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, cloneRuntimeError(ErrPreconditionFailed, "worker id required", nil, nil)
	}
	if limit <= 0 {
		limit = 100
	}
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	var ready []RetryEntry
	for _, e := range q.entries {
		if isClaimableRetry(e, now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	for i := range ready {
		ready[i].Status = RetryLeased
		ready[i].LeaseOwner = workerID
		ready[i].LeaseUntil = now.Add(leaseTTL)
		ready[i].Attempts++
		q.entries[ready[i].ID] = ready[i]
	}
	return ready, nil
}

func (q *InMemoryRetryQueue) MarkCompleted(_ context.Context, id, leaseOwner string) error {
	return q.update(id, leaseOwner, func(e *RetryEntry) {
		e.Status = RetryCompleted
		e.ProcessedAt = q.now().UTC()
		e.LastError = ""
	})
}

func (q *InMemoryRetryQueue) MarkFailed(_ context.Context, id, leaseOwner string, retryAt time.Time, reason string) error {
	return q.update(id, leaseOwner, func(e *RetryEntry) {
		e.Status = RetryPending
		e.RetryAt = retryAt.UTC()
		e.LastError = strings.TrimSpace(reason)
	})
}

func (q *InMemoryRetryQueue) MarkDead(_ context.Context, id, leaseOwner, reason string) error {
	return q.update(id, leaseOwner, func(e *RetryEntry) {
		e.Status = RetryDead
		e.ProcessedAt = q.now().UTC()
		e.LastError = strings.TrimSpace(reason)
	})
}

func (q *InMemoryRetryQueue) ListDead(_ context.Context, limit int) ([]RetryEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []RetryEntry
	for _, e := range q.entries {
		if e.Status == RetryDead {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a snapshot of every entry, for tests and the CLI.
func (q *InMemoryRetryQueue) Entries() []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RetryEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (q *InMemoryRetryQueue) update(id, leaseOwner string, fn func(*RetryEntry)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[strings.TrimSpace(id)]
	if !ok {
		return NotFound("retry entry", id)
	}
	if owner := strings.TrimSpace(leaseOwner); owner != "" && e.LeaseOwner != owner {
		return cloneRuntimeError(ErrPreconditionFailed, "lease owned by another worker", nil, map[string]any{"id": id})
	}
	fn(&e)
	e.LeaseOwner = ""
	e.LeaseUntil = time.Time{}
	q.entries[e.ID] = e
	return nil
}

func normalizeRetryEntry(entry RetryEntry, now time.Time) (RetryEntry, error) {
	entry.Kind = strings.TrimSpace(entry.Kind)
	entry.Ref = strings.TrimSpace(entry.Ref)
	if entry.Kind == "" || entry.Ref == "" {
		return entry, cloneRuntimeError(ErrPreconditionFailed, "retry entry kind and ref required", nil, nil)
	}
	entry.ID = RetryEntryID(entry.Kind, entry.Ref)
	entry.Status = RetryPending
	entry.Attempts = 0
	entry.LeaseOwner = ""
	entry.LeaseUntil = time.Time{}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now.UTC()
	}
	return entry, nil
}

func isClaimableRetry(e RetryEntry, now time.Time) bool {
	switch e.Status {
	case RetryPending:
		return e.RetryAt.IsZero() || !e.RetryAt.After(now)
	case RetryLeased:
		return !e.LeaseUntil.After(now)
	}
	return false
}

// RetryHandler re-executes a queued action from its payload.
type RetryHandler func(ctx context.Context, entry RetryEntry) (json.RawMessage, error)

// RetryOutcome classifies one dispatch attempt.
type RetryOutcome string

const (
	RetryOutcomeCompleted      RetryOutcome = "completed"
	RetryOutcomeRetryScheduled RetryOutcome = "retry_scheduled"
	RetryOutcomeDeadLettered   RetryOutcome = "dead_lettered"
)

// RetryResult is one entry's dispatch result.
type RetryResult struct {
	ID      string
	Kind    string
	OrderID string
	Attempt int
	Outcome RetryOutcome
	RetryAt time.Time
	Error   string
}

// RetryReport summarizes one dispatcher cycle.
type RetryReport struct {
	WorkerID   string
	Claimed    int
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []RetryResult
}

// RetryDispatcher drains the retry queue, re-running actions through their handlers.
type RetryDispatcher struct {
	queue       RetryQueue
	actions     ActionStore
	handlers    map[string]RetryHandler
	workerID    string
	limit       int
	leaseTTL    time.Duration
	maxAttempts int
	strategy    runner.RetryStrategy
	interval    time.Duration
	logger      Logger
	now         func() time.Time
	onSettled   func(ctx context.Context, entry RetryEntry, outcome RetryOutcome)
}

// RetryDispatcherOption customizes a dispatcher.
type RetryDispatcherOption func(*RetryDispatcher)

func WithRetryWorkerID(id string) RetryDispatcherOption {
	return func(d *RetryDispatcher) {
		if id = strings.TrimSpace(id); id != "" {
			d.workerID = id
		}
	}
}

func WithRetryBatch(limit int, leaseTTL time.Duration) RetryDispatcherOption {
	return func(d *RetryDispatcher) {
		if limit > 0 {
			d.limit = limit
		}
		if leaseTTL > 0 {
			d.leaseTTL = leaseTTL
		}
	}
}

// WithRetryMaxAttempts sets the attempt count after which an entry is dead-lettered.
func WithRetryMaxAttempts(n int) RetryDispatcherOption {
	return func(d *RetryDispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithRetryBackoff(strategy runner.RetryStrategy) RetryDispatcherOption {
	return func(d *RetryDispatcher) {
		if strategy != nil {
			d.strategy = strategy
		}
	}
}

func WithRetryInterval(interval time.Duration) RetryDispatcherOption {
	return func(d *RetryDispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

func WithRetryLogger(logger Logger) RetryDispatcherOption {
	return func(d *RetryDispatcher) { d.logger = normalizeLogger(logger) }
}

func WithRetryClock(now func() time.Time) RetryDispatcherOption {
	return func(d *RetryDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithRetrySettled registers a hook fired when an entry completes or is dead-lettered.
func WithRetrySettled(fn func(ctx context.Context, entry RetryEntry, outcome RetryOutcome)) RetryDispatcherOption {
	return func(d *RetryDispatcher) { d.onSettled = fn }
}

// NewRetryDispatcher builds a dispatcher. actions may be nil when results need not be recorded.
func NewRetryDispatcher(queue RetryQueue, actions ActionStore, opts ...RetryDispatcherOption) *RetryDispatcher {
	d := &RetryDispatcher{
		queue:       queue,
		actions:     actions,
		handlers:    make(map[string]RetryHandler),
		workerID:    "retry-worker",
		limit:       20,
		leaseTTL:    30 * time.Second,
		maxAttempts: 8,
		strategy:    runner.ExponentialBackoffStrategy{Base: time.Second, Factor: 2, Max: 5 * time.Minute},
		interval:    5 * time.Second,
		logger:      NewFmtLogger(nil),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Handle registers the handler for an action kind.
func (d *RetryDispatcher) Handle(kind string, h RetryHandler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" || h == nil {
		return cloneRuntimeError(ErrPreconditionFailed, "retry handler kind and func required", nil, nil)
	}
	if _, exists := d.handlers[kind]; exists {
		return cloneRuntimeError(ErrDuplicateStep, "retry handler "+kind+" already registered", nil, nil)
	}
	d.handlers[kind] = h
	return nil
}

// RunOnce claims one batch and dispatches it.
func (d *RetryDispatcher) RunOnce(ctx context.Context) (RetryReport, error) {
	report := RetryReport{WorkerID: d.workerID, StartedAt: d.now().UTC()}
	claimed, err := d.queue.ClaimPending(ctx, d.workerID, d.limit, d.leaseTTL)
	if err != nil {
		return report, err
	}
	report.Claimed = len(claimed)
	for _, entry := range claimed {
		report.Results = append(report.Results, d.dispatch(ctx, entry))
	}
	report.FinishedAt = d.now().UTC()
	return report, nil
}

// Run drains the queue every interval until ctx ends.
func (d *RetryDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil {
			d.logger.Error("retry dispatch cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *RetryDispatcher) dispatch(ctx context.Context, entry RetryEntry) RetryResult {
	res := RetryResult{ID: entry.ID, Kind: entry.Kind, OrderID: entry.OrderID, Attempt: entry.Attempts}
	logger := withLoggerFields(d.logger.WithContext(ctx), map[string]any{
		"order_id": entry.OrderID,
		"kind":     entry.Kind,
		"attempt":  entry.Attempts,
	})

	handler, ok := d.handlers[entry.Kind]
	var (
		result json.RawMessage
		err    error
	)
	if !ok {
		err = fulfillment.Fatal(nil, "no retry handler for "+entry.Kind)
	} else {
		result, err = d.invoke(ctx, handler, entry)
	}

	if err == nil {
		if merr := d.queue.MarkCompleted(ctx, entry.ID, d.workerID); merr != nil {
			logger.Error("retry mark completed failed: %v", merr)
		}
		d.recordAction(ctx, entry, ActionCompleted, result, "")
		res.Outcome = RetryOutcomeCompleted
		logger.Info("retry completed")
		d.settled(ctx, entry, res.Outcome)
		return res
	}

	res.Error = err.Error()
	decision := runner.DecideRetry(d.strategy, entry.Attempts-1, err)
	if !decision.ShouldRetry || entry.Attempts >= d.maxAttempts {
		if merr := d.queue.MarkDead(ctx, entry.ID, d.workerID, err.Error()); merr != nil {
			logger.Error("retry mark dead failed: %v", merr)
		}
		d.recordAction(ctx, entry, ActionDead, nil, err.Error())
		res.Outcome = RetryOutcomeDeadLettered
		logger.Error("retry dead-lettered: %v", err)
		d.settled(ctx, entry, res.Outcome)
		return res
	}
	res.RetryAt = d.now().UTC().Add(decision.Delay)
	if merr := d.queue.MarkFailed(ctx, entry.ID, d.workerID, res.RetryAt, err.Error()); merr != nil {
		logger.Error("retry mark failed failed: %v", merr)
	}
	res.Outcome = RetryOutcomeRetryScheduled
	logger.Warn("retry rescheduled at %s: %v", res.RetryAt.Format(time.RFC3339), err)
	return res
}

func (d *RetryDispatcher) invoke(ctx context.Context, h RetryHandler, entry RetryEntry) (result json.RawMessage, err error) {
	defer fulfillment.CapturePanic("retry."+entry.Kind, &err)
	return h(ctx, entry)
}

func (d *RetryDispatcher) recordAction(ctx context.Context, entry RetryEntry, status ActionStatus, result json.RawMessage, lastErr string) {
	if d.actions == nil {
		return
	}
	rec, err := d.actions.GetAction(ctx, entry.Kind, entry.Ref)
	if err != nil {
		d.logger.Error("retry action lookup failed kind=%s ref=%s err=%v", entry.Kind, entry.Ref, err)
		return
	}
	now := d.now().UTC()
	if rec == nil {
		rec = &ActionRecord{Kind: entry.Kind, Ref: entry.Ref, OrderID: entry.OrderID, Payload: entry.Payload, CreatedAt: now}
	}
	rec.Status = status
	rec.Attempts++
	rec.UpdatedAt = now
	rec.LastError = lastErr
	if result != nil {
		rec.Result = result
	}
	if err := d.actions.PutAction(ctx, *rec); err != nil {
		d.logger.Error("retry action update failed kind=%s ref=%s err=%v", entry.Kind, entry.Ref, err)
	}
}

func (d *RetryDispatcher) settled(ctx context.Context, entry RetryEntry, outcome RetryOutcome) {
	if d.onSettled != nil {
		d.onSettled(ctx, entry, outcome)
	}
}
