package flow

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-fulfillment"
)

// Action kinds guarded by the gateway.
const (
	ActionPaymentCreate  = "payment.create"
	ActionSupplierNotify = "supplier.notify"
	ActionSupplierRFP    = "supplier.rfp"
	ActionShipmentCreate = "shipment.create"
	ActionPORender       = "po.render"
	ActionOpsNotify      = "ops.notify"
	ActionUserMessage    = "user.message"
)

// ActionStatus is the lifecycle of one external action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionQueued    ActionStatus = "queued"
	ActionDead      ActionStatus = "dead"
)

// Action identifies one side effect by kind and idempotency reference.
type Action struct {
	Kind    string          `json:"kind"`
	Ref     string          `json:"ref"`
	OrderID string          `json:"order_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (a Action) key() string { return a.Kind + "|" + a.Ref }

// ActionRecord is the durable result of an action.
type ActionRecord struct {
	Kind      string          `json:"kind"`
	Ref       string          `json:"ref"`
	OrderID   string          `json:"order_id"`
	Status    ActionStatus    `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	// Reused is set when the call returned a stored record without invoking the action.
	Reused bool `json:"-"`
}

// ActionStore persists action records keyed by (kind, ref).
//
// ClaimAction is the only way an invocation starts: it inserts rec as pending when (kind, ref)
// is unknown, or moves a failed record back to pending, and reports whether this caller won.
// It must be atomic across every process sharing the store.
type ActionStore interface {
	GetAction(ctx context.Context, kind, ref string) (*ActionRecord, error)
	ClaimAction(ctx context.Context, rec ActionRecord) (bool, error)
	PutAction(ctx context.Context, rec ActionRecord) error
}

// ActionFunc performs the side effect and returns its JSON result.
type ActionFunc func(ctx context.Context) (json.RawMessage, error)

// ActionGateway wraps every external side effect with create-or-fetch semantics.
type ActionGateway struct {
	store  ActionStore
	queue  RetryQueue
	locker *keyLocker
	logger Logger
	now    func() time.Time
}

// ActionGatewayOption customizes an ActionGateway.
type ActionGatewayOption func(*ActionGateway)

func WithActionLogger(logger Logger) ActionGatewayOption {
	return func(g *ActionGateway) { g.logger = normalizeLogger(logger) }
}

func WithActionClock(now func() time.Time) ActionGatewayOption {
	return func(g *ActionGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewActionGateway builds a gateway. A nil queue disables out-of-band retries; transient
// failures are then returned as-is.
func NewActionGateway(store ActionStore, queue RetryQueue, opts ...ActionGatewayOption) *ActionGateway {
	g := &ActionGateway{
		store:  store,
		queue:  queue,
		locker: newKeyLocker(),
		logger: NewFmtLogger(nil),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Do runs fn at most once per (kind, ref). Only the caller whose claim created (or reopened)
// the record invokes fn. Everyone else gets the stored outcome: the completed record, ErrRetryQueued,
// a fatal error for dead letters, or a transient error while another caller is still running it.
// Transient failures of fn are queued for retry and reported as ErrRetryQueued.
func (g *ActionGateway) Do(ctx context.Context, action Action, fn ActionFunc) (rec ActionRecord, err error) {
	action.Kind = strings.TrimSpace(action.Kind)
	action.Ref = strings.TrimSpace(action.Ref)
	if action.Kind == "" || action.Ref == "" {
		return ActionRecord{}, cloneRuntimeError(ErrPreconditionFailed, "action kind and ref required", nil, nil)
	}
	if g == nil || g.store == nil {
		return ActionRecord{}, cloneRuntimeError(ErrPreconditionFailed, "action store not configured", nil, nil)
	}
	unlock := g.locker.Lock(action.key())
	defer unlock()

	now := g.now().UTC()
	claimed, err := g.store.ClaimAction(ctx, ActionRecord{
		Kind:      action.Kind,
		Ref:       action.Ref,
		OrderID:   action.OrderID,
		Payload:   action.Payload,
		Status:    ActionPending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return ActionRecord{}, err
	}
	existing, err := g.store.GetAction(ctx, action.Kind, action.Ref)
	if err != nil {
		return ActionRecord{}, err
	}
	if existing == nil {
		return ActionRecord{}, fulfillment.Transient(nil, "action record vanished after claim", map[string]any{
			"kind": action.Kind,
			"ref":  action.Ref,
		})
	}
	if !claimed {
		return settledAction(*existing)
	}
	rec = *existing

	result, callErr := g.invoke(ctx, action, fn)
	rec.UpdatedAt = g.now().UTC()
	if callErr == nil {
		rec.Status = ActionCompleted
		rec.Result = result
		rec.LastError = ""
		return rec, g.store.PutAction(ctx, rec)
	}

	rec.LastError = callErr.Error()
	if fulfillment.IsTransient(callErr) && g.queue != nil {
		if _, qerr := g.queue.Enqueue(ctx, RetryEntry{
			Kind:    action.Kind,
			Ref:     action.Ref,
			OrderID: action.OrderID,
			Payload: action.Payload,
		}); qerr != nil {
			g.logger.Error("retry enqueue failed kind=%s ref=%s err=%v", action.Kind, action.Ref, qerr)
			rec.Status = ActionFailed
			_ = g.store.PutAction(ctx, rec)
			return rec, callErr
		}
		rec.Status = ActionQueued
		if err := g.store.PutAction(ctx, rec); err != nil {
			return rec, err
		}
		g.logger.Warn("action queued for retry kind=%s ref=%s err=%v", action.Kind, action.Ref, callErr)
		return rec, cloneRuntimeError(ErrRetryQueued, "", callErr, map[string]any{"kind": action.Kind, "ref": action.Ref})
	}
	rec.Status = ActionFailed
	if err := g.store.PutAction(ctx, rec); err != nil {
		return rec, err
	}
	return rec, callErr
}

func settledAction(rec ActionRecord) (ActionRecord, error) {
	rec.Reused = true
	meta := map[string]any{"kind": rec.Kind, "ref": rec.Ref}
	switch rec.Status {
	case ActionCompleted:
		return rec, nil
	case ActionQueued:
		return rec, cloneRuntimeError(ErrRetryQueued, "", nil, meta)
	case ActionDead:
		meta["error"] = rec.LastError
		return rec, fulfillment.Fatal(nil, "action dead-lettered", meta)
	}
	return rec, fulfillment.Transient(nil, "action in flight elsewhere", meta)
}

func (g *ActionGateway) invoke(ctx context.Context, action Action, fn ActionFunc) (result json.RawMessage, err error) {
	defer fulfillment.CapturePanic("action."+action.Kind, &err)
	if fn == nil {
		return nil, cloneRuntimeError(ErrPreconditionFailed, "action func required", nil, nil)
	}
	return fn(ctx)
}

// Lookup returns the stored record for (kind, ref), or nil.
func (g *ActionGateway) Lookup(ctx context.Context, kind, ref string) (*ActionRecord, error) {
	if g == nil || g.store == nil {
		return nil, nil
	}
	return g.store.GetAction(ctx, kind, ref)
}

// Perform is the typed form of Do. The returned record tells callers whether the result was reused.
func Perform[T any](ctx context.Context, g *ActionGateway, action Action, fn func(ctx context.Context) (T, error)) (T, ActionRecord, error) {
	var zero T
	rec, err := g.Do(ctx, action, func(ctx context.Context) (json.RawMessage, error) {
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		return zero, rec, err
	}
	var out T
	if len(rec.Result) > 0 {
		if uerr := json.Unmarshal(rec.Result, &out); uerr != nil {
			return zero, rec, fulfillment.Fatal(uerr, "action result undecodable", map[string]any{"kind": action.Kind})
		}
	}
	return out, rec, nil
}

// InMemoryActionStore is a process-local ActionStore.
type InMemoryActionStore struct {
	mu      sync.Mutex
	records map[string]ActionRecord
}

func NewInMemoryActionStore() *InMemoryActionStore {
	return &InMemoryActionStore{records: make(map[string]ActionRecord)}
}

func (s *InMemoryActionStore) GetAction(_ context.Context, kind, ref string) (*ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[kind+"|"+ref]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *InMemoryActionStore) ClaimAction(_ context.Context, rec ActionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Kind + "|" + rec.Ref
	cur, ok := s.records[key]
	if !ok {
		rec.Reused = false
		s.records[key] = rec
		return true, nil
	}
	if cur.Status != ActionFailed {
		return false, nil
	}
	cur.Status = ActionPending
	cur.Attempts++
	cur.UpdatedAt = rec.UpdatedAt
	s.records[key] = cur
	return true, nil
}

func (s *InMemoryActionStore) PutAction(_ context.Context, rec ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Reused = false
	s.records[rec.Kind+"|"+rec.Ref] = rec
	return nil
}

// Records lists stored actions of kind (all kinds when empty).
func (s *InMemoryActionStore) Records(kind string) []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ActionRecord
	for _, rec := range s.records {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLockRef
}

type keyLockRef struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*keyLockRef)}
}

func (l *keyLocker) Lock(key string) func() {
	if l == nil {
		return func() {}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return func() {}
	}
	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok || ref == nil {
		ref = &keyLockRef{}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
