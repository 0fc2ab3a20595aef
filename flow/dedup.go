package flow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// RequestKey derives the idempotency key of an inbound event. Transport retries of the same
// content collapse onto one key.
func RequestKey(channel, transportMessageID string, body []byte) string {
	sum := sha256.Sum256(body)
	channel = strings.ToLower(strings.TrimSpace(channel))
	return channel + ":" + strings.TrimSpace(transportMessageID) + "-" + hex.EncodeToString(sum[:])[:16]
}

// ClaimResult is the outcome of a dedup claim.
type ClaimResult string

const (
	ClaimFirst     ClaimResult = "first"
	ClaimDuplicate ClaimResult = "duplicate"
	ClaimDegraded  ClaimResult = "degraded"
)

// KV is the atomic key/value surface shared by dedup and guard.
type KV interface {
	// SetNX stores value under key only when absent; true when this call created it.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	// IncrWindow increments a counter and starts its expiry on first increment.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Deduplicator claims request keys once per TTL.
type Deduplicator struct {
	kv       KV
	failOpen func() bool
	logger   Logger
	now      func() time.Time
}

// DedupOption customizes a Deduplicator.
type DedupOption func(*Deduplicator)

// WithFailOpen decides what happens when the backend errors. Evaluated per claim so policy
// reloads apply immediately.
func WithFailOpen(fn func() bool) DedupOption {
	return func(d *Deduplicator) {
		if fn != nil {
			d.failOpen = fn
		}
	}
}

// WithDedupLogger sets the logger used for degraded claims.
func WithDedupLogger(logger Logger) DedupOption {
	return func(d *Deduplicator) {
		d.logger = normalizeLogger(logger)
	}
}

// NewDeduplicator builds a deduplicator. Without WithFailOpen the backend fails closed.
func NewDeduplicator(kv KV, opts ...DedupOption) *Deduplicator {
	d := &Deduplicator{
		kv:       kv,
		failOpen: func() bool { return false },
		logger:   NewFmtLogger(nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Claim atomically records key. Concurrent callers with one key get exactly one ClaimFirst.
func (d *Deduplicator) Claim(ctx context.Context, key string, ttl time.Duration) (ClaimResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", cloneRuntimeError(ErrPreconditionFailed, "dedup key required", nil, nil)
	}
	var (
		created bool
		err     error
	)
	if d == nil || d.kv == nil {
		err = cloneRuntimeError(ErrDedupUnavailable, "dedup backend not configured", nil, nil)
	} else {
		created, err = d.kv.SetNX(ctx, "dedup:"+key, d.now().UTC().Format(time.RFC3339Nano), ttl)
	}
	if err != nil {
		if d != nil && d.failOpen() {
			d.logger.Warn("dedup degraded, processing without claim key=%s err=%v", key, err)
			return ClaimDegraded, nil
		}
		return "", cloneRuntimeError(ErrDedupUnavailable, "", err, map[string]any{"key": key})
	}
	if created {
		return ClaimFirst, nil
	}
	return ClaimDuplicate, nil
}

// Release drops a claim whose request never produced durable state, so the transport's retry
// is processed instead of short-circuited.
func (d *Deduplicator) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if d == nil || d.kv == nil || key == "" {
		return nil
	}
	return d.kv.Delete(ctx, "dedup:"+key)
}

// InMemoryKV is a process-local KV with clock-driven expiry.
type InMemoryKV struct {
	mu      sync.Mutex
	entries map[string]kvEntry
	now     func() time.Time
}

type kvEntry struct {
	value    string
	counter  int64
	expireAt time.Time
}

// NewInMemoryKV builds an empty store. A nil clock uses time.Now.
func NewInMemoryKV(now func() time.Time) *InMemoryKV {
	if now == nil {
		now = time.Now
	}
	return &InMemoryKV{entries: make(map[string]kvEntry), now: now}
}

func (kv *InMemoryKV) live(key string, now time.Time) (kvEntry, bool) {
	e, ok := kv.entries[key]
	if !ok {
		return kvEntry{}, false
	}
	if !e.expireAt.IsZero() && !now.Before(e.expireAt) {
		delete(kv.entries, key)
		return kvEntry{}, false
	}
	return e, true
}

func (kv *InMemoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	now := kv.now()
	if _, ok := kv.live(key, now); ok {
		return false, nil
	}
	e := kvEntry{value: value}
	if ttl > 0 {
		e.expireAt = now.Add(ttl)
	}
	kv.entries[key] = e
	return true, nil
}

func (kv *InMemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.live(key, kv.now())
	return e.value, ok, nil
}

func (kv *InMemoryKV) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	now := kv.now()
	e, ok := kv.live(key, now)
	e.counter++
	if !ok && window > 0 {
		e.expireAt = now.Add(window)
	}
	kv.entries[key] = e
	return e.counter, nil
}

func (kv *InMemoryKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
	return nil
}

// RedisClient captures the commands RedisKV needs. store.RedisAdapter implements it over go-redis.
type RedisClient interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisKV is the shared KV for multi-instance deployments.
type RedisKV struct {
	client    RedisClient
	keyPrefix string
}

// NewRedisKV builds a KV with an optional key prefix.
func NewRedisKV(client RedisClient, prefix string) *RedisKV {
	return &RedisKV{client: client, keyPrefix: strings.TrimSpace(prefix)}
}

func (r *RedisKV) key(k string) string { return r.keyPrefix + k }

func (r *RedisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r == nil || r.client == nil {
		return false, cloneRuntimeError(ErrDedupUnavailable, "redis client not configured", nil, nil)
	}
	return r.client.SetNX(ctx, r.key(key), value, ttl)
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.client == nil {
		return "", false, cloneRuntimeError(ErrDedupUnavailable, "redis client not configured", nil, nil)
	}
	return r.client.Get(ctx, r.key(key))
}

// IncrWindow runs INCR then EXPIRE on the first hit, the fixed-bucket rate limit pattern.
func (r *RedisKV) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if r == nil || r.client == nil {
		return 0, cloneRuntimeError(ErrDedupUnavailable, "redis client not configured", nil, nil)
	}
	k := r.key(key)
	n, err := r.client.Incr(ctx, k)
	if err != nil {
		return 0, err
	}
	if n == 1 && window > 0 {
		if err := r.client.Expire(ctx, k, window); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return cloneRuntimeError(ErrDedupUnavailable, "redis client not configured", nil, nil)
	}
	return r.client.Del(ctx, r.key(key))
}
