package flow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRetryQueueLeases(t *testing.T) {
	clock := newTestClock()
	q := NewInMemoryRetryQueue(clock.Now)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, RetryEntry{Kind: ActionUserMessage, Ref: "m1"})
	require.NoError(t, err)
	assert.True(t, added)
	added, _ = q.Enqueue(ctx, RetryEntry{Kind: ActionUserMessage, Ref: "m1"})
	assert.False(t, added, "live entry is not queued twice")

	claimed, err := q.ClaimPending(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, _ := q.ClaimPending(ctx, "w2", 10, time.Minute)
	assert.Empty(t, again, "leased entries are invisible until the lease ends")

	assert.Error(t, q.MarkCompleted(ctx, claimed[0].ID, "w2"))

	clock.Advance(2 * time.Minute)
	stolen, _ := q.ClaimPending(ctx, "w2", 10, time.Minute)
	require.Len(t, stolen, 1, "expired leases are reclaimed")
	assert.Equal(t, 2, stolen[0].Attempts)

	require.NoError(t, q.MarkCompleted(ctx, stolen[0].ID, "w2"))
	added, _ = q.Enqueue(ctx, RetryEntry{Kind: ActionUserMessage, Ref: "m1"})
	assert.True(t, added, "completed entries may be queued again")

	_, err = q.ClaimPending(ctx, "", 1, time.Minute)
	assert.Error(t, err)
}

func newTestDispatcher(t *testing.T, opts ...RetryDispatcherOption) (*RetryDispatcher, *InMemoryRetryQueue, *InMemoryActionStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	queue := NewInMemoryRetryQueue(clock.Now)
	actions := NewInMemoryActionStore()
	base := []RetryDispatcherOption{
		WithRetryWorkerID("w1"),
		WithRetryClock(clock.Now),
		WithRetryLogger(NopLogger{}),
		WithRetryBackoff(runner.ExponentialBackoffStrategy{Base: time.Second, Factor: 2, Max: time.Minute}),
	}
	return NewRetryDispatcher(queue, actions, append(base, opts...)...), queue, actions, clock
}

func TestRetryDispatcherCompletesAndRecordsAction(t *testing.T) {
	d, queue, actions, _ := newTestDispatcher(t)
	ctx := context.Background()

	var settled []RetryOutcome
	d.onSettled = func(_ context.Context, _ RetryEntry, outcome RetryOutcome) { settled = append(settled, outcome) }

	require.NoError(t, d.Handle(ActionSupplierNotify, func(_ context.Context, entry RetryEntry) (json.RawMessage, error) {
		return json.RawMessage(`{"message_id":"x"}`), nil
	}))
	assert.Error(t, d.Handle(ActionSupplierNotify, func(context.Context, RetryEntry) (json.RawMessage, error) { return nil, nil }))

	require.NoError(t, actions.PutAction(ctx, ActionRecord{Kind: ActionSupplierNotify, Ref: "o1:sup-1", Status: ActionQueued, Attempts: 1}))
	_, err := queue.Enqueue(ctx, RetryEntry{Kind: ActionSupplierNotify, Ref: "o1:sup-1", OrderID: "o1"})
	require.NoError(t, err)

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	require.Len(t, report.Results, 1)
	assert.Equal(t, RetryOutcomeCompleted, report.Results[0].Outcome)
	assert.Equal(t, []RetryOutcome{RetryOutcomeCompleted}, settled)

	rec, _ := actions.GetAction(ctx, ActionSupplierNotify, "o1:sup-1")
	require.NotNil(t, rec)
	assert.Equal(t, ActionCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.JSONEq(t, `{"message_id":"x"}`, string(rec.Result))

	assert.Equal(t, RetryCompleted, queue.Entries()[0].Status)
}

func TestRetryDispatcherBacksOffThenDeadLetters(t *testing.T) {
	d, queue, actions, clock := newTestDispatcher(t, WithRetryMaxAttempts(3))
	ctx := context.Background()

	require.NoError(t, d.Handle(ActionPaymentCreate, func(context.Context, RetryEntry) (json.RawMessage, error) {
		return nil, fulfillment.Transient(errors.New("timeout"), "payments unavailable")
	}))
	_, err := queue.Enqueue(ctx, RetryEntry{Kind: ActionPaymentCreate, Ref: "o1", OrderID: "o1"})
	require.NoError(t, err)

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	first := report.Results[0]
	assert.Equal(t, RetryOutcomeRetryScheduled, first.Outcome)
	assert.Equal(t, clock.Now().Add(time.Second), first.RetryAt)

	report, _ = d.RunOnce(ctx)
	assert.Zero(t, report.Claimed, "not due yet")

	clock.Advance(time.Second)
	report, _ = d.RunOnce(ctx)
	require.Len(t, report.Results, 1)
	assert.Equal(t, clock.Now().Add(2*time.Second), report.Results[0].RetryAt)

	clock.Advance(2 * time.Second)
	report, _ = d.RunOnce(ctx)
	require.Len(t, report.Results, 1)
	assert.Equal(t, RetryOutcomeDeadLettered, report.Results[0].Outcome)
	assert.Equal(t, 3, report.Results[0].Attempt)

	dead, err := queue.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "payments unavailable")

	rec, _ := actions.GetAction(ctx, ActionPaymentCreate, "o1")
	require.NotNil(t, rec)
	assert.Equal(t, ActionDead, rec.Status)
}

func TestRetryDispatcherDeadLettersNonTransientAndUnknownKinds(t *testing.T) {
	d, queue, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Handle(ActionPORender, func(context.Context, RetryEntry) (json.RawMessage, error) {
		panic("template missing")
	}))
	_, _ = queue.Enqueue(ctx, RetryEntry{Kind: ActionPORender, Ref: "o1"})
	_, _ = queue.Enqueue(ctx, RetryEntry{Kind: "fax.send", Ref: "o1"})

	report, err := d.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.Equal(t, RetryOutcomeDeadLettered, res.Outcome, res.Kind)
	}
}

func TestRetryDispatcherRunStopsWithContext(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, WithRetryInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Run(ctx), context.DeadlineExceeded)
}
