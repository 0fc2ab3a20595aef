package flow

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment/policy"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) (*SQLiteStore, *testClock) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	clock := newTestClock()
	store := NewSQLiteStore(db, "test")
	store.now = clock.Now
	return store, clock
}

func TestSQLiteStoreEventLog(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()
	in := testInbound("m1")
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	seq, err := store.Append(ctx, "o1", 0, LogEntry{Kind: EntryCreated, At: now, Inbound: &in})
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	_, err = store.Append(ctx, "o1", 0, LogEntry{Kind: EntryCreated, At: now, Inbound: &in})
	assert.True(t, IsSequenceConflict(err))

	seq, err = store.Append(ctx, "o1", 1, LogEntry{Kind: EntryRoute, Step: StepIntake, Next: StepGuard, At: now})
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	entries, err := store.Load(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	st, last, err := Replay(entries)
	require.NoError(t, err)
	assert.Equal(t, 2, last)
	assert.Equal(t, StepGuard, st.Current)
	assert.Equal(t, in.ChatID, st.Inbound.ChatID)

	require.NoError(t, store.Correlate(ctx, "task-1", "o1"))
	require.NoError(t, store.Correlate(ctx, "task-1", "o2"))
	id, err := store.Resolve(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "o2", id)
	_, err = store.Resolve(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestSQLiteStoreWakesOrderByTime(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.SetWake(ctx, "late", now.Add(500*time.Millisecond)))
	require.NoError(t, store.SetWake(ctx, "early", now))
	require.NoError(t, store.SetWake(ctx, "future", now.Add(time.Hour)))

	due, err := store.DueWakes(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "late"}, due)

	require.NoError(t, store.SetWake(ctx, "early", time.Time{}))
	due, _ = store.DueWakes(ctx, now.Add(time.Second), 10)
	assert.Equal(t, []string{"late"}, due)
}

func TestSQLiteStoreRetryQueue(t *testing.T) {
	store, clock := newSQLiteStore(t)
	ctx := context.Background()

	added, err := store.Enqueue(ctx, RetryEntry{Kind: ActionPaymentCreate, Ref: "o1", OrderID: "o1", Payload: json.RawMessage(`{"amount_paise":1}`)})
	require.NoError(t, err)
	assert.True(t, added)
	added, _ = store.Enqueue(ctx, RetryEntry{Kind: ActionPaymentCreate, Ref: "o1"})
	assert.False(t, added)

	claimed, err := store.ClaimPending(ctx, "w1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "w1", claimed[0].LeaseOwner)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.JSONEq(t, `{"amount_paise":1}`, string(claimed[0].Payload))

	none, _ := store.ClaimPending(ctx, "w2", 5, time.Minute)
	assert.Empty(t, none)

	assert.True(t, IsNotFound(store.MarkCompleted(ctx, claimed[0].ID, "w2")))
	require.NoError(t, store.MarkFailed(ctx, claimed[0].ID, "w1", clock.Now().Add(10*time.Second), "timeout"))

	none, _ = store.ClaimPending(ctx, "w1", 5, time.Minute)
	assert.Empty(t, none, "retry_at in the future")
	clock.Advance(10 * time.Second)
	claimed, _ = store.ClaimPending(ctx, "w1", 5, time.Minute)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
	assert.Equal(t, "timeout", claimed[0].LastError)

	require.NoError(t, store.MarkDead(ctx, claimed[0].ID, "w1", "gave up"))
	dead, err := store.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, RetryDead, dead[0].Status)
	assert.False(t, dead[0].ProcessedAt.IsZero())

	added, _ = store.Enqueue(ctx, RetryEntry{Kind: ActionPaymentCreate, Ref: "o1"})
	assert.True(t, added, "dead entries are revived")
}

func TestSQLiteStoreBacksActionGateway(t *testing.T) {
	store, _ := newSQLiteStore(t)
	gw := NewActionGateway(store, store, WithActionLogger(NopLogger{}))
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) (Shipment, error) {
		calls++
		return Shipment{TrackingID: "trk-1"}, nil
	}
	action := Action{Kind: ActionShipmentCreate, Ref: "o1", OrderID: "o1"}
	first, _, err := Perform(ctx, gw, action, fn)
	require.NoError(t, err)
	second, rec, err := Perform(ctx, gw, action, fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
	assert.True(t, rec.Reused)
	assert.Equal(t, "o1", rec.OrderID)
}

func TestEngineRunsOnSQLiteLog(t *testing.T) {
	store, clock := newSQLiteStore(t)
	reg := NewRegistry()
	for _, name := range PipelineSteps() {
		require.NoError(t, reg.Register(happySteps()[name]))
	}
	engine, err := NewEngine(reg, store, policy.NewStaticStore(policy.Default()),
		WithEngineClock(clock.Now), WithEngineLogger(NopLogger{}))
	require.NoError(t, err)

	out, err := engine.Handle(context.Background(), testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, StepDone, out.Next)

	st, err := engine.Replay(context.Background(), out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, st.Status)
	assert.Equal(t, "sup-1", st.Supplier.Selected.SupplierID)
}
