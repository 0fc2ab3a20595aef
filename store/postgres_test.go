package store

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment/flow"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestPool connects to DATABASE_URL and applies the schema. Tests use fresh ids so they can
// share one database.
func openTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "schema must be re-runnable")
	return pool
}

func TestPostgresDAOOrderLifecycle(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	dao := NewPostgresDAO(pool)
	orderID := uuid.NewString()
	customerID := "cust-" + uuid.NewString()

	_, err := dao.GetOrder(ctx, orderID)
	require.True(t, flow.IsNotFound(err))

	rec := flow.OrderRecord{
		OrderID:    orderID,
		POID:       flow.DeriveID("po", orderID),
		SupplierID: "s1",
		CustomerID: customerID,
		Amount:     4000,
		Status:     flow.OrderAwaitingSupplierAck,
		CreatedAt:  time.Now().UTC(),
	}
	_, created, err := dao.CreateOrder(ctx, rec)
	require.NoError(t, err)
	require.True(t, created)

	dup := rec
	dup.Amount = 1
	stored, created, err := dao.CreateOrder(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 4000.0, stored.Amount)

	require.NoError(t, dao.AppendEvent(ctx, orderID, flow.Event{Timestamp: time.Now().UTC(), Type: "order.created", Step: flow.StepCommit}))
	stored.Status = flow.OrderReserved
	require.NoError(t, dao.UpdateOrder(ctx, stored))

	got, err := dao.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, flow.OrderReserved, got.Status)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "order.created", got.Events[0].Type)

	n, err := dao.CustomerOrderCount(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresDAOCatalogAndCapacity(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	dao := NewPostgresDAO(pool)
	suffix := uuid.NewString()[:8]
	s1, s2 := "s1-"+suffix, "s2-"+suffix
	category := "cat-" + suffix

	cat := &Catalog{
		Suppliers: []CatalogSupplier{
			{ID: s1, ChatID: "chat-" + s1, Reliability: 4, Capacity: 10},
			{ID: s2, ChatID: "chat-" + s2, Reliability: 7, Capacity: 10},
		},
		Clusters: []CatalogCluster{{ID: "cl-" + suffix, Category: category, City: "Pune", BandMax: 450, Suppliers: []string{s1, s2}}},
	}
	require.NoError(t, dao.SeedCatalog(ctx, cat))
	require.NoError(t, dao.SeedCatalog(ctx, cat))

	c, err := dao.FindCluster(ctx, flow.ClusterQuery{Category: category, City: "pune"})
	require.NoError(t, err)
	assert.Equal(t, "cl-"+suffix, c.ClusterID)
	assert.Equal(t, 450.0, c.Band.Max)

	found, err := dao.SelectSuppliers(ctx, flow.SupplierQuery{ClusterID: c.ClusterID})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, s2, found[0].SupplierID)

	ok, err := dao.ReserveCapacity(ctx, s1, 8, "po-"+suffix)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dao.ReserveCapacity(ctx, s1, 8, "po-"+suffix)
	require.NoError(t, err)
	assert.True(t, ok, "same ref replays the first answer")
	ok, err = dao.ReserveCapacity(ctx, s1, 8, "po2-"+suffix)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, dao.RecordOutcome(ctx, flow.LearnRecord{OrderID: "o-" + suffix, SupplierID: s1, Delta: 0.5, Outcome: "fulfilled"}))
	require.NoError(t, dao.RecordOutcome(ctx, flow.LearnRecord{OrderID: "o-" + suffix, SupplierID: s1, Delta: 0.5, Outcome: "fulfilled"}))
	found, err = dao.SelectSuppliers(ctx, flow.SupplierQuery{ClusterID: c.ClusterID, Exclude: []string{s2}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 4.5, found[0].Reliability, "one outcome per order")
}

func TestPostgresDAORFPAndTasks(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	dao := NewPostgresDAO(pool)
	rfpID := "rfp-" + uuid.NewString()

	require.True(t, flow.IsNotFound(dao.SubmitQuote(ctx, flow.Quote{RFPID: rfpID, SupplierID: "s1", Amount: 10})))
	require.NoError(t, dao.SaveRFP(ctx, flow.RFP{RFPID: rfpID, OrderID: "o1", Round: 1, InvitedSupplierIDs: []string{"s1"}}))
	require.NoError(t, dao.SubmitQuote(ctx, flow.Quote{RFPID: rfpID, SupplierID: "s1", Amount: 10, SubmittedAt: time.Now().UTC()}))
	quotes, err := dao.FetchQuotes(ctx, rfpID)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 10.0, quotes[0].Amount)

	taskID := "ops-" + uuid.NewString()
	task := flow.OpsTask{TaskID: taskID, OrderID: "o1", Status: flow.OpsTaskOpen, Actions: []string{"approve"}, Due: time.Now().UTC()}
	require.NoError(t, dao.UpsertOpsTask(ctx, task))
	task.Status = flow.OpsTaskResolved
	task.Resolution = "approve"
	require.NoError(t, dao.UpsertOpsTask(ctx, task))
	got, err := dao.GetOpsTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, flow.OpsTaskResolved, got.Status)
	assert.Equal(t, "approve", got.Resolution)

	require.NoError(t, dao.PostLedger(ctx, flow.LedgerEntry{OrderID: "o1", AmountPaise: 1000, Currency: "INR", Status: "created", CreatedAt: time.Now().UTC()}))
}

func TestPostgresEventLog(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	log := NewPostgresEventLog(pool)
	orderID := uuid.NewString()
	now := time.Now().UTC()

	seq, err := log.Append(ctx, orderID, 0, flow.LogEntry{Kind: flow.EntryCreated, At: now})
	require.NoError(t, err)
	require.Equal(t, 1, seq)

	_, err = log.Append(ctx, orderID, 0, flow.LogEntry{Kind: flow.EntryCreated, At: now})
	require.True(t, flow.IsSequenceConflict(err))

	seq, err = log.Append(ctx, orderID, 1,
		flow.LogEntry{Kind: flow.EntryRoute, Step: flow.StepIntake, Next: flow.StepGuard, At: now},
		flow.LogEntry{Kind: flow.EntryRoute, Step: flow.StepGuard, Next: flow.StepCluster, At: now},
	)
	require.NoError(t, err)
	require.Equal(t, 3, seq)

	entries, err := log.Load(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
		assert.Equal(t, orderID, e.OrderID)
	}

	corr := "rfp-" + uuid.NewString()
	_, err = log.Resolve(ctx, corr)
	require.True(t, flow.IsNotFound(err))
	require.NoError(t, log.Correlate(ctx, corr, orderID))
	resolved, err := log.Resolve(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, orderID, resolved)

	require.NoError(t, log.SetWake(ctx, orderID, now.Add(-time.Minute)))
	due, err := log.DueWakes(ctx, now, 10000)
	require.NoError(t, err)
	assert.Contains(t, due, orderID)
	require.NoError(t, log.SetWake(ctx, orderID, time.Time{}))
	due, err = log.DueWakes(ctx, now, 10000)
	require.NoError(t, err)
	assert.NotContains(t, due, orderID)
}

func TestPostgresActionStoreClaimsOnce(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	gateways := []*flow.ActionGateway{
		flow.NewActionGateway(NewPostgresActionStore(pool), nil, flow.WithActionLogger(flow.NopLogger{})),
		flow.NewActionGateway(NewPostgresActionStore(pool), nil, flow.WithActionLogger(flow.NopLogger{})),
	}
	action := flow.Action{Kind: flow.ActionPaymentCreate, Ref: uuid.NewString(), Payload: json.RawMessage(`{"amount":420000}`)}

	var calls atomic.Int32
	run := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return json.RawMessage(`{"id":"pay_1"}`), nil
	}
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = gateways[i%2].Do(ctx, action, run)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())

	rec, err := gateways[1].Lookup(ctx, action.Kind, action.Ref)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, flow.ActionCompleted, rec.Status)
	assert.JSONEq(t, `{"id":"pay_1"}`, string(rec.Result))
	assert.JSONEq(t, `{"amount":420000}`, string(rec.Payload))

	missing, err := NewPostgresActionStore(pool).GetAction(ctx, action.Kind, "missing-"+action.Ref)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
