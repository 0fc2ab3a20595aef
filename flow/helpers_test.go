package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment/policy"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func stub(name StepName, fn func(ctx context.Context, in StepInput) (StepResult, error)) Step {
	return StepFunc{StepName: name, Fn: fn}
}

// happySteps walk a message from intake to done without external calls. Ops suspends until
// an ops_resolution signal carries the verdict.
func happySteps() map[StepName]Step {
	return map[StepName]Step{
		StepIntake: stub(StepIntake, func(_ context.Context, in StepInput) (StepResult, error) {
			st := in.State
			st.Intake.Parsed = true
			st.Intake.Item = "cement"
			st.Intake.Quantity = 10
			st.Intake.City = "pune"
			return Continue(st), nil
		}),
		StepGuard: stub(StepGuard, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Guard.Resolution = Pass()
			return Continue(in.State), nil
		}),
		StepClarify: stub(StepClarify, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Clarify.Status = ClarifyAnswered
			return Continue(in.State), nil
		}),
		StepTranslate: stub(StepTranslate, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Translate.Done = true
			return Continue(in.State), nil
		}),
		StepCluster: stub(StepCluster, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Cluster.Status = ClusterMatched
			in.State.Cluster.ClusterID = "cl-cement-pune"
			return Continue(in.State), nil
		}),
		StepSupplier: stub(StepSupplier, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Supplier.Status = SupplierShortlisted
			in.State.Supplier.Selected = &Quote{SupplierID: "sup-1", Amount: 4200}
			return Continue(in.State), nil
		}),
		StepCommit: stub(StepCommit, func(_ context.Context, in StepInput) (StepResult, error) {
			st := in.State
			st.Commit.Status = OrderPlaced
			st.Commit.Order = &OrderRecord{OrderID: st.OrderID, SupplierID: "sup-1", Status: OrderPlaced, Amount: 4200}
			return Continue(st, NewEvent(in.Now, "commit.placed", nil)), nil
		}),
		StepCash: stub(StepCash, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Cash.Status = CashCreated
			in.State.Cash.AmountPaise = 420000
			return Continue(in.State), nil
		}),
		StepOps: stub(StepOps, func(_ context.Context, in StepInput) (StepResult, error) {
			st := in.State
			if in.Signal != nil && in.Signal.Kind == SignalOpsResolution {
				st.Ops.Resolution = in.Signal.Resolution
				return Continue(st), nil
			}
			return SuspendOn(st, Wait{Kind: SignalOpsResolution, CorrelationID: "task-" + st.OrderID, Reason: "awaiting_ops"}), nil
		}),
		StepLearn: stub(StepLearn, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Learn.Recorded = true
			return Continue(in.State), nil
		}),
	}
}

func newTestEngine(t *testing.T, overrides map[StepName]Step, opts ...EngineOption) (*Engine, *InMemoryEventLog, *testClock) {
	t.Helper()
	return newTestEngineWithPolicy(t, policy.Default(), overrides, opts...)
}

func newTestEngineWithPolicy(t *testing.T, snap *policy.Snapshot, overrides map[StepName]Step, opts ...EngineOption) (*Engine, *InMemoryEventLog, *testClock) {
	t.Helper()
	steps := happySteps()
	for name, s := range overrides {
		steps[name] = s
	}
	reg := NewRegistry()
	for _, name := range PipelineSteps() {
		if err := reg.Register(steps[name]); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	clock := newTestClock()
	log := NewInMemoryEventLog()
	base := []EngineOption{WithEngineClock(clock.Now), WithEngineLogger(NopLogger{})}
	engine, err := NewEngine(reg, log, policy.NewStaticStore(snap), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, log, clock
}

func testInbound(id string) Inbound {
	return Inbound{
		Channel:            "whatsapp",
		ChatID:             "chat-" + id,
		Text:               "need 10 bags cement in pune",
		TransportMessageID: id,
	}
}
