package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineHandleRunsToDone(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out.Status)
	assert.Equal(t, StatusDone, out.PipelineStatus)
	assert.Equal(t, StepDone, out.Next)
	assert.Equal(t, OrderIDFor(out.RequestID), out.OrderID)

	st, err := engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	require.NotNil(t, st.Commit.Order)
	assert.Equal(t, st.OrderID, st.Commit.Order.OrderID)
	assert.True(t, st.Learn.Recorded)
	assert.Nil(t, st.Escalation)
	assert.NotEmpty(t, st.PolicyVersion)
}

func TestEngineDuplicateDeliveryIsShortCircuited(t *testing.T) {
	kv := NewInMemoryKV(nil)
	engine, log, _ := newTestEngine(t, nil, WithDeduplicator(NewDeduplicator(kv)))
	ctx := context.Background()

	first, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	entries, err := log.Load(ctx, first.OrderID)
	require.NoError(t, err)

	second, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Status)
	assert.Equal(t, first.RequestID, second.RequestID)

	after, err := log.Load(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Len(t, after, len(entries))
}

type failFirstAppend struct {
	*InMemoryEventLog
	failed atomic.Bool
}

func (l *failFirstAppend) Append(ctx context.Context, orderID string, expectedSeq int, entries ...LogEntry) (int, error) {
	if l.failed.CompareAndSwap(false, true) {
		return 0, context.DeadlineExceeded
	}
	return l.InMemoryEventLog.Append(ctx, orderID, expectedSeq, entries...)
}

func TestEngineFailedCreateReleasesDedupClaim(t *testing.T) {
	steps := happySteps()
	reg := NewRegistry()
	for _, name := range PipelineSteps() {
		require.NoError(t, reg.Register(steps[name]))
	}
	log := &failFirstAppend{InMemoryEventLog: NewInMemoryEventLog()}
	kv := NewInMemoryKV(nil)
	engine, err := NewEngine(reg, log, policy.NewStaticStore(policy.Default()),
		WithEngineLogger(NopLogger{}), WithDeduplicator(NewDeduplicator(kv)))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.Handle(ctx, testInbound("m1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out.Status, "the redelivery must be processed")
	assert.Equal(t, StatusDone, out.PipelineStatus)
	entries, err := log.Load(ctx, out.OrderID)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	again, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Status)
}

func TestDeduplicatorRelease(t *testing.T) {
	d := NewDeduplicator(NewInMemoryKV(nil))
	ctx := context.Background()

	claim, err := d.Claim(ctx, "k1", time.Hour)
	require.NoError(t, err)
	require.Equal(t, ClaimFirst, claim)
	require.NoError(t, d.Release(ctx, "k1"))
	claim, err = d.Claim(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ClaimFirst, claim)

	assert.Error(t, NewDeduplicator(failingKV{}).Release(ctx, "k1"))
	var nilDedup *Deduplicator
	assert.NoError(t, nilDedup.Release(ctx, "k1"))
}

func TestEngineSameRequestWithoutDedupCollidesOnLog(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out.Status)
}

func TestEngineDedupUnavailableFailsClosed(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil, WithDeduplicator(NewDeduplicator(failingKV{})))

	out, err := engine.Handle(context.Background(), testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, out.Status)
	assert.Equal(t, ReasonDedupUnavailable, out.Reason)
}

func TestEngineValidationFailureEscalatesAndApprovalReturnsToOrigin(t *testing.T) {
	var calls atomic.Int32
	commit := happySteps()[StepCommit]
	engine, _, _ := newTestEngine(t, map[StepName]Step{
		StepCommit: stub(StepCommit, func(ctx context.Context, in StepInput) (StepResult, error) {
			if calls.Add(1) == 1 {
				return StepResult{}, fulfillment.Validation("quote amount missing")
			}
			return commit.Run(ctx, in)
		}),
	})
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, out.PipelineStatus)
	assert.Equal(t, StepOps, out.Next)

	st, err := engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	require.NotNil(t, st.Escalation)
	assert.Equal(t, StepCommit, st.Escalation.From)
	assert.Equal(t, ReasonValidationFailed, st.Escalation.Reason)
	assert.Equal(t, string(fulfillment.KindValidation), st.Escalation.Kind)
	assert.Equal(t, 1, st.Escalation.Seq)
	assert.Empty(t, st.Escalation.Snapshot, "validation failures carry no snapshot")

	res, err := engine.ResumeCorrelated(ctx, "task-"+out.OrderID, Signal{Kind: SignalOpsResolution, Resolution: Approve()})
	require.NoError(t, err)
	assert.Equal(t, StatusDone, res.PipelineStatus)
	assert.EqualValues(t, 2, calls.Load())
}

func TestEngineOpsDenialDropsPipeline(t *testing.T) {
	engine, _, _ := newTestEngine(t, map[StepName]Step{
		StepCluster: stub(StepCluster, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Cluster.Status = ClusterNoMatch
			return Continue(in.State), nil
		}),
	})
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	require.Equal(t, StepOps, out.Next)

	res, err := engine.Resume(ctx, out.OrderID, Signal{Kind: SignalOpsResolution, CorrelationID: "task-" + out.OrderID, Resolution: Deny()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, res.Status)
	assert.Equal(t, StatusDropped, res.PipelineStatus)

	_, err = engine.Resume(ctx, out.OrderID, Signal{Kind: SignalOpsResolution, Resolution: Approve()})
	assert.Equal(t, ErrCodePipelineClosed, MapRuntimeError(err).RuntimeCode)
}

func TestEngineTransientFailureSuspendsThenRetries(t *testing.T) {
	var calls atomic.Int32
	var sawSignal atomic.Bool
	cluster := happySteps()[StepCluster]
	engine, _, clock := newTestEngine(t, map[StepName]Step{
		StepCluster: stub(StepCluster, func(ctx context.Context, in StepInput) (StepResult, error) {
			if in.Signal != nil {
				sawSignal.Store(true)
			}
			if calls.Add(1) == 1 {
				return StepResult{}, fulfillment.Transient(nil, "catalog unavailable")
			}
			return cluster.Run(ctx, in)
		}),
	})
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, out.PipelineStatus)
	assert.Equal(t, ReasonTransientRetry, out.Reason)

	st, err := engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	require.NotNil(t, st.Wait)
	assert.Equal(t, SignalTimer, st.Wait.Kind)
	assert.Equal(t, clock.Now().Add(2*time.Second), st.Wait.WakeAt)
	assert.Equal(t, 1, st.Attempts[StepCluster])

	_, err = engine.Resume(ctx, out.OrderID, Signal{Kind: SignalTimer})
	assert.Equal(t, ErrCodeSignalMismatch, MapRuntimeError(err).RuntimeCode, "timer before wake time")

	clock.Advance(3 * time.Second)
	n, err := engine.WakeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err = engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, st.Status)
	assert.Empty(t, st.Attempts)
	assert.False(t, sawSignal.Load(), "backoff timer must not reach the step")
}

func TestEngineTransientExhaustionEscalates(t *testing.T) {
	snap := policy.Default()
	snap.Engine.MaxStepRetries = 1
	engine, _, clock := newTestEngineWithPolicy(t, snap, map[StepName]Step{
		StepCluster: stub(StepCluster, func(context.Context, StepInput) (StepResult, error) {
			return StepResult{}, fulfillment.Transient(nil, "catalog unavailable")
		}),
	})
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	require.Equal(t, ReasonTransientRetry, out.Reason)

	clock.Advance(time.Minute)
	_, err = engine.WakeDue(ctx)
	require.NoError(t, err)

	st, err := engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StepOps, st.Current)
	require.NotNil(t, st.Escalation)
	assert.Equal(t, ReasonTransientExhausted, st.Escalation.Reason)
	assert.Equal(t, StepCluster, st.Escalation.From)
}

func TestEnginePanicBecomesFatalEscalationWithSnapshot(t *testing.T) {
	engine, _, _ := newTestEngine(t, map[StepName]Step{
		StepSupplier: stub(StepSupplier, func(context.Context, StepInput) (StepResult, error) {
			panic("nil quote map")
		}),
	})
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)

	st, err := engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	require.NotNil(t, st.Escalation)
	assert.Equal(t, string(fulfillment.KindFatal), st.Escalation.Kind)
	assert.Equal(t, StepSupplier, st.Escalation.From)
	assert.NotEmpty(t, st.Escalation.Snapshot)
	assert.NotEmpty(t, st.Escalation.Error)
}

func TestEngineInvalidStepOutputIsResetAndEscalated(t *testing.T) {
	engine, _, _ := newTestEngine(t, map[StepName]Step{
		StepSupplier: stub(StepSupplier, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Supplier.Status = SupplierShortlisted
			return Continue(in.State), nil
		}),
	})
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)

	st, err := engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, SupplierState{}, st.Supplier)
	require.NotNil(t, st.Escalation)
	assert.Equal(t, ReasonValidationFailed, st.Escalation.Reason)
}

func TestEngineStepsOnlyWriteTheirOwnNamespace(t *testing.T) {
	engine, _, _ := newTestEngine(t, map[StepName]Step{
		StepCluster: stub(StepCluster, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Cluster.Status = ClusterMatched
			in.State.Cluster.ClusterID = "cl-1"
			in.State.Learn.Outcome = "written by cluster"
			in.State.Current = StepDone
			return Continue(in.State), nil
		}),
	})
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	st, err := engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Empty(t, st.Learn.Outcome)
	assert.Equal(t, StatusDone, st.Status)
	assert.True(t, st.Learn.Recorded)
}

func TestEngineStepBudgetForcesEscalation(t *testing.T) {
	snap := policy.Default()
	snap.Engine.MaxStepsPerRun = 8
	engine, _, _ := newTestEngineWithPolicy(t, snap, map[StepName]Step{
		StepSupplier: stub(StepSupplier, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Supplier.Status = SupplierNextRound
			return Continue(in.State), nil
		}),
	})
	ctx := context.Background()

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	st, err := engine.Replay(ctx, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StepOps, st.Current)
	assert.Equal(t, StatusSuspended, st.Status)
	require.NotNil(t, st.Escalation)
	assert.Equal(t, ReasonStepBudgetExceeded, st.Escalation.Reason)
}

func TestEngineResumeErrors(t *testing.T) {
	engine, _, _ := newTestEngine(t, map[StepName]Step{
		StepCluster: stub(StepCluster, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Cluster.Status = ClusterNoMatch
			return Continue(in.State), nil
		}),
	})
	ctx := context.Background()

	_, err := engine.Resume(ctx, "missing", Signal{Kind: SignalOpsResolution})
	assert.True(t, IsNotFound(err))

	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)

	_, err = engine.Resume(ctx, out.OrderID, Signal{Kind: SignalQuoteArrived})
	assert.Equal(t, ErrCodeSignalMismatch, MapRuntimeError(err).RuntimeCode)

	_, err = engine.Resume(ctx, out.OrderID, Signal{Kind: SignalOpsResolution, CorrelationID: "task-other"})
	assert.Equal(t, ErrCodeSignalMismatch, MapRuntimeError(err).RuntimeCode)

	_, err = engine.ResumeCorrelated(ctx, "unknown-task", Signal{Kind: SignalOpsResolution})
	assert.True(t, IsNotFound(err))
}

func TestEngineConcurrentResumeAppliesOnce(t *testing.T) {
	engine, log, _ := newTestEngine(t, map[StepName]Step{
		StepCluster: stub(StepCluster, func(_ context.Context, in StepInput) (StepResult, error) {
			in.State.Cluster.Status = ClusterNoMatch
			return Continue(in.State), nil
		}),
	})
	ctx := context.Background()
	out, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.Resume(ctx, out.OrderID, Signal{Kind: SignalOpsResolution, Resolution: Cancel()}); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())

	entries, err := log.Load(ctx, out.OrderID)
	require.NoError(t, err)
	resumes := 0
	for _, e := range entries {
		if e.Kind == EntryResume {
			resumes++
		}
	}
	assert.Equal(t, 1, resumes)
}

func TestEngineHandlesDistinctRequestsConcurrently(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil, WithDeduplicator(NewDeduplicator(NewInMemoryKV(nil))))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := engine.Handle(ctx, testInbound(fmt.Sprintf("m%d", i)))
			if err == nil && out.PipelineStatus != StatusDone {
				err = fmt.Errorf("request %d ended %s", i, out.PipelineStatus)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestEngineUserReplyResumesWaitingConversation(t *testing.T) {
	var asked atomic.Bool
	engine, _, _ := newTestEngine(t, map[StepName]Step{
		StepIntake: stub(StepIntake, func(_ context.Context, in StepInput) (StepResult, error) {
			st := in.State
			st.Intake.Parsed = true
			st.Intake.Item = "cement"
			if in.State.Clarify.Reply != "" {
				st.Intake.Quantity = 10
				st.Intake.City = "pune"
				st.Intake.Missing = nil
			} else {
				st.Intake.Missing = []string{SlotQuantity}
			}
			return Continue(st), nil
		}),
		StepClarify: stub(StepClarify, func(_ context.Context, in StepInput) (StepResult, error) {
			st := in.State
			if in.Signal != nil && in.Signal.Kind == SignalUserReply {
				st.Clarify.Status = ClarifyAnswered
				st.Clarify.Reply = in.Signal.Text
				return Continue(st), nil
			}
			asked.Store(true)
			st.Clarify.Status = ClarifyAsked
			st.Clarify.Attempts++
			return SuspendOn(st, Wait{Kind: SignalUserReply, CorrelationID: st.Inbound.ConversationKey()}), nil
		}),
	})
	ctx := context.Background()

	first, err := engine.Handle(ctx, testInbound("m1"))
	require.NoError(t, err)
	require.True(t, asked.Load())
	require.Equal(t, StatusSuspended, first.PipelineStatus)

	reply := testInbound("m2")
	reply.ChatID = "chat-m1"
	reply.Text = "10 bags, pune"
	out, err := engine.Handle(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, out.OrderID)
	assert.Equal(t, StatusDone, out.PipelineStatus)
}

type failingKV struct{}

func (failingKV) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, fulfillment.Transient(nil, "kv down")
}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, fulfillment.Transient(nil, "kv down")
}

func (failingKV) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, fulfillment.Transient(nil, "kv down")
}

func (failingKV) Delete(context.Context, string) error {
	return fulfillment.Transient(nil, "kv down")
}
