package flow

import (
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterTable(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	order := &OrderRecord{OrderID: "o1", Status: OrderPlaced}

	cases := []struct {
		name   string
		step   StepName
		state  func(*State)
		next   StepName
		reason string
	}{
		{"intake always guards", StepIntake, nil, StepGuard, ReasonAlways},
		{"guard drop", StepGuard, func(s *State) {
			s.Guard.Resolution = Drop()
			s.Guard.Reasons = []string{"replay"}
		}, StepDropped, ReasonGuardDrop + ":replay"},
		{"guard escalates", StepGuard, func(s *State) { s.Guard.Resolution = Escalate() }, StepOps, ReasonGuardOps},
		{"guard pass with gaps clarifies", StepGuard, func(s *State) {
			s.Guard.Resolution = Pass()
			s.Intake.Missing = []string{SlotQuantity}
		}, StepClarify, ReasonNeedsClarification},
		{"clarify exhausted escalates", StepGuard, func(s *State) {
			s.Guard.Resolution = Pass()
			s.Intake.Missing = []string{SlotQuantity}
			s.Clarify.Attempts = 3
		}, StepOps, ReasonClarifyExhausted},
		{"supported language translates", StepGuard, func(s *State) {
			s.Guard.Resolution = Pass()
			s.Intake.Language = "hi"
		}, StepTranslate, ReasonNeedsTranslation},
		{"translated revision goes on", StepGuard, func(s *State) {
			s.Guard.Resolution = Pass()
			s.Intake.Language = "hi"
			s.Translate.Done = true
		}, StepCluster, ReasonGuardPass},
		{"unsupported language escalates", StepGuard, func(s *State) {
			s.Guard.Resolution = Pass()
			s.Intake.Language = "fr"
		}, StepOps, ReasonUnsupportedLanguage},
		{"missing guard resolution", StepGuard, nil, StepOps, ReasonMissingResolution},
		{"clarify answered reparses", StepClarify, func(s *State) { s.Clarify.Status = ClarifyAnswered }, StepIntake, ReasonClarifyAnswered},
		{"clarify expired escalates", StepClarify, func(s *State) { s.Clarify.Status = ClarifyExpired }, StepOps, ReasonClarifyExhausted},
		{"translate done reparses", StepTranslate, func(s *State) { s.Translate.Done = true }, StepIntake, ReasonTranslated},
		{"translate failed", StepTranslate, nil, StepOps, ReasonTranslateFailed},
		{"cluster matched", StepCluster, func(s *State) { s.Cluster.Status = ClusterMatched }, StepSupplier, ReasonClusterMatched},
		{"cluster no match", StepCluster, func(s *State) { s.Cluster.Status = ClusterNoMatch }, StepOps, ReasonClusterNoMatch},
		{"supplier shortlisted", StepSupplier, func(s *State) { s.Supplier.Status = SupplierShortlisted }, StepCommit, ReasonQuotesShortlisted},
		{"supplier fallback", StepSupplier, func(s *State) { s.Supplier.Status = SupplierFallback }, StepCommit, ReasonFallbackQuote},
		{"supplier next round", StepSupplier, func(s *State) { s.Supplier.Status = SupplierNextRound }, StepSupplier, ReasonNextRound},
		{"supplier exhausted", StepSupplier, func(s *State) { s.Supplier.Status = SupplierExhausted }, StepOps, ReasonSupplierExhausted},
		{"supplier stalled", StepSupplier, nil, StepOps, ReasonSupplierStalled},
		{"commit placed", StepCommit, func(s *State) {
			s.Commit.Status = OrderPlaced
			s.Commit.Order = order
		}, StepCash, ReasonOrderCommitted},
		{"commit failed keeps reason", StepCommit, func(s *State) {
			s.Commit.Status = OrderFailed
			s.Commit.Reason = RiskCapacity
		}, StepOps, RiskCapacity},
		{"commit without status", StepCommit, nil, StepOps, ReasonCommitFailed},
		{"prepay confirmed commits", StepCash, func(s *State) { s.Cash.Status = CashConfirmed }, StepCommit, ReasonPrepayConfirmed},
		{"cash confirmed learns", StepCash, func(s *State) {
			s.Cash.Status = CashConfirmed
			s.Commit.Status = OrderPlaced
			s.Commit.Order = order
		}, StepLearn, ReasonCashSettled},
		{"cash created learns", StepCash, func(s *State) {
			s.Cash.Status = CashCreated
			s.Commit.Status = OrderPlaced
			s.Commit.Order = order
		}, StepLearn, ReasonCashSettled},
		{"cash pending approval", StepCash, func(s *State) { s.Cash.Status = CashPendingApproval }, StepOps, ReasonCashNeedsReview},
		{"cash created without order", StepCash, func(s *State) { s.Cash.Status = CashCreated }, StepOps, ReasonCashNeedsReview},
		{"ops approved returns to origin", StepOps, func(s *State) {
			s.Escalation = &Escalation{Seq: 1, From: StepCluster}
			s.Ops.Resolution = Approve()
		}, StepSupplier, ReasonOpsApproved},
		{"ops denied", StepOps, func(s *State) { s.Ops.Resolution = Deny() }, StepDropped, ReasonOpsDenied},
		{"ops canceled", StepOps, func(s *State) { s.Ops.Resolution = Cancel() }, StepDropped, ReasonOpsCanceled},
		{"ops reroute", StepOps, func(s *State) { s.Ops.Resolution = Reroute(StepSupplier) }, StepSupplier, ReasonOpsReroute},
		{"ops reroute to nowhere", StepOps, func(s *State) { s.Ops.Resolution = Resolution{Kind: ResolutionReroute} }, StepOps, ReasonOpsRerouteInvalid},
		{"ops clarify", StepOps, func(s *State) { s.Ops.Resolution = Clarify() }, StepClarify, ReasonOpsClarify},
		{"ops unresolved", StepOps, nil, StepOps, ReasonOpsUnresolved},
		{"learn finishes", StepLearn, nil, StepDone, ReasonLearned},
		{"unknown step", StepName("pricing"), nil, StepOps, ReasonUnknownStep},
	}

	pol := policy.Default()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := NewState(testInbound("r1"), now)
			if tc.state != nil {
				tc.state(st)
			}
			got := Router{}.Route(RouteInput{Step: tc.step, State: st, Policy: pol, Now: now})
			assert.Equal(t, tc.next, got.Next)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func TestRouterIsDeterministic(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	st := NewState(testInbound("r1"), now)
	st.Guard.Resolution = Pass()
	st.Intake.Missing = []string{SlotLocation}
	st.Clarify.Attempts = 1
	in := RouteInput{Step: StepGuard, State: st, Policy: policy.Default(), Now: now}

	first := Router{}.Route(in)
	before := st.Clone()
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Router{}.Route(in))
	}
	assert.Equal(t, before, st, "routing must not mutate state")
}

func TestRouterClarifyDeadlinePassedEscalates(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	st := NewState(testInbound("r1"), now)
	st.Guard.Resolution = Clarify()
	st.Clarify.Attempts = 1
	st.Clarify.Deadline = now.Add(-time.Minute)

	got := Router{}.Route(RouteInput{Step: StepGuard, State: st, Policy: policy.Default(), Now: now})
	assert.Equal(t, Decision{Next: StepOps, Reason: ReasonClarifyExhausted}, got)
}

func TestApprovalTarget(t *testing.T) {
	cases := map[StepName]StepName{
		StepIntake:    StepCluster,
		StepGuard:     StepCluster,
		StepClarify:   StepCluster,
		StepTranslate: StepCluster,
		StepCluster:   StepSupplier,
		StepSupplier:  StepSupplier,
		StepCommit:    StepCommit,
		StepCash:      StepCash,
		StepLearn:     StepDone,
		"":            StepOps,
	}
	for origin, want := range cases {
		assert.Equal(t, want, ApprovalTarget(origin, nil), "origin %q", origin)
	}
	esc := &Escalation{From: StepCommit, Reason: RiskCashNotConfirmed, Flags: []string{RiskCashNotConfirmed}}
	assert.Equal(t, StepCash, ApprovalTarget(StepCommit, esc))

	wording := &Escalation{From: StepCommit, Reason: "operator note: " + RiskCashNotConfirmed}
	assert.Equal(t, StepCommit, ApprovalTarget(StepCommit, wording), "reason text never decides the target")
}

func TestCommitFailureCarriesFlagsToEscalation(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	st := NewState(testInbound("r1"), now)
	st.Commit.Status = OrderFailed
	st.Commit.Reason = RiskCashNotConfirmed
	st.Commit.RiskFlags = []string{RiskCashNotConfirmed}

	d := Router{}.Route(RouteInput{Step: StepCommit, State: st, Policy: policy.Default(), Now: now})
	assert.Equal(t, Decision{Next: StepOps, Reason: RiskCashNotConfirmed, Flags: []string{RiskCashNotConfirmed}}, d)

	entry := (&Engine{}).routeEntry(st, StepCommit, d, now, nil)
	require.NotNil(t, entry.Escalation)
	assert.True(t, entry.Escalation.HasFlag(RiskCashNotConfirmed))

	st.Escalation = entry.Escalation
	hop := (&Engine{}).routeEntry(st, StepOps, Decision{Next: StepOps, Reason: ReasonOpsRenotify}, now, nil)
	assert.Equal(t, StepCommit, hop.Escalation.From)
	assert.True(t, hop.Escalation.HasFlag(RiskCashNotConfirmed), "an ops hop keeps the original flags")
}

func TestOpsApprovedOnlyForCurrentEscalation(t *testing.T) {
	st := NewState(testInbound("r1"), time.Now())
	st.Escalation = &Escalation{Seq: 2, From: StepCommit}
	st.Ops.Resolution = Approve()
	st.Ops.Task = &OpsTask{EscalationSeq: 1}
	assert.False(t, st.OpsApproved(StepCommit), "stale task")

	st.Ops.Task.EscalationSeq = 2
	assert.True(t, st.OpsApproved(StepCommit))
	assert.False(t, st.OpsApproved(StepCash))

	st.Ops.Resolution = Deny()
	assert.False(t, st.OpsApproved(StepCommit))
}

func TestParseResolution(t *testing.T) {
	cases := map[string]Resolution{
		"approved":         Approve(),
		" Approve ":        Approve(),
		"denied":           Deny(),
		"cancelled":        Cancel(),
		"ok":               Pass(),
		"escalate":         Escalate(),
		"drop":             Drop(),
		"clarify":          Clarify(),
		"reroute:supplier": Reroute(StepSupplier),
		"REROUTE:Commit":   Reroute(StepCommit),
		"reroute:dropped":  Reroute(StepDropped),
	}
	for token, want := range cases {
		got, err := ParseResolution(token)
		require.NoError(t, err, token)
		assert.Equal(t, want, got, token)
	}

	for _, bad := range []string{"", "maybe", "reroute:", "reroute:pricing"} {
		_, err := ParseResolution(bad)
		require.Error(t, err, bad)
		assert.Equal(t, ErrCodeInvalidResolution, MapRuntimeError(err).RuntimeCode, bad)
	}
}

func TestResolutionTextEncoding(t *testing.T) {
	var r Resolution
	require.NoError(t, r.UnmarshalText([]byte("reroute:cash")))
	assert.Equal(t, Reroute(StepCash), r)
	text, err := r.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "reroute:cash", string(text))

	require.NoError(t, r.UnmarshalText(nil))
	assert.True(t, r.IsZero())
	assert.Error(t, r.UnmarshalText([]byte("nonsense")))
}
