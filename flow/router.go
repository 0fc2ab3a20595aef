package flow

import (
	"strings"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/policy"
)

// Routing reasons recorded on route entries and escalations.
const (
	ReasonAlways              = "always"
	ReasonGuardDrop           = "guard_drop"
	ReasonGuardOps            = "guard_ops"
	ReasonNeedsClarification  = "needs_clarification"
	ReasonClarifyExhausted    = "clarify_exhausted"
	ReasonClarifyAnswered     = "clarify_answered"
	ReasonNeedsTranslation    = "needs_translation"
	ReasonUnsupportedLanguage = "unsupported_language"
	ReasonTranslated          = "translated"
	ReasonTranslateFailed     = "translate_failed"
	ReasonGuardPass           = "guard_pass"
	ReasonClusterMatched      = "cluster_matched"
	ReasonClusterNoMatch      = "cluster_no_match"
	ReasonQuotesShortlisted   = "quotes_shortlisted"
	ReasonFallbackQuote       = "fallback_quote"
	ReasonNextRound           = "next_round"
	ReasonSupplierExhausted   = "supplier_exhausted"
	ReasonSupplierStalled     = "supplier_stalled"
	ReasonCommitFailed        = "commit_failed"
	ReasonOrderCommitted      = "order_committed"
	ReasonPrepayConfirmed     = "prepay_confirmed"
	ReasonCashSettled         = "cash_settled"
	ReasonCashNeedsReview     = "cash_needs_review"
	ReasonOpsApproved         = "ops_approved"
	ReasonOpsDenied           = "ops_denied"
	ReasonOpsCanceled         = "ops_canceled"
	ReasonOpsReroute          = "ops_reroute"
	ReasonOpsRerouteInvalid   = "ops_reroute_invalid"
	ReasonOpsClarify          = "ops_clarify"
	ReasonOpsRenotify         = "ops_renotify"
	ReasonOpsUnresolved       = "ops_unresolved"
	ReasonLearned             = "learned"
	ReasonMissingResolution   = "missing_resolution"
	ReasonUnknownStep         = "unknown_step"
)

// Risk flags raised by steps and read by the router.
const (
	RiskInvalidSignature = "invalid_signature"
	RiskNoMarketQuotes   = "no_market_quotes"
	RiskCashNotConfirmed = "cash_not_confirmed"
	RiskPoolingRules     = "pooling_rules_not_met"
	RiskCapacity         = "capacity_unavailable"
	RiskLedgerQuarantine = "ledger_quarantine"
)

// RouteInput is everything the router may look at.
type RouteInput struct {
	Step   StepName
	State  *State
	Policy *policy.Snapshot
	Now    time.Time
}

// Decision is the router's verdict.
type Decision struct {
	Next   StepName `json:"next"`
	Reason string   `json:"reason"`
	// Flags are the risk flags behind an escalation. They travel on the Escalation.
	Flags []string `json:"flags,omitempty"`
}

// Router maps a completed step and the state it produced to the next hop. It has no
// dependencies and no side effects: identical input yields identical output.
type Router struct{}

// Route selects the next step.
func (Router) Route(in RouteInput) Decision {
	st := in.State
	if st == nil {
		return Decision{Next: StepOps, Reason: ReasonMissingResolution}
	}
	pol := in.Policy
	if pol == nil {
		pol = policy.Default()
	}
	switch in.Step {
	case StepIntake:
		return Decision{Next: StepGuard, Reason: ReasonAlways}
	case StepGuard:
		return routeGuard(st, pol, in.Now)
	case StepClarify:
		return routeClarify(st)
	case StepTranslate:
		if st.Translate.Done {
			return Decision{Next: StepIntake, Reason: ReasonTranslated}
		}
		return Decision{Next: StepOps, Reason: ReasonTranslateFailed}
	case StepCluster:
		if st.Cluster.Status == ClusterMatched {
			return Decision{Next: StepSupplier, Reason: ReasonClusterMatched}
		}
		return Decision{Next: StepOps, Reason: ReasonClusterNoMatch}
	case StepSupplier:
		return routeSupplier(st)
	case StepCommit:
		if st.Commit.Status == "" || st.Commit.Status == OrderFailed {
			reason := ReasonCommitFailed
			if st.Commit.Reason != "" {
				reason = st.Commit.Reason
			}
			return Decision{Next: StepOps, Reason: reason, Flags: append([]string(nil), st.Commit.RiskFlags...)}
		}
		return Decision{Next: StepCash, Reason: ReasonOrderCommitted}
	case StepCash:
		return routeCash(st)
	case StepOps:
		return routeOps(st)
	case StepLearn:
		return Decision{Next: StepDone, Reason: ReasonLearned}
	}
	return Decision{Next: StepOps, Reason: ReasonUnknownStep}
}

func routeGuard(st *State, pol *policy.Snapshot, now time.Time) Decision {
	switch st.Guard.Resolution.Kind {
	case ResolutionDrop:
		return Decision{Next: StepDropped, Reason: joinReasons(ReasonGuardDrop, st.Guard.Reasons)}
	case ResolutionEscalate:
		return Decision{Next: StepOps, Reason: joinReasons(ReasonGuardOps, st.Guard.Reasons)}
	case ResolutionClarify:
		return clarifyOrEscalate(st, pol, now, joinReasons(ReasonNeedsClarification, st.Guard.Reasons))
	case ResolutionPass:
		if st.Intake.HasGaps() {
			return clarifyOrEscalate(st, pol, now, ReasonNeedsClarification)
		}
		lang := strings.ToLower(strings.TrimSpace(st.Intake.Language))
		if lang != "" && !strings.EqualFold(lang, pol.DefaultLanguage) && !st.translatedCurrentRevision() {
			if pol.SupportsLanguage(lang) {
				return Decision{Next: StepTranslate, Reason: ReasonNeedsTranslation}
			}
			if pol.Translate.Enabled {
				return Decision{Next: StepOps, Reason: ReasonUnsupportedLanguage}
			}
		}
		return Decision{Next: StepCluster, Reason: ReasonGuardPass}
	}
	return Decision{Next: StepOps, Reason: ReasonMissingResolution}
}

func clarifyOrEscalate(st *State, pol *policy.Snapshot, now time.Time, reason string) Decision {
	if st.Clarify.Exhausted(pol.Clarify.MaxAttempts, now) {
		return Decision{Next: StepOps, Reason: ReasonClarifyExhausted}
	}
	return Decision{Next: StepClarify, Reason: reason}
}

// routeClarify sends an answered question back through intake. An unanswered question only
// reaches the router once its deadline passed or the step refused to ask again.
func routeClarify(st *State) Decision {
	if st.Clarify.Status == ClarifyAnswered {
		return Decision{Next: StepIntake, Reason: ReasonClarifyAnswered}
	}
	return Decision{Next: StepOps, Reason: ReasonClarifyExhausted}
}

func routeSupplier(st *State) Decision {
	switch st.Supplier.Status {
	case SupplierShortlisted:
		return Decision{Next: StepCommit, Reason: ReasonQuotesShortlisted}
	case SupplierFallback:
		return Decision{Next: StepCommit, Reason: ReasonFallbackQuote}
	case SupplierNextRound:
		return Decision{Next: StepSupplier, Reason: ReasonNextRound}
	case SupplierExhausted:
		return Decision{Next: StepOps, Reason: ReasonSupplierExhausted}
	}
	return Decision{Next: StepOps, Reason: ReasonSupplierStalled}
}

func routeCash(st *State) Decision {
	hasOrder := st.Commit.Order != nil && st.Commit.Status != OrderFailed
	switch st.Cash.Status {
	case CashPendingApproval:
		return Decision{Next: StepOps, Reason: ReasonCashNeedsReview, Flags: []string{RiskLedgerQuarantine}}
	case CashExpired, CashFailed:
		return Decision{Next: StepOps, Reason: ReasonCashNeedsReview}
	case CashConfirmed:
		if !hasOrder {
			return Decision{Next: StepCommit, Reason: ReasonPrepayConfirmed}
		}
		return Decision{Next: StepLearn, Reason: ReasonCashSettled}
	case CashCreated, CashRetryQueued:
		if hasOrder {
			return Decision{Next: StepLearn, Reason: ReasonCashSettled}
		}
	}
	return Decision{Next: StepOps, Reason: ReasonCashNeedsReview}
}

func routeOps(st *State) Decision {
	res := st.Ops.Resolution
	origin := StepName("")
	if st.Escalation != nil {
		origin = st.Escalation.From
	}
	switch res.Kind {
	case ResolutionApprove, ResolutionPass:
		return Decision{Next: ApprovalTarget(origin, st.Escalation), Reason: ReasonOpsApproved}
	case ResolutionDeny, ResolutionDrop:
		return Decision{Next: StepDropped, Reason: ReasonOpsDenied}
	case ResolutionCancel:
		return Decision{Next: StepDropped, Reason: ReasonOpsCanceled}
	case ResolutionReroute:
		if res.Target == "" || !res.Target.Known() {
			return Decision{Next: StepOps, Reason: ReasonOpsRerouteInvalid}
		}
		return Decision{Next: res.Target, Reason: ReasonOpsReroute}
	case ResolutionClarify:
		return Decision{Next: StepClarify, Reason: ReasonOpsClarify}
	case ResolutionEscalate:
		return Decision{Next: StepOps, Reason: ReasonOpsRenotify}
	}
	return Decision{Next: StepOps, Reason: ReasonOpsUnresolved}
}

// ApprovalTarget is where an approved escalation resumes, keyed by the step that escalated.
func ApprovalTarget(origin StepName, esc *Escalation) StepName {
	switch origin {
	case StepIntake, StepGuard, StepClarify, StepTranslate:
		return StepCluster
	case StepCluster:
		return StepSupplier
	case StepSupplier:
		return StepSupplier
	case StepCommit:
		if esc.HasFlag(RiskCashNotConfirmed) {
			return StepCash
		}
		return StepCommit
	case StepCash:
		return StepCash
	case StepLearn:
		return StepDone
	}
	return StepOps
}

// OpsApproved reports whether the current escalation from origin was approved by an operator.
// Steps use it to honour an override exactly once per escalation.
func (s *State) OpsApproved(origin StepName) bool {
	if s == nil || s.Escalation == nil || s.Escalation.From != origin {
		return false
	}
	if s.Ops.Task == nil || s.Ops.Task.EscalationSeq != s.Escalation.Seq {
		return false
	}
	switch s.Ops.Resolution.Kind {
	case ResolutionApprove, ResolutionPass:
		return true
	}
	return false
}

func (s *State) translatedCurrentRevision() bool {
	return s.Translate.Done && s.Translate.ForRevision == s.Intake.Revision
}

func joinReasons(base string, reasons []string) string {
	if len(reasons) == 0 {
		return base
	}
	return base + ":" + strings.Join(reasons, ",")
}

// validateOutput checks invariants on the namespace a step just wrote. A failure is treated as a
// validation error: the namespace is reset and the pipeline escalates.
func validateOutput(step StepName, st *State) error {
	fail := func(msg string) error {
		return fulfillment.Validation("invalid "+string(step)+" output: "+msg, map[string]any{"step": string(step)})
	}
	switch step {
	case StepGuard:
		switch st.Guard.Resolution.Kind {
		case ResolutionPass, ResolutionClarify, ResolutionEscalate, ResolutionDrop:
		default:
			return fail("guard resolution must be pass, clarify, ops or drop")
		}
	case StepClarify:
		switch st.Clarify.Status {
		case ClarifyAsked, ClarifyAnswered, ClarifyExpired:
		default:
			return fail("clarify status missing")
		}
	case StepCluster:
		if st.Cluster.Status == ClusterMatched && st.Cluster.ClusterID == "" {
			return fail("matched cluster without id")
		}
	case StepSupplier:
		switch st.Supplier.Status {
		case SupplierShortlisted, SupplierFallback:
			if st.Supplier.Selected == nil {
				return fail("no selected quote")
			}
			if st.Supplier.Selected.Amount <= 0 {
				return fail("selected quote amount must be positive")
			}
		}
	case StepCommit:
		if st.Commit.Status != "" && st.Commit.Status != OrderFailed {
			if st.Commit.Order == nil || st.Commit.Order.OrderID != st.OrderID {
				return fail("committed status without matching order record")
			}
		}
	case StepCash:
		if st.Cash.AmountPaise < 0 {
			return fail("negative amount")
		}
	}
	return nil
}
