package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
	"github.com/goliatone/go-fulfillment/policy"
)

// Guard reasons, also raised as risk flags.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonReplay           = "replay"
	ReasonHighVelocity     = "high_velocity"
	ReasonBlacklist        = "blacklist_hit"
	ReasonProfanity        = "profanity"
	ReasonPromptInjection  = "prompt_injection"
)

// Guard screens the latest customer message. Checks run in precedence order
// invalid_signature > replay > rate limit > blacklist > profanity > injection; the first hit decides
// the resolution and later hits are only recorded.
type Guard struct {
	deps Deps
}

func (*Guard) Name() flow.StepName { return flow.StepGuard }

func (g *Guard) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	pol := in.Policy.Guard
	prev := st.Guard

	requestID := st.Inbound.RequestID
	text := st.Inbound.Text
	flags := st.Inbound.RiskFlags
	if st.Clarify.ReplyRequestID != "" {
		requestID = st.Clarify.ReplyRequestID
		text = st.Clarify.Reply
		flags = st.Clarify.ReplyRiskFlags
	}

	verdict := guardVerdict{resolution: flow.Pass()}
	sanitized := Sanitize(st.Intake.Text, pol.AllowLinks)
	if sanitized == "" {
		sanitized = Sanitize(text, pol.AllowLinks)
	}

	if containsFlag(flags, flow.RiskInvalidSignature) {
		if pol.DropOnInvalidSignature {
			verdict.hit(flow.Drop(), ReasonInvalidSignature)
			return g.result(ctx, st, in, verdict, requestID, sanitized)
		}
		verdict.hit(flow.Escalate(), ReasonInvalidSignature)
	}

	// replay and rate counters are per request; re-checking the same request (after translation
	// or a retry) must not count it twice
	if prev.CheckedRequestID == requestID && requestID != "" {
		for _, r := range prev.Reasons {
			if r == ReasonHighVelocity {
				verdict.hit(flow.Clarify(), ReasonHighVelocity)
				verdict.retryAfter = prev.RetryAfter
			}
		}
	} else if requestID != "" {
		replay, err := g.isReplay(ctx, requestID, st.OrderID, pol.DedupeTTL)
		if err != nil {
			return flow.StepResult{}, err
		}
		if replay {
			verdict.hit(flow.Drop(), ReasonReplay)
			return g.result(ctx, st, in, verdict, requestID, sanitized)
		}
		limited, err := g.rateLimited(ctx, st.Inbound.ChatID, in.Now, pol)
		if err != nil {
			return flow.StepResult{}, err
		}
		if limited {
			verdict.hit(flow.Clarify(), ReasonHighVelocity)
			verdict.retryAfter = pol.PerUserBurstWindow
		}
	}

	if blacklistHit(text, pol.BlacklistWords) != "" {
		verdict.hit(flow.Escalate(), ReasonBlacklist)
	}
	if !pol.AllowProfanity && HasProfanity(text) {
		verdict.hit(flow.Clarify(), ReasonProfanity)
	}
	if HasPromptInjection(text) {
		verdict.hit(flow.Clarify(), ReasonPromptInjection)
	}
	return g.result(ctx, st, in, verdict, requestID, sanitized)
}

type guardVerdict struct {
	resolution flow.Resolution
	reasons    []string
	retryAfter time.Duration
	decided    bool
}

func (v *guardVerdict) hit(res flow.Resolution, reason string) {
	v.reasons = flow.AppendUnique(v.reasons, reason)
	if v.decided {
		return
	}
	v.resolution = res
	v.decided = true
}

func (g *Guard) result(ctx context.Context, st *flow.State, in flow.StepInput, v guardVerdict, requestID, sanitized string) (flow.StepResult, error) {
	st.Guard = flow.GuardState{
		Resolution:       v.resolution,
		Reasons:          v.reasons,
		RiskFlags:        flow.AppendUnique(nil, v.reasons...),
		SanitizedText:    sanitized,
		RetryAfter:       v.retryAfter,
		CheckedRequestID: requestID,
	}
	if len(v.reasons) > 0 {
		g.deps.logger(ctx, st, flow.StepGuard).
			Info("guard resolution=%s reasons=%v", v.resolution, v.reasons)
	}
	return flow.Continue(st, flow.NewEvent(in.Now, "guard.checked", map[string]any{
		"resolution": v.resolution.String(),
		"reasons":    v.reasons,
	})), nil
}

// isReplay claims guard:seen:<request>. The claim stores the order id so a re-run of the same
// pipeline is not mistaken for a replay.
func (g *Guard) isReplay(ctx context.Context, requestID, orderID string, ttl time.Duration) (bool, error) {
	key := "guard:seen:" + requestID
	created, err := g.deps.KV.SetNX(ctx, key, orderID, ttl)
	if err != nil {
		return false, fulfillment.Transient(err, "guard replay check failed", map[string]any{"key": key})
	}
	if created {
		return false, nil
	}
	owner, ok, err := g.deps.KV.Get(ctx, key)
	if err != nil {
		return false, fulfillment.Transient(err, "guard replay lookup failed", map[string]any{"key": key})
	}
	return ok && owner != orderID, nil
}

func (g *Guard) rateLimited(ctx context.Context, chatID string, now time.Time, pol policy.GuardPolicy) (bool, error) {
	window := pol.PerUserBurstWindow
	if window <= 0 || pol.PerUserBurstN <= 0 {
		return false, nil
	}
	bucket := now.Unix() / int64(window/time.Second)
	key := fmt.Sprintf("guard:rate:%s:%d", chatID, bucket)
	count, err := g.deps.KV.IncrWindow(ctx, key, window)
	if err != nil {
		return false, fulfillment.Transient(err, "guard rate check failed", map[string]any{"key": key})
	}
	return count > pol.PerUserBurstN, nil
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
