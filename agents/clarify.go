package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-fulfillment/flow"
)

// ClarifyStep asks the customer for missing or unusable details and waits for the reply.
type ClarifyStep struct {
	deps Deps
}

func (*ClarifyStep) Name() flow.StepName { return flow.StepClarify }

func (c *ClarifyStep) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	cl := st.Clarify

	if sig := in.Signal; sig != nil {
		switch sig.Kind {
		case flow.SignalUserReply:
			cl.Status = flow.ClarifyAnswered
			cl.Reply = strings.TrimSpace(sig.Text)
			cl.ReplyRequestID = sig.RequestID
			cl.ReplyRiskFlags = append([]string(nil), sig.RiskFlags...)
			st.Clarify = cl
			return flow.Continue(st, flow.NewEvent(in.Now, "clarify.answered", map[string]any{
				"attempts":   cl.Attempts,
				"request_id": sig.RequestID,
			})), nil
		case flow.SignalTimer:
			cl.Status = flow.ClarifyExpired
			st.Clarify = cl
			return flow.Continue(st, flow.NewEvent(in.Now, "clarify.expired", map[string]any{"attempts": cl.Attempts})), nil
		}
	}

	if cl.Exhausted(in.Policy.Clarify.MaxAttempts, in.Now) {
		cl.Status = flow.ClarifyExpired
		st.Clarify = cl
		return flow.Continue(st, flow.NewEvent(in.Now, "clarify.exhausted", map[string]any{"attempts": cl.Attempts})), nil
	}

	cl.Attempts++
	if cl.Deadline.IsZero() {
		cl.Deadline = deadlineFrom(in.Now, in.Policy.Clarify.Deadline)
	}
	cl.Question = clarifyQuestion(st)
	cl.Status = flow.ClarifyAsked
	st.Clarify = cl

	ref := fmt.Sprintf("%s:clarify:%d", st.OrderID, cl.Attempts)
	_, _, err := send(ctx, c.deps, st.OrderID, ref, flow.OutboundMessage{
		ChatID: st.Inbound.ChatID,
		Text:   cl.Question,
	})
	if err != nil && !flow.IsRetryQueued(err) {
		return flow.StepResult{}, err
	}

	return flow.SuspendOn(st, flow.Wait{
		Kind:          flow.SignalUserReply,
		CorrelationID: st.Inbound.ConversationKey(),
		Deadline:      cl.Deadline,
		Reason:        "awaiting_customer_reply",
	}, flow.NewEvent(in.Now, "clarify.asked", map[string]any{
		"attempt":  cl.Attempts,
		"question": cl.Question,
		"queued":   err != nil,
	})), nil
}

func clarifyQuestion(st *flow.State) string {
	for _, reason := range st.Guard.Reasons {
		switch reason {
		case ReasonHighVelocity:
			return "You are sending messages very quickly. Please wait a moment and send your full request in one message."
		case ReasonProfanity, ReasonPromptInjection:
			return "Sorry, we could not process that message. Please tell us the item, quantity and delivery location you need."
		}
	}
	missing := st.Intake.Missing
	if len(missing) == 0 {
		return "Could you confirm the item, quantity and delivery location for your order?"
	}
	parts := make([]string, 0, len(missing))
	for _, slot := range missing {
		switch slot {
		case flow.SlotItem:
			parts = append(parts, "which item you need")
		case flow.SlotQuantity:
			parts = append(parts, "how much you need (for example 50 kg)")
		case flow.SlotLocation:
			parts = append(parts, "the delivery city or pincode")
		default:
			parts = append(parts, slot)
		}
	}
	return "Please tell us " + strings.Join(parts, ", ") + "."
}
