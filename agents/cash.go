package agents

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
)

// Ledger statuses.
const (
	LedgerPendingApproval = "pending_approval"
	LedgerApproved        = "approved"
	LedgerCreated         = "created"
	LedgerQueued          = "queued"
	LedgerConfirmed       = "confirmed"
	LedgerFailed          = "failed"
	LedgerExpired         = "expired"
)

// Cash collects payment. Amounts above the unapproved limit are quarantined for Ops. On the
// prepay path (no order yet) it waits for the provider's confirmation.
type Cash struct {
	deps Deps
}

func (*Cash) Name() flow.StepName { return flow.StepCash }

func (c *Cash) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	cs := st.Cash
	pol := in.Policy.Cash
	hasOrder := st.Commit.Order != nil && st.Commit.Status != flow.OrderFailed

	amount := 0.0
	switch {
	case hasOrder:
		amount = st.Commit.Order.Amount
	case st.Supplier.Selected != nil:
		amount = st.Supplier.Selected.Amount
	}
	if amount <= 0 {
		cs.Status = flow.CashFailed
		cs.Reason = "no_payable_amount"
		st.Cash = cs
		return flow.Continue(st, flow.NewEvent(in.Now, "cash.failed", map[string]any{"reason": cs.Reason})), nil
	}
	cs.AmountPaise = int64(math.Round(amount * 100))
	cs.Currency = strings.ToUpper(pol.Currency)
	cs.RequiresPrepay = !hasOrder

	if sig := in.Signal; sig != nil {
		switch sig.Kind {
		case flow.SignalPaymentConfirmed:
			status, ledger := flow.CashConfirmed, LedgerConfirmed
			if isFailedPayment(sig.PaymentStatus) {
				status, ledger = flow.CashFailed, LedgerFailed
			}
			if sig.PaymentID != "" {
				cs.PaymentID = sig.PaymentID
			}
			cs.Status = status
			st.Cash = cs
			if err := c.post(ctx, st, ledger, in); err != nil {
				return flow.StepResult{}, err
			}
			return flow.Continue(st, flow.NewEvent(in.Now, "payment."+string(status), map[string]any{
				"payment_id": cs.PaymentID,
			})), nil
		case flow.SignalTimer:
			cs.Status = flow.CashExpired
			cs.Reason = "confirmation_deadline_passed"
			st.Cash = cs
			if err := c.post(ctx, st, LedgerExpired, in); err != nil {
				return flow.StepResult{}, err
			}
			return flow.Continue(st, flow.NewEvent(in.Now, "payment.expired", map[string]any{"payment_id": cs.PaymentID})), nil
		}
	}

	approved := false
	switch cs.Status {
	case flow.CashConfirmed:
		st.Cash = cs
		return flow.Continue(st), nil
	case flow.CashCreated, flow.CashRetryQueued:
		st.Cash = cs
		if hasOrder {
			return flow.Continue(st), nil
		}
		return c.awaitConfirmation(st, in), nil
	case flow.CashPendingApproval:
		if !st.OpsApproved(flow.StepCash) {
			st.Cash = cs
			return flow.Continue(st), nil
		}
		approved = true
		cs.Reason = ""
		st.Cash = cs
		if err := c.post(ctx, st, LedgerApproved, in); err != nil {
			return flow.StepResult{}, err
		}
	case flow.CashExpired, flow.CashFailed:
		if !st.OpsApproved(flow.StepCash) {
			st.Cash = cs
			return flow.Continue(st), nil
		}
		approved = true
		cs.Round++
		cs.PaymentID = ""
		cs.Reason = ""
		cs.Deadline = time.Time{}
	}

	if !approved && amount > pol.MaxUnapprovedDeltaINR {
		cs.Status = flow.CashPendingApproval
		cs.Reason = flow.RiskLedgerQuarantine
		st.Cash = cs
		if err := c.post(ctx, st, LedgerPendingApproval, in); err != nil {
			return flow.StepResult{}, err
		}
		return flow.Continue(st, flow.NewEvent(in.Now, "ledger.quarantined", map[string]any{
			"amount_paise": cs.AmountPaise,
			"limit_inr":    pol.MaxUnapprovedDeltaINR,
		})), nil
	}

	ref := fmt.Sprintf("%s:pay:%d", st.OrderID, cs.Round)
	req := flow.PaymentRequest{
		AmountPaise:    cs.AmountPaise,
		Currency:       cs.Currency,
		IdempotencyRef: ref,
		Receipt:        st.OrderID,
	}
	payment, rec, err := flow.Perform(ctx, c.deps.Actions, flow.Action{
		Kind:    flow.ActionPaymentCreate,
		Ref:     ref,
		OrderID: st.OrderID,
		Payload: mustJSON(req),
	}, func(ctx context.Context) (flow.Payment, error) {
		return c.deps.Payments.CreateOrder(ctx, req)
	})
	switch {
	case flow.IsRetryQueued(err):
		cs.Status = flow.CashRetryQueued
		st.Cash = cs
		if err := c.post(ctx, st, LedgerQueued, in); err != nil {
			return flow.StepResult{}, err
		}
	case err != nil:
		if fulfillment.Classify(err) == fulfillment.KindTransient {
			return flow.StepResult{}, err
		}
		cs.Status = flow.CashFailed
		cs.Reason = err.Error()
		st.Cash = cs
		return flow.Continue(st, flow.NewEvent(in.Now, "payment.failed", map[string]any{"error": err.Error()})), nil
	default:
		cs.PaymentID = payment.ID
		cs.Status = flow.CashCreated
		st.Cash = cs
		if err := c.post(ctx, st, LedgerCreated, in); err != nil {
			return flow.StepResult{}, err
		}
		if payment.ShortURL != "" {
			_, _, serr := send(ctx, c.deps, st.OrderID, ref+":link", flow.OutboundMessage{
				ChatID: st.Inbound.ChatID,
				Text:   fmt.Sprintf("Please complete payment of %s %.2f: %s", cs.Currency, amount, payment.ShortURL),
			})
			if serr != nil && !flow.IsRetryQueued(serr) {
				c.deps.logger(ctx, st, flow.StepCash).Warn("payment link delivery failed: %v", serr)
			}
		}
	}

	ev := flow.NewEvent(in.Now, "payment."+string(cs.Status), map[string]any{
		"payment_id":   cs.PaymentID,
		"amount_paise": cs.AmountPaise,
		"reused":       rec.Reused,
		"prepay":       cs.RequiresPrepay,
	})
	if hasOrder {
		return flow.Continue(st, ev), nil
	}
	return c.awaitConfirmation(st, in, ev), nil
}

func (c *Cash) awaitConfirmation(st *flow.State, in flow.StepInput, events ...flow.Event) flow.StepResult {
	if st.Cash.Deadline.IsZero() {
		st.Cash.Deadline = deadlineFrom(in.Now, in.Policy.Cash.ConfirmationDeadline)
	}
	return flow.SuspendOn(st, flow.Wait{
		Kind:          flow.SignalPaymentConfirmed,
		CorrelationID: st.Cash.PaymentID,
		Deadline:      st.Cash.Deadline,
		Reason:        "awaiting_payment",
	}, events...)
}

func (c *Cash) post(ctx context.Context, st *flow.State, status string, in flow.StepInput) error {
	err := c.deps.DAO.PostLedger(ctx, flow.LedgerEntry{
		OrderID:     st.OrderID,
		PaymentID:   st.Cash.PaymentID,
		AmountPaise: st.Cash.AmountPaise,
		Currency:    st.Cash.Currency,
		Status:      status,
		CreatedAt:   in.Now,
	})
	if err != nil {
		return fulfillment.Transient(err, "ledger post failed", map[string]any{"status": status})
	}
	return nil
}

func isFailedPayment(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "failed", "declined", "cancelled", "canceled":
		return true
	}
	return false
}
