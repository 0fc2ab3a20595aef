package agents

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
)

// Commit failure reasons.
const (
	ReasonNoSelectedQuote = "no_selected_quote"
)

// Commit places the order. The order row is a conditional insert keyed by order id; every later
// sub-step (PO render, supplier notification, shipment) goes through the action gateway keyed by
// the PO id, so re-running Commit after a crash finishes the missing sub-steps and repeats none.
type Commit struct {
	deps Deps
}

func (*Commit) Name() flow.StepName { return flow.StepCommit }

func (c *Commit) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	logger := c.deps.logger(ctx, st, flow.StepCommit)

	existing, err := c.deps.DAO.GetOrder(ctx, st.OrderID)
	if err != nil && !flow.IsNotFound(err) {
		return flow.StepResult{}, fulfillment.Transient(err, "order lookup failed")
	}
	if existing != nil && existing.Status != flow.OrderAwaitingSupplierAck {
		st.Commit = flow.CommitState{
			Order:     existing,
			Status:    existing.Status,
			RiskFlags: existing.RiskFlags,
			Existing:  true,
		}
		return flow.Continue(st, flow.NewEvent(in.Now, "order.existing", map[string]any{
			"order_id": existing.OrderID,
			"status":   string(existing.Status),
		})), nil
	}

	quote := st.Supplier.Selected
	if existing == nil {
		if quote == nil || quote.Amount <= 0 {
			return c.failed(st, in, ReasonNoSelectedQuote, nil), nil
		}
		prepay, err := c.requiresPrepay(ctx, st, in, quote.Amount)
		if err != nil {
			return flow.StepResult{}, err
		}
		if prepay && st.Cash.Status != flow.CashConfirmed {
			return c.failed(st, in, flow.RiskCashNotConfirmed, []string{flow.RiskCashNotConfirmed}), nil
		}
		if !st.OpsApproved(flow.StepCommit) {
			if ok, saving := poolingRulesMet(st, in, quote.Amount); !ok {
				logger.Info("pooling rules not met saving=%.2f sla_risk=%.2f", saving, st.Cluster.SLARiskPct)
				return c.failed(st, in, flow.RiskPoolingRules, []string{flow.RiskPoolingRules}), nil
			}
		}
	}

	order := existing
	var events []flow.Event
	if order == nil {
		rec := c.newOrder(st, in, *quote)
		stored, created, err := c.deps.DAO.CreateOrder(ctx, rec)
		if err != nil {
			return flow.StepResult{}, fulfillment.Transient(err, "order insert failed")
		}
		order = &stored
		if created {
			events = append(events, c.record(ctx, order, flow.NewEvent(in.Now, "order.created", map[string]any{
				"po_id":       order.POID,
				"supplier_id": order.SupplierID,
				"amount":      order.Amount,
			})))
		}
	}

	artifact, _, err := flow.Perform(ctx, c.deps.Actions, flow.Action{
		Kind:    flow.ActionPORender,
		Ref:     order.POID,
		OrderID: order.OrderID,
		Payload: mustJSON(order),
	}, func(ctx context.Context) (flow.Artifact, error) {
		return c.deps.Renderer.RenderPO(ctx, *order)
	})
	if err != nil && !flow.IsRetryQueued(err) {
		return flow.StepResult{}, err
	}
	if err == nil && !hasArtifact(order.Artifacts, artifact) {
		order.Artifacts = append(order.Artifacts, artifact)
		events = append(events, c.record(ctx, order, flow.NewEvent(in.Now, "po.rendered", map[string]any{"uri": artifact.URI})))
	}

	notifyQueued := false
	msg := flow.OutboundMessage{
		ChatID: supplierChat(st, order.SupplierID),
		Text: fmt.Sprintf("PO %s confirmed: %.2f %s of %s for INR %.2f. Please acknowledge.",
			order.POID, order.Quantity, order.Unit, order.Item, order.Amount),
		Buttons: []flow.Button{{Label: "Acknowledge", Value: "ack:" + order.POID}},
	}
	_, notify, err := flow.Perform(ctx, c.deps.Actions, flow.Action{
		Kind:    flow.ActionSupplierNotify,
		Ref:     order.POID,
		OrderID: order.OrderID,
		Payload: mustJSON(msg),
	}, func(ctx context.Context) (flow.DeliveryAck, error) {
		return c.deps.Messenger.Send(ctx, msg)
	})
	switch {
	case flow.IsRetryQueued(err):
		notifyQueued = true
	case err != nil:
		return flow.StepResult{}, err
	case !notify.Reused:
		events = append(events, c.record(ctx, order, flow.NewEvent(in.Now, "supplier.notified", map[string]any{"supplier_id": order.SupplierID})))
	}

	// Capacity is a soft hold. A reservation error downgrades the order and never fails the commit.
	reserved, err := c.deps.DAO.ReserveCapacity(ctx, order.SupplierID, order.Quantity, order.POID)
	switch {
	case err != nil:
		logger.Warn("capacity reservation failed supplier_id=%s err=%v", order.SupplierID, err)
		order.Status = flow.OrderAwaitingSupplierAck
		order.RiskFlags = flow.AppendUnique(order.RiskFlags, flow.RiskCapacity)
		events = append(events, c.record(ctx, order, flow.NewEvent(in.Now, "capacity.unavailable", map[string]any{
			"quantity": order.Quantity,
			"error":    err.Error(),
		})))
	case reserved:
		order.Status = flow.OrderReserved
	default:
		order.Status = flow.OrderBackorder
		order.RiskFlags = flow.AppendUnique(order.RiskFlags, flow.RiskCapacity)
	}
	if err == nil {
		events = append(events, c.record(ctx, order, flow.NewEvent(in.Now, "capacity."+string(order.Status), map[string]any{
			"quantity": order.Quantity,
		})))
	}

	ship := flow.ShipmentRequest{
		OrderID:    order.OrderID,
		POID:       order.POID,
		SupplierID: order.SupplierID,
		Item:       order.Item,
		Quantity:   order.Quantity,
		City:       st.Intake.City,
		Pincode:    st.Intake.Pincode,
	}
	shipment, shipRec, err := flow.Perform(ctx, c.deps.Actions, flow.Action{
		Kind:    flow.ActionShipmentCreate,
		Ref:     order.POID,
		OrderID: order.OrderID,
		Payload: mustJSON(ship),
	}, func(ctx context.Context) (flow.Shipment, error) {
		return c.deps.Shipper.CreateShipment(ctx, ship)
	})
	switch {
	case flow.IsRetryQueued(err):
		events = append(events, c.record(ctx, order, flow.NewEvent(in.Now, "shipment.queued", nil)))
	case err != nil:
		return flow.StepResult{}, err
	case !shipRec.Reused:
		events = append(events, c.record(ctx, order, flow.NewEvent(in.Now, "shipment.requested", map[string]any{
			"tracking_id": shipment.TrackingID,
		})))
	}

	if quote != nil {
		order.RiskFlags = flow.AppendUnique(order.RiskFlags, quote.RiskFlags...)
	}
	order.UpdatedAt = in.Now
	if err := c.deps.DAO.UpdateOrder(ctx, *order); err != nil {
		return flow.StepResult{}, fulfillment.Transient(err, "order update failed")
	}

	st.Commit = flow.CommitState{
		Order:     order,
		Status:    order.Status,
		RiskFlags: order.RiskFlags,
	}
	if notifyQueued {
		st.Commit.RiskFlags = flow.AppendUnique(st.Commit.RiskFlags, "supplier_notify_queued")
	}
	return flow.Continue(st, events...), nil
}

func (c *Commit) newOrder(st *flow.State, in flow.StepInput, q flow.Quote) flow.OrderRecord {
	lead := q.LeadTimeDays
	if lead <= 0 {
		lead = in.Policy.Supplier.TargetLeadTimeDays
	}
	return flow.OrderRecord{
		OrderID:      st.OrderID,
		POID:         flow.DeriveID("po", st.OrderID),
		SupplierID:   q.SupplierID,
		CustomerID:   st.Inbound.CustomerID,
		Item:         st.Intake.Item,
		Quantity:     st.Intake.Quantity,
		Unit:         st.Intake.Unit,
		Amount:       q.Amount,
		LeadTimeDays: lead,
		ETA:          in.Now.Add(time.Duration(lead * float64(24*time.Hour))),
		Status:       flow.OrderAwaitingSupplierAck,
		RiskFlags:    append([]string(nil), q.RiskFlags...),
		CreatedAt:    in.Now,
		UpdatedAt:    in.Now,
	}
}

// requiresPrepay: new customers (when enabled) and orders above the threshold pay first.
func (c *Commit) requiresPrepay(ctx context.Context, st *flow.State, in flow.StepInput, amount float64) (bool, error) {
	pol := in.Policy.Commit
	if amount > pol.PrepayThresholdINR {
		return true, nil
	}
	if !pol.PrepayNewCustomers {
		return false, nil
	}
	count, err := c.deps.DAO.CustomerOrderCount(ctx, st.Inbound.CustomerID)
	if err != nil {
		return false, fulfillment.Transient(err, "customer history lookup failed")
	}
	return count == 0, nil
}

// poolingRulesMet applies to pooled clusters only. Saving is measured against the customer's
// budget when one was given, else the cluster's pooled saving.
func poolingRulesMet(st *flow.State, in flow.StepInput, amount float64) (bool, float64) {
	if !st.Cluster.Pooled {
		return true, 0
	}
	pol := in.Policy.Commit
	saving := st.Cluster.PooledSavingPct
	if budget := st.Intake.Budget; budget > 0 {
		saving = math.Round((budget-amount)/budget*10000) / 100
	}
	return saving >= pol.MinCostSavingPercentage && st.Cluster.SLARiskPct <= pol.MaxSLARiskPercentage, saving
}

func (c *Commit) failed(st *flow.State, in flow.StepInput, reason string, flags []string) flow.StepResult {
	st.Commit = flow.CommitState{
		Status:    flow.OrderFailed,
		Reason:    reason,
		RiskFlags: flags,
	}
	return flow.Continue(st, flow.NewEvent(in.Now, "commit.failed", map[string]any{"reason": reason}))
}

// record mirrors a commit event onto the order's own audit trail. Failures only log; the
// pipeline log already carries the event.
func (c *Commit) record(ctx context.Context, order *flow.OrderRecord, ev flow.Event) flow.Event {
	ev.Step = flow.StepCommit
	order.Events = append(order.Events, ev)
	if err := c.deps.DAO.AppendEvent(ctx, order.OrderID, ev); err != nil {
		c.deps.logger(ctx, nil, flow.StepCommit).Warn("order event append failed order_id=%s type=%s err=%v",
			order.OrderID, ev.Type, err)
	}
	return ev
}

func supplierChat(st *flow.State, supplierID string) string {
	for _, c := range st.Supplier.Candidates {
		if c.SupplierID == supplierID && c.ChatID != "" {
			return c.ChatID
		}
	}
	return supplierID
}

func hasArtifact(list []flow.Artifact, a flow.Artifact) bool {
	for _, existing := range list {
		if existing.Kind == a.Kind && existing.URI == a.URI {
			return true
		}
	}
	return false
}
