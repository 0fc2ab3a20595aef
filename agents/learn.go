package agents

import (
	"context"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
)

// Learn outcomes.
const (
	OutcomeFulfilled = "fulfilled"
	OutcomeMissed    = "missed"
	OutcomeNone      = "none"
)

// Learn nudges the selected supplier's reliability by the commit outcome. It records once per
// order; the DAO clamps the resulting score.
type Learn struct {
	deps Deps
}

func (*Learn) Name() flow.StepName { return flow.StepLearn }

func (l *Learn) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	if st.Learn.Recorded {
		return flow.Continue(st), nil
	}

	supplierID := ""
	switch {
	case st.Commit.Order != nil:
		supplierID = st.Commit.Order.SupplierID
	case st.Supplier.Selected != nil:
		supplierID = st.Supplier.Selected.SupplierID
	}
	delta := in.Policy.Learn.ReliabilityDelta
	outcome := OutcomeNone
	switch st.Commit.Status {
	case flow.OrderPlaced, flow.OrderReserved, flow.OrderAwaitingSupplierAck:
		outcome = OutcomeFulfilled
	case flow.OrderBackorder, flow.OrderFailed:
		outcome = OutcomeMissed
		delta = -delta
	default:
		delta = 0
	}

	if supplierID != "" && delta != 0 {
		err := l.deps.DAO.RecordOutcome(ctx, flow.LearnRecord{
			OrderID:    st.OrderID,
			SupplierID: supplierID,
			Delta:      delta,
			Outcome:    outcome,
			RecordedAt: in.Now,
		})
		if err != nil {
			return flow.StepResult{}, fulfillment.Transient(err, "learn outcome record failed", map[string]any{
				"supplier_id": supplierID,
			})
		}
	}

	st.Learn = flow.LearnState{
		Recorded:         true,
		SupplierID:       supplierID,
		ReliabilityDelta: delta,
		Outcome:          outcome,
	}
	return flow.Continue(st, flow.NewEvent(in.Now, "learn.recorded", map[string]any{
		"supplier_id": supplierID,
		"delta":       delta,
		"outcome":     outcome,
	})), nil
}
