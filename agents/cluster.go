package agents

import (
	"context"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
)

// Cluster matches the request to a supplier cluster and its price band.
type Cluster struct {
	deps Deps
}

func (*Cluster) Name() flow.StepName { return flow.StepCluster }

func (c *Cluster) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	q := flow.ClusterQuery{
		Category: st.Intake.Category,
		Item:     st.Intake.Item,
		City:     st.Intake.City,
		Pincode:  st.Intake.Pincode,
	}
	found, err := c.deps.DAO.FindCluster(ctx, q)
	if err != nil && !flow.IsNotFound(err) {
		return flow.StepResult{}, fulfillment.Transient(err, "cluster lookup failed")
	}
	if found == nil || len(found.SupplierIDs) < in.Policy.Cluster.MinMembers {
		st.Cluster = flow.ClusterState{Status: flow.ClusterNoMatch}
		return flow.Continue(st, flow.NewEvent(in.Now, "cluster.no_match", map[string]any{
			"category": q.Category,
			"city":     q.City,
		})), nil
	}
	st.Cluster = flow.ClusterState{
		ClusterID:       found.ClusterID,
		Status:          flow.ClusterMatched,
		Band:            found.Band,
		SupplierIDs:     append([]string(nil), found.SupplierIDs...),
		Pooled:          found.PooledOrders > 0,
		PooledSavingPct: found.PooledSavingPct,
		SLARiskPct:      found.SLARiskPct,
	}
	return flow.Continue(st, flow.NewEvent(in.Now, "cluster.matched", map[string]any{
		"cluster_id": found.ClusterID,
		"members":    len(found.SupplierIDs),
		"pooled":     st.Cluster.Pooled,
	})), nil
}
