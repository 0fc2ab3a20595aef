package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
	"golang.org/x/sync/errgroup"
)

// SupplierStep runs the RFP: invite a capped set of cluster suppliers, collect quotes until
// enough arrive or the round deadline passes, then shortlist, open another round, or fall back.
type SupplierStep struct {
	deps Deps
}

func (*SupplierStep) Name() flow.StepName { return flow.StepSupplier }

func (s *SupplierStep) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	sp := st.Supplier
	switch {
	case (sp.Status == flow.SupplierShortlisted || sp.Status == flow.SupplierFallback) && sp.Selected != nil:
		return flow.Continue(st), nil
	case sp.Status == flow.SupplierExhausted:
		if st.OpsApproved(flow.StepSupplier) {
			return s.exhaust(in, st, true), nil
		}
		return flow.Continue(st), nil
	case sp.RFP == nil:
		return s.openRound(ctx, in, st, 1)
	case sp.Status == flow.SupplierNextRound:
		return s.openRound(ctx, in, st, sp.RFP.Round+1)
	}
	return s.collect(ctx, in, st)
}

func (s *SupplierStep) openRound(ctx context.Context, in flow.StepInput, st *flow.State, round int) (flow.StepResult, error) {
	pol := in.Policy.Supplier
	sp := &st.Supplier
	found, err := s.deps.DAO.SelectSuppliers(ctx, flow.SupplierQuery{
		ClusterID: st.Cluster.ClusterID,
		Category:  st.Intake.Category,
		City:      st.Intake.City,
		Exclude:   sp.Invited,
		Limit:     pol.InviteCap,
	})
	if err != nil {
		return flow.StepResult{}, fulfillment.Transient(err, "supplier selection failed")
	}
	candidates := make([]flow.Supplier, 0, len(found))
	for _, c := range found {
		if containsFlag(sp.Invited, c.SupplierID) || len(candidates) >= pol.InviteCap {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return s.exhaust(in, st, false), nil
	}

	rfp := flow.RFP{
		RFPID:     flow.DeriveID("rfp", st.OrderID, strconv.Itoa(round)),
		Round:     round,
		OrderID:   st.OrderID,
		ClusterID: st.Cluster.ClusterID,
		OpenedAt:  in.Now,
		Deadline:  deadlineFrom(in.Now, pol.RoundDeadline),
	}
	// a re-run of the same round keeps its original window
	if sp.RFP != nil && sp.RFP.RFPID == rfp.RFPID {
		rfp.OpenedAt = sp.RFP.OpenedAt
		rfp.Deadline = sp.RFP.Deadline
	}
	for _, c := range candidates {
		rfp.InvitedSupplierIDs = append(rfp.InvitedSupplierIDs, c.SupplierID)
	}
	if err := s.deps.DAO.SaveRFP(ctx, rfp); err != nil {
		return flow.StepResult{}, fulfillment.Transient(err, "rfp save failed", map[string]any{"rfp_id": rfp.RFPID})
	}

	failed, err := s.invite(ctx, st, rfp, candidates)
	if err != nil {
		return flow.StepResult{}, err
	}

	sp.RFP = &rfp
	sp.Candidates = append(sp.Candidates, candidates...)
	sp.Invited = flow.AppendUnique(sp.Invited, rfp.InvitedSupplierIDs...)
	sp.Quotes = nil
	sp.Status = flow.SupplierCollecting
	return s.wait(in, st, flow.NewEvent(in.Now, "rfp.opened", map[string]any{
		"rfp_id":         rfp.RFPID,
		"round":          round,
		"invited":        rfp.InvitedSupplierIDs,
		"invite_failed":  failed,
		"deadline":       rfp.Deadline.Format(time.RFC3339),
		"policy_version": in.Policy.Version,
	})), nil
}

// invite solicits every candidate in parallel. Individual failures are tolerated; the round only
// fails when nobody could be reached.
func (s *SupplierStep) invite(ctx context.Context, st *flow.State, rfp flow.RFP, candidates []flow.Supplier) ([]string, error) {
	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range candidates {
		g.Go(func() error {
			msg := flow.OutboundMessage{
				ChatID: c.ChatID,
				Text: fmt.Sprintf("RFP %s: %.2f %s of %s to %s. Reply with price and lead time before %s.",
					rfp.RFPID, st.Intake.Quantity, st.Intake.Unit, st.Intake.Item, locationOf(st),
					rfp.Deadline.Format(time.RFC1123)),
			}
			_, _, err := flow.Perform(gctx, s.deps.Actions, flow.Action{
				Kind:    flow.ActionSupplierRFP,
				Ref:     rfp.RFPID + ":" + c.SupplierID,
				OrderID: st.OrderID,
				Payload: mustJSON(msg),
			}, func(ctx context.Context) (flow.DeliveryAck, error) {
				return s.deps.Messenger.Send(ctx, msg)
			})
			if err != nil && !flow.IsRetryQueued(err) {
				mu.Lock()
				failed = append(failed, c.SupplierID)
				mu.Unlock()
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return failed, err
	}
	sort.Strings(failed)
	if len(failed) == len(candidates) {
		return failed, fulfillment.Transient(nil, "no supplier could be invited", map[string]any{"rfp_id": rfp.RFPID})
	}
	return failed, nil
}

func (s *SupplierStep) collect(ctx context.Context, in flow.StepInput, st *flow.State) (flow.StepResult, error) {
	pol := in.Policy.Supplier
	sp := &st.Supplier
	rfp := sp.RFP

	fetched, err := s.deps.DAO.FetchQuotes(ctx, rfp.RFPID)
	if err != nil {
		return flow.StepResult{}, fulfillment.Transient(err, "quote fetch failed", map[string]any{"rfp_id": rfp.RFPID})
	}
	if sig := in.Signal; sig != nil && sig.Kind == flow.SignalQuoteArrived && sig.Quote != nil && sig.Quote.RFPID == rfp.RFPID {
		fetched = append(fetched, *sig.Quote)
	}

	suppliers := make(map[string]flow.Supplier, len(sp.Candidates))
	for _, c := range sp.Candidates {
		suppliers[c.SupplierID] = c
	}
	quotes := validQuotes(fetched, rfp.InvitedSupplierIDs)
	sp.Quotes = ScoreQuotes(quotes, suppliers, pol, PriceTarget(st.Cluster.Band, st.Intake.Quantity, pol))

	deadlinePassed := !in.Now.Before(rfp.Deadline)
	switch {
	case len(sp.Quotes) >= pol.ShortlistK || (deadlinePassed && len(sp.Quotes) > 0):
		sp.Shortlist = Shortlist(sp.Quotes, pol.ShortlistK)
		selected := sp.Shortlist[0]
		sp.Selected = &selected
		sp.Status = flow.SupplierShortlisted
		return flow.Continue(st, flow.NewEvent(in.Now, "rfp.shortlisted", map[string]any{
			"rfp_id":      rfp.RFPID,
			"quotes":      len(sp.Quotes),
			"selected":    selected.SupplierID,
			"credibility": selected.Credibility,
		})), nil
	case deadlinePassed && rfp.Round < pol.MaxRounds:
		sp.Status = flow.SupplierNextRound
		return flow.Continue(st, flow.NewEvent(in.Now, "rfp.round_closed", map[string]any{
			"rfp_id": rfp.RFPID,
			"round":  rfp.Round,
		})), nil
	case deadlinePassed:
		return s.exhaust(in, st, false), nil
	}
	return s.wait(in, st, flow.NewEvent(in.Now, "rfp.collecting", map[string]any{
		"rfp_id": rfp.RFPID,
		"quotes": len(sp.Quotes),
	})), nil
}

func (s *SupplierStep) wait(in flow.StepInput, st *flow.State, events ...flow.Event) flow.StepResult {
	rfp := st.Supplier.RFP
	wake := in.Now.Add(in.Policy.Supplier.PollInterval)
	if rfp.Deadline.Before(wake) {
		wake = rfp.Deadline
	}
	return flow.SuspendOn(st, flow.Wait{
		Kind:          flow.SignalQuoteArrived,
		CorrelationID: rfp.RFPID,
		Deadline:      rfp.Deadline,
		WakeAt:        wake,
		Reason:        "awaiting_quotes",
	}, events...)
}

// exhaust synthesizes a fallback quote at markup over the band ceiling, or gives up. An operator
// approval forces the fallback even when policy disables it.
func (s *SupplierStep) exhaust(in flow.StepInput, st *flow.State, approved bool) flow.StepResult {
	pol := in.Policy.Supplier
	sp := &st.Supplier
	supplierID := fallbackSupplier(sp.Candidates, st.Cluster.SupplierIDs)
	if (!pol.FallbackEnabled && !approved) || st.Cluster.Band.Max <= 0 || supplierID == "" {
		sp.Status = flow.SupplierExhausted
		sp.Selected = nil
		return flow.Continue(st, flow.NewEvent(in.Now, "rfp.exhausted", map[string]any{
			"invited":  len(sp.Invited),
			"fallback": pol.FallbackEnabled,
		}))
	}
	qty := st.Intake.Quantity
	if qty <= 0 {
		qty = 1
	}
	q := flow.Quote{
		SupplierID:   supplierID,
		Amount:       math.Round(pol.FallbackMarkup*st.Cluster.Band.Max*qty*100) / 100,
		LeadTimeDays: pol.TargetLeadTimeDays,
		Status:       flow.QuoteFallback,
		SubmittedAt:  in.Now,
		RiskFlags:    []string{flow.RiskNoMarketQuotes},
	}
	if sp.RFP != nil {
		q.RFPID = sp.RFP.RFPID
	}
	sp.Selected = &q
	sp.Shortlist = []flow.Quote{q}
	sp.Status = flow.SupplierFallback
	sp.RiskFlags = flow.AppendUnique(sp.RiskFlags, flow.RiskNoMarketQuotes)
	return flow.Continue(st, flow.NewEvent(in.Now, "rfp.fallback", map[string]any{
		"supplier_id": supplierID,
		"amount":      q.Amount,
		"approved":    approved,
	}))
}

func validQuotes(quotes []flow.Quote, invited []string) []flow.Quote {
	seen := map[string]int{}
	var out []flow.Quote
	for _, q := range quotes {
		if q.Amount <= 0 || !containsFlag(invited, q.SupplierID) {
			continue
		}
		if q.Status == "" {
			q.Status = flow.QuoteReceived
		}
		if i, ok := seen[q.SupplierID]; ok {
			// first submission wins
			if q.SubmittedAt.Before(out[i].SubmittedAt) {
				out[i] = q
			}
			continue
		}
		seen[q.SupplierID] = len(out)
		out = append(out, q)
	}
	return out
}

func fallbackSupplier(candidates []flow.Supplier, clusterMembers []string) string {
	if len(candidates) > 0 {
		ranked := append([]flow.Supplier(nil), candidates...)
		sort.SliceStable(ranked, func(i, j int) bool {
			a := ranked[i].OnTimeRate + ranked[i].QAScore + ranked[i].Reliability
			b := ranked[j].OnTimeRate + ranked[j].QAScore + ranked[j].Reliability
			if a != b {
				return a > b
			}
			return ranked[i].SupplierID < ranked[j].SupplierID
		})
		return ranked[0].SupplierID
	}
	if len(clusterMembers) > 0 {
		return clusterMembers[0]
	}
	return ""
}

func locationOf(st *flow.State) string {
	switch {
	case st.Intake.City != "" && st.Intake.Pincode != "":
		return st.Intake.City + " " + st.Intake.Pincode
	case st.Intake.City != "":
		return st.Intake.City
	}
	return st.Intake.Pincode
}
