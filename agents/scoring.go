package agents

import (
	"math"
	"sort"

	"github.com/goliatone/go-fulfillment/flow"
	"github.com/goliatone/go-fulfillment/policy"
)

// PriceTarget is the order amount quotes are measured against: the policy's point inside the
// cluster's unit price band (or its flat unit price without a band) times the quantity.
func PriceTarget(band flow.PriceBand, qty float64, pol policy.SupplierPolicy) float64 {
	unit := pol.TargetUnitPriceINR
	if band.Max > 0 {
		unit = band.Min + pol.TargetBandPosition*(band.Max-band.Min)
	}
	if qty <= 0 {
		qty = 1
	}
	return unit * qty
}

// ScoreQuotes fills Scores and Credibility on every quote. Price and speed are the linear
// distance from their targets, clamp(1 - |x-target|/target, 0, 1), so a quote's score never
// depends on the other quotes. A quote without a lead time is taken at the target.
// Credibility is the weight-normalized sum, so it stays in [0,1] for any weights.
func ScoreQuotes(quotes []flow.Quote, suppliers map[string]flow.Supplier, pol policy.SupplierPolicy, targetPrice float64) []flow.Quote {
	out := append([]flow.Quote(nil), quotes...)
	w := pol.Weights
	sum := w.Sum()
	for i := range out {
		q := &out[i]
		sup := suppliers[q.SupplierID]
		s := flow.QuoteScores{
			Price:     targetScore(q.Amount, targetPrice),
			Speed:     1,
			OnTime:    clamp01(sup.OnTimeRate),
			QA:        clamp01(sup.QAScore),
			Proximity: clamp01(sup.Proximity),
		}
		if q.LeadTimeDays > 0 {
			s.Speed = targetScore(q.LeadTimeDays, pol.TargetLeadTimeDays)
		}
		q.Scores = s
		if sum > 0 {
			q.Credibility = (w.Price*s.Price + w.Speed*s.Speed + w.OnTime*s.OnTime +
				w.QA*s.QA + w.Proximity*s.Proximity) / sum
		}
	}
	return out
}

func targetScore(x, target float64) float64 {
	if x <= 0 || target <= 0 {
		return 0
	}
	return clamp01(1 - math.Abs(x-target)/target)
}

// Shortlist orders quotes by credibility desc, earliest submission first on ties, and keeps k.
func Shortlist(quotes []flow.Quote, k int) []flow.Quote {
	ranked := append([]flow.Quote(nil), quotes...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Credibility != b.Credibility {
			return a.Credibility > b.Credibility
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.SupplierID < b.SupplierID
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	for i := range ranked {
		ranked[i].Status = flow.QuoteShortlisted
	}
	return ranked
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
