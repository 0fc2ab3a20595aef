package agents

import (
	"testing"
	"time"

	"github.com/goliatone/go-fulfillment/flow"
	"github.com/goliatone/go-fulfillment/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreQuotes(t *testing.T) {
	pol := policy.Default().Supplier
	suppliers := map[string]flow.Supplier{
		"sup-a": {SupplierID: "sup-a", OnTimeRate: 0.9, QAScore: 0.8, Proximity: 0.5},
		"sup-b": {SupplierID: "sup-b", OnTimeRate: 1.5, QAScore: 1, Proximity: 1},
	}
	quotes := []flow.Quote{
		{SupplierID: "sup-a", Amount: 1000, LeadTimeDays: 3},
		{SupplierID: "sup-b", Amount: 2000, LeadTimeDays: 6},
		{SupplierID: "sup-x", Amount: 1000},
		{SupplierID: "sup-a", Amount: 800, LeadTimeDays: 4},
	}

	scored := ScoreQuotes(quotes, suppliers, pol, 1000)
	require.Len(t, scored, 4)
	assert.Zero(t, quotes[0].Credibility, "input must not be mutated")

	assert.Equal(t, flow.QuoteScores{Price: 1, Speed: 1, OnTime: 0.9, QA: 0.8, Proximity: 0.5}, scored[0].Scores)
	assert.InDelta(t, 0.9, scored[0].Credibility, 1e-9)

	assert.Equal(t, flow.QuoteScores{Price: 0, Speed: 0, OnTime: 1, QA: 1, Proximity: 1}, scored[1].Scores)
	assert.InDelta(t, 0.45, scored[1].Credibility, 1e-9)

	assert.InDelta(t, 0.55, scored[2].Credibility, 1e-9, "unknown supplier scores on price and speed only")

	assert.InDelta(t, 0.8, scored[3].Scores.Price, 1e-9, "undercutting the target is a distance too")
	assert.InDelta(t, 2.0/3, scored[3].Scores.Speed, 1e-9)

	for _, q := range scored {
		assert.GreaterOrEqual(t, q.Credibility, 0.0)
		assert.LessOrEqual(t, q.Credibility, 1.0)
	}
}

func TestScoreQuotesIgnoresPeers(t *testing.T) {
	pol := policy.Default().Supplier
	suppliers := map[string]flow.Supplier{"sup-a": {SupplierID: "sup-a", OnTimeRate: 0.9, QAScore: 0.9, Proximity: 0.8}}
	quote := flow.Quote{SupplierID: "sup-a", Amount: 4000, LeadTimeDays: 3}
	target := PriceTarget(flow.PriceBand{Min: 380, Max: 450}, 10, pol)

	alone := ScoreQuotes([]flow.Quote{quote}, suppliers, pol, target)[0]
	crowded := ScoreQuotes([]flow.Quote{
		quote,
		{SupplierID: "sup-b", Amount: 2000, LeadTimeDays: 1},
		{SupplierID: "sup-c", Amount: 9000, LeadTimeDays: 9},
	}, suppliers, pol, target)[0]

	assert.Equal(t, alone.Scores, crowded.Scores)
	assert.Equal(t, alone.Credibility, crowded.Credibility)
}

func TestPriceTarget(t *testing.T) {
	pol := policy.Default().Supplier
	band := flow.PriceBand{Min: 380, Max: 450}
	assert.InDelta(t, 4150, PriceTarget(band, 10, pol), 1e-9)

	pol.TargetBandPosition = 1
	assert.InDelta(t, 900, PriceTarget(band, 2, pol), 1e-9)

	pol.TargetUnitPriceINR = 200
	assert.InDelta(t, 200, PriceTarget(flow.PriceBand{}, 0, pol), 1e-9, "no band uses the flat unit price")

	pol.TargetUnitPriceINR = 0
	scored := ScoreQuotes([]flow.Quote{{SupplierID: "sup-a", Amount: 10}}, nil, pol, PriceTarget(flow.PriceBand{}, 1, pol))
	assert.Zero(t, scored[0].Scores.Price, "no price target, no price score")
}

func TestScoreQuotesZeroWeights(t *testing.T) {
	pol := policy.Default().Supplier
	pol.Weights = policy.ScoreWeights{}
	scored := ScoreQuotes([]flow.Quote{{SupplierID: "sup-a", Amount: 10}}, nil, pol, 10)
	assert.Zero(t, scored[0].Credibility)
	assert.Equal(t, 1.0, scored[0].Scores.Price)
}

func TestShortlist(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	quotes := []flow.Quote{
		{SupplierID: "sup-c", Credibility: 0.7, SubmittedAt: at},
		{SupplierID: "sup-b", Credibility: 0.9, SubmittedAt: at.Add(time.Minute)},
		{SupplierID: "sup-a", Credibility: 0.9, SubmittedAt: at.Add(time.Minute)},
		{SupplierID: "sup-d", Credibility: 0.9, SubmittedAt: at},
	}

	got := Shortlist(quotes, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"sup-d", "sup-a", "sup-b"}, supplierIDs(got))
	for _, q := range got {
		assert.Equal(t, flow.QuoteShortlisted, q.Status)
	}
	assert.Empty(t, quotes[0].Status, "input must not be mutated")

	assert.Len(t, Shortlist(quotes, 0), 4)
	assert.Empty(t, Shortlist(nil, 3))
}

func supplierIDs(quotes []flow.Quote) []string {
	out := make([]string, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, q.SupplierID)
	}
	return out
}
