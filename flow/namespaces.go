package flow

import "time"

// Slot names reported by Intake when a field is missing.
const (
	SlotItem     = "item"
	SlotQuantity = "quantity"
	SlotLocation = "location"
	SlotIntent   = "intent"
)

type IntakeState struct {
	Text     string   `json:"text,omitempty"`
	Intent   string   `json:"intent,omitempty"`
	Item     string   `json:"item,omitempty"`
	Category string   `json:"category,omitempty"`
	Quantity float64  `json:"quantity,omitempty"`
	Unit     string   `json:"unit,omitempty"`
	Urgency  string   `json:"urgency,omitempty"`
	City     string   `json:"city,omitempty"`
	Pincode  string   `json:"pincode,omitempty"`
	Budget   float64  `json:"budget,omitempty"`
	Language string   `json:"language,omitempty"`
	Missing  []string `json:"missing,omitempty"`
	Parsed   bool     `json:"parsed"`

	// Revision increments each time a clarification reply is folded into Text.
	Revision    int    `json:"revision"`
	LastReplyID string `json:"last_reply_id,omitempty"`
}

func (i IntakeState) HasGaps() bool { return len(i.Missing) > 0 }

type GuardState struct {
	Resolution       Resolution    `json:"resolution"`
	Reasons          []string      `json:"reasons,omitempty"`
	RiskFlags        []string      `json:"risk_flags,omitempty"`
	SanitizedText    string        `json:"sanitized_text,omitempty"`
	RetryAfter       time.Duration `json:"retry_after,omitempty"`
	CheckedRequestID string        `json:"checked_request_id,omitempty"`
}

type ClarifyStatus string

const (
	ClarifyAsked    ClarifyStatus = "asked"
	ClarifyAnswered ClarifyStatus = "answered"
	ClarifyExpired  ClarifyStatus = "expired"
)

type ClarifyState struct {
	Attempts       int           `json:"attempts"`
	Deadline       time.Time     `json:"deadline,omitempty"`
	Status         ClarifyStatus `json:"status,omitempty"`
	Question       string        `json:"question,omitempty"`
	Reply          string        `json:"reply,omitempty"`
	ReplyRequestID string        `json:"reply_request_id,omitempty"`
	ReplyRiskFlags []string      `json:"reply_risk_flags,omitempty"`
}

// Exhausted reports whether another clarification round is disallowed.
func (c ClarifyState) Exhausted(maxAttempts int, now time.Time) bool {
	if maxAttempts > 0 && c.Attempts >= maxAttempts {
		return true
	}
	return !c.Deadline.IsZero() && now.After(c.Deadline)
}

type TranslateState struct {
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Text           string `json:"text,omitempty"`
	Done           bool   `json:"done"`
	ForRevision    int    `json:"for_revision"`
}

type ClusterStatus string

const (
	ClusterMatched ClusterStatus = "matched"
	ClusterNoMatch ClusterStatus = "no_match"
)

type ClusterState struct {
	ClusterID       string        `json:"cluster_id,omitempty"`
	Status          ClusterStatus `json:"status,omitempty"`
	Band            PriceBand     `json:"band"`
	SupplierIDs     []string      `json:"supplier_ids,omitempty"`
	Pooled          bool          `json:"pooled,omitempty"`
	PooledSavingPct float64       `json:"pooled_saving_pct,omitempty"`
	SLARiskPct      float64       `json:"sla_risk_pct,omitempty"`
}

type SupplierStatus string

const (
	SupplierCollecting  SupplierStatus = "collecting"
	SupplierNextRound   SupplierStatus = "next_round"
	SupplierShortlisted SupplierStatus = "shortlisted"
	SupplierFallback    SupplierStatus = "fallback"
	SupplierExhausted   SupplierStatus = "exhausted"
)

type SupplierState struct {
	RFP        *RFP           `json:"rfp,omitempty"`
	Candidates []Supplier     `json:"candidates,omitempty"`
	Invited    []string       `json:"invited,omitempty"`
	Quotes     []Quote        `json:"quotes,omitempty"`
	Shortlist  []Quote        `json:"shortlist,omitempty"`
	Selected   *Quote         `json:"selected,omitempty"`
	Status     SupplierStatus `json:"status,omitempty"`
	RiskFlags  []string       `json:"risk_flags,omitempty"`
}

type CommitState struct {
	Order     *OrderRecord `json:"order,omitempty"`
	Status    OrderStatus  `json:"status,omitempty"`
	RiskFlags []string     `json:"risk_flags,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Existing  bool         `json:"existing,omitempty"`
}

type CashStatus string

const (
	CashPending         CashStatus = "pending"
	CashCreated         CashStatus = "created"
	CashConfirmed       CashStatus = "confirmed"
	CashPendingApproval CashStatus = "pending_approval"
	CashRetryQueued     CashStatus = "retry_queued"
	CashExpired         CashStatus = "expired"
	CashFailed          CashStatus = "failed"
)

type CashState struct {
	PaymentID      string     `json:"payment_id,omitempty"`
	Status         CashStatus `json:"status,omitempty"`
	AmountPaise    int64      `json:"amount_paise,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	RequiresPrepay bool       `json:"requires_prepay,omitempty"`
	Deadline       time.Time  `json:"deadline,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	// Round advances when an expired or failed payment is retried under a new reference.
	Round int `json:"round,omitempty"`
}

type OpsState struct {
	Task       *OpsTask   `json:"task,omitempty"`
	History    []OpsTask  `json:"history,omitempty"`
	Resolution Resolution `json:"resolution"`
}

type LearnState struct {
	Recorded         bool    `json:"recorded"`
	SupplierID       string  `json:"supplier_id,omitempty"`
	ReliabilityDelta float64 `json:"reliability_delta,omitempty"`
	Outcome          string  `json:"outcome,omitempty"`
}
