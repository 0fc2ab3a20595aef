package flow

import (
	"encoding/json"
	"time"
)

// OrderStatus is the commit outcome for one logical order.
type OrderStatus string

const (
	OrderPlaced              OrderStatus = "placed"
	OrderAwaitingSupplierAck OrderStatus = "awaiting_supplier_ack"
	OrderReserved            OrderStatus = "reserved"
	OrderBackorder           OrderStatus = "backorder"
	OrderFailed              OrderStatus = "failed"
)

// OrderRecord is created once per order id and anchors every downstream side effect.
type OrderRecord struct {
	OrderID      string      `json:"order_id"`
	POID         string      `json:"po_id"`
	SupplierID   string      `json:"supplier_id"`
	CustomerID   string      `json:"customer_id,omitempty"`
	Item         string      `json:"item,omitempty"`
	Quantity     float64     `json:"quantity"`
	Unit         string      `json:"unit,omitempty"`
	Amount       float64     `json:"amount"`
	LeadTimeDays float64     `json:"lead_time_days"`
	ETA          time.Time   `json:"eta"`
	Status       OrderStatus `json:"status"`
	Artifacts    []Artifact  `json:"artifacts,omitempty"`
	Events       []Event     `json:"events,omitempty"`
	RiskFlags    []string    `json:"risk_flags,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

type Artifact struct {
	Kind     string `json:"kind"`
	URI      string `json:"uri"`
	Checksum string `json:"checksum,omitempty"`
}

type PriceBand struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type Cluster struct {
	ClusterID       string    `json:"cluster_id"`
	Category        string    `json:"category"`
	City            string    `json:"city,omitempty"`
	Band            PriceBand `json:"band"`
	SupplierIDs     []string  `json:"supplier_ids"`
	PooledSavingPct float64   `json:"pooled_saving_pct,omitempty"`
	SLARiskPct      float64   `json:"sla_risk_pct,omitempty"`
	PooledOrders    int       `json:"pooled_orders,omitempty"`
}

type ClusterQuery struct {
	Category string
	Item     string
	City     string
	Pincode  string
}

type Supplier struct {
	SupplierID  string  `json:"supplier_id"`
	Name        string  `json:"name,omitempty"`
	ChatID      string  `json:"chat_id,omitempty"`
	City        string  `json:"city,omitempty"`
	OnTimeRate  float64 `json:"on_time_rate"`
	QAScore     float64 `json:"qa_score"`
	Proximity   float64 `json:"proximity"`
	Reliability float64 `json:"reliability"`
}

type SupplierQuery struct {
	ClusterID string
	Category  string
	City      string
	Exclude   []string
	Limit     int
}

// RFP is one solicitation round. Rounds strictly increase per order.
type RFP struct {
	RFPID              string    `json:"rfp_id"`
	Round              int       `json:"round"`
	OrderID            string    `json:"order_id"`
	ClusterID          string    `json:"cluster_id,omitempty"`
	OpenedAt           time.Time `json:"opened_at"`
	Deadline           time.Time `json:"deadline"`
	InvitedSupplierIDs []string  `json:"invited_supplier_ids"`
}

type QuoteStatus string

const (
	QuoteReceived    QuoteStatus = "received"
	QuoteShortlisted QuoteStatus = "shortlisted"
	QuoteRejected    QuoteStatus = "rejected"
	QuoteFallback    QuoteStatus = "fallback"
)

type QuoteScores struct {
	Price     float64 `json:"price"`
	Speed     float64 `json:"speed"`
	OnTime    float64 `json:"on_time"`
	QA        float64 `json:"qa"`
	Proximity float64 `json:"proximity"`
}

type Quote struct {
	RFPID        string      `json:"rfp_id"`
	SupplierID   string      `json:"supplier_id"`
	Amount       float64     `json:"amount"`
	LeadTimeDays float64     `json:"lead_time_days"`
	Credibility  float64     `json:"credibility"`
	Scores       QuoteScores `json:"scores"`
	Status       QuoteStatus `json:"status"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	RiskFlags    []string    `json:"risk_flags,omitempty"`
}

type OpsTaskStatus string

const (
	OpsTaskOpen     OpsTaskStatus = "open"
	OpsTaskAcked    OpsTaskStatus = "acked"
	OpsTaskResolved OpsTaskStatus = "resolved"
	OpsTaskCanceled OpsTaskStatus = "canceled"
)

func (s OpsTaskStatus) Closed() bool {
	return s == OpsTaskResolved || s == OpsTaskCanceled
}

// OpsTask is a human adjudication request. Its resolution drives the next hop.
type OpsTask struct {
	TaskID        string          `json:"task_id"`
	OrderID       string          `json:"order_id"`
	EscalationSeq int             `json:"escalation_seq"`
	Origin        StepName        `json:"origin"`
	Reason        string          `json:"reason"`
	Severity      string          `json:"severity"`
	Due           time.Time       `json:"due"`
	Actions       []string        `json:"actions"`
	Status        OpsTaskStatus   `json:"status"`
	Resolution    string          `json:"resolution,omitempty"`
	Notified      bool            `json:"notified"`
	Reminders     int             `json:"reminders,omitempty"`
	Snapshot      json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type LedgerEntry struct {
	OrderID     string    `json:"order_id"`
	PaymentID   string    `json:"payment_id,omitempty"`
	AmountPaise int64     `json:"amount_paise"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type LearnRecord struct {
	OrderID    string    `json:"order_id"`
	SupplierID string    `json:"supplier_id"`
	Delta      float64   `json:"delta"`
	Outcome    string    `json:"outcome"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Event is one audit entry. Data values must be JSON friendly.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Step      StepName       `json:"step,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a UTC timestamp.
func NewEvent(at time.Time, typ string, data map[string]any) Event {
	return Event{Timestamp: at.UTC(), Type: typ, Data: data}
}
