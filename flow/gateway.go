package flow

import (
	"context"
	"time"
)

// PaymentRequest is sent to the payment provider. Amounts are in paise.
type PaymentRequest struct {
	AmountPaise    int64  `json:"amount_paise"`
	Currency       string `json:"currency"`
	IdempotencyRef string `json:"idempotency_ref"`
	Receipt        string `json:"receipt"`
}

// Payment is the provider's view of a payment order.
type Payment struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	ShortURL string `json:"short_url,omitempty"`
}

// PaymentGateway creates payment orders. Callers guarantee one call per ref.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, req PaymentRequest) (Payment, error)
}

// Button is an interactive reply option on an outbound message.
type Button struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type OutboundMessage struct {
	ChatID  string   `json:"chat_id"`
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

type DeliveryAck struct {
	MessageID string    `json:"message_id"`
	SentAt    time.Time `json:"sent_at"`
}

// Messenger delivers chat messages to customers, suppliers and ops.
type Messenger interface {
	Send(ctx context.Context, msg OutboundMessage) (DeliveryAck, error)
}

type ShipmentRequest struct {
	OrderID    string  `json:"order_id"`
	POID       string  `json:"po_id"`
	SupplierID string  `json:"supplier_id"`
	Item       string  `json:"item"`
	Quantity   float64 `json:"quantity"`
	City       string  `json:"city,omitempty"`
	Pincode    string  `json:"pincode,omitempty"`
}

type Shipment struct {
	TrackingID string `json:"tracking_id"`
	LabelURL   string `json:"label_url,omitempty"`
}

type Shipper interface {
	CreateShipment(ctx context.Context, req ShipmentRequest) (Shipment, error)
}

// ArtifactRenderer produces the purchase order document.
type ArtifactRenderer interface {
	RenderPO(ctx context.Context, order OrderRecord) (Artifact, error)
}

type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// OrderStore persists orders. CreateOrder is a conditional insert: when the order id already
// exists it returns the stored record and created=false.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*OrderRecord, error)
	CreateOrder(ctx context.Context, rec OrderRecord) (OrderRecord, bool, error)
	UpdateOrder(ctx context.Context, rec OrderRecord) error
	AppendEvent(ctx context.Context, orderID string, ev Event) error
	CustomerOrderCount(ctx context.Context, customerID string) (int, error)
}

// SupplierStore covers clusters, supplier selection, RFPs, quotes and capacity.
type SupplierStore interface {
	FindCluster(ctx context.Context, q ClusterQuery) (*Cluster, error)
	SelectSuppliers(ctx context.Context, q SupplierQuery) ([]Supplier, error)
	SaveRFP(ctx context.Context, rfp RFP) error
	FetchQuotes(ctx context.Context, rfpID string) ([]Quote, error)
	SubmitQuote(ctx context.Context, q Quote) error
	// ReserveCapacity atomically decrements capacity; false when not enough remains. Repeating a
	// ref returns the first outcome without reserving again.
	ReserveCapacity(ctx context.Context, supplierID string, qty float64, ref string) (bool, error)
	RecordOutcome(ctx context.Context, rec LearnRecord) error
}

type OpsStore interface {
	UpsertOpsTask(ctx context.Context, task OpsTask) error
	GetOpsTask(ctx context.Context, taskID string) (*OpsTask, error)
}

type LedgerStore interface {
	PostLedger(ctx context.Context, entry LedgerEntry) error
}

// DAO is the persistence surface steps depend on.
type DAO interface {
	OrderStore
	SupplierStore
	OpsStore
	LedgerStore
}
