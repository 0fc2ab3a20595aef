// Package sandbox provides deterministic collaborators for local runs and tests. Every fake
// counts its calls per idempotency key so tests can assert at-most-once delivery.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
)

// faults injects failures into the next n calls.
type faults struct {
	mu      sync.Mutex
	pending []error
}

// FailNext makes the next len(errs) calls return errs in order.
func (f *faults) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, errs...)
}

func (f *faults) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil
	}
	err := f.pending[0]
	f.pending = f.pending[1:]
	return err
}

// TransientError is a ready-made retryable failure.
func TransientError(msg string) error {
	return fulfillment.Transient(nil, msg)
}

// Payments is a fake payment provider. Orders are keyed by idempotency ref, like the real API.
type Payments struct {
	faults
	mu     sync.Mutex
	calls  map[string]int
	orders map[string]flow.Payment
}

var _ flow.PaymentGateway = (*Payments)(nil)

func NewPayments() *Payments {
	return &Payments{calls: map[string]int{}, orders: map[string]flow.Payment{}}
}

func (p *Payments) CreateOrder(_ context.Context, req flow.PaymentRequest) (flow.Payment, error) {
	p.mu.Lock()
	p.calls[req.IdempotencyRef]++
	p.mu.Unlock()
	if err := p.next(); err != nil {
		return flow.Payment{}, err
	}
	if req.AmountPaise <= 0 {
		return flow.Payment{}, fulfillment.Validation("amount must be positive")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.orders[req.IdempotencyRef]; ok {
		return existing, nil
	}
	id := "pay_" + shortHash(req.IdempotencyRef)
	pay := flow.Payment{ID: id, Status: "created", ShortURL: "https://pay.sandbox.local/" + id}
	p.orders[req.IdempotencyRef] = pay
	return pay, nil
}

// Calls returns how many times ref reached the provider.
func (p *Payments) Calls(ref string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[ref]
}

// Total returns the number of provider calls across refs.
func (p *Payments) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

// Messenger records every delivered message.
type Messenger struct {
	faults
	mu   sync.Mutex
	sent []flow.OutboundMessage
	now  func() time.Time
}

var _ flow.Messenger = (*Messenger)(nil)

func NewMessenger() *Messenger {
	return &Messenger{now: time.Now}
}

func (m *Messenger) Send(_ context.Context, msg flow.OutboundMessage) (flow.DeliveryAck, error) {
	if err := m.next(); err != nil {
		return flow.DeliveryAck{}, err
	}
	if strings.TrimSpace(msg.ChatID) == "" {
		return flow.DeliveryAck{}, fulfillment.Validation("chat id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return flow.DeliveryAck{MessageID: fmt.Sprintf("msg_%d", len(m.sent)), SentAt: m.now().UTC()}, nil
}

// Sent returns messages delivered to chat (all chats when empty).
func (m *Messenger) Sent(chat string) []flow.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []flow.OutboundMessage
	for _, msg := range m.sent {
		if chat == "" || msg.ChatID == chat {
			out = append(out, msg)
		}
	}
	return out
}

// Shipper fakes a logistics API.
type Shipper struct {
	faults
	mu    sync.Mutex
	calls map[string]int
}

var _ flow.Shipper = (*Shipper)(nil)

func NewShipper() *Shipper {
	return &Shipper{calls: map[string]int{}}
}

func (s *Shipper) CreateShipment(_ context.Context, req flow.ShipmentRequest) (flow.Shipment, error) {
	s.mu.Lock()
	s.calls[req.POID]++
	s.mu.Unlock()
	if err := s.next(); err != nil {
		return flow.Shipment{}, err
	}
	id := "trk_" + shortHash(req.POID)
	return flow.Shipment{TrackingID: id, LabelURL: "https://ship.sandbox.local/labels/" + id}, nil
}

func (s *Shipper) Calls(poID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[poID]
}

// Renderer produces a checksum-only PO artifact.
type Renderer struct {
	faults
	mu    sync.Mutex
	calls map[string]int
}

var _ flow.ArtifactRenderer = (*Renderer)(nil)

func NewRenderer() *Renderer {
	return &Renderer{calls: map[string]int{}}
}

func (r *Renderer) RenderPO(_ context.Context, order flow.OrderRecord) (flow.Artifact, error) {
	r.mu.Lock()
	r.calls[order.POID]++
	r.mu.Unlock()
	if err := r.next(); err != nil {
		return flow.Artifact{}, err
	}
	body := fmt.Sprintf("%s|%s|%s|%.2f|%.2f", order.POID, order.SupplierID, order.Item, order.Quantity, order.Amount)
	return flow.Artifact{
		Kind:     "po_pdf",
		URI:      "sandbox://po/" + order.POID + ".pdf",
		Checksum: shortHash(body),
	}, nil
}

func (r *Renderer) Calls(poID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[poID]
}

// Translator maps known phrases through a dictionary and otherwise tags the text.
type Translator struct {
	faults
	mu   sync.Mutex
	dict map[string]string
}

var _ flow.Translator = (*Translator)(nil)

func NewTranslator(dict map[string]string) *Translator {
	if dict == nil {
		dict = map[string]string{}
	}
	return &Translator{dict: dict}
}

func (t *Translator) Translate(_ context.Context, text, from, to string) (string, error) {
	if err := t.next(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if out, ok := t.dict[strings.TrimSpace(text)]; ok {
		return out, nil
	}
	return fmt.Sprintf("[%s->%s] %s", from, to, text), nil
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
