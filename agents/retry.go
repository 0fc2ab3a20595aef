package agents

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
)

// RetryHandlers maps every action kind the steps perform to a handler that replays it from the
// queued payload. Payment refs double as the provider idempotency key, so a replay cannot charge twice.
func RetryHandlers(deps Deps) map[string]flow.RetryHandler {
	send := func(ctx context.Context, entry flow.RetryEntry) (json.RawMessage, error) {
		var msg flow.OutboundMessage
		if err := decodePayload(entry, &msg); err != nil {
			return nil, err
		}
		return marshalResult(deps.Messenger.Send(ctx, msg))
	}
	return map[string]flow.RetryHandler{
		flow.ActionUserMessage:    send,
		flow.ActionSupplierRFP:    send,
		flow.ActionSupplierNotify: send,
		flow.ActionOpsNotify:      send,
		flow.ActionPaymentCreate: func(ctx context.Context, entry flow.RetryEntry) (json.RawMessage, error) {
			var req flow.PaymentRequest
			if err := decodePayload(entry, &req); err != nil {
				return nil, err
			}
			if req.IdempotencyRef == "" {
				req.IdempotencyRef = entry.Ref
			}
			return marshalResult(deps.Payments.CreateOrder(ctx, req))
		},
		flow.ActionShipmentCreate: func(ctx context.Context, entry flow.RetryEntry) (json.RawMessage, error) {
			var req flow.ShipmentRequest
			if err := decodePayload(entry, &req); err != nil {
				return nil, err
			}
			return marshalResult(deps.Shipper.CreateShipment(ctx, req))
		},
		flow.ActionPORender: func(ctx context.Context, entry flow.RetryEntry) (json.RawMessage, error) {
			var order flow.OrderRecord
			if err := decodePayload(entry, &order); err != nil {
				return nil, err
			}
			return marshalResult(deps.Renderer.RenderPO(ctx, order))
		},
	}
}

// RegisterRetryHandlers wires RetryHandlers into a dispatcher.
func RegisterRetryHandlers(d *flow.RetryDispatcher, deps Deps) error {
	if err := deps.validate(); err != nil {
		return err
	}
	handlers := RetryHandlers(deps)
	kinds := make([]string, 0, len(handlers))
	for kind := range handlers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		if err := d.Handle(kind, handlers[kind]); err != nil {
			return err
		}
	}
	return nil
}

func decodePayload(entry flow.RetryEntry, v any) error {
	if len(entry.Payload) == 0 {
		return fulfillment.Fatal(nil, "retry entry has no payload", map[string]any{"id": entry.ID})
	}
	if err := json.Unmarshal(entry.Payload, v); err != nil {
		return fulfillment.Fatal(err, "retry payload undecodable", map[string]any{"id": entry.ID, "kind": entry.Kind})
	}
	return nil
}

func marshalResult[T any](out T, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}
