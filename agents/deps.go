package agents

import (
	"context"
	"time"

	"github.com/goliatone/go-fulfillment/flow"
)

// Deps are the collaborators the steps call. Steps never talk to the outside world except
// through these.
type Deps struct {
	DAO        flow.DAO
	Actions    *flow.ActionGateway
	Payments   flow.PaymentGateway
	Messenger  flow.Messenger
	Shipper    flow.Shipper
	Renderer   flow.ArtifactRenderer
	Translator flow.Translator
	// KV backs the guard replay and rate counters. Usually the dedup KV.
	KV     flow.KV
	Logger flow.Logger
}

func (d Deps) validate() error {
	missing := []string{}
	if d.DAO == nil {
		missing = append(missing, "dao")
	}
	if d.Actions == nil {
		missing = append(missing, "actions")
	}
	if d.Payments == nil {
		missing = append(missing, "payments")
	}
	if d.Messenger == nil {
		missing = append(missing, "messenger")
	}
	if d.Shipper == nil {
		missing = append(missing, "shipper")
	}
	if d.Renderer == nil {
		missing = append(missing, "renderer")
	}
	if d.KV == nil {
		missing = append(missing, "kv")
	}
	if len(missing) > 0 {
		return errMissingDeps(missing)
	}
	return nil
}

func (d Deps) logger(ctx context.Context, st *flow.State, step flow.StepName) flow.Logger {
	logger := d.Logger
	if logger == nil {
		logger = flow.NopLogger{}
	}
	return flow.StepLogger(ctx, logger, st, step)
}

// Steps builds every pipeline step over deps.
func Steps(deps Deps) ([]flow.Step, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return []flow.Step{
		&Intake{},
		&Guard{deps: deps},
		&ClarifyStep{deps: deps},
		&Translate{deps: deps},
		&Cluster{deps: deps},
		&SupplierStep{deps: deps},
		&Commit{deps: deps},
		&Cash{deps: deps},
		&Ops{deps: deps},
		&Learn{deps: deps},
	}, nil
}

// Register adds every step to reg.
func Register(reg *flow.Registry, deps Deps) error {
	steps, err := Steps(deps)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if err := reg.Register(step); err != nil {
			return err
		}
	}
	return nil
}

// send delivers one chat message through the gateway so re-runs never resend it.
func send(ctx context.Context, deps Deps, orderID, ref string, msg flow.OutboundMessage) (flow.DeliveryAck, flow.ActionRecord, error) {
	return flow.Perform(ctx, deps.Actions, flow.Action{
		Kind:    flow.ActionUserMessage,
		Ref:     ref,
		OrderID: orderID,
		Payload: mustJSON(msg),
	}, func(ctx context.Context) (flow.DeliveryAck, error) {
		return deps.Messenger.Send(ctx, msg)
	})
}

func deadlineFrom(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d).UTC()
}
