package flow

import (
	"context"
	"time"

	"github.com/goliatone/go-fulfillment/policy"
)

// SignalKind names the external event a suspended pipeline waits for.
type SignalKind string

const (
	SignalQuoteArrived     SignalKind = "quote_arrived"
	SignalOpsResolution    SignalKind = "ops_resolution"
	SignalUserReply        SignalKind = "user_reply"
	SignalPaymentConfirmed SignalKind = "payment_confirmed"
	SignalTimer            SignalKind = "timer"
)

// Signal is the payload delivered on resume.
type Signal struct {
	Kind          SignalKind     `json:"kind"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Resolution    Resolution     `json:"resolution"`
	Text          string         `json:"text,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	PaymentID     string         `json:"payment_id,omitempty"`
	PaymentStatus string         `json:"payment_status,omitempty"`
	Quote         *Quote         `json:"quote,omitempty"`
	RiskFlags     []string       `json:"risk_flags,omitempty"`
	At            time.Time      `json:"at"`
	Data          map[string]any `json:"data,omitempty"`
}

// StepInput is what a step sees. State is a private clone; Policy is the snapshot captured
// when the step was invoked.
type StepInput struct {
	State  *State
	Policy *policy.Snapshot
	Now    time.Time
	Signal *Signal
}

// StepResult carries the step's namespace changes and any suspension request.
type StepResult struct {
	State   *State
	Events  []Event
	Suspend *Wait
}

// Step is one unit of pipeline work. Steps must be re-invocable: any side effect is checked
// through a durable lookup before it is executed.
type Step interface {
	Name() StepName
	Run(ctx context.Context, in StepInput) (StepResult, error)
}

// StepFunc adapts a function to Step.
type StepFunc struct {
	StepName StepName
	Fn       func(ctx context.Context, in StepInput) (StepResult, error)
}

func (f StepFunc) Name() StepName { return f.StepName }

func (f StepFunc) Run(ctx context.Context, in StepInput) (StepResult, error) {
	if f.Fn == nil {
		return StepResult{State: in.State}, nil
	}
	return f.Fn(ctx, in)
}

// PolicySource yields the active policy snapshot.
type PolicySource interface {
	Get() *policy.Snapshot
}

// Continue returns st unchanged with optional events.
func Continue(st *State, events ...Event) StepResult {
	return StepResult{State: st, Events: events}
}

// SuspendOn returns st with a wait marker.
func SuspendOn(st *State, wait Wait, events ...Event) StepResult {
	return StepResult{State: st, Events: events, Suspend: &wait}
}
