package flow

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StepName identifies a pipeline step. The two terminals are not steps.
type StepName string

const (
	StepIntake    StepName = "intake"
	StepGuard     StepName = "guard"
	StepClarify   StepName = "clarify"
	StepTranslate StepName = "translate"
	StepCluster   StepName = "cluster"
	StepSupplier  StepName = "supplier"
	StepCommit    StepName = "commit"
	StepCash      StepName = "cash"
	StepOps       StepName = "ops"
	StepLearn     StepName = "learn"

	StepDone    StepName = "done"
	StepDropped StepName = "dropped"
)

var pipelineSteps = []StepName{
	StepIntake, StepGuard, StepClarify, StepTranslate, StepCluster,
	StepSupplier, StepCommit, StepCash, StepOps, StepLearn,
}

// PipelineSteps lists every non-terminal step in pipeline order.
func PipelineSteps() []StepName {
	return append([]StepName(nil), pipelineSteps...)
}

func (s StepName) Terminal() bool {
	return s == StepDone || s == StepDropped
}

// Known reports whether s names a step or a terminal.
func (s StepName) Known() bool {
	if s.Terminal() {
		return true
	}
	for _, step := range pipelineSteps {
		if s == step {
			return true
		}
	}
	return false
}

func normalizeStep(name string) StepName {
	return StepName(strings.ToLower(strings.TrimSpace(name)))
}

// PipelineStatus is the lifecycle of one pipeline instance.
type PipelineStatus string

const (
	StatusRunning   PipelineStatus = "running"
	StatusSuspended PipelineStatus = "suspended"
	StatusDone      PipelineStatus = "done"
	StatusDropped   PipelineStatus = "dropped"
)

func (s PipelineStatus) Terminal() bool {
	return s == StatusDone || s == StatusDropped
}

// SignatureStatus is the transport signature verdict computed before dedup.
type SignatureStatus string

const (
	SignatureUnsupported SignatureStatus = ""
	SignatureValid       SignatureStatus = "valid"
	SignatureInvalid     SignatureStatus = "invalid"
)

// Inbound is the webhook payload after transport decoding.
type Inbound struct {
	Channel            string          `json:"channel"`
	ChatID             string          `json:"chat_id"`
	CustomerID         string          `json:"customer_id,omitempty"`
	Text               string          `json:"text"`
	TransportMessageID string          `json:"transport_message_id"`
	Signature          SignatureStatus `json:"signature,omitempty"`
	RequestID          string          `json:"request_id,omitempty"`
	ReceivedAt         time.Time       `json:"received_at"`
	RiskFlags          []string        `json:"risk_flags,omitempty"`
}

func (in Inbound) normalize() Inbound {
	in.Channel = strings.ToLower(strings.TrimSpace(in.Channel))
	in.ChatID = strings.TrimSpace(in.ChatID)
	in.CustomerID = strings.TrimSpace(in.CustomerID)
	in.TransportMessageID = strings.TrimSpace(in.TransportMessageID)
	if in.CustomerID == "" {
		in.CustomerID = in.ChatID
	}
	in.ReceivedAt = in.ReceivedAt.UTC()
	return in
}

// ConversationKey correlates a chat with its active pipeline.
func (in Inbound) ConversationKey() string {
	return "chat:" + in.Channel + ":" + in.ChatID
}

// Wait is the persisted suspension marker.
type Wait struct {
	Step          StepName   `json:"step"`
	Kind          SignalKind `json:"kind"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Deadline      time.Time  `json:"deadline,omitempty"`
	WakeAt        time.Time  `json:"wake_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Escalation records why a pipeline was handed to Ops.
type Escalation struct {
	Seq      int             `json:"seq"`
	From     StepName        `json:"from"`
	Reason   string          `json:"reason"`
	Flags    []string        `json:"flags,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Error    string          `json:"error,omitempty"`
	At       time.Time       `json:"at"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// HasFlag reports whether the escalation was raised for risk flag.
func (e *Escalation) HasFlag(flag string) bool {
	return e != nil && slices.Contains(e.Flags, flag)
}

// State is the record threaded through every step. Top-level fields belong to the engine;
// each namespace belongs to the step of the same name.
type State struct {
	PipelineID    string             `json:"pipeline_id"`
	OrderID       string             `json:"order_id"`
	Inbound       Inbound            `json:"inbound"`
	PolicyVersion string             `json:"policy_version,omitempty"`
	Current       StepName           `json:"current"`
	Status        PipelineStatus     `json:"status"`
	Wait          *Wait              `json:"wait,omitempty"`
	Escalation    *Escalation        `json:"escalation,omitempty"`
	Attempts      map[StepName]int   `json:"attempts,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`

	Intake    IntakeState    `json:"intake"`
	Guard     GuardState     `json:"guard"`
	Clarify   ClarifyState   `json:"clarify"`
	Translate TranslateState `json:"translate"`
	Cluster   ClusterState   `json:"cluster"`
	Supplier  SupplierState  `json:"supplier"`
	Commit    CommitState    `json:"commit"`
	Cash      CashState      `json:"cash"`
	Ops       OpsState       `json:"ops"`
	Learn     LearnState     `json:"learn"`

	Events []Event `json:"events,omitempty"`
}

var orderNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:fulfillment:order"))

// OrderIDFor derives the order id from the pipeline id so re-created pipelines keep their anchor.
func OrderIDFor(pipelineID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(strings.TrimSpace(pipelineID))).String()
}

// DeriveID builds a stable child identifier (po, rfp, task) under an order.
func DeriveID(prefix, orderID string, parts ...string) string {
	name := orderID
	for _, p := range parts {
		name += "|" + p
	}
	return prefix + "_" + uuid.NewSHA1(orderNamespace, []byte(prefix+"|"+name)).String()[:18]
}

// NewState creates the initial record for a fresh pipeline.
func NewState(in Inbound, now time.Time) *State {
	in = in.normalize()
	now = now.UTC()
	return &State{
		PipelineID: in.RequestID,
		OrderID:    OrderIDFor(in.RequestID),
		Inbound:    in,
		Current:    StepIntake,
		Status:     StatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy. Every value in State is plain data so a JSON round trip is exact.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		panic("flow: state not serializable: " + err.Error())
	}
	out := &State{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic("flow: state not deserializable: " + err.Error())
	}
	return out
}

// HasRiskFlag checks inbound, latest reply and guard flags.
func (s *State) HasRiskFlag(flag string) bool {
	if s == nil {
		return false
	}
	return containsString(s.Inbound.RiskFlags, flag) ||
		containsString(s.Clarify.ReplyRiskFlags, flag) ||
		containsString(s.Guard.RiskFlags, flag)
}

// namespace returns a pointer to the field owned by step, or nil.
func (s *State) namespace(step StepName) any {
	switch step {
	case StepIntake:
		return &s.Intake
	case StepGuard:
		return &s.Guard
	case StepClarify:
		return &s.Clarify
	case StepTranslate:
		return &s.Translate
	case StepCluster:
		return &s.Cluster
	case StepSupplier:
		return &s.Supplier
	case StepCommit:
		return &s.Commit
	case StepCash:
		return &s.Cash
	case StepOps:
		return &s.Ops
	case StepLearn:
		return &s.Learn
	default:
		return nil
	}
}

func (s *State) encodeNamespace(step StepName) (json.RawMessage, error) {
	ns := s.namespace(step)
	if ns == nil {
		return nil, cloneRuntimeError(ErrUnknownStep, "unknown namespace "+string(step), nil, nil)
	}
	return json.Marshal(ns)
}

// loadNamespace replaces the namespace owned by step with the decoded payload.
func (s *State) loadNamespace(step StepName, raw json.RawMessage) error {
	if s.namespace(step) == nil {
		return cloneRuntimeError(ErrUnknownStep, "unknown namespace "+string(step), nil, nil)
	}
	s.resetNamespace(step)
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, s.namespace(step))
}

func (s *State) resetNamespace(step StepName) {
	switch step {
	case StepIntake:
		s.Intake = IntakeState{}
	case StepGuard:
		s.Guard = GuardState{}
	case StepClarify:
		s.Clarify = ClarifyState{}
	case StepTranslate:
		s.Translate = TranslateState{}
	case StepCluster:
		s.Cluster = ClusterState{}
	case StepSupplier:
		s.Supplier = SupplierState{}
	case StepCommit:
		s.Commit = CommitState{}
	case StepCash:
		s.Cash = CashState{}
	case StepOps:
		s.Ops = OpsState{}
	case StepLearn:
		s.Learn = LearnState{}
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// AppendUnique appends values not already present.
func AppendUnique(values []string, add ...string) []string {
	for _, a := range add {
		a = strings.TrimSpace(a)
		if a == "" || containsString(values, a) {
			continue
		}
		values = append(values, a)
	}
	return values
}
