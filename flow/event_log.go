package flow

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// EntryKind classifies a durable log entry.
type EntryKind string

const (
	EntryCreated  EntryKind = "created"
	EntryStep     EntryKind = "step"
	EntryFailure  EntryKind = "failure"
	EntryRoute    EntryKind = "route"
	EntrySuspend  EntryKind = "suspend"
	EntryResume   EntryKind = "resume"
	EntryTerminal EntryKind = "terminal"
)

// LogEntry is one append-only record. Applying every entry of an order in sequence rebuilds
// the live state exactly.
type LogEntry struct {
	OrderID       string          `json:"order_id"`
	Seq           int             `json:"seq"`
	Kind          EntryKind       `json:"kind"`
	Step          StepName        `json:"step,omitempty"`
	At            time.Time       `json:"at"`
	PolicyVersion string          `json:"policy_version,omitempty"`
	Inbound       *Inbound        `json:"inbound,omitempty"`
	Namespace     json.RawMessage `json:"namespace,omitempty"`
	Events        []Event         `json:"events,omitempty"`
	Next          StepName        `json:"next,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Wait          *Wait           `json:"wait,omitempty"`
	Escalation    *Escalation     `json:"escalation,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	Reset         bool            `json:"reset,omitempty"`
	Status        PipelineStatus  `json:"status,omitempty"`
	Signal        *Signal         `json:"signal,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// EventLog is the durable, append-only store behind resumability.
type EventLog interface {
	// Append writes entries after expectedSeq and returns the new last sequence. A mismatch
	// between expectedSeq and the stored tail fails with ErrSequenceConflict.
	Append(ctx context.Context, orderID string, expectedSeq int, entries ...LogEntry) (int, error)
	Load(ctx context.Context, orderID string) ([]LogEntry, error)
	// Correlate maps an external identifier (task id, rfp id, chat key) to an order.
	Correlate(ctx context.Context, correlationID, orderID string) error
	Resolve(ctx context.Context, correlationID string) (string, error)
	// SetWake records when a suspended order should be re-entered. A zero time clears it.
	SetWake(ctx context.Context, orderID string, at time.Time) error
	DueWakes(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Replay rebuilds state from entries and returns it with the last sequence.
func Replay(entries []LogEntry) (*State, int, error) {
	if len(entries) == 0 {
		return nil, 0, cloneRuntimeError(ErrPipelineNotFound, "", nil, nil)
	}
	var (
		st  *State
		seq int
	)
	for _, e := range entries {
		if e.Seq != seq+1 {
			return nil, seq, cloneRuntimeError(ErrSequenceConflict, "event log has a gap", nil, map[string]any{
				"order_id": e.OrderID,
				"expected": seq + 1,
				"actual":   e.Seq,
			})
		}
		next, err := applyEntry(st, e)
		if err != nil {
			return nil, seq, err
		}
		st = next
		seq = e.Seq
	}
	return st, seq, nil
}

// applyEntry is the single state transition used both live and on replay.
func applyEntry(st *State, e LogEntry) (*State, error) {
	if e.Kind == EntryCreated {
		if e.Inbound == nil {
			return nil, cloneRuntimeError(ErrPreconditionFailed, "created entry without inbound", nil, nil)
		}
		st = NewState(*e.Inbound, e.At)
		st.OrderID = e.OrderID
		st.PolicyVersion = e.PolicyVersion
		st.Events = append(st.Events, e.Events...)
		return st, nil
	}
	if st == nil {
		return nil, cloneRuntimeError(ErrPipelineNotFound, "entry before created", nil, map[string]any{"kind": string(e.Kind)})
	}
	st.UpdatedAt = e.At.UTC()
	if e.PolicyVersion != "" {
		st.PolicyVersion = e.PolicyVersion
	}
	switch e.Kind {
	case EntryStep:
		if err := st.loadNamespace(e.Step, e.Namespace); err != nil {
			return nil, err
		}
		if st.Attempts != nil {
			delete(st.Attempts, e.Step)
		}
	case EntryFailure:
		if st.Attempts == nil {
			st.Attempts = make(map[StepName]int)
		}
		st.Attempts[e.Step] = e.Attempt
		if e.Reset {
			st.resetNamespace(e.Step)
		}
	case EntryRoute:
		st.Current = e.Next
		st.Wait = nil
		st.Status = StatusRunning
		if e.Escalation != nil {
			esc := *e.Escalation
			st.Escalation = &esc
		}
	case EntrySuspend:
		if e.Wait != nil {
			w := *e.Wait
			st.Wait = &w
		}
		st.Status = StatusSuspended
	case EntryResume:
		st.Wait = nil
		st.Status = StatusRunning
	case EntryTerminal:
		st.Current = e.Step
		st.Wait = nil
		st.Status = e.Status
	default:
		return nil, cloneRuntimeError(ErrPreconditionFailed, "unknown entry kind", nil, map[string]any{"kind": string(e.Kind)})
	}
	st.Events = append(st.Events, e.Events...)
	return st, nil
}

// InMemoryEventLog is a process-local EventLog.
type InMemoryEventLog struct {
	mu          sync.Mutex
	entries     map[string][]LogEntry
	correlation map[string]string
	wakes       map[string]time.Time
}

func NewInMemoryEventLog() *InMemoryEventLog {
	return &InMemoryEventLog{
		entries:     make(map[string][]LogEntry),
		correlation: make(map[string]string),
		wakes:       make(map[string]time.Time),
	}
}

func (l *InMemoryEventLog) Append(_ context.Context, orderID string, expectedSeq int, entries ...LogEntry) (int, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return 0, cloneRuntimeError(ErrPreconditionFailed, "order id required", nil, nil)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current := len(l.entries[orderID])
	if current != expectedSeq {
		return current, SequenceConflict(orderID, expectedSeq, current)
	}
	for i, e := range entries {
		e.OrderID = orderID
		e.Seq = expectedSeq + i + 1
		e.At = e.At.UTC()
		l.entries[orderID] = append(l.entries[orderID], cloneLogEntry(e))
	}
	return expectedSeq + len(entries), nil
}

func (l *InMemoryEventLog) Load(_ context.Context, orderID string) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.entries[strings.TrimSpace(orderID)]
	out := make([]LogEntry, 0, len(src))
	for _, e := range src {
		out = append(out, cloneLogEntry(e))
	}
	return out, nil
}

func (l *InMemoryEventLog) Correlate(_ context.Context, correlationID, orderID string) error {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.correlation[correlationID] = strings.TrimSpace(orderID)
	return nil
}

func (l *InMemoryEventLog) Resolve(_ context.Context, correlationID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	orderID, ok := l.correlation[strings.TrimSpace(correlationID)]
	if !ok || orderID == "" {
		return "", NotFound("correlation", correlationID)
	}
	return orderID, nil
}

func (l *InMemoryEventLog) SetWake(_ context.Context, orderID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if at.IsZero() {
		delete(l.wakes, orderID)
		return nil
	}
	l.wakes[orderID] = at.UTC()
	return nil
}

func (l *InMemoryEventLog) DueWakes(_ context.Context, now time.Time, limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	type due struct {
		id string
		at time.Time
	}
	var pending []due
	for id, at := range l.wakes {
		if !at.After(now) {
			pending = append(pending, due{id: id, at: at})
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].at.Equal(pending[j].at) {
			return pending[i].id < pending[j].id
		}
		return pending[i].at.Before(pending[j].at)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]string, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.id)
	}
	return out, nil
}

func cloneLogEntry(e LogEntry) LogEntry {
	raw, err := json.Marshal(e)
	if err != nil {
		return e
	}
	var out LogEntry
	if err := json.Unmarshal(raw, &out); err != nil {
		return e
	}
	return out
}
