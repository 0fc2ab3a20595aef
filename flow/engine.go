package flow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/cron"
	"github.com/goliatone/go-fulfillment/policy"
	"github.com/goliatone/go-fulfillment/runner"
)

// OutcomeStatus is what the entry point reports to the transport.
type OutcomeStatus string

const (
	OutcomeOK        OutcomeStatus = "ok"
	OutcomeDuplicate OutcomeStatus = "duplicate"
	OutcomeDropped   OutcomeStatus = "dropped"
)

// Outcome summarizes one Handle or Resume call.
type Outcome struct {
	Status         OutcomeStatus  `json:"status"`
	RequestID      string         `json:"request_id"`
	OrderID        string         `json:"order_id,omitempty"`
	Next           StepName       `json:"next,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	PipelineStatus PipelineStatus `json:"pipeline_status,omitempty"`
}

// Engine-level reasons.
const (
	ReasonDedupUnavailable    = "dedup_unavailable"
	ReasonTransientRetry      = "transient_retry"
	ReasonTransientExhausted  = "transient_exhausted"
	ReasonValidationFailed    = "validation_failed"
	ReasonStepError           = "step_error"
	ReasonOpsEscalationFailed = "ops_escalation_failed"
	ReasonStepBudgetExceeded  = "step_budget_exceeded"
)

// WakeScheduler forces re-entry of a suspended pipeline at its wake time.
// cron.Scheduler satisfies it.
type WakeScheduler interface {
	ScheduleAtKey(key string, at time.Time, opts fulfillment.HandlerConfig, handler any) (cron.Handle, error)
}

// Engine is the orchestrator: it runs steps, persists every transition to the event log,
// consults the router and stops at a terminal or a suspension point.
type Engine struct {
	registry  *Registry
	router    Router
	log       EventLog
	policies  PolicySource
	dedup     *Deduplicator
	scheduler WakeScheduler
	locker    *keyLocker
	logger    Logger
	now       func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

func WithEngineLogger(logger Logger) EngineOption {
	return func(e *Engine) { e.logger = normalizeLogger(logger) }
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDeduplicator enables request dedup on Handle.
func WithDeduplicator(d *Deduplicator) EngineOption {
	return func(e *Engine) { e.dedup = d }
}

// WithWakeScheduler schedules an in-process timer for every suspension with a wake time.
// Without it, wakes are only driven by WakeDue.
func WithWakeScheduler(s WakeScheduler) EngineOption {
	return func(e *Engine) { e.scheduler = s }
}

// NewEngine builds an engine over a registry, a durable log and a policy source.
func NewEngine(registry *Registry, log EventLog, policies PolicySource, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, cloneRuntimeError(ErrPreconditionFailed, "step registry required", nil, nil)
	}
	if log == nil {
		return nil, cloneRuntimeError(ErrPreconditionFailed, "event log required", nil, nil)
	}
	e := &Engine{
		registry: registry,
		log:      log,
		policies: policies,
		locker:   newKeyLocker(),
		logger:   NewFmtLogger(nil),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Engine) policy() *policy.Snapshot {
	if e.policies == nil {
		return policy.Default()
	}
	if snap := e.policies.Get(); snap != nil {
		return snap
	}
	return policy.Default()
}

// Handle is the webhook entry point. Step failures never surface as errors; only
// infrastructure failures of the log itself do.
func (e *Engine) Handle(ctx context.Context, in Inbound) (Outcome, error) {
	now := e.now().UTC()
	in = in.normalize()
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = now
	}
	if in.Signature == SignatureInvalid {
		in.RiskFlags = AppendUnique(in.RiskFlags, RiskInvalidSignature)
	}
	if strings.TrimSpace(in.RequestID) == "" {
		in.RequestID = RequestKey(in.Channel, in.TransportMessageID, []byte(in.Text))
	}
	out := Outcome{Status: OutcomeOK, RequestID: in.RequestID}
	logger := withLoggerFields(e.logger.WithContext(ctx), map[string]any{"request_id": in.RequestID})

	pol := e.policy()
	release := func(error) {}
	if e.dedup != nil {
		claim, err := e.dedup.Claim(ctx, in.RequestID, pol.Dedupe.TTL)
		if err != nil {
			logger.Error("dedup claim failed, rejecting: %v", err)
			out.Status = OutcomeDropped
			out.Reason = ReasonDedupUnavailable
			return out, nil
		}
		if claim == ClaimDuplicate {
			logger.Info("duplicate request short-circuited")
			out.Status = OutcomeDuplicate
			return out, nil
		}
		if claim == ClaimFirst {
			release = func(cause error) {
				if err := e.dedup.Release(context.WithoutCancel(ctx), in.RequestID); err != nil {
					logger.Error("dedup release failed after %v: %v", cause, err)
				}
			}
		}
	}

	if orderID, ok := e.waitingForReply(ctx, in); ok {
		res, err := e.Resume(ctx, orderID, Signal{
			Kind:          SignalUserReply,
			CorrelationID: in.ConversationKey(),
			Text:          in.Text,
			RequestID:     in.RequestID,
			At:            now,
			RiskFlags:     in.RiskFlags,
		})
		res.RequestID = in.RequestID
		if err != nil {
			release(err)
		}
		return res, err
	}

	orderID := OrderIDFor(in.RequestID)
	unlock := e.locker.Lock(orderID)
	defer unlock()

	created := e.stamp(LogEntry{
		Kind:    EntryCreated,
		Seq:     1,
		Inbound: &in,
		Events:  []Event{{Timestamp: now, Type: "pipeline.created", Data: map[string]any{"channel": in.Channel}}},
	}, orderID, now, pol.Version)
	seq, err := e.log.Append(ctx, orderID, 0, created)
	if err != nil {
		if IsSequenceConflict(err) {
			logger.Warn("pipeline already exists for request, treating as duplicate")
			out.Status = OutcomeDuplicate
			out.OrderID = orderID
			return out, nil
		}
		release(err)
		return out, err
	}
	st, err := applyEntry(nil, cloneLogEntry(created))
	if err != nil {
		return out, err
	}
	if err := e.log.Correlate(ctx, in.ConversationKey(), orderID); err != nil {
		logger.Warn("conversation correlation failed: %v", err)
	}
	res, err := e.run(ctx, st, seq, nil)
	res.RequestID = in.RequestID
	return res, err
}

func (e *Engine) waitingForReply(ctx context.Context, in Inbound) (string, bool) {
	orderID, err := e.log.Resolve(ctx, in.ConversationKey())
	if err != nil || orderID == "" {
		return "", false
	}
	st, err := e.Replay(ctx, orderID)
	if err != nil || st == nil {
		return "", false
	}
	return orderID, st.Status == StatusSuspended && st.Wait != nil && st.Wait.Kind == SignalUserReply
}

// Resume re-enters a suspended pipeline with an external signal.
func (e *Engine) Resume(ctx context.Context, orderID string, sig Signal) (Outcome, error) {
	orderID = strings.TrimSpace(orderID)
	out := Outcome{Status: OutcomeOK, OrderID: orderID}
	unlock := e.locker.Lock(orderID)
	defer unlock()

	entries, err := e.log.Load(ctx, orderID)
	if err != nil {
		return out, err
	}
	st, seq, err := Replay(entries)
	if err != nil {
		return out, err
	}
	out.RequestID = st.Inbound.RequestID
	out.Next = st.Current
	out.PipelineStatus = st.Status
	if st.Status.Terminal() {
		if st.Status == StatusDropped {
			out.Status = OutcomeDropped
		}
		return out, cloneRuntimeError(ErrPipelineClosed, "", nil, map[string]any{"order_id": orderID})
	}
	if st.Status != StatusSuspended || st.Wait == nil {
		return out, cloneRuntimeError(ErrNotSuspended, "", nil, map[string]any{"order_id": orderID})
	}
	now := e.now().UTC()
	if sig.At.IsZero() {
		sig.At = now
	}
	if err := matchSignal(st.Wait, sig, now); err != nil {
		return out, err
	}

	// a backoff timer only re-runs the failed step; the step never sees it as its own signal
	stepSig := &sig
	if sig.Kind == SignalTimer && st.Wait.Reason == ReasonTransientRetry {
		stepSig = nil
	}

	pol := e.policy()
	resume := LogEntry{
		Kind:   EntryResume,
		Step:   st.Current,
		Signal: &sig,
		Events: []Event{{Timestamp: now, Type: "pipeline.resumed", Step: st.Current, Data: map[string]any{"signal": string(sig.Kind)}}},
	}
	if seq, err = e.commit(ctx, st, seq, now, pol.Version, resume); err != nil {
		return out, err
	}
	if err := e.log.SetWake(ctx, orderID, time.Time{}); err != nil {
		e.logger.Warn("clear wake failed order_id=%s err=%v", orderID, err)
	}
	return e.run(ctx, st, seq, stepSig)
}

// ResumeCorrelated resumes the pipeline waiting on correlationID (rfp id, task id, payment id).
func (e *Engine) ResumeCorrelated(ctx context.Context, correlationID string, sig Signal) (Outcome, error) {
	correlationID = strings.TrimSpace(correlationID)
	orderID, err := e.log.Resolve(ctx, correlationID)
	if err != nil {
		return Outcome{Status: OutcomeOK}, err
	}
	if sig.CorrelationID == "" {
		sig.CorrelationID = correlationID
	}
	return e.Resume(ctx, orderID, sig)
}

func matchSignal(wait *Wait, sig Signal, now time.Time) error {
	meta := map[string]any{"waiting_for": string(wait.Kind), "got": string(sig.Kind)}
	if sig.Kind == SignalTimer {
		due := wakeTime(wait)
		if due.IsZero() || now.Before(due) {
			return cloneRuntimeError(ErrSignalMismatch, "timer not due", nil, meta)
		}
		return nil
	}
	if sig.Kind != wait.Kind {
		return cloneRuntimeError(ErrSignalMismatch, "", nil, meta)
	}
	if wait.CorrelationID != "" && sig.CorrelationID != "" && wait.CorrelationID != sig.CorrelationID {
		meta["correlation_id"] = sig.CorrelationID
		return cloneRuntimeError(ErrSignalMismatch, "correlation id does not match wait", nil, meta)
	}
	return nil
}

// wakeTime is the earliest instant the engine should look at a wait again.
func wakeTime(w *Wait) time.Time {
	if w == nil {
		return time.Time{}
	}
	switch {
	case w.WakeAt.IsZero():
		return w.Deadline
	case w.Deadline.IsZero():
		return w.WakeAt
	case w.Deadline.Before(w.WakeAt):
		return w.Deadline
	}
	return w.WakeAt
}

// Replay rebuilds the current state of orderID from the log.
func (e *Engine) Replay(ctx context.Context, orderID string) (*State, error) {
	entries, err := e.log.Load(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, err
	}
	st, _, err := Replay(entries)
	return st, err
}

// Entries returns the raw log of orderID.
func (e *Engine) Entries(ctx context.Context, orderID string) ([]LogEntry, error) {
	return e.log.Load(ctx, strings.TrimSpace(orderID))
}

// WakeDue resumes every pipeline whose wake time passed. Returns how many were resumed.
func (e *Engine) WakeDue(ctx context.Context) (int, error) {
	now := e.now().UTC()
	ids, err := e.log.DueWakes(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		if _, err := e.Resume(ctx, id, Signal{Kind: SignalTimer, At: now}); err != nil {
			switch runtimeErrorCode(err) {
			case ErrCodeNotSuspended, ErrCodePipelineClosed, ErrCodeSignalMismatch:
				_ = e.log.SetWake(ctx, id, time.Time{})
			default:
				e.logger.Error("wake resume failed order_id=%s err=%v", id, err)
			}
			continue
		}
		resumed++
	}
	return resumed, nil
}

func (e *Engine) run(ctx context.Context, st *State, seq int, sig *Signal) (Outcome, error) {
	out := Outcome{Status: OutcomeOK, RequestID: st.Inbound.RequestID, OrderID: st.OrderID}
	budget := e.policy().Engine.MaxStepsPerRun
	for steps := 0; !st.Status.Terminal() && st.Status != StatusSuspended; steps++ {
		now := e.now().UTC()
		pol := e.policy()
		var (
			err    error
			reason string
		)
		switch {
		case steps == budget && st.Current != StepOps:
			// one forced escalation, then ops gets a single turn
			reason = ReasonStepBudgetExceeded
			seq, err = e.commit(ctx, st, seq, now, pol.Version,
				e.routeEntry(st, st.Current, Decision{Next: StepOps, Reason: reason}, now, nil))
		case steps > budget+1:
			reason = ReasonStepBudgetExceeded
			seq, err = e.commit(ctx, st, seq, now, pol.Version,
				e.routeEntries(st, st.Current, Decision{Next: StepDropped, Reason: reason}, now, nil)...)
		default:
			seq, reason, err = e.step(ctx, st, seq, pol, now, sig)
			sig = nil
		}
		if err != nil {
			return out, err
		}
		if reason != "" {
			out.Reason = reason
		}
	}
	out.Next = st.Current
	out.PipelineStatus = st.Status
	if st.Status == StatusDropped {
		out.Status = OutcomeDropped
	}
	return out, nil
}

// step runs the current step once and commits its transition. The returned reason is the
// router's (or the failure path's) explanation.
func (e *Engine) step(ctx context.Context, st *State, seq int, pol *policy.Snapshot, now time.Time, sig *Signal) (int, string, error) {
	current := st.Current
	logger := pipelineLogger(ctx, e.logger, st, current)

	step, ok := e.registry.Lookup(current)
	var (
		res StepResult
		err error
	)
	input := StepInput{State: st.Clone(), Policy: pol, Now: now, Signal: sig}
	if !ok {
		err = fulfillment.Fatal(cloneRuntimeError(ErrUnknownStep, "", nil, map[string]any{"step": string(current)}), "step not registered")
	} else {
		res, err = e.invoke(ctx, step, input)
	}

	var merged *State
	if err == nil {
		merged, err = e.merge(st, current, res)
	}
	if err != nil {
		return e.fail(ctx, st, seq, pol, now, current, err, logger)
	}

	raw, encErr := merged.encodeNamespace(current)
	if encErr != nil {
		return e.fail(ctx, st, seq, pol, now, current, fulfillment.Fatal(encErr, "namespace encode failed"), logger)
	}
	entries := []LogEntry{{
		Kind:      EntryStep,
		Step:      current,
		Namespace: raw,
		Events:    stampEvents(res.Events, current, now),
	}}

	if res.Suspend != nil {
		wait := *res.Suspend
		if wait.Step == "" {
			wait.Step = current
		}
		entries = append(entries, LogEntry{
			Kind:   EntrySuspend,
			Step:   current,
			Wait:   &wait,
			Reason: wait.Reason,
			Events: []Event{{Timestamp: now, Type: "pipeline.suspended", Step: current, Data: map[string]any{
				"kind":   string(wait.Kind),
				"reason": wait.Reason,
			}}},
		})
		seq, err = e.commit(ctx, st, seq, now, pol.Version, entries...)
		if err != nil {
			return seq, "", err
		}
		e.suspended(ctx, st, &wait, logger)
		return seq, wait.Reason, nil
	}

	decision := e.router.Route(RouteInput{Step: current, State: merged, Policy: pol, Now: now})
	entries = append(entries, e.routeEntries(st, current, decision, now, nil)...)
	seq, err = e.commit(ctx, st, seq, now, pol.Version, entries...)
	if err != nil {
		return seq, "", err
	}
	logger.Info("routed %s -> %s (%s)", current, decision.Next, decision.Reason)
	return seq, decision.Reason, nil
}

func (e *Engine) invoke(ctx context.Context, step Step, in StepInput) (res StepResult, err error) {
	defer fulfillment.CapturePanic("step."+string(step.Name()), &err)
	return step.Run(ctx, in)
}

// merge copies only the namespace owned by step from the step's output onto a clone of st,
// then validates it.
func (e *Engine) merge(st *State, step StepName, res StepResult) (*State, error) {
	merged := st.Clone()
	if res.State == nil {
		return merged, nil
	}
	raw, err := res.State.encodeNamespace(step)
	if err != nil {
		return nil, fulfillment.Fatal(err, "step output not serializable")
	}
	if err := merged.loadNamespace(step, raw); err != nil {
		return nil, fulfillment.Fatal(err, "step output not decodable")
	}
	if err := validateOutput(step, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// fail applies the error taxonomy to a step failure.
func (e *Engine) fail(ctx context.Context, st *State, seq int, pol *policy.Snapshot, now time.Time, current StepName, stepErr error, logger Logger) (int, string, error) {
	kind := fulfillment.Classify(stepErr)
	attempt := 1
	if st.Attempts != nil {
		attempt = st.Attempts[current] + 1
	}
	failure := LogEntry{
		Kind:    EntryFailure,
		Step:    current,
		Attempt: attempt,
		Error:   stepErr.Error(),
		Reset:   kind == fulfillment.KindValidation,
		Events: []Event{{Timestamp: now, Type: "step.failed", Step: current, Data: map[string]any{
			"kind":    string(kind),
			"error":   stepErr.Error(),
			"attempt": attempt,
		}}},
	}
	logger.Warn("step failed kind=%s attempt=%d err=%v", kind, attempt, stepErr)

	if kind == fulfillment.KindTransient && attempt <= pol.Engine.MaxStepRetries {
		backoff := runner.ExponentialBackoffStrategy{
			Base:   pol.Engine.Backoff.Base,
			Factor: pol.Engine.Backoff.Factor,
			Max:    pol.Engine.Backoff.Max,
		}
		wait := Wait{
			Step:   current,
			Kind:   SignalTimer,
			WakeAt: now.Add(backoff.SleepDuration(attempt-1, stepErr)),
			Reason: ReasonTransientRetry,
		}
		seq, err := e.commit(ctx, st, seq, now, pol.Version, failure, LogEntry{
			Kind:   EntrySuspend,
			Step:   current,
			Wait:   &wait,
			Reason: wait.Reason,
			Events: []Event{{Timestamp: now, Type: "pipeline.suspended", Step: current, Data: map[string]any{
				"kind":    string(SignalTimer),
				"reason":  wait.Reason,
				"wake_at": wait.WakeAt.Format(time.RFC3339Nano),
			}}},
		})
		if err != nil {
			return seq, "", err
		}
		e.suspended(ctx, st, &wait, logger)
		return seq, ReasonTransientRetry, nil
	}

	reason := ReasonStepError
	switch kind {
	case fulfillment.KindTransient:
		reason = ReasonTransientExhausted
	case fulfillment.KindValidation:
		reason = ReasonValidationFailed
	}
	decision := Decision{Next: StepOps, Reason: reason}
	if current == StepOps {
		decision = Decision{Next: StepDropped, Reason: ReasonOpsEscalationFailed}
	}
	esc := &Escalation{Kind: string(kind), Error: stepErr.Error()}
	if kind != fulfillment.KindValidation && kind != fulfillment.KindTransient {
		if snap, err := json.Marshal(st); err == nil {
			esc.Snapshot = snap
		}
	}
	entries := append([]LogEntry{failure}, e.routeEntries(st, current, decision, now, esc)...)
	seq, err := e.commit(ctx, st, seq, now, pol.Version, entries...)
	if err != nil {
		return seq, "", err
	}
	return seq, decision.Reason, nil
}

// routeEntries builds the route entry plus a terminal entry when the next hop is terminal.
func (e *Engine) routeEntries(st *State, from StepName, d Decision, now time.Time, esc *Escalation) []LogEntry {
	entries := []LogEntry{e.routeEntry(st, from, d, now, esc)}
	if d.Next.Terminal() {
		status := StatusDone
		if d.Next == StepDropped {
			status = StatusDropped
		}
		entries = append(entries, LogEntry{
			Kind:   EntryTerminal,
			Step:   d.Next,
			Status: status,
			Reason: d.Reason,
			Events: []Event{{Timestamp: now, Type: "pipeline." + string(d.Next), Step: from, Data: map[string]any{"reason": d.Reason}}},
		})
	}
	return entries
}

func (e *Engine) routeEntry(st *State, from StepName, d Decision, now time.Time, esc *Escalation) LogEntry {
	entry := LogEntry{
		Kind:   EntryRoute,
		Step:   from,
		Next:   d.Next,
		Reason: d.Reason,
		Events: []Event{{Timestamp: now, Type: "route", Step: from, Data: map[string]any{
			"next":   string(d.Next),
			"reason": d.Reason,
		}}},
	}
	if d.Next == StepOps {
		next := Escalation{}
		if esc != nil {
			next = *esc
		}
		next.Seq = 1
		if st.Escalation != nil {
			next.Seq = st.Escalation.Seq + 1
		}
		next.From = from
		// an ops hop back to ops keeps the original origin so approval still lands there
		if from == StepOps && st.Escalation != nil {
			next.From = st.Escalation.From
			if len(next.Snapshot) == 0 {
				next.Snapshot = st.Escalation.Snapshot
			}
		}
		next.Reason = d.Reason
		if len(d.Flags) > 0 {
			next.Flags = append([]string(nil), d.Flags...)
		} else if from == StepOps && st.Escalation != nil {
			next.Flags = st.Escalation.Flags
		}
		next.At = now
		entry.Escalation = &next
	}
	return entry
}

// commit appends entries after seq and applies them to st exactly as Replay would.
func (e *Engine) commit(ctx context.Context, st *State, seq int, now time.Time, version string, entries ...LogEntry) (int, error) {
	stamped := make([]LogEntry, len(entries))
	for i, entry := range entries {
		stamped[i] = e.stamp(entry, st.OrderID, now, version)
		stamped[i].Seq = seq + i + 1
	}
	next, err := e.log.Append(ctx, st.OrderID, seq, stamped...)
	if err != nil {
		return seq, err
	}
	for _, entry := range stamped {
		applied, err := applyEntry(st, cloneLogEntry(entry))
		if err != nil {
			return next, err
		}
		*st = *applied
	}
	return next, nil
}

func (e *Engine) stamp(entry LogEntry, orderID string, now time.Time, version string) LogEntry {
	entry.OrderID = orderID
	if entry.At.IsZero() {
		entry.At = now
	}
	entry.At = entry.At.UTC()
	if entry.PolicyVersion == "" {
		entry.PolicyVersion = version
	}
	return entry
}

// suspended persists the wake time and correlation of a new wait.
func (e *Engine) suspended(ctx context.Context, st *State, wait *Wait, logger Logger) {
	if wait.CorrelationID != "" {
		if err := e.log.Correlate(ctx, wait.CorrelationID, st.OrderID); err != nil {
			logger.Error("correlate wait failed: %v", err)
		}
	}
	at := wakeTime(wait)
	if at.IsZero() {
		return
	}
	if err := e.log.SetWake(ctx, st.OrderID, at); err != nil {
		logger.Error("set wake failed: %v", err)
	}
	if e.scheduler == nil {
		return
	}
	orderID := st.OrderID
	_, err := e.scheduler.ScheduleAtKey("wake:"+orderID, at, fulfillment.HandlerConfig{NoTimeout: true}, func(ctx context.Context) error {
		_, err := e.Resume(ctx, orderID, Signal{Kind: SignalTimer})
		switch runtimeErrorCode(err) {
		case ErrCodeNotSuspended, ErrCodePipelineClosed, ErrCodeSignalMismatch:
			return nil
		}
		return err
	})
	if err != nil {
		logger.Warn("schedule wake failed, relying on WakeDue: %v", err)
	}
	logger.Debug("suspended until %s kind=%s", at.Format(time.RFC3339), wait.Kind)
}

func stampEvents(events []Event, step StepName, now time.Time) []Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		ev.Timestamp = ev.Timestamp.UTC()
		if ev.Step == "" {
			ev.Step = step
		}
		out[i] = ev
	}
	return out
}
