package agents

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
)

// Task severities. A missed due time bumps one level.
const (
	SeverityLow      = "low"
	SeverityNormal   = "normal"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Ops hands the pipeline to a human. One task exists per escalation; the operator's resolution
// arrives as an ops_resolution signal and the router acts on it.
type Ops struct {
	deps Deps
}

func (*Ops) Name() flow.StepName { return flow.StepOps }

func (o *Ops) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	esc := st.Escalation
	if esc == nil {
		esc = &flow.Escalation{Seq: 0, From: flow.StepOps, Reason: "manual_review", At: in.Now}
	}
	task := st.Ops.Task
	current := task != nil && task.EscalationSeq == esc.Seq && !task.Status.Closed()

	if sig := in.Signal; sig != nil && current {
		switch sig.Kind {
		case flow.SignalOpsResolution:
			return o.resolve(ctx, st, in, *task, sig.Resolution)
		case flow.SignalTimer:
			return o.renotify(ctx, st, in, *task)
		}
	}
	if current {
		return o.await(st, *task), nil
	}
	return o.open(ctx, st, in, esc)
}

func (o *Ops) open(ctx context.Context, st *flow.State, in flow.StepInput, esc *flow.Escalation) (flow.StepResult, error) {
	if st.Ops.Task != nil {
		st.Ops.History = append(st.Ops.History, *st.Ops.Task)
	}
	task := flow.OpsTask{
		TaskID:        flow.DeriveID("ops", st.OrderID, strconv.Itoa(esc.Seq)),
		OrderID:       st.OrderID,
		EscalationSeq: esc.Seq,
		Origin:        esc.From,
		Reason:        esc.Reason,
		Severity:      severityFor(st, esc),
		Due:           deadlineFrom(in.Now, in.Policy.Ops.SLA),
		Actions:       opsActions(esc.From),
		Status:        flow.OpsTaskOpen,
		Snapshot:      esc.Snapshot,
		CreatedAt:     in.Now,
		UpdatedAt:     in.Now,
	}
	st.Ops.Task = &task
	st.Ops.Resolution = flow.Resolution{}

	if err := o.deps.DAO.UpsertOpsTask(ctx, task); err != nil {
		return flow.StepResult{}, fulfillment.Transient(err, "ops task upsert failed", map[string]any{"task_id": task.TaskID})
	}
	queued, err := o.notify(ctx, st, in, &task, 1)
	if err != nil {
		return flow.StepResult{}, err
	}
	st.Ops.Task = &task
	return o.await(st, task, flow.NewEvent(in.Now, "ops.task_opened", map[string]any{
		"task_id":  task.TaskID,
		"origin":   string(task.Origin),
		"reason":   task.Reason,
		"severity": task.Severity,
		"queued":   queued,
	})), nil
}

func (o *Ops) resolve(ctx context.Context, st *flow.State, in flow.StepInput, task flow.OpsTask, res flow.Resolution) (flow.StepResult, error) {
	if res.IsZero() {
		return o.await(st, task), nil
	}
	task.Status = flow.OpsTaskResolved
	task.Resolution = res.String()
	task.UpdatedAt = in.Now
	if err := o.deps.DAO.UpsertOpsTask(ctx, task); err != nil {
		return flow.StepResult{}, fulfillment.Transient(err, "ops task upsert failed", map[string]any{"task_id": task.TaskID})
	}
	st.Ops.Task = &task
	st.Ops.Resolution = res
	o.deps.logger(ctx, st, flow.StepOps).Info("ops task %s resolved: %s", task.TaskID, res)
	return flow.Continue(st, flow.NewEvent(in.Now, "ops.resolved", map[string]any{
		"task_id":    task.TaskID,
		"resolution": res.String(),
	})), nil
}

func (o *Ops) renotify(ctx context.Context, st *flow.State, in flow.StepInput, task flow.OpsTask) (flow.StepResult, error) {
	if in.Now.Before(task.Due) {
		return o.await(st, task), nil
	}
	task.Severity = bumpSeverity(task.Severity)
	task.Due = deadlineFrom(in.Now, in.Policy.Ops.SLA)
	task.UpdatedAt = in.Now
	if err := o.deps.DAO.UpsertOpsTask(ctx, task); err != nil {
		return flow.StepResult{}, fulfillment.Transient(err, "ops task upsert failed", map[string]any{"task_id": task.TaskID})
	}
	task.Reminders++
	queued, err := o.notify(ctx, st, in, &task, task.Reminders+1)
	if err != nil {
		return flow.StepResult{}, err
	}
	st.Ops.Task = &task
	return o.await(st, task, flow.NewEvent(in.Now, "ops.renotified", map[string]any{
		"task_id":  task.TaskID,
		"severity": task.Severity,
		"queued":   queued,
	})), nil
}

// notify sends the task card to the ops channel. Each (task, round) pair is sent at most once.
func (o *Ops) notify(ctx context.Context, st *flow.State, in flow.StepInput, task *flow.OpsTask, round int) (bool, error) {
	buttons := make([]flow.Button, 0, len(task.Actions))
	for _, a := range task.Actions {
		buttons = append(buttons, flow.Button{Label: strings.ToUpper(a[:1]) + a[1:], Value: task.TaskID + "|" + a})
	}
	msg := flow.OutboundMessage{
		ChatID: in.Policy.Ops.ChatID,
		Text: fmt.Sprintf("[%s] order %s needs review: %s (from %s, due %s)",
			strings.ToUpper(task.Severity), st.OrderID, task.Reason, task.Origin, task.Due.Format("02 Jan 15:04 MST")),
		Buttons: buttons,
	}
	_, _, err := flow.Perform(ctx, o.deps.Actions, flow.Action{
		Kind:    flow.ActionOpsNotify,
		Ref:     fmt.Sprintf("%s:%d", task.TaskID, round),
		OrderID: st.OrderID,
		Payload: mustJSON(msg),
	}, func(ctx context.Context) (flow.DeliveryAck, error) {
		return o.deps.Messenger.Send(ctx, msg)
	})
	switch {
	case flow.IsRetryQueued(err):
		return true, nil
	case err != nil:
		return false, err
	}
	task.Notified = true
	return false, nil
}

func (o *Ops) await(st *flow.State, task flow.OpsTask, events ...flow.Event) flow.StepResult {
	return flow.SuspendOn(st, flow.Wait{
		Kind:          flow.SignalOpsResolution,
		CorrelationID: task.TaskID,
		Deadline:      task.Due,
		Reason:        "awaiting_ops",
	}, events...)
}

func opsActions(origin flow.StepName) []string {
	actions := []string{
		string(flow.ResolutionApprove),
		string(flow.ResolutionDeny),
		string(flow.ResolutionCancel),
	}
	switch origin {
	case flow.StepGuard, flow.StepIntake, flow.StepTranslate:
		actions = append(actions, string(flow.ResolutionClarify))
	case flow.StepCommit, flow.StepCash:
		actions = append(actions, flow.Reroute(flow.StepSupplier).String())
	}
	return actions
}

func severityFor(st *flow.State, esc *flow.Escalation) string {
	switch {
	case esc.Kind == string(fulfillment.KindFatal), esc.Kind == string(fulfillment.KindSecurity):
		return SeverityCritical
	case esc.HasFlag(flow.RiskLedgerQuarantine), st.Cash.Status == flow.CashPendingApproval:
		return SeverityHigh
	case st.Intake.Urgency == "urgent":
		return SeverityHigh
	case strings.HasPrefix(esc.Reason, flow.ReasonGuardOps):
		return SeverityHigh
	}
	return SeverityNormal
}

func bumpSeverity(s string) string {
	switch s {
	case SeverityLow:
		return SeverityNormal
	case SeverityNormal:
		return SeverityHigh
	}
	return SeverityCritical
}
