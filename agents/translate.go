package agents

import (
	"context"

	"github.com/goliatone/go-fulfillment"
	"github.com/goliatone/go-fulfillment/flow"
)

// Translate renders the current intake text into the default language. Intake then re-parses it.
type Translate struct {
	deps Deps
}

func (*Translate) Name() flow.StepName { return flow.StepTranslate }

func (t *Translate) Run(ctx context.Context, in flow.StepInput) (flow.StepResult, error) {
	st := in.State
	target := in.Policy.DefaultLanguage
	out := flow.TranslateState{
		SourceLanguage: st.Intake.Language,
		TargetLanguage: target,
		ForRevision:    st.Intake.Revision,
	}
	if t.deps.Translator == nil {
		st.Translate = out
		return flow.Continue(st, flow.NewEvent(in.Now, "translate.unavailable", nil)), nil
	}

	text, err := t.deps.Translator.Translate(ctx, st.Intake.Text, out.SourceLanguage, target)
	if err != nil {
		if fulfillment.IsTransient(err) {
			return flow.StepResult{}, err
		}
		t.deps.logger(ctx, st, flow.StepTranslate).Warn("translation failed: %v", err)
		st.Translate = out
		return flow.Continue(st, flow.NewEvent(in.Now, "translate.failed", map[string]any{"error": err.Error()})), nil
	}
	out.Text = text
	out.Done = text != ""
	st.Translate = out
	return flow.Continue(st, flow.NewEvent(in.Now, "translate.done", map[string]any{
		"from":     out.SourceLanguage,
		"to":       target,
		"revision": out.ForRevision,
	})), nil
}
