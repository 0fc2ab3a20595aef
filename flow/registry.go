package flow

import (
	"sort"
	"sync"
)

// Registry stores steps by name.
type Registry struct {
	mu    sync.RWMutex
	steps map[StepName]Step
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[StepName]Step)}
}

// Register stores a step under its own name.
func (r *Registry) Register(step Step) error {
	if step == nil {
		return cloneRuntimeError(ErrPreconditionFailed, "step required", nil, nil)
	}
	name := normalizeStep(string(step.Name()))
	if name == "" || name.Terminal() || !name.Known() {
		return cloneRuntimeError(ErrUnknownStep, "", nil, map[string]any{"step": string(name)})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.steps == nil {
		r.steps = make(map[StepName]Step)
	}
	if _, exists := r.steps[name]; exists {
		return cloneRuntimeError(ErrDuplicateStep, "step "+string(name)+" already registered", nil, nil)
	}
	r.steps[name] = step
	return nil
}

// MustRegister registers steps and panics on the first error.
func (r *Registry) MustRegister(steps ...Step) *Registry {
	for _, s := range steps {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns a step by name.
func (r *Registry) Lookup(name StepName) (Step, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[normalizeStep(string(name))]
	return s, ok
}

// Names lists registered steps sorted by name.
func (r *Registry) Names() []StepName {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StepName, 0, len(r.steps))
	for name := range r.steps {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Missing reports pipeline steps that have no registration.
func (r *Registry) Missing() []StepName {
	var out []StepName
	for _, name := range pipelineSteps {
		if _, ok := r.Lookup(name); !ok {
			out = append(out, name)
		}
	}
	return out
}
