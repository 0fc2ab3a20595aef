package flow

import (
	"strings"
)

// ResolutionKind is the closed set of verdicts a step or an operator can hand the router.
type ResolutionKind string

const (
	ResolutionNone     ResolutionKind = ""
	ResolutionPass     ResolutionKind = "pass"
	ResolutionClarify  ResolutionKind = "clarify"
	ResolutionEscalate ResolutionKind = "ops"
	ResolutionDrop     ResolutionKind = "drop"
	ResolutionApprove  ResolutionKind = "approved"
	ResolutionDeny     ResolutionKind = "denied"
	ResolutionCancel   ResolutionKind = "canceled"
	ResolutionReroute  ResolutionKind = "reroute"
)

const reroutePrefix = "reroute:"

// Resolution is a decoded verdict. Target is only set for reroute.
type Resolution struct {
	Kind   ResolutionKind
	Target StepName
}

func Pass() Resolution { return Resolution{Kind: ResolutionPass} }
func Clarify() Resolution { return Resolution{Kind: ResolutionClarify} }
func Escalate() Resolution { return Resolution{Kind: ResolutionEscalate} }
func Drop() Resolution { return Resolution{Kind: ResolutionDrop} }
func Approve() Resolution { return Resolution{Kind: ResolutionApprove} }
func Deny() Resolution { return Resolution{Kind: ResolutionDeny} }
func Cancel() Resolution { return Resolution{Kind: ResolutionCancel} }
func Reroute(to StepName) Resolution { return Resolution{Kind: ResolutionReroute, Target: to} }

func (r Resolution) IsZero() bool { return r.Kind == ResolutionNone }

func (r Resolution) String() string {
	if r.Kind == ResolutionReroute {
		return reroutePrefix + string(r.Target)
	}
	return string(r.Kind)
}

// ParseResolution decodes a resolution token. Aliases used on ops buttons are accepted.
func ParseResolution(token string) (Resolution, error) {
	raw := strings.ToLower(strings.TrimSpace(token))
	if strings.HasPrefix(raw, reroutePrefix) {
		target := normalizeStep(strings.TrimPrefix(raw, reroutePrefix))
		if target == "" || !target.Known() {
			return Resolution{}, cloneRuntimeError(ErrInvalidResolution, "unknown reroute target", nil,
				map[string]any{"token": token})
		}
		return Reroute(target), nil
	}
	switch raw {
	case "pass", "ok":
		return Pass(), nil
	case "clarify":
		return Clarify(), nil
	case "ops", "escalate":
		return Escalate(), nil
	case "drop":
		return Drop(), nil
	case "approved", "approve":
		return Approve(), nil
	case "denied", "deny":
		return Deny(), nil
	case "canceled", "cancelled", "cancel":
		return Cancel(), nil
	}
	return Resolution{}, cloneRuntimeError(ErrInvalidResolution, "", nil, map[string]any{"token": token})
}

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*r = Resolution{}
		return nil
	}
	parsed, err := ParseResolution(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
