package fulfillment

import (
	stderrors "errors"
	"fmt"

	apperrors "github.com/goliatone/go-errors"
)

// Kind is the failure class the orchestrator uses to pick a recovery path.
type Kind string

const (
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindPolicy     Kind = "policy"
	KindSecurity   Kind = "security"
	KindFatal      Kind = "fatal"
)

const (
	TextCodeValidation = "STEP_VALIDATION_FAILED"
	TextCodeTransient  = "EXTERNAL_TRANSIENT"
	TextCodePolicy     = "POLICY_VIOLATION"
	TextCodeSecurity   = "SECURITY_SIGNAL"
	TextCodeFatal      = "STEP_FATAL"
	TextCodePanic      = "STEP_PANIC"
)

// Validation marks malformed step output. The engine substitutes a safe fallback and escalates.
func Validation(msg string, metadata ...map[string]any) *apperrors.Error {
	return withMetadata(apperrors.New(msg, apperrors.CategoryValidation).
		WithTextCode(TextCodeValidation), metadata)
}

// Transient wraps an external failure that is worth retrying.
func Transient(err error, msg string, metadata ...map[string]any) *apperrors.Error {
	if err == nil {
		return withMetadata(apperrors.New(msg, apperrors.CategoryExternal).
			WithTextCode(TextCodeTransient), metadata)
	}
	return withMetadata(apperrors.Wrap(err, apperrors.CategoryExternal, msg).
		WithTextCode(TextCodeTransient), metadata)
}

// PolicyViolation is a business rule failure. Steps normally record these as state instead of returning them.
func PolicyViolation(reason string, metadata ...map[string]any) *apperrors.Error {
	return withMetadata(apperrors.New(reason, apperrors.CategoryOperation).
		WithTextCode(TextCodePolicy), metadata)
}

// Security flags an abuse or authenticity signal.
func Security(reason string, metadata ...map[string]any) *apperrors.Error {
	return withMetadata(apperrors.New(reason, apperrors.CategoryAuth).
		WithTextCode(TextCodeSecurity), metadata)
}

// Fatal wraps anything that cannot be recovered by the pipeline itself.
func Fatal(err error, msg string, metadata ...map[string]any) *apperrors.Error {
	if err == nil {
		return withMetadata(apperrors.New(msg, apperrors.CategoryInternal).
			WithTextCode(TextCodeFatal), metadata)
	}
	return withMetadata(apperrors.Wrap(err, apperrors.CategoryInternal, msg).
		WithTextCode(TextCodeFatal), metadata)
}

// Classify maps an error to its Kind. Unknown errors are fatal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		switch ge.TextCode {
		case TextCodeValidation:
			return KindValidation
		case TextCodeTransient:
			return KindTransient
		case TextCodePolicy:
			return KindPolicy
		case TextCodeSecurity:
			return KindSecurity
		case TextCodeFatal, TextCodePanic:
			return KindFatal
		}
	}
	var re *apperrors.RetryableError
	if stderrors.As(err, &re) && re.IsRetryable() {
		return KindTransient
	}
	var pe *PanicError
	if stderrors.As(err, &pe) {
		return KindFatal
	}
	switch {
	case apperrors.IsCategory(err, apperrors.CategoryValidation), apperrors.IsCategory(err, apperrors.CategoryBadInput):
		return KindValidation
	case apperrors.IsCategory(err, apperrors.CategoryExternal):
		return KindTransient
	case apperrors.IsCategory(err, apperrors.CategoryAuth):
		return KindSecurity
	}
	return KindFatal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// PanicError carries a recovered panic value and the trimmed stack.
type PanicError struct {
	Func  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Func, e.Value)
}

func withMetadata(err *apperrors.Error, metadata []map[string]any) *apperrors.Error {
	for _, meta := range metadata {
		if len(meta) > 0 {
			err = err.WithMetadata(meta)
		}
	}
	return err
}
