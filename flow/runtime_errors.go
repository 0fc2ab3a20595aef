package flow

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeUnknownStep        = "FLOW_UNKNOWN_STEP"
	ErrCodeDuplicateStep      = "FLOW_DUPLICATE_STEP"
	ErrCodeSequenceConflict   = "FLOW_SEQUENCE_CONFLICT"
	ErrCodePipelineNotFound   = "FLOW_PIPELINE_NOT_FOUND"
	ErrCodePipelineClosed     = "FLOW_PIPELINE_CLOSED"
	ErrCodeNotSuspended       = "FLOW_NOT_SUSPENDED"
	ErrCodeSignalMismatch     = "FLOW_SIGNAL_MISMATCH"
	ErrCodeRetryQueued        = "FLOW_RETRY_QUEUED"
	ErrCodeDedupUnavailable   = "FLOW_DEDUP_UNAVAILABLE"
	ErrCodeNotFound           = "FLOW_NOT_FOUND"
	ErrCodeInvalidResolution  = "FLOW_INVALID_RESOLUTION"
	ErrCodeNamespaceViolation = "FLOW_NAMESPACE_VIOLATION"
	ErrCodeStepBudget         = "FLOW_STEP_BUDGET_EXCEEDED"
	ErrCodePreconditionFailed = "FLOW_PRECONDITION_FAILED"
)

var (
	ErrUnknownStep = apperrors.New("unknown step", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownStep)
	ErrDuplicateStep = apperrors.New("step already registered", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateStep)
	ErrSequenceConflict = apperrors.New("event log sequence conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeSequenceConflict)
	ErrPipelineNotFound = apperrors.New("pipeline not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodePipelineNotFound)
	ErrPipelineClosed = apperrors.New("pipeline already terminal", apperrors.CategoryConflict).
				WithTextCode(ErrCodePipelineClosed)
	ErrNotSuspended = apperrors.New("pipeline is not suspended", apperrors.CategoryConflict).
			WithTextCode(ErrCodeNotSuspended)
	ErrSignalMismatch = apperrors.New("signal does not match wait", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeSignalMismatch)
	ErrRetryQueued = apperrors.New("action queued for retry", apperrors.CategoryExternal).
			WithTextCode(ErrCodeRetryQueued)
	ErrDedupUnavailable = apperrors.New("dedup backend unavailable", apperrors.CategoryExternal).
				WithTextCode(ErrCodeDedupUnavailable)
	ErrNotFound = apperrors.New("record not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrInvalidResolution = apperrors.New("invalid resolution", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidResolution)
	ErrNamespaceViolation = apperrors.New("step wrote outside its namespace", apperrors.CategoryValidation).
				WithTextCode(ErrCodeNamespaceViolation)
	ErrStepBudgetExceeded = apperrors.New("step budget exceeded", apperrors.CategoryInternal).
				WithTextCode(ErrCodeStepBudget)
	ErrPreconditionFailed = apperrors.New("precondition failed", apperrors.CategoryBadInput).
				WithTextCode(ErrCodePreconditionFailed)
)

func cloneRuntimeError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrPreconditionFailed
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func runtimeErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsRetryQueued reports whether err means the action was handed to the retry queue.
func IsRetryQueued(err error) bool { return runtimeErrorCode(err) == ErrCodeRetryQueued }

// IsSequenceConflict reports an optimistic append conflict on the event log.
func IsSequenceConflict(err error) bool { return runtimeErrorCode(err) == ErrCodeSequenceConflict }

// IsNotFound reports a missing record or pipeline.
func IsNotFound(err error) bool {
	switch runtimeErrorCode(err) {
	case ErrCodeNotFound, ErrCodePipelineNotFound:
		return true
	}
	return false
}

// NotFound builds a not-found error for kind/id.
func NotFound(kind, id string) error {
	return cloneRuntimeError(ErrNotFound, kind+" not found", nil, map[string]any{"kind": kind, "id": id})
}

// SequenceConflict builds the error returned when expected and stored sequences differ.
func SequenceConflict(orderID string, expected, actual int) error {
	return cloneRuntimeError(ErrSequenceConflict, "", nil, map[string]any{
		"order_id": orderID,
		"expected": expected,
		"actual":   actual,
	})
}
