package flow

import (
	"net/http"
	"strings"
)

const rpcCodeInternal = "FLOW_INTERNAL"

// TransportErrorMapping defines protocol-level mappings for runtime errors.
type TransportErrorMapping struct {
	RuntimeCode string
	HTTPStatus  int
	RPCCode     string
}

// ErrorEnvelope is the JSON error shape returned by the webhook transport.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MapRuntimeError maps runtime error codes to transport statuses.
func MapRuntimeError(err error) TransportErrorMapping {
	code := strings.TrimSpace(runtimeErrorCode(err))
	status := http.StatusInternalServerError
	switch code {
	case ErrCodeNotFound, ErrCodePipelineNotFound:
		status = http.StatusNotFound
	case ErrCodePipelineClosed, ErrCodeNotSuspended, ErrCodeSequenceConflict, ErrCodeDuplicateStep:
		status = http.StatusConflict
	case ErrCodeSignalMismatch, ErrCodeInvalidResolution, ErrCodeUnknownStep:
		status = http.StatusUnprocessableEntity
	case ErrCodePreconditionFailed:
		status = http.StatusPreconditionFailed
	case ErrCodeDedupUnavailable:
		status = http.StatusServiceUnavailable
	case ErrCodeRetryQueued:
		status = http.StatusAccepted
	default:
		return TransportErrorMapping{RuntimeCode: code, HTTPStatus: status, RPCCode: rpcCodeInternal}
	}
	return TransportErrorMapping{RuntimeCode: code, HTTPStatus: status, RPCCode: code}
}

// HTTPStatusForError returns the mapped HTTP status code for an engine error.
func HTTPStatusForError(err error) int {
	return MapRuntimeError(err).HTTPStatus
}

// ErrorEnvelopeFor returns the canonical envelope for a runtime error.
func ErrorEnvelopeFor(err error) *ErrorEnvelope {
	if err == nil {
		return nil
	}
	return &ErrorEnvelope{
		Code:    MapRuntimeError(err).RPCCode,
		Message: err.Error(),
	}
}
