package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRuntimeErrorCategories(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		httpStatus int
		rpcCode    string
	}{
		{
			name:       "pipeline closed",
			err:        cloneRuntimeError(ErrPipelineClosed, "", nil, nil),
			httpStatus: 409,
			rpcCode:    ErrCodePipelineClosed,
		},
		{
			name:       "signal mismatch",
			err:        cloneRuntimeError(ErrSignalMismatch, "wrong rfp", nil, nil),
			httpStatus: 422,
			rpcCode:    ErrCodeSignalMismatch,
		},
		{
			name:       "record not found",
			err:        NotFound("order", "o-1"),
			httpStatus: 404,
			rpcCode:    ErrCodeNotFound,
		},
		{
			name:       "sequence conflict",
			err:        SequenceConflict("o-1", 2, 3),
			httpStatus: 409,
			rpcCode:    ErrCodeSequenceConflict,
		},
		{
			name:       "precondition failed",
			err:        cloneRuntimeError(ErrPreconditionFailed, "precondition", nil, nil),
			httpStatus: 412,
			rpcCode:    ErrCodePreconditionFailed,
		},
		{
			name:       "dedup unavailable",
			err:        cloneRuntimeError(ErrDedupUnavailable, "", nil, nil),
			httpStatus: 503,
			rpcCode:    ErrCodeDedupUnavailable,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			mapped := MapRuntimeError(tt.err)
			assert.Equal(t, tt.httpStatus, mapped.HTTPStatus)
			assert.Equal(t, tt.rpcCode, mapped.RPCCode)
		})
	}
}

func TestMapRuntimeErrorUnknownDefaults(t *testing.T) {
	err := errors.New("boom")
	mapped := MapRuntimeError(err)
	assert.Equal(t, 500, mapped.HTTPStatus)
	assert.Equal(t, rpcCodeInternal, mapped.RPCCode)

	env := ErrorEnvelopeFor(err)
	require.NotNil(t, env)
	assert.Equal(t, rpcCodeInternal, env.Code)
	assert.Equal(t, "boom", env.Message)
	assert.Nil(t, ErrorEnvelopeFor(nil))
}
