package errors_test

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/nocturne/connectors/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// Example demonstrates basic error creation and wrapping.
func Example() {
	err := errors.New(errors.ErrorTypeAuthentication, "vendor rejected credentials").
		WithDetail("connector", "dexcom")

	fmt.Println(err.Error())

	// Output:
	// authentication: vendor rejected credentials
}

// ExampleIsRetryable shows which errors the orchestrator backs off on.
func ExampleIsRetryable() {
	fmt.Println(errors.IsRetryable(errors.Transient("gateway timeout", nil)))
	fmt.Println(errors.IsRetryable(errors.Permanent("bad request", nil)))
	fmt.Println(errors.IsRetryable(errors.Authentication("expired", nil)))

	// Output:
	// true
	// false
	// false
}

func TestWrapPreservesCause(t *testing.T) {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeMalformedPayload, "archive truncated")

	assert.True(t, stderrors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, errors.ErrorTypeMalformedPayload, errors.TypeOf(err))
	assert.Nil(t, errors.Wrap(nil, errors.ErrorTypeInternal, "nothing"))
}

func TestIsTypeWalksChain(t *testing.T) {
	inner := errors.Authentication("session expired", nil)
	outer := errors.Wrap(inner, errors.ErrorTypeInternal, "fetch failed")

	assert.True(t, errors.IsType(outer, errors.ErrorTypeAuthentication))
	assert.True(t, errors.IsType(outer, errors.ErrorTypeInternal))
	assert.False(t, errors.IsType(outer, errors.ErrorTypeTransientNetwork))
	assert.False(t, errors.IsType(io.EOF, errors.ErrorTypeInternal))
	assert.Equal(t, errors.ErrorTypeInternal, errors.TypeOf(io.EOF))
}
