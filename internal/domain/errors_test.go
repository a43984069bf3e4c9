package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Negotiator.Negotiate", ErrConnectivity, "dial tcp: refused")
	want := "Negotiator.Negotiate: dial tcp: refused: connectivity failure"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Client.Send", ErrNotConnected, "")
	want := "Client.Send: not connected"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Codec.Decode", ErrInvalidFrame, "truncated varint")
	if !errors.Is(err, ErrInvalidFrame) {
		t.Error("errors.Is should match ErrInvalidFrame")
	}
}

func TestNegotiationErrorCategories(t *testing.T) {
	se := NewServerError(1000040343, "internal error")
	assert.ErrorIs(t, se, ErrServerError)
	assert.NotErrorIs(t, se, ErrClientError)
	assert.Contains(t, se.Error(), "code=1000040343")

	ce := NewClientError(514, "auth failed")
	assert.ErrorIs(t, ce, ErrClientError)

	var ne *NegotiationError
	wrapped := fmt.Errorf("connect: %w", se)
	require.True(t, errors.As(wrapped, &ne))
	assert.Equal(t, 1000040343, ne.Code)
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(NewDomainError("dial", ErrConnectivity, "")))
	assert.True(t, IsRetryableError(NewServerError(1, "system busy")))
	assert.False(t, IsRetryableError(NewClientError(403, "forbidden")))
	assert.False(t, IsRetryableError(ErrClosed))
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(errors.New("plain")))
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeConnectivity, ErrorCodeOf(ErrConnectivity))
	assert.Equal(t, CodeReconnectExhausted, ErrorCodeOf(ErrReconnectExhausted))
	assert.Equal(t, CodeInvalidFrame, ErrorCodeOf(ErrInvalidFrame))
}

func TestErrorCodeOf_SpecificBeforeCategory(t *testing.T) {
	err := &NegotiationError{Code: 500, Msg: "empty url", Err: fmt.Errorf("%w: %w", ErrServerError, ErrNoEndpoint)}
	assert.Equal(t, CodeNoEndpoint, ErrorCodeOf(err))
	assert.ErrorIs(t, err, ErrServerError)
}

func TestErrorCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("random")))
}

func TestDomainErrorCode(t *testing.T) {
	err := NewDomainError("Client.Start", ErrAlreadyStarted, "")
	assert.Equal(t, CodeAlreadyStarted, err.Code())
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("op", nil))
	err := WrapOp("Client.Send", ErrNotConnected)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "Client.Send: not connected", err.Error())
}
