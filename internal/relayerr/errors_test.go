package relayerr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, New(CodeInvalidAPIKey).Status())
	assert.Equal(t, http.StatusTooManyRequests, New(CodeRateLimitExceeded).Status())
	assert.Equal(t, 529, New(CodeOverloaded).Status())
	assert.Equal(t, http.StatusServiceUnavailable, New(CodeAccountUnavailable).Status())
	assert.Equal(t, http.StatusInternalServerError, (&Error{Code: "bogus"}).Status())
}

func TestWrapKeepsCauseOutOfMessage(t *testing.T) {
	cause := errors.New("redis: connection refused at 10.0.0.3:6379")
	err := Wrap(CodeInternalError, cause)

	// The cause stays reachable for logging but never leaks into the
	// client-facing message.
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, defaultMessages[CodeInternalError], err.Message)
	assert.NotContains(t, err.Message, "10.0.0.3")
}

func TestAsError(t *testing.T) {
	orig := New(CodeTimeout)
	assert.Same(t, orig, AsError(orig))

	wrapped := AsError(errors.New("boom"))
	require.NotNil(t, wrapped)
	assert.Equal(t, CodeInternalError, wrapped.Code)
}

func TestFromUpstreamStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Code
	}{
		{529, CodeOverloaded},
		{401, CodeAuthFailure},
		{403, CodeAuthFailure},
		{429, CodeServiceUnavailable},
		{504, CodeTimeout},
		{404, CodeModelUnavailable},
		{500, CodeUpstreamError},
		{400, CodeInvalidRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromUpstreamStatus(tt.status).Code, "status %d", tt.status)
	}
}

func TestSanitizeBody(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"error":{"message":"[pool-3/acct-7] upstream rejected"}}`, `{"error":{"message":"upstream rejected"}}`},
		{"[relay-eu/a12] quota hit [relay-us/b3] again", "quota hit again"},
		// Legitimate brackets survive.
		{"tokens[0] is invalid", "tokens[0] is invalid"},
		{"use model claude-sonnet-4-5[1m]", "use model claude-sonnet-4-5[1m]"},
		{"no tags here", "no tags here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeBody(tt.in))
	}
}
