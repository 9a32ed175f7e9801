package server

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractSecret(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	assert.Empty(t, extractSecret(r))

	r.Header.Set("Authorization", "Bearer rk-abc")
	assert.Equal(t, "rk-abc", extractSecret(r))

	// x-api-key wins over the bearer token.
	r.Header.Set("x-api-key", "rk-def")
	assert.Equal(t, "rk-def", extractSecret(r))
}

func TestClientID(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("User-Agent", "claude-cli/1.2.3 (linux)")
	assert.Equal(t, "claude-cli", clientID(r))

	r.Header.Set("x-app", "my-app")
	assert.Equal(t, "my-app", clientID(r))
}

func TestSessionHashStableAcrossTurns(t *testing.T) {
	parse := func(body string) relayEnvelope {
		var env relayEnvelope
		require.NoError(t, json.Unmarshal([]byte(body), &env))
		return env
	}

	turn1 := parse(`{"model":"m","system":"be nice","messages":[
		{"role":"user","content":"hello"}
	]}`)
	turn2 := parse(`{"model":"m","system":"be nice","messages":[
		{"role":"user","content":"hello"},
		{"role":"assistant","content":"hi there"},
		{"role":"user","content":"tell me more"}
	]}`)
	other := parse(`{"model":"m","system":"be nice","messages":[
		{"role":"user","content":"different opener"}
	]}`)

	h1 := sessionHash(turn1)
	h2 := sessionHash(turn2)
	h3 := sessionHash(other)

	assert.Equal(t, h1, h2, "follow-up turns keep the same session")
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 32)
}

func TestPassthroughHeaders(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("anthropic-version", "2023-06-01")
	r.Header.Set("x-api-key", "rk-secret")
	r.Header.Set("Cookie", "session=abc")

	out := passthroughHeaders(r)
	assert.Equal(t, "2023-06-01", out["anthropic-version"])
	// Credentials and browser state never go upstream.
	assert.NotContains(t, out, "x-api-key")
	assert.NotContains(t, out, "Cookie")
}
