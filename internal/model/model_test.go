package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyHashRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	key := &APIKey{
		ID:                  "k1",
		Name:                "roundtrip",
		CreatedAt:           now,
		IsActive:            true,
		ExpirationMode:      ExpireOnActivation,
		ActivationDays:      30,
		ProviderAccounts:    map[string]string{ProviderClaude: "group:team-a"},
		TokenLimit:          5000,
		RateLimitCost:       1.25,
		WeeklyOpusCostLimit: 400,
		ServiceRates:        map[string]float64{ProviderGemini: 0.8},
		Permissions:         []string{PermissionAll},
		Tags:                []string{"eng"},
	}

	m := make(map[string]string, len(key.ToMap()))
	for k, v := range key.ToMap() {
		m[k] = v.(string)
	}
	got := KeyFromMap(m)

	assert.Equal(t, key.ID, got.ID)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.True(t, got.LastUsedAt.IsZero())
	assert.Equal(t, key.ProviderAccounts, got.ProviderAccounts)
	assert.Equal(t, key.ServiceRates, got.ServiceRates)
	assert.Equal(t, 1.25, got.RateLimitCost)
	assert.Equal(t, int64(5000), got.TokenLimit)
}

func TestBindingFor(t *testing.T) {
	key := &APIKey{ProviderAccounts: map[string]string{
		ProviderClaude: "acct-7",
		ProviderGemini: "group:team-a",
	}}

	binding, isGroup, ok := key.BindingFor(ProviderClaude)
	assert.True(t, ok)
	assert.False(t, isGroup)
	assert.Equal(t, "acct-7", binding)

	binding, isGroup, ok = key.BindingFor(ProviderGemini)
	assert.True(t, ok)
	assert.True(t, isGroup)
	assert.Equal(t, "team-a", binding)

	_, _, ok = key.BindingFor(ProviderOpenAI)
	assert.False(t, ok)
}

func TestHasPermission(t *testing.T) {
	assert.True(t, (&APIKey{}).HasPermission(ProviderClaude))
	assert.True(t, (&APIKey{Permissions: []string{PermissionAll}}).HasPermission(ProviderGemini))

	scoped := &APIKey{Permissions: []string{ProviderClaude}}
	assert.True(t, scoped.HasPermission(ProviderClaude))
	assert.False(t, scoped.HasPermission(ProviderOpenAI))
}

func TestClientAndModelPolicy(t *testing.T) {
	key := &APIKey{
		RestrictedModels: []string{"claude-opus-4-6"},
		AllowedClients:   []string{"cli"},
	}
	assert.False(t, key.ModelAllowed("claude-opus-4-6"))
	assert.True(t, key.ModelAllowed("claude-sonnet-4-5"))
	assert.True(t, key.ClientAllowed("cli"))
	assert.False(t, key.ClientAllowed("web"))
	assert.True(t, (&APIKey{}).ClientAllowed("anything"))
}

func TestEndpointCompatible(t *testing.T) {
	comm := &UpstreamAccount{EndpointType: EndpointComm}
	assert.True(t, comm.EndpointCompatible("anthropic"))
	assert.True(t, comm.EndpointCompatible("gemini"))

	anthropic := &UpstreamAccount{EndpointType: "anthropic"}
	assert.True(t, anthropic.EndpointCompatible("anthropic"))
	assert.True(t, anthropic.EndpointCompatible("openai"), "anthropic and openai share accounts")
	assert.False(t, anthropic.EndpointCompatible("gemini"))

	// Empty endpoint type defaults to anthropic.
	legacy := &UpstreamAccount{}
	assert.True(t, legacy.EndpointCompatible("anthropic"))

	gemini := &UpstreamAccount{EndpointType: "gemini"}
	assert.False(t, gemini.EndpointCompatible("anthropic"))
	assert.True(t, gemini.EndpointCompatible("gemini"))
}

func TestUsageTotals(t *testing.T) {
	u := Usage{
		InputTokens:       100,
		OutputTokens:      40,
		CacheCreateTokens: 30,
		CacheReadTokens:   20,
	}
	assert.Equal(t, int64(150), u.TotalInput())
	assert.Equal(t, int64(190), u.AllTokens())
}
