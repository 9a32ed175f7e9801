package model

import (
	"strconv"
	"time"
)

// Provider family identifiers. These double as permission names on keys.
const (
	ProviderClaude  = "claude"
	ProviderGemini  = "gemini"
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
	ProviderAzure   = "azure"
)

// AccountType distinguishes pool membership.
type AccountType string

const (
	AccountShared    AccountType = "shared"
	AccountDedicated AccountType = "dedicated"
)

// EndpointComm is the wildcard endpoint type: such an account serves any
// endpoint of its provider family.
const EndpointComm = "comm"

// UpstreamAccount is one upstream provider credential, persisted under
// account:{provider}:{id} as a strings-only hash.
type UpstreamAccount struct {
	ID           string
	Name         string
	Provider     string
	EndpointType string
	AccountType  AccountType
	// Priority orders scheduling; lower runs first.
	Priority    int
	Schedulable bool
	// Healthy derives from credential status and is flipped by the
	// credential refresh peripheral.
	Healthy    bool
	LastUsedAt time.Time

	BaseURL string
	APIKey  string
}

// EndpointCompatible reports whether the account can serve the requested
// endpoint type. "comm" accounts serve anything; anthropic and openai are
// a compatible sharing pair.
func (a *UpstreamAccount) EndpointCompatible(endpointType string) bool {
	if a.EndpointType == EndpointComm {
		return true
	}
	self := normalizeEndpoint(a.EndpointType)
	want := normalizeEndpoint(endpointType)
	if self == want {
		return true
	}
	return sharingPair(self, want)
}

func normalizeEndpoint(s string) string {
	switch s {
	case "", "default":
		return "anthropic"
	default:
		return s
	}
}

func sharingPair(a, b string) bool {
	return (a == "anthropic" && b == "openai") || (a == "openai" && b == "anthropic")
}

// ToMap serializes for HSET.
func (a *UpstreamAccount) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"id":            a.ID,
		"name":          a.Name,
		"provider":      a.Provider,
		"endpoint_type": a.EndpointType,
		"account_type":  string(a.AccountType),
		"priority":      strconv.Itoa(a.Priority),
		"schedulable":   strconv.FormatBool(a.Schedulable),
		"healthy":       strconv.FormatBool(a.Healthy),
		"last_used_at":  formatTime(a.LastUsedAt),
		"base_url":      a.BaseURL,
		"api_key":       a.APIKey,
	}
}

// AccountFromMap parses an account hash.
func AccountFromMap(m map[string]string) *UpstreamAccount {
	a := &UpstreamAccount{
		ID:           m["id"],
		Name:         m["name"],
		Provider:     m["provider"],
		EndpointType: m["endpoint_type"],
		AccountType:  AccountType(m["account_type"]),
		Priority:     parseInt(m["priority"]),
		Schedulable:  m["schedulable"] == "true",
		Healthy:      m["healthy"] == "true",
		LastUsedAt:   parseTime(m["last_used_at"]),
		BaseURL:      m["base_url"],
		APIKey:       m["api_key"],
	}
	if a.AccountType == "" {
		a.AccountType = AccountShared
	}
	return a
}
