package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// ExpirationMode controls how a key's expiry is anchored.
type ExpirationMode string

const (
	// ExpireFixed expires at a fixed timestamp set at creation.
	ExpireFixed ExpirationMode = "fixed"
	// ExpireOnActivation starts the expiry clock on first relay use.
	ExpireOnActivation ExpirationMode = "activation"
)

// PermissionAll grants access to every provider family.
const PermissionAll = "all"

// GroupBindingPrefix marks a provider binding that names an account group
// rather than a single account.
const GroupBindingPrefix = "group:"

// APIKey is the forward record persisted under apikey:{id}. All fields are
// stored as strings in a Redis hash; parsing happens at read time so the
// wire schema stays stable across versions.
type APIKey struct {
	ID          string
	Name        string
	Description string
	SecretHash  string
	CreatedAt   time.Time

	IsActive       bool
	IsDeleted      bool
	LastUsedAt     time.Time
	ExpiresAt      time.Time
	ExpirationMode ExpirationMode
	ActivationDays int
	IsActivated    bool
	ActivatedAt    time.Time

	// ProviderAccounts binds a provider family to a dedicated account ID or
	// a "group:<id>" group binding. Absent entries use the shared pool.
	ProviderAccounts map[string]string

	TokenLimit          int64
	ConcurrencyLimit    int
	RateLimitWindow     int // minutes
	RateLimitRequests   int
	RateLimitCost       float64
	DailyCostLimit      float64
	TotalCostLimit      float64
	WeeklyOpusCostLimit float64

	// ServiceRates overrides the global provider→credit multipliers for
	// this key.
	ServiceRates     map[string]float64
	RestrictedModels []string
	AllowedClients   []string
	Permissions      []string
	Tags             []string
}

// Eligible reports whether the key may be used at all: active, not
// tombstoned, not past expiry, and activated when activation-mode.
func (k *APIKey) Eligible(now time.Time) bool {
	if !k.IsActive || k.IsDeleted {
		return false
	}
	if !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt) {
		return false
	}
	if k.ExpirationMode == ExpireOnActivation && !k.IsActivated {
		// Unactivated keys are eligible; first relay use activates them.
		return true
	}
	return true
}

// Expired reports whether the key has a set expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// HasPermission checks provider access. An empty permission set and the
// "all" grant both allow every provider.
func (k *APIKey) HasPermission(provider string) bool {
	if len(k.Permissions) == 0 {
		return true
	}
	for _, p := range k.Permissions {
		if p == PermissionAll || p == provider {
			return true
		}
	}
	return false
}

// ModelAllowed rejects models present in the key's restriction list.
func (k *APIKey) ModelAllowed(model string) bool {
	for _, m := range k.RestrictedModels {
		if m == model {
			return false
		}
	}
	return true
}

// ClientAllowed enforces the allowed-clients list; an empty list allows
// any client.
func (k *APIKey) ClientAllowed(client string) bool {
	if len(k.AllowedClients) == 0 {
		return true
	}
	for _, c := range k.AllowedClients {
		if c == client {
			return true
		}
	}
	return false
}

// BindingFor returns the provider binding and whether it names a group.
func (k *APIKey) BindingFor(provider string) (binding string, isGroup bool, ok bool) {
	binding, ok = k.ProviderAccounts[provider]
	if !ok || binding == "" {
		return "", false, false
	}
	if len(binding) > len(GroupBindingPrefix) && binding[:len(GroupBindingPrefix)] == GroupBindingPrefix {
		return binding[len(GroupBindingPrefix):], true, true
	}
	return binding, false, true
}

// ToMap serializes the key for HSET. Every value is a string; zero times
// serialize as "0".
func (k *APIKey) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":                     k.ID,
		"name":                   k.Name,
		"description":            k.Description,
		"secret_hash":            k.SecretHash,
		"created_at":             formatTime(k.CreatedAt),
		"is_active":              strconv.FormatBool(k.IsActive),
		"is_deleted":             strconv.FormatBool(k.IsDeleted),
		"last_used_at":           formatTime(k.LastUsedAt),
		"expires_at":             formatTime(k.ExpiresAt),
		"expiration_mode":        string(k.ExpirationMode),
		"activation_days":        strconv.Itoa(k.ActivationDays),
		"is_activated":           strconv.FormatBool(k.IsActivated),
		"activated_at":           formatTime(k.ActivatedAt),
		"provider_accounts":      marshalJSON(k.ProviderAccounts),
		"token_limit":            strconv.FormatInt(k.TokenLimit, 10),
		"concurrency_limit":      strconv.Itoa(k.ConcurrencyLimit),
		"rate_limit_window":      strconv.Itoa(k.RateLimitWindow),
		"rate_limit_requests":    strconv.Itoa(k.RateLimitRequests),
		"rate_limit_cost":        formatFloat(k.RateLimitCost),
		"daily_cost_limit":       formatFloat(k.DailyCostLimit),
		"total_cost_limit":       formatFloat(k.TotalCostLimit),
		"weekly_opus_cost_limit": formatFloat(k.WeeklyOpusCostLimit),
		"service_rates":          marshalJSON(k.ServiceRates),
		"restricted_models":      marshalJSON(k.RestrictedModels),
		"allowed_clients":        marshalJSON(k.AllowedClients),
		"permissions":            marshalJSON(k.Permissions),
		"tags":                   marshalJSON(k.Tags),
	}
	return m
}

// KeyFromMap parses an apikey:{id} hash back into a typed record.
// Unparseable numeric fields fall back to zero values.
func KeyFromMap(m map[string]string) *APIKey {
	k := &APIKey{
		ID:             m["id"],
		Name:           m["name"],
		Description:    m["description"],
		SecretHash:     m["secret_hash"],
		CreatedAt:      parseTime(m["created_at"]),
		IsActive:       m["is_active"] == "true",
		IsDeleted:      m["is_deleted"] == "true",
		LastUsedAt:     parseTime(m["last_used_at"]),
		ExpiresAt:      parseTime(m["expires_at"]),
		ExpirationMode: ExpirationMode(m["expiration_mode"]),
		ActivationDays: parseInt(m["activation_days"]),
		IsActivated:    m["is_activated"] == "true",
		ActivatedAt:    parseTime(m["activated_at"]),

		TokenLimit:          parseInt64(m["token_limit"]),
		ConcurrencyLimit:    parseInt(m["concurrency_limit"]),
		RateLimitWindow:     parseInt(m["rate_limit_window"]),
		RateLimitRequests:   parseInt(m["rate_limit_requests"]),
		RateLimitCost:       parseFloat(m["rate_limit_cost"]),
		DailyCostLimit:      parseFloat(m["daily_cost_limit"]),
		TotalCostLimit:      parseFloat(m["total_cost_limit"]),
		WeeklyOpusCostLimit: parseFloat(m["weekly_opus_cost_limit"]),
	}
	if k.ExpirationMode == "" {
		k.ExpirationMode = ExpireFixed
	}
	unmarshalJSON(m["provider_accounts"], &k.ProviderAccounts)
	unmarshalJSON(m["service_rates"], &k.ServiceRates)
	unmarshalJSON(m["restricted_models"], &k.RestrictedModels)
	unmarshalJSON(m["allowed_clients"], &k.AllowedClients)
	unmarshalJSON(m["permissions"], &k.Permissions)
	unmarshalJSON(m["tags"], &k.Tags)
	return k
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalJSON(s string, v interface{}) {
	if s == "" || s == "null" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}
