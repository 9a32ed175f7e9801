package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/model"
	"go.uber.org/zap"
)

// ratesKey is the Redis key holding the service rate table as JSON.
const ratesKey = "service_rates"

// RateTable maps provider families to multipliers against the base
// consumption-credit unit. One credit equals one USD at rate 1.0.
type RateTable struct {
	BaseService string             `json:"base_service"`
	Rates       map[string]float64 `json:"rates"`
}

// Registry is the service rate registry with a short in-process cache.
type Registry struct {
	client   *redis.Client
	logger   *zap.Logger
	cacheTTL time.Duration

	mu       sync.RWMutex
	cached   *RateTable
	cachedAt time.Time
}

func NewRegistry(client *redis.Client, cacheTTL time.Duration, logger *zap.Logger) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &Registry{
		client:   client,
		logger:   logger,
		cacheTTL: cacheTTL,
	}
}

// Table returns the current rate table, serving the cached copy within
// the cache TTL. A missing table yields rate 1.0 for every provider.
func (r *Registry) Table(ctx context.Context) *RateTable {
	r.mu.RLock()
	if r.cached != nil && time.Since(r.cachedAt) < r.cacheTTL {
		t := r.cached
		r.mu.RUnlock()
		return t
	}
	r.mu.RUnlock()

	data, err := r.client.Get(ctx, ratesKey).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("failed to load service rates", zap.Error(err))
		}
		return r.fallback()
	}

	var table RateTable
	if err := json.Unmarshal([]byte(data), &table); err != nil {
		r.logger.Warn("failed to parse service rates", zap.Error(err))
		return r.fallback()
	}

	r.mu.Lock()
	r.cached = &table
	r.cachedAt = time.Now()
	r.mu.Unlock()

	return &table
}

// fallback returns the stale cached table if any, else an empty table.
func (r *Registry) fallback() *RateTable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cached != nil {
		return r.cached
	}
	return &RateTable{Rates: map[string]float64{}}
}

// Save validates and persists a rate table, then invalidates the cache.
// Every rate must be a finite positive number.
func (r *Registry) Save(ctx context.Context, table *RateTable) error {
	for provider, rate := range table.Rates {
		if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return fmt.Errorf("invalid service rate for %s: %v", provider, rate)
		}
	}

	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to marshal service rates: %w", err)
	}
	if err := r.client.Set(ctx, ratesKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store service rates: %w", err)
	}

	r.mu.Lock()
	r.cached = table
	r.cachedAt = time.Now()
	r.mu.Unlock()

	return nil
}

// Rate returns the multiplier for a provider, preferring the per-key
// overrides. Unknown providers convert 1:1.
func (r *Registry) Rate(ctx context.Context, provider string, overrides map[string]float64) float64 {
	if rate, ok := overrides[provider]; ok && rate > 0 {
		return rate
	}
	table := r.Table(ctx)
	if rate, ok := table.Rates[provider]; ok && rate > 0 {
		return rate
	}
	return 1.0
}

// ConvertToCredits converts a USD cost to consumption credits for the
// provider, honoring per-key overrides.
func (r *Registry) ConvertToCredits(ctx context.Context, costUSD float64, provider string, overrides map[string]float64) float64 {
	return costUSD * r.Rate(ctx, provider, overrides)
}

// accountTypeProviders maps explicit endpoint/account types to provider
// families. Consulted before model-name inference.
var accountTypeProviders = map[string]string{
	"anthropic":    model.ProviderClaude,
	"claude":       model.ProviderClaude,
	"comm":         model.ProviderClaude,
	"gemini":       model.ProviderGemini,
	"openai":       model.ProviderOpenAI,
	"codex":        model.ProviderOpenAI,
	"bedrock":      model.ProviderBedrock,
	"azure":        model.ProviderAzure,
	"azure-openai": model.ProviderAzure,
}

// InferProvider resolves the billing provider family from the account's
// endpoint type, falling back to model-name keywords with claude as the
// final default.
func InferProvider(endpointType, modelName string) string {
	if p, ok := accountTypeProviders[strings.ToLower(endpointType)]; ok {
		return p
	}

	name := strings.ToLower(modelName)
	switch {
	case strings.Contains(name, "gemini"):
		return model.ProviderGemini
	case strings.Contains(name, "gpt"), strings.Contains(name, "codex"),
		strings.HasPrefix(name, "o1"), strings.HasPrefix(name, "o3"), strings.HasPrefix(name, "o4"):
		return model.ProviderOpenAI
	case strings.Contains(name, "bedrock"):
		return model.ProviderBedrock
	case strings.Contains(name, "azure"):
		return model.ProviderAzure
	default:
		return model.ProviderClaude
	}
}
