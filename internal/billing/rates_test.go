package billing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRegistry(client, time.Minute, zap.NewNop()), client
}

func TestRateDefaultsToOne(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.Equal(t, 1.0, reg.Rate(ctx, model.ProviderClaude, nil))
	assert.Equal(t, 12.5, reg.ConvertToCredits(ctx, 12.5, model.ProviderGemini, nil))
}

func TestSaveAndRate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	err := reg.Save(ctx, &RateTable{
		BaseService: model.ProviderClaude,
		Rates: map[string]float64{
			model.ProviderClaude: 1.0,
			model.ProviderGemini: 0.8,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0.8, reg.Rate(ctx, model.ProviderGemini, nil))
	assert.InDelta(t, 8.0, reg.ConvertToCredits(ctx, 10, model.ProviderGemini, nil), 1e-12)
	// Unknown provider still converts 1:1.
	assert.Equal(t, 1.0, reg.Rate(ctx, model.ProviderBedrock, nil))
}

func TestSaveRejectsInvalidRates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, rate := range []float64{0, -1} {
		err := reg.Save(ctx, &RateTable{Rates: map[string]float64{"claude": rate}})
		assert.Error(t, err)
	}
}

func TestPerKeyOverrideWins(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Save(ctx, &RateTable{
		Rates: map[string]float64{model.ProviderClaude: 2.0},
	}))

	overrides := map[string]float64{model.ProviderClaude: 0.5}
	assert.Equal(t, 0.5, reg.Rate(ctx, model.ProviderClaude, overrides))
	// Overrides for other providers do not leak.
	assert.Equal(t, 2.0, reg.Rate(ctx, model.ProviderClaude, map[string]float64{"gemini": 0.1}))
}

func TestTableServesCachedCopy(t *testing.T) {
	reg, client := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Save(ctx, &RateTable{
		Rates: map[string]float64{model.ProviderClaude: 2.0},
	}))

	// Redis changes within the cache TTL are not observed.
	require.NoError(t, client.Set(ctx, ratesKey, `{"rates":{"claude":9.0}}`, 0).Err())
	assert.Equal(t, 2.0, reg.Rate(ctx, model.ProviderClaude, nil))
}

func TestInferProvider(t *testing.T) {
	tests := []struct {
		endpoint string
		model    string
		want     string
	}{
		{"anthropic", "claude-opus-4-6", model.ProviderClaude},
		{"comm", "whatever", model.ProviderClaude},
		{"codex", "gpt-5", model.ProviderOpenAI},
		{"", "gemini-2.5-pro", model.ProviderGemini},
		{"", "gpt-5", model.ProviderOpenAI},
		{"", "o3-mini", model.ProviderOpenAI},
		{"", "mystery-model", model.ProviderClaude},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferProvider(tt.endpoint, tt.model), "endpoint=%q model=%q", tt.endpoint, tt.model)
	}
}
