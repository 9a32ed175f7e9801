package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestGate(t *testing.T) (*Gate, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	gate := NewGate(client, Options{}, zap.NewNop())
	return gate, client, mr
}

func TestAdmitUnlimitedKey(t *testing.T) {
	gate, _, _ := newTestGate(t)

	d, err := gate.Admit(context.Background(), &model.APIKey{ID: "k1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.WindowStart)
}

func TestAdmitRequestLimitIsExact(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", RateLimitRequests: 2}

	for i := 0; i < 2; i++ {
		d, err := gate.Admit(ctx, key)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.NotZero(t, d.WindowStart)
	}

	d, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimRequests, d.Dimension)
}

func TestAdmitConcurrentExactness(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", RateLimitRequests: 5}

	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := gate.Admit(ctx, key)
			if assert.NoError(t, err) && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), admitted.Load())
}

func TestWindowRollsAtExpiry(t *testing.T) {
	gate, client, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", RateLimitRequests: 1}

	// Simulate an exhausted window that started more than a full window
	// ago. The next admit must roll it and clear the counters.
	stale := time.Now().Add(-2 * time.Minute).UnixMilli()
	require.NoError(t, client.Set(ctx, WindowStartKey(key.ID), stale, 0).Err())
	require.NoError(t, client.Set(ctx, RequestsKey(key.ID), 1, 0).Err())
	require.NoError(t, client.Set(ctx, TokensKey(key.ID), 5000, 0).Err())

	d, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Greater(t, d.WindowStart, stale)

	req, err := client.Get(ctx, RequestsKey(key.ID)).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), req)
	_, err = client.Get(ctx, TokensKey(key.ID)).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestAdmitSharesWindowStart(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", RateLimitRequests: 10}

	first, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	second, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.WindowStart, second.WindowStart)
}

func TestTokenLimitGatesNextRequest(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", TokenLimit: 1000}

	// First request is admitted with no settled tokens yet.
	d, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// Settlement pushes the window over its token budget.
	require.NoError(t, gate.SettleWindow(ctx, key.ID, d.WindowStart, 1500, 0))

	d, err = gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimTokens, d.Dimension)
}

func TestCostLimitGatesNextRequest(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", RateLimitCost: 0.5}

	d, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	require.NoError(t, gate.SettleWindow(ctx, key.ID, d.WindowStart, 100, 0.75))

	d, err = gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimCost, d.Dimension)
}

func TestSettleIgnoresRolledWindow(t *testing.T) {
	gate, client, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", TokenLimit: 1000}

	d, err := gate.Admit(ctx, key)
	require.NoError(t, err)

	// The window rolls; a late settlement from the old window must not
	// pollute the new counters.
	staleStart := d.WindowStart - 60_000
	require.NoError(t, gate.SettleWindow(ctx, key.ID, staleStart, 9999, 0))

	tok, err := client.Get(ctx, TokensKey(key.ID)).Result()
	assert.ErrorIs(t, err, redis.Nil, "stale settle wrote tokens %q", tok)
}

func TestTotalCostCap(t *testing.T) {
	gate, client, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", TotalCostLimit: 10}

	d, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, client.Set(ctx, TotalCostKey(key.ID), "10.5", 0).Err())

	d, err = gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimTotalCost, d.Dimension)
}

func TestDailyCostCap(t *testing.T) {
	gate, client, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", DailyCostLimit: 5}

	require.NoError(t, client.Set(ctx, gate.DailyCostKey(key.ID, time.Now()), "5.0", 0).Err())

	d, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimDailyCost, d.Dimension)
}

func TestWeeklyOpusCostCap(t *testing.T) {
	gate, client, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", WeeklyOpusCostLimit: 100}

	require.NoError(t, client.Set(ctx, gate.WeeklyOpusCostKey(key.ID, time.Now()), "250", 0).Err())

	d, err := gate.Admit(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, DimWeeklyCost, d.Dimension)
}

func TestConcurrencySlots(t *testing.T) {
	gate, _, _ := newTestGate(t)
	ctx := context.Background()
	key := &model.APIKey{ID: "k1", ConcurrencyLimit: 2}

	for i := 0; i < 2; i++ {
		ok, err := gate.AcquireConcurrency(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := gate.AcquireConcurrency(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing a slot frees capacity again.
	gate.ReleaseConcurrency(ctx, key)
	ok, err = gate.AcquireConcurrency(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrencyUnlimited(t *testing.T) {
	gate, _, _ := newTestGate(t)
	key := &model.APIKey{ID: "k1"}

	for i := 0; i < 10; i++ {
		ok, err := gate.AcquireConcurrency(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestWindowDuration(t *testing.T) {
	gate, _, _ := newTestGate(t)

	assert.Equal(t, time.Minute, gate.WindowDuration(&model.APIKey{}))
	assert.Equal(t, 5*time.Minute, gate.WindowDuration(&model.APIKey{RateLimitWindow: 5}))
}

func TestDailyKeyIsTimezoneAligned(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	gate := NewGate(client, Options{Location: loc}, zap.NewNop())

	// 02:00 UTC on Jan 2 is still Jan 1 in New York.
	at := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, "usage:cost:daily:k1:2026-01-01", gate.DailyCostKey("k1", at))
}
