package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/config"
	"github.com/relaycore/relayd/internal/model"
	"go.uber.org/zap"
)

// Limit dimensions reported on rejection.
type Dimension string

const (
	DimRequests   Dimension = "requests"
	DimTokens     Dimension = "tokens"
	DimCost       Dimension = "cost"
	DimDailyCost  Dimension = "daily_cost"
	DimWeeklyCost Dimension = "weekly_opus_cost"
	DimTotalCost  Dimension = "total_cost"
	DimConcurrent Dimension = "concurrency"
)

// admitScript owns the rate window atomically: roll the window when
// expired, enforce the request bound, and count the admission in one
// step, so concurrent attempts admit exactly the configured number.
// Token and cost counters are settled later by the usage recorder, so
// they gate the next request, not the current one.
var admitScript = redis.NewScript(`
local ws = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
if ws == 0 or now >= ws + win then
	ws = now
	redis.call('SET', KEYS[1], ws, 'PX', win)
	redis.call('DEL', KEYS[2], KEYS[3], KEYS[4])
end
local maxReq = tonumber(ARGV[3])
if maxReq > 0 then
	local req = tonumber(redis.call('GET', KEYS[2]) or '0')
	if req + 1 > maxReq then
		return {0, 'requests', ws}
	end
end
local maxTok = tonumber(ARGV[4])
if maxTok > 0 then
	local tok = tonumber(redis.call('GET', KEYS[3]) or '0')
	if tok > maxTok then
		return {0, 'tokens', ws}
	end
end
local maxCost = tonumber(ARGV[5])
if maxCost > 0 then
	local cost = tonumber(redis.call('GET', KEYS[4]) or '0')
	if cost > maxCost then
		return {0, 'cost', ws}
	end
end
redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], win)
return {1, '', ws}
`)

// settleScript adds token/cost usage to the window counters only when the
// window that admitted the request is still the active one.
var settleScript = redis.NewScript(`
local ws = redis.call('GET', KEYS[1])
if not ws or ws ~= ARGV[1] then
	return 0
end
redis.call('INCRBY', KEYS[2], ARGV[2])
redis.call('INCRBYFLOAT', KEYS[3], ARGV[3])
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
	redis.call('PEXPIRE', KEYS[3], ttl)
end
return 1
`)

// Decision is the admission outcome.
type Decision struct {
	Allowed bool
	// Dimension names the violated limit when not allowed.
	Dimension Dimension
	// WindowStart identifies the rate window that admitted the request;
	// the recorder uses it to avoid writing into a rolled window.
	WindowStart int64
}

// Gate is the per-key admission check and counter owner.
type Gate struct {
	client        *redis.Client
	logger        *zap.Logger
	location      *time.Location
	defaultWindow time.Duration
	dailyTTL      time.Duration
	weeklyTTL     time.Duration
	concurrentTTL time.Duration
}

type Options struct {
	Location      *time.Location
	DefaultWindow time.Duration
	DailyTTL      time.Duration
	WeeklyTTL     time.Duration
	ConcurrentTTL time.Duration
}

func NewGate(client *redis.Client, opts Options, logger *zap.Logger) *Gate {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = time.Minute
	}
	if opts.DailyTTL <= 0 {
		opts.DailyTTL = 48 * time.Hour
	}
	if opts.WeeklyTTL <= 0 {
		opts.WeeklyTTL = 14 * 24 * time.Hour
	}
	if opts.ConcurrentTTL <= 0 {
		opts.ConcurrentTTL = 5 * time.Minute
	}
	return &Gate{
		client:        client,
		logger:        logger,
		location:      opts.Location,
		defaultWindow: opts.DefaultWindow,
		dailyTTL:      opts.DailyTTL,
		weeklyTTL:     opts.WeeklyTTL,
		concurrentTTL: opts.ConcurrentTTL,
	}
}

// NewGateFromConfig wires the gate from the service configuration.
func NewGateFromConfig(client *redis.Client, cfg *config.Config, logger *zap.Logger) *Gate {
	return NewGate(client, Options{
		Location:      cfg.Location(),
		DefaultWindow: cfg.Limits.DefaultWindow,
		DailyTTL:      cfg.Billing.DailyCounterTTL,
		WeeklyTTL:     cfg.Billing.WeeklyCounterTTL,
		ConcurrentTTL: cfg.Limits.ConcurrencyTTL,
	}, logger)
}

// Counter key layout. Exported builders let the usage recorder write the
// same keys the gate reads.

func WindowStartKey(keyID string) string { return "rate_limit:window_start:" + keyID }
func RequestsKey(keyID string) string    { return "rate_limit:requests:" + keyID }
func TokensKey(keyID string) string      { return "rate_limit:tokens:" + keyID }
func CostKey(keyID string) string        { return "rate_limit:cost:" + keyID }
func TotalCostKey(keyID string) string   { return "usage:cost:total:" + keyID }

func concurrencyKey(keyID string) string { return "concurrency:" + keyID }

// DailyCostKey is midnight-aligned in the billing timezone.
func (g *Gate) DailyCostKey(keyID string, t time.Time) string {
	return fmt.Sprintf("usage:cost:daily:%s:%s", keyID, t.In(g.location).Format("2006-01-02"))
}

// WeeklyOpusCostKey is ISO-week aligned.
func (g *Gate) WeeklyOpusCostKey(keyID string, t time.Time) string {
	year, week := t.In(g.location).ISOWeek()
	return fmt.Sprintf("usage:cost:weekly:opus:%s:%d-W%02d", keyID, year, week)
}

// WindowDuration resolves the key's rate window.
func (g *Gate) WindowDuration(key *model.APIKey) time.Duration {
	if key.RateLimitWindow > 0 {
		return time.Duration(key.RateLimitWindow) * time.Minute
	}
	return g.defaultWindow
}

// Admit runs the full admission check for one inbound request: rate
// window (requests, settled tokens/cost), then lifetime, daily, and
// weekly cost caps. On pass the request is counted in the window.
func (g *Gate) Admit(ctx context.Context, key *model.APIKey) (*Decision, error) {
	now := time.Now()

	if exceeded, dim, err := g.checkCostCaps(ctx, key, now); err != nil {
		return nil, err
	} else if exceeded {
		return &Decision{Allowed: false, Dimension: dim}, nil
	}

	windowed := key.RateLimitRequests > 0 || key.RateLimitCost > 0 || key.TokenLimit > 0
	if !windowed {
		return &Decision{Allowed: true}, nil
	}

	window := g.WindowDuration(key)
	res, err := admitScript.Run(ctx, g.client,
		[]string{
			WindowStartKey(key.ID),
			RequestsKey(key.ID),
			TokensKey(key.ID),
			CostKey(key.ID),
		},
		now.UnixMilli(),
		window.Milliseconds(),
		key.RateLimitRequests,
		key.TokenLimit,
		key.RateLimitCost,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run admission check: %w", err)
	}

	allowed := res[0].(int64) == 1
	dimension, _ := res[1].(string)
	windowStart, _ := res[2].(int64)

	decision := &Decision{
		Allowed:     allowed,
		Dimension:   Dimension(dimension),
		WindowStart: windowStart,
	}
	if !allowed {
		g.logger.Debug("request rejected by rate window",
			zap.String("key_id", key.ID),
			zap.String("dimension", dimension))
	}
	return decision, nil
}

// checkCostCaps compares settled cost counters against the key's
// lifetime, daily, and weekly caps.
func (g *Gate) checkCostCaps(ctx context.Context, key *model.APIKey, now time.Time) (bool, Dimension, error) {
	if key.TotalCostLimit <= 0 && key.DailyCostLimit <= 0 && key.WeeklyOpusCostLimit <= 0 {
		return false, "", nil
	}

	vals, err := g.client.MGet(ctx,
		TotalCostKey(key.ID),
		g.DailyCostKey(key.ID, now),
		g.WeeklyOpusCostKey(key.ID, now),
	).Result()
	if err != nil {
		return false, "", fmt.Errorf("failed to read cost counters: %w", err)
	}

	total := parseCounter(vals[0])
	daily := parseCounter(vals[1])
	weekly := parseCounter(vals[2])

	switch {
	case key.TotalCostLimit > 0 && total >= key.TotalCostLimit:
		return true, DimTotalCost, nil
	case key.DailyCostLimit > 0 && daily >= key.DailyCostLimit:
		return true, DimDailyCost, nil
	case key.WeeklyOpusCostLimit > 0 && weekly >= key.WeeklyOpusCostLimit:
		return true, DimWeeklyCost, nil
	}
	return false, "", nil
}

// SettleWindow adds settled token/cost usage to the admitting window.
// A rolled window makes this a no-op.
func (g *Gate) SettleWindow(ctx context.Context, keyID string, windowStart int64, tokens int64, cost float64) error {
	if windowStart == 0 {
		return nil
	}
	err := settleScript.Run(ctx, g.client,
		[]string{WindowStartKey(keyID), TokensKey(keyID), CostKey(keyID)},
		windowStart, tokens, fmt.Sprintf("%f", cost),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to settle rate window: %w", err)
	}
	return nil
}

// AcquireConcurrency reserves a concurrency slot. The reservation key
// carries a TTL so crashed holders cannot pin slots forever.
func (g *Gate) AcquireConcurrency(ctx context.Context, key *model.APIKey) (bool, error) {
	if key.ConcurrencyLimit <= 0 {
		return true, nil
	}

	k := concurrencyKey(key.ID)
	n, err := g.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire concurrency slot: %w", err)
	}
	g.client.Expire(ctx, k, g.concurrentTTL)

	if n > int64(key.ConcurrencyLimit) {
		g.client.Decr(ctx, k)
		return false, nil
	}
	return true, nil
}

// ReleaseConcurrency returns a slot. Best effort; the TTL is the backstop.
func (g *Gate) ReleaseConcurrency(ctx context.Context, key *model.APIKey) {
	if key.ConcurrencyLimit <= 0 {
		return
	}
	if err := g.client.Decr(ctx, concurrencyKey(key.ID)).Err(); err != nil {
		g.logger.Warn("failed to release concurrency slot",
			zap.String("key_id", key.ID), zap.Error(err))
	}
}

func parseCounter(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var f float64
	_, _ = fmt.Sscanf(s, "%g", &f)
	return f
}
