package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/account"
	"github.com/relaycore/relayd/internal/apikey"
	"github.com/relaycore/relayd/internal/limiter"
	"github.com/relaycore/relayd/internal/model"
	"github.com/relaycore/relayd/internal/pricing"
	"go.uber.org/zap"
)

// Aggregate TTLs. Daily windows stay queryable for a month-and-change,
// monthly windows for thirteen months.
const (
	dailyAggregateTTL   = 35 * 24 * time.Hour
	monthlyAggregateTTL = 396 * 24 * time.Hour
)

// Event is one settled request handed to the recorder after the response
// finished streaming.
type Event struct {
	KeyID     string
	AccountID string
	Provider  string
	Model     string
	Usage     model.Usage
	Cost      pricing.CostBreakdown
	// RatedCost is the consumption-credit cost after the service rate
	// multiplier.
	RatedCost float64
	// WindowStart is the admitting rate window, used to settle window
	// token/cost counters without writing into a rolled window.
	WindowStart int64
}

// Recorder persists usage aggregates. Recording is at-least-once with
// last-write-wins; failures are logged and never surface to the client
// response path.
type Recorder struct {
	client   *redis.Client
	gate     *limiter.Gate
	keys     *apikey.Service
	accounts *account.Repository
	location *time.Location
	logger   *zap.Logger
}

func NewRecorder(client *redis.Client, gate *limiter.Gate, keys *apikey.Service, accounts *account.Repository, location *time.Location, logger *zap.Logger) *Recorder {
	if location == nil {
		location = time.UTC
	}
	return &Recorder{
		client:   client,
		gate:     gate,
		keys:     keys,
		accounts: accounts,
		location: location,
		logger:   logger,
	}
}

func totalAggregateKey(keyID string) string {
	return fmt.Sprintf("usage:%s:total", keyID)
}

func dailyAggregateKey(keyID, date string) string {
	return fmt.Sprintf("usage:%s:daily:%s", keyID, date)
}

func monthlyAggregateKey(keyID, month string) string {
	return fmt.Sprintf("usage:%s:monthly:%s", keyID, month)
}

func modelDailyKey(keyID, modelName, date string) string {
	return fmt.Sprintf("usage:%s:model:daily:%s:%s", keyID, modelName, date)
}

func modelMonthlyKey(keyID, modelName, month string) string {
	return fmt.Sprintf("usage:%s:model:monthly:%s:%s", keyID, modelName, month)
}

func modelAlltimeKey(keyID, modelName string) string {
	return fmt.Sprintf("usage:%s:model:alltime:%s", keyID, modelName)
}

// isOpusFamily gates the weekly family-specific cost counter.
func isOpusFamily(provider, modelName string) bool {
	return provider == model.ProviderClaude && strings.Contains(strings.ToLower(modelName), "opus")
}

// Record applies one settled event: aggregate token/request counters
// across every window, settled cost counters, the admitting rate window,
// and lastUsedAt stamps.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	now := time.Now().In(r.location)
	date := now.Format("2006-01-02")
	month := now.Format("2006-01")

	pipe := r.client.Pipeline()

	aggKeys := []struct {
		key string
		ttl time.Duration
	}{
		{totalAggregateKey(ev.KeyID), 0},
		{dailyAggregateKey(ev.KeyID, date), dailyAggregateTTL},
		{monthlyAggregateKey(ev.KeyID, month), monthlyAggregateTTL},
		{modelDailyKey(ev.KeyID, ev.Model, date), dailyAggregateTTL},
		{modelMonthlyKey(ev.KeyID, ev.Model, month), monthlyAggregateTTL},
		{modelAlltimeKey(ev.KeyID, ev.Model), 0},
	}

	u := ev.Usage
	realMicro := ev.Cost.TotalMicro
	ratedMicro := pricing.DollarsToMicro(ev.RatedCost)

	for _, agg := range aggKeys {
		pipe.HIncrBy(ctx, agg.key, "requests", 1)
		pipe.HIncrBy(ctx, agg.key, "input_tokens", u.InputTokens)
		pipe.HIncrBy(ctx, agg.key, "output_tokens", u.OutputTokens)
		pipe.HIncrBy(ctx, agg.key, "cache_create_tokens", u.CacheCreateTokens)
		pipe.HIncrBy(ctx, agg.key, "cache_read_tokens", u.CacheReadTokens)
		pipe.HIncrBy(ctx, agg.key, "all_tokens", u.AllTokens())
		pipe.HIncrBy(ctx, agg.key, "real_cost_micro", realMicro)
		pipe.HIncrBy(ctx, agg.key, "rated_cost_micro", ratedMicro)
		if agg.ttl > 0 {
			pipe.Expire(ctx, agg.key, agg.ttl)
		}
	}

	// Settled cost counters feeding the admission caps.
	pipe.IncrByFloat(ctx, limiter.TotalCostKey(ev.KeyID), ev.RatedCost)

	dailyKey := r.gate.DailyCostKey(ev.KeyID, now)
	pipe.IncrByFloat(ctx, dailyKey, ev.RatedCost)
	pipe.Expire(ctx, dailyKey, 48*time.Hour)

	if isOpusFamily(ev.Provider, ev.Model) {
		weeklyKey := r.gate.WeeklyOpusCostKey(ev.KeyID, now)
		pipe.IncrByFloat(ctx, weeklyKey, ev.RatedCost)
		pipe.Expire(ctx, weeklyKey, 14*24*time.Hour)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("failed to record usage aggregates",
			zap.String("key_id", ev.KeyID),
			zap.String("model", ev.Model),
			zap.Error(err))
		return
	}

	if err := r.gate.SettleWindow(ctx, ev.KeyID, ev.WindowStart, u.AllTokens(), ev.RatedCost); err != nil {
		r.logger.Warn("failed to settle rate window", zap.String("key_id", ev.KeyID), zap.Error(err))
	}

	now = time.Now()
	if err := r.keys.TouchLastUsed(ctx, ev.KeyID, now); err != nil {
		r.logger.Warn("failed to touch key", zap.String("key_id", ev.KeyID), zap.Error(err))
	}
	if ev.AccountID != "" {
		if err := r.accounts.TouchLastUsed(ctx, ev.Provider, ev.AccountID, now); err != nil {
			r.logger.Warn("failed to touch account", zap.String("account_id", ev.AccountID), zap.Error(err))
		}
	}

	r.logger.Debug("usage recorded",
		zap.String("key_id", ev.KeyID),
		zap.String("model", ev.Model),
		zap.Int64("all_tokens", u.AllTokens()),
		zap.Int64("real_cost_micro", realMicro),
		zap.Int64("rated_cost_micro", ratedMicro))
}

// Aggregate is a parsed usage aggregate hash.
type Aggregate struct {
	Requests          int64
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	AllTokens         int64
	RealCostMicro     int64
	RatedCostMicro    int64
}

// GetTotal loads the lifetime aggregate for a key.
func (r *Recorder) GetTotal(ctx context.Context, keyID string) (*Aggregate, error) {
	return r.getAggregate(ctx, totalAggregateKey(keyID))
}

// GetDaily loads the aggregate for one billing day.
func (r *Recorder) GetDaily(ctx context.Context, keyID string, t time.Time) (*Aggregate, error) {
	return r.getAggregate(ctx, dailyAggregateKey(keyID, t.In(r.location).Format("2006-01-02")))
}

// GetModelDaily loads a model's aggregate for one billing day.
func (r *Recorder) GetModelDaily(ctx context.Context, keyID, modelName string, t time.Time) (*Aggregate, error) {
	return r.getAggregate(ctx, modelDailyKey(keyID, modelName, t.In(r.location).Format("2006-01-02")))
}

func (r *Recorder) getAggregate(ctx context.Context, key string) (*Aggregate, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load usage aggregate: %w", err)
	}
	agg := &Aggregate{
		Requests:          parseInt64(m["requests"]),
		InputTokens:       parseInt64(m["input_tokens"]),
		OutputTokens:      parseInt64(m["output_tokens"]),
		CacheCreateTokens: parseInt64(m["cache_create_tokens"]),
		CacheReadTokens:   parseInt64(m["cache_read_tokens"]),
		AllTokens:         parseInt64(m["all_tokens"]),
		RealCostMicro:     parseInt64(m["real_cost_micro"]),
		RatedCostMicro:    parseInt64(m["rated_cost_micro"]),
	}
	return agg, nil
}

func parseInt64(s string) int64 {
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
