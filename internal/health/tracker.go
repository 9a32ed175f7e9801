package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/config"
	"go.uber.org/zap"
)

// ErrorKind classifies an upstream failure for quarantine purposes.
type ErrorKind string

const (
	KindServerError ErrorKind = "server_error"
	KindOverload    ErrorKind = "overload"
	KindAuthError   ErrorKind = "auth_error"
	KindTimeout     ErrorKind = "timeout"
	KindRateLimit   ErrorKind = "rate_limit"
	// KindNone marks statuses that do not pause an account.
	KindNone ErrorKind = ""
)

// Mark is the JSON payload stored under unavailable:{provider}:{accountId}.
type Mark struct {
	StatusCode int       `json:"statusCode"`
	ErrorKind  ErrorKind `json:"errorKind"`
	MarkedAt   time.Time `json:"markedAt"`
}

// Tracker records typed transient-unavailability marks on upstream
// accounts. Marks expire via Redis TTL; the scheduler skips any account
// with an active mark.
type Tracker struct {
	client *redis.Client
	logger *zap.Logger
	ttls   map[ErrorKind]time.Duration
}

func NewTracker(client *redis.Client, cfg config.HealthConfig, logger *zap.Logger) *Tracker {
	ttls := map[ErrorKind]time.Duration{
		KindServerError: 300 * time.Second,
		KindOverload:    600 * time.Second,
		KindAuthError:   1800 * time.Second,
		KindTimeout:     300 * time.Second,
		KindRateLimit:   300 * time.Second,
	}
	if cfg.ServerErrorTTL > 0 {
		ttls[KindServerError] = cfg.ServerErrorTTL
	}
	if cfg.OverloadTTL > 0 {
		ttls[KindOverload] = cfg.OverloadTTL
	}
	if cfg.AuthErrorTTL > 0 {
		ttls[KindAuthError] = cfg.AuthErrorTTL
	}
	if cfg.TimeoutTTL > 0 {
		ttls[KindTimeout] = cfg.TimeoutTTL
	}
	if cfg.RateLimitTTL > 0 {
		ttls[KindRateLimit] = cfg.RateLimitTTL
	}

	return &Tracker{client: client, logger: logger, ttls: ttls}
}

func markKey(provider, accountID string) string {
	return fmt.Sprintf("unavailable:%s:%s", provider, accountID)
}

// Classify maps an upstream HTTP status to an error kind. KindNone means
// the failure does not quarantine the account.
func Classify(status int) ErrorKind {
	switch {
	case status == 529:
		return KindOverload
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthError
	case status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServerError
	default:
		return KindNone
	}
}

// ClassifyNetError classifies transport-layer failures. Timeouts pause
// the account; other network errors do not.
func ClassifyNetError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNone
}

// MarkUnavailable quarantines an account for the kind's TTL. For
// rate-limit kinds, a positive upstream reset hint from the response
// headers overrides the default TTL.
func (t *Tracker) MarkUnavailable(ctx context.Context, provider, accountID string, status int, kind ErrorKind, headers http.Header) error {
	if kind == KindNone {
		return nil
	}

	ttl := t.ttls[kind]
	if kind == KindRateLimit {
		if hint, ok := rateLimitResetDelta(headers, time.Now()); ok {
			ttl = hint
		}
	}

	mark := Mark{StatusCode: status, ErrorKind: kind, MarkedAt: time.Now()}
	data, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("failed to marshal unavailability mark: %w", err)
	}

	if err := t.client.Set(ctx, markKey(provider, accountID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store unavailability mark: %w", err)
	}

	t.logger.Warn("upstream account marked unavailable",
		zap.String("provider", provider),
		zap.String("account_id", accountID),
		zap.Int("status", status),
		zap.String("kind", string(kind)),
		zap.Duration("ttl", ttl))
	return nil
}

// IsUnavailable reports whether the account carries an active mark.
func (t *Tracker) IsUnavailable(ctx context.Context, provider, accountID string) (bool, error) {
	n, err := t.client.Exists(ctx, markKey(provider, accountID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check unavailability mark: %w", err)
	}
	return n > 0, nil
}

// GetMark returns the active mark, or nil when the account is available.
func (t *Tracker) GetMark(ctx context.Context, provider, accountID string) (*Mark, error) {
	data, err := t.client.Get(ctx, markKey(provider, accountID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load unavailability mark: %w", err)
	}
	var mark Mark
	if err := json.Unmarshal([]byte(data), &mark); err != nil {
		return nil, fmt.Errorf("failed to parse unavailability mark: %w", err)
	}
	return &mark, nil
}

// Clear removes a mark ahead of its TTL, typically operator-driven.
func (t *Tracker) Clear(ctx context.Context, provider, accountID string) error {
	if err := t.client.Del(ctx, markKey(provider, accountID)).Err(); err != nil {
		return fmt.Errorf("failed to clear unavailability mark: %w", err)
	}
	t.logger.Info("unavailability mark cleared",
		zap.String("provider", provider),
		zap.String("account_id", accountID))
	return nil
}

// FilterAvailable returns the subset of account IDs without an active
// mark, preserving order.
func (t *Tracker) FilterAvailable(ctx context.Context, provider string, accountIDs []string) ([]string, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}

	pipe := t.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(accountIDs))
	for i, id := range accountIDs {
		cmds[i] = pipe.Exists(ctx, markKey(provider, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check unavailability marks: %w", err)
	}

	available := make([]string, 0, len(accountIDs))
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			available = append(available, accountIDs[i])
		}
	}
	return available, nil
}

// rateLimitResetDelta extracts the upstream's reset hint. Checked in
// order: Retry-After (seconds or HTTP date),
// anthropic-ratelimit-unified-reset (unix timestamp),
// x-ratelimit-reset-requests (Go-style duration like "1m30s"). The first
// positive future delta wins.
func rateLimitResetDelta(headers http.Header, now time.Time) (time.Duration, bool) {
	if headers == nil {
		return 0, false
	}

	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second, true
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := at.Sub(now); d > 0 {
				return d, true
			}
		}
	}

	if v := headers.Get("anthropic-ratelimit-unified-reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(unix, 0).Sub(now); d > 0 {
				return d, true
			}
		}
	}

	if v := headers.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d, true
		}
	}

	return 0, false
}
