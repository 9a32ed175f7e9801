package health

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTracker(client, config.HealthConfig{}, zap.NewNop()), mr
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{529, KindOverload},
		{401, KindAuthError},
		{403, KindAuthError},
		{504, KindTimeout},
		{429, KindRateLimit},
		{500, KindServerError},
		{502, KindServerError},
		{400, KindNone},
		{404, KindNone},
		{200, KindNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.status), "status %d", tt.status)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyNetError(t *testing.T) {
	assert.Equal(t, KindNone, ClassifyNetError(nil))
	assert.Equal(t, KindTimeout, ClassifyNetError(timeoutErr{}))
	assert.Equal(t, KindTimeout, ClassifyNetError(context.DeadlineExceeded))
	assert.Equal(t, KindNone, ClassifyNetError(errors.New("connection refused")))
}

func TestMarkAndFilter(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a1", 500, KindServerError, nil))

	unavailable, err := tr.IsUnavailable(ctx, "claude", "a1")
	require.NoError(t, err)
	assert.True(t, unavailable)

	available, err := tr.FilterAvailable(ctx, "claude", []string{"a1", "a2", "a3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a3"}, available)
}

func TestMarkPayload(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a1", 529, KindOverload, nil))

	mark, err := tr.GetMark(ctx, "claude", "a1")
	require.NoError(t, err)
	require.NotNil(t, mark)
	assert.Equal(t, 529, mark.StatusCode)
	assert.Equal(t, KindOverload, mark.ErrorKind)
	assert.WithinDuration(t, time.Now(), mark.MarkedAt, time.Second)
}

func TestMarkTTLPerKind(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a1", 500, KindServerError, nil))
	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a2", 529, KindOverload, nil))
	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a3", 401, KindAuthError, nil))

	assert.Equal(t, 300*time.Second, mr.TTL(markKey("claude", "a1")))
	assert.Equal(t, 600*time.Second, mr.TTL(markKey("claude", "a2")))
	assert.Equal(t, 1800*time.Second, mr.TTL(markKey("claude", "a3")))
}

func TestMarkExpires(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a1", 500, KindServerError, nil))
	mr.FastForward(301 * time.Second)

	unavailable, err := tr.IsUnavailable(ctx, "claude", "a1")
	require.NoError(t, err)
	assert.False(t, unavailable)
}

func TestKindNoneDoesNotMark(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a1", 400, KindNone, nil))

	unavailable, err := tr.IsUnavailable(ctx, "claude", "a1")
	require.NoError(t, err)
	assert.False(t, unavailable)
}

func TestRateLimitHonorsResetHint(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("Retry-After", "120")
	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a1", 429, KindRateLimit, headers))
	assert.Equal(t, 120*time.Second, mr.TTL(markKey("claude", "a1")))

	// Without a hint the default applies.
	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a2", 429, KindRateLimit, nil))
	assert.Equal(t, 300*time.Second, mr.TTL(markKey("claude", "a2")))
}

func TestRateLimitResetDelta(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("Retry-After", "45")
	d, ok := rateLimitResetDelta(h, now)
	require.True(t, ok)
	assert.Equal(t, 45*time.Second, d)

	h = http.Header{}
	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	d, ok = rateLimitResetDelta(h, now)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	h = http.Header{}
	h.Set("anthropic-ratelimit-unified-reset", "1787918460") // a few days past now
	d, ok = rateLimitResetDelta(h, now)
	require.True(t, ok)
	assert.Greater(t, d, time.Duration(0))

	h = http.Header{}
	h.Set("x-ratelimit-reset-requests", "1m30s")
	d, ok = rateLimitResetDelta(h, now)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	// Past or absent hints are ignored.
	h = http.Header{}
	h.Set("Retry-After", now.Add(-time.Minute).Format(http.TimeFormat))
	_, ok = rateLimitResetDelta(h, now)
	assert.False(t, ok)

	_, ok = rateLimitResetDelta(http.Header{}, now)
	assert.False(t, ok)
}

func TestClearRemovesMark(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkUnavailable(ctx, "claude", "a1", 500, KindServerError, nil))
	require.NoError(t, tr.Clear(ctx, "claude", "a1"))

	unavailable, err := tr.IsUnavailable(ctx, "claude", "a1")
	require.NoError(t, err)
	assert.False(t, unavailable)
}
