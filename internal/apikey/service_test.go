package apikey

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(client, zap.NewNop()), client
}

func createKey(t *testing.T, s *Service, key *model.APIKey) string {
	t.Helper()
	secret, err := GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, s.Create(context.Background(), key, secret))
	return secret
}

func TestCreateAndValidate(t *testing.T) {
	s, client := newTestService(t)
	ctx := context.Background()

	secret := createKey(t, s, &model.APIKey{Name: "test", IsActive: true})

	key, err := s.ValidateForRelay(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, "test", key.Name)
	assert.Equal(t, HashSecret(secret), key.SecretHash)

	// The reverse index maps the hash, never the plaintext.
	id, err := client.HGet(ctx, hashMapKey, HashSecret(secret)).Result()
	require.NoError(t, err)
	assert.Equal(t, key.ID, id)
	_, err = client.HGet(ctx, hashMapKey, secret).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestValidateUnknownSecret(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.ValidateForRelay(context.Background(), "rk-nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestValidateDisabledKey(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	secret := createKey(t, s, &model.APIKey{Name: "off", IsActive: false})
	_, err := s.ValidateForRelay(ctx, secret)
	assert.ErrorIs(t, err, ErrKeyDisabled)
}

func TestValidateExpiredKey(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	secret := createKey(t, s, &model.APIKey{
		Name:      "old",
		IsActive:  true,
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	_, err := s.ValidateForRelay(ctx, secret)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestStatsValidationDoesNotActivate(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	secret := createKey(t, s, &model.APIKey{
		Name:           "lazy",
		IsActive:       true,
		ExpirationMode: model.ExpireOnActivation,
		ActivationDays: 30,
	})

	key, err := s.ValidateForStats(ctx, secret)
	require.NoError(t, err)
	assert.False(t, key.IsActivated)
	assert.True(t, key.ExpiresAt.IsZero())
}

func TestRelayValidationActivatesOnFirstUse(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	secret := createKey(t, s, &model.APIKey{
		Name:           "lazy",
		IsActive:       true,
		ExpirationMode: model.ExpireOnActivation,
		ActivationDays: 30,
	})

	before := time.Now()
	key, err := s.ValidateForRelay(ctx, secret)
	require.NoError(t, err)
	assert.True(t, key.IsActivated)
	assert.False(t, key.ActivatedAt.Before(before.Truncate(time.Millisecond)))
	wantExpiry := key.ActivatedAt.AddDate(0, 0, 30)
	assert.WithinDuration(t, wantExpiry, key.ExpiresAt, time.Second)
}

func TestActivationIsIdempotent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	secret := createKey(t, s, &model.APIKey{
		Name:           "lazy",
		IsActive:       true,
		ExpirationMode: model.ExpireOnActivation,
		ActivationDays: 7,
	})

	first, err := s.ValidateForRelay(ctx, secret)
	require.NoError(t, err)

	// Concurrent and repeated validations all observe the winner's
	// timestamps.
	var wg sync.WaitGroup
	results := make([]*model.APIKey, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := s.ValidateForRelay(ctx, secret)
			if assert.NoError(t, err) {
				results[i] = key
			}
		}(i)
	}
	wg.Wait()

	for _, key := range results {
		if key == nil {
			continue
		}
		assert.Equal(t, first.ActivatedAt, key.ActivatedAt)
		assert.Equal(t, first.ExpiresAt, key.ExpiresAt)
	}
}

func TestSoftDelete(t *testing.T) {
	s, client := newTestService(t)
	ctx := context.Background()

	secret := createKey(t, s, &model.APIKey{Name: "gone", IsActive: true})
	key, err := s.ValidateForRelay(ctx, secret)
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(ctx, key.ID))

	_, err = s.ValidateForRelay(ctx, secret)
	assert.ErrorIs(t, err, ErrKeyDisabled)

	// The record survives the tombstone for usage history.
	stored, err := s.GetByID(ctx, key.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)

	isMember, err := client.SIsMember(ctx, deletedSetKey, key.ID).Result()
	require.NoError(t, err)
	assert.True(t, isMember)
}

func TestPermanentDelete(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	secret := createKey(t, s, &model.APIKey{Name: "purged", IsActive: true, Tags: []string{"team-a"}})
	key, err := s.ValidateForRelay(ctx, secret)
	require.NoError(t, err)

	require.NoError(t, s.PermanentDelete(ctx, key.ID))

	_, err = s.GetByID(ctx, key.ID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = s.ValidateForRelay(ctx, secret)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
