package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/model"
	"go.uber.org/zap"
)

// Typed validation failures.
var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyDisabled = errors.New("api key is disabled")
	ErrKeyExpired  = errors.New("api key is expired")
)

const (
	hashMapKey     = "apikey:hash_map"
	secretPrefix   = "rk-"
	activeSetKey   = "apikey:set:active"
	deletedSetKey  = "apikey:set:deleted"
	idxCreatedKey  = "apikey:idx:createdAt"
	idxLastUsedKey = "apikey:idx:lastUsedAt"
	idxNameKey     = "apikey:idx:name"
)

// activateScript is the compare-and-set for activation-on-first-use.
// Losers of the race observe the post-transition state and change
// nothing; exactly one caller performs the write.
var activateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'is_activated') == 'true' then
	return 0
end
redis.call('HSET', KEYS[1], 'is_activated', 'true', 'activated_at', ARGV[1], 'expires_at', ARGV[2])
return 1
`)

// Service validates API keys and manages their lifecycle. Forward records
// live under apikey:{id}; apikey:hash_map maps secret hashes back to IDs
// for O(1) lookup.
type Service struct {
	client *redis.Client
	logger *zap.Logger
}

func NewService(client *redis.Client, logger *zap.Logger) *Service {
	return &Service{client: client, logger: logger}
}

func keyHashKey(id string) string {
	return fmt.Sprintf("apikey:%s", id)
}

func tagSetKey(tag string) string {
	return fmt.Sprintf("apikey:tag:%s", tag)
}

// HashSecret is the one-way hash under which secrets are persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GenerateSecret produces a new plaintext key secret. It is returned to
// the caller once and never stored.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

// Create persists a new key and its reverse-index entry plus the admin
// indexes. The admin indexes are write-only on the hot path.
func (s *Service) Create(ctx context.Context, key *model.APIKey, secret string) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	key.SecretHash = HashSecret(secret)
	if key.ExpirationMode == "" {
		key.ExpirationMode = model.ExpireFixed
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, keyHashKey(key.ID), key.ToMap())
	pipe.HSet(ctx, hashMapKey, key.SecretHash, key.ID)
	pipe.SAdd(ctx, activeSetKey, key.ID)
	pipe.ZAdd(ctx, idxCreatedKey, redis.Z{Score: float64(key.CreatedAt.UnixMilli()), Member: key.ID})
	pipe.ZAdd(ctx, idxNameKey, redis.Z{Score: 0, Member: key.Name + ":" + key.ID})
	for _, tag := range key.Tags {
		pipe.SAdd(ctx, tagSetKey(tag), key.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	s.logger.Info("api key created",
		zap.String("key_id", key.ID),
		zap.String("name", key.Name))
	return nil
}

// GetByID loads one key record.
func (s *Service) GetByID(ctx context.Context, id string) (*model.APIKey, error) {
	m, err := s.client.HGetAll(ctx, keyHashKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load api key: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrKeyNotFound
	}
	return model.KeyFromMap(m), nil
}

// lookup resolves a plaintext secret to its key record via the reverse
// index.
func (s *Service) lookup(ctx context.Context, secret string) (*model.APIKey, error) {
	id, err := s.client.HGet(ctx, hashMapKey, HashSecret(secret)).Result()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	return s.GetByID(ctx, id)
}

// ValidateForStats checks a secret for self-service queries. It never
// triggers activation.
func (s *Service) ValidateForStats(ctx context.Context, secret string) (*model.APIKey, error) {
	key, err := s.lookup(ctx, secret)
	if err != nil {
		return nil, err
	}
	if err := checkState(key, time.Now()); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateForRelay checks a secret for the relay path, lazily activating
// activation-on-first-use keys via an atomic compare-and-set.
func (s *Service) ValidateForRelay(ctx context.Context, secret string) (*model.APIKey, error) {
	key, err := s.lookup(ctx, secret)
	if err != nil {
		return nil, err
	}
	if err := checkState(key, time.Now()); err != nil {
		return nil, err
	}

	if key.ExpirationMode == model.ExpireOnActivation && !key.IsActivated {
		if err := s.activate(ctx, key); err != nil {
			return nil, err
		}
		// Re-read so racing losers also observe the winner's timestamps.
		key, err = s.GetByID(ctx, key.ID)
		if err != nil {
			return nil, err
		}
		if key.Expired(time.Now()) {
			return nil, ErrKeyExpired
		}
	}

	return key, nil
}

func checkState(key *model.APIKey, now time.Time) error {
	if !key.IsActive || key.IsDeleted {
		return ErrKeyDisabled
	}
	if key.Expired(now) {
		return ErrKeyExpired
	}
	return nil
}

func (s *Service) activate(ctx context.Context, key *model.APIKey) error {
	now := time.Now()
	expires := now.AddDate(0, 0, key.ActivationDays)

	won, err := activateScript.Run(ctx, s.client,
		[]string{keyHashKey(key.ID)},
		now.UnixMilli(), expires.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to activate api key: %w", err)
	}
	if won == 1 {
		s.logger.Info("api key activated on first use",
			zap.String("key_id", key.ID),
			zap.Int("activation_days", key.ActivationDays),
			zap.Time("expires_at", expires))
	}
	return nil
}

// TouchLastUsed stamps lastUsedAt and refreshes the admin index. Best
// effort.
func (s *Service) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, keyHashKey(id), "last_used_at", now.UnixMilli())
	pipe.ZAdd(ctx, idxLastUsedKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// Update overwrites mutable fields of an existing key.
func (s *Service) Update(ctx context.Context, key *model.APIKey) error {
	if err := s.client.HSet(ctx, keyHashKey(key.ID), key.ToMap()).Err(); err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return nil
}

// SoftDelete tombstones a key. The record and reverse index survive so
// usage history stays queryable.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, keyHashKey(id), "is_deleted", "true", "is_active", "false")
	pipe.SRem(ctx, activeSetKey, id)
	pipe.SAdd(ctx, deletedSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	s.logger.Info("api key soft-deleted", zap.String("key_id", id))
	return nil
}

// PermanentDelete removes the record, reverse index entry, and admin
// index memberships.
func (s *Service) PermanentDelete(ctx context.Context, id string) error {
	key, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyHashKey(id))
	pipe.HDel(ctx, hashMapKey, key.SecretHash)
	pipe.SRem(ctx, activeSetKey, id)
	pipe.SRem(ctx, deletedSetKey, id)
	pipe.ZRem(ctx, idxCreatedKey, id)
	pipe.ZRem(ctx, idxLastUsedKey, id)
	pipe.ZRem(ctx, idxNameKey, key.Name+":"+id)
	for _, tag := range key.Tags {
		pipe.SRem(ctx, tagSetKey(tag), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to permanently delete api key: %w", err)
	}

	s.logger.Info("api key permanently deleted", zap.String("key_id", id))
	return nil
}
