package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/model"
	"go.uber.org/zap"
)

// ErrAccountNotFound is returned when no account hash exists for the ID.
var ErrAccountNotFound = errors.New("upstream account not found")

// Repository persists upstream accounts for one or more provider
// families. Layout: account:{provider}:{id} hash, account:set:{provider}
// ID set, account:group:{gid} membership set.
type Repository struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRepository(client *redis.Client, logger *zap.Logger) *Repository {
	return &Repository{client: client, logger: logger}
}

func accountKey(provider, id string) string {
	return fmt.Sprintf("account:%s:%s", provider, id)
}

func providerSetKey(provider string) string {
	return fmt.Sprintf("account:set:%s", provider)
}

func groupKey(groupID string) string {
	return fmt.Sprintf("account:group:%s", groupID)
}

// Create persists a new account, assigning an ID when absent.
func (r *Repository) Create(ctx context.Context, acct *model.UpstreamAccount) error {
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	if acct.Provider == "" {
		return fmt.Errorf("account provider is required")
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, accountKey(acct.Provider, acct.ID), acct.ToMap())
	pipe.SAdd(ctx, providerSetKey(acct.Provider), acct.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	r.logger.Info("upstream account created",
		zap.String("account_id", acct.ID),
		zap.String("provider", acct.Provider),
		zap.String("endpoint_type", acct.EndpointType))
	return nil
}

// Save overwrites the account hash.
func (r *Repository) Save(ctx context.Context, acct *model.UpstreamAccount) error {
	if err := r.client.HSet(ctx, accountKey(acct.Provider, acct.ID), acct.ToMap()).Err(); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// Get loads one account.
func (r *Repository) Get(ctx context.Context, provider, id string) (*model.UpstreamAccount, error) {
	m, err := r.client.HGetAll(ctx, accountKey(provider, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrAccountNotFound
	}
	return model.AccountFromMap(m), nil
}

// ListByProvider returns every account of the provider family.
func (r *Repository) ListByProvider(ctx context.Context, provider string) ([]*model.UpstreamAccount, error) {
	ids, err := r.client.SMembers(ctx, providerSetKey(provider)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return r.loadMany(ctx, provider, ids)
}

// ListGroup returns the group members that belong to the provider family.
func (r *Repository) ListGroup(ctx context.Context, provider, groupID string) ([]*model.UpstreamAccount, error) {
	ids, err := r.client.SMembers(ctx, groupKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	accounts, err := r.loadMany(ctx, provider, ids)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *Repository) loadMany(ctx context.Context, provider string, ids []string) ([]*model.UpstreamAccount, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, accountKey(provider, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	accounts := make([]*model.UpstreamAccount, 0, len(ids))
	for _, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		accounts = append(accounts, model.AccountFromMap(m))
	}
	return accounts, nil
}

// AddToGroup adds an account to a scheduling group.
func (r *Repository) AddToGroup(ctx context.Context, groupID, accountID string) error {
	if err := r.client.SAdd(ctx, groupKey(groupID), accountID).Err(); err != nil {
		return fmt.Errorf("failed to add account to group: %w", err)
	}
	return nil
}

// RemoveFromGroup removes an account from a scheduling group.
func (r *Repository) RemoveFromGroup(ctx context.Context, groupID, accountID string) error {
	if err := r.client.SRem(ctx, groupKey(groupID), accountID).Err(); err != nil {
		return fmt.Errorf("failed to remove account from group: %w", err)
	}
	return nil
}

// TouchLastUsed stamps the account's lastUsedAt. Best effort; scheduling
// correctness does not depend on it.
func (r *Repository) TouchLastUsed(ctx context.Context, provider, id string, now time.Time) error {
	return r.client.HSet(ctx, accountKey(provider, id), "last_used_at", now.UnixMilli()).Err()
}

// SetSchedulable flips the scheduling flag.
func (r *Repository) SetSchedulable(ctx context.Context, provider, id string, schedulable bool) error {
	return r.client.HSet(ctx, accountKey(provider, id), "schedulable", fmt.Sprintf("%t", schedulable)).Err()
}

// SetHealthy records credential health as maintained by the credential
// refresh peripheral.
func (r *Repository) SetHealthy(ctx context.Context, provider, id string, healthy bool) error {
	return r.client.HSet(ctx, accountKey(provider, id), "healthy", fmt.Sprintf("%t", healthy)).Err()
}

// Delete removes the account and its provider-set membership. Group
// memberships are left to expire via admin cleanup.
func (r *Repository) Delete(ctx context.Context, provider, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, accountKey(provider, id))
	pipe.SRem(ctx, providerSetKey(provider), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
