package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaycore/relayd/internal/account"
	"github.com/relaycore/relayd/internal/health"
	"github.com/relaycore/relayd/internal/model"
	"go.uber.org/zap"
)

// ErrNoAvailableUpstream reports an empty candidate set after filtering.
type ErrNoAvailableUpstream struct {
	Provider string
	Endpoint string
}

func (e *ErrNoAvailableUpstream) Error() string {
	return fmt.Sprintf("no available upstream for provider %s endpoint %s", e.Provider, e.Endpoint)
}

// IsNoUpstream reports whether err is a no-upstream-available failure.
func IsNoUpstream(err error) bool {
	var target *ErrNoAvailableUpstream
	return errors.As(err, &target)
}

// Selection is the scheduling result.
type Selection struct {
	Account *model.UpstreamAccount
	// Dedicated selections come from a single-account key binding and
	// never write sticky state.
	Dedicated bool
	// Sticky is true when the selection was served from session affinity.
	Sticky bool
}

// Scheduler selects an upstream account for a (key, endpoint, session)
// tuple: dedicated binding, then group binding, then the shared pool,
// with sticky session affinity and priority + LRU ordering.
type Scheduler struct {
	accounts  *account.Repository
	tracker   *health.Tracker
	client    *redis.Client
	stickyTTL time.Duration
	logger    *zap.Logger
}

func New(accounts *account.Repository, tracker *health.Tracker, client *redis.Client, stickyTTL time.Duration, logger *zap.Logger) *Scheduler {
	if stickyTTL <= 0 {
		stickyTTL = time.Hour
	}
	return &Scheduler{
		accounts:  accounts,
		tracker:   tracker,
		client:    client,
		stickyTTL: stickyTTL,
		logger:    logger,
	}
}

func stickyKey(endpoint, keyID, sessionHash string) string {
	return fmt.Sprintf("sticky:%s:%s:%s", endpoint, keyID, sessionHash)
}

// Select picks one eligible account for the request.
func (s *Scheduler) Select(ctx context.Context, key *model.APIKey, provider, endpointType, sessionHash string) (*Selection, error) {
	binding, isGroup, bound := key.BindingFor(provider)

	// Dedicated single-account binding: use it unless temporarily
	// unavailable, in which case the shared pool takes over.
	if bound && !isGroup {
		acct, err := s.accounts.Get(ctx, provider, binding)
		if err != nil && !errors.Is(err, account.ErrAccountNotFound) {
			return nil, err
		}
		if acct != nil && acct.Schedulable && acct.Healthy {
			unavailable, err := s.tracker.IsUnavailable(ctx, provider, acct.ID)
			if err != nil {
				return nil, err
			}
			if !unavailable {
				if err := s.accounts.TouchLastUsed(ctx, provider, acct.ID, time.Now()); err != nil {
					s.logger.Warn("failed to touch account", zap.Error(err))
				}
				return &Selection{Account: acct, Dedicated: true}, nil
			}
			s.logger.Debug("dedicated account unavailable, falling back to pool",
				zap.String("key_id", key.ID),
				zap.String("account_id", acct.ID))
		}
	}

	// Candidate set: group members for a group binding, otherwise the
	// provider's shared pool.
	var candidates []*model.UpstreamAccount
	var err error
	if bound && isGroup {
		candidates, err = s.accounts.ListGroup(ctx, provider, binding)
	} else {
		candidates, err = s.accounts.ListByProvider(ctx, provider)
	}
	if err != nil {
		return nil, err
	}

	filtered, err := s.filter(ctx, provider, endpointType, candidates)
	if err != nil {
		return nil, err
	}
	if len(filtered) == 0 {
		return nil, &ErrNoAvailableUpstream{Provider: provider, Endpoint: endpointType}
	}

	// Sticky affinity within the filtered set.
	if sessionHash != "" {
		if acct := s.lookupSticky(ctx, endpointType, key.ID, sessionHash, filtered); acct != nil {
			if err := s.accounts.TouchLastUsed(ctx, provider, acct.ID, time.Now()); err != nil {
				s.logger.Warn("failed to touch account", zap.Error(err))
			}
			return &Selection{Account: acct, Sticky: true}, nil
		}
	}

	chosen := pick(filtered)

	if err := s.accounts.TouchLastUsed(ctx, provider, chosen.ID, time.Now()); err != nil {
		s.logger.Warn("failed to touch account", zap.Error(err))
	}
	if sessionHash != "" {
		if err := s.client.Set(ctx, stickyKey(endpointType, key.ID, sessionHash), chosen.ID, s.stickyTTL).Err(); err != nil {
			s.logger.Warn("failed to record sticky binding", zap.Error(err))
		}
	}

	return &Selection{Account: chosen}, nil
}

// filter keeps schedulable, healthy, endpoint-compatible accounts without
// an active unavailability mark.
func (s *Scheduler) filter(ctx context.Context, provider, endpointType string, candidates []*model.UpstreamAccount) ([]*model.UpstreamAccount, error) {
	eligible := make([]*model.UpstreamAccount, 0, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, acct := range candidates {
		if !acct.Schedulable || !acct.Healthy || !acct.EndpointCompatible(endpointType) {
			continue
		}
		eligible = append(eligible, acct)
		ids = append(ids, acct.ID)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	available, err := s.tracker.FilterAvailable(ctx, provider, ids)
	if err != nil {
		return nil, err
	}
	availableSet := make(map[string]struct{}, len(available))
	for _, id := range available {
		availableSet[id] = struct{}{}
	}

	out := eligible[:0]
	for _, acct := range eligible {
		if _, ok := availableSet[acct.ID]; ok {
			out = append(out, acct)
		}
	}
	return out, nil
}

// lookupSticky returns the stuck account when it is still in the filtered
// set, extending its TTL; stale mappings are evicted.
func (s *Scheduler) lookupSticky(ctx context.Context, endpoint, keyID, sessionHash string, filtered []*model.UpstreamAccount) *model.UpstreamAccount {
	k := stickyKey(endpoint, keyID, sessionHash)
	accountID, err := s.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read sticky binding", zap.Error(err))
		return nil
	}

	for _, acct := range filtered {
		if acct.ID == accountID {
			if err := s.client.Expire(ctx, k, s.stickyTTL).Err(); err != nil {
				s.logger.Warn("failed to refresh sticky binding", zap.Error(err))
			}
			return acct
		}
	}

	// The stuck account left the pool; drop the mapping so the next pick
	// overwrites it.
	if err := s.client.Del(ctx, k).Err(); err != nil {
		s.logger.Warn("failed to evict sticky binding", zap.Error(err))
	}
	return nil
}

// pick orders by ascending priority, breaking ties with the oldest
// lastUsedAt (never-used accounts first).
func pick(accounts []*model.UpstreamAccount) *model.UpstreamAccount {
	sorted := make([]*model.UpstreamAccount, len(accounts))
	copy(sorted, accounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].LastUsedAt.Before(sorted[j].LastUsedAt)
	})
	return sorted[0]
}
