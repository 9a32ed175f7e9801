package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ModelPrice carries per-token USD prices for one model. Cache-creation
// entries split by ephemeral TTL tier; the above-200K fields are optional
// explicit long-context prices.
type ModelPrice struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`

	CacheCreationCostPerToken   float64 `json:"cache_creation_input_token_cost"`
	CacheCreation5mCostPerToken float64 `json:"cache_creation_input_token_cost_5m,omitempty"`
	CacheCreation1hCostPerToken float64 `json:"cache_creation_input_token_cost_1h,omitempty"`
	CacheReadCostPerToken       float64 `json:"cache_read_input_token_cost"`

	InputCostAbove200K         float64 `json:"input_cost_per_token_above_200k,omitempty"`
	OutputCostAbove200K        float64 `json:"output_cost_per_token_above_200k,omitempty"`
	CacheCreationCostAbove200K float64 `json:"cache_creation_input_token_cost_above_200k,omitempty"`
	CacheCreation1hCostAbove200K float64 `json:"cache_creation_input_token_cost_1h_above_200k,omitempty"`
	CacheReadCostAbove200K     float64 `json:"cache_read_input_token_cost_above_200k,omitempty"`

	// FastModeMultiplier overrides the default fast-mode factor when set.
	FastModeMultiplier float64 `json:"fast_mode_multiplier,omitempty"`
}

// Catalog is an immutable pricing snapshot.
type Catalog struct {
	Models   map[string]ModelPrice
	LoadedAt time.Time
	fileMod  time.Time
}

// Registry loads the model price catalog from a local JSON file and keeps
// a process-global snapshot with bounded freshness. Readers never block on
// a reload; writers publish a whole new snapshot.
type Registry struct {
	filePath string
	maxAge   time.Duration
	logger   *zap.Logger

	snapshot atomic.Pointer[Catalog]
	checkMu  sync.Mutex
	lastStat time.Time
}

// NewRegistry creates the registry and performs the initial load.
func NewRegistry(filePath string, maxAge time.Duration, logger *zap.Logger) (*Registry, error) {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	r := &Registry{
		filePath: filePath,
		maxAge:   maxAge,
		logger:   logger,
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup resolves the price row for a model. A "[1m]" long-context suffix
// is stripped before lookup. The second return is false when the catalog
// has no entry.
func (r *Registry) Lookup(model string) (ModelPrice, bool) {
	r.maybeRefresh()

	cat := r.snapshot.Load()
	if cat == nil {
		return ModelPrice{}, false
	}
	name := strings.TrimSuffix(model, LongContextSuffix)
	price, ok := cat.Models[name]
	return price, ok
}

// Calculate resolves the model's price row and computes the cost
// breakdown for one settled request.
func (r *Registry) Calculate(in CostInput) CostBreakdown {
	price, ok := r.Lookup(in.Model)
	return Calculate(in, price, ok)
}

// Snapshot returns the current catalog without triggering a refresh.
func (r *Registry) Snapshot() *Catalog {
	return r.snapshot.Load()
}

// Start runs a background refresher until ctx is cancelled. Lookup also
// refreshes lazily, so Start is an optimization, not a requirement.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.maxAge)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.maybeRefresh()
			}
		}
	}()
}

// maybeRefresh re-stats the file at most once per maxAge and reloads when
// the mtime advanced.
func (r *Registry) maybeRefresh() {
	r.checkMu.Lock()
	defer r.checkMu.Unlock()

	if time.Since(r.lastStat) < r.maxAge {
		return
	}
	r.lastStat = time.Now()

	info, err := os.Stat(r.filePath)
	if err != nil {
		r.logger.Warn("failed to stat pricing file", zap.String("path", r.filePath), zap.Error(err))
		return
	}
	cat := r.snapshot.Load()
	if cat != nil && !info.ModTime().After(cat.fileMod) {
		return
	}
	if err := r.reload(); err != nil {
		r.logger.Error("failed to reload pricing catalog", zap.Error(err))
	}
}

func (r *Registry) reload() error {
	info, err := os.Stat(r.filePath)
	if err != nil {
		return fmt.Errorf("failed to stat pricing file: %w", err)
	}
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return fmt.Errorf("failed to read pricing file: %w", err)
	}

	var models map[string]ModelPrice
	if err := json.Unmarshal(data, &models); err != nil {
		return fmt.Errorf("failed to parse pricing file: %w", err)
	}

	cat := &Catalog{
		Models:   models,
		LoadedAt: time.Now(),
		fileMod:  info.ModTime(),
	}
	r.snapshot.Store(cat)

	r.logger.Info("pricing catalog loaded",
		zap.String("path", r.filePath),
		zap.Int("models", len(models)))
	return nil
}
