package pricing

import (
	"fmt"
	"math"
	"strings"

	"github.com/relaycore/relayd/internal/model"
)

const (
	// LongContextSuffix opts a model name into the 1M context tier.
	LongContextSuffix = "[1m]"
	// LongContextThreshold is the strict token bound above which
	// long-context prices apply.
	LongContextThreshold = 200_000

	longContextBetaPrefix = "context-1m-"
	fastModeBetaPrefix    = "fast-mode-"

	defaultFastModeMultiplier = 6.0

	// Derivation ratios for price rows the catalog does not spell out.
	longInputFactor   = 2.0
	longOutputFactor  = 1.5
	cacheCreateFactor = 1.25
	cacheReadFactor   = 0.1
	ephemeral1hFactor = 2.0
)

// CostInput describes one settled request for cost computation.
type CostInput struct {
	Usage      model.Usage
	Model      string
	BetaHeader string
}

// CostBreakdown is the calculator result. Costs are USD; TotalMicro is the
// fixed-point micro-USD value persisted on aggregates.
type CostBreakdown struct {
	HasPricing bool

	InputCost       float64
	OutputCost      float64
	CacheCreateCost float64
	CacheReadCost   float64
	TotalCost       float64
	TotalMicro      int64

	Formatted string
	// Pricing is the per-token price row actually applied, after
	// long-context and fast-mode resolution.
	Pricing              ModelPrice
	IsLongContextRequest bool
	IsFastMode           bool
}

// Calculate resolves prices for the request and multiplies them out.
// Missing catalog entries yield HasPricing=false with zero cost.
func Calculate(in CostInput, base ModelPrice, found bool) CostBreakdown {
	if !found {
		return CostBreakdown{}
	}

	usage := in.Usage
	longContext := isLongContext(in.Model, in.BetaHeader, usage.TotalInput())
	fastMode := isFastMode(in.BetaHeader, usage.Speed)

	price := resolve(base, longContext, fastMode)

	inputCost := float64(usage.InputTokens) * price.InputCostPerToken
	outputCost := float64(usage.OutputTokens) * price.OutputCostPerToken
	cacheCreateCost := cacheCreationCost(usage, price)
	cacheReadCost := float64(usage.CacheReadTokens) * price.CacheReadCostPerToken

	total := inputCost + outputCost + cacheCreateCost + cacheReadCost

	return CostBreakdown{
		HasPricing:           true,
		InputCost:            inputCost,
		OutputCost:           outputCost,
		CacheCreateCost:      cacheCreateCost,
		CacheReadCost:        cacheReadCost,
		TotalCost:            total,
		TotalMicro:           DollarsToMicro(total),
		Formatted:            fmt.Sprintf("$%.6f", total),
		Pricing:              price,
		IsLongContextRequest: longContext,
		IsFastMode:           fastMode,
	}
}

// DollarsToMicro converts USD to the micro-USD fixed point stored on
// aggregates.
func DollarsToMicro(d float64) int64 {
	return int64(math.Round(d * 1_000_000))
}

// MicroToDollars is the inverse of DollarsToMicro.
func MicroToDollars(m int64) float64 {
	return float64(m) / 1_000_000
}

func isLongContext(modelName, betaHeader string, totalInput int64) bool {
	if totalInput <= LongContextThreshold {
		return false
	}
	if strings.HasSuffix(modelName, LongContextSuffix) {
		return true
	}
	return strings.Contains(betaHeader, longContextBetaPrefix)
}

func isFastMode(betaHeader, speed string) bool {
	return strings.Contains(betaHeader, fastModeBetaPrefix) && speed == "fast"
}

// resolve produces the effective per-token price row. Long-context prefers
// explicit above-200K catalog fields and derives missing ones; fast mode
// then scales input/output and re-derives cache prices from the scaled
// input, stacking multiplicatively.
func resolve(base ModelPrice, longContext, fastMode bool) ModelPrice {
	price := base
	if price.CacheCreation5mCostPerToken == 0 {
		price.CacheCreation5mCostPerToken = price.CacheCreationCostPerToken
	}
	if price.CacheCreation1hCostPerToken == 0 {
		price.CacheCreation1hCostPerToken = price.InputCostPerToken * ephemeral1hFactor
	}

	if longContext {
		longInput := base.InputCostPerToken * longInputFactor
		if base.InputCostAbove200K > 0 {
			longInput = base.InputCostAbove200K
		}
		longOutput := base.OutputCostPerToken * longOutputFactor
		if base.OutputCostAbove200K > 0 {
			longOutput = base.OutputCostAbove200K
		}

		price.InputCostPerToken = longInput
		price.OutputCostPerToken = longOutput

		if base.CacheCreationCostAbove200K > 0 {
			price.CacheCreationCostPerToken = base.CacheCreationCostAbove200K
		} else {
			price.CacheCreationCostPerToken = longInput * cacheCreateFactor
		}
		price.CacheCreation5mCostPerToken = price.CacheCreationCostPerToken
		if base.CacheCreation1hCostAbove200K > 0 {
			price.CacheCreation1hCostPerToken = base.CacheCreation1hCostAbove200K
		} else {
			price.CacheCreation1hCostPerToken = longInput * ephemeral1hFactor
		}
		if base.CacheReadCostAbove200K > 0 {
			price.CacheReadCostPerToken = base.CacheReadCostAbove200K
		} else {
			price.CacheReadCostPerToken = longInput * cacheReadFactor
		}
	}

	if fastMode {
		factor := defaultFastModeMultiplier
		if base.FastModeMultiplier > 0 {
			factor = base.FastModeMultiplier
		}
		price.InputCostPerToken *= factor
		price.OutputCostPerToken *= factor
		price.CacheCreationCostPerToken = price.InputCostPerToken * cacheCreateFactor
		price.CacheCreation5mCostPerToken = price.CacheCreationCostPerToken
		price.CacheCreation1hCostPerToken = price.InputCostPerToken * ephemeral1hFactor
		price.CacheReadCostPerToken = price.InputCostPerToken * cacheReadFactor
	}

	return price
}

// cacheCreationCost bills the ephemeral breakdown per TTL tier when the
// upstream reported one, otherwise everything at the 5-minute rate.
func cacheCreationCost(usage model.Usage, price ModelPrice) float64 {
	if usage.Ephemeral5mTokens > 0 || usage.Ephemeral1hTokens > 0 {
		cost := float64(usage.Ephemeral5mTokens) * price.CacheCreation5mCostPerToken
		cost += float64(usage.Ephemeral1hTokens) * price.CacheCreation1hCostPerToken
		rest := usage.CacheCreateTokens - usage.Ephemeral5mTokens - usage.Ephemeral1hTokens
		if rest > 0 {
			cost += float64(rest) * price.CacheCreationCostPerToken
		}
		return cost
	}
	return float64(usage.CacheCreateTokens) * price.CacheCreationCostPerToken
}
