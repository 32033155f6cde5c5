package engine

import (
	"math"

	"polycopy/models"
)

// MaxDynamicDeviation is the hard cap on tolerated price deviation: no book
// condition ever justifies chasing more than 20% past the leader's price.
const MaxDynamicDeviation = 0.20

// DeviationTier is the depth-adjusted slippage tolerance.
type DeviationTier struct {
	MaxDeviation float64
	Tier         string
	Multiplier   float64
}

// DynamicMaxDeviation widens the base tolerance on thin books: deep books
// (>=$1000 visible) keep the base, progressively thinner books get 1.5x, 2x
// and 3x, always capped at MaxDynamicDeviation.
func DynamicMaxDeviation(baseMaxDeviation, depthUSD float64) DeviationTier {
	if baseMaxDeviation <= 0 {
		return DeviationTier{Tier: "disabled"}
	}

	multiplier := 3.0
	tier := "thin"
	switch {
	case depthUSD >= 1000:
		multiplier = 1
		tier = "deep"
	case depthUSD >= 200:
		multiplier = 1.5
		tier = "mid"
	case depthUSD >= 50:
		multiplier = 2
		tier = "shallow"
	}

	maxDev := baseMaxDeviation * multiplier
	if maxDev > MaxDynamicDeviation {
		maxDev = MaxDynamicDeviation
	}
	return DeviationTier{MaxDeviation: maxDev, Tier: tier, Multiplier: multiplier}
}

// SlippageDecision is the slippage controller's verdict.
type SlippageDecision struct {
	UseLimit     bool
	Price        float64 // price to execute at (market or limit fallback)
	MaxDeviation float64
	Tier         string
}

// ResolveSlippage compares the live market price against the leader's fill.
// Within tolerance the market price stands. Past tolerance the order falls
// back to a limit at the leader's price stretched by the tolerance, capping
// the chase instead of cancelling the copy.
func ResolveSlippage(cfg models.CopyConfig, side models.Side, leaderPrice, marketPrice, depthUSD float64) SlippageDecision {
	base := cfg.MaxSlippage / 100

	var tier DeviationTier
	if cfg.SlippageType == "FIXED" {
		// Fixed tolerance skips depth tiering but keeps the hard cap.
		maxDev := base
		if maxDev > MaxDynamicDeviation {
			maxDev = MaxDynamicDeviation
		}
		tier = DeviationTier{MaxDeviation: maxDev, Tier: "fixed", Multiplier: 1}
	} else {
		tier = DynamicMaxDeviation(base, depthUSD)
	}

	decision := SlippageDecision{
		Price:        marketPrice,
		MaxDeviation: tier.MaxDeviation,
		Tier:         tier.Tier,
	}

	if leaderPrice <= 0 || tier.MaxDeviation <= 0 {
		return decision
	}

	deviation := math.Abs(marketPrice-leaderPrice) / leaderPrice
	if deviation > tier.MaxDeviation {
		if side == models.SideBuy {
			decision.Price = leaderPrice * (1 + tier.MaxDeviation)
		} else {
			decision.Price = leaderPrice * (1 - tier.MaxDeviation)
		}
		decision.UseLimit = true
	}

	return decision
}
