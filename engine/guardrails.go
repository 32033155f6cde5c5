package engine

import (
	"fmt"
	"strings"

	"polycopy/api"
	"polycopy/models"
)

// SpeedProfile bundles the order-book thresholds a strategy trades under.
type SpeedProfile struct {
	Name          string
	MaxSpreadBps  float64 // 0 disables the spread check
	DepthLevels   int
	MinDepthUSD   float64
	MinDepthRatio float64 // required depth/notional multiple
}

// DefaultProfiles mirrors the config defaults for callers without a config
// layer (tests, the HTTP endpoint).
func DefaultProfiles() map[models.StrategyProfile]SpeedProfile {
	return map[models.StrategyProfile]SpeedProfile{
		models.ProfileConservative: {Name: "CONSERVATIVE", MaxSpreadBps: 100, DepthLevels: 5, MinDepthUSD: 50, MinDepthRatio: 2.0},
		models.ProfileModerate:     {Name: "MODERATE", MaxSpreadBps: 200, DepthLevels: 3, MinDepthUSD: 10, MinDepthRatio: 1.5},
		models.ProfileAggressive:   {Name: "AGGRESSIVE", MaxSpreadBps: 400, DepthLevels: 2, MinDepthUSD: 5, MinDepthRatio: 1.0},
	}
}

// GuardrailCheck is the outcome of an order-book inspection.
type GuardrailCheck struct {
	Allowed bool
	Reason  string

	Notional  float64 // possibly scaled down from the request
	ScaledDown bool

	SpreadBps   float64
	DepthUSD    float64
	DepthShares float64
	BestBid     float64
	BestAsk     float64
}

const safeDepthScale = 0.95

// EvaluateOrderbook checks one side of the book against a profile for the
// given notional. Checks run in order: empty book, spread, absolute depth,
// depth-to-notional ratio.
func EvaluateOrderbook(book *api.OrderBook, side models.Side, notionalUSD float64, profile SpeedProfile) GuardrailCheck {
	check := GuardrailCheck{Notional: notionalUSD}

	check.BestBid = book.BestBid()
	check.BestAsk = book.BestAsk()
	// A one-sided book cannot be priced: no spread, no touch.
	if check.BestBid <= 0 || check.BestAsk <= 0 {
		check.Reason = ReasonOrderbookEmpty
		return check
	}

	mid := (check.BestBid + check.BestAsk) / 2
	check.SpreadBps = (check.BestAsk - check.BestBid) / mid * 10000
	if profile.MaxSpreadBps > 0 && check.SpreadBps > profile.MaxSpreadBps {
		check.Reason = fmt.Sprintf("SPREAD_%.0fbps", check.SpreadBps)
		return check
	}

	levels := book.ParsedAsks()
	touch := check.BestAsk
	if side == models.SideSell {
		levels = book.ParsedBids()
		touch = check.BestBid
	}

	// Depth is counted in shares priced at the touch, so levels sitting far
	// from best cannot inflate coverage of the requested notional.
	requiredShares := notionalUSD / touch
	depthLevels := profile.DepthLevels
	if depthLevels <= 0 || depthLevels > len(levels) {
		depthLevels = len(levels)
	}
	for _, l := range levels[:depthLevels] {
		check.DepthShares += l.Size
		if requiredShares > 0 && check.DepthShares >= requiredShares*profile.MinDepthRatio {
			break
		}
	}
	check.DepthUSD = check.DepthShares * touch

	if profile.MinDepthUSD > 0 && check.DepthUSD < profile.MinDepthUSD {
		check.Reason = fmt.Sprintf("DEPTH_USD_%.2f", check.DepthUSD)
		return check
	}

	if requiredShares > 0 && check.DepthShares < requiredShares*profile.MinDepthRatio {
		check.Reason = fmt.Sprintf("DEPTH_RATIO_%.2f", check.DepthShares)
		return check
	}

	check.Allowed = true
	return check
}

// EvaluateWithScaleDown runs the guardrails and, on a depth-ratio failure,
// retries exactly once with the notional scaled to 95% of visible depth.
// The single retry bounds the backtracking a hostile book can cause.
func EvaluateWithScaleDown(book *api.OrderBook, side models.Side, notionalUSD float64, profile SpeedProfile) GuardrailCheck {
	check := EvaluateOrderbook(book, side, notionalUSD, profile)
	if check.Allowed || !strings.HasPrefix(check.Reason, "DEPTH_") {
		return check
	}

	safe := check.DepthUSD * safeDepthScale
	if safe < profile.MinDepthUSD || notionalUSD <= safe {
		return check
	}

	retry := EvaluateOrderbook(book, side, safe, profile)
	if retry.Allowed {
		retry.ScaledDown = true
		return retry
	}
	return check
}

// BookLiquidity sums notional over up to maxLevels on both sides, used for
// the config-level minimum liquidity filter.
func BookLiquidity(book *api.OrderBook, maxLevels int) float64 {
	var total float64
	count := func(levels []api.Level) {
		n := maxLevels
		if n <= 0 || n > len(levels) {
			n = len(levels)
		}
		for _, l := range levels[:n] {
			total += l.Price * l.Size
		}
	}
	count(book.ParsedAsks())
	count(book.ParsedBids())
	return total
}
