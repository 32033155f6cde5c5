package engine

import (
	"strings"
	"sync"

	"polycopy/models"
	"polycopy/utils"
)

// Per-trade caps for fast-cycle markets. Short markets are where copy
// latency hurts most, so exposure per trade is bounded harder there.
var marketSizeCaps = []struct {
	pattern string
	capUSD  float64
}{
	{"-5m-", 25},
	{"updown-5m", 25},
	{"-15m-", 50},
	{"updown-15m", 50},
	{"-1h-", 100},
	{"hourly", 100},
}

func marketSizeCap(marketSlug string) float64 {
	slug := strings.ToLower(marketSlug)
	for _, c := range marketSizeCaps {
		if strings.Contains(slug, c.pattern) {
			return c.capUSD
		}
	}
	return 0 // uncapped
}

// CalculateCopySize derives the copy notional in USDC from the leader trade.
// FIXED_AMOUNT spends a constant bounded by the per-trade max; PROPORTIONAL
// scales the leader's notional and clamps to [min, max]. Returns 0 when the
// config yields nothing tradeable.
func CalculateCopySize(cfg models.CopyConfig, leaderShares, leaderPrice float64) float64 {
	leaderNotional := leaderShares * leaderPrice

	var size float64
	switch cfg.Mode {
	case models.SizingFixedAmount:
		size = utils.Clamp(cfg.FixedAmount, 0, cfg.MaxSizePerTrade)
	case models.SizingProportional:
		size = utils.Clamp(leaderNotional*cfg.SizeScale, cfg.MinSizePerTrade, cfg.MaxSizePerTrade)
	default:
		return 0
	}

	if size <= 0 {
		return 0
	}
	return size
}

// BudgetTracker enforces a hard ceiling on total BUY notional. Reserve before
// dispatch, then Release whatever the fill did not consume; a failed trade
// releases its whole reservation. The mutex makes the ceiling hold under a
// burst of concurrent signals.
type BudgetTracker struct {
	mu      sync.Mutex
	max     float64
	used    float64
	skipped int
}

// NewBudgetTracker creates a tracker with the given ceiling in USDC.
// A zero or negative max disables budget enforcement.
func NewBudgetTracker(maxUSD float64) *BudgetTracker {
	return &BudgetTracker{max: maxUSD}
}

// Reserve claims up to amount from the remaining budget. The granted amount
// is clamped to what is left; ok is false when the budget is exhausted.
func (b *BudgetTracker) Reserve(amount float64) (granted float64, ok bool) {
	if amount <= 0 {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max <= 0 {
		return amount, true
	}

	remaining := b.max - b.used
	if remaining <= 0 {
		b.skipped++
		return 0, false
	}
	if amount > remaining {
		amount = remaining
	}
	b.used += amount
	return amount, true
}

// Settle reconciles a reservation against the executed notional: leftover
// returns to the budget, while a fill that landed above its reservation
// (adverse price blend, proxy actuals) is charged so the cap keeps tracking
// deployed USDC.
func (b *BudgetTracker) Settle(reserved, executed float64) {
	if reserved <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		return
	}
	b.used += executed - reserved
	if b.used < 0 {
		b.used = 0
	}
}

// Release returns unspent reservation to the budget.
func (b *BudgetTracker) Release(amount float64) {
	if amount <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= amount
	if b.used < 0 {
		b.used = 0
	}
}

// Used reports committed plus reserved notional.
func (b *BudgetTracker) Used() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Remaining reports the budget left; unlimited trackers return -1.
func (b *BudgetTracker) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		return -1
	}
	r := b.max - b.used
	if r < 0 {
		r = 0
	}
	return r
}

// SkippedCount reports how many reservations found the budget empty.
func (b *BudgetTracker) SkippedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipped
}
