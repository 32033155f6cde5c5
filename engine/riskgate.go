package engine

import (
	"context"
	"fmt"
	"log"
	"math"

	"polycopy/models"
	"polycopy/storage"
)

// Skip reason codes written to SKIPPED ledger rows.
const (
	ReasonSideFilter      = "SIDE_FILTER"
	ReasonMinTriggerSize  = "MIN_TRIGGER_SIZE"
	ReasonStopLossHit     = "STOP_LOSS_HIT"
	ReasonMaxOddsExceeded = "MAX_ODDS_EXCEEDED"
	ReasonStaleSignal     = "STALE_SIGNAL"
	ReasonBudgetExhausted = "BUDGET_EXHAUSTED"
	ReasonDuplicateTxHash = "DUPLICATE_TX_HASH"
	ReasonAlreadyInFlight = "ALREADY_IN_FLIGHT"
	ReasonNoPosition      = "NO_CURRENT_POSITION"
	ReasonOrderbookEmpty  = "ORDERBOOK_EMPTY"
	ReasonLowLiquidity    = "INSUFFICIENT_LIQUIDITY"
	ReasonBookUnavailable = "ORDERBOOK_UNAVAILABLE"
	ReasonCopySizeZero    = "COPY_SIZE_ZERO"
)

// GateResult is the risk gate's verdict for one (signal, config) pair.
type GateResult struct {
	Allowed  bool
	Reason   string
	Record   bool // write a SKIPPED ledger row for this rejection
	CopySide models.Side
	Inverted bool // COUNTER flipped the side
	// Deactivate instructs the caller to issue a config-deactivation write;
	// the gate itself never mutates state.
	Deactivate bool
}

// RiskGate applies the config's filters to a signal before any sizing or
// market inspection happens.
type RiskGate struct {
	store storage.Store
}

// NewRiskGate creates a gate backed by the ledger for stop-loss aggregation.
func NewRiskGate(store storage.Store) *RiskGate {
	return &RiskGate{store: store}
}

// Evaluate runs the filter chain in order: side filter, minimum trigger
// notional, stop-loss circuit breaker, max-odds ceiling, then COUNTER
// inversion and the NO_SELL check against the inverted side.
func (g *RiskGate) Evaluate(ctx context.Context, signal models.TradeSignal, cfg models.CopyConfig) (GateResult, error) {
	if cfg.SideFilter != "" && signal.Side != cfg.SideFilter {
		return GateResult{Reason: ReasonSideFilter, Record: true, CopySide: signal.Side}, nil
	}

	if cfg.MinTriggerSize > 0 && signal.Notional() < cfg.MinTriggerSize {
		return GateResult{Reason: ReasonMinTriggerSize, Record: true, CopySide: signal.Side}, nil
	}

	if cfg.StopLoss > 0 {
		realized, err := g.store.SumRealizedPnL(ctx, cfg.ID)
		if err != nil {
			return GateResult{}, fmt.Errorf("risk gate: aggregate realized pnl: %w", err)
		}
		if realized < -math.Abs(cfg.StopLoss) {
			log.Printf("[RiskGate] Stop loss breached for config %s: realized %.2f < -%.2f",
				cfg.ID, realized, math.Abs(cfg.StopLoss))
			return GateResult{
				Reason:     ReasonStopLossHit,
				Record:     true,
				CopySide:   signal.Side,
				Deactivate: true,
			}, nil
		}
	}

	// Max odds applies to BUY entries only; configs may express the ceiling
	// as a probability (0-1) or as percentage odds (0-100).
	if cfg.MaxOdds > 0 && signal.Side == models.SideBuy {
		ceiling := cfg.MaxOdds
		if ceiling > 1 {
			ceiling = ceiling / 100
		}
		if signal.Price > ceiling {
			return GateResult{
				Reason:   fmt.Sprintf("%s_%.2f", ReasonMaxOddsExceeded, signal.Price),
				Record:   true,
				CopySide: signal.Side,
			}, nil
		}
	}

	copySide := signal.Side
	inverted := false
	if cfg.Direction == models.DirectionCounter {
		copySide = copySide.Opposite()
		inverted = true
	}

	// NO_SELL is checked after inversion: a COUNTER config turns leader BUYs
	// into our sells, and those are what the mode suppresses. Silent skip,
	// no ledger row.
	if cfg.SellMode == models.SellNoSell && copySide == models.SideSell {
		return GateResult{CopySide: copySide, Inverted: inverted}, nil
	}

	return GateResult{Allowed: true, CopySide: copySide, Inverted: inverted}, nil
}
