package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"polycopy/api"
	"polycopy/models"
)

// Failure reason codes specific to simulated execution.
const (
	ReasonSimFOKRejected = "SIM_FOK_REJECTED"
	ReasonPriceDrift     = "PRICE_DRIFT"
)

// adverseBlend is how much of a post-delay adverse move bleeds into the
// simulated execution price.
const adverseBlend = 0.30

// fillScales is the FOK ladder: full size first, then reduced retries.
var fillScales = []float64{1.0, 0.75, 0.50}

// SimulationExecutor fills orders against the live order book without
// touching the chain. It walks the book for a VWAP, applies fill-or-kill
// semantics with a scale-down ladder, then simulates submission latency and
// re-checks the book for drift before settling the fill.
type SimulationExecutor struct {
	Books        BookSource
	TakerFeeRate float64
	MinFillRatio float64

	// Injectable for tests; defaults are a 1-4s random delay and real sleep.
	DelayFn func() time.Duration
	SleepFn func(ctx context.Context, d time.Duration) error
}

// NewSimulationExecutor creates a simulator with production defaults.
func NewSimulationExecutor(books BookSource, takerFeeRate, minFillRatio float64) *SimulationExecutor {
	if minFillRatio <= 0 {
		minFillRatio = 0.95
	}
	return &SimulationExecutor{
		Books:        books,
		TakerFeeRate: takerFeeRate,
		MinFillRatio: minFillRatio,
	}
}

func (e *SimulationExecutor) Name() string { return "SIMULATION" }

// Dispatch simulates the order. See the package tests for the exact fill
// semantics this guarantees.
func (e *SimulationExecutor) Dispatch(ctx context.Context, order Order) ExecutionResult {
	book, err := e.Books.GetCachedOrderBook(ctx, order.TokenID)
	if err != nil {
		return ExecutionResult{Reason: ReasonBookUnavailable}
	}

	fill, ok := e.tryFill(book, order)
	if !ok {
		return ExecutionResult{Reason: ReasonSimFOKRejected}
	}

	if err := e.sleep(ctx); err != nil {
		return ExecutionResult{Reason: "CANCELLED"}
	}

	// Re-read the book after the simulated submission delay.
	postBook, err := e.Books.GetCachedOrderBook(ctx, order.TokenID)
	if err != nil {
		postBook = book
	}

	postPrice := touchPrice(postBook, order.Side)
	if postPrice <= 0 {
		postPrice = fill.vwap
	}

	if order.LeaderPrice > 0 && order.MaxDeviation > 0 {
		drift := math.Abs(postPrice-order.LeaderPrice) / order.LeaderPrice
		if drift > order.MaxDeviation {
			return ExecutionResult{Reason: fmt.Sprintf("%s_%.4f", ReasonPriceDrift, drift)}
		}
	}

	execPrice := fill.vwap
	adverse := (order.Side == models.SideBuy && postPrice > fill.vwap) ||
		(order.Side == models.SideSell && postPrice < fill.vwap)
	if adverse {
		execPrice = fill.vwap + adverseBlend*(postPrice-fill.vwap)
	}

	notional := fill.shares * execPrice
	fee := notional * e.TakerFeeRate

	log.Printf("[SimExecutor] %s %.2f shares @ %.4f (vwap %.4f, scale %.0f%%, fee %.4f)",
		order.Side, fill.shares, execPrice, fill.vwap, fill.scale*100, fee)

	return ExecutionResult{
		Success:             true,
		ExecutedNotional:    notional,
		ExecutionPrice:      execPrice,
		FilledShares:        fill.shares,
		FeePaid:             fee,
		SettlementConfirmed: true,
	}
}

type simFill struct {
	shares float64
	vwap   float64
	scale  float64
}

// tryFill walks the scale ladder. BUYs without partial-fill permission get a
// single full-size attempt; SELLs and partial-friendly BUYs may retry at 75%
// and 50%. A scale is accepted when the book fills at least MinFillRatio of
// the target.
func (e *SimulationExecutor) tryFill(book *api.OrderBook, order Order) (simFill, bool) {
	scales := fillScales
	if order.Side == models.SideBuy && !order.AllowPartial {
		scales = fillScales[:1]
	}

	var levels []api.Level
	if order.Side == models.SideBuy {
		levels = book.ParsedAsks()
	} else {
		levels = book.ParsedBids()
	}

	for _, scale := range scales {
		var shares, vwap, ratio float64
		if order.Side == models.SideBuy {
			target := order.NotionalUSDC * scale
			var spent float64
			spent, shares, vwap = walkForNotional(levels, target, order.limitCap())
			if target > 0 {
				ratio = spent / target
			}
		} else {
			target := order.Shares * scale
			shares, vwap = walkForShares(levels, target, order.limitCap())
			if target > 0 {
				ratio = shares / target
			}
		}

		if ratio >= e.MinFillRatio && shares > 0 {
			return simFill{shares: shares, vwap: vwap, scale: scale}, true
		}
	}
	return simFill{}, false
}

// limitCap returns the worst acceptable level price, or 0 for no cap.
func (o Order) limitCap() float64 {
	if !o.UseLimit {
		return 0
	}
	return o.Price
}

// walkForNotional consumes ask levels until budget USDC is spent. A non-zero
// cap skips levels priced above it (limit semantics).
func walkForNotional(asks []api.Level, budget, capPrice float64) (spent, shares, vwap float64) {
	remaining := budget
	for _, l := range asks {
		if remaining <= 0 {
			break
		}
		if capPrice > 0 && l.Price > capPrice {
			break
		}
		levelValue := l.Price * l.Size
		take := levelValue
		if take > remaining {
			take = remaining
		}
		shares += take / l.Price
		spent += take
		remaining -= take
	}
	if shares > 0 {
		vwap = spent / shares
	}
	return spent, shares, vwap
}

// walkForShares consumes bid levels until target shares are sold. A non-zero
// cap skips levels priced below it.
func walkForShares(bids []api.Level, target, capPrice float64) (shares, vwap float64) {
	remaining := target
	var proceeds float64
	for _, l := range bids {
		if remaining <= 0 {
			break
		}
		if capPrice > 0 && l.Price < capPrice {
			break
		}
		take := l.Size
		if take > remaining {
			take = remaining
		}
		shares += take
		proceeds += take * l.Price
		remaining -= take
	}
	if shares > 0 {
		vwap = proceeds / shares
	}
	return shares, vwap
}

// touchPrice is the price a taker pays right now: best ask for buys, best bid
// for sells.
func touchPrice(book *api.OrderBook, side models.Side) float64 {
	if side == models.SideBuy {
		return book.BestAsk()
	}
	return book.BestBid()
}

func (e *SimulationExecutor) sleep(ctx context.Context) error {
	var d time.Duration
	if e.DelayFn != nil {
		d = e.DelayFn()
	} else {
		d = time.Duration(1000+rand.Intn(3000)) * time.Millisecond
	}
	if d <= 0 {
		return ctx.Err()
	}

	sleep := e.SleepFn
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		}
	}
	return sleep(ctx, d)
}
