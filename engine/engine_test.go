package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"polycopy/api"
	"polycopy/models"
	"polycopy/storage"
)

// A liquid, tight book: best bid 0.405, best ask 0.41.
func liquidBook() *api.OrderBook {
	return makeBook(
		[]api.OrderBookLevel{
			{Price: "0.405", Size: "1000"},
			{Price: "0.40", Size: "1000"},
			{Price: "0.39", Size: "1000"},
		},
		[]api.OrderBookLevel{
			{Price: "0.41", Size: "1000"},
			{Price: "0.42", Size: "1000"},
			{Price: "0.43", Size: "1000"},
		},
	)
}

type staticBooks struct {
	book *api.OrderBook
}

func (s *staticBooks) GetCachedOrderBook(ctx context.Context, tokenID string) (*api.OrderBook, error) {
	return s.book, nil
}

func testEngine(store *storage.MockStore, book *api.OrderBook, budgetUSD float64) *Engine {
	books := &staticBooks{book: book}
	sim := NewSimulationExecutor(books, 0.001, 0.95)
	sim.DelayFn = func() time.Duration { return 0 }

	return New(store, books, nil, NewBudgetTracker(budgetUSD),
		map[models.ExecutionMode]ExecutionStrategy{models.ExecutionSimulation: sim},
		DefaultProfiles(), Options{SignalTimeout: 5 * time.Second})
}

func testConfig() models.CopyConfig {
	return models.CopyConfig{
		ID:              "cfg-1",
		WalletAddress:   "0xfollower",
		TraderAddress:   "0xleader",
		Mode:            models.SizingFixedAmount,
		FixedAmount:     10,
		MaxSlippage:     2.0,
		SellMode:        models.SellNormal,
		Direction:       models.DirectionCopy,
		ExecutionMode:   models.ExecutionSimulation,
		StrategyProfile: models.ProfileModerate,
		IsActive:        true,
	}
}

func testSignal(side models.Side, txHash string) models.TradeSignal {
	now := time.Now()
	return models.TradeSignal{
		Trader:     "0xleader",
		TokenID:    "token-yes",
		Side:       side,
		Size:       100,
		Price:      0.41,
		TxHash:     txHash,
		Timestamp:  now,
		MarketSlug: "will-it-happen",
		DetectedAt: now,
	}
}

func TestPipelineFixedBuyExecutes(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)

	res := eng.EvaluateAndExecute(context.Background(), testSignal(models.SideBuy, "0xabc"), testConfig())
	if !res.Executed {
		t.Fatalf("expected execution, got %q", res.Reason)
	}
	if math.Abs(res.CopyNotional-10) > 1e-6 {
		t.Errorf("copy notional = %f, want 10", res.CopyNotional)
	}
	wantShares := 10 / 0.41
	trade, _ := store.GetCopyTrade(context.Background(), res.TradeID)
	if trade == nil {
		t.Fatal("trade row missing")
	}
	if trade.Status != models.StatusExecuted {
		t.Errorf("status = %s", trade.Status)
	}
	if math.Abs(trade.FilledShares-wantShares) > 1e-6 {
		t.Errorf("filled shares = %f, want %f", trade.FilledShares, wantShares)
	}
	if trade.ExecutedAt == nil {
		t.Error("executedAt not set")
	}

	pos, _ := store.GetPosition(context.Background(), "0xfollower", "token-yes")
	if pos == nil {
		t.Fatal("position not created")
	}
	if math.Abs(pos.Balance-wantShares) > 1e-6 {
		t.Errorf("position balance = %f, want %f", pos.Balance, wantShares)
	}
	if math.Abs(pos.AvgEntryPrice-0.41) > 1e-6 {
		t.Errorf("avg entry = %f, want 0.41", pos.AvgEntryPrice)
	}
	if math.Abs(pos.TotalCost-pos.Balance*pos.AvgEntryPrice) > 1e-6 {
		t.Errorf("cost basis broken: cost=%f balance*avg=%f", pos.TotalCost, pos.Balance*pos.AvgEntryPrice)
	}
}

func TestPipelineDuplicateTxHash(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)
	cfg := testConfig()
	sig := testSignal(models.SideBuy, "0xSAME")

	first := eng.EvaluateAndExecute(context.Background(), sig, cfg)
	if !first.Executed {
		t.Fatalf("first copy failed: %q", first.Reason)
	}

	// Same tx hash again, even with different casing: one ledger row.
	sig.TxHash = "0xsame"
	second := eng.EvaluateAndExecute(context.Background(), sig, cfg)
	if second.Executed {
		t.Fatal("duplicate signal must not execute")
	}
	if !second.Duplicate || second.Reason != ReasonDuplicateTxHash {
		t.Errorf("duplicate=%v reason=%q", second.Duplicate, second.Reason)
	}
	if len(store.Trades) != 1 {
		t.Errorf("trade rows = %d, want 1", len(store.Trades))
	}
}

func TestPipelineSellWithoutPosition(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)

	res := eng.EvaluateAndExecute(context.Background(), testSignal(models.SideSell, "0xsell"), testConfig())
	if res.Executed {
		t.Fatal("sell without a position must not execute")
	}
	if res.Reason != ReasonNoPosition {
		t.Errorf("reason = %q", res.Reason)
	}

	// The rejection is auditable: a SKIPPED row carries the reason.
	var skipped *models.CopyTrade
	for _, tr := range store.Trades {
		if tr.Status == models.StatusSkipped {
			skipped = tr
		}
	}
	if skipped == nil {
		t.Fatal("no SKIPPED ledger row")
	}
	if skipped.ErrorMessage != ReasonNoPosition {
		t.Errorf("skip message = %q", skipped.ErrorMessage)
	}
}

func TestPipelineSellRealizesAgainstCostBasis(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)
	cfg := testConfig()
	ctx := context.Background()

	buy := eng.EvaluateAndExecute(ctx, testSignal(models.SideBuy, "0xbuy"), cfg)
	if !buy.Executed {
		t.Fatalf("buy failed: %q", buy.Reason)
	}
	bought := 10 / 0.41

	sellRes := eng.EvaluateAndExecute(ctx, testSignal(models.SideSell, "0xexit"), cfg)
	if !sellRes.Executed {
		t.Fatalf("sell failed: %q", sellRes.Reason)
	}

	// $10 at the 0.405 bid asks for more shares than held, so the sell is
	// capped at the position and closes it.
	trade, _ := store.GetCopyTrade(ctx, sellRes.TradeID)
	if math.Abs(trade.FilledShares-bought) > 1e-6 {
		t.Errorf("sold %f shares, want %f (capped at balance)", trade.FilledShares, bought)
	}
	if trade.RealizedPnL == nil {
		t.Fatal("realized pnl not recorded")
	}
	wantPnL := bought * (0.405 - 0.41)
	if math.Abs(*trade.RealizedPnL-wantPnL) > 1e-6 {
		t.Errorf("realized = %f, want %f", *trade.RealizedPnL, wantPnL)
	}

	if pos, _ := store.GetPosition(ctx, "0xfollower", "token-yes"); pos != nil {
		t.Errorf("position should be closed, still holds %f", pos.Balance)
	}
}

func TestPipelineStopLossDeactivatesOnce(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)
	cfg := testConfig()
	cfg.StopLoss = 50
	store.SaveConfig(context.Background(), &cfg)

	loss := -80.0
	store.Trades["old"] = &models.CopyTrade{ID: "old", ConfigID: cfg.ID, OriginalTxHash: "k-old", RealizedPnL: &loss}
	store.Calls = map[string]int{}

	res := eng.EvaluateAndExecute(context.Background(), testSignal(models.SideBuy, "0x1"), cfg)
	if res.Executed || res.Reason != ReasonStopLossHit {
		t.Fatalf("result = %+v", res)
	}
	saved, _ := store.GetConfig(context.Background(), cfg.ID)
	if saved.IsActive {
		t.Error("config should be deactivated after stop loss")
	}

	// A second breach evaluates but cannot flip the config again.
	eng.EvaluateAndExecute(context.Background(), testSignal(models.SideBuy, "0x2"), cfg)
	if store.Calls["DeactivateConfig"] != 2 {
		t.Errorf("DeactivateConfig calls = %d, want 2 (idempotent)", store.Calls["DeactivateConfig"])
	}
	saved, _ = store.GetConfig(context.Background(), cfg.ID)
	if saved.IsActive {
		t.Error("config flipped back")
	}
}

func TestPipelineBudgetCap(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 15)
	cfg := testConfig()
	ctx := context.Background()

	first := eng.EvaluateAndExecute(ctx, testSignal(models.SideBuy, "0x1"), cfg)
	if !first.Executed || math.Abs(first.CopyNotional-10) > 1e-6 {
		t.Fatalf("first buy: %+v", first)
	}

	// $5 left: the second buy is clamped, not refused.
	second := eng.EvaluateAndExecute(ctx, testSignal(models.SideBuy, "0x2"), cfg)
	if !second.Executed {
		t.Fatalf("second buy: %q", second.Reason)
	}
	if math.Abs(second.CopyNotional-5) > 1e-6 {
		t.Errorf("second notional = %f, want clamped 5", second.CopyNotional)
	}

	third := eng.EvaluateAndExecute(ctx, testSignal(models.SideBuy, "0x3"), cfg)
	if third.Executed || third.Reason != ReasonBudgetExhausted {
		t.Errorf("third = %+v, want BUDGET_EXHAUSTED", third)
	}
	if eng.Budget().Used() > 15+1e-9 {
		t.Errorf("budget used = %f, exceeds cap", eng.Budget().Used())
	}
}

func TestPipelineStaleSignalSilent(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)

	sig := testSignal(models.SideBuy, "0xold")
	sig.Timestamp = time.Now().Add(-10 * time.Minute)

	res := eng.EvaluateAndExecute(context.Background(), sig, testConfig())
	if res.Executed || res.Reason != ReasonStaleSignal {
		t.Fatalf("result = %+v", res)
	}
	if len(store.Trades) != 0 {
		t.Error("stale signals are metric-only, no ledger rows")
	}

	snap := eng.Metrics().Snapshot()
	if snap.Stale != 1 {
		t.Errorf("stale metric = %d, want 1", snap.Stale)
	}
}

func TestPipelineFastMarketTighterStaleness(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)

	sig := testSignal(models.SideBuy, "0xfast")
	sig.MarketSlug = "btc-updown-5m-1200"
	sig.Timestamp = time.Now().Add(-3 * time.Second) // fine globally, stale for 5m markets

	res := eng.EvaluateAndExecute(context.Background(), sig, testConfig())
	if res.Reason != ReasonStaleSignal {
		t.Errorf("reason = %q, want STALE_SIGNAL", res.Reason)
	}
}

func TestPipelineEmptyBookSkips(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, &api.OrderBook{}, 500)

	res := eng.EvaluateAndExecute(context.Background(), testSignal(models.SideBuy, "0x1"), testConfig())
	if res.Executed {
		t.Fatal("empty book must not execute")
	}
	if res.Reason != ReasonOrderbookEmpty {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestPipelineGuardrailReasonPrefixed(t *testing.T) {
	// One thin ask level: passes the empty check, fails depth.
	thin := makeBook(
		[]api.OrderBookLevel{{Price: "0.405", Size: "2"}},
		[]api.OrderBookLevel{{Price: "0.41", Size: "2"}},
	)
	store := storage.NewMockStore()
	eng := testEngine(store, thin, 500)

	res := eng.EvaluateAndExecute(context.Background(), testSignal(models.SideBuy, "0x1"), testConfig())
	if res.Executed {
		t.Fatal("thin book must not execute")
	}
	if len(res.Reason) < 10 || res.Reason[:10] != "ORDERBOOK_" {
		t.Errorf("guardrail reason %q not prefixed with ORDERBOOK_", res.Reason)
	}
}

func TestPipelineMinLiquidityFilter(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)
	cfg := testConfig()
	cfg.MinLiquidity = 1e9

	res := eng.EvaluateAndExecute(context.Background(), testSignal(models.SideBuy, "0x1"), cfg)
	if res.Executed || res.Reason != ReasonLowLiquidity {
		t.Errorf("result = %+v", res)
	}
}

func TestPipelineNoStrategy(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)
	cfg := testConfig()
	cfg.ExecutionMode = models.ExecutionEOA // not wired in testEngine

	res := eng.EvaluateAndExecute(context.Background(), testSignal(models.SideBuy, "0x1"), cfg)
	if res.Executed || res.Reason != "NO_STRATEGY" {
		t.Fatalf("result = %+v", res)
	}
	trade, _ := store.GetCopyTrade(context.Background(), res.TradeID)
	if trade == nil || trade.Status != models.StatusFailed {
		t.Error("missing strategy should leave a FAILED row")
	}
	if eng.Budget().Used() != 0 {
		t.Errorf("budget not released: %f", eng.Budget().Used())
	}
}

// captureStrategy records the dispatched order and returns a canned result.
type captureStrategy struct {
	order  Order
	result ExecutionResult
}

func (s *captureStrategy) Name() string { return "SIMULATION" }

func (s *captureStrategy) Dispatch(ctx context.Context, order Order) ExecutionResult {
	s.order = order
	return s.result
}

func TestPipelineRunawayBuyFallsBackToLimit(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)
	strat := &captureStrategy{result: ExecutionResult{
		Success:             true,
		ExecutedNotional:    10,
		ExecutionPrice:      0.309,
		FilledShares:        10 / 0.309,
		SettlementConfirmed: true,
	}}
	eng.strategies[models.ExecutionSimulation] = strat

	// Leader filled at 0.30, the ask now sits at 0.41: far past tolerance.
	// The copy is not cancelled, it chases only to leader * (1 + maxDev).
	sig := testSignal(models.SideBuy, "0xrun")
	sig.Price = 0.30

	res := eng.EvaluateAndExecute(context.Background(), sig, testConfig())
	if !res.Executed {
		t.Fatalf("runaway market should fall back to a limit, got %q", res.Reason)
	}
	if !strat.order.UseLimit {
		t.Error("dispatched order should be a limit fallback")
	}
	// 2% base widened 1.5x on the mid-tier book.
	want := 0.30 * 1.03
	if math.Abs(strat.order.Price-want) > 1e-9 {
		t.Errorf("limit price = %f, want %f", strat.order.Price, want)
	}
}

func TestPipelineBudgetChargesOverFill(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 100)
	eng.strategies[models.ExecutionSimulation] = &captureStrategy{result: ExecutionResult{
		Success:             true,
		ExecutedNotional:    12, // adverse blend landed above the $10 reservation
		ExecutionPrice:      0.492,
		FilledShares:        12 / 0.492,
		SettlementConfirmed: true,
	}}

	res := eng.EvaluateAndExecute(context.Background(), testSignal(models.SideBuy, "0xblend"), testConfig())
	if !res.Executed {
		t.Fatalf("expected execution, got %q", res.Reason)
	}
	if math.Abs(eng.Budget().Used()-12) > 1e-9 {
		t.Errorf("budget used = %f, want the executed 12, not the reserved 10", eng.Budget().Used())
	}
}

func TestHandleSignalFanOut(t *testing.T) {
	store := storage.NewMockStore()
	eng := testEngine(store, liquidBook(), 500)
	ctx := context.Background()

	for i, id := range []string{"cfg-a", "cfg-b"} {
		cfg := testConfig()
		cfg.ID = id
		cfg.WalletAddress = []string{"0xw1", "0xw2"}[i]
		store.SaveConfig(ctx, &cfg)
	}

	eng.HandleSignal(ctx, testSignal(models.SideBuy, "0xfan"))
	eng.Wait()

	executed := 0
	for _, tr := range store.Trades {
		if tr.Status == models.StatusExecuted {
			executed++
		}
	}
	if executed != 2 {
		t.Errorf("executed rows = %d, want one per config", executed)
	}
}
