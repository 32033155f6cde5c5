package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"polycopy/models"
	"polycopy/storage"
	"polycopy/utils"
)

// Options tune the engine independent of per-config settings.
type Options struct {
	MaxWorkers      int
	SignalTimeout   time.Duration
	MaxSignalAge    time.Duration // fallback staleness bound for slow markets
	MaxTradeSizeUSD float64       // global per-trade ceiling, 0 = none
	AllowPartial    bool          // BUYs may use the simulator's scale ladder
}

// Result is the outcome of evaluating one (signal, config) pair.
type Result struct {
	Executed     bool
	Duplicate    bool
	Reason       string
	TradeID      string
	CopyNotional float64
	ExecPrice    float64
	SlippageBps  float64
	FeePaid      float64
	LatencyMS    int64
	TxID         string
}

// Engine wires the pipeline together: risk gate, sizing, guardrails,
// slippage control, execution dispatch and the ledger.
type Engine struct {
	store      storage.Store
	books      BookSource
	meta       MetadataSource // optional; enrichment degrades without it
	gate       *RiskGate
	budget     *BudgetTracker
	strategies map[models.ExecutionMode]ExecutionStrategy
	profiles   map[models.StrategyProfile]SpeedProfile
	metrics    *Metrics
	opts       Options

	inFlight   map[string]time.Time
	inFlightMu sync.Mutex
	sem        chan struct{}
	wg         sync.WaitGroup
}

// New assembles an engine. Strategies map execution modes to implementations;
// a config whose mode has no strategy fails its trades with NO_STRATEGY.
func New(store storage.Store, books BookSource, meta MetadataSource,
	budget *BudgetTracker, strategies map[models.ExecutionMode]ExecutionStrategy,
	profiles map[models.StrategyProfile]SpeedProfile, opts Options) *Engine {

	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 8
	}
	if opts.SignalTimeout <= 0 {
		opts.SignalTimeout = 15 * time.Second
	}
	if opts.MaxSignalAge <= 0 {
		opts.MaxSignalAge = 5 * time.Minute
	}
	if profiles == nil {
		profiles = DefaultProfiles()
	}

	return &Engine{
		store:      store,
		books:      books,
		meta:       meta,
		gate:       NewRiskGate(store),
		budget:     budget,
		strategies: strategies,
		profiles:   profiles,
		metrics:    NewMetrics(),
		opts:       opts,
		inFlight:   make(map[string]time.Time),
		sem:        make(chan struct{}, opts.MaxWorkers),
	}
}

// Metrics exposes the session metrics.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Budget exposes the budget tracker (may be nil).
func (e *Engine) Budget() *BudgetTracker { return e.budget }

// HandleSignal fans a leader signal out to every active config following the
// trader, each evaluated on the bounded worker pool.
func (e *Engine) HandleSignal(ctx context.Context, signal models.TradeSignal) {
	configs, err := e.store.GetActiveConfigsForTrader(ctx, signal.Trader)
	if err != nil {
		log.Printf("[Engine] Config lookup failed for %s: %v", utils.ShortAddress(signal.Trader), err)
		return
	}
	if len(configs) == 0 {
		return
	}

	for _, cfg := range configs {
		cfg := cfg
		e.wg.Add(1)
		e.sem <- struct{}{}
		go func() {
			defer e.wg.Done()
			defer func() { <-e.sem }()

			runCtx, cancel := context.WithTimeout(ctx, e.opts.SignalTimeout)
			defer cancel()

			res := e.EvaluateAndExecute(runCtx, signal, cfg)
			if res.Executed {
				log.Printf("[Engine] Copied %s %s for config %s: %s @ %.4f (latency %dms)",
					res.Reason, shortToken16(signal.TokenID), cfg.ID,
					utils.FormatUSDC(res.CopyNotional), res.ExecPrice, res.LatencyMS)
			}
		}()
	}
}

// Wait blocks until in-flight evaluations drain (shutdown).
func (e *Engine) Wait() { e.wg.Wait() }

// EvaluateAndExecute runs the full pipeline for one signal under one config.
// Every terminal path either executes, records a skip, or silently drops
// (NO_SELL, staleness) per the decision rules.
func (e *Engine) EvaluateAndExecute(ctx context.Context, signal models.TradeSignal, cfg models.CopyConfig) Result {
	e.metrics.recordSignal()
	wallet := utils.NormalizeAddress(cfg.WalletAddress)

	// Staleness: chasing an old fill in a fast market just buys the top.
	latency := signal.DetectedAt.Sub(signal.Timestamp)
	if latency > maxSignalLatency(signal.MarketSlug, e.opts.MaxSignalAge) {
		e.metrics.recordSkip(ReasonStaleSignal)
		return Result{Reason: ReasonStaleSignal}
	}

	gateRes, err := e.gate.Evaluate(ctx, signal, cfg)
	if err != nil {
		log.Printf("[Engine] Risk gate error for config %s: %v", cfg.ID, err)
		return Result{Reason: "GATE_ERROR"}
	}
	copySide := gateRes.CopySide

	if gateRes.Deactivate {
		flipped, derr := e.store.DeactivateConfig(ctx, cfg.ID)
		if derr != nil {
			log.Printf("[Engine] Deactivate config %s failed: %v", cfg.ID, derr)
		} else if flipped {
			log.Printf("[Engine] Config %s deactivated by stop loss", cfg.ID)
		}
	}
	if !gateRes.Allowed {
		if gateRes.Record {
			e.recordSkipped(ctx, signal, cfg, copySide, 0, 0, gateRes.Reason)
		}
		return Result{Reason: gateRes.Reason}
	}

	copySize := CalculateCopySize(cfg, signal.Size, signal.Price)
	if capUSD := marketSizeCap(signal.MarketSlug); capUSD > 0 && copySize > capUSD {
		copySize = capUSD
	}
	if e.opts.MaxTradeSizeUSD > 0 && copySize > e.opts.MaxTradeSizeUSD {
		copySize = e.opts.MaxTradeSizeUSD
	}
	if copySize <= 0 {
		e.recordSkipped(ctx, signal, cfg, copySide, 0, 0, ReasonCopySizeZero)
		return Result{Reason: ReasonCopySizeZero}
	}

	// Metadata enrichment is best-effort: the signal's own fields stand in
	// when the resolver is down.
	marketSlug, conditionID, outcome := signal.MarketSlug, signal.ConditionID, signal.Outcome
	negRisk := false
	if e.meta != nil {
		if meta, merr := e.meta.GetTokenMetadata(ctx, signal.TokenID); merr == nil {
			if meta.MarketSlug != "" {
				marketSlug = meta.MarketSlug
			}
			if meta.ConditionID != "" {
				conditionID = meta.ConditionID
			}
			if meta.Outcome != "" {
				outcome = meta.Outcome
			}
			negRisk = meta.NegRisk
		} else {
			log.Printf("[Engine] Metadata lookup failed for %s, using signal fields: %v",
				shortToken16(signal.TokenID), merr)
		}
	}
	enriched := signal
	enriched.MarketSlug, enriched.ConditionID, enriched.Outcome = marketSlug, conditionID, outcome

	book, err := e.books.GetCachedOrderBook(ctx, signal.TokenID)
	if err != nil {
		e.recordSkipped(ctx, enriched, cfg, copySide, copySize, 0, ReasonBookUnavailable)
		return Result{Reason: ReasonBookUnavailable}
	}

	marketPrice := touchPrice(book, copySide)
	if marketPrice <= 0 {
		e.recordSkipped(ctx, enriched, cfg, copySide, copySize, 0, ReasonOrderbookEmpty)
		return Result{Reason: ReasonOrderbookEmpty}
	}

	if cfg.MinLiquidity > 0 && BookLiquidity(book, 20) < cfg.MinLiquidity {
		e.recordSkipped(ctx, enriched, cfg, copySide, copySize, marketPrice, ReasonLowLiquidity)
		return Result{Reason: ReasonLowLiquidity}
	}

	profile, ok := e.profiles[cfg.StrategyProfile]
	if !ok {
		profile = e.profiles[models.ProfileModerate]
	}
	check := EvaluateWithScaleDown(book, copySide, copySize, profile)
	if !check.Allowed {
		reason := "ORDERBOOK_" + check.Reason
		e.recordSkipped(ctx, enriched, cfg, copySide, copySize, marketPrice, reason)
		return Result{Reason: reason}
	}
	if check.ScaledDown {
		log.Printf("[Engine] Depth low, scaled %s from $%.2f to $%.2f", copySide, copySize, check.Notional)
		copySize = check.Notional
	}

	slip := ResolveSlippage(cfg, copySide, signal.Price, marketPrice, check.DepthUSD)

	// Sell guard: we can only unload what the ledger says we hold.
	var sellShares float64
	if copySide == models.SideSell {
		pos, perr := e.store.GetPosition(ctx, wallet, signal.TokenID)
		if perr != nil {
			log.Printf("[Engine] Position lookup failed: %v", perr)
			return Result{Reason: "POSITION_ERROR"}
		}
		if pos == nil || pos.Balance <= 0 {
			e.recordSkipped(ctx, enriched, cfg, copySide, copySize, marketPrice, ReasonNoPosition)
			return Result{Reason: ReasonNoPosition}
		}

		sellShares = copySize / slip.Price
		if cfg.SellMode == models.SellCloseAll || sellShares > pos.Balance {
			sellShares = pos.Balance
		}
		copySize = sellShares * slip.Price
	}

	key := SignalKey(signal, copySide)
	flightKey := cfg.ID + "|" + key
	if !e.markInFlight(flightKey) {
		e.metrics.recordSkip(ReasonAlreadyInFlight)
		return Result{Duplicate: true, Reason: ReasonAlreadyInFlight}
	}
	defer e.clearInFlight(flightKey)

	// Budget is reserved before the ledger write so a burst of BUYs cannot
	// collectively overshoot the cap.
	var reserved float64
	if copySide == models.SideBuy && e.budget != nil {
		granted, ok := e.budget.Reserve(copySize)
		if !ok {
			e.recordSkipped(ctx, enriched, cfg, copySide, copySize, marketPrice, ReasonBudgetExhausted)
			return Result{Reason: ReasonBudgetExhausted}
		}
		copySize = granted
		reserved = granted
	}
	releaseBudget := func(amount float64) {
		if reserved > 0 && amount > 0 {
			e.budget.Release(amount)
		}
	}

	trade := &models.CopyTrade{
		ID:             uuid.NewString(),
		ConfigID:       cfg.ID,
		OriginalTrader: signal.Trader,
		OriginalSide:   copySide,
		OriginalSize:   signal.Size,
		OriginalPrice:  signal.Price,
		OriginalTxHash: key,
		MarketSlug:     marketSlug,
		ConditionID:    conditionID,
		TokenID:        signal.TokenID,
		Outcome:        outcome,
		CopySize:       copySize,
		CopyPrice:      marketPrice,
		Status:         models.StatusPending,
		DetectedAt:     signal.DetectedAt,
	}
	if gateRes.Inverted {
		trade.LeaderSide = signal.Side
	}

	if err := e.store.CreateCopyTrade(ctx, trade); err != nil {
		releaseBudget(reserved)
		if errors.Is(err, storage.ErrDuplicateTrade) {
			e.metrics.recordSkip(ReasonDuplicateTxHash)
			return Result{Duplicate: true, Reason: ReasonDuplicateTxHash}
		}
		log.Printf("[Engine] Ledger insert failed: %v", err)
		return Result{Reason: "LEDGER_ERROR"}
	}

	strategy, ok := e.strategies[cfg.ExecutionMode]
	if !ok {
		releaseBudget(reserved)
		e.finalizeFailed(ctx, trade.ID, "NO_STRATEGY")
		return Result{Reason: "NO_STRATEGY", TradeID: trade.ID}
	}

	order := Order{
		TradeID:       trade.ID,
		WalletAddress: wallet,
		TokenID:       signal.TokenID,
		Side:          copySide,
		NotionalUSDC:  copySize,
		Shares:        sellShares,
		Price:         slip.Price,
		LeaderPrice:   signal.Price,
		MaxDeviation:  slip.MaxDeviation,
		UseLimit:      slip.UseLimit,
		AllowPartial:  e.opts.AllowPartial,
		NegRisk:       negRisk,
	}

	result := strategy.Dispatch(ctx, order)
	if !result.Success {
		releaseBudget(reserved)
		e.finalizeFailed(ctx, trade.ID, result.Reason)
		e.metrics.recordFailed(result.Reason)
		return Result{Reason: result.Reason, TradeID: trade.ID}
	}

	outcomeRow := storage.TradeOutcome{
		Status:       models.StatusExecuted,
		ExecPrice:    result.ExecutionPrice,
		FilledShares: result.FilledShares,
		CopySize:     result.ExecutedNotional,
		FeePaid:      result.FeePaid,
		TxHash:       result.OrderID,
		ExecutedAt:   time.Now(),
	}
	if !result.SettlementConfirmed {
		outcomeRow.Status = models.StatusSettlementPending
	}

	// Position bookkeeping.
	switch copySide {
	case models.SideBuy:
		if _, perr := e.store.ApplyBuy(ctx, wallet, signal.TokenID, result.FilledShares, result.ExecutedNotional); perr != nil {
			log.Printf("[Engine] Position buy update failed for trade %s: %v", trade.ID, perr)
		}
		if reserved > 0 {
			e.budget.Settle(reserved, result.ExecutedNotional)
		}
	case models.SideSell:
		sold, realized, perr := e.store.ApplySell(ctx, wallet, signal.TokenID, result.FilledShares, result.ExecutionPrice)
		if perr != nil {
			log.Printf("[Engine] Position sell update failed for trade %s: %v", trade.ID, perr)
		} else if sold > 0 {
			outcomeRow.RealizedPnL = &realized
			e.metrics.recordRealized(realized)
		}
	}

	if err := e.store.FinalizeCopyTrade(ctx, trade.ID, outcomeRow); err != nil {
		log.Printf("[Engine] Finalize failed for trade %s: %v", trade.ID, err)
	}

	execLatency := time.Since(signal.DetectedAt)
	e.metrics.recordCopied(result.ExecutedNotional, result.FeePaid, execLatency)

	slippageBps := 0.0
	if signal.Price > 0 {
		slippageBps = (result.ExecutionPrice - signal.Price) / signal.Price * 10000
		if copySide == models.SideSell {
			slippageBps = -slippageBps
		}
	}

	return Result{
		Executed:     true,
		Reason:       string(outcomeRow.Status),
		TradeID:      trade.ID,
		CopyNotional: result.ExecutedNotional,
		ExecPrice:    result.ExecutionPrice,
		SlippageBps:  slippageBps,
		FeePaid:      result.FeePaid,
		LatencyMS:    execLatency.Milliseconds(),
		TxID:         result.OrderID,
	}
}

// recordSkipped writes an auditable SKIPPED row. SKIPPED rows go straight to
// their terminal state and never pass through PENDING. Duplicate skips for
// the same signal are dropped by the unique key, which is fine.
func (e *Engine) recordSkipped(ctx context.Context, signal models.TradeSignal, cfg models.CopyConfig,
	copySide models.Side, copySize, marketPrice float64, reason string) {

	e.metrics.recordSkip(reason)
	log.Printf("[Engine] Skipped %s for config %s: %s", copySide, cfg.ID, reason)

	trade := &models.CopyTrade{
		ID:             uuid.NewString(),
		ConfigID:       cfg.ID,
		OriginalTrader: signal.Trader,
		OriginalSide:   copySide,
		OriginalSize:   signal.Size,
		OriginalPrice:  signal.Price,
		OriginalTxHash: SignalKey(signal, copySide),
		MarketSlug:     signal.MarketSlug,
		ConditionID:    signal.ConditionID,
		TokenID:        signal.TokenID,
		Outcome:        signal.Outcome,
		CopySize:       copySize,
		CopyPrice:      marketPrice,
		Status:         models.StatusSkipped,
		ErrorMessage:   reason,
		DetectedAt:     signal.DetectedAt,
	}
	if err := e.store.CreateCopyTrade(ctx, trade); err != nil && !errors.Is(err, storage.ErrDuplicateTrade) {
		log.Printf("[Engine] Skip record failed: %v", err)
	}
}

func (e *Engine) finalizeFailed(ctx context.Context, tradeID, reason string) {
	err := e.store.FinalizeCopyTrade(ctx, tradeID, storage.TradeOutcome{
		Status:       models.StatusFailed,
		ErrorMessage: reason,
		ExecutedAt:   time.Now(),
	})
	if err != nil {
		log.Printf("[Engine] Mark failed errored for trade %s: %v", tradeID, err)
	}
}

func (e *Engine) markInFlight(key string) bool {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	if _, exists := e.inFlight[key]; exists {
		return false
	}
	e.inFlight[key] = time.Now()
	return true
}

func (e *Engine) clearInFlight(key string) {
	e.inFlightMu.Lock()
	delete(e.inFlight, key)
	e.inFlightMu.Unlock()
}

func shortToken16(tokenID string) string {
	if len(tokenID) <= 16 {
		return tokenID
	}
	return tokenID[:16]
}
