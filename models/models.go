// Package models defines the copy-trading domain model shared across the
// engine, storage and API layers.
package models

import "time"

// Side is a trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the inverted side (used for COUNTER configs).
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SizingMode selects how the copy notional is derived from the leader trade.
type SizingMode string

const (
	SizingFixedAmount  SizingMode = "FIXED_AMOUNT"
	SizingProportional SizingMode = "PROPORTIONAL"
)

// SellMode controls how leader SELL signals are handled.
type SellMode string

const (
	SellNormal   SellMode = "NORMAL"
	SellCloseAll SellMode = "CLOSE_ALL"
	SellNoSell   SellMode = "NO_SELL"
)

// Direction is COPY (follow the leader) or COUNTER (fade the leader).
type Direction string

const (
	DirectionCopy    Direction = "COPY"
	DirectionCounter Direction = "COUNTER"
)

// ExecutionMode selects the execution strategy.
type ExecutionMode string

const (
	ExecutionSimulation ExecutionMode = "SIMULATION"
	ExecutionEOA        ExecutionMode = "EOA"
	ExecutionProxy      ExecutionMode = "PROXY"
)

// StrategyProfile names a guardrail threshold bundle.
type StrategyProfile string

const (
	ProfileConservative StrategyProfile = "CONSERVATIVE"
	ProfileModerate     StrategyProfile = "MODERATE"
	ProfileAggressive   StrategyProfile = "AGGRESSIVE"
)

// TradeStatus is the settlement state of a copy trade row.
type TradeStatus string

const (
	StatusPending           TradeStatus = "PENDING"
	StatusExecuted          TradeStatus = "EXECUTED"
	StatusFailed            TradeStatus = "FAILED"
	StatusSettlementPending TradeStatus = "SETTLEMENT_PENDING"
	StatusSkipped           TradeStatus = "SKIPPED"
)

// Terminal reports whether the status can no longer change in this pipeline.
func (s TradeStatus) Terminal() bool {
	return s != StatusPending
}

// CopyConfig is a follower's standing instruction to copy one leader.
type CopyConfig struct {
	ID            string
	WalletAddress string // follower wallet (owner)
	TraderAddress string // leader being copied
	TraderName    string

	SideFilter Side // empty = copy both sides

	Mode            SizingMode
	SizeScale       float64 // PROPORTIONAL: fraction of leader notional
	FixedAmount     float64 // FIXED_AMOUNT: USDC per trade
	MinSizePerTrade float64
	MaxSizePerTrade float64

	MinTriggerSize float64 // minimum leader notional to react to
	MaxOdds        float64 // max leader price for BUYs; accepts 0-1 or 0-100
	MinLiquidity   float64 // minimum book liquidity in USDC
	MaxSlippage    float64 // percent, e.g. 2.0 = 2%
	SlippageType   string  // FIXED or AUTO
	StopLoss       float64 // absolute realized-loss cap in USDC

	SellMode        SellMode
	Direction       Direction
	ExecutionMode   ExecutionMode
	StrategyProfile StrategyProfile

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeSignal is one observed leader trade. It is never persisted directly;
// only its derived idempotency key survives, attached to a CopyTrade row.
type TradeSignal struct {
	Trader    string
	TokenID   string
	Side      Side
	Size      float64 // shares
	Price     float64
	TxHash    string // empty for locally observed (off-chain) events
	Timestamp time.Time

	// Optional market metadata carried by the feed.
	MarketSlug  string
	ConditionID string
	Outcome     string

	DetectedAt time.Time
}

// Notional returns the leader trade value in USDC.
func (s TradeSignal) Notional() float64 {
	return s.Size * s.Price
}

// CopyTrade is one accepted-or-rejected decision for a (config, signal) pair.
// The pair (ConfigID, OriginalTxHash) is unique: that constraint is the
// at-most-once execution guarantee under concurrent signal delivery.
type CopyTrade struct {
	ID       string
	ConfigID string

	OriginalTrader string
	OriginalSide   Side // the side we act on, post COUNTER inversion
	LeaderSide     Side // set only when inversion changed the side
	OriginalSize   float64
	OriginalPrice  float64
	OriginalTxHash string // derived idempotency key

	MarketSlug  string
	ConditionID string
	TokenID     string
	Outcome     string

	CopySize     float64 // requested copy notional in USDC
	CopyPrice    float64 // market price at decision time
	ExecPrice    float64
	FilledShares float64
	FeePaid      float64

	Status       TradeStatus
	ErrorMessage string
	RealizedPnL  *float64
	TxHash       string // order ID or on-chain tx of our own execution

	DetectedAt time.Time
	ExecutedAt *time.Time
}

// Position is a follower's holding in one outcome token.
// Invariant: AvgEntryPrice = TotalCost / Balance whenever Balance > 0,
// and Balance never goes negative.
type Position struct {
	WalletAddress string
	TokenID       string
	Balance       float64 // shares
	TotalCost     float64 // USDC
	AvgEntryPrice float64
	UpdatedAt     time.Time
}
