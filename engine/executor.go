package engine

import (
	"context"

	"polycopy/api"
	"polycopy/models"
)

// Order is a fully decided trade handed to an execution strategy.
type Order struct {
	TradeID       string
	WalletAddress string
	TokenID       string
	Side          models.Side
	NotionalUSDC  float64 // BUY: USDC to spend
	Shares        float64 // SELL: shares to deliver
	Price         float64 // target price (market, or limit fallback)
	LeaderPrice   float64
	MaxDeviation  float64
	UseLimit      bool
	AllowPartial  bool
	NegRisk       bool
}

// ExecutionResult is what came back from a strategy.
type ExecutionResult struct {
	Success          bool
	Reason           string // failure reason code when !Success
	ExecutedNotional float64
	ExecutionPrice   float64
	FilledShares     float64
	FeePaid          float64
	OrderID          string
	// SettlementConfirmed is false when funds or tokens are still moving
	// (proxy flows); the ledger then parks the trade in SETTLEMENT_PENDING.
	SettlementConfirmed bool
}

// ExecutionStrategy turns a decided order into fills. Implementations:
// simulation (book walk), EOA (direct CLOB order), proxy (delegated service).
type ExecutionStrategy interface {
	Name() string
	Dispatch(ctx context.Context, order Order) ExecutionResult
}

// BookSource provides order books to the engine and the simulator.
// *api.ClobClient satisfies it; tests use fixed books.
type BookSource interface {
	GetCachedOrderBook(ctx context.Context, tokenID string) (*api.OrderBook, error)
}

// MetadataSource resolves market metadata for enrichment.
type MetadataSource interface {
	GetTokenMetadata(ctx context.Context, tokenID string) (*api.TokenMetadata, error)
}
