// Package storage persists copy configs, the trade ledger and simulated
// positions. PostgresStore is the production implementation; MockStore backs
// tests.
package storage

import (
	"context"
	"errors"
	"time"

	"polycopy/models"
)

// ErrDuplicateTrade is returned by CreateCopyTrade when a row with the same
// (config, original tx hash) already exists. Callers treat it as "someone
// else already handled this signal", not as a failure.
var ErrDuplicateTrade = errors.New("storage: duplicate copy trade")

// TradeOutcome finalizes a PENDING copy trade row.
type TradeOutcome struct {
	Status       models.TradeStatus
	ExecPrice    float64
	FilledShares float64
	CopySize     float64 // actual executed notional; 0 keeps the requested size
	FeePaid      float64
	TxHash       string
	ErrorMessage string
	RealizedPnL  *float64
	ExecutedAt   time.Time
}

// Store is the persistence boundary of the pipeline.
type Store interface {
	Close() error

	// Copy configs.
	GetConfig(ctx context.Context, id string) (*models.CopyConfig, error)
	GetActiveConfigsForTrader(ctx context.Context, traderAddress string) ([]models.CopyConfig, error)
	GetFollowedTraders(ctx context.Context) ([]string, error)
	SaveConfig(ctx context.Context, cfg *models.CopyConfig) error
	// DeactivateConfig flips is_active to false. It reports whether this call
	// performed the flip, so a stop-loss breach deactivates exactly once even
	// under concurrent signals.
	DeactivateConfig(ctx context.Context, id string) (bool, error)

	// Trade ledger.
	CreateCopyTrade(ctx context.Context, trade *models.CopyTrade) error
	FinalizeCopyTrade(ctx context.Context, id string, outcome TradeOutcome) error
	SumRealizedPnL(ctx context.Context, configID string) (float64, error)
	GetCopyTrade(ctx context.Context, id string) (*models.CopyTrade, error)

	// Positions. ApplyBuy and ApplySell are atomic per (wallet, token).
	GetPosition(ctx context.Context, wallet, tokenID string) (*models.Position, error)
	GetPositionsForToken(ctx context.Context, tokenID string) ([]models.Position, error)
	ApplyBuy(ctx context.Context, wallet, tokenID string, shares, costUSDC float64) (*models.Position, error)
	ApplySell(ctx context.Context, wallet, tokenID string, shares, execPrice float64) (soldShares, realizedPnL float64, err error)
	DeletePosition(ctx context.Context, wallet, tokenID string) error
}
