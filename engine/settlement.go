package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"polycopy/api"
	"polycopy/models"
	"polycopy/storage"
)

// Settler redeems held positions when a market resolves: winning tokens pay
// out $1 per share, losing tokens $0. Each token settles exactly once even if
// the feed replays the resolution.
type Settler struct {
	store   storage.Store
	metrics *Metrics

	mu       sync.Mutex
	settled  map[string]bool
	inFlight map[string]bool
}

// NewSettler creates a settler writing through the given store.
func NewSettler(store storage.Store, metrics *Metrics) *Settler {
	return &Settler{
		store:    store,
		metrics:  metrics,
		settled:  make(map[string]bool),
		inFlight: make(map[string]bool),
	}
}

// HandleResolution settles every held position in the resolved market.
func (s *Settler) HandleResolution(ctx context.Context, res api.MarketResolution) {
	if res.WinningTokenID != "" {
		s.settleToken(ctx, res, res.WinningTokenID, 1.0)
	}
	for _, tokenID := range res.LosingTokenIDs {
		s.settleToken(ctx, res, tokenID, 0.0)
	}
}

func (s *Settler) claim(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled[tokenID] || s.inFlight[tokenID] {
		return false
	}
	s.inFlight[tokenID] = true
	return true
}

func (s *Settler) finish(tokenID string, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, tokenID)
	if done {
		s.settled[tokenID] = true
	}
}

func (s *Settler) settleToken(ctx context.Context, res api.MarketResolution, tokenID string, value float64) {
	if !s.claim(tokenID) {
		return
	}
	done := true
	defer func() { s.finish(tokenID, done) }()

	positions, err := s.store.GetPositionsForToken(ctx, tokenID)
	if err != nil {
		log.Printf("[Settler] Position sweep failed for %s: %v", shortToken16(tokenID), err)
		done = false // retry on the next resolution event
		return
	}

	for _, pos := range positions {
		realized := pos.Balance*value - pos.TotalCost
		proceeds := pos.Balance * value

		trade := &models.CopyTrade{
			ID:             uuid.NewString(),
			ConfigID:       "",
			OriginalTrader: "SETTLEMENT",
			OriginalSide:   models.SideSell,
			OriginalSize:   pos.Balance,
			OriginalPrice:  value,
			OriginalTxHash: fmt.Sprintf("settlement:%s:%s", tokenID, pos.WalletAddress),
			MarketSlug:     res.Slug,
			ConditionID:    res.ConditionID,
			TokenID:        tokenID,
			CopySize:       proceeds,
			CopyPrice:      value,
			ExecPrice:      value,
			FilledShares:   pos.Balance,
			Status:         models.StatusExecuted,
			RealizedPnL:    &realized,
			DetectedAt:     time.Now(),
		}
		now := time.Now()
		trade.ExecutedAt = &now

		if err := s.store.CreateCopyTrade(ctx, trade); err != nil {
			if errors.Is(err, storage.ErrDuplicateTrade) {
				continue // another worker redeemed it
			}
			log.Printf("[Settler] Redemption record failed for %s: %v", pos.WalletAddress, err)
			done = false
			continue
		}
		if err := s.store.DeletePosition(ctx, pos.WalletAddress, tokenID); err != nil {
			log.Printf("[Settler] Position delete failed for %s: %v", pos.WalletAddress, err)
		}
		if s.metrics != nil {
			s.metrics.recordRealized(realized)
		}

		log.Printf("[Settler] Redeemed %.2f shares of %s for %s at $%.0f (pnl %.2f)",
			pos.Balance, shortToken16(tokenID), pos.WalletAddress, value, realized)
	}
}
