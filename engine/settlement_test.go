package engine

import (
	"context"
	"math"
	"testing"

	"polycopy/api"
	"polycopy/models"
	"polycopy/storage"
)

func TestSettlerRedeemsWinnersAndLosers(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()

	store.ApplyBuy(ctx, "0xw1", "tok-yes", 100, 40) // avg 0.40
	store.ApplyBuy(ctx, "0xw2", "tok-yes", 50, 30)  // avg 0.60
	store.ApplyBuy(ctx, "0xw1", "tok-no", 80, 48)   // avg 0.60, losing side

	settler := NewSettler(store, NewMetrics())
	settler.HandleResolution(ctx, api.MarketResolution{
		ConditionID:    "cond-1",
		Slug:           "will-it-happen",
		WinningTokenID: "tok-yes",
		LosingTokenIDs: []string{"tok-no"},
	})

	// Winners pay $1 per share.
	byKey := map[string]*models.CopyTrade{}
	for _, tr := range store.Trades {
		byKey[tr.OriginalTxHash] = tr
	}

	win := byKey["settlement:tok-yes:0xw1"]
	if win == nil {
		t.Fatal("missing redemption row for 0xw1 winner")
	}
	if win.OriginalTrader != "SETTLEMENT" || win.Status != models.StatusExecuted {
		t.Errorf("row = %+v", win)
	}
	if win.RealizedPnL == nil || math.Abs(*win.RealizedPnL-60) > 1e-9 { // 100*1 - 40
		t.Errorf("winner pnl = %v, want 60", win.RealizedPnL)
	}

	lose := byKey["settlement:tok-no:0xw1"]
	if lose == nil {
		t.Fatal("missing redemption row for loser")
	}
	if lose.RealizedPnL == nil || math.Abs(*lose.RealizedPnL+48) > 1e-9 { // 0 - 48
		t.Errorf("loser pnl = %v, want -48", lose.RealizedPnL)
	}

	// All settled positions are gone.
	for _, wallet := range []string{"0xw1", "0xw2"} {
		if p, _ := store.GetPosition(ctx, wallet, "tok-yes"); p != nil {
			t.Errorf("position %s/tok-yes not deleted", wallet)
		}
	}
	if p, _ := store.GetPosition(ctx, "0xw1", "tok-no"); p != nil {
		t.Error("losing position not deleted")
	}
}

func TestSettlerSettlesOnce(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	store.ApplyBuy(ctx, "0xw1", "tok-yes", 100, 40)

	metrics := NewMetrics()
	settler := NewSettler(store, metrics)
	res := api.MarketResolution{WinningTokenID: "tok-yes"}

	settler.HandleResolution(ctx, res)
	settler.HandleResolution(ctx, res) // replayed event

	if len(store.Trades) != 1 {
		t.Errorf("redemption rows = %d, want 1", len(store.Trades))
	}
	if pnl := metrics.Snapshot().RealizedPnL; math.Abs(pnl-60) > 1e-9 {
		t.Errorf("realized = %f, want 60 (counted once)", pnl)
	}
}

func TestSettlerRetriesAfterStoreError(t *testing.T) {
	store := storage.NewMockStore()
	ctx := context.Background()
	store.ApplyBuy(ctx, "0xw1", "tok-yes", 100, 40)

	settler := NewSettler(store, nil)
	res := api.MarketResolution{WinningTokenID: "tok-yes"}

	store.ErrorOnNext["GetPositionsForToken"] = context.DeadlineExceeded
	settler.HandleResolution(ctx, res)
	if len(store.Trades) != 0 {
		t.Fatal("failed sweep should produce nothing")
	}

	// The token was not marked settled, so a retry succeeds.
	settler.HandleResolution(ctx, res)
	if len(store.Trades) != 1 {
		t.Errorf("redemption rows after retry = %d, want 1", len(store.Trades))
	}
}
