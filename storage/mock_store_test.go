package storage

import (
	"context"
	"errors"
	"math"
	"testing"

	"polycopy/models"
)

func TestMockStoreTradeUniqueness(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	trade := &models.CopyTrade{
		ID:             "t1",
		ConfigID:       "cfg-1",
		OriginalTxHash: "0xabc:tok:BUY",
		Status:         models.StatusPending,
	}
	if err := store.CreateCopyTrade(ctx, trade); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := *trade
	dup.ID = "t2"
	err := store.CreateCopyTrade(ctx, &dup)
	if !errors.Is(err, ErrDuplicateTrade) {
		t.Errorf("second insert err = %v, want ErrDuplicateTrade", err)
	}

	// The same key under another config is a different trade.
	other := *trade
	other.ID = "t3"
	other.ConfigID = "cfg-2"
	if err := store.CreateCopyTrade(ctx, &other); err != nil {
		t.Errorf("insert for other config: %v", err)
	}

	if store.Calls["CreateCopyTrade"] != 3 {
		t.Errorf("calls = %d, want 3", store.Calls["CreateCopyTrade"])
	}
}

func TestMockStoreFinalizeOnlyPending(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	trade := &models.CopyTrade{
		ID:             "t1",
		ConfigID:       "cfg-1",
		OriginalTxHash: "k1",
		CopySize:       10,
		Status:         models.StatusPending,
	}
	store.CreateCopyTrade(ctx, trade)

	err := store.FinalizeCopyTrade(ctx, "t1", TradeOutcome{
		Status:       models.StatusExecuted,
		ExecPrice:    0.41,
		FilledShares: 24.39,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, _ := store.GetCopyTrade(ctx, "t1")
	if got.Status != models.StatusExecuted || got.ExecPrice != 0.41 {
		t.Errorf("trade = %+v", got)
	}
	if got.CopySize != 10 {
		t.Errorf("zero outcome CopySize must keep the requested size, got %f", got.CopySize)
	}
	if got.ExecutedAt == nil {
		t.Error("executedAt not stamped")
	}

	// Terminal rows cannot be finalized again.
	if err := store.FinalizeCopyTrade(ctx, "t1", TradeOutcome{Status: models.StatusFailed}); err == nil {
		t.Error("double finalize should fail")
	}
	if err := store.FinalizeCopyTrade(ctx, "nope", TradeOutcome{Status: models.StatusFailed}); err == nil {
		t.Error("finalizing a missing row should fail")
	}
}

func TestMockStorePositionMath(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	// Two buys at different prices build a weighted average cost.
	store.ApplyBuy(ctx, "0xw", "tok", 100, 40) // 0.40
	pos, _ := store.ApplyBuy(ctx, "0xw", "tok", 100, 60) // 0.60
	if math.Abs(pos.AvgEntryPrice-0.50) > 1e-9 {
		t.Errorf("avg = %f, want 0.50", pos.AvgEntryPrice)
	}
	if math.Abs(pos.Balance-200) > 1e-9 || math.Abs(pos.TotalCost-100) > 1e-9 {
		t.Errorf("pos = %+v", pos)
	}

	// Partial sell realizes against the average, not the lots.
	sold, realized, err := store.ApplySell(ctx, "0xw", "tok", 50, 0.70)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sold != 50 {
		t.Errorf("sold = %f", sold)
	}
	if math.Abs(realized-50*(0.70-0.50)) > 1e-9 {
		t.Errorf("realized = %f, want 10", realized)
	}
	pos, _ = store.GetPosition(ctx, "0xw", "tok")
	if math.Abs(pos.Balance-150) > 1e-9 || math.Abs(pos.TotalCost-75) > 1e-9 {
		t.Errorf("after sell pos = %+v", pos)
	}
	if math.Abs(pos.AvgEntryPrice-0.50) > 1e-9 {
		t.Errorf("avg moved on sell: %f", pos.AvgEntryPrice)
	}

	// Oversell caps at the balance and closes the position.
	sold, realized, _ = store.ApplySell(ctx, "0xw", "tok", 500, 0.45)
	if sold != 150 {
		t.Errorf("oversell sold = %f, want 150", sold)
	}
	if math.Abs(realized-150*(0.45-0.50)) > 1e-9 {
		t.Errorf("realized = %f", realized)
	}
	if pos, _ := store.GetPosition(ctx, "0xw", "tok"); pos != nil {
		t.Errorf("position should be closed, got %+v", pos)
	}

	// Selling with no position is a no-op, not an error.
	sold, realized, err = store.ApplySell(ctx, "0xw", "tok", 10, 0.50)
	if err != nil || sold != 0 || realized != 0 {
		t.Errorf("empty sell = %f, %f, %v", sold, realized, err)
	}
}

func TestMockStorePositionEpsilonCleanup(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	store.ApplyBuy(ctx, "0xw", "tok", 10, 5)
	store.ApplySell(ctx, "0xw", "tok", 9.9999999, 0.50)

	// Residual dust below the epsilon is zeroed, not left as a phantom lot.
	if pos, _ := store.GetPosition(ctx, "0xw", "tok"); pos != nil {
		t.Errorf("dust position survived: %+v", pos)
	}
}

func TestMockStoreDeactivateConfig(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	cfg := &models.CopyConfig{ID: "cfg-1", TraderAddress: "0xl", IsActive: true}
	store.SaveConfig(ctx, cfg)

	flipped, err := store.DeactivateConfig(ctx, "cfg-1")
	if err != nil || !flipped {
		t.Fatalf("first deactivate = %v, %v", flipped, err)
	}
	flipped, _ = store.DeactivateConfig(ctx, "cfg-1")
	if flipped {
		t.Error("second deactivate must report no flip")
	}
	flipped, _ = store.DeactivateConfig(ctx, "missing")
	if flipped {
		t.Error("missing config must not flip")
	}
}

func TestMockStoreFollowedTraders(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	store.SaveConfig(ctx, &models.CopyConfig{ID: "a", TraderAddress: "0x1", IsActive: true})
	store.SaveConfig(ctx, &models.CopyConfig{ID: "b", TraderAddress: "0x1", IsActive: true})
	store.SaveConfig(ctx, &models.CopyConfig{ID: "c", TraderAddress: "0x2", IsActive: false})

	traders, err := store.GetFollowedTraders(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(traders) != 1 || traders[0] != "0x1" {
		t.Errorf("traders = %v, want deduplicated active only", traders)
	}
}

func TestMockStoreErrorInjection(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	injected := errors.New("boom")
	store.ErrorOnNext["GetPosition"] = injected

	if _, err := store.GetPosition(ctx, "0xw", "tok"); !errors.Is(err, injected) {
		t.Errorf("err = %v, want injected", err)
	}
	// One-shot: the next call succeeds.
	if _, err := store.GetPosition(ctx, "0xw", "tok"); err != nil {
		t.Errorf("second call err = %v", err)
	}
}

func TestMockStoreSumRealizedPnL(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	a, b := -30.0, 12.5
	store.Trades["t1"] = &models.CopyTrade{ID: "t1", ConfigID: "cfg", RealizedPnL: &a}
	store.Trades["t2"] = &models.CopyTrade{ID: "t2", ConfigID: "cfg", RealizedPnL: &b}
	store.Trades["t3"] = &models.CopyTrade{ID: "t3", ConfigID: "other", RealizedPnL: &b}
	store.Trades["t4"] = &models.CopyTrade{ID: "t4", ConfigID: "cfg"} // no pnl

	sum, err := store.SumRealizedPnL(ctx, "cfg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(sum-(-17.5)) > 1e-9 {
		t.Errorf("sum = %f, want -17.5", sum)
	}
}
