package engine

import (
	"math"
	"testing"

	"polycopy/models"
)

func TestDynamicMaxDeviation(t *testing.T) {
	tests := []struct {
		name     string
		base     float64
		depthUSD float64
		wantDev  float64
		wantTier string
	}{
		{"deep book keeps base", 0.02, 1500, 0.02, "deep"},
		{"deep boundary", 0.02, 1000, 0.02, "deep"},
		{"mid widens 1.5x", 0.02, 500, 0.03, "mid"},
		{"shallow widens 2x", 0.02, 100, 0.04, "shallow"},
		{"thin widens 3x", 0.02, 10, 0.06, "thin"},
		{"cap holds on thin books", 0.10, 10, MaxDynamicDeviation, "thin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := DynamicMaxDeviation(tt.base, tt.depthUSD)
			if math.Abs(tier.MaxDeviation-tt.wantDev) > 1e-9 {
				t.Errorf("maxDev = %f, want %f", tier.MaxDeviation, tt.wantDev)
			}
			if tier.Tier != tt.wantTier {
				t.Errorf("tier = %q, want %q", tier.Tier, tt.wantTier)
			}
		})
	}

	if tier := DynamicMaxDeviation(0, 1000); tier.MaxDeviation != 0 || tier.Tier != "disabled" {
		t.Errorf("zero base should disable, got %+v", tier)
	}
}

// Thinner books must never get a tighter tolerance than deeper ones.
func TestDynamicMaxDeviationMonotonic(t *testing.T) {
	depths := []float64{2000, 1000, 500, 200, 100, 50, 10, 0}
	prev := 0.0
	for _, d := range depths {
		dev := DynamicMaxDeviation(0.02, d).MaxDeviation
		if dev < prev {
			t.Errorf("deviation shrank from %f to %f at depth %f", prev, dev, d)
		}
		prev = dev
	}
}

func TestResolveSlippage(t *testing.T) {
	cfg := models.CopyConfig{MaxSlippage: 2.0} // 2% base

	t.Run("within tolerance keeps market price", func(t *testing.T) {
		d := ResolveSlippage(cfg, models.SideBuy, 0.50, 0.505, 2000) // 1% move, deep
		if d.UseLimit {
			t.Error("within tolerance should not use a limit")
		}
		if d.Price != 0.505 {
			t.Errorf("price = %f, want market 0.505", d.Price)
		}
		if d.Tier != "deep" {
			t.Errorf("tier = %q", d.Tier)
		}
	})

	t.Run("buy past tolerance upward caps at a limit", func(t *testing.T) {
		// Market ran 25% up; the copy chases only to leader * (1 + maxDev).
		d := ResolveSlippage(cfg, models.SideBuy, 0.40, 0.50, 2000)
		if !d.UseLimit {
			t.Fatal("runaway BUY should fall back to a limit order")
		}
		want := 0.40 * 1.02
		if math.Abs(d.Price-want) > 1e-9 {
			t.Errorf("limit price = %f, want %f", d.Price, want)
		}
	})

	t.Run("buy past tolerance downward falls back to limit", func(t *testing.T) {
		d := ResolveSlippage(cfg, models.SideBuy, 0.50, 0.40, 2000) // 20% down
		if !d.UseLimit {
			t.Fatal("should fall back to a limit order")
		}
		want := 0.50 * 1.02
		if math.Abs(d.Price-want) > 1e-9 {
			t.Errorf("limit price = %f, want %f", d.Price, want)
		}
	})

	t.Run("sell past tolerance uses a floor limit", func(t *testing.T) {
		d := ResolveSlippage(cfg, models.SideSell, 0.50, 0.40, 2000) // 20% below
		if !d.UseLimit {
			t.Fatal("should fall back to a limit order")
		}
		want := 0.50 * 0.98
		if math.Abs(d.Price-want) > 1e-9 {
			t.Errorf("limit price = %f, want %f", d.Price, want)
		}
	})

	t.Run("thin book widens tolerance before judging", func(t *testing.T) {
		// 5% move: over the 2% base but under the thin-book 6%.
		d := ResolveSlippage(cfg, models.SideBuy, 0.50, 0.525, 10)
		if d.UseLimit {
			t.Error("thin-book widening should absorb 5%")
		}
		if d.Tier != "thin" {
			t.Errorf("tier = %q", d.Tier)
		}
	})

	t.Run("fixed slippage type skips depth tiering", func(t *testing.T) {
		fixed := models.CopyConfig{MaxSlippage: 2.0, SlippageType: "FIXED"}
		d := ResolveSlippage(fixed, models.SideBuy, 0.50, 0.525, 10) // 5% on a thin book
		if !d.UseLimit {
			t.Error("FIXED must not widen on thin books")
		}
		want := 0.50 * 1.02
		if math.Abs(d.Price-want) > 1e-9 {
			t.Errorf("limit price = %f, want %f", d.Price, want)
		}
		if d.Tier != "fixed" {
			t.Errorf("tier = %q", d.Tier)
		}
	})

	t.Run("fixed slippage still capped at the ceiling", func(t *testing.T) {
		fixed := models.CopyConfig{MaxSlippage: 50, SlippageType: "FIXED"} // 50%
		d := ResolveSlippage(fixed, models.SideBuy, 0.50, 0.55, 10)
		if d.MaxDeviation != MaxDynamicDeviation {
			t.Errorf("maxDev = %f, want cap %f", d.MaxDeviation, MaxDynamicDeviation)
		}
	})

	t.Run("zero leader price passes through", func(t *testing.T) {
		d := ResolveSlippage(cfg, models.SideBuy, 0, 0.50, 2000)
		if d.UseLimit || d.Price != 0.50 {
			t.Errorf("unexpected decision %+v", d)
		}
	})
}
