package engine

import (
	"math"
	"strings"
	"testing"

	"polycopy/api"
	"polycopy/models"
)

func makeBook(bids, asks []api.OrderBookLevel) *api.OrderBook {
	return &api.OrderBook{Bids: bids, Asks: asks}
}

func TestEvaluateOrderbookEmpty(t *testing.T) {
	// Bids only: the book cannot be priced for either side.
	book := makeBook([]api.OrderBookLevel{{Price: "0.50", Size: "100"}}, nil)

	check := EvaluateOrderbook(book, models.SideBuy, 10, DefaultProfiles()[models.ProfileModerate])
	if check.Allowed {
		t.Error("empty ask side should block a BUY")
	}
	if check.Reason != ReasonOrderbookEmpty {
		t.Errorf("reason = %q", check.Reason)
	}

	// A SELL walks the bids, but a missing ask side still means there is no
	// spread and no touch to judge: reject, do not silently skip the checks.
	check = EvaluateOrderbook(book, models.SideSell, 10, DefaultProfiles()[models.ProfileModerate])
	if check.Allowed {
		t.Error("one-sided book should block a SELL too")
	}
	if check.Reason != ReasonOrderbookEmpty {
		t.Errorf("reason = %q", check.Reason)
	}
}

func TestEvaluateOrderbookSpread(t *testing.T) {
	profile := SpeedProfile{MaxSpreadBps: 100, DepthLevels: 5, MinDepthUSD: 1, MinDepthRatio: 0}

	// mid 0.50, spread 0.02 -> 400bps
	wide := makeBook(
		[]api.OrderBookLevel{{Price: "0.49", Size: "100"}},
		[]api.OrderBookLevel{{Price: "0.51", Size: "100"}},
	)
	check := EvaluateOrderbook(wide, models.SideBuy, 10, profile)
	if check.Allowed {
		t.Error("400bps spread should fail a 100bps profile")
	}
	if !strings.HasPrefix(check.Reason, "SPREAD_") {
		t.Errorf("reason = %q", check.Reason)
	}
	if math.Abs(check.SpreadBps-400) > 1 {
		t.Errorf("spread = %.1fbps, want ~400", check.SpreadBps)
	}

	// Zero disables the spread check entirely.
	profile.MaxSpreadBps = 0
	check = EvaluateOrderbook(wide, models.SideBuy, 10, profile)
	if !check.Allowed {
		t.Errorf("disabled spread check still blocked: %q", check.Reason)
	}
}

func TestEvaluateOrderbookDepth(t *testing.T) {
	book := makeBook(
		[]api.OrderBookLevel{{Price: "0.50", Size: "10"}},
		[]api.OrderBookLevel{{Price: "0.50", Size: "10"}}, // $5 visible
	)

	profile := SpeedProfile{DepthLevels: 3, MinDepthUSD: 50, MinDepthRatio: 0}
	check := EvaluateOrderbook(book, models.SideBuy, 1, profile)
	if check.Allowed {
		t.Error("$5 of depth should fail a $50 floor")
	}
	if !strings.HasPrefix(check.Reason, "DEPTH_USD_") {
		t.Errorf("reason = %q", check.Reason)
	}

	// $4 at a 0.50 touch needs 8 shares, 16 with the 2x ratio; 10 are there.
	profile = SpeedProfile{DepthLevels: 3, MinDepthUSD: 1, MinDepthRatio: 2.0}
	check = EvaluateOrderbook(book, models.SideBuy, 4, profile)
	if check.Allowed {
		t.Error("10 shares should fail a 16-share requirement")
	}
	if !strings.HasPrefix(check.Reason, "DEPTH_RATIO_") {
		t.Errorf("reason = %q", check.Reason)
	}

	check = EvaluateOrderbook(book, models.SideBuy, 2, profile) // needs 8 shares, 10 there
	if !check.Allowed {
		t.Errorf("8-share requirement should pass, got %q", check.Reason)
	}
	if check.DepthUSD != 5 {
		t.Errorf("depthUSD = %f, want 5", check.DepthUSD)
	}
}

// Coverage counts shares at the touch price, so deep levels priced far from
// best cannot stand in for liquidity the order would actually sweep.
func TestEvaluateOrderbookDepthAtTouchPrice(t *testing.T) {
	book := makeBook(
		[]api.OrderBookLevel{{Price: "0.49", Size: "10"}},
		[]api.OrderBookLevel{
			{Price: "0.50", Size: "10"},
			{Price: "0.90", Size: "100"},
		},
	)
	profile := SpeedProfile{DepthLevels: 3, MinDepthUSD: 10, MinDepthRatio: 1.5}

	// $50 at the 0.50 touch needs 100 shares, 150 with the ratio; the book
	// holds 110 shares, and the $90 sitting at 0.90 does not change that.
	check := EvaluateOrderbook(book, models.SideBuy, 50, profile)
	if check.Allowed {
		t.Fatal("110 shares must not cover a 150-share requirement")
	}
	if !strings.HasPrefix(check.Reason, "DEPTH_RATIO_") {
		t.Errorf("reason = %q", check.Reason)
	}
	if math.Abs(check.DepthShares-110) > 1e-9 {
		t.Errorf("depthShares = %f, want 110", check.DepthShares)
	}
	if math.Abs(check.DepthUSD-55) > 1e-9 {
		t.Errorf("depthUSD = %f, want 110 shares at the 0.50 touch", check.DepthUSD)
	}
}

func TestEvaluateOrderbookDepthLevelsWindow(t *testing.T) {
	book := makeBook(
		[]api.OrderBookLevel{{Price: "0.49", Size: "10"}},
		[]api.OrderBookLevel{
			{Price: "0.50", Size: "10"},
			{Price: "0.51", Size: "10"},
			{Price: "0.52", Size: "1000"}, // beyond the window
		},
	)
	profile := SpeedProfile{DepthLevels: 2, MinDepthUSD: 1, MinDepthRatio: 1.0}

	// 100 needed shares against a 2-level window of 20: the huge third level
	// is out of reach.
	check := EvaluateOrderbook(book, models.SideBuy, 50, profile)
	if check.Allowed {
		t.Fatal("depth outside the window must not count")
	}
	if math.Abs(check.DepthShares-20) > 1e-9 {
		t.Errorf("depthShares = %f, want 20 (2 levels only)", check.DepthShares)
	}
}

func TestEvaluateWithScaleDown(t *testing.T) {
	// ~179 ask shares across 3 levels, ~$89.58 at the 0.50 touch.
	book := makeBook(
		[]api.OrderBookLevel{{Price: "0.49", Size: "100"}},
		[]api.OrderBookLevel{
			{Price: "0.50", Size: "100"},
			{Price: "0.55", Size: "50"},
			{Price: "0.60", Size: "29.1667"},
		},
	)
	profile := SpeedProfile{DepthLevels: 3, MinDepthUSD: 10, MinDepthRatio: 1.0}

	t.Run("scales down once on a depth failure", func(t *testing.T) {
		check := EvaluateWithScaleDown(book, models.SideBuy, 150, profile)
		if !check.Allowed {
			t.Fatalf("scale-down should rescue the trade, got %q", check.Reason)
		}
		if !check.ScaledDown {
			t.Error("ScaledDown flag not set")
		}
		want := check.DepthUSD * 0.95
		if math.Abs(check.Notional-want) > 1e-6 {
			t.Errorf("scaled notional = %f, want %f", check.Notional, want)
		}
		if check.Notional >= 150 {
			t.Error("scaled notional should shrink")
		}
	})

	t.Run("no scale-down when already allowed", func(t *testing.T) {
		check := EvaluateWithScaleDown(book, models.SideBuy, 20, profile)
		if !check.Allowed || check.ScaledDown {
			t.Errorf("allowed=%v scaledDown=%v, want true/false", check.Allowed, check.ScaledDown)
		}
		if check.Notional != 20 {
			t.Errorf("notional changed to %f", check.Notional)
		}
	})

	t.Run("no scale-down below the depth floor", func(t *testing.T) {
		thin := makeBook(
			[]api.OrderBookLevel{{Price: "0.49", Size: "10"}},
			[]api.OrderBookLevel{{Price: "0.50", Size: "10"}}, // $5
		)
		floor := SpeedProfile{DepthLevels: 3, MinDepthUSD: 10, MinDepthRatio: 1.0}
		check := EvaluateWithScaleDown(thin, models.SideBuy, 100, floor)
		if check.Allowed || check.ScaledDown {
			t.Errorf("thin book below the floor must stay rejected, got allowed=%v", check.Allowed)
		}
	})

	t.Run("spread failures never scale down", func(t *testing.T) {
		wide := makeBook(
			[]api.OrderBookLevel{{Price: "0.40", Size: "100"}},
			[]api.OrderBookLevel{{Price: "0.60", Size: "100"}},
		)
		strict := SpeedProfile{MaxSpreadBps: 100, DepthLevels: 3, MinDepthUSD: 1, MinDepthRatio: 1.0}
		check := EvaluateWithScaleDown(wide, models.SideBuy, 100, strict)
		if check.Allowed || check.ScaledDown {
			t.Error("spread rejection is not recoverable by sizing")
		}
	})
}

// Shrinking an order can only help it: once a notional clears the guardrails
// on a book, every smaller notional must clear them too.
func TestEvaluateOrderbookMonotonicInNotional(t *testing.T) {
	book := makeBook(
		[]api.OrderBookLevel{{Price: "0.49", Size: "100"}},
		[]api.OrderBookLevel{{Price: "0.50", Size: "100"}},
	)
	profile := SpeedProfile{DepthLevels: 3, MinDepthUSD: 5, MinDepthRatio: 1.5}

	// 100 shares cover 1.5x of N/0.50 up to N of about 33.33.
	if check := EvaluateOrderbook(book, models.SideBuy, 40, profile); check.Allowed {
		t.Fatal("40 should fail the ratio on this book")
	}

	passed := false
	for _, n := range []float64{35, 33, 30, 25, 20, 10, 5, 1, 0.5} {
		check := EvaluateOrderbook(book, models.SideBuy, n, profile)
		if passed && !check.Allowed {
			t.Errorf("notional %.2f rejected (%q) after a larger one passed", n, check.Reason)
		}
		if check.Allowed {
			passed = true
		}
	}
	if !passed {
		t.Fatal("no notional passed at all")
	}
}

func TestBookLiquidity(t *testing.T) {
	book := makeBook(
		[]api.OrderBookLevel{{Price: "0.40", Size: "100"}}, // $40
		[]api.OrderBookLevel{{Price: "0.60", Size: "100"}}, // $60
	)
	if got := BookLiquidity(book, 20); math.Abs(got-100) > 1e-9 {
		t.Errorf("BookLiquidity = %f, want 100", got)
	}
}
