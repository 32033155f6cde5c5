// Package engine implements the copy-trade decision pipeline: signal
// normalization, risk gating, sizing, order-book guardrails, slippage
// control, execution dispatch and the trade ledger.
package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"polycopy/api"
	"polycopy/models"
	"polycopy/utils"
)

// Timestamps past this are treated as milliseconds and scaled down.
const msTimestampThreshold = 1e12

// NormalizeActivity converts a raw feed event into a TradeSignal. Leader
// addresses are lowercased and second/millisecond timestamps unified.
func NormalizeActivity(raw api.ActivityTrade, detectedAt time.Time) models.TradeSignal {
	ts := raw.Timestamp
	if ts > msTimestampThreshold {
		ts = ts / 1000
	}

	side := models.SideBuy
	if strings.EqualFold(raw.Side, "SELL") {
		side = models.SideSell
	}

	return models.TradeSignal{
		Trader:      utils.NormalizeAddress(raw.ProxyWallet),
		TokenID:     raw.Asset,
		Side:        side,
		Size:        raw.Size.Float64(),
		Price:       raw.Price.Float64(),
		TxHash:      raw.TransactionHash,
		Timestamp:   time.Unix(ts, 0),
		MarketSlug:  raw.Slug,
		ConditionID: raw.ConditionID,
		Outcome:     raw.Outcome,
		DetectedAt:  detectedAt,
	}
}

// SignalKey derives the idempotency key for a signal acting as copySide.
// On-chain signals key off the tx hash; local (pre-chain) signals fall back
// to token, side and the second-resolution timestamp.
func SignalKey(signal models.TradeSignal, copySide models.Side) string {
	if signal.TxHash != "" {
		return strings.ToLower(signal.TxHash) + ":" + signal.TokenID + ":" + string(copySide)
	}
	sec := int64(math.Floor(float64(signal.Timestamp.Unix())))
	return fmt.Sprintf("local:%s:%s:%d", signal.TokenID, copySide, sec)
}

// maxSignalLatency returns how stale a signal may be before we drop it.
// Short-cycle markets move too fast to chase; slower markets get more slack.
func maxSignalLatency(marketSlug string, fallback time.Duration) time.Duration {
	slug := strings.ToLower(marketSlug)
	switch {
	case strings.Contains(slug, "-5m-") || strings.Contains(slug, "updown-5m"):
		return 2 * time.Second
	case strings.Contains(slug, "-15m-") || strings.Contains(slug, "updown-15m"):
		return 5 * time.Second
	case strings.Contains(slug, "-1h-") || strings.Contains(slug, "hourly"):
		return 15 * time.Second
	default:
		if fallback <= 0 {
			fallback = 30 * time.Second
		}
		return fallback
	}
}
