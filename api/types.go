package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Numeric handles Polymarket numbers that may arrive as strings or numbers.
type Numeric float64

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		*n = 0
		return nil
	}

	// Handle quoted numbers.
	if data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*n = Numeric(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Numeric(f)
	return nil
}

func (n Numeric) Float64() float64 {
	return float64(n)
}

// Side represents buy or sell.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderBook represents the order book for a token.
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel represents a single price level. Polymarket sends prices and
// sizes as strings.
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Level is a parsed price level for book math.
type Level struct {
	Price float64
	Size  float64
}

// ParsedAsks returns asks as floats, sorted best (lowest) first.
func (b *OrderBook) ParsedAsks() []Level {
	return parseLevels(b.Asks)
}

// ParsedBids returns bids as floats, sorted best (highest) first.
func (b *OrderBook) ParsedBids() []Level {
	return parseLevels(b.Bids)
}

func parseLevels(raw []OrderBookLevel) []Level {
	out := make([]Level, 0, len(raw))
	for _, l := range raw {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}

// BestBid returns the highest bid price, or 0 for an empty side.
func (b *OrderBook) BestBid() float64 {
	bids := b.ParsedBids()
	if len(bids) == 0 {
		return 0
	}
	return bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 for an empty side.
func (b *OrderBook) BestAsk() float64 {
	asks := b.ParsedAsks()
	if len(asks) == 0 {
		return 0
	}
	return asks[0].Price
}

// MidPrice returns the book midpoint, or the surviving side's best price when
// one side is empty.
func (b *OrderBook) MidPrice() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case ask > 0:
		return ask
	default:
		return bid
	}
}

// TokenMetadata is market metadata for one outcome token.
type TokenMetadata struct {
	TokenID     string `json:"token_id"`
	ConditionID string `json:"condition_id"`
	MarketSlug  string `json:"market_slug"`
	Question    string `json:"question"`
	Outcome     string `json:"outcome"`
	NegRisk     bool   `json:"neg_risk"`
	Closed      bool   `json:"closed"`
}

// OrderResponse is the response from placing an order.
type OrderResponse struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg"`
	OrderID     string   `json:"orderId"`
	OrderHashes []string `json:"orderHashes"`
	Status      string   `json:"status"` // matched, live, delayed, unmatched
	TakingAmount Numeric `json:"takingAmount"`
	MakingAmount Numeric `json:"makingAmount"`
}

// ActivityTrade is one trade event from the live activity feed.
type ActivityTrade struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	Asset           string  `json:"asset"` // token ID
	ConditionID     string  `json:"conditionId"`
	Size            Numeric `json:"size"`
	Price           Numeric `json:"price"`
	Timestamp       int64   `json:"timestamp"` // seconds or milliseconds
	Slug            string  `json:"slug"`
	Outcome         string  `json:"outcome"`
	TransactionHash string  `json:"transactionHash"`
	Name            string  `json:"name"`
}

// MarketResolution is a market-resolved event from the feed.
type MarketResolution struct {
	ConditionID    string   `json:"conditionId"`
	Slug           string   `json:"slug"`
	WinningTokenID string   `json:"winningTokenId"`
	LosingTokenIDs []string `json:"losingTokenIds"`
	ResolvedAt     int64    `json:"resolvedAt"`
}
