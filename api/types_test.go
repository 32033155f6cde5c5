package api

import (
	"encoding/json"
	"math"
	"testing"
)

func TestNumericUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
	}{
		{"number", `{"v": 0.41}`, 0.41},
		{"string", `{"v": "0.41"}`, 0.41},
		{"integer string", `{"v": "100"}`, 100},
		{"empty string", `{"v": ""}`, 0},
		{"null", `{"v": null}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				V Numeric `json:"v"`
			}
			if err := json.Unmarshal([]byte(tt.in), &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if math.Abs(out.V.Float64()-tt.want) > 1e-9 {
				t.Errorf("value = %f, want %f", out.V.Float64(), tt.want)
			}
		})
	}
}

func TestOrderBookParsing(t *testing.T) {
	book := &OrderBook{
		Bids: []OrderBookLevel{
			{Price: "0.40", Size: "100"},
			{Price: "bogus", Size: "50"}, // dropped
			{Price: "0.39", Size: "0"},   // dropped
		},
		Asks: []OrderBookLevel{
			{Price: "0.42", Size: "200"},
		},
	}

	bids := book.ParsedBids()
	if len(bids) != 1 || bids[0].Price != 0.40 || bids[0].Size != 100 {
		t.Errorf("bids = %+v", bids)
	}

	if book.BestBid() != 0.40 || book.BestAsk() != 0.42 {
		t.Errorf("best bid/ask = %f/%f", book.BestBid(), book.BestAsk())
	}
	if math.Abs(book.MidPrice()-0.41) > 1e-9 {
		t.Errorf("mid = %f", book.MidPrice())
	}
}

func TestOrderBookMidPriceOneSided(t *testing.T) {
	askOnly := &OrderBook{Asks: []OrderBookLevel{{Price: "0.42", Size: "10"}}}
	if askOnly.MidPrice() != 0.42 {
		t.Errorf("ask-only mid = %f", askOnly.MidPrice())
	}
	bidOnly := &OrderBook{Bids: []OrderBookLevel{{Price: "0.40", Size: "10"}}}
	if bidOnly.MidPrice() != 0.40 {
		t.Errorf("bid-only mid = %f", bidOnly.MidPrice())
	}
	empty := &OrderBook{}
	if empty.MidPrice() != 0 || empty.BestBid() != 0 || empty.BestAsk() != 0 {
		t.Error("empty book should report zeros")
	}
}
