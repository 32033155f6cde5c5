package engine

import (
	"context"
	"log"

	"polycopy/api"
	"polycopy/models"
)

// EOAExecutor places real FOK orders on the CLOB signed by the wallet key.
type EOAExecutor struct {
	clob *api.ClobClient
}

// NewEOAExecutor wraps a CLOB client that has derived API credentials.
func NewEOAExecutor(clob *api.ClobClient) *EOAExecutor {
	return &EOAExecutor{clob: clob}
}

func (e *EOAExecutor) Name() string { return "EOA" }

// Dispatch submits a fill-or-kill order at the decided price, stretched by
// the slippage tolerance so small moves between decision and match still fill.
func (e *EOAExecutor) Dispatch(ctx context.Context, order Order) ExecutionResult {
	price := order.Price
	if !order.UseLimit && order.MaxDeviation > 0 {
		if order.Side == models.SideBuy {
			price = order.Price * (1 + order.MaxDeviation)
		} else {
			price = order.Price * (1 - order.MaxDeviation)
		}
	}
	if price >= 1 {
		price = 0.999
	}
	if price <= 0 {
		return ExecutionResult{Reason: "INVALID_PRICE"}
	}

	shares := order.Shares
	if order.Side == models.SideBuy {
		shares = order.NotionalUSDC / price
	}
	if shares <= 0 {
		return ExecutionResult{Reason: ReasonCopySizeZero}
	}

	resp, err := e.clob.PlaceOrderFOK(ctx, order.TokenID, api.Side(order.Side), shares, price, order.NegRisk)
	if err != nil {
		log.Printf("[EOAExecutor] Order failed for trade %s: %v", order.TradeID, err)
		return ExecutionResult{Reason: "ORDER_ERROR"}
	}
	if !resp.Success {
		reason := resp.ErrorMsg
		if reason == "" {
			reason = "FOK_REJECTED"
		}
		return ExecutionResult{Reason: reason}
	}

	// matched responses carry actual amounts; fall back to the request.
	filled := resp.TakingAmount.Float64()
	execPrice := price
	if order.Side == models.SideBuy {
		if filled <= 0 {
			filled = shares
		}
		if resp.MakingAmount.Float64() > 0 && filled > 0 {
			execPrice = resp.MakingAmount.Float64() / filled
		}
	} else {
		filled = shares
		if resp.TakingAmount.Float64() > 0 {
			execPrice = resp.TakingAmount.Float64() / shares
		}
	}

	return ExecutionResult{
		Success:             true,
		ExecutedNotional:    filled * execPrice,
		ExecutionPrice:      execPrice,
		FilledShares:        filled,
		OrderID:             resp.OrderID,
		SettlementConfirmed: true,
	}
}
