package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"polycopy/models"
)

// ProxyExecutor delegates execution to the proxy-wallet service, which pulls
// funds from the user's proxy, places the order, and returns assets. Fund and
// token settlement may lag the fill, which the result reports separately.
type ProxyExecutor struct {
	endpoint   string
	httpClient *http.Client
}

// NewProxyExecutor points at the proxy execution service.
func NewProxyExecutor(endpoint string, timeout time.Duration) *ProxyExecutor {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ProxyExecutor{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *ProxyExecutor) Name() string { return "PROXY" }

type proxyRequest struct {
	TradeID       string  `json:"tradeId"`
	WalletAddress string  `json:"walletAddress"`
	TokenID       string  `json:"tokenId"`
	Side          string  `json:"side"`
	Amount        float64 `json:"amount"` // USDC for BUY, shares for SELL
	Price         float64 `json:"price"`
	Slippage      float64 `json:"slippage"`
	NegRisk       bool    `json:"negRisk"`
}

type proxyResponse struct {
	Success       bool    `json:"success"`
	Error         string  `json:"error"`
	OrderID       string  `json:"orderId"`
	ActualAmount  float64 `json:"actualAmount"`
	ActualPrice   float64 `json:"actualPrice"`
	ActualShares  float64 `json:"actualShares"`
	FundsSettled  bool    `json:"fundsSettled"`
	TokensSettled bool    `json:"tokensSettled"`
	FundTxHash    string  `json:"fundTxHash"`
	TokenTxHash   string  `json:"tokenTxHash"`
}

// Dispatch posts the order to the proxy service and maps its reply.
func (e *ProxyExecutor) Dispatch(ctx context.Context, order Order) ExecutionResult {
	amount := order.NotionalUSDC
	if order.Side == models.SideSell {
		amount = order.Shares
	}

	payload, err := json.Marshal(proxyRequest{
		TradeID:       order.TradeID,
		WalletAddress: order.WalletAddress,
		TokenID:       order.TokenID,
		Side:          string(order.Side),
		Amount:        amount,
		Price:         order.Price,
		Slippage:      order.MaxDeviation,
		NegRisk:       order.NegRisk,
	})
	if err != nil {
		return ExecutionResult{Reason: "PROXY_MARSHAL_ERROR"}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ExecutionResult{Reason: "PROXY_REQUEST_ERROR"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		log.Printf("[ProxyExecutor] Request failed for trade %s: %v", order.TradeID, err)
		return ExecutionResult{Reason: "PROXY_UNREACHABLE"}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return ExecutionResult{Reason: fmt.Sprintf("PROXY_HTTP_%d", resp.StatusCode)}
	}

	var pr proxyResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return ExecutionResult{Reason: "PROXY_DECODE_ERROR"}
	}
	if !pr.Success {
		reason := pr.Error
		if reason == "" {
			reason = "PROXY_REJECTED"
		}
		return ExecutionResult{Reason: reason}
	}

	execPrice := pr.ActualPrice
	if execPrice <= 0 {
		execPrice = order.Price
	}
	shares := pr.ActualShares
	notional := pr.ActualAmount
	if shares <= 0 && execPrice > 0 {
		switch {
		case notional > 0:
			shares = notional / execPrice
		case order.Side == models.SideSell:
			// The request amount is shares for SELLs.
			shares = amount
		default:
			notional = amount
			shares = notional / execPrice
		}
	}
	if notional <= 0 {
		notional = shares * execPrice
	}

	return ExecutionResult{
		Success:             true,
		ExecutedNotional:    notional,
		ExecutionPrice:      execPrice,
		FilledShares:        shares,
		OrderID:             pr.OrderID,
		SettlementConfirmed: pr.FundsSettled && pr.TokensSettled,
	}
}
