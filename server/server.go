package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"polycopy/api"
	"polycopy/engine"
	"polycopy/models"
	"polycopy/storage"
)

// Server exposes the internal execution endpoint and session metrics over HTTP.
// The execute endpoint lets an external worker push a leader trade through the
// same pipeline the live feed uses.
type Server struct {
	store  storage.Store
	engine *engine.Engine
	feed   *api.FeedClient // optional, for /health stats

	httpSrv *http.Server
}

// ExecuteRequest is a leader trade pushed by a worker for one config.
type ExecuteRequest struct {
	ConfigID        string  `json:"config_id" binding:"required"`
	TraderAddress   string  `json:"trader_address" binding:"required"`
	TokenID         string  `json:"token_id" binding:"required"`
	Side            string  `json:"side" binding:"required"`
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	Timestamp       int64   `json:"timestamp"`
	TransactionHash string  `json:"transaction_hash"`
	ConditionID     string  `json:"condition_id"`
	MarketSlug      string  `json:"market_slug"`
	Outcome         string  `json:"outcome"`
}

// ExecuteResponse reports what the pipeline decided.
type ExecuteResponse struct {
	Success      bool    `json:"success"`
	Status       string  `json:"status"`
	FailedReason string  `json:"failed_reason,omitempty"`
	TradeID      string  `json:"trade_id,omitempty"`
	CopySize     float64 `json:"copy_size,omitempty"`
	ExecPrice    float64 `json:"exec_price,omitempty"`
	SlippageBps  float64 `json:"slippage_bps,omitempty"`
	FeePaid      float64 `json:"fee_paid,omitempty"`
	OrderID      string  `json:"order_id,omitempty"`
	ExecutionMs  int64   `json:"execution_ms"`
}

// New builds the HTTP server around an assembled engine.
func New(port int, readTimeout, writeTimeout time.Duration, store storage.Store, eng *engine.Engine, feed *api.FeedClient) *Server {
	s := &Server{store: store, engine: eng, feed: feed}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/api/metrics", s.handleMetrics)
	r.POST("/api/internal/execute-copy-trade", s.handleExecute)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Start serves until Shutdown; it returns http.ErrServerClosed on clean stop.
func (s *Server) Start() error {
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains open requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.feed != nil {
		seen, passed := s.feed.Stats()
		resp["feed_events_seen"] = seen
		resp["feed_trades_passed"] = passed
	}
	if b := s.engine.Budget(); b != nil {
		resp["budget_used"] = b.Used()
		resp["budget_remaining"] = b.Remaining()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Metrics().Snapshot())
}

func (s *Server) handleExecute(c *gin.Context) {
	startTime := time.Now()

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ExecuteResponse{
			Status:       "error",
			FailedReason: fmt.Sprintf("invalid request: %v", err),
			ExecutionMs:  time.Since(startTime).Milliseconds(),
		})
		return
	}

	cfg, err := s.store.GetConfig(c.Request.Context(), req.ConfigID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ExecuteResponse{
			Status:       "error",
			FailedReason: fmt.Sprintf("config lookup failed: %v", err),
			ExecutionMs:  time.Since(startTime).Milliseconds(),
		})
		return
	}
	if cfg == nil || !cfg.IsActive {
		c.JSON(http.StatusNotFound, ExecuteResponse{
			Status:       "error",
			FailedReason: "config not found or inactive",
			ExecutionMs:  time.Since(startTime).Milliseconds(),
		})
		return
	}

	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	signal := engine.NormalizeActivity(api.ActivityTrade{
		ProxyWallet:     req.TraderAddress,
		Side:            req.Side,
		Asset:           req.TokenID,
		ConditionID:     req.ConditionID,
		Size:            api.Numeric(req.Size),
		Price:           api.Numeric(req.Price),
		Timestamp:       ts,
		Slug:            req.MarketSlug,
		Outcome:         req.Outcome,
		TransactionHash: req.TransactionHash,
	}, time.Now())

	res := s.engine.EvaluateAndExecute(c.Request.Context(), signal, *cfg)

	resp := ExecuteResponse{
		Success:     res.Executed,
		Status:      res.Reason,
		TradeID:     res.TradeID,
		ExecutionMs: time.Since(startTime).Milliseconds(),
	}
	if res.Executed {
		resp.CopySize = res.CopyNotional
		resp.ExecPrice = res.ExecPrice
		resp.SlippageBps = res.SlippageBps
		resp.FeePaid = res.FeePaid
		resp.OrderID = res.TxID
	} else {
		resp.Status = string(models.StatusSkipped)
		resp.FailedReason = res.Reason
		if res.Duplicate {
			resp.Status = "duplicate"
		}
	}
	c.JSON(http.StatusOK, resp)
}
