// Package api provides the Polymarket collaborators: CLOB REST client,
// live activity feed, wallet auth and retry helpers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TradeHandler is called for every activity trade that passes filtering.
type TradeHandler func(trade ActivityTrade, detectedAt time.Time)

// ResolutionHandler is called when the feed reports a market resolved.
type ResolutionHandler func(res MarketResolution)

// FeedOptions configure the activity feed client.
type FeedOptions struct {
	URL              string
	ServerSideFilter bool // ask the feed to filter by wallet; else filter locally
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	PingInterval     time.Duration
}

// FeedClient streams leader trades and market resolutions over websocket.
type FeedClient struct {
	opts FeedOptions

	conn   *websocket.Conn
	connMu sync.Mutex

	onTrade      TradeHandler
	onResolution ResolutionHandler

	followedAddrs   map[string]bool
	followedAddrsMu sync.RWMutex

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	eventsSeen   int64
	tradesPassed int64
	statsMu      sync.RWMutex
}

// NewFeedClient creates an activity feed client.
func NewFeedClient(opts FeedOptions, onTrade TradeHandler, onResolution ResolutionHandler) *FeedClient {
	if opts.URL == "" {
		opts.URL = "wss://ws-live-data.polymarket.com"
	}
	if opts.ReconnectBase == 0 {
		opts.ReconnectBase = 1 * time.Second
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}

	return &FeedClient{
		opts:          opts,
		onTrade:       onTrade,
		onResolution:  onResolution,
		followedAddrs: make(map[string]bool),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetFollowedAddresses replaces the set of leader wallets to watch.
func (c *FeedClient) SetFollowedAddresses(addrs []string) {
	c.followedAddrsMu.Lock()
	defer c.followedAddrsMu.Unlock()

	c.followedAddrs = make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		normalized := strings.ToLower(addr)
		if !strings.HasPrefix(normalized, "0x") {
			normalized = "0x" + normalized
		}
		c.followedAddrs[normalized] = true
	}
	log.Printf("[Feed] Following %d leader wallets", len(c.followedAddrs))
}

func (c *FeedClient) isFollowed(addr string) bool {
	c.followedAddrsMu.RLock()
	defer c.followedAddrsMu.RUnlock()
	return c.followedAddrs[strings.ToLower(addr)]
}

// Stats returns events seen and trades delivered to the handler.
func (c *FeedClient) Stats() (seen, passed int64) {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.eventsSeen, c.tradesPassed
}

// Start connects and begins streaming. Events are dispatched on the read
// goroutine; handlers should hand off work quickly.
func (c *FeedClient) Start(ctx context.Context) error {
	if c.running {
		return fmt.Errorf("feed client already running")
	}

	if err := c.connect(); err != nil {
		return fmt.Errorf("feed connection failed: %w", err)
	}
	if err := c.subscribe(); err != nil {
		c.conn.Close()
		return fmt.Errorf("feed subscription failed: %w", err)
	}

	c.running = true
	go c.readLoop(ctx)
	go c.pingLoop(ctx)

	log.Printf("[Feed] Started - streaming activity from %s", c.opts.URL)
	return nil
}

// Stop gracefully shuts down the client.
func (c *FeedClient) Stop() {
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		log.Printf("[Feed] Shutdown timeout")
	}
	log.Printf("[Feed] Stopped")
}

func (c *FeedClient) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.opts.URL, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	log.Printf("[Feed] Connected")
	return nil
}

func (c *FeedClient) subscribe() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	sub := map[string]interface{}{
		"action": "subscribe",
		"subscriptions": []map[string]interface{}{
			{"topic": "activity", "type": "trades"},
			{"topic": "activity", "type": "market_resolutions"},
		},
	}
	if c.opts.ServerSideFilter {
		c.followedAddrsMu.RLock()
		addrs := make([]string, 0, len(c.followedAddrs))
		for addr := range c.followedAddrs {
			addrs = append(addrs, addr)
		}
		c.followedAddrsMu.RUnlock()
		sub["filters"] = map[string]interface{}{"proxyWallets": addrs}
	}

	if err := c.conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe write failed: %w", err)
	}
	return nil
}

func (c *FeedClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			c.connMu.Unlock()
		}
	}
}

func (c *FeedClient) readLoop(ctx context.Context) {
	defer close(c.doneCh)

	backoff := c.opts.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.reconnect(ctx, &backoff) {
				return
			}
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case <-c.stopCh:
				return
			default:
			}
			log.Printf("[Feed] Read error: %v, reconnecting...", err)
			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()
			if !c.reconnect(ctx, &backoff) {
				return
			}
			continue
		}

		backoff = c.opts.ReconnectBase
		c.handleMessage(msg)
	}
}

func (c *FeedClient) reconnect(ctx context.Context, backoff *time.Duration) bool {
	log.Printf("[Feed] Reconnecting in %v...", *backoff)
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(*backoff):
	}

	*backoff *= 2
	if *backoff > c.opts.ReconnectMax {
		*backoff = c.opts.ReconnectMax
	}

	if err := c.connect(); err != nil {
		log.Printf("[Feed] Reconnect failed: %v", err)
		return true
	}
	if err := c.subscribe(); err != nil {
		log.Printf("[Feed] Resubscribe failed: %v", err)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	}
	return true
}

type feedEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *FeedClient) handleMessage(msg []byte) {
	c.statsMu.Lock()
	c.eventsSeen++
	c.statsMu.Unlock()

	var env feedEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}

	switch env.Type {
	case "trades":
		detectedAt := time.Now()
		var trade ActivityTrade
		if err := json.Unmarshal(env.Payload, &trade); err != nil {
			log.Printf("[Feed] Bad trade payload: %v", err)
			return
		}
		if !c.opts.ServerSideFilter && !c.isFollowed(trade.ProxyWallet) {
			return
		}
		c.statsMu.Lock()
		c.tradesPassed++
		c.statsMu.Unlock()
		if c.onTrade != nil {
			c.onTrade(trade, detectedAt)
		}

	case "market_resolutions":
		var res MarketResolution
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			log.Printf("[Feed] Bad resolution payload: %v", err)
			return
		}
		if c.onResolution != nil {
			c.onResolution(res)
		}
	}
}
