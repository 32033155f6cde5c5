package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	ctfExchangeAddr        = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskCTFExchangeAddr = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

// APICreds holds L2 API credentials for the CLOB.
type APICreds struct {
	APIKey        string `json:"apiKey"`
	APISecret     string `json:"secret"`
	APIPassphrase string `json:"passphrase"`
}

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill (market order)
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled (limit order)
)

// SignedOrder is an EIP-712 signed order payload.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	sideInt       int
}

type orderRequest struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
}

type cachedBook struct {
	book      *OrderBook
	expiresAt time.Time
}

// ClobClient talks to the Polymarket CLOB and data APIs. It also maintains an
// order-book cache refreshed in the background for tokens we actively trade.
type ClobClient struct {
	baseURL    string
	dataURL    string
	httpClient *http.Client
	auth       *Auth
	apiCreds   *APICreds
	chainID    int64
	maxRetries int

	bookTTL time.Duration

	bookCache   map[string]*cachedBook
	bookCacheMu sync.RWMutex

	metaCache   map[string]*TokenMetadata
	metaCacheMu sync.RWMutex

	watchTokens   []string
	watchTokensMu sync.RWMutex
	refreshEvery  time.Duration
	refreshStop   chan struct{}
	refreshOnce   sync.Once
}

// ClobOptions tune the client; zero values fall back to sane defaults.
type ClobOptions struct {
	BaseURL      string
	DataURL      string
	Timeout      time.Duration
	BookCacheTTL time.Duration
	BookRefresh  time.Duration
	MaxRetries   int
}

// NewClobClient creates a CLOB client. auth may be nil for read-only use
// (simulation mode needs only books and metadata).
func NewClobClient(opts ClobOptions, auth *Auth) *ClobClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://clob.polymarket.com"
	}
	if opts.DataURL == "" {
		opts.DataURL = "https://data-api.polymarket.com"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BookCacheTTL == 0 {
		opts.BookCacheTTL = 2 * time.Second
	}
	if opts.BookRefresh == 0 {
		opts.BookRefresh = 1500 * time.Millisecond
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}

	return &ClobClient{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		dataURL:      strings.TrimRight(opts.DataURL, "/"),
		httpClient:   &http.Client{Timeout: opts.Timeout},
		auth:         auth,
		chainID:      137, // Polygon mainnet
		maxRetries:   opts.MaxRetries,
		bookTTL:      opts.BookCacheTTL,
		bookCache:    make(map[string]*cachedBook),
		metaCache:    make(map[string]*TokenMetadata),
		refreshEvery: opts.BookRefresh,
		refreshStop:  make(chan struct{}),
	}
}

// DeriveAPICreds obtains L2 credentials using the L1 wallet signature.
// Required before placing orders.
func (c *ClobClient) DeriveAPICreds(ctx context.Context) error {
	if c.auth == nil {
		return fmt.Errorf("clob: no auth configured")
	}

	headers, err := c.auth.SignRequest()
	if err != nil {
		return fmt.Errorf("clob: sign L1 request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("clob: derive API creds failed: %d %s", resp.StatusCode, string(body))
	}

	var creds APICreds
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return fmt.Errorf("clob: decode API creds: %w", err)
	}
	c.apiCreds = &creds
	log.Printf("[Clob] Derived API credentials for %s", c.auth.GetAddress().Hex())
	return nil
}

// GetOrderBook fetches the book for a token with retries. Asks come back
// sorted ascending and bids descending so walks always see best price first.
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	var book *OrderBook
	err := DoWithRetry(ctx, "GetOrderBook", c.maxRetries, func() error {
		b, err := c.fetchOrderBook(ctx, tokenID)
		if err != nil {
			return err
		}
		book = b
		return nil
	})
	return book, err
}

func (c *ClobClient) fetchOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	values := url.Values{}
	values.Set("token_id", tokenID)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/book?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get order book failed: %d %s", resp.StatusCode, string(body))
	}

	var book OrderBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("failed to decode order book: %w", err)
	}

	sort.Slice(book.Asks, func(i, j int) bool {
		pi, _ := strconv.ParseFloat(book.Asks[i].Price, 64)
		pj, _ := strconv.ParseFloat(book.Asks[j].Price, 64)
		return pi < pj
	})
	sort.Slice(book.Bids, func(i, j int) bool {
		pi, _ := strconv.ParseFloat(book.Bids[i].Price, 64)
		pj, _ := strconv.ParseFloat(book.Bids[j].Price, 64)
		return pi > pj
	})

	return &book, nil
}

// GetCachedOrderBook returns a fresh cached book or fetches a new one.
func (c *ClobClient) GetCachedOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	c.bookCacheMu.RLock()
	cached, ok := c.bookCache[tokenID]
	c.bookCacheMu.RUnlock()

	if ok && time.Now().Before(cached.expiresAt) {
		return cached.book, nil
	}

	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	c.storeBook(tokenID, book)
	return book, nil
}

func (c *ClobClient) storeBook(tokenID string, book *OrderBook) {
	c.bookCacheMu.Lock()
	c.bookCache[tokenID] = &cachedBook{book: book, expiresAt: time.Now().Add(c.bookTTL)}
	c.bookCacheMu.Unlock()
}

// WatchToken adds a token to the background book-refresh set.
func (c *ClobClient) WatchToken(tokenID string) {
	c.watchTokensMu.Lock()
	defer c.watchTokensMu.Unlock()
	for _, t := range c.watchTokens {
		if t == tokenID {
			return
		}
	}
	c.watchTokens = append(c.watchTokens, tokenID)
	log.Printf("[Clob] Watching order book for %s (total: %d)", shortToken(tokenID), len(c.watchTokens))
}

// UnwatchToken removes a token from the refresh set.
func (c *ClobClient) UnwatchToken(tokenID string) {
	c.watchTokensMu.Lock()
	defer c.watchTokensMu.Unlock()
	for i, t := range c.watchTokens {
		if t == tokenID {
			c.watchTokens = append(c.watchTokens[:i], c.watchTokens[i+1:]...)
			return
		}
	}
}

// StartOrderBookCaching launches the background refresh goroutine.
func (c *ClobClient) StartOrderBookCaching() {
	go func() {
		ticker := time.NewTicker(c.refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.refreshStop:
				return
			case <-ticker.C:
				c.refreshWatchedBooks()
			}
		}
	}()
	log.Printf("[Clob] Started order book caching (%v refresh)", c.refreshEvery)
}

// StopOrderBookCaching stops the background refresh goroutine.
func (c *ClobClient) StopOrderBookCaching() {
	c.refreshOnce.Do(func() { close(c.refreshStop) })
}

func (c *ClobClient) refreshWatchedBooks() {
	c.watchTokensMu.RLock()
	tokens := make([]string, len(c.watchTokens))
	copy(tokens, c.watchTokens)
	c.watchTokensMu.RUnlock()

	if len(tokens) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, tokenID := range tokens {
		book, err := c.fetchOrderBook(ctx, tokenID)
		if err != nil {
			continue // retried next tick
		}
		c.storeBook(tokenID, book)
	}
}

// GetTokenMetadata resolves market metadata for a token, memoized in-process.
func (c *ClobClient) GetTokenMetadata(ctx context.Context, tokenID string) (*TokenMetadata, error) {
	c.metaCacheMu.RLock()
	meta, ok := c.metaCache[tokenID]
	c.metaCacheMu.RUnlock()
	if ok {
		return meta, nil
	}

	var fetched *TokenMetadata
	err := DoWithRetry(ctx, "GetTokenMetadata", c.maxRetries, func() error {
		m, err := c.fetchTokenMetadata(ctx, tokenID)
		if err != nil {
			return err
		}
		fetched = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.metaCacheMu.Lock()
	c.metaCache[tokenID] = fetched
	c.metaCacheMu.Unlock()
	return fetched, nil
}

func (c *ClobClient) fetchTokenMetadata(ctx context.Context, tokenID string) (*TokenMetadata, error) {
	values := url.Values{}
	values.Set("clob_token_ids", tokenID)

	req, err := http.NewRequestWithContext(ctx, "GET", "https://gamma-api.polymarket.com/markets?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get token metadata failed: %d %s", resp.StatusCode, string(body))
	}

	var markets []struct {
		ConditionID  string `json:"conditionId"`
		Slug         string `json:"slug"`
		Question     string `json:"question"`
		NegRisk      bool   `json:"negRisk"`
		Closed       bool   `json:"closed"`
		ClobTokenIds string `json:"clobTokenIds"`
		Outcomes     string `json:"outcomes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("failed to decode markets: %w", err)
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("no market found for token %s", shortToken(tokenID))
	}

	m := markets[0]
	meta := &TokenMetadata{
		TokenID:     tokenID,
		ConditionID: m.ConditionID,
		MarketSlug:  m.Slug,
		Question:    m.Question,
		NegRisk:     m.NegRisk,
		Closed:      m.Closed,
	}

	// clobTokenIds and outcomes are parallel JSON arrays encoded as strings.
	var ids, outcomes []string
	if json.Unmarshal([]byte(m.ClobTokenIds), &ids) == nil &&
		json.Unmarshal([]byte(m.Outcomes), &outcomes) == nil {
		for i, id := range ids {
			if id == tokenID && i < len(outcomes) {
				meta.Outcome = outcomes[i]
			}
		}
	}

	return meta, nil
}

// PlaceOrderFOK submits a fill-or-kill order for size shares at the given
// limit price. BUYs spend size*price USDC; SELLs deliver size shares.
func (c *ClobClient) PlaceOrderFOK(ctx context.Context, tokenID string, side Side, size, price float64, negRisk bool) (*OrderResponse, error) {
	if c.apiCreds == nil {
		return nil, fmt.Errorf("clob: API creds not derived")
	}

	order, err := c.createSignedOrder(tokenID, side, size, price, negRisk)
	if err != nil {
		return nil, err
	}
	return c.postOrder(ctx, order, OrderTypeFOK)
}

// PlaceLimitOrder submits a GTC limit order.
func (c *ClobClient) PlaceLimitOrder(ctx context.Context, tokenID string, side Side, size, price float64, negRisk bool) (*OrderResponse, error) {
	if c.apiCreds == nil {
		return nil, fmt.Errorf("clob: API creds not derived")
	}

	order, err := c.createSignedOrder(tokenID, side, size, price, negRisk)
	if err != nil {
		return nil, err
	}
	return c.postOrder(ctx, order, OrderTypeGTC)
}

func (c *ClobClient) createSignedOrder(tokenID string, side Side, size, price float64, negRisk bool) (*SignedOrder, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("clob: no auth configured")
	}
	if size <= 0 || price <= 0 || price >= 1 {
		return nil, fmt.Errorf("clob: invalid order size=%f price=%f", size, price)
	}

	// Amounts are 6-decimal fixed point.
	sizeInt := big.NewInt(int64(size * 1e6))
	usdcInt := big.NewInt(int64(size * price * 1e6))

	var makerAmount, takerAmount *big.Int
	var sideInt int
	if side == SideBuy {
		makerAmount = usdcInt // we give USDC
		takerAmount = sizeInt // we get tokens
		sideInt = 0
	} else {
		makerAmount = sizeInt
		takerAmount = usdcInt
		sideInt = 1
	}

	addr := c.auth.GetAddress().Hex()
	order := &SignedOrder{
		Salt:          rand.Int63(),
		Maker:         addr,
		Signer:        addr,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          string(side),
		SignatureType: 0, // EOA
		sideInt:       sideInt,
	}

	sig, err := c.signOrder(order, negRisk)
	if err != nil {
		return nil, fmt.Errorf("clob: sign order: %w", err)
	}
	order.Signature = sig
	return order, nil
}

func (c *ClobClient) signOrder(order *SignedOrder, negRisk bool) (string, error) {
	verifyingContract := ctfExchangeAddr
	if negRisk {
		verifyingContract = negRiskCTFExchangeAddr
	}

	tokenID := new(big.Int)
	tokenID.SetString(order.TokenID, 10)
	makerAmount := new(big.Int)
	makerAmount.SetString(order.MakerAmount, 10)
	takerAmount := new(big.Int)
	takerAmount.SetString(order.TakerAmount, 10)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(c.chainID),
			VerifyingContract: verifyingContract,
		},
		Message: map[string]interface{}{
			"salt":          big.NewInt(order.Salt),
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       tokenID,
			"makerAmount":   makerAmount,
			"takerAmount":   takerAmount,
			"expiration":    big.NewInt(0),
			"nonce":         big.NewInt(0),
			"feeRateBps":    big.NewInt(0),
			"side":          big.NewInt(int64(order.sideInt)),
			"signatureType": big.NewInt(int64(order.SignatureType)),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("failed to hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, c.auth.PrivateKey())
	if err != nil {
		return "", err
	}
	sig[64] += 27

	return "0x" + hex.EncodeToString(sig), nil
}

func (c *ClobClient) postOrder(ctx context.Context, order *SignedOrder, orderType OrderType) (*OrderResponse, error) {
	payload := orderRequest{
		Order:     *order,
		Owner:     c.apiCreds.APIKey,
		OrderType: orderType,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addL2Headers(req, string(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post order failed: %d %s", resp.StatusCode, string(respBody))
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(respBody, &orderResp); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	return &orderResp, nil
}

// addL2Headers signs timestamp+method+path+body with the API secret.
func (c *ClobClient) addL2Headers(req *http.Request, body string) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + req.Method + req.URL.Path + body

	secret, err := base64.URLEncoding.DecodeString(c.apiCreds.APISecret)
	if err != nil {
		secret = []byte(c.apiCreds.APISecret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("POLY_ADDRESS", c.auth.GetAddress().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_API_KEY", c.apiCreds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", c.apiCreds.APIPassphrase)
}

func shortToken(tokenID string) string {
	if len(tokenID) <= 16 {
		return tokenID
	}
	return tokenID[:16]
}
