package storage

import (
	"context"
	"sync"
	"time"

	"polycopy/models"
)

// MockStore is an in-memory Store for tests. It reproduces the same position
// math and uniqueness behavior as PostgresStore, tracks call counts, and can
// inject one-shot errors per method.
type MockStore struct {
	mu sync.Mutex

	Configs    map[string]*models.CopyConfig
	Trades     map[string]*models.CopyTrade
	tradeKeys  map[string]string // configID+"|"+originalTxHash -> trade ID
	Positions  map[string]*models.Position
	Calls      map[string]int
	ErrorOnNext map[string]error
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		Configs:     make(map[string]*models.CopyConfig),
		Trades:      make(map[string]*models.CopyTrade),
		tradeKeys:   make(map[string]string),
		Positions:   make(map[string]*models.Position),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockStore) track(method string) error {
	m.Calls[method]++
	if err, ok := m.ErrorOnNext[method]; ok {
		delete(m.ErrorOnNext, method)
		return err
	}
	return nil
}

func posKey(wallet, tokenID string) string {
	return wallet + "|" + tokenID
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) GetConfig(ctx context.Context, id string) (*models.CopyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetConfig"); err != nil {
		return nil, err
	}
	cfg, ok := m.Configs[id]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (m *MockStore) GetActiveConfigsForTrader(ctx context.Context, trader string) ([]models.CopyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetActiveConfigsForTrader"); err != nil {
		return nil, err
	}
	var out []models.CopyConfig
	for _, cfg := range m.Configs {
		if cfg.IsActive && cfg.TraderAddress == trader {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func (m *MockStore) GetFollowedTraders(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetFollowedTraders"); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, cfg := range m.Configs {
		if cfg.IsActive && !seen[cfg.TraderAddress] {
			seen[cfg.TraderAddress] = true
			out = append(out, cfg.TraderAddress)
		}
	}
	return out, nil
}

func (m *MockStore) SaveConfig(ctx context.Context, cfg *models.CopyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SaveConfig"); err != nil {
		return err
	}
	cp := *cfg
	m.Configs[cfg.ID] = &cp
	return nil
}

func (m *MockStore) DeactivateConfig(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeactivateConfig"); err != nil {
		return false, err
	}
	cfg, ok := m.Configs[id]
	if !ok || !cfg.IsActive {
		return false, nil
	}
	cfg.IsActive = false
	cfg.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockStore) CreateCopyTrade(ctx context.Context, t *models.CopyTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateCopyTrade"); err != nil {
		return err
	}
	key := t.ConfigID + "|" + t.OriginalTxHash
	if _, exists := m.tradeKeys[key]; exists {
		return ErrDuplicateTrade
	}
	cp := *t
	m.Trades[t.ID] = &cp
	m.tradeKeys[key] = t.ID
	return nil
}

func (m *MockStore) FinalizeCopyTrade(ctx context.Context, id string, o TradeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("FinalizeCopyTrade"); err != nil {
		return err
	}
	t, ok := m.Trades[id]
	if !ok || t.Status != models.StatusPending {
		return ErrDuplicateTrade
	}
	t.Status = o.Status
	t.ExecPrice = o.ExecPrice
	t.FilledShares = o.FilledShares
	if o.CopySize > 0 {
		t.CopySize = o.CopySize
	}
	t.FeePaid = o.FeePaid
	if o.TxHash != "" {
		t.TxHash = o.TxHash
	}
	t.ErrorMessage = o.ErrorMessage
	t.RealizedPnL = o.RealizedPnL
	executedAt := o.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	t.ExecutedAt = &executedAt
	return nil
}

func (m *MockStore) SumRealizedPnL(ctx context.Context, configID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("SumRealizedPnL"); err != nil {
		return 0, err
	}
	var sum float64
	for _, t := range m.Trades {
		if t.ConfigID == configID && t.RealizedPnL != nil {
			sum += *t.RealizedPnL
		}
	}
	return sum, nil
}

func (m *MockStore) GetCopyTrade(ctx context.Context, id string) (*models.CopyTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetCopyTrade"); err != nil {
		return nil, err
	}
	t, ok := m.Trades[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *MockStore) GetPosition(ctx context.Context, wallet, tokenID string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetPosition"); err != nil {
		return nil, err
	}
	p, ok := m.Positions[posKey(wallet, tokenID)]
	if !ok || p.Balance <= 0 {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) GetPositionsForToken(ctx context.Context, tokenID string) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetPositionsForToken"); err != nil {
		return nil, err
	}
	var out []models.Position
	for _, p := range m.Positions {
		if p.TokenID == tokenID && p.Balance > 0 {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MockStore) ApplyBuy(ctx context.Context, wallet, tokenID string, shares, costUSDC float64) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ApplyBuy"); err != nil {
		return nil, err
	}

	key := posKey(wallet, tokenID)
	p, ok := m.Positions[key]
	if !ok {
		p = &models.Position{WalletAddress: wallet, TokenID: tokenID}
		m.Positions[key] = p
	}
	p.Balance += shares
	p.TotalCost += costUSDC
	if p.Balance > 0 {
		p.AvgEntryPrice = p.TotalCost / p.Balance
	} else {
		p.AvgEntryPrice = 0
	}
	p.UpdatedAt = time.Now()

	cp := *p
	return &cp, nil
}

func (m *MockStore) ApplySell(ctx context.Context, wallet, tokenID string, shares, execPrice float64) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ApplySell"); err != nil {
		return 0, 0, err
	}

	p, ok := m.Positions[posKey(wallet, tokenID)]
	if !ok || p.Balance <= 0 {
		return 0, 0, nil
	}

	sold := shares
	if sold > p.Balance {
		sold = p.Balance
	}
	avg := p.AvgEntryPrice

	p.Balance -= sold
	p.TotalCost -= sold * avg
	if p.Balance <= 0.000001 {
		p.Balance = 0
		p.TotalCost = 0
		p.AvgEntryPrice = 0
	}
	if p.TotalCost < 0 {
		p.TotalCost = 0
	}
	p.UpdatedAt = time.Now()

	return sold, sold * (execPrice - avg), nil
}

func (m *MockStore) DeletePosition(ctx context.Context, wallet, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeletePosition"); err != nil {
		return err
	}
	delete(m.Positions, posKey(wallet, tokenID))
	return nil
}
