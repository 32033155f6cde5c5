package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"polycopy/models"
)

const configCacheTTL = 30 * time.Second

// PostgresStore wraps PostgreSQL persistence with Redis caching.
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates the store from POSTGRES_*/REDIS_* env vars.
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "polycopy")
	password := getEnv("POSTGRES_PASSWORD", "polycopy123")
	dbname := getEnv("POSTGRES_DB", "polycopy")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?pool_max_conns=10&pool_min_conns=2",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Keep slow queries from stalling the signal pipeline.
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		Password:     getEnv("REDIS_PASSWORD", ""),
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	store := &PostgresStore{pool: pool, redis: rdb}
	if err := store.ensureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	log.Printf("[Storage] Connected to postgres (%s) and redis", dbname)
	return store, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Close releases the pool and redis connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return s.redis.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS copy_configs (
			id TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL,
			trader_address TEXT NOT NULL,
			trader_name TEXT NOT NULL DEFAULT '',
			side_filter TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			size_scale DOUBLE PRECISION NOT NULL DEFAULT 0,
			fixed_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			min_size_per_trade DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_size_per_trade DOUBLE PRECISION NOT NULL DEFAULT 0,
			min_trigger_size DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_odds DOUBLE PRECISION NOT NULL DEFAULT 0,
			min_liquidity DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_slippage DOUBLE PRECISION NOT NULL DEFAULT 0,
			slippage_type TEXT NOT NULL DEFAULT 'AUTO',
			stop_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
			sell_mode TEXT NOT NULL DEFAULT 'NORMAL',
			direction TEXT NOT NULL DEFAULT 'COPY',
			execution_mode TEXT NOT NULL DEFAULT 'SIMULATION',
			strategy_profile TEXT NOT NULL DEFAULT 'MODERATE',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_copy_configs_trader
			ON copy_configs (trader_address) WHERE is_active`,
		`CREATE TABLE IF NOT EXISTS copy_trades (
			id TEXT PRIMARY KEY,
			config_id TEXT NOT NULL,
			original_trader TEXT NOT NULL,
			original_side TEXT NOT NULL,
			leader_side TEXT NOT NULL DEFAULT '',
			original_size DOUBLE PRECISION NOT NULL DEFAULT 0,
			original_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			original_tx_hash TEXT NOT NULL,
			market_slug TEXT NOT NULL DEFAULT '',
			condition_id TEXT NOT NULL DEFAULT '',
			token_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			copy_size DOUBLE PRECISION NOT NULL DEFAULT 0,
			copy_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			exec_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			filled_shares DOUBLE PRECISION NOT NULL DEFAULT 0,
			fee_paid DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			realized_pnl DOUBLE PRECISION,
			tx_hash TEXT NOT NULL DEFAULT '',
			detected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			executed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_copy_trades_config_orig
			ON copy_trades (config_id, original_tx_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_copy_trades_config_status
			ON copy_trades (config_id, status)`,
		`CREATE TABLE IF NOT EXISTS positions (
			wallet_address TEXT NOT NULL,
			token_id TEXT NOT NULL,
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_entry_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (wallet_address, token_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

const configColumns = `id, wallet_address, trader_address, trader_name, side_filter,
	mode, size_scale, fixed_amount, min_size_per_trade, max_size_per_trade,
	min_trigger_size, max_odds, min_liquidity, max_slippage, slippage_type,
	stop_loss, sell_mode, direction, execution_mode, strategy_profile,
	is_active, created_at, updated_at`

func scanConfig(row pgx.Row) (*models.CopyConfig, error) {
	var c models.CopyConfig
	err := row.Scan(&c.ID, &c.WalletAddress, &c.TraderAddress, &c.TraderName, &c.SideFilter,
		&c.Mode, &c.SizeScale, &c.FixedAmount, &c.MinSizePerTrade, &c.MaxSizePerTrade,
		&c.MinTriggerSize, &c.MaxOdds, &c.MinLiquidity, &c.MaxSlippage, &c.SlippageType,
		&c.StopLoss, &c.SellMode, &c.Direction, &c.ExecutionMode, &c.StrategyProfile,
		&c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConfig fetches one config by ID, or nil when absent.
func (s *PostgresStore) GetConfig(ctx context.Context, id string) (*models.CopyConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM copy_configs WHERE id = $1`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get config: %w", err)
	}
	return cfg, nil
}

// GetActiveConfigsForTrader returns active configs following a leader,
// served from redis when fresh.
func (s *PostgresStore) GetActiveConfigsForTrader(ctx context.Context, traderAddress string) ([]models.CopyConfig, error) {
	cacheKey := "configs:" + traderAddress
	if data, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
		var cached []models.CopyConfig
		if json.Unmarshal(data, &cached) == nil {
			return cached, nil
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+configColumns+` FROM copy_configs WHERE trader_address = $1 AND is_active`, traderAddress)
	if err != nil {
		return nil, fmt.Errorf("postgres: active configs: %w", err)
	}
	defer rows.Close()

	var configs []models.CopyConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan config: %w", err)
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if data, err := json.Marshal(configs); err == nil {
		s.redis.Set(ctx, cacheKey, data, configCacheTTL)
	}
	return configs, nil
}

// GetFollowedTraders lists distinct leaders with at least one active config.
func (s *PostgresStore) GetFollowedTraders(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT trader_address FROM copy_configs WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("postgres: followed traders: %w", err)
	}
	defer rows.Close()

	var traders []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		traders = append(traders, addr)
	}
	return traders, rows.Err()
}

// SaveConfig upserts a config and invalidates its cache entry.
func (s *PostgresStore) SaveConfig(ctx context.Context, cfg *models.CopyConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO copy_configs (`+configColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			wallet_address = EXCLUDED.wallet_address,
			trader_address = EXCLUDED.trader_address,
			trader_name = EXCLUDED.trader_name,
			side_filter = EXCLUDED.side_filter,
			mode = EXCLUDED.mode,
			size_scale = EXCLUDED.size_scale,
			fixed_amount = EXCLUDED.fixed_amount,
			min_size_per_trade = EXCLUDED.min_size_per_trade,
			max_size_per_trade = EXCLUDED.max_size_per_trade,
			min_trigger_size = EXCLUDED.min_trigger_size,
			max_odds = EXCLUDED.max_odds,
			min_liquidity = EXCLUDED.min_liquidity,
			max_slippage = EXCLUDED.max_slippage,
			slippage_type = EXCLUDED.slippage_type,
			stop_loss = EXCLUDED.stop_loss,
			sell_mode = EXCLUDED.sell_mode,
			direction = EXCLUDED.direction,
			execution_mode = EXCLUDED.execution_mode,
			strategy_profile = EXCLUDED.strategy_profile,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		cfg.ID, cfg.WalletAddress, cfg.TraderAddress, cfg.TraderName, cfg.SideFilter,
		cfg.Mode, cfg.SizeScale, cfg.FixedAmount, cfg.MinSizePerTrade, cfg.MaxSizePerTrade,
		cfg.MinTriggerSize, cfg.MaxOdds, cfg.MinLiquidity, cfg.MaxSlippage, cfg.SlippageType,
		cfg.StopLoss, cfg.SellMode, cfg.Direction, cfg.ExecutionMode, cfg.StrategyProfile,
		cfg.IsActive)
	if err != nil {
		return fmt.Errorf("postgres: save config: %w", err)
	}

	s.redis.Del(ctx, "configs:"+cfg.TraderAddress)
	return nil
}

// DeactivateConfig flips is_active off; reports whether this call did it.
func (s *PostgresStore) DeactivateConfig(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE copy_configs SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_active`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: deactivate config: %w", err)
	}

	if tag.RowsAffected() > 0 {
		// Invalidate the per-trader cache so the next signal sees it gone.
		var trader string
		if err := s.pool.QueryRow(ctx, `SELECT trader_address FROM copy_configs WHERE id = $1`, id).Scan(&trader); err == nil {
			s.redis.Del(ctx, "configs:"+trader)
		}
		return true, nil
	}
	return false, nil
}

// CreateCopyTrade inserts a ledger row. The unique (config_id,
// original_tx_hash) index turns concurrent duplicates into ErrDuplicateTrade.
func (s *PostgresStore) CreateCopyTrade(ctx context.Context, t *models.CopyTrade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO copy_trades (id, config_id, original_trader, original_side, leader_side,
			original_size, original_price, original_tx_hash, market_slug, condition_id,
			token_id, outcome, copy_size, copy_price, exec_price, filled_shares, fee_paid,
			status, error_message, realized_pnl, tx_hash, detected_at, executed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		t.ID, t.ConfigID, t.OriginalTrader, t.OriginalSide, t.LeaderSide,
		t.OriginalSize, t.OriginalPrice, t.OriginalTxHash, t.MarketSlug, t.ConditionID,
		t.TokenID, t.Outcome, t.CopySize, t.CopyPrice, t.ExecPrice, t.FilledShares, t.FeePaid,
		t.Status, t.ErrorMessage, t.RealizedPnL, t.TxHash, t.DetectedAt, t.ExecutedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTrade
		}
		return fmt.Errorf("postgres: create copy trade: %w", err)
	}
	return nil
}

// FinalizeCopyTrade moves a PENDING row to its terminal status.
func (s *PostgresStore) FinalizeCopyTrade(ctx context.Context, id string, o TradeOutcome) error {
	executedAt := o.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE copy_trades SET
			status = $2,
			exec_price = $3,
			filled_shares = $4,
			copy_size = CASE WHEN $5 > 0 THEN $5 ELSE copy_size END,
			fee_paid = $6,
			tx_hash = CASE WHEN $7 <> '' THEN $7 ELSE tx_hash END,
			error_message = $8,
			realized_pnl = $9,
			executed_at = $10
		WHERE id = $1 AND status = 'PENDING'`,
		id, o.Status, o.ExecPrice, o.FilledShares, o.CopySize, o.FeePaid,
		o.TxHash, o.ErrorMessage, o.RealizedPnL, executedAt)
	if err != nil {
		return fmt.Errorf("postgres: finalize copy trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: finalize copy trade %s: row not PENDING", id)
	}
	return nil
}

// SumRealizedPnL aggregates realized PnL over a config's settled trades.
func (s *PostgresStore) SumRealizedPnL(ctx context.Context, configID string) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0) FROM copy_trades
		WHERE config_id = $1 AND realized_pnl IS NOT NULL`, configID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum realized pnl: %w", err)
	}
	return sum, nil
}

// GetCopyTrade fetches one ledger row, or nil when absent.
func (s *PostgresStore) GetCopyTrade(ctx context.Context, id string) (*models.CopyTrade, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, config_id, original_trader, original_side, leader_side,
			original_size, original_price, original_tx_hash, market_slug, condition_id,
			token_id, outcome, copy_size, copy_price, exec_price, filled_shares, fee_paid,
			status, error_message, realized_pnl, tx_hash, detected_at, executed_at
		FROM copy_trades WHERE id = $1`, id)

	var t models.CopyTrade
	err := row.Scan(&t.ID, &t.ConfigID, &t.OriginalTrader, &t.OriginalSide, &t.LeaderSide,
		&t.OriginalSize, &t.OriginalPrice, &t.OriginalTxHash, &t.MarketSlug, &t.ConditionID,
		&t.TokenID, &t.Outcome, &t.CopySize, &t.CopyPrice, &t.ExecPrice, &t.FilledShares, &t.FeePaid,
		&t.Status, &t.ErrorMessage, &t.RealizedPnL, &t.TxHash, &t.DetectedAt, &t.ExecutedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get copy trade: %w", err)
	}
	return &t, nil
}

// GetPosition fetches a holding, or nil when the wallet holds nothing.
func (s *PostgresStore) GetPosition(ctx context.Context, wallet, tokenID string) (*models.Position, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT wallet_address, token_id, balance, total_cost, avg_entry_price, updated_at
		FROM positions WHERE wallet_address = $1 AND token_id = $2`, wallet, tokenID)

	var p models.Position
	err := row.Scan(&p.WalletAddress, &p.TokenID, &p.Balance, &p.TotalCost, &p.AvgEntryPrice, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get position: %w", err)
	}
	return &p, nil
}

// GetPositionsForToken lists every wallet holding a token (settlement sweep).
func (s *PostgresStore) GetPositionsForToken(ctx context.Context, tokenID string) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT wallet_address, token_id, balance, total_cost, avg_entry_price, updated_at
		FROM positions WHERE token_id = $1 AND balance > 0`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("postgres: positions for token: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		var p models.Position
		if err := rows.Scan(&p.WalletAddress, &p.TokenID, &p.Balance, &p.TotalCost, &p.AvgEntryPrice, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ApplyBuy blends a fill into the position at weighted average cost. The
// single upsert keeps concurrent buys consistent without a transaction.
func (s *PostgresStore) ApplyBuy(ctx context.Context, wallet, tokenID string, shares, costUSDC float64) (*models.Position, error) {
	if shares <= 0 {
		return nil, fmt.Errorf("postgres: apply buy: non-positive shares %f", shares)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO positions (wallet_address, token_id, balance, total_cost, avg_entry_price, updated_at)
		VALUES ($1, $2, $3, $4, CASE WHEN $3 > 0 THEN $4 / $3 ELSE 0 END, NOW())
		ON CONFLICT (wallet_address, token_id) DO UPDATE SET
			balance = positions.balance + EXCLUDED.balance,
			total_cost = positions.total_cost + EXCLUDED.total_cost,
			avg_entry_price = CASE WHEN positions.balance + EXCLUDED.balance > 0
				THEN (positions.total_cost + EXCLUDED.total_cost) / (positions.balance + EXCLUDED.balance)
				ELSE 0 END,
			updated_at = NOW()
		RETURNING wallet_address, token_id, balance, total_cost, avg_entry_price, updated_at`,
		wallet, tokenID, shares, costUSDC)

	var p models.Position
	if err := row.Scan(&p.WalletAddress, &p.TokenID, &p.Balance, &p.TotalCost, &p.AvgEntryPrice, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("postgres: apply buy: %w", err)
	}
	return &p, nil
}

// ApplySell reduces the position, capping at the held balance, and returns the
// shares actually sold plus realized PnL at the stored average entry price.
func (s *PostgresStore) ApplySell(ctx context.Context, wallet, tokenID string, shares, execPrice float64) (float64, float64, error) {
	if shares <= 0 {
		return 0, 0, fmt.Errorf("postgres: apply sell: non-positive shares %f", shares)
	}

	row := s.pool.QueryRow(ctx, `
		WITH cur AS (
			SELECT wallet_address, token_id, balance, avg_entry_price
			FROM positions
			WHERE wallet_address = $1 AND token_id = $2
			FOR UPDATE
		), upd AS (
			UPDATE positions p SET
				balance = GREATEST(cur.balance - LEAST($3, cur.balance), 0),
				total_cost = GREATEST(p.total_cost - LEAST($3, cur.balance) * cur.avg_entry_price, 0),
				avg_entry_price = CASE WHEN cur.balance - LEAST($3, cur.balance) > 0.000001
					THEN p.avg_entry_price ELSE 0 END,
				updated_at = NOW()
			FROM cur
			WHERE p.wallet_address = cur.wallet_address AND p.token_id = cur.token_id
			RETURNING LEAST($3, cur.balance) AS sold, cur.avg_entry_price AS avg_price
		)
		SELECT sold, avg_price FROM upd`,
		wallet, tokenID, shares)

	var sold, avgPrice float64
	err := row.Scan(&sold, &avgPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil // no position held
	}
	if err != nil {
		return 0, 0, fmt.Errorf("postgres: apply sell: %w", err)
	}

	realized := sold * (execPrice - avgPrice)
	return sold, realized, nil
}

// DeletePosition removes the row (used after settlement).
func (s *PostgresStore) DeletePosition(ctx context.Context, wallet, tokenID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE wallet_address = $1 AND token_id = $2`, wallet, tokenID)
	if err != nil {
		return fmt.Errorf("postgres: delete position: %w", err)
	}
	return nil
}
