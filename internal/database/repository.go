package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// STRATEGIES
// ============================================================================

// UpsertStrategy inserts or updates a strategy definition
func (r *Repository) UpsertStrategy(ctx context.Context, rec *StrategyRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("error marshalling strategy params: %w", err)
	}
	query := `
		INSERT INTO strategies (id, name, type, symbol, leverage, risk_per_trade, params, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			symbol = EXCLUDED.symbol,
			leverage = EXCLUDED.leverage,
			risk_per_trade = EXCLUDED.risk_per_trade,
			params = EXCLUDED.params,
			enabled = EXCLUDED.enabled,
			updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		rec.ID, rec.Name, rec.Type, rec.Symbol, rec.Leverage, rec.RiskPerTrade, params, rec.Enabled,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

// GetStrategy retrieves a strategy by ID, or nil when it does not exist
func (r *Repository) GetStrategy(ctx context.Context, id string) (*StrategyRecord, error) {
	query := `
		SELECT id, name, type, symbol, leverage, risk_per_trade, params, enabled, created_at, updated_at
		FROM strategies
		WHERE id = $1
	`
	rec, err := scanStrategy(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetEnabledStrategies retrieves all enabled strategy definitions
func (r *Repository) GetEnabledStrategies(ctx context.Context) ([]*StrategyRecord, error) {
	query := `
		SELECT id, name, type, symbol, leverage, risk_per_trade, params, enabled, created_at, updated_at
		FROM strategies
		WHERE enabled = TRUE
		ORDER BY id
	`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StrategyRecord
	for rows.Next() {
		rec, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateStrategyParams replaces a strategy's parameter map
func (r *Repository) UpdateStrategyParams(ctx context.Context, id string, params map[string]string) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("error marshalling strategy params: %w", err)
	}
	query := `UPDATE strategies SET params = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	_, err = r.db.Pool.Exec(ctx, query, id, data)
	return err
}

// SetStrategyEnabled toggles a strategy
func (r *Repository) SetStrategyEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE strategies SET enabled = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, enabled)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*StrategyRecord, error) {
	rec := &StrategyRecord{}
	var params []byte
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Type, &rec.Symbol, &rec.Leverage, &rec.RiskPerTrade,
		&params, &rec.Enabled, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rec.Params); err != nil {
			return nil, fmt.Errorf("error unmarshalling strategy params: %w", err)
		}
	}
	return rec, nil
}

// ============================================================================
// TRADES
// ============================================================================

// CreateTrade inserts a new trade
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	if trade.Status == "" {
		trade.Status = TradeStatusOpen
	}
	query := `
		INSERT INTO trades (strategy_id, symbol, side, entry_price, quantity, entry_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		trade.StrategyID, trade.Symbol, trade.Side, trade.EntryPrice, trade.Quantity,
		trade.EntryTime, trade.Status,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
}

// CloseTrade records the exit of an open trade
func (r *Repository) CloseTrade(ctx context.Context, trade *Trade) error {
	query := `
		UPDATE trades
		SET exit_price = $2, exit_time = $3, pnl = $4, exit_reason = $5, status = $6,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		trade.ID, trade.ExitPrice, trade.ExitTime, trade.PnL, trade.ExitReason, TradeStatusClosed,
	)
	return err
}

// GetOpenTrade retrieves the open trade for a strategy, or nil when flat
func (r *Repository) GetOpenTrade(ctx context.Context, strategyID string) (*Trade, error) {
	query := `
		SELECT id, strategy_id, symbol, side, entry_price, exit_price, quantity, pnl,
		       exit_reason, entry_time, exit_time, status, created_at, updated_at
		FROM trades
		WHERE strategy_id = $1 AND status = $2
		ORDER BY entry_time DESC
		LIMIT 1
	`
	trade, err := scanTrade(r.db.Pool.QueryRow(ctx, query, strategyID, TradeStatusOpen))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return trade, err
}

// GetTradesByStrategy retrieves a strategy's trades, most recent first
func (r *Repository) GetTradesByStrategy(ctx context.Context, strategyID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, strategy_id, symbol, side, entry_price, exit_price, quantity, pnl,
		       exit_reason, entry_time, exit_time, status, created_at, updated_at
		FROM trades
		WHERE strategy_id = $1
		ORDER BY entry_time DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, strategyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func scanTrade(row rowScanner) (*Trade, error) {
	trade := &Trade{}
	err := row.Scan(
		&trade.ID, &trade.StrategyID, &trade.Symbol, &trade.Side, &trade.EntryPrice,
		&trade.ExitPrice, &trade.Quantity, &trade.PnL, &trade.ExitReason,
		&trade.EntryTime, &trade.ExitTime, &trade.Status, &trade.CreatedAt, &trade.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return trade, nil
}

// ============================================================================
// ORDER JOURNAL
// ============================================================================

// RecordOrder upserts an executed order into the journal
func (r *Repository) RecordOrder(ctx context.Context, entry *JournalEntry) error {
	query := `
		INSERT INTO order_journal (order_id, client_order_id, strategy_id, symbol, side,
			order_type, status, price, avg_price, executed_qty, reduce_only, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (order_id) DO UPDATE SET
			status = EXCLUDED.status,
			avg_price = EXCLUDED.avg_price,
			executed_qty = EXCLUDED.executed_qty,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		entry.OrderID, entry.ClientOrderID, entry.StrategyID, entry.Symbol, entry.Side,
		entry.OrderType, entry.Status, entry.Price, entry.AvgPrice, entry.ExecutedQty,
		entry.ReduceOnly, entry.CreatedAt,
	)
	return err
}

// GetOrdersByStrategy retrieves a strategy's order journal in execution order
func (r *Repository) GetOrdersByStrategy(ctx context.Context, strategyID string) ([]*JournalEntry, error) {
	query := `
		SELECT order_id, client_order_id, strategy_id, symbol, side, order_type, status,
		       price, avg_price, executed_qty, reduce_only, created_at, updated_at
		FROM order_journal
		WHERE strategy_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		entry := &JournalEntry{}
		err := rows.Scan(
			&entry.OrderID, &entry.ClientOrderID, &entry.StrategyID, &entry.Symbol,
			&entry.Side, &entry.OrderType, &entry.Status, &entry.Price, &entry.AvgPrice,
			&entry.ExecutedQty, &entry.ReduceOnly, &entry.CreatedAt, &entry.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
