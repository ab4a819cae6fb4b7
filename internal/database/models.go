package database

import "time"

// StrategyRecord is a configured strategy definition.
type StrategyRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Symbol       string            `json:"symbol"`
	Leverage     int               `json:"leverage"`
	RiskPerTrade float64           `json:"risk_per_trade"`
	Params       map[string]string `json:"params"`
	Enabled      bool              `json:"enabled"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Trade statuses.
const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
)

// Trade is one opened (and possibly closed) position.
type Trade struct {
	ID         int64      `json:"id"`
	StrategyID string     `json:"strategy_id"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"` // LONG or SHORT
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	Quantity   float64    `json:"quantity"`
	PnL        *float64   `json:"pnl,omitempty"`
	ExitReason *string    `json:"exit_reason,omitempty"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// JournalEntry is one executed exchange order.
type JournalEntry struct {
	OrderID       int64     `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	StrategyID    string    `json:"strategy_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // BUY or SELL
	OrderType     string    `json:"order_type"`
	Status        string    `json:"status"`
	Price         float64   `json:"price"`
	AvgPrice      float64   `json:"avg_price"`
	ExecutedQty   float64   `json:"executed_qty"`
	ReduceOnly    bool      `json:"reduce_only"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
