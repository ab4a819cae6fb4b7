package strategy

import (
	"binance-futures-engine/internal/binance"
)

// Action is the kind of trading signal an evaluation produces.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionHold  Action = "HOLD"
	ActionClose Action = "CLOSE"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Exit reasons attached to CLOSE signals.
const (
	ExitTakeProfit     = "TP"
	ExitStopLoss       = "SL"
	ExitTrailingTP     = "TRAILING_TP"
	ExitTrailingSL     = "TRAILING_SL"
	ExitEMADeathCross  = "EMA_DEATH_CROSS"
	ExitEMAGoldenCross = "EMA_GOLDEN_CROSS"
	ExitRangeSL        = "SL_RANGE"
	ExitRangeTPHigh    = "TP_RANGE_HIGH"
	ExitRangeTPLow     = "TP_RANGE_LOW"
	ExitRangeTPMid     = "TP_RANGE_MID"
)

// Signal is the outcome of one strategy evaluation. BUY and SELL open a
// position; CLOSE flattens the current one with ExitReason set; HOLD does
// nothing.
type Signal struct {
	Action       Action       `json:"action"`
	Symbol       string       `json:"symbol"`
	Confidence   float64      `json:"confidence"`
	Price        float64      `json:"price,omitempty"`
	ExitReason   string       `json:"exit_reason,omitempty"`
	PositionSide PositionSide `json:"position_side,omitempty"`
}

// Hold is the no-op signal.
func Hold(symbol string) *Signal {
	return &Signal{Action: ActionHold, Symbol: symbol}
}

// Context is the immutable configuration a strategy instance is built from.
type Context struct {
	ID              string
	Name            string
	Symbol          string
	Leverage        int
	RiskPerTrade    float64
	Params          map[string]string
	IntervalSeconds int
}

// MarketFeed supplies market data to evaluators. Implementations prefer the
// shared stream buffers and fall back to REST.
type MarketFeed interface {
	Klines(symbol, interval string, limit int) ([]binance.Kline, error)
	Price(symbol string) (float64, error)
}

// Snapshot carries the runtime state that survives a hot parameter swap.
type Snapshot struct {
	Position               PositionSide
	EntryPrice             float64
	EntryCandleCloseTime   int64
	LastProcessedCloseTime int64
}

// Strategy is the narrow capability set every evaluator implements.
type Strategy interface {
	Name() string
	Symbol() string
	Interval() string

	// Evaluate runs one evaluation cycle and returns a signal.
	Evaluate() (*Signal, error)

	// SyncPositionState aligns runtime state with the exchange's reported
	// position. An empty side means flat; entering flat from a position
	// arms the cooldown.
	SyncPositionState(side PositionSide, entryPrice float64)

	// Snapshot and Restore support hot parameter swaps: the runner rebuilds
	// the instance from new parameters and carries the old state over.
	Snapshot() Snapshot
	Restore(Snapshot)

	// Teardown releases any resources held by the instance.
	Teardown()
}
