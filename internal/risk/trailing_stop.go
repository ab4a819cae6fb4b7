// Package risk implements position sizing and stop management.
package risk

import (
	"binance-futures-engine/internal/events"
)

// PositionType is the direction a trailing stop protects.
type PositionType string

const (
	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"
)

// Exit is the trailing stop exit classification.
type Exit string

const (
	ExitTP Exit = "TP"
	ExitSL Exit = "SL"
)

// TrailingStopConfig configures a trailing stop for one open position.
type TrailingStopConfig struct {
	Symbol        string
	EntryPrice    float64
	TakeProfitPct float64
	StopLossPct   float64
	PositionType  PositionType
	// ActivationPct is the favorable move required before trailing starts.
	// Zero activates at the entry price.
	ActivationPct float64
	Bus           *events.Bus
}

// TrailingStop ratchets TP and SL levels in the favorable direction as
// price improves. It is owned by a single strategy instance and is not safe
// for concurrent use.
type TrailingStop struct {
	cfg TrailingStopConfig

	bestPrice float64
	currentTP float64
	currentSL float64
	activated bool
}

// NewTrailingStop seeds a trailing stop from the entry price.
func NewTrailingStop(cfg TrailingStopConfig) *TrailingStop {
	ts := &TrailingStop{cfg: cfg}
	ts.Reset(cfg.EntryPrice)
	return ts
}

// Reset re-seeds all levels from a new entry price.
func (ts *TrailingStop) Reset(entryPrice float64) {
	ts.cfg.EntryPrice = entryPrice
	ts.bestPrice = entryPrice
	ts.activated = false

	if ts.cfg.PositionType == PositionLong {
		ts.currentTP = entryPrice * (1 + ts.cfg.TakeProfitPct)
		ts.currentSL = entryPrice * (1 - ts.cfg.StopLossPct)
	} else {
		ts.currentTP = entryPrice * (1 - ts.cfg.TakeProfitPct)
		ts.currentSL = entryPrice * (1 + ts.cfg.StopLossPct)
	}
}

// activationPrice is the price at which trailing engages.
func (ts *TrailingStop) activationPrice() float64 {
	if ts.cfg.PositionType == PositionLong {
		return ts.cfg.EntryPrice * (1 + ts.cfg.ActivationPct)
	}
	return ts.cfg.EntryPrice * (1 - ts.cfg.ActivationPct)
}

// Update advances the stop with a new price observation. Before activation
// it does nothing. Once activated, a price that improves the best seen
// recomputes TP and SL from it, so levels only ever move favorably.
// Returns true when levels actually moved.
func (ts *TrailingStop) Update(price float64) bool {
	if !ts.activated {
		if ts.cfg.PositionType == PositionLong && price >= ts.activationPrice() {
			ts.activated = true
		} else if ts.cfg.PositionType == PositionShort && price <= ts.activationPrice() {
			ts.activated = true
		} else {
			return false
		}
	}

	improved := false
	if ts.cfg.PositionType == PositionLong && price > ts.bestPrice {
		ts.bestPrice = price
		ts.currentTP = price * (1 + ts.cfg.TakeProfitPct)
		ts.currentSL = price * (1 - ts.cfg.StopLossPct)
		improved = true
	} else if ts.cfg.PositionType == PositionShort && price < ts.bestPrice {
		ts.bestPrice = price
		ts.currentTP = price * (1 - ts.cfg.TakeProfitPct)
		ts.currentSL = price * (1 + ts.cfg.StopLossPct)
		improved = true
	}

	if improved && ts.cfg.Bus != nil {
		ts.cfg.Bus.PublishTrailUpdate(ts.cfg.Symbol, string(ts.cfg.PositionType), ts.bestPrice, ts.currentTP, ts.currentSL)
	}
	return improved
}

// CheckExit compares price against the current levels and reports whether
// the position should close.
func (ts *TrailingStop) CheckExit(price float64) (Exit, bool) {
	if ts.cfg.PositionType == PositionLong {
		if price >= ts.currentTP {
			return ExitTP, true
		}
		if price <= ts.currentSL {
			return ExitSL, true
		}
		return "", false
	}

	if price <= ts.currentTP {
		return ExitTP, true
	}
	if price >= ts.currentSL {
		return ExitSL, true
	}
	return "", false
}

// Levels returns the current TP and SL.
func (ts *TrailingStop) Levels() (tp, sl float64) {
	return ts.currentTP, ts.currentSL
}

// BestPrice returns the best price observed since activation.
func (ts *TrailingStop) BestPrice() float64 { return ts.bestPrice }

// Activated reports whether trailing has engaged.
func (ts *TrailingStop) Activated() bool { return ts.activated }
