// Package tuning is the engine-side contract for an external parameter
// tuner: it feeds performance snapshots out and applies parameter updates
// in, with debouncing so the tuner cannot thrash a live strategy.
package tuning

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/events"
	"binance-futures-engine/internal/logging"
	"binance-futures-engine/internal/stats"
)

// Config bounds how often parameter updates may be applied.
type Config struct {
	MinTimeBetweenTuningHours float64 `json:"min_time_between_tuning_hours"`
	MinTrades                 int     `json:"min_trades"`
	SnapshotDays              int     `json:"snapshot_days"`
}

// DefaultConfig returns the tuning guard defaults.
func DefaultConfig() Config {
	return Config{
		MinTimeBetweenTuningHours: 24,
		MinTrades:                 20,
		SnapshotDays:              30,
	}
}

// ParamUpdater applies new parameters to a running strategy.
type ParamUpdater interface {
	UpdateParams(strategyID string, params map[string]string) error
}

// RejectedError explains why a tune request was refused.
type RejectedError struct {
	StrategyID string
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("tune rejected for %s: %s", e.StrategyID, e.Reason)
}

// Trigger gates parameter updates behind trade-count and cooldown checks.
type Trigger struct {
	cfg     Config
	stats   *stats.Service
	updater ParamUpdater
	log     zerolog.Logger

	mu        sync.Mutex
	lastTuned map[string]time.Time
	eligible  map[string]bool
}

// NewTrigger creates a trigger bound to a statistics service and the
// runner pool that will receive parameter updates.
func NewTrigger(cfg Config, statsSvc *stats.Service, updater ParamUpdater) *Trigger {
	if cfg.SnapshotDays <= 0 {
		cfg.SnapshotDays = 30
	}
	return &Trigger{
		cfg:       cfg,
		stats:     statsSvc,
		updater:   updater,
		log:       logging.Component("tuning"),
		lastTuned: make(map[string]time.Time),
		eligible:  make(map[string]bool),
	}
}

// WatchBus re-evaluates tuning eligibility every time a trade closes, so an
// external tuner can poll Eligible instead of recomputing statistics.
func (t *Trigger) WatchBus(bus *events.Bus) {
	bus.Subscribe(events.EventTradeClosed, func(e events.Event) {
		id, _ := e.Data["strategy"].(string)
		if id == "" {
			return
		}
		ok, reason := t.ShouldTune(id)

		t.mu.Lock()
		was := t.eligible[id]
		t.eligible[id] = ok
		t.mu.Unlock()

		switch {
		case ok && !was:
			t.log.Info().Str("strategy_id", id).Msg("strategy eligible for parameter tuning")
		case !ok:
			t.log.Debug().Str("strategy_id", id).Str("reason", reason).Msg("tuning not due")
		}
	})
}

// Eligible reports whether the latest trade-close evaluation found the
// strategy ready for a parameter update.
func (t *Trigger) Eligible(strategyID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eligible[strategyID]
}

// RecordTrade pushes one executed order into the performance journal.
func (t *Trigger) RecordTrade(rec stats.TradeRecord) {
	t.stats.Record(rec)
}

// Snapshot returns the windowed performance view for a strategy. days <= 0
// uses the configured default window.
func (t *Trigger) Snapshot(strategyID string, days int) stats.PerformanceSnapshot {
	if days <= 0 {
		days = t.cfg.SnapshotDays
	}
	return t.stats.PerformanceSnapshot(strategyID, days)
}

// ShouldTune reports whether a parameter update would currently be
// accepted, with the blocking reason when it would not.
func (t *Trigger) ShouldTune(strategyID string) (bool, string) {
	st := t.stats.StrategyStats(strategyID)
	if st.CompletedTrades < t.cfg.MinTrades {
		return false, fmt.Sprintf("only %d of %d required trades", st.CompletedTrades, t.cfg.MinTrades)
	}

	t.mu.Lock()
	last, tuned := t.lastTuned[strategyID]
	t.mu.Unlock()

	minGap := time.Duration(t.cfg.MinTimeBetweenTuningHours * float64(time.Hour))
	if tuned && time.Since(last) < minGap {
		return false, fmt.Sprintf("last tune %s ago, minimum gap %s", time.Since(last).Round(time.Minute), minGap)
	}
	return true, ""
}

// ApplyParams validates the debounce guards, forwards the new parameters
// to the runner, and records the tune time on success.
func (t *Trigger) ApplyParams(strategyID string, params map[string]string) error {
	ok, reason := t.ShouldTune(strategyID)
	if !ok {
		return &RejectedError{StrategyID: strategyID, Reason: reason}
	}

	if err := t.updater.UpdateParams(strategyID, params); err != nil {
		return fmt.Errorf("error applying parameters to %s: %w", strategyID, err)
	}

	t.mu.Lock()
	t.lastTuned[strategyID] = time.Now()
	t.eligible[strategyID] = false // the cooldown starts now
	t.mu.Unlock()

	t.log.Info().Str("strategy_id", strategyID).Interface("params", params).Msg("parameters applied")
	return nil
}
