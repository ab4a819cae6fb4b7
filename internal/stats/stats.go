// Package stats derives realized performance from a journal of executed
// orders by FIFO lot matching.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/logging"
)

const summaryCacheTTL = 30 * time.Second

// TradeRecord is one executed order in the journal.
type TradeRecord struct {
	StrategyID      string  `json:"strategy_id"`
	OrderID         int64   `json:"order_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"` // BUY or SELL
	ExecutedQty     float64 `json:"executed_qty"`
	AvgPrice        float64 `json:"avg_price"`
	Commission      float64 `json:"commission"`
	CommissionAsset string  `json:"commission_asset"`
	Timestamp       int64   `json:"timestamp"`
}

// CompletedTrade is a closed lot produced by FIFO matching.
type CompletedTrade struct {
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // LONG or SHORT
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`
	ClosedAt   int64   `json:"closed_at"`
}

// StrategyStats aggregates one strategy's realized results.
type StrategyStats struct {
	StrategyID      string  `json:"strategy_id"`
	TotalOrders     int     `json:"total_orders"`
	CompletedTrades int     `json:"completed_trades"`
	TotalPnL        float64 `json:"total_pnl"`
	WinRate         float64 `json:"win_rate"`
	LargestWin      float64 `json:"largest_win"`
	LargestLoss     float64 `json:"largest_loss"`
	AvgPnL          float64 `json:"avg_pnl"`
}

// Summary aggregates across all strategies.
type Summary struct {
	TotalOrders     int                      `json:"total_orders"`
	CompletedTrades int                      `json:"completed_trades"`
	TotalPnL        float64                  `json:"total_pnl"`
	WinRate         float64                  `json:"win_rate"`
	LargestWin      float64                  `json:"largest_win"`
	LargestLoss     float64                  `json:"largest_loss"`
	AvgPnL          float64                  `json:"avg_pnl"`
	BestStrategy    string                   `json:"best_strategy"`
	WorstStrategy   string                   `json:"worst_strategy"`
	PerStrategy     map[string]StrategyStats `json:"per_strategy"`
	GeneratedAt     time.Time                `json:"generated_at"`
}

// PerformanceSnapshot is the windowed view consumed by the auto-tuner.
type PerformanceSnapshot struct {
	StrategyID   string  `json:"strategy_id"`
	Days         int     `json:"days"`
	ReturnPct    float64 `json:"return_pct"`
	Sharpe       float64 `json:"sharpe"`
	DrawdownPct  float64 `json:"drawdown_pct"`
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	TradeCount   int     `json:"trade_count"`
}

// Service keeps the in-memory order journal and computes statistics on
// demand. The overall summary is cached for up to 30 seconds.
type Service struct {
	log zerolog.Logger

	mu       sync.Mutex
	journal  map[string][]TradeRecord
	summary  *Summary
	cachedAt time.Time
}

// NewService creates an empty statistics service.
func NewService() *Service {
	return &Service{
		log:     logging.Component("stats"),
		journal: make(map[string][]TradeRecord),
	}
}

// Record appends an executed order to the journal and invalidates the
// summary cache.
func (s *Service) Record(t TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal[t.StrategyID] = append(s.journal[t.StrategyID], t)
	s.summary = nil
}

// lot is an open position slice awaiting a matching close.
type lot struct {
	qty   float64
	price float64
	side  string // LONG or SHORT
}

// matchFIFO walks an ordered journal keeping a FIFO queue of open lots.
// A BUY first reduces the oldest SHORT lots, then opens LONG lots with any
// residual; a SELL is symmetric. Each reduction emits a completed trade.
func matchFIFO(strategyID string, records []TradeRecord) []CompletedTrade {
	var open []lot
	var completed []CompletedTrade

	for _, rec := range records {
		qty := rec.ExecutedQty
		if qty <= 0 {
			continue
		}

		closes, opens := "SHORT", "LONG"
		if rec.Side == "SELL" {
			closes, opens = "LONG", "SHORT"
		}

		for qty > 0 && len(open) > 0 && open[0].side == closes {
			l := &open[0]
			matched := math.Min(qty, l.qty)

			pnl := (rec.AvgPrice - l.price) * matched
			if closes == "SHORT" {
				pnl = (l.price - rec.AvgPrice) * matched
			}
			completed = append(completed, CompletedTrade{
				StrategyID: strategyID,
				Symbol:     rec.Symbol,
				Side:       closes,
				Quantity:   matched,
				EntryPrice: l.price,
				ExitPrice:  rec.AvgPrice,
				PnL:        pnl,
				ClosedAt:   rec.Timestamp,
			})

			qty -= matched
			l.qty -= matched
			if l.qty <= 1e-12 {
				open = open[1:]
			}
		}

		if qty > 0 {
			open = append(open, lot{qty: qty, price: rec.AvgPrice, side: opens})
		}
	}
	return completed
}

// CompletedTrades returns the FIFO-matched closed trades for a strategy.
func (s *Service) CompletedTrades(strategyID string) []CompletedTrade {
	s.mu.Lock()
	records := append([]TradeRecord(nil), s.journal[strategyID]...)
	s.mu.Unlock()
	return matchFIFO(strategyID, records)
}

func aggregate(strategyID string, orders int, completed []CompletedTrade) StrategyStats {
	st := StrategyStats{StrategyID: strategyID, TotalOrders: orders, CompletedTrades: len(completed)}
	if len(completed) == 0 {
		return st
	}

	wins := 0
	for _, t := range completed {
		st.TotalPnL += t.PnL
		if t.PnL > 0 {
			wins++
		}
		if t.PnL > st.LargestWin {
			st.LargestWin = t.PnL
		}
		if t.PnL < st.LargestLoss {
			st.LargestLoss = t.PnL
		}
	}
	st.WinRate = float64(wins) / float64(len(completed))
	st.AvgPnL = st.TotalPnL / float64(len(completed))
	return st
}

// StrategyStats computes the aggregate results for one strategy.
func (s *Service) StrategyStats(strategyID string) StrategyStats {
	s.mu.Lock()
	orders := len(s.journal[strategyID])
	records := append([]TradeRecord(nil), s.journal[strategyID]...)
	s.mu.Unlock()
	return aggregate(strategyID, orders, matchFIFO(strategyID, records))
}

// Summary returns the overall statistics, served from cache for up to 30
// seconds.
func (s *Service) Summary() Summary {
	s.mu.Lock()
	if s.summary != nil && time.Since(s.cachedAt) < summaryCacheTTL {
		cached := *s.summary
		s.mu.Unlock()
		return cached
	}
	journals := make(map[string][]TradeRecord, len(s.journal))
	for id, recs := range s.journal {
		journals[id] = append([]TradeRecord(nil), recs...)
	}
	s.mu.Unlock()

	sum := Summary{PerStrategy: make(map[string]StrategyStats), GeneratedAt: time.Now()}
	var allCompleted []CompletedTrade

	ids := make([]string, 0, len(journals))
	for id := range journals {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		completed := matchFIFO(id, journals[id])
		st := aggregate(id, len(journals[id]), completed)
		sum.PerStrategy[id] = st
		sum.TotalOrders += st.TotalOrders
		allCompleted = append(allCompleted, completed...)

		if sum.BestStrategy == "" || st.TotalPnL > sum.PerStrategy[sum.BestStrategy].TotalPnL {
			sum.BestStrategy = id
		}
		if sum.WorstStrategy == "" || st.TotalPnL < sum.PerStrategy[sum.WorstStrategy].TotalPnL {
			sum.WorstStrategy = id
		}
	}

	overall := aggregate("", 0, allCompleted)
	sum.CompletedTrades = overall.CompletedTrades
	sum.TotalPnL = overall.TotalPnL
	sum.WinRate = overall.WinRate
	sum.LargestWin = overall.LargestWin
	sum.LargestLoss = overall.LargestLoss
	sum.AvgPnL = overall.AvgPnL

	s.mu.Lock()
	s.summary = &sum
	s.cachedAt = sum.GeneratedAt
	s.mu.Unlock()
	return sum
}

// PerformanceSnapshot computes the windowed metrics feeding auto-tune
// decisions. Per-trade returns are measured against the entry notional.
func (s *Service) PerformanceSnapshot(strategyID string, days int) PerformanceSnapshot {
	if days <= 0 {
		days = 30
	}
	snap := PerformanceSnapshot{StrategyID: strategyID, Days: days}

	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	var window []CompletedTrade
	for _, t := range s.CompletedTrades(strategyID) {
		if t.ClosedAt >= cutoff {
			window = append(window, t)
		}
	}
	snap.TradeCount = len(window)
	if len(window) == 0 {
		return snap
	}

	var returns []float64
	wins := 0
	grossWin, grossLoss := 0.0, 0.0
	cumulative, peak, maxDrawdown := 0.0, 0.0, 0.0

	for _, t := range window {
		notional := t.EntryPrice * t.Quantity
		if notional > 0 {
			returns = append(returns, t.PnL/notional)
		}
		if t.PnL > 0 {
			wins++
			grossWin += t.PnL
		} else {
			grossLoss += -t.PnL
		}

		cumulative += t.PnL
		if cumulative > peak {
			peak = cumulative
		}
		if peak > 0 {
			if dd := (peak - cumulative) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	snap.WinRate = float64(wins) / float64(len(window))
	snap.DrawdownPct = maxDrawdown * 100
	if grossLoss > 0 {
		snap.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		snap.ProfitFactor = math.Inf(1)
	}

	if len(returns) > 0 {
		mean := 0.0
		for _, r := range returns {
			mean += r
		}
		mean /= float64(len(returns))
		snap.ReturnPct = mean * float64(len(returns)) * 100

		variance := 0.0
		for _, r := range returns {
			variance += (r - mean) * (r - mean)
		}
		variance /= float64(len(returns))
		if std := math.Sqrt(variance); std > 0 {
			snap.Sharpe = mean / std * math.Sqrt(float64(len(returns)))
		}
	}
	return snap
}
