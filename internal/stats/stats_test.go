package stats

import (
	"math"
	"testing"
	"time"
)

func record(strategyID, side string, qty, price float64, ts int64) TradeRecord {
	return TradeRecord{
		StrategyID:  strategyID,
		Symbol:      "BTCUSDT",
		Side:        side,
		ExecutedQty: qty,
		AvgPrice:    price,
		Timestamp:   ts,
	}
}

func TestFIFOMatchesLongRoundTrip(t *testing.T) {
	s := NewService()
	s.Record(record("s1", "BUY", 1, 100, 1000))
	s.Record(record("s1", "SELL", 1, 110, 2000))

	completed := s.CompletedTrades("s1")
	if len(completed) != 1 {
		t.Fatalf("got %d completed trades; want 1", len(completed))
	}
	ct := completed[0]
	if ct.Side != "LONG" {
		t.Errorf("side = %s; want LONG", ct.Side)
	}
	if ct.PnL != 10 {
		t.Errorf("pnl = %v; want 10", ct.PnL)
	}
	if ct.EntryPrice != 100 || ct.ExitPrice != 110 {
		t.Errorf("entry/exit = %v/%v", ct.EntryPrice, ct.ExitPrice)
	}
	if ct.ClosedAt != 2000 {
		t.Errorf("closed at = %d; want the exit timestamp", ct.ClosedAt)
	}
}

func TestFIFOMatchesShortPartially(t *testing.T) {
	s := NewService()
	s.Record(record("s1", "SELL", 2, 100, 1000))
	s.Record(record("s1", "BUY", 1, 90, 2000))

	completed := s.CompletedTrades("s1")
	if len(completed) != 1 {
		t.Fatalf("got %d completed trades; want 1", len(completed))
	}
	ct := completed[0]
	if ct.Side != "SHORT" {
		t.Errorf("side = %s; want SHORT", ct.Side)
	}
	if ct.Quantity != 1 {
		t.Errorf("quantity = %v; want the matched 1", ct.Quantity)
	}
	if ct.PnL != 10 {
		t.Errorf("short pnl = %v; want (100-90)*1 = 10", ct.PnL)
	}
}

func TestFIFOClosesOldestLotFirst(t *testing.T) {
	s := NewService()
	s.Record(record("s1", "BUY", 1, 100, 1000))
	s.Record(record("s1", "BUY", 1, 120, 2000))
	s.Record(record("s1", "SELL", 1, 110, 3000))

	completed := s.CompletedTrades("s1")
	if len(completed) != 1 {
		t.Fatalf("got %d completed trades; want 1", len(completed))
	}
	if completed[0].EntryPrice != 100 {
		t.Errorf("entry = %v; the oldest lot at 100 must close first", completed[0].EntryPrice)
	}
	if completed[0].PnL != 10 {
		t.Errorf("pnl = %v; want 10", completed[0].PnL)
	}
}

func TestFIFOSplitsAcrossLots(t *testing.T) {
	s := NewService()
	s.Record(record("s1", "BUY", 1, 100, 1000))
	s.Record(record("s1", "BUY", 1, 105, 2000))
	s.Record(record("s1", "SELL", 1.5, 110, 3000))

	completed := s.CompletedTrades("s1")
	if len(completed) != 2 {
		t.Fatalf("got %d completed trades; want 2", len(completed))
	}
	if completed[0].Quantity != 1 || completed[0].EntryPrice != 100 {
		t.Errorf("first match = %v @ %v", completed[0].Quantity, completed[0].EntryPrice)
	}
	if completed[1].Quantity != 0.5 || completed[1].EntryPrice != 105 {
		t.Errorf("second match = %v @ %v", completed[1].Quantity, completed[1].EntryPrice)
	}
}

func TestFIFOReversalOpensOppositeLot(t *testing.T) {
	s := NewService()
	s.Record(record("s1", "BUY", 1, 100, 1000))
	s.Record(record("s1", "SELL", 2, 110, 2000))
	s.Record(record("s1", "BUY", 1, 105, 3000))

	completed := s.CompletedTrades("s1")
	if len(completed) != 2 {
		t.Fatalf("got %d completed trades; want 2", len(completed))
	}
	if completed[0].Side != "LONG" || completed[0].PnL != 10 {
		t.Errorf("first trade = %s pnl %v; want LONG 10", completed[0].Side, completed[0].PnL)
	}
	// The residual SELL opened a short at 110, closed by the final BUY at 105.
	if completed[1].Side != "SHORT" || completed[1].PnL != 5 {
		t.Errorf("second trade = %s pnl %v; want SHORT 5", completed[1].Side, completed[1].PnL)
	}
}

func TestStrategyStatsAggregates(t *testing.T) {
	s := NewService()
	s.Record(record("s1", "BUY", 1, 100, 1000))
	s.Record(record("s1", "SELL", 1, 110, 2000))
	s.Record(record("s1", "BUY", 1, 100, 3000))
	s.Record(record("s1", "SELL", 1, 95, 4000))

	st := s.StrategyStats("s1")
	if st.TotalOrders != 4 || st.CompletedTrades != 2 {
		t.Fatalf("orders/completed = %d/%d; want 4/2", st.TotalOrders, st.CompletedTrades)
	}
	if st.TotalPnL != 5 {
		t.Errorf("total pnl = %v; want 10 - 5 = 5", st.TotalPnL)
	}
	if st.WinRate != 0.5 {
		t.Errorf("win rate = %v; want 0.5", st.WinRate)
	}
	if st.LargestWin != 10 || st.LargestLoss != -5 {
		t.Errorf("largest win/loss = %v/%v; want 10/-5", st.LargestWin, st.LargestLoss)
	}
	if st.AvgPnL != 2.5 {
		t.Errorf("avg pnl = %v; want 2.5", st.AvgPnL)
	}
}

func TestSummaryAcrossStrategies(t *testing.T) {
	s := NewService()
	s.Record(record("winner", "BUY", 1, 100, 1000))
	s.Record(record("winner", "SELL", 1, 120, 2000))
	s.Record(record("loser", "BUY", 1, 100, 1000))
	s.Record(record("loser", "SELL", 1, 92, 2000))

	sum := s.Summary()
	if sum.CompletedTrades != 2 {
		t.Fatalf("completed = %d; want 2", sum.CompletedTrades)
	}
	if sum.TotalPnL != 12 {
		t.Errorf("total pnl = %v; want 20 - 8 = 12", sum.TotalPnL)
	}
	if sum.BestStrategy != "winner" || sum.WorstStrategy != "loser" {
		t.Errorf("best/worst = %s/%s", sum.BestStrategy, sum.WorstStrategy)
	}
	if len(sum.PerStrategy) != 2 {
		t.Errorf("per-strategy entries = %d; want 2", len(sum.PerStrategy))
	}
	if sum.PerStrategy["winner"].TotalPnL != 20 {
		t.Errorf("winner pnl = %v; want 20", sum.PerStrategy["winner"].TotalPnL)
	}
}

func TestSummaryCacheInvalidatedByRecord(t *testing.T) {
	s := NewService()
	s.Record(record("s1", "BUY", 1, 100, 1000))
	s.Record(record("s1", "SELL", 1, 110, 2000))

	first := s.Summary()
	if first.CompletedTrades != 1 {
		t.Fatalf("completed = %d; want 1", first.CompletedTrades)
	}

	// Within the cache window an identical call is served from cache.
	if again := s.Summary(); !again.GeneratedAt.Equal(first.GeneratedAt) {
		t.Error("second call within the TTL should come from cache")
	}

	s.Record(record("s1", "BUY", 1, 100, 3000))
	s.Record(record("s1", "SELL", 1, 90, 4000))

	updated := s.Summary()
	if updated.CompletedTrades != 2 {
		t.Errorf("recording must invalidate the cache, completed = %d", updated.CompletedTrades)
	}
}

func TestPerformanceSnapshotMetrics(t *testing.T) {
	s := NewService()
	now := time.Now().UnixMilli()

	// Two round trips inside the window: +10 on 100x1, -5 on 100x1.
	s.Record(record("s1", "BUY", 1, 100, now-4000))
	s.Record(record("s1", "SELL", 1, 110, now-3000))
	s.Record(record("s1", "BUY", 1, 100, now-2000))
	s.Record(record("s1", "SELL", 1, 95, now-1000))

	snap := s.PerformanceSnapshot("s1", 30)
	if snap.TradeCount != 2 {
		t.Fatalf("trade count = %d; want 2", snap.TradeCount)
	}
	if snap.WinRate != 0.5 {
		t.Errorf("win rate = %v; want 0.5", snap.WinRate)
	}
	// Returns are 0.10 and -0.05; sum * 100.
	if math.Abs(snap.ReturnPct-5) > 1e-9 {
		t.Errorf("return = %v%%; want 5", snap.ReturnPct)
	}
	if snap.ProfitFactor != 2 {
		t.Errorf("profit factor = %v; want 10/5 = 2", snap.ProfitFactor)
	}
	// Peak 10, trough 5 after the loss.
	if math.Abs(snap.DrawdownPct-50) > 1e-9 {
		t.Errorf("drawdown = %v%%; want 50", snap.DrawdownPct)
	}
	if snap.Sharpe <= 0 {
		t.Errorf("sharpe = %v; want positive for a net-profitable window", snap.Sharpe)
	}
}

func TestPerformanceSnapshotExcludesOldTrades(t *testing.T) {
	s := NewService()
	old := time.Now().AddDate(0, 0, -60).UnixMilli()
	s.Record(record("s1", "BUY", 1, 100, old))
	s.Record(record("s1", "SELL", 1, 110, old+1000))

	snap := s.PerformanceSnapshot("s1", 30)
	if snap.TradeCount != 0 {
		t.Errorf("trades outside the window must be excluded, got %d", snap.TradeCount)
	}

	winners := s.PerformanceSnapshot("s1", 90)
	if winners.TradeCount != 1 {
		t.Errorf("widening the window should include the trade, got %d", winners.TradeCount)
	}
	if !math.IsInf(winners.ProfitFactor, 1) {
		t.Errorf("profit factor with no losses = %v; want +Inf", winners.ProfitFactor)
	}
}
