package risk

import (
	"errors"
	"math"
	"testing"

	"binance-futures-engine/internal/binance"
)

type fakeAccount struct {
	balance    float64
	balanceErr error
	meta       binance.SymbolMeta
}

func (a *fakeAccount) GetUSDTBalance() (float64, error) {
	return a.balance, a.balanceErr
}

func (a *fakeAccount) SymbolMetadata(symbol string) binance.SymbolMeta {
	return a.meta
}

func plainConfig() SizerConfig {
	cfg := DefaultSizerConfig()
	cfg.EnableATRScaling = false
	cfg.EnableStreakAdjustment = false
	cfg.EnableKelly = false
	return cfg
}

func testAccount() *fakeAccount {
	return &fakeAccount{
		balance: 10_000,
		meta:    binance.SymbolMeta{Precision: 3, MinNotional: 5},
	}
}

func TestSizePositionEquityBased(t *testing.T) {
	s := NewSizer(testAccount(), plainConfig())

	res, err := s.SizePosition(SizeRequest{
		Symbol:       "BTCUSDT",
		Price:        50_000,
		RiskPerTrade: 0.02,
	})
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	// 10000 * 0.02 = 200 notional, 200/50000 = 0.004 qty.
	if res.Quantity != 0.004 {
		t.Errorf("quantity = %v; want 0.004", res.Quantity)
	}
	if math.Abs(res.Notional-200) > 1e-9 {
		t.Errorf("notional = %v; want 200", res.Notional)
	}
}

func TestSizePositionFixedAmount(t *testing.T) {
	account := testAccount()
	s := NewSizer(account, plainConfig())

	res, err := s.SizePosition(SizeRequest{
		Symbol:      "BTCUSDT",
		Price:       100,
		FixedAmount: 150,
	})
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	if res.Quantity != 1.5 {
		t.Errorf("quantity = %v; want 1.5", res.Quantity)
	}
}

func TestSizePositionBelowMinNotional(t *testing.T) {
	account := testAccount()
	account.meta.MinNotional = 100
	s := NewSizer(account, plainConfig())

	_, err := s.SizePosition(SizeRequest{
		Symbol:      "BTCUSDT",
		Price:       100,
		FixedAmount: 50,
	})
	var sizeErr *PositionSizingError
	if !errors.As(err, &sizeErr) {
		t.Fatalf("expected *PositionSizingError, got %v", err)
	}
	if sizeErr.MinNotional != 100 {
		t.Errorf("MinNotional = %v; want 100", sizeErr.MinNotional)
	}
}

func TestSizePositionInvalidPrice(t *testing.T) {
	s := NewSizer(testAccount(), plainConfig())
	if _, err := s.SizePosition(SizeRequest{Symbol: "BTCUSDT", Price: 0, FixedAmount: 100}); err == nil {
		t.Fatal("zero price must be rejected")
	}
}

func TestSizePositionBalanceError(t *testing.T) {
	account := testAccount()
	account.balanceErr = errors.New("account endpoint down")
	s := NewSizer(account, plainConfig())

	if _, err := s.SizePosition(SizeRequest{Symbol: "BTCUSDT", Price: 100, RiskPerTrade: 0.01}); err == nil {
		t.Fatal("balance failure must surface")
	}
}

func TestStreakAdjustmentClamps(t *testing.T) {
	cfg := plainConfig()
	cfg.EnableStreakAdjustment = true
	s := NewSizer(testAccount(), cfg)

	// No history: neutral multiplier.
	if adj := s.streakAdjustment("s1"); adj != 1.0 {
		t.Errorf("fresh strategy adjustment = %v; want 1.0", adj)
	}

	// A long win streak is capped by MaxWinBoost.
	for i := 0; i < 10; i++ {
		s.RecordTrade("s1", 10, true)
	}
	if adj := s.streakAdjustment("s1"); adj != 1.25 {
		t.Errorf("win streak adjustment = %v; want capped 1.25", adj)
	}

	// A long loss streak is capped by MaxLossReduction.
	for i := 0; i < 10; i++ {
		s.RecordTrade("s1", -10, false)
	}
	if adj := s.streakAdjustment("s1"); adj != 0.6 {
		t.Errorf("loss streak adjustment = %v; want 1 - 0.40 = 0.6", adj)
	}
}

func TestRecordTradeResetsOppositeStreak(t *testing.T) {
	s := NewSizer(testAccount(), plainConfig())

	s.RecordTrade("s1", 10, true)
	s.RecordTrade("s1", 12, true)
	s.RecordTrade("s1", -5, false)

	perf := s.Performance("s1")
	if perf.WinStreak != 0 || perf.LossStreak != 1 {
		t.Errorf("streaks = %d win, %d loss; want 0, 1", perf.WinStreak, perf.LossStreak)
	}
	if perf.TotalTrades != 3 || perf.Wins != 2 || perf.Losses != 1 {
		t.Errorf("counters = %+v", perf)
	}
	if perf.TotalWinAmount != 22 || perf.TotalLossAmount != 5 {
		t.Errorf("amounts = %v win, %v loss", perf.TotalWinAmount, perf.TotalLossAmount)
	}
}

func TestKellyRequiresHistory(t *testing.T) {
	cfg := plainConfig()
	cfg.EnableKelly = true
	cfg.MinTradesForKelly = 10
	s := NewSizer(testAccount(), cfg)

	if _, ok := s.kellyAdjustment("s1", 0.02); ok {
		t.Error("kelly with no history should report false")
	}

	// 5 trades: below the minimum.
	for i := 0; i < 3; i++ {
		s.RecordTrade("s1", 20, true)
	}
	for i := 0; i < 2; i++ {
		s.RecordTrade("s1", -10, false)
	}
	if _, ok := s.kellyAdjustment("s1", 0.02); ok {
		t.Error("kelly below MinTradesForKelly should report false")
	}

	// Reach the minimum with both wins and losses present.
	for i := 0; i < 3; i++ {
		s.RecordTrade("s1", 20, true)
	}
	for i := 0; i < 2; i++ {
		s.RecordTrade("s1", -10, false)
	}
	adj, ok := s.kellyAdjustment("s1", 0.02)
	if !ok {
		t.Fatal("kelly with sufficient history should engage")
	}
	if adj < 0.5 || adj > 2.0 {
		t.Errorf("kelly adjustment %v outside clamp [0.5, 2.0]", adj)
	}
}

func TestKellyNeedsBothOutcomes(t *testing.T) {
	cfg := plainConfig()
	cfg.EnableKelly = true
	cfg.MinTradesForKelly = 5
	s := NewSizer(testAccount(), cfg)

	for i := 0; i < 6; i++ {
		s.RecordTrade("s1", 20, true)
	}
	if _, ok := s.kellyAdjustment("s1", 0.02); ok {
		t.Error("kelly with zero losses should report false")
	}
}
