package risk

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/binance"
	"binance-futures-engine/internal/logging"
)

// Account is the slice of the exchange client the sizer consumes.
type Account interface {
	GetUSDTBalance() (float64, error)
	SymbolMetadata(symbol string) binance.SymbolMeta
}

// PositionSizingError reports a computed size below the exchange minimum.
type PositionSizingError struct {
	Symbol      string
	Notional    float64
	MinNotional float64
}

func (e *PositionSizingError) Error() string {
	return fmt.Sprintf("position sizing: %s notional %.4f below minimum %.4f", e.Symbol, e.Notional, e.MinNotional)
}

// SizerConfig holds the sizing adjustments and their guardrails.
type SizerConfig struct {
	EnableATRScaling bool    `json:"enable_atr_scaling"`
	ATRPeriod        int     `json:"atr_period"`
	ATRMultiplier    float64 `json:"atr_multiplier"`

	EnableStreakAdjustment bool    `json:"enable_streak_adjustment"`
	WinBoost               float64 `json:"win_boost"`
	MaxWinBoost            float64 `json:"max_win_boost"`
	LossReduction          float64 `json:"loss_reduction"`
	MaxLossReduction       float64 `json:"max_loss_reduction"`

	EnableKelly         bool    `json:"enable_kelly"`
	MinTradesForKelly   int     `json:"min_trades_for_kelly"`
	KellyFraction       float64 `json:"kelly_fraction"`
	MaxKellyPositionPct float64 `json:"max_kelly_position_pct"`
}

// DefaultSizerConfig returns the default sizing configuration with all
// adjustments enabled.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		EnableATRScaling:       true,
		ATRPeriod:              14,
		ATRMultiplier:          1.0,
		EnableStreakAdjustment: true,
		WinBoost:               0.05,
		MaxWinBoost:            0.25,
		LossReduction:          0.10,
		MaxLossReduction:       0.40,
		EnableKelly:            true,
		MinTradesForKelly:      100,
		KellyFraction:          0.25,
		MaxKellyPositionPct:    0.10,
	}
}

// TradePerformance tracks per-strategy results feeding the streak and Kelly
// adjustments.
type TradePerformance struct {
	TotalTrades     int     `json:"total_trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinStreak       int     `json:"win_streak"`
	LossStreak      int     `json:"loss_streak"`
	TotalWinAmount  float64 `json:"total_win_amount"`
	TotalLossAmount float64 `json:"total_loss_amount"`
}

// SizeRequest describes one sizing decision.
type SizeRequest struct {
	Symbol       string
	Price        float64
	RiskPerTrade float64
	// FixedAmount, when positive, replaces equity-based sizing as the
	// target notional.
	FixedAmount float64
	StrategyID  string
	// Klines enables volatility scaling; nil skips it.
	Klines []binance.Kline
}

// SizeResult is the final quantity and notional after all adjustments.
type SizeResult struct {
	Quantity float64
	Notional float64
}

// Sizer computes position sizes from account equity with optional
// volatility, streak and fractional-Kelly adjustments.
type Sizer struct {
	account Account
	cfg     SizerConfig
	log     zerolog.Logger

	mu          sync.Mutex
	performance map[string]*TradePerformance
}

// NewSizer creates a sizer over the given account.
func NewSizer(account Account, cfg SizerConfig) *Sizer {
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.MinTradesForKelly <= 0 {
		cfg.MinTradesForKelly = 100
	}
	if cfg.KellyFraction <= 0 {
		cfg.KellyFraction = 0.25
	}
	if cfg.MaxKellyPositionPct <= 0 {
		cfg.MaxKellyPositionPct = 0.10
	}
	return &Sizer{
		account:     account,
		cfg:         cfg,
		log:         logging.Component("risk_sizer"),
		performance: make(map[string]*TradePerformance),
	}
}

// SizePosition computes the order quantity for an entry. The adjustments
// run in a fixed order: volatility, streak, Kelly. Each multiplier is
// clamped before application and the final quantity is floored to the
// symbol's step.
func (s *Sizer) SizePosition(req SizeRequest) (SizeResult, error) {
	if req.Price <= 0 {
		return SizeResult{}, fmt.Errorf("position sizing: invalid price %.8f for %s", req.Price, req.Symbol)
	}

	equity := 0.0
	needEquity := req.FixedAmount <= 0 || s.cfg.EnableKelly
	if needEquity {
		var err error
		equity, err = s.account.GetUSDTBalance()
		if err != nil {
			return SizeResult{}, fmt.Errorf("position sizing: balance unavailable: %w", err)
		}
	}

	notional := req.FixedAmount
	if notional <= 0 {
		notional = equity * req.RiskPerTrade
	}

	if s.cfg.EnableATRScaling && len(req.Klines) > 0 {
		if atrVal, ok := atr(req.Klines, s.cfg.ATRPeriod); ok && atrVal > 0 {
			adj := clamp((0.01*req.Price/atrVal)*s.cfg.ATRMultiplier, 0.5, 2.0)
			notional *= adj
			s.log.Debug().Str("symbol", req.Symbol).Float64("atr", atrVal).Float64("adj", adj).Msg("volatility scaling applied")
		}
	}

	if s.cfg.EnableStreakAdjustment && req.StrategyID != "" {
		adj := s.streakAdjustment(req.StrategyID)
		notional *= adj
	}

	if s.cfg.EnableKelly && req.StrategyID != "" {
		if adj, ok := s.kellyAdjustment(req.StrategyID, req.RiskPerTrade); ok {
			notional *= adj
			if ceiling := equity * s.cfg.MaxKellyPositionPct; notional > ceiling {
				notional = ceiling
			}
		}
	}

	meta := s.account.SymbolMetadata(req.Symbol)
	quantity := binance.RoundToPrecision(notional/req.Price, meta.Precision)
	notional = quantity * req.Price

	if notional < meta.MinNotional {
		return SizeResult{}, &PositionSizingError{Symbol: req.Symbol, Notional: notional, MinNotional: meta.MinNotional}
	}

	return SizeResult{Quantity: quantity, Notional: notional}, nil
}

// streakAdjustment scales size up on win streaks and down on loss streaks,
// clamped to [0.5, 1.5].
func (s *Sizer) streakAdjustment(strategyID string) float64 {
	s.mu.Lock()
	perf, ok := s.performance[strategyID]
	if !ok {
		s.mu.Unlock()
		return 1.0
	}
	winStreak := float64(perf.WinStreak)
	lossStreak := float64(perf.LossStreak)
	s.mu.Unlock()

	boost := math.Min(winStreak*s.cfg.WinBoost, s.cfg.MaxWinBoost)
	reduction := math.Min(lossStreak*s.cfg.LossReduction, s.cfg.MaxLossReduction)
	return clamp(1+boost-reduction, 0.5, 1.5)
}

// kellyAdjustment converts the guarded fractional Kelly fraction into a
// multiplier relative to the baseline risk fraction, clamped to [0.5, 2.0].
// It reports false until enough trades with both wins and losses exist.
func (s *Sizer) kellyAdjustment(strategyID string, riskPerTrade float64) (float64, bool) {
	if riskPerTrade <= 0 {
		return 0, false
	}

	s.mu.Lock()
	perf, ok := s.performance[strategyID]
	if !ok {
		s.mu.Unlock()
		return 0, false
	}
	p := perf
	total, wins, losses := p.TotalTrades, p.Wins, p.Losses
	totalWin, totalLoss := p.TotalWinAmount, p.TotalLossAmount
	s.mu.Unlock()

	if total < s.cfg.MinTradesForKelly || wins == 0 || losses == 0 {
		return 0, false
	}

	avgWin := totalWin / float64(wins)
	avgLoss := totalLoss / float64(losses)
	if avgLoss <= 0 {
		return 0, false
	}

	b := avgWin / avgLoss
	winProb := float64(wins) / float64(total)
	kelly := math.Max(0, (winProb*b-(1-winProb))/b)
	fraction := kelly * s.cfg.KellyFraction

	return clamp(fraction/riskPerTrade, 0.5, 2.0), true
}

// RecordTrade updates streak and Kelly inputs with a completed trade.
func (s *Sizer) RecordTrade(strategyID string, pnl float64, isWin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perf, ok := s.performance[strategyID]
	if !ok {
		perf = &TradePerformance{}
		s.performance[strategyID] = perf
	}

	perf.TotalTrades++
	if isWin {
		perf.Wins++
		perf.WinStreak++
		perf.LossStreak = 0
		perf.TotalWinAmount += math.Abs(pnl)
	} else {
		perf.Losses++
		perf.LossStreak++
		perf.WinStreak = 0
		perf.TotalLossAmount += math.Abs(pnl)
	}
}

// Performance returns a copy of the tracked performance for a strategy.
func (s *Sizer) Performance(strategyID string) TradePerformance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perf, ok := s.performance[strategyID]; ok {
		return *perf
	}
	return TradePerformance{}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// atr is the mean true range over the last period candles. Kept local so
// the risk package does not depend on the strategy package.
func atr(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		high, low, prevClose := klines[i].High, klines[i].Low, klines[i-1].Close
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		sum += tr
	}
	return sum / float64(period), true
}
