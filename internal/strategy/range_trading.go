package strategy

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/binance"
	"binance-futures-engine/internal/events"
	"binance-futures-engine/internal/logging"
)

// RangeTradingParams are the configurable options of the range
// mean-reversion strategy.
type RangeTradingParams struct {
	LookbackPeriod         int     `json:"lookback_period"`
	BuyZonePct             float64 `json:"buy_zone_pct"`
	SellZonePct            float64 `json:"sell_zone_pct"`
	EMAFastPeriod          int     `json:"ema_fast_period"`
	EMASlowPeriod          int     `json:"ema_slow_period"`
	MaxEMASpreadPct        float64 `json:"max_ema_spread_pct"`
	MaxATRMultiplier       float64 `json:"max_atr_multiplier"`
	ATRPeriod              int     `json:"atr_period"`
	RSIPeriod              int     `json:"rsi_period"`
	RSIOversold            float64 `json:"rsi_oversold"`
	RSIOverbought          float64 `json:"rsi_overbought"`
	TPBufferPct            float64 `json:"tp_buffer_pct"`
	SLBufferPct            float64 `json:"sl_buffer_pct"`
	KlineInterval          string  `json:"kline_interval"`
	EnableShort            bool    `json:"enable_short"`
	CooldownCandles        int     `json:"cooldown_candles"`
	MaxRangeInvalidCandles int     `json:"max_range_invalid_candles"`
}

// DefaultRangeTradingParams returns the documented defaults.
func DefaultRangeTradingParams() RangeTradingParams {
	return RangeTradingParams{
		LookbackPeriod:         150,
		BuyZonePct:             0.2,
		SellZonePct:            0.2,
		EMAFastPeriod:          20,
		EMASlowPeriod:          50,
		MaxEMASpreadPct:        0.005,
		MaxATRMultiplier:       2.0,
		ATRPeriod:              14,
		RSIPeriod:              14,
		RSIOversold:            40,
		RSIOverbought:          60,
		TPBufferPct:            0.001,
		SLBufferPct:            0.002,
		KlineInterval:          "5m",
		EnableShort:            true,
		CooldownCandles:        2,
		MaxRangeInvalidCandles: 20,
	}
}

// ParseRangeTradingParams overlays the defaults with a free-form parameter
// record, warning on unknown keys.
func ParseRangeTradingParams(params map[string]string, strategyName string) RangeTradingParams {
	d := DefaultRangeTradingParams()
	r := newParamReader(params, strategyName)

	p := RangeTradingParams{
		LookbackPeriod:         r.Int("lookback_period", d.LookbackPeriod),
		BuyZonePct:             r.Float("buy_zone_pct", d.BuyZonePct),
		SellZonePct:            r.Float("sell_zone_pct", d.SellZonePct),
		EMAFastPeriod:          r.Int("ema_fast_period", d.EMAFastPeriod),
		EMASlowPeriod:          r.Int("ema_slow_period", d.EMASlowPeriod),
		MaxEMASpreadPct:        r.Float("max_ema_spread_pct", d.MaxEMASpreadPct),
		MaxATRMultiplier:       r.Float("max_atr_multiplier", d.MaxATRMultiplier),
		ATRPeriod:              r.Int("atr_period", d.ATRPeriod),
		RSIPeriod:              r.Int("rsi_period", d.RSIPeriod),
		RSIOversold:            r.Float("rsi_oversold", d.RSIOversold),
		RSIOverbought:          r.Float("rsi_overbought", d.RSIOverbought),
		TPBufferPct:            r.Float("tp_buffer_pct", d.TPBufferPct),
		SLBufferPct:            r.Float("sl_buffer_pct", d.SLBufferPct),
		KlineInterval:          r.String("kline_interval", d.KlineInterval),
		EnableShort:            r.Bool("enable_short", d.EnableShort),
		CooldownCandles:        r.Int("cooldown_candles", d.CooldownCandles),
		MaxRangeInvalidCandles: r.Int("max_range_invalid_candles", d.MaxRangeInvalidCandles),
	}
	r.WarnUnknown()

	p.KlineInterval, _ = binance.NormalizeInterval(p.KlineInterval)
	return p
}

// RangeTrading buys near the bottom of a detected consolidation range and
// sells near the top, filtered by RSI extremes. A range stops being traded
// when ATR or EMA spread show the market trending.
type RangeTrading struct {
	ctx    Context
	params RangeTradingParams
	feed   MarketFeed
	bus    *events.Bus
	log    zerolog.Logger

	position               PositionSide
	entryPrice             float64
	entryCandleCloseTime   int64
	lastProcessedCloseTime int64
	cooldownLeft           int

	rangeHigh         float64
	rangeLow          float64
	rangeMid          float64
	rangeValid        bool
	rangeInvalidCount int
}

// NewRangeTrading builds a strategy instance from its context.
func NewRangeTrading(ctx Context, feed MarketFeed, bus *events.Bus) (*RangeTrading, error) {
	if feed == nil {
		return nil, fmt.Errorf("range trading: market feed is required")
	}
	params := ParseRangeTradingParams(ctx.Params, ctx.Name)
	if params.LookbackPeriod <= params.EMASlowPeriod {
		return nil, fmt.Errorf("range trading: lookback %d must exceed slow ema period %d",
			params.LookbackPeriod, params.EMASlowPeriod)
	}

	return &RangeTrading{
		ctx:    ctx,
		params: params,
		feed:   feed,
		bus:    bus,
		log: logging.Component("range_trading").With().
			Str("strategy", ctx.ID).
			Str("symbol", ctx.Symbol).
			Logger(),
	}, nil
}

func (s *RangeTrading) Name() string     { return s.ctx.Name }
func (s *RangeTrading) Symbol() string   { return s.ctx.Symbol }
func (s *RangeTrading) Interval() string { return s.params.KlineInterval }

// Params returns the parsed parameters.
func (s *RangeTrading) Params() RangeTradingParams { return s.params }

// Range returns the currently tracked range levels, if any.
func (s *RangeTrading) Range() (high, low, mid float64, valid bool) {
	return s.rangeHigh, s.rangeLow, s.rangeMid, s.rangeValid
}

// Evaluate runs one evaluation cycle.
func (s *RangeTrading) Evaluate() (*Signal, error) {
	limit := s.params.LookbackPeriod + 5

	klines, err := s.feed.Klines(s.ctx.Symbol, s.params.KlineInterval, limit)
	if err != nil {
		return nil, fmt.Errorf("kline fetch: %w", err)
	}
	closed := dropFormingCandle(klines)
	if len(closed) < s.params.LookbackPeriod {
		s.log.Debug().Int("have", len(closed)).Int("need", s.params.LookbackPeriod).Msg("insufficient klines")
		return Hold(s.ctx.Symbol), nil
	}
	window := closed[len(closed)-s.params.LookbackPeriod:]

	lastClosed := window[len(window)-1]
	closeTime := lastClosed.CloseTime

	livePrice, err := s.feed.Price(s.ctx.Symbol)
	if err != nil {
		return nil, fmt.Errorf("price fetch: %w", err)
	}

	// Out-of-order or repeated candles only run exit checks; range state
	// and counters never move backwards.
	if closeTime < s.lastProcessedCloseTime {
		saved := s.entryCandleCloseTime
		s.entryCandleCloseTime = 0
		if sig := s.checkExits(livePrice, closeTime); sig != nil {
			return sig, nil
		}
		s.entryCandleCloseTime = saved
		return Hold(s.ctx.Symbol), nil
	}
	if closeTime == s.lastProcessedCloseTime {
		if sig := s.checkExits(livePrice, closeTime); sig != nil {
			return sig, nil
		}
		return Hold(s.ctx.Symbol), nil
	}

	s.lastProcessedCloseTime = closeTime

	s.updateRange(window)

	// Exits use the last known range even when this candle's detection
	// failed, so an open position always has levels to close against.
	if sig := s.checkExits(livePrice, closeTime); sig != nil {
		return sig, nil
	}

	if s.cooldownLeft > 0 {
		s.cooldownLeft--
		return Hold(s.ctx.Symbol), nil
	}

	if s.position != "" || !s.rangeValid {
		return Hold(s.ctx.Symbol), nil
	}

	closes := make([]float64, len(window))
	for i := range window {
		closes[i] = window[i].Close
	}
	rsi, ok := RSI(closes, s.params.RSIPeriod)
	if !ok {
		return Hold(s.ctx.Symbol), nil
	}

	rangeSize := s.rangeHigh - s.rangeLow

	buyZoneUpper := s.rangeLow + rangeSize*s.params.BuyZonePct
	if livePrice <= buyZoneUpper && rsi < s.params.RSIOversold {
		return s.open(PositionLong, livePrice, closeTime), nil
	}

	if s.params.EnableShort {
		sellZoneLower := s.rangeHigh - rangeSize*s.params.SellZonePct
		if livePrice >= sellZoneLower && rsi > s.params.RSIOverbought {
			return s.open(PositionShort, livePrice, closeTime), nil
		}
	}

	return Hold(s.ctx.Symbol), nil
}

// updateRange runs range detection over the lookback window and advances
// the range lifecycle.
func (s *RangeTrading) updateRange(window []binance.Kline) {
	high := window[0].High
	low := window[0].Low
	closes := make([]float64, len(window))
	for i, k := range window {
		if k.High > high {
			high = k.High
		}
		if k.Low < low {
			low = k.Low
		}
		closes[i] = k.Close
	}
	rangeSize := high - low
	lastClose := closes[len(closes)-1]

	valid := false
	atrVal, atrOK := ATR(window, s.params.ATRPeriod)
	if atrOK && rangeSize <= atrVal*s.params.MaxATRMultiplier*5 {
		fast, okFast := EMA(closes, s.params.EMAFastPeriod)
		slow, okSlow := EMA(closes, s.params.EMASlowPeriod)
		if okFast && okSlow && lastClose > 0 &&
			math.Abs(fast-slow)/lastClose <= s.params.MaxEMASpreadPct {
			valid = true
		}
	}

	if valid {
		s.rangeHigh = high
		s.rangeLow = low
		s.rangeMid = (high + low) / 2
		s.rangeValid = true
		s.rangeInvalidCount = 0
		return
	}

	s.rangeInvalidCount++
	if s.rangeInvalidCount < s.params.MaxRangeInvalidCandles {
		return
	}

	if s.position == "" {
		s.rangeValid = false
		s.rangeHigh, s.rangeLow, s.rangeMid = 0, 0, 0
		s.rangeInvalidCount = 0
		s.log.Debug().Msg("range invalidated, cleared")
		return
	}

	// Never strand an open position without exit levels: keep the last
	// known range and restart the counter.
	s.rangeInvalidCount = 0
	s.log.Debug().Msg("range invalidated while in position, keeping last known levels")
}

// checkExits evaluates range TP/SL against the live price. SL is checked
// first and is allowed on the entry candle; TP is blocked there.
func (s *RangeTrading) checkExits(livePrice float64, closeTime int64) *Signal {
	if s.position == "" || s.rangeHigh <= s.rangeLow {
		return nil
	}

	rangeSize := s.rangeHigh - s.rangeLow
	onEntryCandle := closeTime == s.entryCandleCloseTime

	if s.position == PositionLong {
		sl := s.rangeLow - rangeSize*s.params.SLBufferPct
		if livePrice <= sl {
			return s.exit(ExitRangeSL, livePrice)
		}
		if onEntryCandle {
			return nil
		}
		tp2 := s.rangeHigh - rangeSize*s.params.TPBufferPct
		if livePrice >= tp2 {
			return s.exit(ExitRangeTPHigh, livePrice)
		}
		if livePrice >= s.rangeMid {
			return s.exit(ExitRangeTPMid, livePrice)
		}
		return nil
	}

	sl := s.rangeHigh + rangeSize*s.params.SLBufferPct
	if livePrice >= sl {
		return s.exit(ExitRangeSL, livePrice)
	}
	if onEntryCandle {
		return nil
	}
	tp2 := s.rangeLow + rangeSize*s.params.TPBufferPct
	if livePrice <= tp2 {
		return s.exit(ExitRangeTPLow, livePrice)
	}
	if livePrice <= s.rangeMid {
		return s.exit(ExitRangeTPMid, livePrice)
	}
	return nil
}

func (s *RangeTrading) open(side PositionSide, price float64, closeTime int64) *Signal {
	s.position = side
	s.entryPrice = price
	s.entryCandleCloseTime = closeTime

	action := ActionBuy
	if side == PositionShort {
		action = ActionSell
	}
	s.log.Info().Str("side", string(side)).Float64("entry", price).
		Float64("range_low", s.rangeLow).Float64("range_high", s.rangeHigh).
		Msg("opening range position")
	return &Signal{
		Action:       action,
		Symbol:       s.ctx.Symbol,
		Confidence:   1,
		Price:        price,
		PositionSide: side,
	}
}

func (s *RangeTrading) exit(reason string, price float64) *Signal {
	side := s.position
	s.position = ""
	s.entryPrice = 0
	s.entryCandleCloseTime = 0
	s.cooldownLeft = s.params.CooldownCandles

	s.log.Info().Str("side", string(side)).Str("reason", reason).Float64("price", price).
		Msg("closing range position")
	return &Signal{
		Action:       ActionClose,
		Symbol:       s.ctx.Symbol,
		Confidence:   1,
		Price:        price,
		ExitReason:   reason,
		PositionSide: side,
	}
}

// SyncPositionState aligns runtime state with the exchange's position.
func (s *RangeTrading) SyncPositionState(side PositionSide, entryPrice float64) {
	if side == "" {
		if s.position != "" {
			s.log.Warn().Str("had", string(s.position)).Msg("exchange reports flat, resetting position state")
			s.position = ""
			s.entryPrice = 0
			s.entryCandleCloseTime = 0
			s.cooldownLeft = s.params.CooldownCandles
		}
		return
	}

	if s.position == side {
		if s.entryPrice != entryPrice && entryPrice > 0 {
			s.entryPrice = entryPrice
		}
		return
	}

	s.log.Warn().
		Str("local", string(s.position)).
		Str("exchange", string(side)).
		Msg("position side mismatch, adopting exchange state")
	s.position = side
	s.entryPrice = entryPrice
	s.entryCandleCloseTime = 0
}

// Snapshot exports the state preserved across hot parameter swaps.
func (s *RangeTrading) Snapshot() Snapshot {
	return Snapshot{
		Position:               s.position,
		EntryPrice:             s.entryPrice,
		EntryCandleCloseTime:   s.entryCandleCloseTime,
		LastProcessedCloseTime: s.lastProcessedCloseTime,
	}
}

// Restore imports a snapshot taken before a parameter swap. Range levels
// are re-detected on the next candle.
func (s *RangeTrading) Restore(snap Snapshot) {
	s.position = snap.Position
	s.entryPrice = snap.EntryPrice
	s.entryCandleCloseTime = snap.EntryCandleCloseTime
	s.lastProcessedCloseTime = snap.LastProcessedCloseTime
}

// Teardown releases instance resources.
func (s *RangeTrading) Teardown() {}
