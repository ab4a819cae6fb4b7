package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/binance"
	"binance-futures-engine/internal/events"
	"binance-futures-engine/internal/logging"
	"binance-futures-engine/internal/risk"
)

// EMAScalpingParams are the configurable options of the EMA crossover
// scalping strategy.
type EMAScalpingParams struct {
	EMAFast                   int     `json:"ema_fast"`
	EMASlow                   int     `json:"ema_slow"`
	TakeProfitPct             float64 `json:"take_profit_pct"`
	StopLossPct               float64 `json:"stop_loss_pct"`
	KlineInterval             string  `json:"kline_interval"`
	EnableShort               bool    `json:"enable_short"`
	MinEMASeparation          float64 `json:"min_ema_separation"`
	EnableHTFBias             bool    `json:"enable_htf_bias"`
	CooldownCandles           int     `json:"cooldown_candles"`
	TrailingStopEnabled       bool    `json:"trailing_stop_enabled"`
	TrailingStopActivationPct float64 `json:"trailing_stop_activation_pct"`
	EnableEMACrossExit        bool    `json:"enable_ema_cross_exit"`
}

// DefaultEMAScalpingParams returns the documented defaults.
func DefaultEMAScalpingParams() EMAScalpingParams {
	return EMAScalpingParams{
		EMAFast:            8,
		EMASlow:            21,
		TakeProfitPct:      0.004,
		StopLossPct:        0.002,
		KlineInterval:      "1m",
		EnableShort:        true,
		MinEMASeparation:   0.0002,
		EnableHTFBias:      true,
		CooldownCandles:    2,
		EnableEMACrossExit: true,
	}
}

// ParseEMAScalpingParams overlays the defaults with a free-form parameter
// record, warning on unknown keys.
func ParseEMAScalpingParams(params map[string]string, strategyName string) EMAScalpingParams {
	d := DefaultEMAScalpingParams()
	r := newParamReader(params, strategyName)

	p := EMAScalpingParams{
		EMAFast:                   r.Int("ema_fast", d.EMAFast),
		EMASlow:                   r.Int("ema_slow", d.EMASlow),
		TakeProfitPct:             r.Float("take_profit_pct", d.TakeProfitPct),
		StopLossPct:               r.Float("stop_loss_pct", d.StopLossPct),
		KlineInterval:             r.String("kline_interval", d.KlineInterval),
		EnableShort:               r.Bool("enable_short", d.EnableShort),
		MinEMASeparation:          r.Float("min_ema_separation", d.MinEMASeparation),
		EnableHTFBias:             r.Bool("enable_htf_bias", d.EnableHTFBias),
		CooldownCandles:           r.Int("cooldown_candles", d.CooldownCandles),
		TrailingStopEnabled:       r.Bool("trailing_stop_enabled", d.TrailingStopEnabled),
		TrailingStopActivationPct: r.Float("trailing_stop_activation_pct", d.TrailingStopActivationPct),
		EnableEMACrossExit:        r.Bool("enable_ema_cross_exit", d.EnableEMACrossExit),
	}
	r.WarnUnknown()

	p.KlineInterval, _ = binance.NormalizeInterval(p.KlineInterval)
	return p
}

// higherTimeframes maps a trading interval to the interval used for the
// higher-timeframe bias filter.
var higherTimeframes = map[string]string{
	"1m":  "5m",
	"3m":  "15m",
	"5m":  "15m",
	"15m": "1h",
	"30m": "2h",
	"1h":  "4h",
}

func higherTimeframe(interval string) string {
	if htf, ok := higherTimeframes[interval]; ok {
		return htf
	}
	return "5m"
}

// EMAScalping trades EMA crossovers on closed candles: golden cross opens
// LONG, death cross opens SHORT (gated by the higher-timeframe bias) or
// closes an open LONG. All state is owned by the runner's goroutine.
type EMAScalping struct {
	ctx    Context
	params EMAScalpingParams
	feed   MarketFeed
	bus    *events.Bus
	log    zerolog.Logger

	position               PositionSide
	entryPrice             float64
	entryCandleCloseTime   int64
	lastProcessedCloseTime int64
	prevFast               float64
	prevSlow               float64
	havePrev               bool
	cooldownLeft           int
	trail                  *risk.TrailingStop
}

// NewEMAScalping builds a strategy instance from its context.
func NewEMAScalping(ctx Context, feed MarketFeed, bus *events.Bus) (*EMAScalping, error) {
	if feed == nil {
		return nil, fmt.Errorf("ema scalping: market feed is required")
	}
	params := ParseEMAScalpingParams(ctx.Params, ctx.Name)
	if params.EMAFast <= 0 || params.EMASlow <= 0 || params.EMAFast >= params.EMASlow {
		return nil, fmt.Errorf("ema scalping: invalid periods fast=%d slow=%d", params.EMAFast, params.EMASlow)
	}

	return &EMAScalping{
		ctx:    ctx,
		params: params,
		feed:   feed,
		bus:    bus,
		log: logging.Component("ema_scalping").With().
			Str("strategy", ctx.ID).
			Str("symbol", ctx.Symbol).
			Logger(),
	}, nil
}

func (s *EMAScalping) Name() string     { return s.ctx.Name }
func (s *EMAScalping) Symbol() string   { return s.ctx.Symbol }
func (s *EMAScalping) Interval() string { return s.params.KlineInterval }

// Params returns the parsed parameters, mainly for inspection in tests and
// diagnostics.
func (s *EMAScalping) Params() EMAScalpingParams { return s.params }

// Evaluate runs one evaluation cycle against the latest closed candle and
// live price.
func (s *EMAScalping) Evaluate() (*Signal, error) {
	limit := s.params.EMASlow + 10
	if limit < 50 {
		limit = 50
	}

	klines, err := s.feed.Klines(s.ctx.Symbol, s.params.KlineInterval, limit)
	if err != nil {
		return nil, fmt.Errorf("kline fetch: %w", err)
	}
	closed := dropFormingCandle(klines)
	if len(closed) < s.params.EMASlow {
		s.log.Debug().Int("have", len(closed)).Int("need", s.params.EMASlow).Msg("insufficient klines")
		return Hold(s.ctx.Symbol), nil
	}

	lastClosed := closed[len(closed)-1]
	closeTime := lastClosed.CloseTime

	livePrice, err := s.feed.Price(s.ctx.Symbol)
	if err != nil {
		return nil, fmt.Errorf("price fetch: %w", err)
	}

	// Older candle: an out-of-order observation must not advance any
	// state. TP/SL still run, with the entry-candle block lifted because
	// this candle predates the entry.
	if closeTime < s.lastProcessedCloseTime {
		saved := s.entryCandleCloseTime
		s.entryCandleCloseTime = 0
		if sig := s.checkExits(livePrice, closeTime); sig != nil {
			return sig, nil
		}
		s.entryCandleCloseTime = saved
		return Hold(s.ctx.Symbol), nil
	}

	// Duplicate candle: exits only, no EMA or counter updates.
	if closeTime == s.lastProcessedCloseTime {
		if sig := s.checkExits(livePrice, closeTime); sig != nil {
			return sig, nil
		}
		return Hold(s.ctx.Symbol), nil
	}

	s.lastProcessedCloseTime = closeTime

	closes := make([]float64, len(closed))
	for i := range closed {
		closes[i] = closed[i].Close
	}
	fastEMA, okFast := EMA(closes, s.params.EMAFast)
	slowEMA, okSlow := EMA(closes, s.params.EMASlow)
	if !okFast || !okSlow {
		return Hold(s.ctx.Symbol), nil
	}

	// Capture the previous EMAs for crossover detection, then persist the
	// fresh values. Persisting happens exactly once per new candle so
	// duplicates and older candles can never drift the baseline.
	prevFast, prevSlow, hadPrev := s.prevFast, s.prevSlow, s.havePrev
	s.prevFast, s.prevSlow, s.havePrev = fastEMA, slowEMA, true

	if s.cooldownLeft > 0 {
		s.cooldownLeft--
		return Hold(s.ctx.Symbol), nil
	}

	if sig := s.checkExits(livePrice, closeTime); sig != nil {
		return sig, nil
	}

	separationOK := livePrice > 0 && math.Abs(fastEMA-slowEMA)/livePrice >= s.params.MinEMASeparation

	if !hadPrev {
		return Hold(s.ctx.Symbol), nil
	}

	goldenCross := prevFast <= prevSlow && fastEMA > slowEMA
	deathCross := prevFast >= prevSlow && fastEMA < slowEMA

	switch {
	case goldenCross && s.position == "":
		if !separationOK {
			return Hold(s.ctx.Symbol), nil
		}
		return s.open(PositionLong, lastClosed.Close, closeTime), nil

	case goldenCross && s.position == PositionShort:
		if s.params.EnableEMACrossExit && closeTime != s.entryCandleCloseTime {
			return s.exit(ExitEMAGoldenCross, livePrice), nil
		}

	case deathCross && s.position == PositionLong:
		if s.params.EnableEMACrossExit && closeTime != s.entryCandleCloseTime {
			return s.exit(ExitEMADeathCross, livePrice), nil
		}

	case deathCross && s.position == "" && s.params.EnableShort:
		if !separationOK {
			return Hold(s.ctx.Symbol), nil
		}
		if s.params.EnableHTFBias && !s.htfAllowsShort() {
			return Hold(s.ctx.Symbol), nil
		}
		return s.open(PositionShort, lastClosed.Close, closeTime), nil
	}

	return Hold(s.ctx.Symbol), nil
}

// htfAllowsShort checks the higher-timeframe EMA alignment for a short
// entry. Missing or insufficient HTF data fails closed.
func (s *EMAScalping) htfAllowsShort() bool {
	htf := higherTimeframe(s.params.KlineInterval)
	limit := s.params.EMASlow + 10
	if limit < 50 {
		limit = 50
	}

	klines, err := s.feed.Klines(s.ctx.Symbol, htf, limit)
	if err != nil {
		s.log.Debug().Str("htf", htf).Err(err).Msg("htf data unavailable, short blocked")
		return false
	}
	closed := dropFormingCandle(klines)
	if len(closed) < s.params.EMASlow {
		s.log.Debug().Str("htf", htf).Int("have", len(closed)).Msg("htf data insufficient, short blocked")
		return false
	}

	closes := make([]float64, len(closed))
	for i := range closed {
		closes[i] = closed[i].Close
	}
	htfFast, okFast := EMA(closes, s.params.EMAFast)
	htfSlow, okSlow := EMA(closes, s.params.EMASlow)
	if !okFast || !okSlow {
		return false
	}
	return htfFast < htfSlow
}

// checkExits evaluates TP/SL (or the trailing stop) against the live price.
// Fixed TP/SL are blocked on the entry candle; the trailing stop is not.
func (s *EMAScalping) checkExits(livePrice float64, closeTime int64) *Signal {
	if s.position == "" {
		return nil
	}

	if s.trail != nil {
		s.trail.Update(livePrice)
		if exit, ok := s.trail.CheckExit(livePrice); ok {
			reason := ExitTrailingSL
			if exit == risk.ExitTP {
				reason = ExitTrailingTP
			}
			return s.exit(reason, livePrice)
		}
		return nil
	}

	if closeTime == s.entryCandleCloseTime {
		return nil
	}

	if s.position == PositionLong {
		if livePrice >= s.entryPrice*(1+s.params.TakeProfitPct) {
			return s.exit(ExitTakeProfit, livePrice)
		}
		if livePrice <= s.entryPrice*(1-s.params.StopLossPct) {
			return s.exit(ExitStopLoss, livePrice)
		}
		return nil
	}

	if livePrice <= s.entryPrice*(1-s.params.TakeProfitPct) {
		return s.exit(ExitTakeProfit, livePrice)
	}
	if livePrice >= s.entryPrice*(1+s.params.StopLossPct) {
		return s.exit(ExitStopLoss, livePrice)
	}
	return nil
}

// open records a new position and returns the entry signal.
func (s *EMAScalping) open(side PositionSide, price float64, closeTime int64) *Signal {
	s.position = side
	s.entryPrice = price
	s.entryCandleCloseTime = closeTime
	if s.params.TrailingStopEnabled {
		s.trail = s.newTrail(side, price)
	}

	action := ActionBuy
	if side == PositionShort {
		action = ActionSell
	}
	s.log.Info().Str("side", string(side)).Float64("entry", price).Msg("opening position")
	return &Signal{
		Action:       action,
		Symbol:       s.ctx.Symbol,
		Confidence:   1,
		Price:        price,
		PositionSide: side,
	}
}

// exit clears runtime state, arms the cooldown and returns the close signal.
func (s *EMAScalping) exit(reason string, price float64) *Signal {
	side := s.position
	s.position = ""
	s.entryPrice = 0
	s.entryCandleCloseTime = 0
	s.trail = nil
	s.cooldownLeft = s.params.CooldownCandles

	s.log.Info().Str("side", string(side)).Str("reason", reason).Float64("price", price).Msg("closing position")
	return &Signal{
		Action:       ActionClose,
		Symbol:       s.ctx.Symbol,
		Confidence:   1,
		Price:        price,
		ExitReason:   reason,
		PositionSide: side,
	}
}

func (s *EMAScalping) newTrail(side PositionSide, entry float64) *risk.TrailingStop {
	positionType := risk.PositionLong
	if side == PositionShort {
		positionType = risk.PositionShort
	}
	return risk.NewTrailingStop(risk.TrailingStopConfig{
		Symbol:        s.ctx.Symbol,
		EntryPrice:    entry,
		TakeProfitPct: s.params.TakeProfitPct,
		StopLossPct:   s.params.StopLossPct,
		PositionType:  positionType,
		ActivationPct: s.params.TrailingStopActivationPct,
		Bus:           s.bus,
	})
}

// SyncPositionState aligns runtime state with the exchange's reported
// position. The exchange is authoritative: a flat report clears state and
// arms the cooldown; a different side or entry price is adopted.
func (s *EMAScalping) SyncPositionState(side PositionSide, entryPrice float64) {
	if side == "" {
		if s.position != "" {
			s.log.Warn().Str("had", string(s.position)).Msg("exchange reports flat, resetting position state")
			s.position = ""
			s.entryPrice = 0
			s.entryCandleCloseTime = 0
			s.trail = nil
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
	s.trail = nil
	if s.params.TrailingStopEnabled {
		s.trail = s.newTrail(side, entryPrice)
	}
}

// Snapshot exports the state preserved across hot parameter swaps.
func (s *EMAScalping) Snapshot() Snapshot {
	return Snapshot{
		Position:               s.position,
		EntryPrice:             s.entryPrice,
		EntryCandleCloseTime:   s.entryCandleCloseTime,
		LastProcessedCloseTime: s.lastProcessedCloseTime,
	}
}

// Restore imports a snapshot taken before a parameter swap. EMA baselines
// are not carried over: new periods make them meaningless, so crossover
// detection resumes on the following candle.
func (s *EMAScalping) Restore(snap Snapshot) {
	s.position = snap.Position
	s.entryPrice = snap.EntryPrice
	s.entryCandleCloseTime = snap.EntryCandleCloseTime
	s.lastProcessedCloseTime = snap.LastProcessedCloseTime
	s.trail = nil
	if s.position != "" && s.params.TrailingStopEnabled {
		s.trail = s.newTrail(s.position, s.entryPrice)
	}
}

// Teardown releases instance resources.
func (s *EMAScalping) Teardown() {
	s.trail = nil
}

// dropFormingCandle removes a trailing candle whose close time is still in
// the future. REST kline responses include the forming bar; stream buffers
// do not.
func dropFormingCandle(klines []binance.Kline) []binance.Kline {
	now := time.Now().UnixMilli()
	for len(klines) > 0 && klines[len(klines)-1].CloseTime > now {
		klines = klines[:len(klines)-1]
	}
	return klines
}
