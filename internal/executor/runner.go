// Package executor drives strategies: one runner per configured strategy,
// each on its own goroutine, owning the strategy instance exclusively.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/binance"
	"binance-futures-engine/internal/cache"
	"binance-futures-engine/internal/events"
	"binance-futures-engine/internal/logging"
	"binance-futures-engine/internal/orders"
	"binance-futures-engine/internal/risk"
	"binance-futures-engine/internal/stats"
	"binance-futures-engine/internal/strategy"
)

// Status is a runner's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

const (
	// candleWaitMultiple scales the interval into the latch-wait timeout;
	// on timeout the runner evaluates anyway from REST data.
	candleWaitMultiple = 2

	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 60 * time.Second

	shutdownCallTimeout = 15 * time.Second
)

// ExchangeClient is the slice of the futures client a runner needs.
type ExchangeClient interface {
	GetPosition(symbol string) (*binance.Position, error)
	GetPrice(symbol string) (float64, error)
	PlaceOrder(req binance.OrderRequest) (*binance.OrderRecord, error)
	GetOrderByClientID(symbol, clientOrderID string) (*binance.OrderRecord, error)
	ClosePosition(symbol, clientOrderID string) (*binance.OrderRecord, error)
	SetLeverage(symbol string, leverage int) error
}

// MarketData is the feed surface used for scheduling and sizing inputs.
type MarketData interface {
	Klines(symbol, interval string, limit int) ([]binance.Kline, error)
	Price(symbol string) (float64, error)
	WaitForCandle(symbol, interval string, timeout time.Duration) bool
}

// StreamSubscriber manages shared kline stream subscriptions. Nil means
// the runner schedules on a plain interval timer.
type StreamSubscriber interface {
	Subscribe(symbol, interval string) error
	Unsubscribe(symbol, interval string)
}

// Config describes one strategy runner.
type Config struct {
	StrategyType string
	Context      strategy.Context

	// FixedAmount, when positive, overrides equity-based sizing.
	FixedAmount float64

	// CloseOnStop flattens any open position during shutdown.
	CloseOnStop bool
}

// Deps are the shared collaborators a runner borrows from the application.
type Deps struct {
	Client  ExchangeClient
	Feed    MarketData
	Streams StreamSubscriber
	Sizer   *risk.Sizer
	Cache   *cache.Service
	Stats   *stats.Service
	Bus     *events.Bus

	// OrderIDs tags non-signal orders (closes) with daily-sequence client
	// order IDs. Defaulted to a cache-less generator when unset.
	OrderIDs *orders.Generator
}

// Runner owns one strategy instance and its evaluation loop.
type Runner struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu       sync.Mutex
	strat    strategy.Strategy
	status   Status
	lastErr  error
	quantity float64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner builds the strategy instance and a runner around it.
func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	strat, err := strategy.Build(cfg.StrategyType, cfg.Context, deps.Feed, deps.Bus)
	if err != nil {
		return nil, err
	}
	if deps.OrderIDs == nil {
		deps.OrderIDs = orders.NewGenerator(nil, cfg.Context.ID)
	}

	return &Runner{
		cfg:    cfg,
		deps:   deps,
		log:    logging.Component("runner").With().Str("strategy_id", cfg.Context.ID).Str("symbol", cfg.Context.Symbol).Logger(),
		strat:  strat,
		status: StatusPending,
		done:   make(chan struct{}),
	}, nil
}

// ID returns the runner's strategy identifier.
func (r *Runner) ID() string { return r.cfg.Context.ID }

// Status returns the runner state and its terminal error, if any.
func (r *Runner) Status() (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.lastErr
}

func (r *Runner) setStatus(s Status, err error) {
	r.mu.Lock()
	r.status = s
	r.lastErr = err
	r.mu.Unlock()
}

// Start launches the evaluation loop. Fatal setup errors (bad leverage,
// unknown symbol) put the runner into the error state without affecting
// sibling runners.
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		defer close(r.done)
		defer r.teardown()

		if err := r.setup(); err != nil {
			r.log.Error().Err(err).Msg("runner setup failed")
			r.deps.Bus.PublishError("runner", "setup failed", err)
			r.setStatus(StatusError, err)
			return
		}

		r.setStatus(StatusRunning, nil)
		r.loop(runCtx)
	}()
}

// Stop requests cooperative shutdown and waits for the loop to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Runner) setup() error {
	symbol := r.cfg.Context.Symbol

	if lev := r.cfg.Context.Leverage; lev > 0 {
		if err := r.deps.Client.SetLeverage(symbol, lev); err != nil {
			return fmt.Errorf("error setting leverage: %w", err)
		}
	}

	if r.deps.Streams != nil {
		if err := r.deps.Streams.Subscribe(symbol, r.strat.Interval()); err != nil {
			r.log.Warn().Err(err).Msg("stream subscription failed, falling back to interval timer")
		}
	}

	r.restoreFromCache()
	return nil
}

// restoreFromCache seeds the strategy from a persisted position snapshot
// so the first reconciliation has the right entry candle. The exchange
// remains authoritative on the first tick.
func (r *Runner) restoreFromCache() {
	if r.deps.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := r.deps.Cache.LoadPositionSnapshot(ctx, r.cfg.Context.ID)
	if err != nil || snap == nil {
		return
	}

	r.mu.Lock()
	r.strat.Restore(strategy.Snapshot{
		Position:             strategy.PositionSide(snap.Side),
		EntryPrice:           snap.EntryPrice,
		EntryCandleCloseTime: snap.EntryCandleCloseTime,
	})
	r.quantity = snap.Quantity
	r.mu.Unlock()
	r.log.Info().Str("side", snap.Side).Float64("entry_price", snap.EntryPrice).Msg("position snapshot restored")
}

func (r *Runner) teardown() {
	if r.cfg.CloseOnStop {
		r.closeOnShutdown()
	}
	if r.deps.Streams != nil {
		r.deps.Streams.Unsubscribe(r.cfg.Context.Symbol, r.strat.Interval())
	}
	r.mu.Lock()
	r.strat.Teardown()
	if r.status == StatusRunning {
		r.status = StatusStopped
	}
	r.mu.Unlock()
}

func (r *Runner) closeOnShutdown() {
	symbol := r.cfg.Context.Symbol
	idCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	closeID := r.deps.OrderIDs.SequenceID(idCtx, orders.KindExit)
	cancel()

	deadline := time.Now().Add(shutdownCallTimeout)
	for time.Now().Before(deadline) {
		// One ID across the retries so the exchange deduplicates them.
		if _, err := r.deps.Client.ClosePosition(symbol, closeID); err == nil {
			return
		} else if !binance.IsTransient(err) {
			r.log.Warn().Err(err).Msg("close on shutdown failed")
			return
		}
		time.Sleep(time.Second)
	}
}

func (r *Runner) intervalDuration() time.Duration {
	if secs := r.cfg.Context.IntervalSeconds; secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := binance.IntervalSeconds(r.strat.Interval()); ok {
		return time.Duration(secs) * time.Second
	}
	return time.Minute
}

func (r *Runner) loop(ctx context.Context) {
	interval := r.intervalDuration()
	failures := 0

	for {
		r.waitForNextEvaluation(ctx, interval)
		if ctx.Err() != nil {
			return
		}

		err := r.tick(ctx)
		if err == nil {
			failures = 0
			continue
		}

		if binance.IsFatalForRunner(err) {
			r.log.Error().Err(err).Msg("fatal error, runner stopping")
			r.deps.Bus.PublishError("runner", "fatal error", err)
			r.setStatus(StatusError, err)
			return
		}

		failures++
		delay := backoffDelay(failures)
		r.log.Warn().Err(err).Int("consecutive_failures", failures).Dur("backoff", delay).Msg("evaluation cycle failed")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// waitForNextEvaluation blocks until the next closed candle when a stream
// is attached, or sleeps one interval otherwise. A latch timeout falls
// through to a REST-backed evaluation.
func (r *Runner) waitForNextEvaluation(ctx context.Context, interval time.Duration) {
	if r.deps.Streams != nil {
		timeout := interval * candleWaitMultiple
		woken := make(chan struct{})
		go func() {
			r.deps.Feed.WaitForCandle(r.cfg.Context.Symbol, r.strat.Interval(), timeout)
			close(woken)
		}()
		select {
		case <-woken:
		case <-ctx.Done():
		}
		return
	}
	sleepCtx(ctx, interval)
}

// tick runs one full evaluation cycle: reconcile, evaluate, act.
func (r *Runner) tick(ctx context.Context) error {
	symbol := r.cfg.Context.Symbol

	pos, err := r.deps.Client.GetPosition(symbol)
	if err != nil {
		return fmt.Errorf("error fetching position: %w", err)
	}

	if ctx.Err() != nil {
		return nil
	}

	// The lock covers reconciliation and evaluation so a concurrent
	// parameter swap never observes a half-updated instance.
	r.mu.Lock()
	r.reconcileLocked(pos)
	sig, err := r.strat.Evaluate()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("error evaluating strategy: %w", err)
	}
	if sig == nil || sig.Action == strategy.ActionHold {
		return nil
	}

	if ctx.Err() != nil {
		return nil
	}

	switch sig.Action {
	case strategy.ActionBuy, strategy.ActionSell:
		return r.openPosition(sig)
	case strategy.ActionClose:
		return r.closePosition(ctx, sig, pos)
	}
	return nil
}

// reconcileLocked pushes the exchange's reported position into the
// strategy. The exchange is authoritative: a flat report resets runtime
// state and arms cooldown, a mismatched side or entry price is adopted.
func (r *Runner) reconcileLocked(pos *binance.Position) {
	if pos == nil || pos.IsFlat() {
		r.strat.SyncPositionState("", 0)
		r.quantity = 0
		return
	}
	r.strat.SyncPositionState(strategy.PositionSide(pos.Side()), pos.EntryPrice)
	if pos.PositionAmt != 0 {
		r.quantity = abs(pos.PositionAmt)
	}
}

func (r *Runner) openPosition(sig *strategy.Signal) error {
	cfgCtx := r.cfg.Context
	symbol := cfgCtx.Symbol

	price := sig.Price
	if price <= 0 {
		live, err := r.deps.Feed.Price(symbol)
		if err != nil {
			return fmt.Errorf("error fetching price for sizing: %w", err)
		}
		price = live
	}

	klines, err := r.deps.Feed.Klines(symbol, r.strat.Interval(), 50)
	if err != nil {
		klines = nil
	}

	result, err := r.deps.Sizer.SizePosition(risk.SizeRequest{
		Symbol:       symbol,
		Price:        price,
		RiskPerTrade: cfgCtx.RiskPerTrade,
		FixedAmount:  r.cfg.FixedAmount,
		StrategyID:   cfgCtx.ID,
		Klines:       klines,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("position sizing rejected entry")
		return nil
	}
	if result.Quantity <= 0 {
		return nil
	}

	side := binance.SideBuy
	if sig.Action == strategy.ActionSell {
		side = binance.SideSell
	}

	r.mu.Lock()
	snap := r.strat.Snapshot()
	r.mu.Unlock()
	clientID := orders.SignalID(orders.KindEntry, cfgCtx.ID, symbol, string(side), snap.LastProcessedCloseTime)

	rec, err := r.deps.Client.PlaceOrder(binance.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          binance.OrderTypeMarket,
		Quantity:      result.Quantity,
		ClientOrderID: clientID,
	})
	if err != nil {
		// A duplicate within the exchange's dedup window means a prior
		// attempt went through. Reuse that order instead of failing.
		if prior, qerr := r.deps.Client.GetOrderByClientID(symbol, clientID); qerr == nil && prior != nil {
			r.log.Info().Str("client_order_id", clientID).Msg("reusing previously placed order")
			rec = prior
		} else {
			return fmt.Errorf("error placing entry order: %w", err)
		}
	}

	r.recordEntry(sig, rec)
	return nil
}

func (r *Runner) recordEntry(sig *strategy.Signal, rec *binance.OrderRecord) {
	cfgCtx := r.cfg.Context

	entryPrice := rec.AvgPrice
	if entryPrice <= 0 {
		entryPrice = sig.Price
	}

	r.mu.Lock()
	r.quantity = rec.ExecutedQty
	r.mu.Unlock()

	if r.deps.Stats != nil {
		r.deps.Stats.Record(stats.TradeRecord{
			StrategyID:      cfgCtx.ID,
			OrderID:         rec.OrderID,
			Symbol:          rec.Symbol,
			Side:            string(rec.Side),
			ExecutedQty:     rec.ExecutedQty,
			AvgPrice:        entryPrice,
			Commission:      rec.Commission,
			CommissionAsset: rec.CommissionAsset,
			Timestamp:       rec.UpdateTime,
		})
	}

	if r.deps.Cache != nil {
		r.mu.Lock()
		snap := r.strat.Snapshot()
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.deps.Cache.SavePositionSnapshot(ctx, cfgCtx.ID, cache.PositionSnapshot{
			Symbol:               rec.Symbol,
			Side:                 string(sig.PositionSide),
			EntryPrice:           entryPrice,
			EntryCandleCloseTime: snap.EntryCandleCloseTime,
			Quantity:             rec.ExecutedQty,
		}); err != nil {
			r.log.Warn().Err(err).Msg("position snapshot save failed")
		}
		cancel()
	}

	r.deps.Bus.PublishTradeOpened(cfgCtx.ID, rec.Symbol, string(sig.PositionSide), entryPrice, rec.ExecutedQty)
	r.log.Info().
		Str("side", string(sig.PositionSide)).
		Float64("entry_price", entryPrice).
		Float64("quantity", rec.ExecutedQty).
		Int64("order_id", rec.OrderID).
		Msg("position opened")
}

func (r *Runner) closePosition(ctx context.Context, sig *strategy.Signal, pos *binance.Position) error {
	cfgCtx := r.cfg.Context
	symbol := cfgCtx.Symbol

	closeID := r.deps.OrderIDs.SequenceID(ctx, orders.KindExit)
	rec, err := r.deps.Client.ClosePosition(symbol, closeID)
	if err != nil {
		return fmt.Errorf("error closing position: %w", err)
	}
	if rec == nil {
		// Already flat on the exchange; reconciliation cleaned up.
		return nil
	}

	entryPrice := 0.0
	side := string(sig.PositionSide)
	if pos != nil && !pos.IsFlat() {
		entryPrice = pos.EntryPrice
		if side == "" {
			side = pos.Side()
		}
	}

	exitPrice := rec.AvgPrice
	qty := rec.ExecutedQty
	pnl := (exitPrice - entryPrice) * qty
	if side == string(strategy.PositionShort) {
		pnl = (entryPrice - exitPrice) * qty
	}

	if r.deps.Stats != nil {
		r.deps.Stats.Record(stats.TradeRecord{
			StrategyID:      cfgCtx.ID,
			OrderID:         rec.OrderID,
			Symbol:          rec.Symbol,
			Side:            string(rec.Side),
			ExecutedQty:     qty,
			AvgPrice:        exitPrice,
			Commission:      rec.Commission,
			CommissionAsset: rec.CommissionAsset,
			Timestamp:       rec.UpdateTime,
		})
	}
	r.deps.Sizer.RecordTrade(cfgCtx.ID, pnl, pnl > 0)

	if r.deps.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.deps.Cache.DeletePositionSnapshot(ctx, cfgCtx.ID); err != nil {
			r.log.Warn().Err(err).Msg("position snapshot delete failed")
		}
		cancel()
	}

	r.mu.Lock()
	r.quantity = 0
	r.mu.Unlock()

	r.deps.Bus.PublishTradeClosed(cfgCtx.ID, symbol, sig.ExitReason, entryPrice, exitPrice, qty, pnl)
	r.log.Info().
		Str("reason", sig.ExitReason).
		Float64("entry_price", entryPrice).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("position closed")
	return nil
}

// UpdateParams hot-swaps the strategy instance: a new instance is built
// from the updated parameters and the runtime position state is carried
// over. The evaluation loop sees the swap atomically at its next tick.
func (r *Runner) UpdateParams(params map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	newCtx := r.cfg.Context
	merged := make(map[string]string, len(newCtx.Params)+len(params))
	for k, v := range newCtx.Params {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	newCtx.Params = merged

	replacement, err := strategy.Build(r.cfg.StrategyType, newCtx, r.deps.Feed, r.deps.Bus)
	if err != nil {
		return fmt.Errorf("error rebuilding strategy: %w", err)
	}

	snap := r.strat.Snapshot()
	replacement.Restore(snap)

	old := r.strat
	r.strat = replacement
	r.cfg.Context = newCtx
	old.Teardown()

	r.log.Info().Interface("params", params).Msg("strategy parameters updated")
	return nil
}

func backoffDelay(failures int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

// sleepCtx sleeps for d, returning false when the context is cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
