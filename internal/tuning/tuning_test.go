package tuning

import (
	"errors"
	"testing"
	"time"

	"binance-futures-engine/internal/events"
	"binance-futures-engine/internal/stats"
)

type fakeUpdater struct {
	calls  int
	lastID string
	last   map[string]string
	err    error
}

func (u *fakeUpdater) UpdateParams(strategyID string, params map[string]string) error {
	u.calls++
	u.lastID = strategyID
	u.last = params
	return u.err
}

func seedTrades(svc *stats.Service, strategyID string, n int) {
	for i := 0; i < n; i++ {
		ts := int64(i) * 2000
		svc.Record(stats.TradeRecord{
			StrategyID: strategyID, Symbol: "BTCUSDT", Side: "BUY",
			ExecutedQty: 1, AvgPrice: 100, Timestamp: ts,
		})
		svc.Record(stats.TradeRecord{
			StrategyID: strategyID, Symbol: "BTCUSDT", Side: "SELL",
			ExecutedQty: 1, AvgPrice: 101, Timestamp: ts + 1000,
		})
	}
}

func TestShouldTuneRequiresMinTrades(t *testing.T) {
	svc := stats.NewService()
	trigger := NewTrigger(Config{MinTrades: 5, MinTimeBetweenTuningHours: 24}, svc, &fakeUpdater{})

	seedTrades(svc, "s1", 3)

	ok, reason := trigger.ShouldTune("s1")
	if ok {
		t.Fatal("3 completed trades should not satisfy a minimum of 5")
	}
	if reason == "" {
		t.Error("rejection must carry a reason")
	}
}

func TestApplyParamsForwardsAndDebounces(t *testing.T) {
	svc := stats.NewService()
	updater := &fakeUpdater{}
	trigger := NewTrigger(Config{MinTrades: 5, MinTimeBetweenTuningHours: 24}, svc, updater)

	seedTrades(svc, "s1", 5)

	params := map[string]string{"ema_fast": "5"}
	if err := trigger.ApplyParams("s1", params); err != nil {
		t.Fatalf("ApplyParams: %v", err)
	}
	if updater.calls != 1 || updater.lastID != "s1" || updater.last["ema_fast"] != "5" {
		t.Fatalf("updater not invoked correctly: %+v", updater)
	}

	// A second apply inside the cooldown is refused without reaching the pool.
	err := trigger.ApplyParams("s1", params)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *RejectedError, got %v", err)
	}
	if rejected.StrategyID != "s1" {
		t.Errorf("rejection strategy = %q", rejected.StrategyID)
	}
	if updater.calls != 1 {
		t.Errorf("debounced apply must not call the updater, calls = %d", updater.calls)
	}
}

func TestApplyParamsBelowMinTradesRejected(t *testing.T) {
	svc := stats.NewService()
	updater := &fakeUpdater{}
	trigger := NewTrigger(Config{MinTrades: 10, MinTimeBetweenTuningHours: 0}, svc, updater)

	err := trigger.ApplyParams("s1", map[string]string{"ema_fast": "5"})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *RejectedError, got %v", err)
	}
	if updater.calls != 0 {
		t.Error("rejected apply must not call the updater")
	}
}

func TestApplyParamsPropagatesUpdaterError(t *testing.T) {
	svc := stats.NewService()
	updater := &fakeUpdater{err: errors.New("no runner registered")}
	trigger := NewTrigger(Config{MinTrades: 1, MinTimeBetweenTuningHours: 24}, svc, updater)

	seedTrades(svc, "s1", 1)

	err := trigger.ApplyParams("s1", map[string]string{"ema_fast": "5"})
	if err == nil || !errors.Is(err, updater.err) {
		t.Fatalf("updater error must surface, got %v", err)
	}

	// A failed apply does not start the cooldown.
	updater.err = nil
	if err := trigger.ApplyParams("s1", map[string]string{"ema_fast": "5"}); err != nil {
		t.Errorf("retry after failure should succeed: %v", err)
	}
}

func waitForEligible(t *testing.T, trigger *Trigger, strategyID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if trigger.Eligible(strategyID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("strategy %s never became eligible", strategyID)
}

func TestWatchBusTracksEligibility(t *testing.T) {
	svc := stats.NewService()
	trigger := NewTrigger(Config{MinTrades: 2, MinTimeBetweenTuningHours: 24}, svc, &fakeUpdater{})
	bus := events.NewBus()
	trigger.WatchBus(bus)

	seedTrades(svc, "s1", 1)
	bus.PublishTradeClosed("s1", "BTCUSDT", "TP", 100, 101, 1, 1)
	time.Sleep(50 * time.Millisecond)
	if trigger.Eligible("s1") {
		t.Fatal("one completed trade of two required must not be eligible")
	}

	seedTrades(svc, "s1", 1)
	bus.PublishTradeClosed("s1", "BTCUSDT", "TP", 100, 101, 1, 1)
	waitForEligible(t, trigger, "s1")

	if trigger.Eligible("s2") {
		t.Error("an unseen strategy must not be eligible")
	}
}

func TestApplyParamsClearsEligibility(t *testing.T) {
	svc := stats.NewService()
	trigger := NewTrigger(Config{MinTrades: 2, MinTimeBetweenTuningHours: 24}, svc, &fakeUpdater{})
	bus := events.NewBus()
	trigger.WatchBus(bus)

	seedTrades(svc, "s1", 2)
	bus.PublishTradeClosed("s1", "BTCUSDT", "TP", 100, 101, 1, 1)
	waitForEligible(t, trigger, "s1")

	if err := trigger.ApplyParams("s1", map[string]string{"ema_fast": "5"}); err != nil {
		t.Fatalf("ApplyParams: %v", err)
	}
	if trigger.Eligible("s1") {
		t.Error("an applied tune starts the cooldown, clearing eligibility")
	}
}

func TestSnapshotUsesConfiguredWindow(t *testing.T) {
	svc := stats.NewService()
	trigger := NewTrigger(Config{MinTrades: 1, SnapshotDays: 7}, svc, &fakeUpdater{})

	snap := trigger.Snapshot("s1", 0)
	if snap.Days != 7 {
		t.Errorf("days = %d; want configured 7", snap.Days)
	}

	snap = trigger.Snapshot("s1", 14)
	if snap.Days != 14 {
		t.Errorf("days = %d; want explicit 14", snap.Days)
	}
}
