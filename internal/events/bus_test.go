package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventTradeOpened, func(e Event) { got <- e })

	bus.PublishTradeOpened("s1", "BTCUSDT", "LONG", 42000, 0.01)

	select {
	case e := <-got:
		if e.Type != EventTradeOpened {
			t.Errorf("type = %s", e.Type)
		}
		if e.Data["strategy"] != "s1" || e.Data["symbol"] != "BTCUSDT" {
			t.Errorf("data = %+v", e.Data)
		}
		if e.Data["entry_price"] != 42000.0 {
			t.Errorf("entry_price = %v", e.Data["entry_price"])
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventTradeClosed, func(e Event) { got <- e })

	bus.PublishTradeOpened("s1", "BTCUSDT", "LONG", 42000, 0.01)

	select {
	case e := <-got:
		t.Fatalf("unexpected delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus()
	got := make(chan EventType, 4)
	bus.SubscribeAll(func(e Event) { got <- e.Type })

	bus.PublishSignal("s1", "BTCUSDT", "BUY", "golden cross", 42000)
	bus.PublishError("runner", "evaluation failed", nil)

	seen := make(map[EventType]bool)
	for i := 0; i < 2; i++ {
		select {
		case typ := <-got:
			seen[typ] = true
		case <-time.After(time.Second):
			t.Fatal("catch-all subscriber missed an event")
		}
	}
	if !seen[EventSignalGenerated] || !seen[EventError] {
		t.Errorf("seen = %v", seen)
	}
}

func TestMultipleSubscribersAllDelivered(t *testing.T) {
	bus := NewBus()
	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	bus.Subscribe(EventBreakerState, func(Event) { first <- struct{}{} })
	bus.Subscribe(EventBreakerState, func(Event) { second <- struct{}{} })

	bus.PublishBreakerState("binance", "closed", "open")

	for i, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}
