// Package events provides an in-process pub/sub bus for engine events.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the engine
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventOrderPlaced     EventType = "ORDER_PLACED"
	EventTrailUpdate     EventType = "TRAIL_UPDATE"
	EventBreakerState    EventType = "BREAKER_STATE"
	EventRunnerStarted   EventType = "RUNNER_STARTED"
	EventRunnerStopped   EventType = "RUNNER_STOPPED"
	EventParamsSwapped   EventType = "PARAMS_SWAPPED"
	EventError           EventType = "ERROR"
)

// Event represents an engine event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow consumer cannot block the publisher.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a signal generated event
func (b *Bus) PublishSignal(strategyID, symbol, action, reason string, price float64) {
	b.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"strategy": strategyID,
			"symbol":   symbol,
			"action":   action,
			"reason":   reason,
			"price":    price,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (b *Bus) PublishTradeOpened(strategyID, symbol, side string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"strategy":    strategyID,
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (b *Bus) PublishTradeClosed(strategyID, symbol, reason string, entryPrice, exitPrice, quantity, pnl float64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"strategy":    strategyID,
			"symbol":      symbol,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"quantity":    quantity,
			"pnl":         pnl,
		},
	})
}

// PublishTrailUpdate publishes a trailing stop adjustment
func (b *Bus) PublishTrailUpdate(symbol, side string, bestPrice, newTP, newSL float64) {
	b.Publish(Event{
		Type: EventTrailUpdate,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"side":       side,
			"best_price": bestPrice,
			"tp":         newTP,
			"sl":         newSL,
		},
	})
}

// PublishBreakerState publishes a circuit breaker state transition
func (b *Bus) PublishBreakerState(name, from, to string) {
	b.Publish(Event{
		Type: EventBreakerState,
		Data: map[string]interface{}{
			"breaker": name,
			"from":    from,
			"to":      to,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
