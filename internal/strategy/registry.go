package strategy

import (
	"fmt"

	"binance-futures-engine/internal/events"
)

// Strategy type tags accepted in configuration.
const (
	TypeScalping           = "scalping"
	TypeEMACrossover       = "ema_crossover" // alias of scalping
	TypeRangeMeanReversion = "range_mean_reversion"
)

// UnsupportedTypeError reports an unknown strategy type tag.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported strategy type %q", e.Type)
}

// InitError reports a constructor failure for a known strategy type.
type InitError struct {
	Type string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("strategy init failed for type %q: %v", e.Type, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// constructor builds a ready strategy instance from its context.
type constructor func(ctx Context, feed MarketFeed, bus *events.Bus) (Strategy, error)

var registry = map[string]constructor{
	TypeScalping: func(ctx Context, feed MarketFeed, bus *events.Bus) (Strategy, error) {
		return NewEMAScalping(ctx, feed, bus)
	},
	TypeEMACrossover: func(ctx Context, feed MarketFeed, bus *events.Bus) (Strategy, error) {
		return NewEMAScalping(ctx, feed, bus)
	},
	TypeRangeMeanReversion: func(ctx Context, feed MarketFeed, bus *events.Bus) (Strategy, error) {
		return NewRangeTrading(ctx, feed, bus)
	},
}

// SupportedTypes lists the registered strategy type tags.
func SupportedTypes() []string {
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	return types
}

// Build constructs a strategy instance for the given type tag.
func Build(strategyType string, ctx Context, feed MarketFeed, bus *events.Bus) (Strategy, error) {
	ctor, ok := registry[strategyType]
	if !ok {
		return nil, &UnsupportedTypeError{Type: strategyType}
	}
	s, err := ctor(ctx, feed, bus)
	if err != nil {
		return nil, &InitError{Type: strategyType, Err: err}
	}
	return s, nil
}
