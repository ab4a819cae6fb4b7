package binance

import (
	"time"

	"github.com/rs/zerolog"

	"binance-futures-engine/internal/logging"
)

// KlineSource provides closed candles over REST.
type KlineSource interface {
	GetKlines(symbol, interval string, limit int) ([]Kline, error)
}

// PriceSource provides the current ticker price.
type PriceSource interface {
	GetPrice(symbol string) (float64, error)
}

// DataFeed serves market data to strategy evaluators: klines from the
// shared stream buffers when available, REST otherwise.
type DataFeed struct {
	manager *StreamManager
	rest    KlineSource
	prices  PriceSource
	log     zerolog.Logger
}

// NewDataFeed creates a feed. manager may be nil, in which case every kline
// read goes to REST.
func NewDataFeed(manager *StreamManager, rest KlineSource, prices PriceSource) *DataFeed {
	return &DataFeed{
		manager: manager,
		rest:    rest,
		prices:  prices,
		log:     logging.Component("data_feed"),
	}
}

// Klines returns the last limit closed candles, oldest first.
func (f *DataFeed) Klines(symbol, interval string, limit int) ([]Kline, error) {
	if f.manager != nil {
		klines, err := f.manager.Klines(symbol, interval, limit)
		if err == nil && len(klines) > 0 {
			return klines, nil
		}
		if err != nil {
			f.log.Debug().Str("symbol", symbol).Str("interval", interval).Err(err).
				Msg("stream buffer unavailable, falling back to REST")
		}
	}
	return f.rest.GetKlines(symbol, interval, limit)
}

// Price returns the current ticker price.
func (f *DataFeed) Price(symbol string) (float64, error) {
	return f.prices.GetPrice(symbol)
}

// WaitForCandle blocks until the next closed candle on the stream, or until
// timeout. Without a stream manager it reports false immediately so the
// caller can fall back to interval sleeping.
func (f *DataFeed) WaitForCandle(symbol, interval string, timeout time.Duration) bool {
	if f.manager == nil {
		return false
	}
	return f.manager.WaitForNewClosedCandle(symbol, interval, timeout)
}
