package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"binance-futures-engine/internal/logging"
)

const (
	// WSMainnetURL is the production futures market data stream endpoint.
	WSMainnetURL = "wss://fstream.binance.com"
	// WSTestnetURL is the testnet futures market data stream endpoint.
	WSTestnetURL = "wss://stream.binancefuture.com"
)

const (
	wsPingInterval      = 20 * time.Second
	wsPongTimeout       = 10 * time.Second
	wsReconnectMaxDelay = 60 * time.Second
	wsFailoverAfter     = 3 // consecutive failures before testnet falls over to mainnet
	wsPauseAfter        = 10
	wsPausePeriod       = 5 * time.Minute
	wsSubscribeTimeout  = 10 * time.Second
)

// klineFrame mirrors the exchange's kline stream payload.
type klineFrame struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime                 int64   `json:"t"`
		CloseTime                int64   `json:"T"`
		Open                     float64 `json:"o,string"`
		High                     float64 `json:"h,string"`
		Low                      float64 `json:"l,string"`
		Close                    float64 `json:"c,string"`
		Volume                   float64 `json:"v,string"`
		QuoteAssetVolume         float64 `json:"q,string"`
		NumberOfTrades           int     `json:"n"`
		TakerBuyBaseAssetVolume  float64 `json:"V,string"`
		TakerBuyQuoteAssetVolume float64 `json:"Q,string"`
		IsClosed                 bool    `json:"x"`
	} `json:"k"`
}

// klineStream is one connection task for a (symbol, interval) pair.
type klineStream struct {
	symbol   string
	interval string
	buffer   *KlineBuffer

	mu       sync.Mutex
	refCount int
	latch    chan struct{}
	ready    chan struct{}
	readySet bool
	stop     chan struct{}
	conn     *websocket.Conn
}

// fireLatch wakes every waiter currently suspended on the latch and arms a
// fresh one, so later waiters block until the next closed candle.
func (s *klineStream) fireLatch() {
	s.mu.Lock()
	close(s.latch)
	s.latch = make(chan struct{})
	s.mu.Unlock()
}

func (s *klineStream) currentLatch() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latch
}

func (s *klineStream) markReady() {
	s.mu.Lock()
	if !s.readySet {
		s.readySet = true
		close(s.ready)
	}
	s.mu.Unlock()
}

// StreamManager multiplexes one WebSocket kline stream per (symbol, interval)
// to any number of subscribers. Process-wide per testnet flag.
type StreamManager struct {
	testnet bool
	market  *MarketClient
	log     zerolog.Logger

	mu      sync.Mutex
	streams map[string]*klineStream
}

var (
	streamManagerMu sync.Mutex
	streamManagers  = map[bool]*StreamManager{}
)

// GetStreamManager returns the process-wide stream manager for the given
// environment, creating it on first use.
func GetStreamManager(testnet bool) *StreamManager {
	streamManagerMu.Lock()
	defer streamManagerMu.Unlock()

	if m, ok := streamManagers[testnet]; ok {
		return m
	}
	m := NewStreamManager(testnet)
	streamManagers[testnet] = m
	return m
}

// NewStreamManager creates an unshared stream manager. Production code uses
// GetStreamManager; tests construct their own.
func NewStreamManager(testnet bool) *StreamManager {
	return &StreamManager{
		testnet: testnet,
		market:  NewMarketClient(testnet),
		log:     logging.Component("kline_stream"),
		streams: make(map[string]*klineStream),
	}
}

func streamKey(symbol, interval string) string {
	return strings.ToUpper(symbol) + "@" + interval
}

// Subscribe registers interest in a stream, spawning the connection task on
// first use. It returns once the stream is up or after a bounded wait; a
// slow connection is logged and tolerated because consumers can fall back
// to REST.
func (m *StreamManager) Subscribe(symbol, interval string) error {
	interval, ok := NormalizeInterval(interval)
	if !ok {
		m.log.Warn().Str("symbol", symbol).Str("interval", interval).Msg("unknown interval, using 1m")
	}
	key := streamKey(symbol, interval)

	m.mu.Lock()
	s, exists := m.streams[key]
	if !exists {
		s = &klineStream{
			symbol:   strings.ToUpper(symbol),
			interval: interval,
			buffer:   NewKlineBuffer(DefaultBufferCapacity),
			latch:    make(chan struct{}),
			ready:    make(chan struct{}),
			stop:     make(chan struct{}),
		}
		m.streams[key] = s
	}
	s.refCount++
	m.mu.Unlock()

	if !exists {
		go m.run(s)
	}

	select {
	case <-s.ready:
	case <-time.After(wsSubscribeTimeout):
		m.log.Warn().Str("stream", key).Msg("stream not up yet, consumers will use REST until it connects")
	}
	return nil
}

// Unsubscribe drops one reference; the last reference terminates the
// connection task and frees the buffer and latch.
func (m *StreamManager) Unsubscribe(symbol, interval string) {
	interval, _ = NormalizeInterval(interval)
	key := streamKey(symbol, interval)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[key]
	if !ok {
		return
	}
	s.refCount--
	if s.refCount > 0 {
		return
	}

	delete(m.streams, key)
	close(s.stop)
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	m.log.Info().Str("stream", key).Msg("stream released")
}

// Klines returns the last limit closed klines, serving from the stream
// buffer when it holds enough recent data and refreshing from REST
// otherwise. A buffer that stopped updating (stream outage) counts as
// insufficient. Refresh errors are surfaced only when the buffer cannot
// cover the request.
func (m *StreamManager) Klines(symbol, interval string, limit int) ([]Kline, error) {
	interval, _ = NormalizeInterval(interval)
	key := streamKey(symbol, interval)

	m.mu.Lock()
	s, ok := m.streams[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("not subscribed to %s", key)
	}

	if s.buffer.Len() >= limit && m.bufferFresh(s) {
		return s.buffer.Snapshot(limit), nil
	}

	fetched, err := m.market.GetKlines(s.symbol, s.interval, limit)
	if err != nil {
		if s.buffer.Len() >= limit {
			m.log.Warn().Str("stream", key).Err(err).Msg("kline refresh failed, serving buffered candles")
			return s.buffer.Snapshot(limit), nil
		}
		return nil, fmt.Errorf("kline bootstrap for %s: %w", key, err)
	}
	// The last REST kline may still be forming; keep only settled candles.
	cutoff := time.Now().UnixMilli()
	settled := make([]Kline, 0, len(fetched))
	for _, k := range fetched {
		if k.CloseTime <= cutoff {
			settled = append(settled, k)
		}
	}
	s.buffer.Bootstrap(settled)
	return s.buffer.Snapshot(limit), nil
}

// bufferFresh reports whether the stream buffer was updated within the last
// two interval lengths. A stream that missed candles goes stale and forces
// a REST refresh.
func (m *StreamManager) bufferFresh(s *klineStream) bool {
	last := s.buffer.LastUpdate()
	if last.IsZero() {
		return false
	}
	secs, ok := IntervalSeconds(s.interval)
	if !ok {
		secs = 60
	}
	return time.Since(last) <= 2*time.Duration(secs)*time.Second
}

// Latest returns the newest buffered kline for a subscribed stream.
func (m *StreamManager) Latest(symbol, interval string) (Kline, bool) {
	interval, _ = NormalizeInterval(interval)

	m.mu.Lock()
	s, ok := m.streams[streamKey(symbol, interval)]
	m.mu.Unlock()
	if !ok {
		return Kline{}, false
	}
	return s.buffer.Latest()
}

// WaitForNewClosedCandle suspends until the next closed candle on the
// stream or until timeout. Returns true when woken by a candle.
func (m *StreamManager) WaitForNewClosedCandle(symbol, interval string, timeout time.Duration) bool {
	interval, _ = NormalizeInterval(interval)

	m.mu.Lock()
	s, ok := m.streams[streamKey(symbol, interval)]
	m.mu.Unlock()
	if !ok {
		return false
	}

	latch := s.currentLatch()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-latch:
		return true
	case <-timer.C:
		return false
	}
}

// run is the connection task: dial, read frames, distribute closed candles,
// reconnect with capped exponential backoff. Testnet streams fail over to
// the public mainnet market data endpoint after repeated failures.
func (m *StreamManager) run(s *klineStream) {
	key := streamKey(s.symbol, s.interval)
	path := fmt.Sprintf("/ws/%s@kline_%s", strings.ToLower(s.symbol), s.interval)

	failures := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		baseURL := WSMainnetURL
		if m.testnet && failures < wsFailoverAfter {
			baseURL = WSTestnetURL
		}

		conn, _, err := websocket.DefaultDialer.Dial(baseURL+path, nil)
		if err != nil {
			failures++
			m.log.Warn().
				Str("stream", key).
				Str("url", baseURL).
				Int("failures", failures).
				Err(err).
				Msg("stream connect failed")

			if failures >= wsPauseAfter {
				m.log.Error().Str("stream", key).Msg("stream repeatedly failing, pausing before further attempts")
				failures = 0
				if !sleepOrStop(s.stop, wsPausePeriod) {
					return
				}
				continue
			}
			if !sleepOrStop(s.stop, reconnectDelay(failures)) {
				return
			}
			continue
		}

		failures = 0
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.markReady()
		m.log.Info().Str("stream", key).Str("url", baseURL).Msg("stream connected")

		m.readLoop(s, conn, key)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		select {
		case <-s.stop:
			return
		default:
			failures++
			if !sleepOrStop(s.stop, reconnectDelay(failures)) {
				return
			}
		}
	}
}

// readLoop consumes frames on one connection until it breaks.
func (m *StreamManager) readLoop(s *klineStream, conn *websocket.Conn, key string) {
	conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsPongTimeout)); err != nil {
					return
				}
			case <-pingStop:
				return
			case <-s.stop:
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stop:
			default:
				m.log.Warn().Str("stream", key).Err(err).Msg("stream read failed, reconnecting")
			}
			return
		}

		var frame klineFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			m.log.Debug().Str("stream", key).Err(err).Msg("unparseable frame skipped")
			continue
		}
		if frame.EventType != "kline" || !frame.Kline.IsClosed {
			continue
		}

		s.buffer.Add(Kline{
			OpenTime:                 frame.Kline.OpenTime,
			Open:                     frame.Kline.Open,
			High:                     frame.Kline.High,
			Low:                      frame.Kline.Low,
			Close:                    frame.Kline.Close,
			Volume:                   frame.Kline.Volume,
			CloseTime:                frame.Kline.CloseTime,
			QuoteAssetVolume:         frame.Kline.QuoteAssetVolume,
			NumberOfTrades:           frame.Kline.NumberOfTrades,
			TakerBuyBaseAssetVolume:  frame.Kline.TakerBuyBaseAssetVolume,
			TakerBuyQuoteAssetVolume: frame.Kline.TakerBuyQuoteAssetVolume,
		})
		s.fireLatch()
	}
}

func reconnectDelay(failures int) time.Duration {
	delay := time.Second * time.Duration(1<<uint(failures-1))
	if delay > wsReconnectMaxDelay {
		delay = wsReconnectMaxDelay
	}
	return delay
}

// sleepOrStop waits for d, returning false if stop closes first.
func sleepOrStop(stop chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}
