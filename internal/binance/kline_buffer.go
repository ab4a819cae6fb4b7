package binance

import (
	"sync"
	"time"
)

// DefaultBufferCapacity is the default number of closed klines kept per stream.
const DefaultBufferCapacity = 1000

// KlineBuffer is a bounded ordered sequence of closed klines for one
// (symbol, interval). All reads return copies, never aliases.
type KlineBuffer struct {
	mu             sync.Mutex
	klines         []Kline
	capacity       int
	lastUpdateTime time.Time
}

// NewKlineBuffer creates a buffer with the given capacity (defaulted when <= 0).
func NewKlineBuffer(capacity int) *KlineBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &KlineBuffer{
		klines:   make([]Kline, 0, capacity),
		capacity: capacity,
	}
}

// Add appends a closed kline. A kline with the same close time as the last
// buffered one replaces it in place (late update of the same candle).
func (b *KlineBuffer) Add(k Kline) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.klines)
	if n > 0 && b.klines[n-1].CloseTime == k.CloseTime {
		b.klines[n-1] = k
	} else {
		b.klines = append(b.klines, k)
		if len(b.klines) > b.capacity {
			b.klines = b.klines[len(b.klines)-b.capacity:]
		}
	}
	b.lastUpdateTime = time.Now()
}

// Bootstrap merges a batch of settled klines, ascending by close time, into
// the buffer. Ordering is preserved and close times stay unique; on a
// collision the buffered kline wins because the stream saw the candle's
// final update. Used to backfill history behind candles already received
// over the stream.
func (b *KlineBuffer) Bootstrap(klines []Kline) {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]Kline, 0, len(b.klines)+len(klines))
	i, j := 0, 0
	for i < len(klines) && j < len(b.klines) {
		switch {
		case klines[i].CloseTime < b.klines[j].CloseTime:
			merged = append(merged, klines[i])
			i++
		case klines[i].CloseTime > b.klines[j].CloseTime:
			merged = append(merged, b.klines[j])
			j++
		default:
			merged = append(merged, b.klines[j])
			i++
			j++
		}
	}
	merged = append(merged, klines[i:]...)
	merged = append(merged, b.klines[j:]...)
	if len(merged) > b.capacity {
		merged = merged[len(merged)-b.capacity:]
	}
	b.klines = merged
	b.lastUpdateTime = time.Now()
}

// Len returns the number of buffered klines.
func (b *KlineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.klines)
}

// Snapshot returns a copy of up to the last limit klines, oldest first.
// limit <= 0 returns everything.
func (b *KlineBuffer) Snapshot(limit int) []Kline {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.klines)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Kline, limit)
	copy(out, b.klines[n-limit:])
	return out
}

// Latest returns the most recent kline, if any.
func (b *KlineBuffer) Latest() (Kline, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.klines) == 0 {
		return Kline{}, false
	}
	return b.klines[len(b.klines)-1], true
}

// LastUpdate returns when the buffer last changed.
func (b *KlineBuffer) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdateTime
}
