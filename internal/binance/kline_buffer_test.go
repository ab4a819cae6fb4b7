package binance

import "testing"

func bufKline(closeTime int64, close float64) Kline {
	return Kline{
		OpenTime:  closeTime - 59_999,
		CloseTime: closeTime,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
	}
}

func TestKlineBufferAppends(t *testing.T) {
	b := NewKlineBuffer(10)

	b.Add(bufKline(1000, 100))
	b.Add(bufKline(2000, 101))

	if b.Len() != 2 {
		t.Fatalf("len = %d; want 2", b.Len())
	}
	latest, ok := b.Latest()
	if !ok || latest.Close != 101 {
		t.Errorf("latest = %+v, %v; want close 101", latest, ok)
	}
}

func TestKlineBufferReplacesSameCloseTime(t *testing.T) {
	b := NewKlineBuffer(10)

	b.Add(bufKline(1000, 100))
	b.Add(bufKline(1000, 105))

	if b.Len() != 1 {
		t.Fatalf("len = %d; want 1 after in-place replace", b.Len())
	}
	latest, _ := b.Latest()
	if latest.Close != 105 {
		t.Errorf("latest close = %v; want the replacement 105", latest.Close)
	}
}

func TestKlineBufferEvictsOldest(t *testing.T) {
	b := NewKlineBuffer(3)

	for i := int64(1); i <= 5; i++ {
		b.Add(bufKline(i*1000, float64(i)))
	}

	if b.Len() != 3 {
		t.Fatalf("len = %d; want capacity 3", b.Len())
	}
	snap := b.Snapshot(0)
	if snap[0].Close != 3 || snap[2].Close != 5 {
		t.Errorf("snapshot closes = %v..%v; want oldest 3, newest 5", snap[0].Close, snap[2].Close)
	}
}

func TestKlineBufferSnapshotLimit(t *testing.T) {
	b := NewKlineBuffer(10)
	for i := int64(1); i <= 5; i++ {
		b.Add(bufKline(i*1000, float64(i)))
	}

	snap := b.Snapshot(2)
	if len(snap) != 2 || snap[0].Close != 4 || snap[1].Close != 5 {
		t.Fatalf("Snapshot(2) = %+v; want the two newest", snap)
	}

	if got := b.Snapshot(100); len(got) != 5 {
		t.Errorf("Snapshot(100) returned %d klines; want all 5", len(got))
	}

	// Mutating the snapshot must not touch the buffer.
	snap[0].Close = 999
	if again := b.Snapshot(2); again[0].Close == 999 {
		t.Error("snapshot aliases internal storage")
	}
}

func TestKlineBufferBootstrapBackfillsBehindNewestCandle(t *testing.T) {
	b := NewKlineBuffer(10)
	b.Add(bufKline(4000, 103.5)) // stream delivered the newest candle first

	b.Bootstrap([]Kline{
		bufKline(1000, 100),
		bufKline(2000, 101),
		bufKline(3000, 102),
		bufKline(4000, 103), // REST's view of the candle the stream already has
	})

	snap := b.Snapshot(0)
	if len(snap) != 4 {
		t.Fatalf("len = %d; want 4 merged klines", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].CloseTime <= snap[i-1].CloseTime {
			t.Fatalf("close times not strictly increasing at %d: %d then %d",
				i, snap[i-1].CloseTime, snap[i].CloseTime)
		}
	}
	if snap[3].Close != 103.5 {
		t.Errorf("newest close = %v; the streamed candle must win over the REST copy", snap[3].Close)
	}
	if snap[0].Close != 100 || snap[2].Close != 102 {
		t.Errorf("backfill closes = %v..%v; want 100..102", snap[0].Close, snap[2].Close)
	}
}

func TestKlineBufferBootstrapRespectsCapacity(t *testing.T) {
	b := NewKlineBuffer(3)
	b.Add(bufKline(5000, 105))

	b.Bootstrap([]Kline{
		bufKline(1000, 101),
		bufKline(2000, 102),
		bufKline(3000, 103),
		bufKline(4000, 104),
	})

	snap := b.Snapshot(0)
	if len(snap) != 3 {
		t.Fatalf("len = %d; want capacity 3", len(snap))
	}
	if snap[0].CloseTime != 3000 || snap[2].CloseTime != 5000 {
		t.Errorf("kept %d..%d; want the newest three", snap[0].CloseTime, snap[2].CloseTime)
	}
}

func TestKlineBufferBootstrapIntoEmpty(t *testing.T) {
	b := NewKlineBuffer(10)
	b.Bootstrap([]Kline{bufKline(1000, 100), bufKline(2000, 101)})

	if b.Len() != 2 {
		t.Fatalf("len = %d; want 2", b.Len())
	}
	if latest, _ := b.Latest(); latest.CloseTime != 2000 {
		t.Errorf("latest close time = %d; want 2000", latest.CloseTime)
	}
}

func TestKlineBufferLatestEmpty(t *testing.T) {
	b := NewKlineBuffer(0)
	if _, ok := b.Latest(); ok {
		t.Error("Latest on empty buffer should report false")
	}
}
