package strategy

import (
	"math"
	"testing"

	"binance-futures-engine/internal/binance"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}

	v, ok := SMA(prices, 5)
	if !ok || !almostEqual(v, 3) {
		t.Errorf("SMA(5) = %v, %v; want 3, true", v, ok)
	}

	v, ok = SMA(prices, 2)
	if !ok || !almostEqual(v, 4.5) {
		t.Errorf("SMA(2) = %v, %v; want 4.5, true", v, ok)
	}

	if _, ok := SMA(prices, 6); ok {
		t.Error("SMA with insufficient data should report false")
	}
	if _, ok := SMA(prices, 0); ok {
		t.Error("SMA with zero period should report false")
	}
}

func TestEMA(t *testing.T) {
	prices := []float64{100, 100, 99, 98}

	// Seed = avg(100, 100) = 100; then 99 and 98 with multiplier 2/3.
	v, ok := EMA(prices, 2)
	if !ok {
		t.Fatal("EMA should succeed")
	}
	want := 100.0
	want = (99-want)*2.0/3.0 + want
	want = (98-want)*2.0/3.0 + want
	if !almostEqual(v, want) {
		t.Errorf("EMA(2) = %v; want %v", v, want)
	}

	if _, ok := EMA([]float64{1}, 2); ok {
		t.Error("EMA with insufficient data should report false")
	}
}

func TestRSI(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5}
	v, ok := RSI(up, 4)
	if !ok || v != 100 {
		t.Errorf("RSI of pure gains = %v, %v; want 100, true", v, ok)
	}

	flat := []float64{5, 5, 5, 5, 5}
	v, ok = RSI(flat, 4)
	if !ok || v != 50 {
		t.Errorf("RSI of flat prices = %v, %v; want 50, true", v, ok)
	}

	mixed := []float64{10, 12, 11, 13, 12}
	// Gains 2+2=4, losses 1+1=2 over 4 deltas.
	v, ok = RSI(mixed, 4)
	if !ok || !almostEqual(v, 100-100/(1+2.0)) {
		t.Errorf("RSI(mixed) = %v, %v; want %v", v, ok, 100-100/(1+2.0))
	}

	if _, ok := RSI(mixed, 4+1); ok {
		t.Error("RSI needs period+1 prices")
	}
}

func TestATR(t *testing.T) {
	klines := []binance.Kline{
		{High: 10, Low: 8, Close: 9},
		{High: 11, Low: 9, Close: 10},
		{High: 13, Low: 10, Close: 12},
	}

	// TR(1) = max(2, |11-9|, |9-9|) = 2; TR(2) = max(3, |13-10|, |10-10|) = 3.
	v, ok := ATR(klines, 2)
	if !ok || !almostEqual(v, 2.5) {
		t.Errorf("ATR = %v, %v; want 2.5, true", v, ok)
	}

	if _, ok := ATR(klines, 3); ok {
		t.Error("ATR needs period+1 klines")
	}
}

func TestMarketStructureBullish(t *testing.T) {
	// Swing highs 5 then 7 (rising), swing lows ending 2 then 3.2 (rising).
	highs := []float64{4, 5, 4, 3, 3.5, 7, 4, 3}
	lows := []float64{3, 2.8, 3, 2, 3, 3.5, 3.2, 3.4}

	result := MarketStructure(highs, lows, 1)
	if result.LastSwingHigh == nil || result.PrevSwingHigh == nil {
		t.Fatal("expected two swing highs")
	}
	if *result.PrevSwingHigh != 5 || *result.LastSwingHigh != 7 {
		t.Errorf("swing highs = %v, %v; want 5, 7", *result.PrevSwingHigh, *result.LastSwingHigh)
	}
	if !result.HigherHigh {
		t.Error("expected higher high")
	}
	if !result.HigherLow {
		t.Error("expected higher low")
	}
	if result.Structure != StructureBullish {
		t.Errorf("structure = %s; want BULLISH", result.Structure)
	}
}

func TestMarketStructureInsufficientData(t *testing.T) {
	result := MarketStructure([]float64{1, 2}, []float64{1, 2}, 2)
	if result.Structure != StructureNeutral {
		t.Errorf("expected NEUTRAL with insufficient data, got %s", result.Structure)
	}
}

func TestVolumeAnalysis(t *testing.T) {
	klines := make([]binance.Kline, 0, 8)
	for _, v := range []float64{10, 10, 10, 10, 20, 20, 20, 40} {
		klines = append(klines, binance.Kline{Volume: v})
	}

	result, ok := VolumeAnalysis(klines, 4)
	if !ok {
		t.Fatal("VolumeAnalysis should succeed")
	}
	// SMA of last 4 = 25, current = 40.
	if !almostEqual(result.SMA, 25) {
		t.Errorf("SMA = %v; want 25", result.SMA)
	}
	if !result.IsHighVolume {
		t.Errorf("ratio %v should flag high volume", result.Ratio)
	}
	if result.Trend != VolumeIncreasing {
		t.Errorf("trend = %s; want INCREASING", result.Trend)
	}
}
