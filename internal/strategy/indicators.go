package strategy

import (
	"math"

	"binance-futures-engine/internal/binance"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates a Simple Moving Average over the last period prices.
// The second return is false when there is not enough data.
func SMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}

	sum := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		sum += prices[i]
	}
	return sum / float64(period), true
}

// EMA calculates an Exponential Moving Average seeded with the simple
// average of the first period prices.
func EMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}

	seed := 0.0
	for i := 0; i < period; i++ {
		seed += prices[i]
	}
	ema := seed / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}
	return ema, true
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the Relative Strength Index over the last period deltas.
// With zero average loss it returns 100 when any gain exists, 50 otherwise.
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}

	gains := 0.0
	losses := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	if avgLoss == 0 {
		if avgGain > 0 {
			return 100, true
		}
		return 50, true
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// ATR calculates the Average True Range over the last period closed candles.
func ATR(klines []binance.Kline, period int) (float64, bool) {
	if period <= 0 || len(klines) < period+1 {
		return 0, false
	}

	trSum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trSum += tr
	}
	return trSum / float64(period), true
}

// ============================================================================
// MARKET STRUCTURE
// ============================================================================

// Structure is the swing-based market structure classification.
type Structure string

const (
	StructureBullish Structure = "BULLISH"
	StructureBearish Structure = "BEARISH"
	StructureNeutral Structure = "NEUTRAL"
)

// MarketStructureResult describes the latest swing points. Swing fields are
// nil when that swing has not been observed in the window.
type MarketStructureResult struct {
	Structure     Structure
	LastSwingHigh *float64
	PrevSwingHigh *float64
	LastSwingLow  *float64
	PrevSwingLow  *float64
	HigherHigh    bool
	HigherLow     bool
	LowerHigh     bool
	LowerLow      bool
}

// MarketStructure identifies swing highs and lows requiring swingPeriod
// strictly lower highs (resp. higher lows) on both sides of the extremum,
// then classifies the trend from the last two swings of each kind. With
// fewer than 2*swingPeriod+1 points it returns NEUTRAL with what is known.
func MarketStructure(highs, lows []float64, swingPeriod int) MarketStructureResult {
	result := MarketStructureResult{Structure: StructureNeutral}
	if swingPeriod <= 0 || len(highs) < 2*swingPeriod+1 || len(lows) < 2*swingPeriod+1 {
		return result
	}

	var swingHighs, swingLows []float64
	for i := swingPeriod; i < len(highs)-swingPeriod; i++ {
		isHigh := true
		for j := i - swingPeriod; j <= i+swingPeriod; j++ {
			if j != i && highs[j] >= highs[i] {
				isHigh = false
				break
			}
		}
		if isHigh {
			swingHighs = append(swingHighs, highs[i])
		}

		isLow := true
		for j := i - swingPeriod; j <= i+swingPeriod; j++ {
			if j != i && lows[j] <= lows[i] {
				isLow = false
				break
			}
		}
		if isLow {
			swingLows = append(swingLows, lows[i])
		}
	}

	if n := len(swingHighs); n > 0 {
		result.LastSwingHigh = &swingHighs[n-1]
		if n > 1 {
			result.PrevSwingHigh = &swingHighs[n-2]
			result.HigherHigh = swingHighs[n-1] > swingHighs[n-2]
			result.LowerHigh = swingHighs[n-1] < swingHighs[n-2]
		}
	}
	if n := len(swingLows); n > 0 {
		result.LastSwingLow = &swingLows[n-1]
		if n > 1 {
			result.PrevSwingLow = &swingLows[n-2]
			result.HigherLow = swingLows[n-1] > swingLows[n-2]
			result.LowerLow = swingLows[n-1] < swingLows[n-2]
		}
	}

	switch {
	case result.HigherHigh && result.HigherLow:
		result.Structure = StructureBullish
	case result.LowerHigh && result.LowerLow:
		result.Structure = StructureBearish
	}
	return result
}

// ============================================================================
// VOLUME
// ============================================================================

// VolumeTrend compares the recent volume window to the one before it.
type VolumeTrend string

const (
	VolumeIncreasing VolumeTrend = "INCREASING"
	VolumeDecreasing VolumeTrend = "DECREASING"
	VolumeStable     VolumeTrend = "STABLE"
)

// VolumeAnalysisResult holds the volume statistics for the latest candle.
type VolumeAnalysisResult struct {
	Current      float64
	SMA          float64
	EMA          float64
	Ratio        float64
	Trend        VolumeTrend
	IsHighVolume bool
	IsLowVolume  bool
}

// VolumeAnalysis compares the current volume against its SMA and EMA over
// period candles, flags high (>1.5x) and low (<0.5x) volume, and derives a
// trend by comparing the last period window with the previous one using a
// 5% threshold.
func VolumeAnalysis(klines []binance.Kline, period int) (VolumeAnalysisResult, bool) {
	if period <= 0 || len(klines) < period {
		return VolumeAnalysisResult{Trend: VolumeStable}, false
	}

	volumes := make([]float64, len(klines))
	for i := range klines {
		volumes[i] = klines[i].Volume
	}

	sma, _ := SMA(volumes, period)
	ema, _ := EMA(volumes, period)
	current := volumes[len(volumes)-1]

	result := VolumeAnalysisResult{
		Current: current,
		SMA:     sma,
		EMA:     ema,
		Trend:   VolumeStable,
	}
	if sma > 0 {
		result.Ratio = current / sma
		result.IsHighVolume = result.Ratio > 1.5
		result.IsLowVolume = result.Ratio < 0.5
	}

	if len(volumes) >= 2*period {
		recent := 0.0
		previous := 0.0
		for i := len(volumes) - period; i < len(volumes); i++ {
			recent += volumes[i]
		}
		for i := len(volumes) - 2*period; i < len(volumes)-period; i++ {
			previous += volumes[i]
		}
		if previous > 0 {
			change := recent/previous - 1
			switch {
			case change > 0.05:
				result.Trend = VolumeIncreasing
			case change < -0.05:
				result.Trend = VolumeDecreasing
			}
		}
	}
	return result, true
}
