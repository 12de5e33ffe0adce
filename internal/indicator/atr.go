package indicator

import "crypto-trading-core/internal/model"

// trueRange computes the true range of candle c against the previous close.
func trueRange(c model.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if d := abs(c.High - prevClose); d > tr {
		tr = d
	}
	if d := abs(c.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATRSeries computes the Wilder-smoothed Average True Range over candles.
// Returns false when fewer than period+1 candles are available.
func ATRSeries(candles []model.Candle, period int) (float64, bool) {
	if len(candles) <= period {
		return 0, false
	}

	// SMA seed over the first period true ranges
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trueRange(candles[i], candles[i-1].Close)
	}
	atr := sum / float64(period)

	// Wilder smoothing for the remainder
	p := float64(period)
	for i := period + 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1].Close)
		atr = (atr*(p-1) + tr) / p
	}
	return atr, true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
