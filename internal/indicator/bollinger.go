package indicator

import "math"

// BollingerSeries computes Bollinger Bands (mid = SMA, bands = ±stddevs σ)
// over closing prices. Returns false when xs is shorter than period.
func BollingerSeries(xs []float64, period int, stddevs float64) (BollingerValue, bool) {
	mid, ok := SMASeries(xs, period)
	if !ok {
		return BollingerValue{}, false
	}

	window := xs[len(xs)-period:]
	variance := 0.0
	for _, v := range window {
		d := v - mid
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(period))

	upper := mid + stddevs*sigma
	lower := mid - stddevs*sigma
	bw := 0.0
	if mid != 0 {
		bw = (upper - lower) / mid
	}
	return BollingerValue{Upper: upper, Mid: mid, Lower: lower, Bandwidth: bw}, true
}
