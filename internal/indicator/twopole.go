package indicator

import "math"

// TwoPoleResult is the output of the two-pole oscillator pipeline for the
// latest bar.
type TwoPoleResult struct {
	Value    float64 // smoothed oscillator value, roughly [-1,1]
	Lagged   float64 // value lagBars ago
	Extreme  bool    // at/beyond ±0.5 (high-probability zone)
	CrossUp  bool    // value crossed above lagged on this bar
	CrossDn  bool    // value crossed below lagged on this bar
	Distance float64 // |value - lagged|
}

// TwoPoleSeries runs the pure-function oscillator pipeline over closing
// prices: z-score normalization over sampleLen, two-pole EMA smoothing with
// smoothLen, and a lagBars-delayed reference for crossover detection.
// Returns false when xs is shorter than sampleLen+lagBars+1.
func TwoPoleSeries(xs []float64, sampleLen, smoothLen, lagBars int) (TwoPoleResult, bool) {
	if len(xs) < sampleLen+lagBars+1 {
		return TwoPoleResult{}, false
	}

	// Normalize each bar against its trailing sampleLen window. Scaled to
	// ±2σ so typical values land in [-1,1]; extremes may exceed it and are
	// clamped.
	norm := make([]float64, 0, len(xs)-sampleLen+1)
	for i := sampleLen - 1; i < len(xs); i++ {
		window := xs[i-sampleLen+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(sampleLen)
		variance := 0.0
		for _, v := range window {
			d := v - mean
			variance += d * d
		}
		sigma := math.Sqrt(variance / float64(sampleLen))
		n := 0.0
		if sigma > 0 {
			n = (xs[i] - mean) / (2 * sigma)
		}
		if n > 1 {
			n = 1
		} else if n < -1 {
			n = -1
		}
		norm = append(norm, n)
	}

	// Two-pole smoothing: EMA applied twice.
	alpha := 2.0 / float64(smoothLen+1)
	pole1 := norm[0]
	pole2 := norm[0]
	smooth := make([]float64, len(norm))
	for i, v := range norm {
		pole1 = alpha*v + (1-alpha)*pole1
		pole2 = alpha*pole1 + (1-alpha)*pole2
		smooth[i] = pole2
	}

	if len(smooth) <= lagBars {
		return TwoPoleResult{}, false
	}

	cur := smooth[len(smooth)-1]
	prev := smooth[len(smooth)-2]
	lag := smooth[len(smooth)-1-lagBars]
	prevLag := smooth[len(smooth)-2-lagBars]

	return TwoPoleResult{
		Value:    cur,
		Lagged:   lag,
		Extreme:  math.Abs(cur) >= 0.5,
		CrossUp:  prev <= prevLag && cur > lag,
		CrossDn:  prev >= prevLag && cur < lag,
		Distance: math.Abs(cur - lag),
	}, true
}
