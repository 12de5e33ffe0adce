package indicator

// MACDSeries computes MACD(fast, slow, signal) over closing prices.
// The signal line is a proper signal-period EMA of the MACD line, not a
// one-bar approximation. Returns false when xs is shorter than slow+signal.
func MACDSeries(xs []float64, fast, slow, signal int) (MACDValue, bool) {
	if len(xs) < slow+signal {
		return MACDValue{}, false
	}

	fastEMA := EMASeries(xs, fast)
	slowEMA := EMASeries(xs, slow)

	// MACD line is only meaningful once the slow EMA is seeded.
	line := make([]float64, 0, len(xs)-slow+1)
	for i := slow - 1; i < len(xs); i++ {
		line = append(line, fastEMA[i]-slowEMA[i])
	}

	sig := EMASeries(line, signal)
	if sig == nil {
		return MACDValue{}, false
	}

	last := line[len(line)-1]
	lastSig := sig[len(sig)-1]
	return MACDValue{
		Line:      last,
		Signal:    lastSig,
		Histogram: last - lastSig,
		Bullish:   last > lastSig,
	}, true
}
