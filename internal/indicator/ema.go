package indicator

import "strconv"

// EMA calculates Exponential Moving Average.
// O(1) per update — no window storage needed.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return "EMA_" + strconv.Itoa(e.period) }

func (e *EMA) Update(price float64) {
	e.count++

	if e.count <= e.period {
		// Accumulate for initial SMA seed
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	// EMA = (Price * multiplier) + (EMA_prev * (1 - multiplier))
	e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
	e.sum = 0
}

// EMASeries computes the full EMA series of xs (SMA-seeded).
// Result[i] is meaningful for i >= period-1; earlier entries hold the
// running partial mean. Returns nil when xs is shorter than period.
func EMASeries(xs []float64, period int) []float64 {
	if len(xs) < period || period <= 0 {
		return nil
	}
	out := make([]float64, len(xs))
	mult := 2.0 / float64(period+1)

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += xs[i]
		out[i] = sum / float64(i+1)
	}
	out[period-1] = sum / float64(period)

	for i := period; i < len(xs); i++ {
		out[i] = xs[i]*mult + out[i-1]*(1-mult)
	}
	return out
}
