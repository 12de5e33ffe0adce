package indicator

import (
	"crypto-trading-core/internal/model"
)

// Engine computes per-timeframe indicator snapshots from candle series.
// Periods follow common defaults; MinSeriesLen gates snapshot production
// until the series has enough history.
type Engine struct {
	MinSeriesLen int // default 50

	RSIPeriod     int
	SMAFastPeriod int
	SMASlowPeriod int
	EMAPeriod     int
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	ATRPeriod     int
	BollPeriod    int
	BollStdDevs   float64
	ADXPeriod     int
	VolumePeriod  int
}

// NewEngine creates an engine with standard periods.
func NewEngine() *Engine {
	return &Engine{
		MinSeriesLen:  50,
		RSIPeriod:     14,
		SMAFastPeriod: 20,
		SMASlowPeriod: 50,
		EMAPeriod:     20,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		ATRPeriod:     14,
		BollPeriod:    20,
		BollStdDevs:   2.0,
		ADXPeriod:     14,
		VolumePeriod:  20,
	}
}

// Compute builds a Snapshot for one timeframe. Returns nil when the series
// has not reached MinSeriesLen. Individual fields are nil when their own
// lookback is not satisfied.
func (e *Engine) Compute(tf model.Timeframe, candles []model.Candle) *Snapshot {
	if len(candles) < e.MinSeriesLen {
		return nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	snap := &Snapshot{
		TF:    tf,
		TS:    candles[len(candles)-1].TS,
		Trend: TrendNeutral,
	}

	if v, ok := RSISeries(closes, e.RSIPeriod); ok {
		snap.RSI = &v
	}
	if v, ok := SMASeries(closes, e.SMAFastPeriod); ok {
		snap.SMAFast = &v
	}
	if v, ok := SMASeries(closes, e.SMASlowPeriod); ok {
		snap.SMASlow = &v
	}
	if ema := EMASeries(closes, e.EMAPeriod); ema != nil {
		v := ema[len(ema)-1]
		snap.EMA = &v
	}
	if v, ok := MACDSeries(closes, e.MACDFast, e.MACDSlow, e.MACDSignal); ok {
		snap.MACD = &v
	}
	if v, ok := ATRSeries(candles, e.ATRPeriod); ok {
		snap.ATR = &v
	}
	if v, ok := BollingerSeries(closes, e.BollPeriod, e.BollStdDevs); ok {
		snap.Bollinger = &v
	}
	if v, ok := e.volumeRatio(candles); ok {
		snap.VolumeRatio = &v
	}

	e.fillTrend(snap, candles)
	return snap
}

// fillTrend derives the trend label from SMA ordering and its strength
// from ADX, falling back to MA separation when ADX lacks history.
func (e *Engine) fillTrend(snap *Snapshot, candles []model.Candle) {
	if snap.SMAFast == nil || snap.SMASlow == nil {
		return
	}
	fast, slow := *snap.SMAFast, *snap.SMASlow
	last := candles[len(candles)-1].Close

	switch {
	case fast > slow && last > fast:
		snap.Trend = TrendBullish
	case fast < slow && last < fast:
		snap.Trend = TrendBearish
	default:
		snap.Trend = TrendNeutral
	}

	if adx, ok := ADXSeries(candles, e.ADXPeriod); ok {
		// ADX 25+ is conventionally a trending market; map 0..50 → 0..1.
		s := adx / 50.0
		if s > 1 {
			s = 1
		}
		snap.TrendStrength = s
		return
	}
	// Fallback: separation of the MAs as a fraction of price.
	if slow != 0 {
		s := abs(fast-slow) / slow * 50
		if s > 1 {
			s = 1
		}
		snap.TrendStrength = s
	}
}

func (e *Engine) volumeRatio(candles []model.Candle) (float64, bool) {
	if len(candles) < e.VolumePeriod+1 {
		return 0, false
	}
	window := candles[len(candles)-1-e.VolumePeriod : len(candles)-1]
	sum := 0.0
	for _, c := range window {
		sum += c.Volume
	}
	avg := sum / float64(e.VolumePeriod)
	if avg == 0 {
		return 0, false
	}
	return candles[len(candles)-1].Volume / avg, true
}
