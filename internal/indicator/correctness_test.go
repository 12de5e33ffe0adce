package indicator

import (
	"math"
	"testing"

	"crypto-trading-core/internal/model"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestSMA_KnownValues(t *testing.T) {
	sma := NewSMA(3)
	prices := []float64{10, 20, 30, 40}

	for i, p := range prices[:2] {
		sma.Update(p)
		if sma.Ready() {
			t.Fatalf("SMA ready after %d updates", i+1)
		}
	}

	sma.Update(prices[2])
	if !sma.Ready() {
		t.Fatal("SMA not ready after period updates")
	}
	if !almostEqual(sma.Value(), 20, 1e-9) {
		t.Errorf("expected SMA=20, got %v", sma.Value())
	}

	sma.Update(prices[3])
	if !almostEqual(sma.Value(), 30, 1e-9) {
		t.Errorf("expected SMA=30 after window slide, got %v", sma.Value())
	}
}

func TestSMASeries_MatchesIncremental(t *testing.T) {
	xs := []float64{5, 7, 9, 11, 13, 15, 14, 12}
	inc := NewSMA(4)
	for _, v := range xs {
		inc.Update(v)
	}
	batch, ok := SMASeries(xs, 4)
	if !ok {
		t.Fatal("SMASeries not ready")
	}
	if !almostEqual(inc.Value(), batch, 1e-9) {
		t.Errorf("incremental %v != series %v", inc.Value(), batch)
	}
}

func TestEMA_SeedAndSmooth(t *testing.T) {
	ema := NewEMA(3)
	for _, p := range []float64{10, 20, 30} {
		ema.Update(p)
	}
	// Seed = SMA(10,20,30) = 20
	if !almostEqual(ema.Value(), 20, 1e-9) {
		t.Fatalf("expected seed EMA=20, got %v", ema.Value())
	}

	// mult = 2/(3+1) = 0.5 → EMA = 40*0.5 + 20*0.5 = 30
	ema.Update(40)
	if !almostEqual(ema.Value(), 30, 1e-9) {
		t.Errorf("expected EMA=30, got %v", ema.Value())
	}
}

func TestRSI_Bounds(t *testing.T) {
	up := NewRSI(14)
	down := NewRSI(14)
	for i := 0; i < 100; i++ {
		up.Update(float64(100 + i))
		down.Update(float64(200 - i))
	}
	if !up.Ready() || !down.Ready() {
		t.Fatal("RSI not ready after 100 updates")
	}
	if up.Value() < 0 || up.Value() > 100 {
		t.Errorf("RSI out of bounds: %v", up.Value())
	}
	if !almostEqual(up.Value(), 100, 1e-9) {
		t.Errorf("all-gains RSI should be 100, got %v", up.Value())
	}
	if down.Value() > 1 {
		t.Errorf("all-losses RSI should be ~0, got %v", down.Value())
	}
}

func TestMACD_BullishOnUptrend(t *testing.T) {
	xs := make([]float64, 120)
	for i := range xs {
		xs[i] = 100 + float64(i)*0.5
	}
	v, ok := MACDSeries(xs, 12, 26, 9)
	if !ok {
		t.Fatal("MACD not ready")
	}
	if v.Line <= 0 {
		t.Errorf("uptrend MACD line should be positive, got %v", v.Line)
	}
	if !almostEqual(v.Histogram, v.Line-v.Signal, 1e-9) {
		t.Errorf("histogram != line-signal")
	}
}

func TestATR_NonNegativeAndFlat(t *testing.T) {
	candles := make([]model.Candle, 30)
	for i := range candles {
		candles[i] = model.Candle{TS: int64(i) * 60000, Open: 100, High: 100, Low: 100, Close: 100}
	}
	atr, ok := ATRSeries(candles, 14)
	if !ok {
		t.Fatal("ATR not ready")
	}
	if atr != 0 {
		t.Errorf("flat series ATR should be 0, got %v", atr)
	}

	for i := range candles {
		candles[i].High = 102
		candles[i].Low = 98
	}
	atr, _ = ATRSeries(candles, 14)
	if !almostEqual(atr, 4, 1e-9) {
		t.Errorf("expected ATR=4 for constant 4-range bars, got %v", atr)
	}
}

func TestBollinger_Ordering(t *testing.T) {
	xs := []float64{98, 101, 99, 102, 100, 97, 103, 101, 99, 100,
		98, 101, 99, 102, 100, 97, 103, 101, 99, 100}
	v, ok := BollingerSeries(xs, 20, 2.0)
	if !ok {
		t.Fatal("Bollinger not ready")
	}
	if !(v.Lower <= v.Mid && v.Mid <= v.Upper) {
		t.Errorf("band ordering violated: %+v", v)
	}
	if v.Bandwidth < 0 {
		t.Errorf("negative bandwidth: %v", v.Bandwidth)
	}
}

func TestADX_StrongOnTrend(t *testing.T) {
	candles := make([]model.Candle, 80)
	for i := range candles {
		base := 100 + float64(i)
		candles[i] = model.Candle{TS: int64(i) * 60000, Open: base, High: base + 1, Low: base - 0.5, Close: base + 0.8}
	}
	adx, ok := ADXSeries(candles, 14)
	if !ok {
		t.Fatal("ADX not ready")
	}
	if adx < 25 {
		t.Errorf("monotonic uptrend should yield strong ADX, got %v", adx)
	}
	if adx > 100 {
		t.Errorf("ADX out of bounds: %v", adx)
	}
}

func TestTwoPole_CrossAndZone(t *testing.T) {
	// Long decline then a sharp reversal: oscillator should sit in the
	// lower extreme zone and cross up over its lagged reference.
	xs := make([]float64, 0, 80)
	for i := 0; i < 60; i++ {
		xs = append(xs, 200-float64(i))
	}
	for i := 0; i < 20; i++ {
		xs = append(xs, 140+float64(i)*3)
	}
	res, ok := TwoPoleSeries(xs, 27, 7, 4)
	if !ok {
		t.Fatal("two-pole not ready")
	}
	if res.Value < -1.0001 || res.Value > 1.0001 {
		t.Errorf("oscillator escaped clamp range: %v", res.Value)
	}
	if !res.CrossUp {
		t.Errorf("expected cross up after sharp reversal, got %+v", res)
	}
}

func TestEngine_MinSeriesLength(t *testing.T) {
	e := NewEngine()
	candles := make([]model.Candle, 49)
	for i := range candles {
		candles[i] = model.Candle{TS: int64(i) * 60000, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10}
	}
	if snap := e.Compute(model.TF1m, candles); snap != nil {
		t.Fatal("snapshot produced below minimum series length")
	}

	candles = append(candles, model.Candle{TS: 49 * 60000, Open: 100, High: 101, Low: 99, Close: 100, Volume: 10})
	snap := e.Compute(model.TF1m, candles)
	if snap == nil {
		t.Fatal("snapshot not produced at minimum series length")
	}
	if snap.RSI == nil || *snap.RSI < 0 || *snap.RSI > 100 {
		t.Errorf("RSI missing or out of bounds: %v", snap.RSI)
	}
	if snap.Bollinger != nil && !(snap.Bollinger.Lower <= snap.Bollinger.Mid && snap.Bollinger.Mid <= snap.Bollinger.Upper) {
		t.Errorf("bollinger ordering violated: %+v", snap.Bollinger)
	}
	if snap.TrendStrength < 0 || snap.TrendStrength > 1 {
		t.Errorf("trend strength out of [0,1]: %v", snap.TrendStrength)
	}
}
