package aggregator

import (
	"testing"
	"time"

	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/model"
)

func candle1m(i int, open, high, low, close, vol float64) model.Candle {
	return model.Candle{
		Symbol: "BTC/USD",
		TS:     int64(i) * 60_000,
		Open:   open, High: high, Low: low, Close: close,
		Volume: vol, TicksCount: 1,
	}
}

func flatCandle(i int) model.Candle {
	return candle1m(i, 100, 101, 99, 100, 10)
}

func TestAggregator_FiveMinuteCommit(t *testing.T) {
	a := New("BTC/USD", indicator.NewEngine())

	var committed []model.Candle
	a.OnCommit = func(tf model.Timeframe, c model.Candle) {
		if tf == model.TF5m {
			committed = append(committed, c)
		}
	}

	// Five 1m candles fill the first 5m bucket; the sixth opens a new one.
	a.Ingest(candle1m(0, 100, 102, 99, 101, 10))
	a.Ingest(candle1m(1, 101, 105, 100, 104, 20))
	a.Ingest(candle1m(2, 104, 104, 95, 96, 5))
	a.Ingest(candle1m(3, 96, 98, 96, 97, 8))
	a.Ingest(candle1m(4, 97, 99, 97, 98, 7))
	a.Ingest(candle1m(5, 98, 100, 98, 99, 12))

	if len(committed) != 1 {
		t.Fatalf("expected 1 committed 5m candle, got %d", len(committed))
	}

	c := committed[0]
	if c.TS != 0 {
		t.Errorf("expected bucket-aligned ts=0, got %d", c.TS)
	}
	if c.Open != 100 || c.Close != 98 || c.High != 105 || c.Low != 95 {
		t.Errorf("aggregation not faithful: %+v", c)
	}
	if c.Volume != 50 {
		t.Errorf("expected volume=50, got %g", c.Volume)
	}
	if c.TicksCount != 5 {
		t.Errorf("expected 5 merged bars, got %d", c.TicksCount)
	}
}

func TestAggregator_IdempotentReplay(t *testing.T) {
	a := New("BTC/USD", indicator.NewEngine())

	for i := 0; i < 10; i++ {
		a.Ingest(flatCandle(i))
	}
	view1, _ := a.Snapshot(model.TF1m)

	// Replaying the last candle must change nothing.
	a.Ingest(flatCandle(9))
	view2, _ := a.Snapshot(model.TF1m)

	if view1.Version != view2.Version {
		t.Errorf("replay changed series version: %d -> %d", view1.Version, view2.Version)
	}
	if len(view1.Candles) != len(view2.Candles) {
		t.Errorf("replay changed series length: %d -> %d", len(view1.Candles), len(view2.Candles))
	}
}

func TestAggregator_OutOfOrderDropped(t *testing.T) {
	a := New("BTC/USD", indicator.NewEngine())

	drops := 0
	a.OnDroppedStale = func() { drops++ }

	a.Ingest(flatCandle(5))
	a.Ingest(flatCandle(3)) // older — must be dropped

	if drops != 1 {
		t.Errorf("expected 1 dropped candle, got %d", drops)
	}
	view, _ := a.Snapshot(model.TF1m)
	if len(view.Candles) != 1 {
		t.Errorf("expected 1 candle in series, got %d", len(view.Candles))
	}
}

func TestAggregator_MonotonicSeries(t *testing.T) {
	a := New("BTC/USD", indicator.NewEngine())
	for i := 0; i < 30; i++ {
		a.Ingest(flatCandle(i))
	}

	view, _ := a.Snapshot(model.TF5m)
	period := model.TF5m.PeriodMs()
	for i := 1; i < len(view.Candles); i++ {
		if view.Candles[i].TS != view.Candles[i-1].TS+period {
			t.Fatalf("gap in 5m series at %d: %d -> %d",
				i, view.Candles[i-1].TS, view.Candles[i].TS)
		}
	}
}

func TestSeries_CapEviction(t *testing.T) {
	s := newSeries(model.TF1m)
	for i := 0; i < s.cap+10; i++ {
		s.append(flatCandle(i))
	}
	if len(s.candles) != s.cap {
		t.Fatalf("expected series bounded at %d, got %d", s.cap, len(s.candles))
	}
	if s.candles[0].TS != int64(10)*60_000 {
		t.Errorf("oldest candles not evicted; first ts=%d", s.candles[0].TS)
	}
}

func TestRegroup_Daily(t *testing.T) {
	day := int64(24 * 60 * 60 * 1000)
	var hourly []model.Candle
	for d := 0; d < 3; d++ {
		for h := 0; h < 24; h++ {
			base := 100 + float64(d)
			hourly = append(hourly, model.Candle{
				Symbol: "BTC/USD",
				TS:     int64(d)*day + int64(h)*3_600_000,
				Open:   base, High: base + float64(h), Low: base - 1, Close: base + 0.5,
				Volume: 1,
			})
		}
	}

	daily := Regroup(hourly, model.TF1d)
	if len(daily) != 3 {
		t.Fatalf("expected 3 daily candles, got %d", len(daily))
	}
	d0 := daily[0]
	if d0.Open != 100 || d0.High != 123 || d0.Low != 99 || d0.Close != 100.5 || d0.Volume != 24 {
		t.Errorf("daily regroup not faithful: %+v", d0)
	}
}

func TestRegroup_CalendarMonth(t *testing.T) {
	jan := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
	daily := []model.Candle{
		{Symbol: "BTC/USD", TS: jan.UnixMilli(), Open: 100, High: 110, Low: 95, Close: 105, Volume: 1},
		{Symbol: "BTC/USD", TS: jan.AddDate(0, 0, 1).UnixMilli(), Open: 105, High: 120, Low: 100, Close: 118, Volume: 2},
		{Symbol: "BTC/USD", TS: feb.UnixMilli(), Open: 118, High: 125, Low: 110, Close: 112, Volume: 3},
	}

	monthly := Regroup(daily, model.TF1M)
	if len(monthly) != 2 {
		t.Fatalf("expected 2 monthly candles, got %d", len(monthly))
	}
	want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if monthly[0].TS != want {
		t.Errorf("expected month-aligned ts=%d, got %d", want, monthly[0].TS)
	}
	if monthly[0].High != 120 || monthly[0].Close != 118 {
		t.Errorf("monthly regroup not faithful: %+v", monthly[0])
	}
}

func TestConfluence_BullishAlignment(t *testing.T) {
	a := New("BTC/USD", indicator.NewEngine())

	// A steady uptrend long enough to produce snapshots on 1m and 5m.
	for i := 0; i < 400; i++ {
		base := 100 + float64(i)*0.2
		a.Ingest(model.Candle{
			Symbol: "BTC/USD",
			TS:     int64(i) * 60_000,
			Open:   base, High: base + 0.3, Low: base - 0.3, Close: base + 0.2,
			Volume: 10,
		})
	}

	res := a.Confluence()
	if res.Score <= 0 {
		t.Errorf("uptrend confluence score should be positive, got %g", res.Score)
	}
	if res.Bias != indicator.TrendBullish {
		t.Errorf("expected bullish bias, got %s (score=%g)", res.Bias, res.Score)
	}
	if res.Score < -1 || res.Score > 1 {
		t.Errorf("score out of bounds: %g", res.Score)
	}
}
