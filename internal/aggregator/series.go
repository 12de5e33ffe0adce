package aggregator

import "crypto-trading-core/internal/model"

// series is a bounded, ordered sequence of committed candles for one
// timeframe. Oldest candles are evicted once the per-TF cap is reached.
// Owned exclusively by the Aggregator; readers get snapshot copies.
type series struct {
	tf      model.Timeframe
	candles []model.Candle
	cap     int
	version uint64 // bumped on every commit
}

func newSeries(tf model.Timeframe) *series {
	c := tf.SeriesCap()
	return &series{
		tf:      tf,
		candles: make([]model.Candle, 0, c),
		cap:     c,
	}
}

// append commits a candle, evicting the oldest when full.
func (s *series) append(c model.Candle) {
	if len(s.candles) >= s.cap {
		copy(s.candles, s.candles[1:])
		s.candles = s.candles[:len(s.candles)-1]
	}
	s.candles = append(s.candles, c)
	s.version++
}

// last returns the most recent committed candle.
func (s *series) last() (model.Candle, bool) {
	if len(s.candles) == 0 {
		return model.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// snapshot returns an immutable copy of the series with its version stamp.
func (s *series) snapshot() SeriesView {
	cp := make([]model.Candle, len(s.candles))
	copy(cp, s.candles)
	return SeriesView{TF: s.tf, Candles: cp, Version: s.version}
}

// SeriesView is an immutable copy of one timeframe's series.
type SeriesView struct {
	TF      model.Timeframe `json:"tf"`
	Candles []model.Candle  `json:"candles"`
	Version uint64          `json:"version"`
}

// Last returns the most recent candle in the view.
func (v SeriesView) Last() (model.Candle, bool) {
	if len(v.Candles) == 0 {
		return model.Candle{}, false
	}
	return v.Candles[len(v.Candles)-1], true
}
