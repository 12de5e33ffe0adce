// Package aggregator builds higher-timeframe candles from the one-minute
// stream and computes per-timeframe indicator snapshots.
//
// It consumes finalized 1m candles and maintains forming candle states that
// are updated in O(1) per candle per TF. When a TF bucket closes (a candle
// arrives in a new bucket), the previous candle is committed to the
// timeframe's bounded series and the indicators for that TF are recomputed.
package aggregator

import (
	"sync"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// forming holds the in-progress candle for one timeframe bucket.
type forming struct {
	bucket  int64 // bucket start in Unix millis
	candle  model.Candle
	started bool
}

// Aggregator owns all candle series and indicator snapshots. Single-writer:
// Ingest runs on the pipeline goroutine; readers obtain copies under RLock.
type Aggregator struct {
	symbol string

	mu        sync.RWMutex
	series    map[model.Timeframe]*series
	forming   map[model.Timeframe]*forming
	snapshots map[model.Timeframe]*indicator.Snapshot
	lastTS    int64 // last ingested 1m timestamp, for ordering/idempotency

	engine *indicator.Engine
	log    zerolog.Logger

	// Hooks (optional, set before Run)
	OnCommit       func(tf model.Timeframe, c model.Candle)        // finalized TF candle
	OnSnapshot     func(tf model.Timeframe, s indicator.Snapshot)  // recomputed indicators
	OnDroppedStale func()                                          // out-of-order 1m candle rejected
}

// New creates an aggregator for one symbol covering the fixed and calendar
// timeframes.
func New(symbol string, engine *indicator.Engine) *Aggregator {
	a := &Aggregator{
		symbol:    symbol,
		series:    make(map[model.Timeframe]*series),
		forming:   make(map[model.Timeframe]*forming),
		snapshots: make(map[model.Timeframe]*indicator.Snapshot),
		engine:    engine,
		log:       logging.Component("aggregator"),
	}
	for _, tf := range model.FixedTimeframes {
		a.series[tf] = newSeries(tf)
		a.forming[tf] = &forming{}
	}
	for _, tf := range model.CalendarTimeframes {
		a.series[tf] = newSeries(tf)
		a.forming[tf] = &forming{}
	}
	return a
}

// Ingest processes one finalized 1m candle. Idempotent for identical
// timestamps; strictly older candles are dropped with a warning. The 1m
// candle is committed directly; every higher timeframe merges it into its
// forming bucket, committing the previous bucket when a new one starts.
func (a *Aggregator) Ingest(c model.Candle) {
	if err := c.Validate(); err != nil {
		a.log.Warn().Err(err).Msg("malformed candle dropped")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastTS != 0 && c.TS <= a.lastTS {
		if c.TS == a.lastTS {
			return // replay of the same candle is a no-op
		}
		a.log.Warn().Int64("ts", c.TS).Int64("last_ts", a.lastTS).Msg("out-of-order candle dropped")
		if a.OnDroppedStale != nil {
			a.OnDroppedStale()
		}
		return
	}
	a.lastTS = c.TS

	// 1m commits directly; no forming state.
	a.commitLocked(model.TF1m, c)

	for _, tf := range model.FixedTimeframes {
		if tf == model.TF1m {
			continue
		}
		a.mergeLocked(tf, tf.BucketStart(c.TS), c)
	}
	for _, tf := range model.CalendarTimeframes {
		a.mergeLocked(tf, tf.BucketStart(c.TS), c)
	}
}

// mergeLocked folds a 1m candle into the forming bucket of one timeframe.
func (a *Aggregator) mergeLocked(tf model.Timeframe, bucket int64, c model.Candle) {
	f := a.forming[tf]

	if f.started && bucket > f.bucket {
		// New bucket — commit the previous forming candle first.
		a.commitLocked(tf, f.candle)
		f.started = false
	}

	if !f.started {
		f.bucket = bucket
		f.started = true
		f.candle = model.Candle{
			Symbol:     c.Symbol,
			TS:         bucket,
			Open:       c.Open,
			High:       c.High,
			Low:        c.Low,
			Close:      c.Close,
			Volume:     c.Volume,
			TicksCount: 1,
		}
		return
	}

	// Same bucket — merge OHLCV (O(1)).
	fc := &f.candle
	if c.High > fc.High {
		fc.High = c.High
	}
	if c.Low < fc.Low {
		fc.Low = c.Low
	}
	fc.Close = c.Close
	fc.Volume += c.Volume
	fc.TicksCount++
}

// commitLocked appends a finalized candle to its series and recomputes the
// timeframe's indicator snapshot.
func (a *Aggregator) commitLocked(tf model.Timeframe, c model.Candle) {
	s := a.series[tf]
	s.append(c)

	if snap := a.engine.Compute(tf, s.candles); snap != nil {
		a.snapshots[tf] = snap
		if a.OnSnapshot != nil {
			a.OnSnapshot(tf, *snap)
		}
	}
	if a.OnCommit != nil {
		a.OnCommit(tf, c)
	}
}

// Seed loads backfilled candles into one timeframe's series without
// triggering hooks. Candles must be oldest-first and bucket-aligned.
func (a *Aggregator) Seed(tf model.Timeframe, candles []model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.series[tf]
	if !ok {
		return
	}
	for _, c := range candles {
		s.append(c)
	}
	if snap := a.engine.Compute(tf, s.candles); snap != nil {
		a.snapshots[tf] = snap
	}
	if tf == model.TF1m && len(candles) > 0 {
		if last := candles[len(candles)-1].TS; last > a.lastTS {
			a.lastTS = last
		}
	}
}

// Snapshot returns an immutable copy of a timeframe's series plus its
// latest indicator snapshot (nil until minimum length is reached).
func (a *Aggregator) Snapshot(tf model.Timeframe) (SeriesView, *indicator.Snapshot) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.series[tf]
	if !ok {
		return SeriesView{TF: tf}, nil
	}
	view := s.snapshot()
	snap := a.snapshots[tf]
	if snap != nil {
		cp := *snap
		return view, &cp
	}
	return view, nil
}

// Indicators returns a copy of the latest snapshot for tf, or nil.
func (a *Aggregator) Indicators(tf model.Timeframe) *indicator.Snapshot {
	_, snap := a.Snapshot(tf)
	return snap
}

// LastPrice returns the most recent 1m close.
func (a *Aggregator) LastPrice() (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.series[model.TF1m].last()
	if !ok {
		return 0, false
	}
	return c.Close, true
}
