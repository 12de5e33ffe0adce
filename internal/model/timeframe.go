package model

import "time"

// Timeframe is a named candle aggregation period.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
	TF5d  Timeframe = "5d"
	TF1M  Timeframe = "1M" // calendar month
	TF3M  Timeframe = "3M"
	TF6M  Timeframe = "6M"
	TFYTD Timeframe = "YTD" // derived view over 1d
	TFAll Timeframe = "ALL" // derived view over 1d
)

// FixedTimeframes are the timeframes with a constant period in milliseconds,
// aggregated live from the 1m stream.
var FixedTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF30m, TF1h, TF4h, TF1d, TF5d}

// CalendarTimeframes are month-aligned and derived from daily bars.
var CalendarTimeframes = []Timeframe{TF1M, TF3M, TF6M}

// periods for the fixed timeframes, in milliseconds.
var tfPeriodMs = map[Timeframe]int64{
	TF1m:  60_000,
	TF5m:  5 * 60_000,
	TF15m: 15 * 60_000,
	TF30m: 30 * 60_000,
	TF1h:  60 * 60_000,
	TF4h:  4 * 60 * 60_000,
	TF1d:  24 * 60 * 60_000,
	TF5d:  5 * 24 * 60 * 60_000,
}

// tfSeriesCap bounds the retained series length per timeframe.
var tfSeriesCap = map[Timeframe]int{
	TF1m:  1440,
	TF5m:  864,
	TF15m: 672,
	TF30m: 672,
	TF1h:  720,
	TF4h:  540,
	TF1d:  365,
	TF5d:  260,
	TF1M:  60,
	TF3M:  40,
	TF6M:  40,
}

// PeriodMs returns the fixed period in milliseconds, or 0 for
// calendar-aligned and derived timeframes.
func (tf Timeframe) PeriodMs() int64 {
	return tfPeriodMs[tf]
}

// SeriesCap returns the maximum retained series length for this timeframe.
func (tf Timeframe) SeriesCap() int {
	if n, ok := tfSeriesCap[tf]; ok {
		return n
	}
	return 365
}

// Fixed reports whether the timeframe has a constant period.
func (tf Timeframe) Fixed() bool {
	_, ok := tfPeriodMs[tf]
	return ok
}

// Months returns the calendar span in months for calendar timeframes, 0 otherwise.
func (tf Timeframe) Months() int {
	switch tf {
	case TF1M:
		return 1
	case TF3M:
		return 3
	case TF6M:
		return 6
	}
	return 0
}

// BucketStart floors a timestamp (Unix millis) to the start of this
// timeframe's bucket. For calendar timeframes the bucket is aligned to
// month boundaries in UTC.
func (tf Timeframe) BucketStart(tsMs int64) int64 {
	if p := tf.PeriodMs(); p > 0 {
		return tsMs - tsMs%p
	}
	m := tf.Months()
	if m == 0 {
		return tsMs
	}
	t := time.UnixMilli(tsMs).UTC()
	// Group months into m-sized blocks from January.
	month := (int(t.Month()) - 1) / m * m
	return time.Date(t.Year(), time.Month(month+1), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
}
