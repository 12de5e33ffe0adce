package aggregator

import (
	"context"
	"time"

	"crypto-trading-core/internal/model"
)

// BackfillOptions tunes the startup backfill.
type BackfillOptions struct {
	LookbackDays int
	RequestDelay time.Duration // minimum delay between provider requests
	FetchTimeout time.Duration // per-request timeout
}

// DefaultBackfillOptions returns the standard backfill tuning.
func DefaultBackfillOptions() BackfillOptions {
	return BackfillOptions{
		LookbackDays: 30,
		RequestDelay: 250 * time.Millisecond,
		FetchTimeout: 30 * time.Second,
	}
}

// nativeFetch describes one provider pull and the derived TFs it feeds.
type nativeFetch struct {
	tf       model.Timeframe
	lookback time.Duration
	derived  []model.Timeframe
}

// Backfill populates the series from a pull API before live ingestion.
// Native resolutions {1m,1h,1d} are fetched; {5m,15m,30m} derive from 1m,
// {4h} from 1h, and {5d,1M,3M,6M} from daily bars. A provider error fails
// that timeframe family only; the system proceeds with live-only data for
// the affected TFs.
func (a *Aggregator) Backfill(ctx context.Context, provider model.BarProvider, opts BackfillOptions) error {
	now := time.Now().UTC()
	day := 24 * time.Hour
	lookback := time.Duration(opts.LookbackDays) * day

	fetches := []nativeFetch{
		{tf: model.TF1m, lookback: min(lookback, 2*day),
			derived: []model.Timeframe{model.TF5m, model.TF15m, model.TF30m}},
		{tf: model.TF1h, lookback: min(lookback, 45*day),
			derived: []model.Timeframe{model.TF4h}},
		{tf: model.TF1d, lookback: 400 * day,
			derived: []model.Timeframe{model.TF5d, model.TF1M, model.TF3M, model.TF6M}},
	}

	var firstErr error
	for i, f := range fetches {
		if i > 0 && opts.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.RequestDelay):
			}
		}

		fctx, cancel := context.WithTimeout(ctx, opts.FetchTimeout)
		bars, err := provider.FetchBars(fctx, a.symbol, f.tf, now.Add(-f.lookback), now)
		cancel()
		if err != nil {
			a.log.Warn().Err(err).Str("tf", string(f.tf)).
				Msg("backfill fetch failed; continuing with live-only data for this family")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		a.Seed(f.tf, bars)
		for _, dtf := range f.derived {
			a.Seed(dtf, Regroup(bars, dtf))
		}
		a.log.Info().Str("tf", string(f.tf)).Int("bars", len(bars)).
			Int("derived_tfs", len(f.derived)).Msg("backfill loaded")
	}
	return firstErr
}

// Regroup aggregates finer candles into target-timeframe candles by bucket.
// Aggregation is exact: open=first, close=last, high=max, low=min,
// volume=sum. Input must be oldest-first.
func Regroup(candles []model.Candle, tf model.Timeframe) []model.Candle {
	if len(candles) == 0 {
		return nil
	}

	var out []model.Candle
	var cur model.Candle
	curBucket := int64(-1)

	for _, c := range candles {
		bucket := tf.BucketStart(c.TS)
		if bucket != curBucket {
			if curBucket >= 0 {
				out = append(out, cur)
			}
			curBucket = bucket
			cur = c
			cur.TS = bucket
			cur.TicksCount = 1
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.Volume += c.Volume
		cur.TicksCount++
	}
	out = append(out, cur)
	return out
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
