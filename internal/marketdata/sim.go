package marketdata

import (
	"context"
	"math"
	"math/rand"
	"time"

	"crypto-trading-core/internal/model"
)

// SimFeedConfig configures the synthetic candle generator used in paper
// and backtest modes.
type SimFeedConfig struct {
	Symbol     string
	StartPrice float64
	Drift      float64 // per-bar fractional drift, e.g. 0.0001
	Volatility float64 // per-bar fractional stddev, e.g. 0.002
	Interval   time.Duration
	Seed       int64
}

func (c *SimFeedConfig) defaults() {
	if c.StartPrice <= 0 {
		c.StartPrice = 50000
	}
	if c.Volatility <= 0 {
		c.Volatility = 0.002
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
}

// SimFeed emits a deterministic random-walk of 1m candles. Same seed,
// same walk, so paper runs are reproducible.
type SimFeed struct {
	cfg SimFeedConfig
	rng *rand.Rand
}

func NewSimFeed(cfg SimFeedConfig) *SimFeed {
	cfg.defaults()
	return &SimFeed{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Run emits one candle per interval until ctx is cancelled. Bar timestamps
// align to interval boundaries.
func (f *SimFeed) Run(ctx context.Context, out chan<- model.Candle) error {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	price := f.cfg.StartPrice
	ts := time.Now().Truncate(f.cfg.Interval)

	for {
		candle := f.nextCandle(&price, ts)
		select {
		case out <- candle:
		case <-ctx.Done():
			return nil
		}
		ts = ts.Add(f.cfg.Interval)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Generate produces n candles immediately, for backtests and tests.
func (f *SimFeed) Generate(start time.Time, n int) []model.Candle {
	price := f.cfg.StartPrice
	ts := start.Truncate(f.cfg.Interval)

	out := make([]model.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, f.nextCandle(&price, ts))
		ts = ts.Add(f.cfg.Interval)
	}
	return out
}

func (f *SimFeed) nextCandle(price *float64, ts time.Time) model.Candle {
	open := *price
	step := f.cfg.Drift + f.cfg.Volatility*f.rng.NormFloat64()
	close := open * (1 + step)

	wickUp := math.Abs(f.rng.NormFloat64()) * f.cfg.Volatility * open / 2
	wickDown := math.Abs(f.rng.NormFloat64()) * f.cfg.Volatility * open / 2
	high := math.Max(open, close) + wickUp
	low := math.Min(open, close) - wickDown
	if low < 0 {
		low = 0
	}

	*price = close
	return model.Candle{
		Symbol: f.cfg.Symbol,
		TS:     ts.UnixMilli(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: 10 + 90*f.rng.Float64(),
	}
}
