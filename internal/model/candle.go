package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Candle represents an immutable OHLCV bar for a single symbol.
// TS is the bucket start in Unix milliseconds, aligned to the candle's
// timeframe period for non-1m candles.
type Candle struct {
	Symbol     string  `json:"symbol"`
	TS         int64   `json:"ts"` // bucket start, Unix millis (UTC)
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	TicksCount int     `json:"ticks_count"` // number of source bars merged
}

// Time returns the bucket start as a time.Time in UTC.
func (c *Candle) Time() time.Time {
	return time.UnixMilli(c.TS).UTC()
}

// Validate checks the OHLC invariant: low <= min(open,close) and
// max(open,close) <= high, volume >= 0.
func (c *Candle) Validate() error {
	lo, hi := c.Open, c.Open
	if c.Close < lo {
		lo = c.Close
	}
	if c.Close > hi {
		hi = c.Close
	}
	if c.Low > lo || c.High < hi {
		return fmt.Errorf("candle %s ts=%d violates OHLC bounds: o=%g h=%g l=%g c=%g",
			c.Symbol, c.TS, c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s ts=%d has negative volume %g", c.Symbol, c.TS, c.Volume)
	}
	return nil
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
