// Package indicator provides technical indicator calculations over candle data.
//
// Incremental indicators (SMA, EMA, RSI) implement the Indicator interface
// with O(1) updates. Series-based indicators (MACD, ATR, Bollinger, ADX,
// two-pole oscillator) are computed from a candle slice by the snapshot
// engine when a timeframe bucket closes.
package indicator

import "crypto-trading-core/internal/model"

// Indicator is the interface for incremental price-fed indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA_20", "EMA_9").
	Name() string

	// Update feeds a new closing price and recalculates.
	Update(price float64)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}

// Trend labels used in snapshots.
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendNeutral = "neutral"
)

// MACDValue bundles the MACD line, its signal line, and the histogram.
// Signal is a proper 9-period EMA of the MACD line.
type MACDValue struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Bullish   bool    `json:"bullish"`
}

// BollingerValue bundles the Bollinger band levels.
type BollingerValue struct {
	Upper     float64 `json:"upper"`
	Mid       float64 `json:"mid"`
	Lower     float64 `json:"lower"`
	Bandwidth float64 `json:"bandwidth"`
}

// Snapshot is the per-timeframe indicator value bundle. Pointer fields are
// nil when the underlying series is too short to produce the value.
type Snapshot struct {
	TF model.Timeframe `json:"tf"`
	TS int64           `json:"ts"` // timestamp of the candle that produced it

	RSI       *float64        `json:"rsi,omitempty"`
	SMAFast   *float64        `json:"sma_fast,omitempty"` // SMA 20
	SMASlow   *float64        `json:"sma_slow,omitempty"` // SMA 50
	EMA       *float64        `json:"ema,omitempty"`      // EMA 20
	MACD      *MACDValue      `json:"macd,omitempty"`
	ATR       *float64        `json:"atr,omitempty"`
	Bollinger *BollingerValue `json:"bollinger,omitempty"`

	Trend         string   `json:"trend"`
	TrendStrength float64  `json:"trend_strength"` // [0,1]
	VolumeRatio   *float64 `json:"volume_ratio,omitempty"`
}
