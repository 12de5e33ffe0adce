// Package regime classifies the current market state and exposes
// regime-keyed parameters for downstream sizing and exit logic.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// Regime labels the current market condition.
type Regime string

const (
	TrendingUp   Regime = "trending_up"
	TrendingDown Regime = "trending_down"
	Ranging      Regime = "ranging"
	Volatile     Regime = "volatile"
	Quiet        Regime = "quiet"
	Breakout     Regime = "breakout"
	Breakdown    Regime = "breakdown"
)

// Config holds the detector thresholds. Every literal the classifier uses
// is threaded through here and can be overridden from YAML.
type Config struct {
	UpdateEvery         int     `yaml:"update_every"`          // evaluate every N candles
	VolLowThreshold     float64 `yaml:"vol_low_threshold"`     // quiet below (ATR/price)
	VolHighThreshold    float64 `yaml:"vol_high_threshold"`    // volatile above
	StrongTrend         float64 `yaml:"strong_trend"`          // trending when above
	HighVolumeMult      float64 `yaml:"high_volume_mult"`      // breakout volume gate
	BreakoutPosition    float64 `yaml:"breakout_position"`     // price position gate
	MomentumThreshold   float64 `yaml:"momentum_threshold"`    // breakout momentum gate (fraction)
	CommitConfidence    float64 `yaml:"commit_confidence"`     // regime change gate
	MomentumBars        int     `yaml:"momentum_bars"`         // rate-of-change lookback
	RangeLookback       int     `yaml:"range_lookback"`        // price-position window
	SwingLookback       int     `yaml:"swing_lookback"`        // swing high/low window
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		UpdateEvery:       5,
		VolLowThreshold:   0.005,
		VolHighThreshold:  0.025,
		StrongTrend:       0.7,
		HighVolumeMult:    1.5,
		BreakoutPosition:  0.9,
		MomentumThreshold: 0.02,
		CommitConfidence:  0.7,
		MomentumBars:      10,
		RangeLookback:     50,
		SwingLookback:     20,
	}
}

// Metrics are the detector's derived measurements.
type Metrics struct {
	Volatility     float64 `json:"volatility"`      // ATR / average price
	TrendStrength  float64 `json:"trend_strength"`  // [0,1]
	TrendDirection float64 `json:"trend_direction"` // [-1,1]
	VolumeRatio    float64 `json:"volume_ratio"`
	PricePosition  float64 `json:"price_position"` // [0,1] in lookback range
	Momentum       float64 `json:"momentum"`       // N-bar rate of change
}

// State is the committed regime plus its supporting metrics.
type State struct {
	Current    Regime    `json:"current"`
	Previous   Regime    `json:"previous"`
	Strength   float64   `json:"strength"` // confidence of the committed regime
	Metrics    Metrics   `json:"metrics"`
	LastUpdate time.Time `json:"last_update"`
}

// Detector owns the regime state. Single-writer: Analyze runs on the
// pipeline goroutine; readers get struct copies.
type Detector struct {
	cfg    Config
	params map[Regime]Parameters

	mu           sync.RWMutex
	state        State
	candlesSeen  int
	log          zerolog.Logger
}

// NewDetector creates a detector starting in the ranging regime.
func NewDetector(cfg Config) *Detector {
	return NewDetectorWithParams(cfg, nil)
}

// NewDetectorWithParams allows per-regime parameter overrides (from YAML);
// regimes absent from overrides keep the built-in table.
func NewDetectorWithParams(cfg Config, overrides map[Regime]Parameters) *Detector {
	params := make(map[Regime]Parameters, len(defaultParameters))
	for r, p := range defaultParameters {
		params[r] = p
	}
	for r, p := range overrides {
		params[r] = p
	}
	return &Detector{
		cfg:    cfg,
		params: params,
		state:  State{Current: Ranging, Previous: Ranging},
		log:    logging.Component("regime"),
	}
}

// Analyze evaluates the market every cfg.UpdateEvery ingested candles.
// hints supplies externally computed indicator values (ADX, ATR) from the
// aggregator's snapshot; missing hints are computed internally.
func (d *Detector) Analyze(candles []model.Candle, hints *indicator.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.candlesSeen++
	if d.candlesSeen%d.cfg.UpdateEvery != 0 {
		return
	}
	if len(candles) < d.cfg.RangeLookback {
		return
	}

	m := d.computeMetrics(candles, hints)
	next := d.classify(m)
	conf := d.confidence(next, m)
	d.commit(next, conf, m)
}

func (d *Detector) computeMetrics(candles []model.Candle, hints *indicator.Snapshot) Metrics {
	var m Metrics
	last := candles[len(candles)-1]

	// Volatility: ATR normalized by average price over the ATR window.
	if hints != nil && hints.ATR != nil {
		m.Volatility = *hints.ATR / avgClose(candles, 14)
	} else if atr, ok := indicator.ATRSeries(candles, 14); ok {
		m.Volatility = atr / avgClose(candles, 14)
	}

	m.TrendStrength, m.TrendDirection = d.trendScore(candles, hints)

	// Volume ratio vs 20-period average.
	if hints != nil && hints.VolumeRatio != nil {
		m.VolumeRatio = *hints.VolumeRatio
	} else {
		m.VolumeRatio = volumeRatio(candles, 20)
	}

	// Price position within the lookback range.
	lo, hi := rangeBounds(candles, d.cfg.RangeLookback)
	if hi > lo {
		m.PricePosition = (last.Close - lo) / (hi - lo)
	} else {
		m.PricePosition = 0.5
	}

	// N-bar rate of change.
	if n := d.cfg.MomentumBars; len(candles) > n {
		ref := candles[len(candles)-1-n].Close
		if ref != 0 {
			m.Momentum = (last.Close - ref) / ref
		}
	}
	return m
}

// trendScore fuses MA ordering, the swing high/low sequence, and ADX into
// a strength in [0,1] and a direction in [-1,1].
func (d *Detector) trendScore(candles []model.Candle, hints *indicator.Snapshot) (strength, direction float64) {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	var score, dir float64

	ma20, ok20 := indicator.SMASeries(closes, 20)
	ma50, ok50 := indicator.SMASeries(closes, 50)
	if ok20 && ok50 {
		if ma20 > ma50 {
			score += 0.35
			dir += 1
		} else if ma20 < ma50 {
			score += 0.35
			dir -= 1
		}
	}

	// Swing structure: higher highs + higher lows (or the mirror).
	if hh, hl := swingSequence(candles, d.cfg.SwingLookback); hh && hl {
		score += 0.25
		dir += 1
	} else if !hh && !hl {
		score += 0.25
		dir -= 1
	}

	// ADX contribution, canonical Wilder.
	adx := 0.0
	if hints != nil && hints.TrendStrength > 0 {
		adx = hints.TrendStrength * 50 // snapshot scales ADX/50
	} else if v, ok := indicator.ADXSeries(candles, 14); ok {
		adx = v
	}
	score += 0.4 * math.Min(adx/50, 1)

	if dir > 1 {
		dir = 1
	} else if dir < -1 {
		dir = -1
	}
	return math.Min(score, 1), dir
}

// classify runs the decision cascade over the metrics.
func (d *Detector) classify(m Metrics) Regime {
	cfg := d.cfg
	switch {
	case m.PricePosition > cfg.BreakoutPosition &&
		m.VolumeRatio > cfg.HighVolumeMult &&
		m.Momentum > cfg.MomentumThreshold:
		return Breakout
	case m.PricePosition < 1-cfg.BreakoutPosition &&
		m.VolumeRatio > cfg.HighVolumeMult &&
		m.Momentum < -cfg.MomentumThreshold:
		return Breakdown
	case m.Volatility > cfg.VolHighThreshold:
		return Volatile
	case m.Volatility > 0 && m.Volatility < cfg.VolLowThreshold:
		return Quiet
	case m.TrendStrength > cfg.StrongTrend && m.TrendDirection > 0:
		return TrendingUp
	case m.TrendStrength > cfg.StrongTrend && m.TrendDirection < 0:
		return TrendingDown
	default:
		return Ranging
	}
}

// confidence computes the regime-specific confidence, bounded to [0,1].
func (d *Detector) confidence(r Regime, m Metrics) float64 {
	var c float64
	switch r {
	case TrendingUp:
		c = m.TrendStrength * math.Max(0, m.TrendDirection)
	case TrendingDown:
		c = m.TrendStrength * math.Max(0, -m.TrendDirection)
	case Breakout:
		c = math.Min(m.VolumeRatio/3, 1) * math.Min(m.Momentum/0.05, 1)
	case Breakdown:
		c = math.Min(m.VolumeRatio/3, 1) * math.Min(-m.Momentum/0.05, 1)
	case Volatile:
		c = math.Min(m.Volatility/(2*d.cfg.VolHighThreshold), 1)
	case Quiet:
		if d.cfg.VolLowThreshold > 0 {
			c = 1 - math.Min(m.Volatility/d.cfg.VolLowThreshold, 1)
		}
	case Ranging:
		c = 1 - m.TrendStrength
	}
	return math.Max(0, math.Min(c, 1))
}

// commit updates the current regime only when confidence clears the gate
// or the regime is unchanged.
func (d *Detector) commit(next Regime, conf float64, m Metrics) {
	s := &d.state
	s.Metrics = m
	s.LastUpdate = time.Now().UTC()

	if next == s.Current {
		s.Strength = conf
		return
	}
	if conf <= d.cfg.CommitConfidence {
		return // not confident enough to switch
	}

	d.log.Info().Str("from", string(s.Current)).Str("to", string(next)).
		Float64("confidence", conf).Msg("regime change")
	s.Previous = s.Current
	s.Current = next
	s.Strength = conf
}

// State returns a copy of the committed regime state.
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// GetParameters returns the immutable parameters for r, or for the current
// regime when r is empty.
func (d *Detector) GetParameters(r Regime) Parameters {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r == "" {
		r = d.state.Current
	}
	if p, ok := d.params[r]; ok {
		return p
	}
	return d.params[Ranging]
}

// Name implements model.Voter.
func (d *Detector) Name() string { return "REGIME" }

// GetVotes emits one vote reflecting the regime's direction, with strength
// derived from regime kind and commit confidence.
func (d *Detector) GetVotes() []model.Vote {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := d.state
	var dir int
	var base float64
	switch s.Current {
	case TrendingUp, Breakout:
		dir, base = 1, 0.3
	case TrendingDown, Breakdown:
		dir, base = -1, 0.3
	default:
		return nil // ranging/volatile/quiet carry no directional vote
	}

	v := model.Vote{
		Tag:      "REGIME:" + string(s.Current),
		Vote:     dir,
		Strength: base * s.Strength,
	}
	return []model.Vote{v.Clamp()}
}

func avgClose(candles []model.Candle, n int) float64 {
	if len(candles) < n {
		n = len(candles)
	}
	sum := 0.0
	for _, c := range candles[len(candles)-n:] {
		sum += c.Close
	}
	avg := sum / float64(n)
	if avg == 0 {
		return 1
	}
	return avg
}

func volumeRatio(candles []model.Candle, n int) float64 {
	if len(candles) < n+1 {
		return 1
	}
	sum := 0.0
	for _, c := range candles[len(candles)-1-n : len(candles)-1] {
		sum += c.Volume
	}
	avg := sum / float64(n)
	if avg == 0 {
		return 1
	}
	return candles[len(candles)-1].Volume / avg
}

func rangeBounds(candles []model.Candle, n int) (lo, hi float64) {
	if len(candles) < n {
		n = len(candles)
	}
	window := candles[len(candles)-n:]
	lo, hi = window[0].Low, window[0].High
	for _, c := range window[1:] {
		if c.Low < lo {
			lo = c.Low
		}
		if c.High > hi {
			hi = c.High
		}
	}
	return lo, hi
}

// swingSequence reports whether the last half of the window makes a higher
// high (hh) and a higher low (hl) than the first half.
func swingSequence(candles []model.Candle, n int) (hh, hl bool) {
	if len(candles) < n {
		return false, true // mixed → neither trend pattern
	}
	window := candles[len(candles)-n:]
	half := n / 2

	hi1, lo1 := window[0].High, window[0].Low
	for _, c := range window[:half] {
		if c.High > hi1 {
			hi1 = c.High
		}
		if c.Low < lo1 {
			lo1 = c.Low
		}
	}
	hi2, lo2 := window[half].High, window[half].Low
	for _, c := range window[half:] {
		if c.High > hi2 {
			hi2 = c.High
		}
		if c.Low < lo2 {
			lo2 = c.Low
		}
	}
	return hi2 > hi1, lo2 > lo1
}
