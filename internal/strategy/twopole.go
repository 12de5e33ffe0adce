package strategy

import (
	"math"

	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/model"
)

// TPOConfig tunes the two-pole oscillator voter.
type TPOConfig struct {
	SampleLen  int     // normalization window
	SmoothLen  int     // two-pole EMA length
	LagBars    int     // delayed-reference offset
	ExtremeAmp float64 // strength amplifier inside the ±0.5 zone
	Confluence bool    // require the companion oscillator to agree
}

// DefaultTPOConfig matches the filter-pole defaults.
func DefaultTPOConfig() TPOConfig {
	return TPOConfig{
		SampleLen:  27,
		SmoothLen:  7,
		LagBars:    4,
		ExtremeAmp: 1.25,
		Confluence: false,
	}
}

// TPOLevels are oscillator-sourced stop/target prices, anchored on the
// swing range of the normalization window at signal time.
type TPOLevels struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// TPOVoter runs the two-pole oscillator over the primary timeframe's
// closes and emits BUY/SELL votes on lagged-reference crossovers. An
// incremental fast/slow companion runs in parallel; with Confluence on,
// emission requires both oscillators to agree on direction.
type TPOVoter struct {
	cfg TPOConfig

	closes []float64
	highs  []float64
	lows   []float64

	// A/B companion: plain fast-minus-slow EMA oscillator.
	compFast *indicator.EMA
	compSlow *indicator.EMA

	last       indicator.TwoPoleResult
	lastOK     bool
	signalDir  int // ±1 on the crossing bar, 0 otherwise
	lastLevels *TPOLevels
}

func NewTPOVoter(cfg TPOConfig) *TPOVoter {
	return &TPOVoter{
		cfg:      cfg,
		compFast: indicator.NewEMA(cfg.SmoothLen),
		compSlow: indicator.NewEMA(cfg.SampleLen),
	}
}

// Name implements model.Voter.
func (v *TPOVoter) Name() string { return "TPO" }

// OnCandle feeds one committed primary-TF candle and re-runs the pipeline.
func (v *TPOVoter) OnCandle(c model.Candle) {
	maxLen := v.cfg.SampleLen*2 + v.cfg.LagBars + 8
	v.closes = boundedAppend(v.closes, c.Close, maxLen)
	v.highs = boundedAppend(v.highs, c.High, maxLen)
	v.lows = boundedAppend(v.lows, c.Low, maxLen)

	v.compFast.Update(c.Close)
	v.compSlow.Update(c.Close)

	v.signalDir = 0
	res, ok := indicator.TwoPoleSeries(v.closes, v.cfg.SampleLen, v.cfg.SmoothLen, v.cfg.LagBars)
	v.last, v.lastOK = res, ok
	if !ok {
		return
	}

	dir := 0
	if res.CrossUp {
		dir = 1
	} else if res.CrossDn {
		dir = -1
	}
	if dir == 0 {
		return
	}
	if v.cfg.Confluence && v.companionDir() != dir {
		return
	}

	v.signalDir = dir
	v.lastLevels = v.levelsFor(dir, c.Close)
}

func (v *TPOVoter) companionDir() int {
	if !v.compFast.Ready() || !v.compSlow.Ready() {
		return 0
	}
	return sign(v.compFast.Value() - v.compSlow.Value())
}

// levelsFor anchors the stop on the sample window's swing extreme and
// mirrors it for the target at 2R.
func (v *TPOVoter) levelsFor(dir int, entry float64) *TPOLevels {
	n := v.cfg.SampleLen
	if len(v.lows) < n {
		n = len(v.lows)
	}
	if n == 0 {
		return nil
	}
	lo, hi := v.lows[len(v.lows)-n], v.highs[len(v.highs)-n]
	for i := len(v.lows) - n; i < len(v.lows); i++ {
		lo = math.Min(lo, v.lows[i])
		hi = math.Max(hi, v.highs[i])
	}
	if dir > 0 {
		risk := entry - lo
		if risk <= 0 {
			return nil
		}
		return &TPOLevels{StopLoss: lo, TakeProfit: entry + 2*risk}
	}
	risk := hi - entry
	if risk <= 0 {
		return nil
	}
	return &TPOLevels{StopLoss: hi, TakeProfit: entry - 2*risk}
}

// GetVotes implements model.Voter. A vote is emitted only on the bar the
// crossover fires; strength scales with the value-to-lag distance and is
// amplified inside the extreme zone.
func (v *TPOVoter) GetVotes() []model.Vote {
	if v.signalDir == 0 {
		return nil
	}
	strength := math.Min(1, v.last.Distance*4)
	tag := "TPO:buy"
	if v.signalDir < 0 {
		tag = "TPO:sell"
	}
	if v.last.Extreme {
		strength *= v.cfg.ExtremeAmp
	}
	return []model.Vote{model.Vote{Tag: tag, Vote: v.signalDir, Strength: strength}.Clamp()}
}

// Triggered reports whether the latest bar carried a TPO signal, and the
// dynamic levels for it. Callers use these to override ATR-derived stops.
func (v *TPOVoter) Triggered() (*TPOLevels, bool) {
	if v.signalDir == 0 || v.lastLevels == nil {
		return nil, false
	}
	return v.lastLevels, true
}

// Oscillator exposes the latest pipeline output for status frames.
func (v *TPOVoter) Oscillator() (indicator.TwoPoleResult, bool) {
	return v.last, v.lastOK
}

func boundedAppend(xs []float64, v float64, max int) []float64 {
	xs = append(xs, v)
	if len(xs) > max {
		copy(xs, xs[len(xs)-max:])
		xs = xs[:max]
	}
	return xs
}
