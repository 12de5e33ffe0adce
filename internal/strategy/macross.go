package strategy

import (
	"fmt"
	"math"

	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/model"
)

// Divergence states for one MA pair's spread.
type DivergenceState string

const (
	DivNormal       DivergenceState = "normal"
	DivDiverging    DivergenceState = "diverging"
	DivOverextended DivergenceState = "overextended"
	DivSnapback     DivergenceState = "snapback_zone"
	DivBlowoff      DivergenceState = "blowoff"
)

// PairConfig describes one monitored MA pair.
type PairConfig struct {
	Kind   string // "EMA" or "SMA"
	Fast   int
	Slow   int
	Weight float64 // initial vote strength on a fresh cross
}

// MACrossConfig tunes the crossover/divergence voter.
type MACrossConfig struct {
	Pairs             []PairConfig
	MinSeparationPct  float64 // cross counts only when |spread|/mid exceeds this
	SignalDecayBars   int     // cross vote decays linearly to zero over this many bars
	ConfluenceMin     int     // pairs agreeing for the confluence bonus
	ConfluenceBonus   float64
	OverextensionPct  float64 // |spread|% that marks overextension
	SnapbackMinBars   int     // consecutive narrowing bars to enter snapback_zone
	BlowoffPenalty    float64 // strength of the anti-chase vote
}

// DefaultMACrossConfig monitors the five standard pairs.
func DefaultMACrossConfig() MACrossConfig {
	return MACrossConfig{
		Pairs: []PairConfig{
			{Kind: "EMA", Fast: 9, Slow: 20, Weight: 0.15},
			{Kind: "EMA", Fast: 20, Slow: 50, Weight: 0.20},
			{Kind: "EMA", Fast: 50, Slow: 200, Weight: 0.25},
			{Kind: "SMA", Fast: 20, Slow: 50, Weight: 0.15},
			{Kind: "SMA", Fast: 50, Slow: 200, Weight: 0.25},
		},
		MinSeparationPct: 0.0005,
		SignalDecayBars:  10,
		ConfluenceMin:    3,
		ConfluenceBonus:  0.15,
		OverextensionPct: 0.02,
		SnapbackMinBars:  3,
		BlowoffPenalty:   0.15,
	}
}

// pairState tracks one MA pair's cross vote lifecycle and divergence state.
//
// Cross lifecycle: inactive → active@bar0 → decaying → expired. A new cross
// in the opposite direction replaces the active vote.
type pairState struct {
	cfg  PairConfig
	fast indicator.Indicator
	slow indicator.Indicator

	prevSpread float64 // fast - slow on the previous bar
	hasPrev    bool

	// Active cross vote
	crossDir  int // +1 golden, -1 death, 0 none
	barsSince int

	// Divergence tracking over |spread|% of mid
	div           DivergenceState
	prevAbsPct    float64
	prevDeltaAbs  float64
	narrowingBars int
}

// MACrossVoter monitors MA pairs on the primary trading timeframe and
// emits time-decaying crossover votes, a multi-pair confluence bonus, and
// mean-reversion/anti-chase votes from the divergence state machine.
type MACrossVoter struct {
	cfg   MACrossConfig
	pairs []*pairState
}

// NewMACrossVoter creates the voter with explicit pair registration.
func NewMACrossVoter(cfg MACrossConfig) *MACrossVoter {
	v := &MACrossVoter{cfg: cfg}
	for _, pc := range cfg.Pairs {
		ps := &pairState{cfg: pc, div: DivNormal}
		if pc.Kind == "SMA" {
			ps.fast = indicator.NewSMA(pc.Fast)
			ps.slow = indicator.NewSMA(pc.Slow)
		} else {
			ps.fast = indicator.NewEMA(pc.Fast)
			ps.slow = indicator.NewEMA(pc.Slow)
		}
		v.pairs = append(v.pairs, ps)
	}
	return v
}

// Name implements model.Voter.
func (v *MACrossVoter) Name() string { return "MA_CROSS" }

// OnCandle advances every pair with the candle's close. Must be called once
// per committed primary-TF candle, before GetVotes.
func (v *MACrossVoter) OnCandle(c model.Candle) {
	for _, p := range v.pairs {
		p.fast.Update(c.Close)
		p.slow.Update(c.Close)
		if !p.fast.Ready() || !p.slow.Ready() {
			continue
		}

		spread := p.fast.Value() - p.slow.Value()
		mid := (p.fast.Value() + p.slow.Value()) / 2
		sepPct := 0.0
		if mid != 0 {
			sepPct = math.Abs(spread) / mid
		}

		// Age the active vote first; a fresh cross resets it to bar 0.
		if p.crossDir != 0 {
			p.barsSince++
			if p.barsSince >= v.cfg.SignalDecayBars {
				p.crossDir = 0 // expired
			}
		}
		v.detectCross(p, spread, sepPct)
		v.advanceDivergence(p, spread, mid)

		p.prevSpread = spread
		p.hasPrev = true
	}
}

func (v *MACrossVoter) detectCross(p *pairState, spread, sepPct float64) {
	if !p.hasPrev {
		return
	}
	crossedUp := p.prevSpread <= 0 && spread > 0
	crossedDown := p.prevSpread >= 0 && spread < 0
	if !crossedUp && !crossedDown {
		return
	}
	if sepPct < v.cfg.MinSeparationPct {
		return // too shallow to trust
	}
	// An opposite cross replaces the active vote rather than coexisting.
	if crossedUp {
		p.crossDir = 1
	} else {
		p.crossDir = -1
	}
	p.barsSince = 0
}

// advanceDivergence runs the per-pair spread state machine:
// normal ↔ diverging → overextended → (snapback_zone | blowoff).
func (v *MACrossVoter) advanceDivergence(p *pairState, spread, mid float64) {
	absPct := 0.0
	if mid != 0 {
		absPct = math.Abs(spread) / mid
	}
	deltaAbs := absPct - p.prevAbsPct
	accel := deltaAbs - p.prevDeltaAbs

	if deltaAbs < 0 {
		p.narrowingBars++
	} else {
		p.narrowingBars = 0
	}

	switch {
	case absPct < v.cfg.OverextensionPct:
		// Snapback resolves to normal once spread falls below threshold.
		if deltaAbs > 0 {
			p.div = DivDiverging
		} else {
			p.div = DivNormal
		}
	case p.narrowingBars >= v.cfg.SnapbackMinBars:
		p.div = DivSnapback
	case accel > 0:
		p.div = DivBlowoff
	default:
		// Blowoff resolves to overextended when acceleration turns negative.
		p.div = DivOverextended
	}

	p.prevAbsPct = absPct
	p.prevDeltaAbs = deltaAbs
}

// GetVotes implements model.Voter.
func (v *MACrossVoter) GetVotes() []model.Vote {
	var votes []model.Vote
	bullPairs, bearPairs := 0, 0

	for _, p := range v.pairs {
		if p.crossDir != 0 {
			decay := 1 - float64(p.barsSince)/float64(v.cfg.SignalDecayBars)
			if decay > 0 {
				dirName := "bullish"
				if p.crossDir < 0 {
					dirName = "bearish"
				}
				votes = append(votes, model.Vote{
					Tag:      fmt.Sprintf("MA_CROSS:%s:%s%d/%d", dirName, p.cfg.Kind, p.cfg.Fast, p.cfg.Slow),
					Vote:     p.crossDir,
					Strength: p.cfg.Weight * decay,
				}.Clamp())
				if p.crossDir > 0 {
					bullPairs++
				} else {
					bearPairs++
				}
			}
		}

		// Divergence votes act against the spread's sign.
		against := -sign(p.prevSpread)
		switch p.div {
		case DivSnapback:
			votes = append(votes, model.Vote{
				Tag:      "MA_SNAPBACK:" + dirLabel(against),
				Vote:     against,
				Strength: math.Min(1, p.prevAbsPct*10),
			}.Clamp())
		case DivBlowoff:
			votes = append(votes, model.Vote{
				Tag:      "MA_BLOWOFF:" + dirLabel(against),
				Vote:     against,
				Strength: v.cfg.BlowoffPenalty,
			}.Clamp())
		}
	}

	// Multi-pair agreement earns a confluence bonus.
	if bullPairs >= v.cfg.ConfluenceMin {
		votes = append(votes, model.Vote{Tag: "MA_CONFLUENCE:bullish", Vote: 1, Strength: v.cfg.ConfluenceBonus})
	} else if bearPairs >= v.cfg.ConfluenceMin {
		votes = append(votes, model.Vote{Tag: "MA_CONFLUENCE:bearish", Vote: -1, Strength: v.cfg.ConfluenceBonus})
	}
	return votes
}

// DivergenceStates exposes the per-pair divergence state for status frames.
func (v *MACrossVoter) DivergenceStates() map[string]DivergenceState {
	out := make(map[string]DivergenceState, len(v.pairs))
	for _, p := range v.pairs {
		key := fmt.Sprintf("%s%d/%d", p.cfg.Kind, p.cfg.Fast, p.cfg.Slow)
		out[key] = p.div
	}
	return out
}

func sign(x float64) int {
	if x > 0 {
		return 1
	}
	if x < 0 {
		return -1
	}
	return 0
}

func dirLabel(dir int) string {
	if dir > 0 {
		return "bullish"
	}
	if dir < 0 {
		return "bearish"
	}
	return "neutral"
}
