// Package strategy fuses per-indicator votes into trade decisions.
//
// Voters register explicitly at startup; the brain owns no state beyond
// the most recent decision. Voter lifecycle methods (OnCandle, SetActive)
// are driven by the pipeline before each Decide call.
package strategy

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
	"crypto-trading-core/internal/regime"
)

const (
	sizeMultFloor = 0.25
	sizeMultCeil  = 1.5

	// Stop distance as a fraction of entry when no ATR is available.
	fallbackStopPct = 0.01
)

// DecideInput carries everything one Decide call needs. ATR is nil when
// the primary timeframe's snapshot is too short to produce it.
type DecideInput struct {
	Symbol string
	TS     int64
	Entry  float64
	ATR    *float64
	Params regime.Parameters

	// PatternMult is the pattern-memory sizing band, 1.0 when unknown.
	PatternMult float64

	// TPOLevels overrides ATR-derived stops when the oscillator fired
	// this bar.
	TPOLevels *TPOLevels
}

// Brain aggregates weighted votes into a directional decision with a
// size multiplier.
type Brain struct {
	mu     sync.Mutex
	voters []model.Voter
	last   *model.TradeDecision
	log    zerolog.Logger
}

func NewBrain() *Brain {
	return &Brain{log: logging.Component("brain")}
}

// Register adds a voter. Registration is explicit and happens at startup.
func (b *Brain) Register(v model.Voter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.voters = append(b.voters, v)
	b.log.Info().Str("voter", v.Name()).Msg("voter registered")
}

// Last returns the most recent decision, nil before the first Decide.
func (b *Brain) Last() *model.TradeDecision {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Decide collects votes from every registered voter and fuses them.
// Ties and sub-threshold confidence produce a flat decision.
func (b *Brain) Decide(in DecideInput) model.TradeDecision {
	b.mu.Lock()
	voters := append([]model.Voter(nil), b.voters...)
	b.mu.Unlock()

	var votes []model.Vote
	var tags []string
	bullish, bearish := 0.0, 0.0
	for _, v := range voters {
		for _, vote := range v.GetVotes() {
			vote = vote.Clamp()
			votes = append(votes, vote)
			tags = append(tags, vote.Tag)
			switch vote.Vote {
			case 1:
				bullish += vote.Strength
			case -1:
				bearish += vote.Strength
			}
		}
	}

	diff := bullish - bearish
	confidence := math.Min(1, math.Abs(diff))

	d := model.TradeDecision{
		Symbol:         in.Symbol,
		TS:             in.TS,
		Direction:      model.DirFlat,
		Confidence:     confidence,
		SizeMultiplier: 1.0,
		ReasonTags:     tags,
		SourceVotes:    votes,
	}

	// Ties stay flat even above the threshold.
	if diff == 0 || confidence < in.Params.ConfidenceThreshold {
		b.store(&d)
		return d
	}

	if diff > 0 {
		d.Direction = model.DirLong
	} else {
		d.Direction = model.DirShort
	}

	mult := in.Params.RiskMultiplier * patternMultOrNeutral(in.PatternMult)
	d.SizeMultiplier = math.Min(sizeMultCeil, math.Max(sizeMultFloor, mult))

	d.StopLossPrice, d.TakeProfit = b.stops(in, d.Direction)

	b.log.Debug().
		Str("direction", string(d.Direction)).
		Float64("confidence", d.Confidence).
		Float64("size_mult", d.SizeMultiplier).
		Float64("bullish", bullish).
		Float64("bearish", bearish).
		Msg("decision")

	b.store(&d)
	return d
}

func (b *Brain) store(d *model.TradeDecision) {
	b.mu.Lock()
	b.last = d
	b.mu.Unlock()
}

// stops derives stop/target prices. TPO levels win when the oscillator
// triggered the entry; otherwise ATR-scaled distances; otherwise the
// percentage fallback.
func (b *Brain) stops(in DecideInput, dir model.Direction) (stop, take float64) {
	if in.TPOLevels != nil {
		return in.TPOLevels.StopLoss, in.TPOLevels.TakeProfit
	}

	stopDist := in.Entry * fallbackStopPct * in.Params.StopLossMultiplier
	takeDist := in.Entry * fallbackStopPct * in.Params.TakeProfitMultiplier
	if in.ATR != nil {
		stopDist = *in.ATR * in.Params.StopLossMultiplier
		takeDist = *in.ATR * in.Params.TakeProfitMultiplier
	}

	if dir == model.DirLong {
		return in.Entry - stopDist, in.Entry + takeDist
	}
	return in.Entry + stopDist, in.Entry - takeDist
}

func patternMultOrNeutral(m float64) float64 {
	if m <= 0 {
		return 1.0
	}
	return m
}
