package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/model"
)

func feedTPO(v *TPOVoter, closes []float64) {
	for i, c := range closes {
		v.OnCandle(model.Candle{
			TS: int64(i) * 60_000, Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 10,
		})
	}
}

// vShape dips for `down` bars then recovers, which forces the oscillator
// through the lower extreme and back up across its lagged reference.
func vShape(down, up int) []float64 {
	var xs []float64
	price := 100.0
	for i := 0; i < down; i++ {
		price -= 1.0
		xs = append(xs, price)
	}
	for i := 0; i < up; i++ {
		price += 1.2
		xs = append(xs, price)
	}
	return xs
}

func TestTPO_NoVoteBeforeWarmup(t *testing.T) {
	v := NewTPOVoter(DefaultTPOConfig())
	feedTPO(v, vShape(10, 0))
	assert.Empty(t, v.GetVotes())
	_, ok := v.Oscillator()
	assert.False(t, ok)
}

func TestTPO_BuyVoteOnRecoveryCross(t *testing.T) {
	v := NewTPOVoter(DefaultTPOConfig())

	sawBuy := false
	var strength float64
	for i, c := range vShape(40, 25) {
		v.OnCandle(model.Candle{TS: int64(i) * 60_000, Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 10})
		for _, vote := range v.GetVotes() {
			require.Equal(t, "TPO:buy", vote.Tag)
			require.Equal(t, 1, vote.Vote)
			sawBuy = true
			strength = vote.Strength
		}
	}
	require.True(t, sawBuy, "recovery should produce a cross-up vote")
	assert.Greater(t, strength, 0.0)
	assert.LessOrEqual(t, strength, 1.0)
}

func TestTPO_VoteOnlyOnCrossingBar(t *testing.T) {
	v := NewTPOVoter(DefaultTPOConfig())

	bars := 0
	votesSeen := 0
	for i, c := range vShape(40, 25) {
		v.OnCandle(model.Candle{TS: int64(i) * 60_000, Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 10})
		bars++
		votesSeen += len(v.GetVotes())
	}
	assert.Less(t, votesSeen, bars/2, "votes fire on crossing bars only")
}

func TestTPO_TriggeredLevelsBracketEntry(t *testing.T) {
	v := NewTPOVoter(DefaultTPOConfig())

	var levels *TPOLevels
	var entry float64
	for i, c := range vShape(40, 25) {
		v.OnCandle(model.Candle{TS: int64(i) * 60_000, Open: c, High: c + 0.5, Low: c - 0.5, Close: c, Volume: 10})
		if l, ok := v.Triggered(); ok && len(v.GetVotes()) > 0 && v.GetVotes()[0].Vote == 1 {
			levels, entry = l, c
		}
	}
	require.NotNil(t, levels)
	assert.Less(t, levels.StopLoss, entry, "long stop below entry")
	assert.Greater(t, levels.TakeProfit, entry, "long target above entry")

	// 2R geometry: target distance is twice the stop distance.
	risk := entry - levels.StopLoss
	assert.InDelta(t, entry+2*risk, levels.TakeProfit, 1e-9)
}

func TestTPO_ConfluenceGateBlocksDisagreement(t *testing.T) {
	cfg := DefaultTPOConfig()
	cfg.Confluence = true
	v := NewTPOVoter(cfg)

	// Shallow recovery after a long slide: the slow companion EMA stays
	// above the fast one, so the companion still reads bearish while the
	// oscillator crosses up.
	var xs []float64
	price := 200.0
	for i := 0; i < 60; i++ {
		price -= 2.0
		xs = append(xs, price)
	}
	for i := 0; i < 6; i++ {
		price += 0.3
		xs = append(xs, price)
	}
	feedTPO(v, xs)

	for _, vote := range v.GetVotes() {
		assert.NotEqual(t, "TPO:buy", vote.Tag, "confluence should gate the early cross")
	}
}

func TestTPO_ExtremeZoneFlag(t *testing.T) {
	v := NewTPOVoter(DefaultTPOConfig())
	feedTPO(v, vShape(45, 0))

	res, ok := v.Oscillator()
	require.True(t, ok)
	assert.True(t, res.Extreme, "sustained slide should push the oscillator into the extreme zone")
	assert.Less(t, res.Value, 0.0)
	assert.LessOrEqual(t, math.Abs(res.Value), 1.0)
}
