package strategy

import (
	"sync"

	"crypto-trading-core/internal/model"
	"crypto-trading-core/internal/pattern"
)

// patternVoteWeight scales the composite score into vote strength so the
// pattern voter nudges rather than dominates the ensemble.
const patternVoteWeight = 0.3

// PatternVoter bridges the pattern memory into the voting ensemble. The
// pipeline updates the active feature keys each bar; the voter scores
// them and emits a quality vote, and exposes the sizing multiplier the
// same composite implies.
type PatternVoter struct {
	mem *pattern.Memory

	mu   sync.Mutex
	keys []string
}

func NewPatternVoter(mem *pattern.Memory) *PatternVoter {
	return &PatternVoter{mem: mem}
}

// Name implements model.Voter.
func (v *PatternVoter) Name() string { return "PATTERN" }

// SetActive replaces the feature keys under evaluation and observes each
// so timesSeen tracks setups actually considered.
func (v *PatternVoter) SetActive(keys []string) {
	v.mu.Lock()
	v.keys = append(v.keys[:0], keys...)
	v.mu.Unlock()
	for _, k := range keys {
		v.mem.Observe(k)
	}
}

// GetVotes implements model.Voter. No vote when no active key has enough
// history to score.
func (v *PatternVoter) GetVotes() []model.Vote {
	comp, ok := v.composite()
	if !ok || comp == 0 {
		return nil
	}
	return []model.Vote{model.Vote{
		Tag:      "PATTERN:quality",
		Vote:     sign(comp),
		Strength: patternVoteWeight * absf(comp),
	}.Clamp()}
}

// SizeMultiplier returns the sizing band for the active keys. Unknown
// patterns degrade to the neutral 1.0.
func (v *PatternVoter) SizeMultiplier() float64 {
	comp, ok := v.composite()
	if !ok {
		return 1.0
	}
	return pattern.SizeMultiplier(comp)
}

func (v *PatternVoter) composite() (float64, bool) {
	v.mu.Lock()
	keys := append([]string(nil), v.keys...)
	v.mu.Unlock()
	if len(keys) == 0 {
		return 0, false
	}
	return v.mem.Composite(keys)
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
