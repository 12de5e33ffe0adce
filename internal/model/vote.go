package model

// Vote is one voter's contribution to the ensemble.
// Tag is namespaced, e.g. "MA_CROSS:bullish" or "TPO:sell".
type Vote struct {
	Tag      string  `json:"tag"`
	Vote     int     `json:"vote"`     // -1, 0, +1
	Strength float64 `json:"strength"` // [0,1]
}

// Clamp forces Vote into {-1,0,+1} and Strength into [0,1].
func (v Vote) Clamp() Vote {
	if v.Vote > 0 {
		v.Vote = 1
	} else if v.Vote < 0 {
		v.Vote = -1
	}
	if v.Strength < 0 {
		v.Strength = 0
	} else if v.Strength > 1 {
		v.Strength = 1
	}
	return v
}

// Voter is the capability shared by every vote-producing component.
// A voter may emit zero, one, or many votes per tick.
type Voter interface {
	Name() string
	GetVotes() []Vote
}
