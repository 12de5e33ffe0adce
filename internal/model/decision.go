package model

import "encoding/json"

// Direction of a trade decision.
type Direction string

const (
	DirLong  Direction = "long"
	DirShort Direction = "short"
	DirFlat  Direction = "flat"
)

// TradeDecision is the voting brain's output for one candle.
type TradeDecision struct {
	Symbol         string    `json:"symbol"`
	TS             int64     `json:"ts"` // candle timestamp that produced it
	Direction      Direction `json:"direction"`
	Confidence     float64   `json:"confidence"`      // [0,1]
	SizeMultiplier float64   `json:"size_multiplier"` // [0.25,1.5]
	StopLossPrice  float64   `json:"stop_loss_price,omitempty"`
	TakeProfit     float64   `json:"take_profit_price,omitempty"`
	ReasonTags     []string  `json:"reason_tags"`
	SourceVotes    []Vote    `json:"source_votes"`
}

// JSON returns the JSON-encoded decision.
func (d *TradeDecision) JSON() []byte {
	b, _ := json.Marshal(d)
	return b
}
