package model

// Position represents a tracked trading position.
type Position struct {
	Symbol    string  `json:"symbol"`
	Qty       float64 `json:"qty"`       // positive = long, negative = short
	AvgPrice  float64 `json:"avg_price"` // average entry
	LastPrice float64 `json:"last_price"`
}

// UnrealizedPnL computes unrealized profit/loss in quote units.
func (p *Position) UnrealizedPnL() float64 {
	return (p.LastPrice - p.AvgPrice) * p.Qty
}

// Balance is a per-asset account balance.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}
