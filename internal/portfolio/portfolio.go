// Package portfolio tracks the bot's local position book, realized and
// unrealized P&L, and portfolio-level risk limits.
package portfolio

import (
	"sync"

	"crypto-trading-core/internal/model"
)

// Book is the bot's own view of open positions. The reconciler compares
// and corrects it against the broker's truth.
type Book struct {
	mu        sync.RWMutex
	positions map[string]*model.Position
}

// NewBook creates an empty position book.
func NewBook() *Book {
	return &Book{positions: make(map[string]*model.Position)}
}

// UpdatePrice marks open positions to the candle's close.
func (b *Book) UpdatePrice(c model.Candle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[c.Symbol]; ok {
		pos.LastPrice = c.Close
	}
}

// Apply adjusts the book for a fill.
func (b *Book) Apply(symbol string, side model.Side, qty, fillPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[symbol]
	if !ok {
		pos = &model.Position{Symbol: symbol}
		b.positions[symbol] = pos
	}

	signed := qty
	if side == model.SideSell {
		signed = -qty
	}
	newQty := pos.Qty + signed
	switch {
	case pos.Qty == 0 || (pos.Qty > 0) == (signed > 0):
		total := pos.AvgPrice*abs(pos.Qty) + fillPrice*abs(signed)
		pos.AvgPrice = total / abs(newQty)
	case abs(newQty) < abs(pos.Qty):
		// Reduction keeps the entry.
	default:
		pos.AvgPrice = fillPrice
	}
	pos.Qty = newQty
	pos.LastPrice = fillPrice
	if pos.Qty == 0 {
		pos.AvgPrice = 0
	}
}

// Quantity returns the signed position size for symbol. Implements the
// reconciler's local-book interface.
func (b *Book) Quantity(symbol string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pos, ok := b.positions[symbol]; ok {
		return pos.Qty
	}
	return 0
}

// SetQuantity overwrites the local size, used by reconciliation
// auto-correction.
func (b *Book) SetQuantity(symbol string, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		pos = &model.Position{Symbol: symbol}
		b.positions[symbol] = pos
	}
	pos.Qty = qty
}

// Positions returns a snapshot of all positions.
func (b *Book) Positions() []model.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out
}

// Position returns a copy of one position and whether it exists.
func (b *Book) Position(symbol string) (model.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.positions[symbol]; ok {
		return *p, true
	}
	return model.Position{}, false
}

// TotalUnrealizedPnL sums unrealized P&L across the book in quote units.
func (b *Book) TotalUnrealizedPnL() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0.0
	for _, p := range b.positions {
		total += p.UnrealizedPnL()
	}
	return total
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
