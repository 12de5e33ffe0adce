package portfolio

import (
	"sync"
	"time"

	"crypto-trading-core/internal/model"
)

// Trade is one completed fill for P&L accounting.
type Trade struct {
	Symbol    string     `json:"symbol"`
	Side      model.Side `json:"side"`
	Qty       float64    `json:"qty"`
	Price     float64    `json:"price"`
	Timestamp time.Time  `json:"timestamp"`
}

// PnLTracker tracks realized and unrealized P&L over the cost basis.
type PnLTracker struct {
	mu     sync.RWMutex
	trades []Trade

	realizedPnL float64
	costBasis   map[string]costEntry
}

type costEntry struct {
	Qty      float64
	AvgPrice float64
}

func NewPnLTracker() *PnLTracker {
	return &PnLTracker{
		trades:    make([]Trade, 0, 500),
		costBasis: make(map[string]costEntry),
	}
}

// RecordTrade records a fill and returns the realized P&L in quote units
// and as a percentage of the entry (the pattern-memory input). Both are
// zero for opening trades.
func (p *PnLTracker) RecordTrade(trade Trade) (realized, realizedPct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trades = append(p.trades, trade)
	entry := p.costBasis[trade.Symbol]

	if trade.Side == model.SideBuy {
		totalCost := entry.AvgPrice*entry.Qty + trade.Price*trade.Qty
		entry.Qty += trade.Qty
		if entry.Qty > 0 {
			entry.AvgPrice = totalCost / entry.Qty
		}
	} else {
		sellQty := trade.Qty
		if sellQty > entry.Qty {
			sellQty = entry.Qty
		}
		realized = (trade.Price - entry.AvgPrice) * sellQty
		if entry.AvgPrice > 0 && sellQty > 0 {
			realizedPct = (trade.Price - entry.AvgPrice) / entry.AvgPrice * 100
		}
		entry.Qty -= sellQty
		if entry.Qty <= 0 {
			entry.Qty = 0
			entry.AvgPrice = 0
		}
		p.realizedPnL += realized
	}

	p.costBasis[trade.Symbol] = entry
	return realized, realizedPct
}

// RealizedPnL returns total realized P&L in quote units.
func (p *PnLTracker) RealizedPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL
}

// UnrealizedPnL marks the open cost basis to the given prices.
func (p *PnLTracker) UnrealizedPnL(currentPrices map[string]float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	unrealized := 0.0
	for symbol, entry := range p.costBasis {
		if entry.Qty <= 0 {
			continue
		}
		if price, ok := currentPrices[symbol]; ok {
			unrealized += (price - entry.AvgPrice) * entry.Qty
		}
	}
	return unrealized
}

// Trades returns a snapshot of all recorded trades.
func (p *PnLTracker) Trades() []Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Trade, len(p.trades))
	copy(cp, p.trades)
	return cp
}

// Summary is the portfolio-level P&L rollup for status frames.
type Summary struct {
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalTrades   int     `json:"total_trades"`
	OpenPositions int     `json:"open_positions"`
}

// GetSummary returns the current P&L summary.
func (p *PnLTracker) GetSummary(currentPrices map[string]float64) Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	unrealized := 0.0
	open := 0
	for symbol, entry := range p.costBasis {
		if entry.Qty <= 0 {
			continue
		}
		open++
		if price, ok := currentPrices[symbol]; ok {
			unrealized += (price - entry.AvgPrice) * entry.Qty
		}
	}

	return Summary{
		RealizedPnL:   p.realizedPnL,
		UnrealizedPnL: unrealized,
		TotalPnL:      p.realizedPnL + unrealized,
		TotalTrades:   len(p.trades),
		OpenPositions: open,
	}
}
