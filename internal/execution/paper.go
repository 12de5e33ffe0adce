package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// Fill is one simulated execution.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      model.Side `json:"side"`
	Qty       float64   `json:"qty"`
	FillPrice float64   `json:"fill_price"`
	Slippage  float64   `json:"slippage"`
	FilledAt  time.Time `json:"filled_at"`
}

// PaperBroker simulates the execution adapter without real broker calls.
// Orders fill immediately at the intent price plus configured slippage.
type PaperBroker struct {
	mu        sync.RWMutex
	fills     []Fill
	positions map[string]*model.Position
	balances  map[string]*model.Balance
	orderSeq  int64

	slippageBps float64
	log         zerolog.Logger
}

// NewPaperBroker creates a paper broker seeded with a quote balance.
func NewPaperBroker(quoteAsset string, startingBalance, slippageBps float64) *PaperBroker {
	return &PaperBroker{
		fills:     make([]Fill, 0, 1000),
		positions: make(map[string]*model.Position),
		balances: map[string]*model.Balance{
			quoteAsset: {Asset: quoteAsset, Free: startingBalance},
		},
		slippageBps: slippageBps,
		log:         logging.Component("paper"),
	}
}

// Submit implements model.Broker with an immediate simulated fill.
func (p *PaperBroker) Submit(_ context.Context, intent model.IntentRecord) (model.SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", p.orderSeq)

	fillPrice := intent.Price
	slippage := 0.0
	if fillPrice > 0 && p.slippageBps > 0 {
		slippage = fillPrice * p.slippageBps / 10000
		if intent.Side == model.SideBuy {
			fillPrice += slippage // buy higher
		} else {
			fillPrice -= slippage // sell lower
		}
	}

	p.applyFill(intent, fillPrice)
	p.fills = append(p.fills, Fill{
		OrderID:   orderID,
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Qty:       intent.Quantity,
		FillPrice: fillPrice,
		Slippage:  slippage,
		FilledAt:  time.Now(),
	})

	p.log.Info().
		Str("order_id", orderID).
		Str("side", string(intent.Side)).
		Float64("qty", intent.Quantity).
		Float64("fill_price", fillPrice).
		Float64("slippage", slippage).
		Msg("paper fill")

	return model.SubmitResult{Accepted: true, OrderID: orderID, FillPrice: fillPrice}, nil
}

func (p *PaperBroker) applyFill(intent model.IntentRecord, fillPrice float64) {
	pos := p.positions[intent.Symbol]
	if pos == nil {
		pos = &model.Position{Symbol: intent.Symbol}
		p.positions[intent.Symbol] = pos
	}

	qty := intent.Quantity
	if intent.Side == model.SideSell {
		qty = -qty
	}

	newQty := pos.Qty + qty
	switch {
	case pos.Qty == 0 || (pos.Qty > 0) == (qty > 0):
		// Opening or adding: blend the average entry.
		total := pos.AvgPrice*absQty(pos.Qty) + fillPrice*absQty(qty)
		pos.AvgPrice = total / absQty(newQty)
	case absQty(newQty) < absQty(pos.Qty):
		// Reducing: entry unchanged.
	default:
		// Flipping through zero: fresh entry at the fill.
		pos.AvgPrice = fillPrice
	}
	pos.Qty = newQty
	pos.LastPrice = fillPrice
	if pos.Qty == 0 {
		pos.AvgPrice = 0
	}
}

func absQty(q float64) float64 {
	if q < 0 {
		return -q
	}
	return q
}

// Cancel implements model.Broker. Paper fills are immediate, so there is
// never anything to cancel.
func (p *PaperBroker) Cancel(context.Context, string) error { return nil }

// Positions implements model.Broker.
func (p *PaperBroker) Positions(context.Context) ([]model.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// Balances implements model.Broker.
func (p *PaperBroker) Balances(context.Context) ([]model.Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Balance, 0, len(p.balances))
	for _, b := range p.balances {
		out = append(out, *b)
	}
	return out, nil
}

// Fills returns a snapshot of all simulated fills.
func (p *PaperBroker) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}
