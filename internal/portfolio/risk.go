package portfolio

import (
	"sync"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// RiskLimits are the portfolio-level guard rails applied on top of the
// per-decision size multiplier.
type RiskLimits struct {
	MaxPositionSize  float64 `json:"max_position_size"` // base units per symbol
	MaxDailyLoss     float64 `json:"max_daily_loss"`    // quote units
	MaxOpenPositions int     `json:"max_open_positions"`
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"` // 0-100
}

// DefaultRiskLimits returns conservative defaults for a single-pair bot.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize:  2.0,
		MaxDailyLoss:     1000,
		MaxOpenPositions: 3,
		MaxDrawdownPct:   5.0,
	}
}

// RiskManager validates trades against the limits and tracks equity.
type RiskManager struct {
	mu     sync.RWMutex
	limits RiskLimits
	book   *Book

	dailyPnL   float64
	equity     float64
	peakEquity float64
}

func NewRiskManager(limits RiskLimits, book *Book, initialEquity float64) *RiskManager {
	return &RiskManager{
		limits:     limits,
		book:       book,
		equity:     initialEquity,
		peakEquity: initialEquity,
	}
}

// CanTrade reports whether a new trade fits the limits, with a reason
// when it does not.
func (rm *RiskManager) CanTrade(symbol string, qty float64) (bool, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	positions := rm.book.Positions()
	isNew := true
	for _, pos := range positions {
		if pos.Symbol == symbol && pos.Qty != 0 {
			isNew = false
			break
		}
	}
	if isNew && openCount(positions) >= rm.limits.MaxOpenPositions {
		return false, "max open positions reached"
	}

	if qty > rm.limits.MaxPositionSize || qty < -rm.limits.MaxPositionSize {
		return false, "position size exceeds limit"
	}

	if rm.dailyPnL < -rm.limits.MaxDailyLoss {
		return false, "max daily loss reached"
	}

	if rm.peakEquity > 0 {
		drawdown := (rm.peakEquity - rm.equity) / rm.peakEquity * 100
		if drawdown > rm.limits.MaxDrawdownPct {
			return false, "max drawdown exceeded"
		}
	}
	return true, ""
}

// RecordPnL updates daily P&L and equity tracking.
func (rm *RiskManager) RecordPnL(pnl float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.dailyPnL += pnl
	rm.equity += pnl
	if rm.equity > rm.peakEquity {
		rm.peakEquity = rm.equity
	}
	logger := logging.Component("risk")
	logger.Debug().
		Float64("daily_pnl", rm.dailyPnL).
		Float64("equity", rm.equity).
		Float64("peak", rm.peakEquity).
		Msg("equity updated")
}

// ResetDaily clears the daily P&L counter at the UTC day roll.
func (rm *RiskManager) ResetDaily() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.dailyPnL = 0
}

// Status is the risk snapshot for status frames.
type Status struct {
	DailyPnL    float64    `json:"daily_pnl"`
	Equity      float64    `json:"equity"`
	PeakEquity  float64    `json:"peak_equity"`
	DrawdownPct float64    `json:"drawdown_pct"`
	Limits      RiskLimits `json:"limits"`
}

// GetStatus returns the current risk status.
func (rm *RiskManager) GetStatus() Status {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	drawdown := 0.0
	if rm.peakEquity > 0 {
		drawdown = (rm.peakEquity - rm.equity) / rm.peakEquity * 100
	}
	return Status{
		DailyPnL:    rm.dailyPnL,
		Equity:      rm.equity,
		PeakEquity:  rm.peakEquity,
		DrawdownPct: drawdown,
		Limits:      rm.limits,
	}
}

func openCount(positions []model.Position) int {
	n := 0
	for _, p := range positions {
		if p.Qty != 0 {
			n++
		}
	}
	return n
}
