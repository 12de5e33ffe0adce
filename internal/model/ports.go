package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the core pipeline from concrete market-data
// and broker implementations.

// BarProvider pulls historical candles from an upstream market-data API.
// Used by the aggregator's startup backfill; the concrete wire format is
// out of scope for the core.
type BarProvider interface {
	// FetchBars returns candles for symbol at the given native resolution,
	// oldest first, covering [from, to].
	FetchBars(ctx context.Context, symbol string, tf Timeframe, from, to time.Time) ([]Candle, error)
}

// SubmitResult is the broker's answer to an order submission.
type SubmitResult struct {
	Accepted  bool    `json:"accepted"`
	OrderID   string  `json:"order_id"`
	FillPrice float64 `json:"fill_price,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Broker is the execution-adapter boundary. All methods may fail; the core
// routes failures through the circuit breaker and the reconciler.
type Broker interface {
	Submit(ctx context.Context, intent IntentRecord) (SubmitResult, error)
	Cancel(ctx context.Context, orderID string) error
	Positions(ctx context.Context) ([]Position, error)
	Balances(ctx context.Context) ([]Balance, error)
}
