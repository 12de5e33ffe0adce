package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// IntentRecord is a content-addressed description of a desired order and
// the unit of idempotency: two submissions with the same IntentID within
// the TTL resolve to one broker order.
type IntentRecord struct {
	IntentID      string    `json:"intent_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	CreatedAt     time.Time `json:"created_at"`
	Status        string    `json:"status"` // PENDING, SUBMITTED, FILLED, REJECTED
	OrderID       string    `json:"order_id,omitempty"`
	TTL           time.Duration
}

// IntentID hashes {symbol, side, quantity, price rounded to 0.01,
// minute bucket} so that retries of the same logical order collide.
func IntentID(symbol string, side Side, qty, price float64, at time.Time) string {
	rounded := math.Round(price*100) / 100
	bucket := at.UTC().Truncate(time.Minute).Unix()
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.8f|%.2f|%d", symbol, side, qty, rounded, bucket)))
	return hex.EncodeToString(h[:16])
}
