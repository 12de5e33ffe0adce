// Package execution turns trade decisions into broker orders behind the
// safety gate chain and the idempotent intent cache.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
	"crypto-trading-core/internal/safety"
)

const (
	intentTTL          = 5 * time.Minute
	intentSweepPeriod  = time.Minute
	breakerModuleName  = "broker"
	submitTimeout      = 10 * time.Second
)

// intentEntry pins one outstanding intent until its TTL expires.
type intentEntry struct {
	record    model.IntentRecord
	expiresAt time.Time
}

// IntentCache absorbs duplicate submissions: a second order with the same
// content hash inside the TTL resolves to the first record.
type IntentCache struct {
	mu      sync.Mutex
	entries map[string]*intentEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewIntentCache() *IntentCache {
	return &IntentCache{
		entries: make(map[string]*intentEntry),
		ttl:     intentTTL,
		now:     time.Now,
	}
}

// Claim registers the intent if its ID is unseen and returns (record,
// true). A live duplicate returns the prior record and false.
func (c *IntentCache) Claim(rec model.IntentRecord) (model.IntentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[rec.IntentID]; ok && c.now().Before(e.expiresAt) {
		return e.record, false
	}
	c.entries[rec.IntentID] = &intentEntry{record: rec, expiresAt: c.now().Add(c.ttl)}
	return rec, true
}

// Update replaces the stored record for the intent, preserving its TTL.
func (c *IntentCache) Update(rec model.IntentRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[rec.IntentID]; ok {
		e.record = rec
	}
}

// Sweep drops expired entries. Run calls it once a minute.
func (c *IntentCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, id)
		}
	}
}

// Run sweeps the cache periodically until ctx is done.
func (c *IntentCache) Run(ctx context.Context) {
	t := time.NewTicker(intentSweepPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

// Len returns the live entry count.
func (c *IntentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Submitter is the single order path: gate chain, intent dedup, broker
// call, journal write.
type Submitter struct {
	broker  model.Broker
	fabric  *safety.Fabric
	cache   *IntentCache
	journal *Journal // nil disables journaling
	now     func() time.Time
	log     zerolog.Logger
}

func NewSubmitter(broker model.Broker, fabric *safety.Fabric, journal *Journal) *Submitter {
	return &Submitter{
		broker:  broker,
		fabric:  fabric,
		cache:   NewIntentCache(),
		journal: journal,
		now:     time.Now,
		log:     logging.Component("executor"),
	}
}

// Cache exposes the intent cache for the background sweep goroutine.
func (s *Submitter) Cache() *IntentCache { return s.cache }

// Submit runs the full order path. Safety gates are consulted in fixed
// order first; the idempotency check is the final gate. Duplicates
// return the prior record with no broker call.
func (s *Submitter) Submit(ctx context.Context, symbol string, side model.Side, qty, price float64) (model.IntentRecord, error) {
	if err := s.fabric.CheckOrderPath(breakerModuleName); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Str("side", string(side)).Msg("order path blocked")
		return model.IntentRecord{}, err
	}

	now := s.now()
	rec := model.IntentRecord{
		IntentID:      model.IntentID(symbol, side, qty, price, now),
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		CreatedAt:     now,
		Status:        "PENDING",
		TTL:           intentTTL,
	}

	claimed, fresh := s.cache.Claim(rec)
	if !fresh {
		s.log.Info().Str("intent_id", claimed.IntentID).Str("order_id", claimed.OrderID).Msg("duplicate intent absorbed")
		return claimed, nil
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	result, err := s.broker.Submit(ctx, rec)
	if err != nil {
		rec.Status = "REJECTED"
		s.cache.Update(rec)
		s.fabric.Errors.ReportCritical(breakerModuleName, err, "submit "+symbol)
		return rec, fmt.Errorf("broker submit: %w", err)
	}
	if !result.Accepted {
		rec.Status = "REJECTED"
		s.cache.Update(rec)
		err := fmt.Errorf("broker rejected order: %s", result.Error)
		s.fabric.Errors.ReportWarning(breakerModuleName, err, "submit "+symbol)
		return rec, err
	}

	rec.Status = "SUBMITTED"
	rec.OrderID = result.OrderID
	if result.FillPrice > 0 {
		rec.Status = "FILLED"
	}
	s.cache.Update(rec)

	s.log.Info().
		Str("intent_id", rec.IntentID).
		Str("order_id", rec.OrderID).
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("price", price).
		Str("status", rec.Status).
		Msg("order submitted")

	if s.journal != nil {
		if jerr := s.journal.RecordOrder(rec, result); jerr != nil {
			s.log.Error().Err(jerr).Msg("journal write failed")
		}
	}
	return rec, nil
}

// Cancel forwards a cancellation to the broker behind the gate chain.
func (s *Submitter) Cancel(ctx context.Context, orderID string) error {
	if err := s.fabric.CheckOrderPath(breakerModuleName); err != nil {
		return err
	}
	if err := s.broker.Cancel(ctx, orderID); err != nil {
		s.fabric.Errors.ReportCritical(breakerModuleName, err, "cancel "+orderID)
		return fmt.Errorf("broker cancel: %w", err)
	}
	return nil
}
