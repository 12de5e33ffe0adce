package execution

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/model"
	"crypto-trading-core/internal/safety"
)

// countingBroker wraps PaperBroker to count Submit calls.
type countingBroker struct {
	mu      sync.Mutex
	inner   *PaperBroker
	submits int
	err     error
}

func (b *countingBroker) Submit(ctx context.Context, intent model.IntentRecord) (model.SubmitResult, error) {
	b.mu.Lock()
	b.submits++
	b.mu.Unlock()
	if b.err != nil {
		return model.SubmitResult{}, b.err
	}
	return b.inner.Submit(ctx, intent)
}
func (b *countingBroker) Cancel(ctx context.Context, id string) error { return b.inner.Cancel(ctx, id) }
func (b *countingBroker) Positions(ctx context.Context) ([]model.Position, error) {
	return b.inner.Positions(ctx)
}
func (b *countingBroker) Balances(ctx context.Context) ([]model.Balance, error) {
	return b.inner.Balances(ctx)
}

func (b *countingBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

func newSubmitter(t *testing.T, broker model.Broker) (*Submitter, *safety.Fabric) {
	t.Helper()
	dir := t.TempDir()
	kill := safety.NewKillSwitch(filepath.Join(dir, "killswitch.flag"), filepath.Join(dir, "killswitch.log"))
	lock := safety.NewInstanceLock(filepath.Join(dir, "instance.lock"))
	require.NoError(t, lock.Acquire())
	f := safety.NewFabric(kill, lock)
	t.Cleanup(f.Close)
	return NewSubmitter(broker, f, nil), f
}

func TestSubmit_DuplicateIntentAbsorbed(t *testing.T) {
	broker := &countingBroker{inner: NewPaperBroker("USD", 100000, 0)}
	s, _ := newSubmitter(t, broker)

	// Identical {symbol, side, qty, price} inside one minute bucket.
	at := time.Now()
	s.now = func() time.Time { return at }

	first, err := s.Submit(context.Background(), "BTC/USD", model.SideBuy, 0.5, 50000)
	require.NoError(t, err)

	at = at.Add(250 * time.Millisecond)
	second, err := s.Submit(context.Background(), "BTC/USD", model.SideBuy, 0.5, 50000)
	require.NoError(t, err)

	assert.Equal(t, 1, broker.count(), "exactly one broker call")
	assert.Equal(t, first.OrderID, second.OrderID, "both callers see the same order")
	assert.Equal(t, first.IntentID, second.IntentID)
}

func TestSubmit_DifferentMinuteBucketIsFresh(t *testing.T) {
	broker := &countingBroker{inner: NewPaperBroker("USD", 100000, 0)}
	s, _ := newSubmitter(t, broker)

	at := time.Date(2026, 1, 2, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return at }
	_, err := s.Submit(context.Background(), "BTC/USD", model.SideBuy, 0.5, 50000)
	require.NoError(t, err)

	at = at.Add(time.Minute)
	_, err = s.Submit(context.Background(), "BTC/USD", model.SideBuy, 0.5, 50000)
	require.NoError(t, err)

	assert.Equal(t, 2, broker.count())
}

func TestSubmit_KillSwitchBlocksBeforeBrokerCall(t *testing.T) {
	broker := &countingBroker{inner: NewPaperBroker("USD", 100000, 0)}
	s, f := newSubmitter(t, broker)

	require.NoError(t, f.Kill.Activate("operator stop"))

	_, err := s.Submit(context.Background(), "BTC/USD", model.SideBuy, 0.5, 50000)
	assert.ErrorIs(t, err, safety.ErrKillSwitchActive)
	assert.Zero(t, broker.count(), "no broker call behind an active kill switch")
}

func TestSubmit_BrokerFailuresTripBreaker(t *testing.T) {
	broker := &countingBroker{inner: NewPaperBroker("USD", 100000, 0), err: errors.New("exchange down")}
	s, _ := newSubmitter(t, broker)

	at := time.Now()
	s.now = func() time.Time { return at }
	for i := 0; i < 6; i++ {
		at = at.Add(time.Minute) // distinct intent per attempt
		_, err := s.Submit(context.Background(), "BTC/USD", model.SideBuy, 0.5, 50000)
		require.Error(t, err)
	}

	// The seventh attempt is blocked by the open breaker, not the broker.
	calls := broker.count()
	_, err := s.Submit(context.Background(), "BTC/USD", model.SideBuy, 0.5, 50000)
	var open *safety.BreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, calls, broker.count())
}

func TestIntentCache_TTLExpiry(t *testing.T) {
	c := NewIntentCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	rec := model.IntentRecord{IntentID: "abc", OrderID: "1"}
	_, fresh := c.Claim(rec)
	require.True(t, fresh)

	_, fresh = c.Claim(rec)
	assert.False(t, fresh, "live duplicate")

	now = now.Add(6 * time.Minute)
	_, fresh = c.Claim(rec)
	assert.True(t, fresh, "expired intent can be reclaimed")

	c.Sweep()
	assert.Equal(t, 1, c.Len())
}

func TestPaperBroker_FillAndPositionMath(t *testing.T) {
	p := NewPaperBroker("USD", 100000, 5) // 5 bps slippage

	res, err := p.Submit(context.Background(), model.IntentRecord{
		Symbol: "BTC/USD", Side: model.SideBuy, Quantity: 1, Price: 50000,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.InDelta(t, 50025, res.FillPrice, 1e-9, "buys fill above the intent price")

	positions, err := p.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 1.0, positions[0].Qty)
	assert.InDelta(t, 50025, positions[0].AvgPrice, 1e-9)

	// Selling the full size flattens the book.
	_, err = p.Submit(context.Background(), model.IntentRecord{
		Symbol: "BTC/USD", Side: model.SideSell, Quantity: 1, Price: 51000,
	})
	require.NoError(t, err)
	positions, _ = p.Positions(context.Background())
	assert.Zero(t, positions[0].Qty)
	assert.Zero(t, positions[0].AvgPrice)

	assert.Len(t, p.Fills(), 2)
}

func TestJournal_OrderRoundTrip(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	rec := model.IntentRecord{
		IntentID: "i1", ClientOrderID: "c1", OrderID: "o1",
		Symbol: "BTC/USD", Side: model.SideBuy, Quantity: 0.5, Price: 50000,
		CreatedAt: time.Now(), Status: "FILLED",
	}
	require.NoError(t, j.RecordOrder(rec, model.SubmitResult{Accepted: true, OrderID: "o1", FillPrice: 50010}))

	orders, err := j.RecentOrders(10)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "i1", orders[0].IntentID)
	assert.Equal(t, 50010.0, orders[0].FillPrice)

	require.NoError(t, j.RecordDecision(model.TradeDecision{
		Symbol: "BTC/USD", TS: 123, Direction: model.DirLong,
		Confidence: 0.4, SizeMultiplier: 1.0, ReasonTags: []string{"a", "b"},
	}))
}
