package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(3, time.Hour)
	fail := func() error { return errors.New("down") }

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Execute(fail))
	}
	assert.Equal(t, StateOpen, b.CurrentState())
	assert.ErrorIs(t, b.Execute(fail), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Hour)

	b.Execute(func() error { return errors.New("down") })
	b.Execute(func() error { return errors.New("down") })
	require.NoError(t, b.Execute(func() error { return nil }))

	// Fresh budget of three after the success.
	b.Execute(func() error { return errors.New("down") })
	b.Execute(func() error { return errors.New("down") })
	assert.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)

	b.Execute(func() error { return errors.New("down") })
	require.Equal(t, StateOpen, b.CurrentState())

	time.Sleep(20 * time.Millisecond)

	// Failing probe reopens.
	b.Execute(func() error { return errors.New("still down") })
	assert.Equal(t, StateOpen, b.CurrentState())

	time.Sleep(20 * time.Millisecond)

	// Succeeding probe closes.
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.CurrentState())
}

// testMirror builds a Mirror with a stubbed transport so no Redis is needed.
func testMirror(send func(ctx context.Context, stream string, maxLen int64, data []byte) error) *Mirror {
	m := &Mirror{
		breaker: NewBreaker(2, time.Hour),
		log:     logging.Component("redis-mirror-test"),
		buffer:  make([]pendingWrite, 0, 8),
	}
	m.send = send
	m.breaker.OnStateChange = func(from, to State) {
		if to == StateClosed {
			m.flush(context.Background())
		}
	}
	return m
}

func TestMirror_BuffersWhileOpenAndFlushesOnRecovery(t *testing.T) {
	var written []string
	healthy := false
	m := testMirror(func(_ context.Context, stream string, _ int64, _ []byte) error {
		if !healthy {
			return errors.New("redis down")
		}
		written = append(written, stream)
		return nil
	})

	ctx := context.Background()
	c := model.Candle{Symbol: "BTC/USD", TS: 1, Open: 1, High: 1, Low: 1, Close: 1}

	// Two failures trip the breaker; the next writes buffer instead.
	m.MirrorCandle(ctx, model.TF1m, c)
	m.MirrorCandle(ctx, model.TF1m, c)
	require.Equal(t, StateOpen, m.breaker.CurrentState())

	m.MirrorDecision(ctx, model.TradeDecision{Symbol: "BTC/USD"})
	m.MirrorAlert(ctx, []byte(`{"type":"alert"}`))
	assert.Equal(t, 2, m.Pending())
	assert.Empty(t, written)

	// Redis recovers: force a half-open probe and let the close flush.
	healthy = true
	m.breaker.mu.Lock()
	m.breaker.lastFailure = time.Now().Add(-2 * time.Hour)
	m.breaker.mu.Unlock()

	m.MirrorCandle(ctx, model.TF5m, c)
	assert.Zero(t, m.Pending())
	assert.Equal(t, []string{
		"mirror:candle:5m:BTC/USD",
		"mirror:decision:BTC/USD",
		"mirror:alert",
	}, written)
}

func TestMirror_NilIsSafe(t *testing.T) {
	var m *Mirror
	ctx := context.Background()

	m.MirrorCandle(ctx, model.TF1m, model.Candle{})
	m.MirrorDecision(ctx, model.TradeDecision{})
	m.MirrorAlert(ctx, nil)
	assert.Zero(t, m.Pending())
	assert.NoError(t, m.Ping(ctx))
	assert.NoError(t, m.Close())
}

func TestNewMirror_EmptyAddrDisables(t *testing.T) {
	m, err := NewMirror(Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}
