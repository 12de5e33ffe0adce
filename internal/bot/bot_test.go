package bot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/config"
	"crypto-trading-core/internal/marketdata"
	"crypto-trading-core/internal/model"
	"crypto-trading-core/internal/safety"
)

// newTestBot builds a fully wired bot against a temp directory. The
// Prometheus registry and safety fabric are process-wide singletons, so
// every test shares the one bot built here.
func newTestBot(t *testing.T) *Bot {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("LOCK_PATH", filepath.Join(dir, "instance.lock"))
	t.Setenv("KILLSWITCH_PATH", filepath.Join(dir, "killswitch.flag"))
	t.Setenv("KILLSWITCH_LOG", filepath.Join(dir, "killswitch.log"))
	t.Setenv("REGIME_CONFIG", filepath.Join(dir, "regimes.yaml"))
	t.Setenv("WEBSOCKET_AUTH_TOKEN", "test-token")
	t.Setenv("BASE_ORDER_QTY", "0.1")

	cfg, err := config.Load()
	require.NoError(t, err)

	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.journal.Close()
		b.fabric.Close()
	})
	return b
}

func feedBars(t *testing.T, b *Bot, n int) {
	t.Helper()
	sim := marketdata.NewSimFeed(marketdata.SimFeedConfig{
		Symbol:   b.cfg.Pair,
		Interval: time.Minute,
		Seed:     7,
	})
	start := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	for _, c := range sim.Generate(start, n) {
		b.onCandle(c)
	}
}

func TestBot_PipelineEndToEnd(t *testing.T) {
	b := newTestBot(t)
	feedBars(t, b, 300)

	price, ok := b.agg.LastPrice()
	require.True(t, ok)
	assert.Greater(t, price, 0.0)

	// Every bar produced a decision, flat or not.
	require.NotNil(t, b.brain.Last())

	snap := b.agg.Indicators(model.TF1m)
	require.NotNil(t, snap)
	assert.NotNil(t, snap.RSI)
	assert.NotNil(t, snap.ATR)

	status := b.statusSnapshot()
	assert.Equal(t, "PAPER", status["mode"])
	assert.Equal(t, b.cfg.Pair, status["symbol"])
	assert.Contains(t, status, "safety")
	assert.Contains(t, status, "regime")
	assert.Contains(t, status, "confluence")

	// The order journal is readable.
	orders, err := b.journal.RecentOrders(10)
	require.NoError(t, err)
	assert.NotNil(t, orders)
}

func TestBot_EnterAndStopOut(t *testing.T) {
	b := newTestBot(t)
	feedBars(t, b, 100)
	require.NoError(t, b.fabric.Lock.Acquire())
	require.NoError(t, b.fabric.Recon.ReconcileNow(context.Background()))

	price, _ := b.agg.LastPrice()
	entryBar := model.Candle{
		Symbol: b.cfg.Pair, TS: time.Now().UnixMilli(),
		Open: price, High: price * 1.001, Low: price * 0.999, Close: price, Volume: 10,
	}
	decision := model.TradeDecision{
		Symbol:         b.cfg.Pair,
		Direction:      model.DirLong,
		Confidence:     0.8,
		SizeMultiplier: 1.0,
		StopLossPrice:  price * 0.99,
		TakeProfit:     price * 1.02,
	}
	b.enter(entryBar, decision, b.agg.Indicators(model.TF1m))
	require.NotNil(t, b.open)
	assert.Equal(t, model.DirLong, b.open.Direction)
	assert.InDelta(t, 0.1, b.open.Qty, 1e-9)
	assert.InDelta(t, 0.1, b.book.Quantity(b.cfg.Pair), 1e-9)

	// A bar sweeping through the stop closes the position and records
	// the outcome in the pattern memory.
	stopBar := model.Candle{
		Symbol: b.cfg.Pair, TS: time.Now().UnixMilli() + 60_000,
		Open: price, High: price, Low: price * 0.98, Close: price * 0.985, Volume: 10,
	}
	b.checkExits(stopBar)
	require.Nil(t, b.open)
	assert.InDelta(t, 0, b.book.Quantity(b.cfg.Pair), 1e-9)
	assert.GreaterOrEqual(t, b.mem.Len(), 1)
	assert.Negative(t, b.risk.GetStatus().DailyPnL)

	// The durable state reflects the flat book.
	assert.InDelta(t, 0, b.state.Get().Position, 1e-9)
}

func TestBot_OrderPathBlockedWithoutLock(t *testing.T) {
	b := newTestBot(t)
	feedBars(t, b, 100)

	price, _ := b.agg.LastPrice()
	bar := model.Candle{
		Symbol: b.cfg.Pair, TS: time.Now().UnixMilli(),
		Open: price, High: price, Low: price, Close: price, Volume: 1,
	}
	decision := model.TradeDecision{
		Symbol: b.cfg.Pair, Direction: model.DirLong, SizeMultiplier: 1.0,
		StopLossPrice: price * 0.99, TakeProfit: price * 1.02,
	}
	b.enter(bar, decision, nil)
	assert.Nil(t, b.open, "entry must be refused while the lock is not held")
}

func TestBot_EntryWaitsForStartupReconciliation(t *testing.T) {
	b := newTestBot(t)
	feedBars(t, b, 100)
	require.NoError(t, b.fabric.Lock.Acquire())

	price, _ := b.agg.LastPrice()
	bar := model.Candle{
		Symbol: b.cfg.Pair, TS: time.Now().UnixMilli(),
		Open: price, High: price, Low: price, Close: price, Volume: 1,
	}
	decision := model.TradeDecision{
		Symbol: b.cfg.Pair, Direction: model.DirLong, SizeMultiplier: 1.0,
		StopLossPrice: price * 0.99, TakeProfit: price * 1.02,
	}

	b.enter(bar, decision, nil)
	assert.Nil(t, b.open, "no submission before the first local-vs-broker comparison")

	require.NoError(t, b.fabric.Recon.ReconcileNow(context.Background()))
	b.enter(bar, decision, nil)
	require.NotNil(t, b.open)
}

func TestBot_DecisionJournalOffPipeline(t *testing.T) {
	b := newTestBot(t)
	feedBars(t, b, 60)

	// Bars queue their decisions; the SQLite write happens off the bar
	// path.
	require.NotEmpty(t, b.decisions)

	b.drainDecisions()
	assert.Empty(t, b.decisions)

	rows, err := b.journal.RecentDecisions(10)
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}

func TestExitSignal(t *testing.T) {
	long := &openTrade{Direction: model.DirLong, StopLoss: 95, TakeProfit: 110}
	short := &openTrade{Direction: model.DirShort, StopLoss: 105, TakeProfit: 90}

	cases := []struct {
		name   string
		trade  *openTrade
		bar    model.Candle
		price  float64
		reason string
	}{
		{"long hold", long, model.Candle{Low: 96, High: 105}, 0, ""},
		{"long stop", long, model.Candle{Low: 94, High: 100}, 95, "stop_loss"},
		{"long take", long, model.Candle{Low: 100, High: 111}, 110, "take_profit"},
		{"long sweep is stop", long, model.Candle{Low: 94, High: 111}, 95, "stop_loss"},
		{"short hold", short, model.Candle{Low: 95, High: 104}, 0, ""},
		{"short stop", short, model.Candle{Low: 100, High: 106}, 105, "stop_loss"},
		{"short take", short, model.Candle{Low: 89, High: 100}, 90, "take_profit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price, reason := exitSignal(tc.trade, tc.bar)
			assert.Equal(t, tc.reason, reason)
			assert.Equal(t, tc.price, price)
		})
	}
}

func TestBot_PatternKeyShape(t *testing.T) {
	b := newTestBot(t)
	feedBars(t, b, 100)

	key := b.patternKey(b.agg.Indicators(model.TF1m), model.DirLong)
	parts := len(splitKey(key))
	assert.Equal(t, 9, parts)
	assert.Contains(t, key, "long")

	other := b.patternKey(b.agg.Indicators(model.TF1m), model.DirShort)
	assert.NotEqual(t, key, other)
}

func splitKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == ',' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	return append(parts, key[start:])
}

func TestBot_InboxRequests(t *testing.T) {
	b := newTestBot(t)
	feedBars(t, b, 50)

	// Historical request for a known timeframe publishes without error.
	b.handleRequest([]byte(`{"type":"request_historical","timeframe":"1m"}`))
	b.handleRequest([]byte(`{"type":"request_journal_orders","limit":5}`))
	b.handleRequest([]byte(`{"type":"request_journal_decisions","limit":5}`))
	b.handleRequest([]byte(`{"type":"timeframe_change","timeframe":"1h"}`))
	b.handleRequest([]byte(`not json`))

	// The replies went to the relay's broadcast path.
	assert.GreaterOrEqual(t, b.hub.ChannelSeq("historical"), int64(1))
	assert.GreaterOrEqual(t, b.hub.ChannelSeq("journal_orders"), int64(1))
	assert.GreaterOrEqual(t, b.hub.ChannelSeq("journal_decisions"), int64(1))
	assert.GreaterOrEqual(t, b.hub.ChannelSeq("status"), int64(1))
}

func TestBot_AlertFanout(t *testing.T) {
	b := newTestBot(t)

	before := b.hub.ChannelSeq("alert")
	b.onSafetyAlert(safety.Alert{
		Type:     "alert",
		Severity: "critical",
		Reason:   "kill_switch",
		Since:    time.Now(),
	})
	assert.Greater(t, b.hub.ChannelSeq("alert"), before)
}
