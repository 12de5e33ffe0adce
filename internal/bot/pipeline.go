package bot

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/model"
	"crypto-trading-core/internal/pattern"
	"crypto-trading-core/internal/portfolio"
	"crypto-trading-core/internal/statestore"
	"crypto-trading-core/internal/strategy"
)

// onCandle processes one feed candle on the pipeline goroutine.
func (b *Bot) onCandle(c model.Candle) {
	b.metrics.CandlesIngested.Inc()
	b.metrics.CandleLag.Set(time.Since(c.Time()).Seconds())
	b.fabric.Stale.MarkCandle()
	b.health.SetFeedConnected(true)
	b.health.SetLastCandleTime(time.Now())

	b.book.UpdatePrice(c)

	// Commit hooks fill b.committed synchronously under the aggregator
	// lock; processing happens here, after the lock is released.
	b.committed = b.committed[:0]
	b.agg.Ingest(c)
	for _, tc := range b.committed {
		b.metrics.TFCandlesTotal.WithLabelValues(string(tc.tf)).Inc()
		if tc.tf == model.TF1m {
			b.onBar(tc.c)
		}
	}

	b.hub.Publish("price", map[string]any{
		"symbol": c.Symbol,
		"price":  c.Close,
		"volume": c.Volume,
		"ts":     c.TS,
	})
}

// onBar runs the decision pipeline for one committed 1m candle: voter
// updates, regime analysis, exit management, then the two-pass decide.
func (b *Bot) onBar(c model.Candle) {
	b.maVoter.OnCandle(c)
	b.tpoVoter.OnCandle(c)

	view, snap := b.agg.Snapshot(model.TF1m)
	b.detector.Analyze(view.Candles, snap)

	st := b.detector.State()
	if st.Current != b.lastRegime {
		b.metrics.RegimeChanges.Inc()
		b.log.Info().
			Str("from", string(b.lastRegime)).
			Str("to", string(st.Current)).
			Float64("strength", st.Strength).
			Msg("regime change")
		b.lastRegime = st.Current
	}

	b.checkExits(c)
	b.decide(c, snap)
}

// decide runs the voting brain. The first pass resolves direction with a
// neutral pattern multiplier; the second applies the sizing band of the
// direction-matched pattern key.
func (b *Bot) decide(c model.Candle, snap *indicator.Snapshot) {
	params := b.detector.GetParameters(b.detector.State().Current)

	in := strategy.DecideInput{
		Symbol:      c.Symbol,
		TS:          c.TS,
		Entry:       c.Close,
		Params:      params,
		PatternMult: 1.0,
	}
	if snap != nil && snap.ATR != nil {
		atr := *snap.ATR
		in.ATR = &atr
	}
	if levels, ok := b.tpoVoter.Triggered(); ok {
		in.TPOLevels = levels
	}

	d := b.brain.Decide(in)
	if d.Direction != model.DirFlat {
		key := b.patternKey(snap, d.Direction)
		if comp, ok := b.mem.Composite([]string{key}); ok {
			in.PatternMult = pattern.SizeMultiplier(comp)
		}
		d = b.brain.Decide(in)
		d.ReasonTags = append(d.ReasonTags, "pattern:"+key)
	}

	for _, v := range d.SourceVotes {
		voter := v.Tag
		if i := strings.IndexByte(voter, ':'); i > 0 {
			voter = voter[:i]
		}
		b.metrics.VotesTotal.WithLabelValues(voter).Inc()
	}
	b.metrics.DecisionsTotal.WithLabelValues(string(d.Direction)).Inc()

	// The journal write happens off the pipeline goroutine; only order
	// submissions may block a bar.
	select {
	case b.decisions <- d:
	default:
		b.log.Warn().Msg("decision journal queue full, record dropped")
	}

	b.hub.Publish("decision", d)
	b.mirror.MirrorDecision(context.Background(), d)

	if d.Direction != model.DirFlat && b.open == nil {
		b.enter(c, d, snap)
	}
}

// enter opens a position for a non-flat decision that passed the brain's
// confidence threshold. Portfolio limits gate first, then the submitter's
// safety chain.
func (b *Bot) enter(c model.Candle, d model.TradeDecision, snap *indicator.Snapshot) {
	qty := b.cfg.BaseOrderQty * d.SizeMultiplier
	if ok, reason := b.risk.CanTrade(c.Symbol, qty); !ok {
		b.metrics.GateRejections.WithLabelValues("risk").Inc()
		b.log.Warn().Str("reason", reason).Msg("trade blocked by risk limits")
		return
	}

	side := model.SideBuy
	if d.Direction == model.DirShort {
		side = model.SideSell
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rec, err := b.submitter.Submit(ctx, c.Symbol, side, qty, c.Close)
	if err != nil {
		b.metrics.GateRejections.WithLabelValues("safety").Inc()
		b.log.Warn().Err(err).Msg("entry rejected")
		return
	}
	b.metrics.OrdersSubmitted.Inc()

	key := b.patternKey(snap, d.Direction)
	b.patternVoter.SetActive([]string{key})
	b.open = &openTrade{
		PatternKey: key,
		Direction:  d.Direction,
		Qty:        qty,
		Entry:      rec.Price,
		StopLoss:   d.StopLossPrice,
		TakeProfit: d.TakeProfit,
		OpenedAt:   time.Now(),
	}

	b.book.Apply(c.Symbol, side, qty, rec.Price)
	b.pnl.RecordTrade(portfolio.Trade{
		Symbol: c.Symbol, Side: side, Qty: qty, Price: rec.Price, Timestamp: time.Now(),
	})
	b.persistPosition(c.Symbol)

	b.log.Info().
		Str("direction", string(d.Direction)).
		Float64("qty", qty).
		Float64("entry", rec.Price).
		Float64("stop", d.StopLossPrice).
		Float64("take", d.TakeProfit).
		Str("pattern", key).
		Msg("position opened")
}

// checkExits closes the open position when the bar crosses its stop or
// target.
func (b *Bot) checkExits(c model.Candle) {
	t := b.open
	if t == nil {
		return
	}
	price, reason := exitSignal(t, c)
	if reason == "" {
		return
	}
	b.exit(c.Symbol, price, reason)
}

// exitSignal reports whether the bar triggers the trade's stop or target.
// Stops are checked before targets: a bar that sweeps both is treated as
// a stop-out.
func exitSignal(t *openTrade, c model.Candle) (price float64, reason string) {
	if t.Direction == model.DirLong {
		switch {
		case t.StopLoss > 0 && c.Low <= t.StopLoss:
			return t.StopLoss, "stop_loss"
		case t.TakeProfit > 0 && c.High >= t.TakeProfit:
			return t.TakeProfit, "take_profit"
		}
		return 0, ""
	}
	switch {
	case t.StopLoss > 0 && c.High >= t.StopLoss:
		return t.StopLoss, "stop_loss"
	case t.TakeProfit > 0 && c.Low <= t.TakeProfit:
		return t.TakeProfit, "take_profit"
	}
	return 0, ""
}

// exit closes the open position and feeds the realized outcome back into
// the pattern memory and the risk manager.
func (b *Bot) exit(symbol string, price float64, reason string) {
	t := b.open

	side := model.SideSell
	if t.Direction == model.DirShort {
		side = model.SideBuy
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rec, err := b.submitter.Submit(ctx, symbol, side, t.Qty, price)
	if err != nil {
		// Position stays open; the next bar retries the exit.
		b.log.Error().Err(err).Str("reason", reason).Msg("exit rejected, holding")
		return
	}
	b.metrics.OrdersSubmitted.Inc()

	dirSign := 1.0
	if t.Direction == model.DirShort {
		dirSign = -1
	}
	pnlQuote := (rec.Price - t.Entry) * t.Qty * dirSign
	pnlPct := 0.0
	if t.Entry > 0 {
		pnlPct = (rec.Price - t.Entry) / t.Entry * 100 * dirSign
	}

	b.book.Apply(symbol, side, t.Qty, rec.Price)
	b.pnl.RecordTrade(portfolio.Trade{
		Symbol: symbol, Side: side, Qty: t.Qty, Price: rec.Price, Timestamp: time.Now(),
	})
	b.risk.RecordPnL(pnlQuote)
	if err := b.mem.Record(t.PatternKey, pnlPct); err != nil {
		b.log.Error().Err(err).Msg("pattern record")
	}
	b.patternVoter.SetActive(nil)

	b.open = nil
	b.persistPosition(symbol)

	b.hub.Publish("pattern_update", map[string]any{
		"key":     t.PatternKey,
		"pnl_pct": pnlPct,
		"elite":   b.mem.IsElite(t.PatternKey),
	})
	b.log.Info().
		Str("reason", reason).
		Float64("exit", rec.Price).
		Float64("pnl_quote", pnlQuote).
		Float64("pnl_pct", pnlPct).
		Msg("position closed")
}

// journalDecisions is the single consumer of the decision queue. It runs
// for the bot's lifetime; shutdown drains whatever it had not picked up.
func (b *Bot) journalDecisions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.decisions:
			b.writeDecision(d)
		}
	}
}

func (b *Bot) writeDecision(d model.TradeDecision) {
	timer := prometheus.NewTimer(b.metrics.JournalCommitDur)
	if err := b.journal.RecordDecision(d); err != nil {
		b.log.Error().Err(err).Msg("decision journal write")
	}
	timer.ObserveDuration()
}

// drainDecisions flushes queued decisions synchronously. Called before
// the journal closes.
func (b *Bot) drainDecisions() {
	for {
		select {
		case d := <-b.decisions:
			b.writeDecision(d)
		default:
			return
		}
	}
}

// persistPosition snapshots the book and P&L into the durable state file.
func (b *Bot) persistPosition(symbol string) {
	pos, _ := b.book.Position(symbol)
	risk := b.risk.GetStatus()
	if err := b.state.Update(func(s *statestore.State) {
		s.Position = pos.Qty
		s.EntryPrice = pos.AvgPrice
		s.DailyPnL = risk.DailyPnL
		s.Balance = risk.Equity
		s.Timestamp = time.Now()
	}); err != nil {
		b.log.Error().Err(err).Msg("state persist")
	}
}

// patternKey quantizes the current setup into the memory fingerprint.
func (b *Bot) patternKey(snap *indicator.Snapshot, dir model.Direction) string {
	st := b.detector.State()
	f := pattern.Features{
		Volatility:    st.Metrics.Volatility,
		VolumeRatio:   st.Metrics.VolumeRatio,
		Momentum:      st.Metrics.Momentum,
		PricePosition: st.Metrics.PricePosition,
		Regime:        string(st.Current),
		Direction:     string(dir),
	}
	if st.Metrics.TrendDirection > 0 {
		f.TrendSign = 1
	} else if st.Metrics.TrendDirection < 0 {
		f.TrendSign = -1
	}
	if snap != nil {
		if snap.RSI != nil {
			f.RSI = *snap.RSI
		}
		if snap.MACD != nil {
			f.MACDHistogram = snap.MACD.Histogram
		}
	}
	return f.Key()
}

// statusSnapshot assembles the periodic status frame for the relay.
func (b *Bot) statusSnapshot() map[string]any {
	b.health.SetRelayClients(b.hub.ClientCount())
	safetyState := b.fabric.State()
	b.health.SetTradingPaused(safetyState.TradingPaused)

	price, _ := b.agg.LastPrice()
	prices := map[string]float64{b.cfg.Pair: price}

	p50, p95, p99 := b.fabric.Loop.Percentiles()

	return map[string]any{
		"mode":          string(b.cfg.Mode),
		"symbol":        b.cfg.Pair,
		"price":         price,
		"safety":        safetyState,
		"regime":        b.detector.State(),
		"confluence":    b.agg.Confluence(),
		"divergence":    b.maVoter.DivergenceStates(),
		"risk":          b.risk.GetStatus(),
		"pnl":           b.pnl.GetSummary(prices),
		"positions":     b.book.Positions(),
		"patterns":      b.mem.Len(),
		"ring_overflow": b.ring.Overflow(),
		"mirror_queue":  b.mirror.Pending(),
		"loop_p50_ms":   p50,
		"loop_p95_ms":   p95,
		"loop_p99_ms":   p99,
	}
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
