// Package bot wires the full pipeline: feed, aggregator, regime detector,
// voting brain, safety fabric, execution, relay, and the optional mirrors.
//
// The pipeline is single-threaded: one goroutine drains the feed ring and
// drives ingestion, voting, and order submission. Everything else (relay,
// notifications, reconciliation, mirroring) runs on its own goroutine and
// communicates through channels or read-side snapshots.
package bot

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/config"
	"crypto-trading-core/internal/aggregator"
	"crypto-trading-core/internal/bus"
	"crypto-trading-core/internal/execution"
	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/marketdata"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/model"
	"crypto-trading-core/internal/notification"
	"crypto-trading-core/internal/pattern"
	"crypto-trading-core/internal/portfolio"
	"crypto-trading-core/internal/regime"
	"crypto-trading-core/internal/relay"
	"crypto-trading-core/internal/ringbuf"
	"crypto-trading-core/internal/safety"
	"crypto-trading-core/internal/statestore"
	redisstore "crypto-trading-core/internal/store/redis"
	"crypto-trading-core/internal/strategy"
)

const (
	feedRingCapacity  = 4096
	busBufferSize     = 256
	pipelineTick      = 500 * time.Millisecond
	decisionQueueSize = 1024

	defaultStartingBalance = 10_000
	paperSlippageBps       = 5

	liveCountdownSeconds = 10
	healthProbeInterval  = 15 * time.Second
)

// openTrade tracks the single open position's entry context until exit.
type openTrade struct {
	PatternKey string
	Direction  model.Direction
	Qty        float64
	Entry      float64
	StopLoss   float64
	TakeProfit float64
	OpenedAt   time.Time
}

// Bot owns every subsystem and the pipeline goroutine.
type Bot struct {
	cfg config.Config
	log zerolog.Logger

	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	msrv    *metrics.Server

	fabric *safety.Fabric
	state  *statestore.Store
	mem    *pattern.Memory

	agg      *aggregator.Aggregator
	detector *regime.Detector

	brain        *strategy.Brain
	maVoter      *strategy.MACrossVoter
	tpoVoter     *strategy.TPOVoter
	patternVoter *strategy.PatternVoter

	book *portfolio.Book
	pnl  *portfolio.PnLTracker
	risk *portfolio.RiskManager

	broker    *execution.PaperBroker
	journal   *execution.Journal
	submitter *execution.Submitter

	hub    *relay.Hub
	wssrv  *http.Server
	mirror *redisstore.Mirror
	notify *notification.Dispatcher

	feed marketdata.Feed
	ring *ringbuf.Ring
	fan  *bus.FanOut

	// decisions queues journal writes off the pipeline goroutine.
	decisions chan model.TradeDecision

	// Pipeline-goroutine state, no locking needed.
	committed  []tfCandle
	open       *openTrade
	lastRegime regime.Regime
	lastDay    string
}

// tfCandle is one commit captured from the aggregator hook for processing
// after Ingest returns. Hooks run under the aggregator's write lock, so
// snapshot reads must be deferred until the lock is released.
type tfCandle struct {
	tf model.Timeframe
	c  model.Candle
}

// New builds the bot from configuration. It opens every durable store and
// fails fast on corruption; the feed is not started until Run.
func New(cfg config.Config) (*Bot, error) {
	logging.Setup(cfg.LogLevel)

	b := &Bot{
		cfg: cfg,
		log: logging.Component("bot"),
	}

	b.metrics = metrics.New()
	b.health = metrics.NewHealthStatus()
	b.msrv = metrics.NewServer(fmt.Sprintf(":%d", cfg.APIPort), b.metrics.Registry, b.health)

	kill := safety.NewKillSwitch(cfg.KillSwitchPath, cfg.KillSwitchLogPath)
	lock := safety.NewInstanceLock(cfg.LockPath)
	b.fabric = safety.NewFabric(kill, lock)

	var err error
	if b.state, err = statestore.Open(cfg.StatePath()); err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	if b.mem, err = pattern.Open(cfg.PatternMemoryPath()); err != nil {
		return nil, fmt.Errorf("pattern memory: %w", err)
	}
	if b.journal, err = execution.NewJournal(cfg.JournalPath()); err != nil {
		return nil, fmt.Errorf("trade journal: %w", err)
	}

	regCfg, overrides, err := config.LoadRegimeOverrides(cfg.RegimeConfigPath)
	if err != nil {
		return nil, err
	}
	b.detector = regime.NewDetectorWithParams(regCfg, overrides)
	b.lastRegime = b.detector.State().Current

	b.agg = aggregator.New(cfg.Pair, indicator.NewEngine())
	b.agg.OnCommit = func(tf model.Timeframe, c model.Candle) {
		b.committed = append(b.committed, tfCandle{tf: tf, c: c})
	}
	b.agg.OnDroppedStale = func() {
		b.metrics.CandlesDropped.Inc()
	}

	b.brain = strategy.NewBrain()
	b.maVoter = strategy.NewMACrossVoter(strategy.DefaultMACrossConfig())
	b.tpoVoter = strategy.NewTPOVoter(strategy.DefaultTPOConfig())
	b.patternVoter = strategy.NewPatternVoter(b.mem)
	b.brain.Register(b.maVoter)
	b.brain.Register(b.tpoVoter)
	b.brain.Register(b.detector)
	b.brain.Register(b.patternVoter)

	balance := b.state.Get().Balance
	if balance <= 0 {
		balance = defaultStartingBalance
	}
	b.book = portfolio.NewBook()
	b.pnl = portfolio.NewPnLTracker()
	b.risk = portfolio.NewRiskManager(portfolio.DefaultRiskLimits(), b.book, balance)

	// Broker adapters for real venues plug in here; all modes currently
	// fill against the paper broker.
	b.broker = execution.NewPaperBroker("USD", balance, paperSlippageBps)
	b.submitter = execution.NewSubmitter(b.broker, b.fabric, b.journal)
	b.fabric.AttachReconciler(safety.NewReconciler(b.broker, b.book, cfg.Pair))

	b.hub = relay.NewHub(relay.DefaultConfig(cfg.AuthToken), b.metrics)
	b.wssrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.WSPort), Handler: b.hub}

	if b.mirror, err = redisstore.NewMirror(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}, b.metrics); err != nil {
		return nil, fmt.Errorf("redis mirror: %w", err)
	}

	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	b.notify = notification.NewDispatcher(backends...)
	b.fabric.AlertFunc = b.onSafetyAlert

	b.decisions = make(chan model.TradeDecision, decisionQueueSize)

	b.ring = ringbuf.New(feedRingCapacity)
	b.fan = bus.New(busBufferSize)
	b.fan.OnDrop = func(name string) {
		b.metrics.CandlesDropped.Inc()
	}

	if b.feed, err = b.buildFeed(); err != nil {
		return nil, err
	}

	b.lastDay = time.Now().UTC().Format("2006-01-02")
	return b, nil
}

func (b *Bot) buildFeed() (marketdata.Feed, error) {
	if b.cfg.FeedURL != "" {
		return marketdata.NewWSFeed(marketdata.WSFeedConfig{
			URL:    b.cfg.FeedURL,
			Symbol: b.cfg.Pair,
		})
	}
	b.log.Info().Msg("no feed URL configured, using synthetic feed")
	return marketdata.NewSimFeed(marketdata.SimFeedConfig{
		Symbol:   b.cfg.Pair,
		Interval: time.Second,
	}), nil
}

// onSafetyAlert fans one safety alert out to the relay, the mirror, and
// the notification backends. Called from safety-mechanism goroutines.
func (b *Bot) onSafetyAlert(a safety.Alert) {
	b.hub.Publish("alert", a)
	b.mirror.MirrorAlert(context.Background(), mustJSON(a))

	level := notification.AlertInfo
	switch a.Severity {
	case "warning":
		level = notification.AlertWarning
	case "critical":
		level = notification.AlertCritical
	}
	b.notify.Publish(notification.Alert{
		Level:   level,
		Title:   a.Reason,
		Message: fmt.Sprintf("safety alert %s since %s", a.Reason, a.Since.Format(time.RFC3339)),
	})
	b.health.SetTradingPaused(b.fabric.State().TradingPaused)
}

// Run starts every subsystem and blocks on the pipeline loop until ctx is
// cancelled. The instance lock is acquired first; a second running bot
// fails here instead of double-trading.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.fabric.Lock.Acquire(); err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	defer b.shutdown()

	if b.cfg.Live() {
		if err := b.liveCountdown(ctx); err != nil {
			return err
		}
	}
	b.log.Info().
		Str("mode", string(b.cfg.Mode)).
		Str("pair", b.cfg.Pair).
		Int("ws_port", b.cfg.WSPort).
		Int("api_port", b.cfg.APIPort).
		Msg("starting")

	b.msrv.Start()
	b.health.StartLivenessChecker(ctx, b.mirror.Client(), b.journal.DB(), healthProbeInterval)

	b.backfill(ctx)

	// Startup reconciliation is blocking: the order path stays shut until
	// the first local-vs-broker comparison has completed, and an
	// unreadable remote book aborts the start.
	if err := b.fabric.Recon.Run(ctx); err != nil {
		return err
	}

	go b.fabric.Stale.Run(ctx)
	go b.fabric.Loop.Run(ctx)
	go b.submitter.Cache().Run(ctx)
	go b.journalDecisions(ctx)
	go b.notify.Run(ctx)

	go func() {
		b.log.Info().Str("addr", b.wssrv.Addr).Msg("relay listening")
		if err := b.wssrv.ListenAndServe(); err != http.ErrServerClosed {
			b.log.Error().Err(err).Msg("relay server error")
		}
	}()
	go b.hub.RunStatusBroadcast(ctx, b.statusSnapshot)
	go b.serveInbox(ctx)

	b.startFeed(ctx)

	return b.pipelineLoop(ctx)
}

// startFeed launches the feed and fans candles out to the pipeline ring
// and the Redis mirror.
func (b *Bot) startFeed(ctx context.Context) {
	feedCh := make(chan model.Candle, busBufferSize)
	pipelineCh := b.fan.Subscribe("pipeline")
	mirrorCh := b.fan.Subscribe("redis-mirror")

	go b.fan.Run(ctx, feedCh)
	go b.mirror.Run(ctx, model.TF1m, mirrorCh)

	// Single producer for the ring: the pipeline subscription.
	go func() {
		for c := range pipelineCh {
			if !b.ring.Push(c) {
				b.metrics.CandlesDropped.Inc()
			}
		}
	}()

	go func() {
		defer close(feedCh)
		if err := b.feed.Run(ctx, feedCh); err != nil && ctx.Err() == nil {
			b.log.Error().Err(err).Msg("feed stopped")
		}
		b.health.SetFeedConnected(false)
	}()
}

// pipelineLoop is the single consumer of the feed ring. Each tick drains
// pending candles, then reports its own lag to the loop monitor.
func (b *Bot) pipelineLoop(ctx context.Context) error {
	ticker := time.NewTicker(pipelineTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("pipeline stopping")
			return nil
		case <-ticker.C:
			start := time.Now()
			b.ring.Drain(b.onCandle)
			lag := time.Since(start)
			b.fabric.Loop.Observe(lag)
			b.metrics.LoopLag.Observe(lag.Seconds())
			b.rollDay(start)
		}
	}
}

// rollDay resets the daily loss counter at the UTC day boundary.
func (b *Bot) rollDay(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day == b.lastDay {
		return
	}
	b.lastDay = day
	b.risk.ResetDaily()
	if err := b.state.Update(func(s *statestore.State) {
		s.DailyPnL = 0
		s.Timestamp = now
	}); err != nil {
		b.log.Error().Err(err).Msg("state persist on day roll")
	}
	b.log.Info().Str("day", day).Msg("daily counters reset")
}

// backfill warms the candle series before live ingestion. Without a
// provider key, PAPER and BACKTEST modes seed from the synthetic
// generator so the indicators are warm from the first live candle.
func (b *Bot) backfill(ctx context.Context) {
	if b.cfg.ProviderAPIKey != "" {
		provider := marketdata.NewResilientProvider(marketdata.NewHTTPProvider(marketdata.HTTPProviderConfig{
			APIKey: b.cfg.ProviderAPIKey,
		}))
		opts := aggregator.DefaultBackfillOptions()
		opts.LookbackDays = b.cfg.LookbackDays
		if err := b.agg.Backfill(ctx, provider, opts); err != nil {
			b.log.Warn().Err(err).Msg("backfill incomplete, continuing with live data only")
		}
		return
	}

	if b.cfg.Live() {
		b.log.Warn().Msg("no provider API key, live mode starts with cold indicators")
		return
	}
	sim := marketdata.NewSimFeed(marketdata.SimFeedConfig{Symbol: b.cfg.Pair, Interval: time.Minute})
	seed := sim.Generate(time.Now().UTC().Add(-5*time.Hour), 300)
	b.agg.Seed(model.TF1m, seed)
	b.log.Info().Int("candles", len(seed)).Msg("seeded synthetic warmup series")
}

// liveCountdown prints the unmistakable live-trading banner and waits
// before any order path can be exercised. Ctrl-C during the countdown
// aborts the start.
func (b *Bot) liveCountdown(ctx context.Context) error {
	fmt.Fprintln(os.Stderr, "================================================")
	fmt.Fprintln(os.Stderr, "  LIVE TRADING MODE - REAL ORDERS WILL BE SENT")
	fmt.Fprintf(os.Stderr, "  pair: %s\n", b.cfg.Pair)
	fmt.Fprintln(os.Stderr, "  press Ctrl-C now to abort")
	fmt.Fprintln(os.Stderr, "================================================")

	for i := liveCountdownSeconds; i > 0; i-- {
		fmt.Fprintf(os.Stderr, "  starting in %d...\n", i)
		select {
		case <-ctx.Done():
			return fmt.Errorf("live start aborted")
		case <-time.After(time.Second):
		}
	}
	b.log.Warn().Msg("live trading enabled")
	return nil
}

// shutdown flushes every durable store and releases the instance lock.
func (b *Bot) shutdown() {
	b.log.Info().Msg("shutting down")

	b.drainDecisions()
	if err := b.mem.Flush(); err != nil {
		b.log.Error().Err(err).Msg("pattern memory flush")
	}
	if err := b.state.Flush(); err != nil {
		b.log.Error().Err(err).Msg("state flush")
	}
	if err := b.journal.Close(); err != nil {
		b.log.Error().Err(err).Msg("journal close")
	}
	if err := b.mirror.Close(); err != nil {
		b.log.Error().Err(err).Msg("mirror close")
	}

	b.hub.Close()
	closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b.wssrv.Shutdown(closeCtx)
	b.msrv.Stop(closeCtx)

	b.fabric.Close()
	b.log.Info().Msg("shutdown complete")
}
