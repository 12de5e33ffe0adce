// Package metrics exposes Prometheus instrumentation and the health
// endpoint for the trading core.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crypto-trading-core/internal/logging"
)

// Metrics holds all Prometheus metrics for the trading core. Each set
// carries its own registry so multiple instances can coexist in tests.
type Metrics struct {
	Registry *prometheus.Registry

	CandlesIngested prometheus.Counter
	CandlesDropped  prometheus.Counter
	TFCandlesTotal  *prometheus.CounterVec // labels: tf
	IndicatorDur    prometheus.Histogram
	CandleLag       prometheus.Gauge

	DecisionsTotal *prometheus.CounterVec // labels: direction
	VotesTotal     *prometheus.CounterVec // labels: voter
	RegimeChanges  prometheus.Counter

	OrdersSubmitted  prometheus.Counter
	OrdersDuplicate  prometheus.Counter
	GateRejections   *prometheus.CounterVec // labels: gate
	ReconcileDrift   prometheus.Gauge
	LoopLag          prometheus.Histogram
	PatternRecords   prometheus.Gauge
	PatternEvictions prometheus.Counter

	RelayClients  prometheus.Gauge
	RelayMessages *prometheus.CounterVec // labels: type
	RelayDrops    prometheus.Counter

	RedisMirrorWrites prometheus.Counter
	RedisMirrorTrips  prometheus.Counter
	JournalCommitDur  prometheus.Histogram
}

// New registers and returns the metric set.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		CandlesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_candles_ingested_total",
			Help: "1m candles accepted by the aggregator",
		}),
		CandlesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_candles_dropped_total",
			Help: "Candles dropped (out-of-order or invalid)",
		}),
		TFCandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingbot_tf_candles_total",
			Help: "Committed candles by timeframe",
		}, []string{"tf"}),
		IndicatorDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradingbot_indicator_compute_duration_seconds",
			Help:    "Snapshot engine latency per committed candle",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingbot_candle_lag_seconds",
			Help: "Lag between candle timestamp and ingestion time",
		}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingbot_decisions_total",
			Help: "Trade decisions by direction",
		}, []string{"direction"}),
		VotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingbot_votes_total",
			Help: "Votes emitted by voter",
		}, []string{"voter"}),
		RegimeChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_regime_changes_total",
			Help: "Committed regime transitions",
		}),

		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_orders_submitted_total",
			Help: "Orders that reached the broker adapter",
		}),
		OrdersDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_orders_duplicate_total",
			Help: "Submissions absorbed by the intent cache",
		}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingbot_gate_rejections_total",
			Help: "Order paths aborted by a safety gate",
		}, []string{"gate"}),
		ReconcileDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingbot_reconciliation_drift_units",
			Help: "Last measured local-vs-broker position drift",
		}),
		LoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradingbot_loop_lag_seconds",
			Help:    "Pipeline tick lag observed by the loop monitor",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		PatternRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingbot_pattern_records",
			Help: "Patterns held in memory",
		}),
		PatternEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_pattern_evictions_total",
			Help: "Pattern records evicted above the cap",
		}),

		RelayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradingbot_relay_clients",
			Help: "Authenticated relay connections",
		}),
		RelayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradingbot_relay_messages_total",
			Help: "Relay frames routed by type",
		}, []string{"type"}),
		RelayDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_relay_drops_total",
			Help: "Relay connections closed for exceeding the send buffer",
		}),

		RedisMirrorWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_redis_mirror_writes_total",
			Help: "Candles mirrored to the Redis stream",
		}),
		RedisMirrorTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradingbot_redis_mirror_breaker_trips_total",
			Help: "Times the Redis mirror circuit breaker tripped open",
		}),
		JournalCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradingbot_journal_commit_duration_seconds",
			Help:    "SQLite trade-journal commit latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.Registry.MustRegister(
		m.CandlesIngested,
		m.CandlesDropped,
		m.TFCandlesTotal,
		m.IndicatorDur,
		m.CandleLag,
		m.DecisionsTotal,
		m.VotesTotal,
		m.RegimeChanges,
		m.OrdersSubmitted,
		m.OrdersDuplicate,
		m.GateRejections,
		m.ReconcileDrift,
		m.LoopLag,
		m.PatternRecords,
		m.PatternEvictions,
		m.RelayClients,
		m.RelayMessages,
		m.RelayDrops,
		m.RedisMirrorWrites,
		m.RedisMirrorTrips,
		m.JournalCommitDur,
	)
	return m
}

// HealthStatus tracks dependency liveness for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastCandleTime time.Time `json:"last_candle_time"`
	RedisConnected bool      `json:"redis_connected"`
	JournalOK      bool      `json:"journal_ok"`
	RelayClients   int       `json:"relay_clients"`
	TradingPaused  bool      `json:"trading_paused"`

	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	JournalLatencyMs float64   `json:"journal_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), JournalOK: true}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRelayClients(n int) {
	h.mu.Lock()
	h.RelayClients = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetTradingPaused(v bool) {
	h.mu.Lock()
	h.TradingPaused = v
	h.mu.Unlock()
}

// CheckRedis pings the optional mirror and records latency.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckJournal pings the SQLite trade journal.
func (h *HealthStatus) CheckJournal(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.JournalOK = err == nil
	h.JournalLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker probes dependencies on the given interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if db != nil {
					h.CheckJournal(probeCtx, db)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles /healthz.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.FeedConnected || !h.JournalOK {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}
	if h.TradingPaused {
		overall = "paused"
	}

	candleAge := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status           string  `json:"status"`
		Uptime           string  `json:"uptime"`
		FeedConnected    bool    `json:"feed_connected"`
		LastCandleTime   string  `json:"last_candle_time"`
		CandleAge        string  `json:"candle_age"`
		TradingPaused    bool    `json:"trading_paused"`
		RelayClients     int     `json:"relay_clients"`
		RedisConnected   bool    `json:"redis_connected"`
		RedisLatencyMs   float64 `json:"redis_latency_ms"`
		JournalOK        bool    `json:"journal_ok"`
		JournalLatencyMs float64 `json:"journal_latency_ms"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           overall,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:    h.FeedConnected,
		LastCandleTime:   h.LastCandleTime.Format(time.RFC3339),
		CandleAge:        candleAge,
		TradingPaused:    h.TradingPaused,
		RelayClients:     h.RelayClients,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		JournalOK:        h.JournalOK,
		JournalLatencyMs: h.JournalLatencyMs,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(status)
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

func NewServer(addr string, reg *prometheus.Registry, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	log := logging.Component("metrics")
	go func() {
		log.Info().Str("addr", s.addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
