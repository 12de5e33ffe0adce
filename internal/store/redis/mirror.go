// Package redis mirrors candles, decisions, and alerts into Redis streams
// for external consumers. The mirror is strictly optional: the bot runs
// fully without Redis, and mirror failures degrade to local buffering
// without ever touching the trading path.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
	"crypto-trading-core/internal/model"
)

const (
	candleStreamMaxLen   = 2000
	decisionStreamMaxLen = 1000
	alertStreamMaxLen    = 500
	latestTTL            = 30 * time.Minute

	breakerMaxFailures  = 5
	breakerResetTimeout = 10 * time.Second
	maxBufferedWrites   = 10000
)

// Config configures the mirror. An empty Addr disables it entirely.
type Config struct {
	Addr     string
	Password string
	DB       int
}

type pendingWrite struct {
	stream string
	maxLen int64
	data   []byte
}

// Mirror writes through a circuit breaker; while the breaker is open,
// writes queue locally and flush when Redis comes back.
type Mirror struct {
	client  *goredis.Client
	breaker *Breaker
	metrics *metrics.Metrics
	log     zerolog.Logger

	// send is the raw write, replaceable in tests.
	send func(ctx context.Context, stream string, maxLen int64, data []byte) error

	mu     sync.Mutex
	buffer []pendingWrite
}

// NewMirror connects and pings Redis. Returns (nil, nil) when cfg.Addr is
// empty: a nil *Mirror is safe to call and does nothing. m may be nil.
func NewMirror(cfg Config, m *metrics.Metrics) (*Mirror, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	mir := &Mirror{
		client:  client,
		breaker: NewBreaker(breakerMaxFailures, breakerResetTimeout),
		metrics: m,
		log:     logging.Component("redis-mirror"),
		buffer:  make([]pendingWrite, 0, 256),
	}
	mir.send = mir.pipelineWrite

	mir.breaker.OnStateChange = func(from, to State) {
		mir.log.Warn().Stringer("from", from).Stringer("to", to).Msg("mirror breaker state change")
		if to == StateOpen && mir.metrics != nil {
			mir.metrics.RedisMirrorTrips.Inc()
		}
		if to == StateClosed {
			go mir.flush(context.Background())
		}
	}

	mir.log.Info().Str("addr", cfg.Addr).Msg("mirror connected")
	return mir, nil
}

// Client exposes the underlying connection for health probes. Nil when
// the mirror is disabled.
func (m *Mirror) Client() *goredis.Client {
	if m == nil {
		return nil
	}
	return m.client
}

// Run consumes a candle subscription from the bus and mirrors each candle.
// Blocks until ctx is cancelled or the channel closes.
func (m *Mirror) Run(ctx context.Context, tf model.Timeframe, candles <-chan model.Candle) {
	if m == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candles:
			if !ok {
				return
			}
			m.MirrorCandle(ctx, tf, c)
		}
	}
}

// MirrorCandle writes one committed candle to its per-TF stream.
func (m *Mirror) MirrorCandle(ctx context.Context, tf model.Timeframe, c model.Candle) {
	if m == nil {
		return
	}
	stream := "mirror:candle:" + string(tf) + ":" + c.Symbol
	m.write(ctx, stream, candleStreamMaxLen, c.JSON())
}

// MirrorDecision writes one trade decision.
func (m *Mirror) MirrorDecision(ctx context.Context, d model.TradeDecision) {
	if m == nil {
		return
	}
	m.write(ctx, "mirror:decision:"+d.Symbol, decisionStreamMaxLen, d.JSON())
}

// MirrorAlert writes one safety alert payload.
func (m *Mirror) MirrorAlert(ctx context.Context, payload []byte) {
	if m == nil {
		return
	}
	m.write(ctx, "mirror:alert", alertStreamMaxLen, payload)
}

// Ping reports connectivity for the health endpoint.
func (m *Mirror) Ping(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.client.Ping(ctx).Err()
}

// Pending returns the number of writes queued while the breaker was open.
func (m *Mirror) Pending() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// Close closes the client. Buffered writes are abandoned.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}

func (m *Mirror) write(ctx context.Context, stream string, maxLen int64, data []byte) {
	err := m.breaker.Execute(func() error {
		return m.send(ctx, stream, maxLen, data)
	})
	switch {
	case err == nil:
		if m.metrics != nil {
			m.metrics.RedisMirrorWrites.Inc()
		}
	case err == ErrCircuitOpen:
		m.bufferWrite(stream, maxLen, data)
	default:
		m.log.Warn().Err(err).Str("stream", stream).Msg("mirror write failed")
	}
}

func (m *Mirror) pipelineWrite(ctx context.Context, stream string, maxLen int64, data []byte) error {
	pipe := m.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	})
	pipe.Set(ctx, stream+":latest", string(data), latestTTL)
	pipe.Publish(ctx, "pub:"+stream, string(data))
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Mirror) bufferWrite(stream string, maxLen int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) >= maxBufferedWrites {
		m.buffer = m.buffer[1:]
	}
	m.buffer = append(m.buffer, pendingWrite{stream: stream, maxLen: maxLen, data: cp})
}

// flush replays buffered writes after the breaker closes.
func (m *Mirror) flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	toFlush := m.buffer
	m.buffer = make([]pendingWrite, 0, 256)
	m.mu.Unlock()

	flushed := 0
	for _, pw := range toFlush {
		if err := m.send(ctx, pw.stream, pw.maxLen, pw.data); err != nil {
			m.log.Warn().Err(err).Msg("flush write failed")
			continue
		}
		flushed++
	}
	m.log.Info().Int("count", flushed).Msg("flushed buffered mirror writes")
	if m.metrics != nil {
		for i := 0; i < flushed; i++ {
			m.metrics.RedisMirrorWrites.Inc()
		}
	}
}
