package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

// Config holds the relay's wire-contract knobs.
type Config struct {
	Token           string
	AuthTimeout     time.Duration
	PingInterval    time.Duration
	MaxPendingBytes int64
	ReplayCapacity  int
	StatusInterval  time.Duration
}

// DefaultConfig returns the production relay settings for the shared token.
func DefaultConfig(token string) Config {
	return Config{
		Token:           token,
		AuthTimeout:     10 * time.Second,
		PingInterval:    15 * time.Second,
		MaxPendingBytes: 1 << 20,
		ReplayCapacity:  500,
		StatusInterval:  2 * time.Second,
	}
}

// Hub owns the client set and the routing matrix. Bot frames of type
// price/decision/status/alert/pattern_update fan out to dashboards;
// dashboard requests forward to the bot; replay requests are served from
// the per-channel buffers. Fan-out preserves per-sender FIFO order.
type Hub struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	latency *metrics.LatencyTracker

	mu          sync.RWMutex
	clients     map[*Client]bool
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer

	// Frames forwarded to the in-process bot. Bounded; the pipeline polls
	// between candles.
	inbox chan []byte
}

// NewHub creates a relay hub. m may be nil in tests.
func NewHub(cfg Config, m *metrics.Metrics) *Hub {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.MaxPendingBytes <= 0 {
		cfg.MaxPendingBytes = 1 << 20
	}
	if cfg.ReplayCapacity <= 0 {
		cfg.ReplayCapacity = 500
	}
	return &Hub{
		cfg:         cfg,
		log:         logging.Component("relay"),
		metrics:     m,
		latency:     metrics.NewLatencyTracker(4096),
		clients:     make(map[*Client]bool),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		inbox:       make(chan []byte, 256),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and starts the client pumps. The peer
// has AuthTimeout to present the shared token.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newClient(conn, h)

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.RelayClients.Set(float64(count))
	}
	h.log.Info().Str("conn", c.id).Int("total", count).Msg("client connected")

	time.AfterFunc(h.cfg.AuthTimeout, func() {
		if !c.authenticated() {
			h.log.Warn().Str("conn", c.id).Msg("auth timeout")
			c.closeWith(websocket.ClosePolicyViolation, "auth timeout")
		}
	})

	go c.writePump()
	go c.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)
	if h.metrics != nil {
		h.metrics.RelayClients.Set(float64(count))
	}
	h.log.Info().Str("conn", c.id).Int("total", count).Msg("client disconnected")
}

func (h *Hub) dropSlow(c *Client) {
	if h.metrics != nil {
		h.metrics.RelayDrops.Inc()
	}
	h.log.Warn().Str("conn", c.id).Msg("send buffer exceeded, dropping client")
	c.closeWith(websocket.CloseGoingAway, "send buffer exceeded")
}

// route applies the routing matrix to a frame from an identified client.
func (h *Hub) route(c *Client, frame Frame, raw []byte) {
	source := c.Source()
	switch {
	case source == SourceBot && botBroadcastTypes[frame.Type]:
		h.Broadcast(frame.Type, raw)

	case isDashboardSource(source) && isReplayRequest(frame.Type):
		h.serveReplay(c, frame)

	case isDashboardSource(source) && isDashboardForward(frame.Type):
		h.forwardToBot(frame.Type, raw)

	default:
		c.enqueue(errorFrame("unroutable frame: " + frame.Type))
	}
}

// Broadcast wraps data in a sequenced envelope on the given channel, stores
// it for replay, and fans it out to dashboard clients. Used both by
// connected bot peers and the in-process pipeline.
func (h *Hub) Broadcast(channel string, data []byte) {
	now := time.Now()

	h.mu.Lock()
	h.channelSeqs[channel]++
	seq := h.channelSeqs[channel]
	rb, ok := h.replayBufs[channel]
	if !ok {
		rb = NewReplayBuffer(h.cfg.ReplayCapacity)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	envelope := newEnvelope(channel, data, seq, now)
	rb.Push(seq, envelope)
	if h.metrics != nil {
		h.metrics.RelayMessages.WithLabelValues(channel).Inc()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.authenticated() && isDashboardSource(c.Source()) {
			c.enqueue(envelope)
		}
	}
}

// Publish marshals payload and broadcasts it; the pipeline's send path.
func (h *Hub) Publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channel).Msg("publish marshal")
		return
	}
	h.Broadcast(channel, data)
}

func (h *Hub) forwardToBot(typ string, raw []byte) {
	if h.metrics != nil {
		h.metrics.RelayMessages.WithLabelValues(typ).Inc()
	}

	delivered := false
	h.mu.RLock()
	for c := range h.clients {
		if c.authenticated() && c.Source() == SourceBot {
			c.enqueue(raw)
			delivered = true
		}
	}
	h.mu.RUnlock()

	select {
	case h.inbox <- raw:
		delivered = true
	default:
	}
	if !delivered {
		h.log.Warn().Str("type", typ).Msg("no bot connected, frame dropped")
	}
}

// Inbox returns dashboard frames destined for the in-process bot.
func (h *Hub) Inbox() <-chan []byte {
	return h.inbox
}

func (h *Hub) serveReplay(c *Client, frame Frame) {
	h.mu.RLock()
	rb, ok := h.replayBufs[frame.Channel]
	h.mu.RUnlock()
	if !ok {
		c.enqueue(errorFrame("unknown replay channel: " + frame.Channel))
		return
	}
	for _, envelope := range rb.Range(frame.FromSeq, frame.ToSeq) {
		c.enqueue(envelope)
	}
}

// ClientCount returns the number of connected peers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelSeq returns the latest sequence number for a channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// RunStatusBroadcast emits a periodic status frame with relay health and
// heartbeat latency percentiles. snapshot supplies bot-side fields and may
// be nil.
func (h *Hub) RunStatusBroadcast(ctx context.Context, snapshot func() map[string]any) {
	ticker := time.NewTicker(h.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p50, p95, p99 := h.latency.Percentiles()
			status := map[string]any{
				"type":          "status",
				"relay_clients": h.ClientCount(),
				"ping_p50_ms":   p50,
				"ping_p95_ms":   p95,
				"ping_p99_ms":   p99,
				"server_ts":     time.Now().UnixMilli(),
			}
			if snapshot != nil {
				for k, v := range snapshot() {
					status[k] = v
				}
			}
			h.Publish("status", status)
		}
	}
}

// Close disconnects every peer. Called on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.closeWith(websocket.CloseNormalClosure, "shutting down")
	}
}
