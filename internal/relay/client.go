package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one WebSocket peer. It starts unauthenticated; the first frame
// must carry the shared token, and an identify frame then binds the client
// class that drives routing.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// Bytes queued but not yet written. Exceeding the budget drops the
	// client instead of stalling the sender.
	pending atomic.Int64

	mu       sync.Mutex
	authed   bool
	source   string
	pingSeq  int64
	inflight map[int64]time.Time
	missed   int

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		inflight: make(map[int64]time.Time),
	}
}

// Source returns the identified client class, empty before identify.
func (c *Client) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

func (c *Client) authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// enqueue queues a frame for delivery. A peer whose backlog exceeds the
// budget is closed; the bot never blocks on dashboard I/O.
func (c *Client) enqueue(data []byte) {
	n := int64(len(data))
	if c.pending.Add(n) > c.hub.cfg.MaxPendingBytes {
		c.pending.Add(-n)
		c.hub.dropSlow(c)
		return
	}
	select {
	case c.send <- data:
	default:
		c.pending.Add(-n)
		c.hub.dropSlow(c)
	}
}

func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Coalesce the queued backlog into one frame.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			c.pending.Add(-int64(len(msg)))

			n := len(c.send)
			for i := 0; i < n; i++ {
				next := <-c.send
				w.Write([]byte{'\n'})
				w.Write(next)
				c.pending.Add(-int64(len(next)))
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if !c.authenticated() {
				continue
			}
			if c.tickPing() {
				c.hub.log.Warn().Str("conn", c.id).Msg("peer missed three pings")
				c.closeWith(websocket.CloseGoingAway, "ping timeout")
				return
			}
		}
	}
}

// tickPing sends the next heartbeat and reports whether the peer has gone
// three intervals without answering.
func (c *Client) tickPing() bool {
	c.mu.Lock()
	if len(c.inflight) > 0 {
		c.missed++
	}
	if c.missed >= 3 {
		c.mu.Unlock()
		return true
	}
	c.pingSeq++
	id := c.pingSeq
	c.inflight[id] = time.Now()
	c.mu.Unlock()

	ping, _ := json.Marshal(map[string]any{"type": "ping", "id": id})
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	c.conn.WriteMessage(websocket.TextMessage, ping)
	return false
}

func (c *Client) handlePong(id int64) {
	c.mu.Lock()
	sentAt, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
		c.missed = 0
	}
	c.mu.Unlock()
	if ok {
		c.hub.latency.Record(float64(time.Since(sentAt).Microseconds()) / 1000.0)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "binary frames not accepted")
			return
		}

		var frame Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.enqueue(errorFrame("malformed frame"))
			continue
		}

		if !c.authenticated() {
			if frame.Type != "auth" || frame.Token != c.hub.cfg.Token {
				c.hub.log.Warn().Str("conn", c.id).Msg("auth failed")
				c.closeWith(websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			c.mu.Lock()
			c.authed = true
			c.mu.Unlock()
			ack, _ := json.Marshal(map[string]string{"type": "auth_ok"})
			c.enqueue(ack)
			continue
		}

		switch frame.Type {
		case "identify":
			if frame.Source != SourceBot && !isDashboardSource(frame.Source) {
				c.enqueue(errorFrame("unknown source"))
				continue
			}
			c.mu.Lock()
			c.source = frame.Source
			c.mu.Unlock()
			c.hub.log.Info().Str("conn", c.id).Str("source", frame.Source).Msg("client identified")
			ack, _ := json.Marshal(map[string]string{"type": "identify_ok", "source": frame.Source})
			c.enqueue(ack)

		case "ping":
			pong, _ := json.Marshal(map[string]any{"type": "pong", "id": frame.ID})
			c.enqueue(pong)

		case "pong":
			c.handlePong(frame.ID)

		default:
			c.hub.route(c, frame, msg)
		}
	}
}
