package marketdata

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// Feed streams live candles into the pipeline.
type Feed interface {
	// Run pushes candles into out until ctx is cancelled.
	Run(ctx context.Context, out chan<- model.Candle) error
}

// WSFeedConfig configures the live WebSocket candle feed.
type WSFeedConfig struct {
	// URL of the candle WebSocket, e.g. "wss://feed.example.com/candles".
	URL    string
	Symbol string

	// ReconnectDelay is the initial backoff before reconnecting, doubled
	// on each failure up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

func (c *WSFeedConfig) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// WSFeed reads JSON candle frames from an upstream WebSocket and pushes
// them into the pipeline. Reconnects automatically with exponential
// backoff; malformed frames are dropped, never fatal.
type WSFeed struct {
	cfg WSFeedConfig
	log zerolog.Logger

	// OnReconnect fires on every reconnection attempt.
	OnReconnect func()
}

func NewWSFeed(cfg WSFeedConfig) (*WSFeed, error) {
	cfg.defaults()
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, err
	}
	return &WSFeed{cfg: cfg, log: logging.Component("feed")}, nil
}

// Run blocks until ctx is cancelled, reconnecting on disconnect.
func (f *WSFeed) Run(ctx context.Context, out chan<- model.Candle) error {
	delay := f.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := f.runOnce(ctx, out)
		if err == nil {
			return nil
		}

		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("feed disconnected")
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

func (f *WSFeed) runOnce(ctx context.Context, out chan<- model.Candle) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	f.log.Info().Str("url", f.cfg.URL).Msg("feed connected")

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var c model.Candle
		if err := json.Unmarshal(msg, &c); err != nil {
			f.log.Warn().Err(err).Msg("malformed candle frame dropped")
			continue
		}
		if c.Symbol == "" {
			c.Symbol = f.cfg.Symbol
		}
		if err := c.Validate(); err != nil {
			f.log.Warn().Err(err).Int64("ts", c.TS).Msg("invalid candle dropped")
			continue
		}

		select {
		case out <- c:
		case <-ctx.Done():
			return nil
		}
	}
}
