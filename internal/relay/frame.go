// Package relay is the authenticated WebSocket endpoint that connects the
// trading bot to its dashboard and LLM clients. Frames from the bot fan out
// to every dashboard; dashboard requests are forwarded to the bot. Slow
// consumers are dropped rather than allowed to stall the sender.
package relay

import (
	"encoding/json"
	"strings"
	"time"
)

// Client classes bound by the identify frame.
const (
	SourceBot       = "trading_bot"
	SourceDashboard = "dashboard"
	SourceTrai      = "trai_client"
)

// Frame is the decoded head of any relay message. Payload fields beyond
// these stay in the raw bytes and are routed untouched.
type Frame struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	Source string `json:"source,omitempty"`
	ID     int64  `json:"id,omitempty"`

	// Replay request bounds.
	Channel string `json:"channel,omitempty"`
	FromSeq int64  `json:"from_seq,omitempty"`
	ToSeq   int64  `json:"to_seq,omitempty"`
}

// botBroadcastTypes are fanned out from the bot to all dashboard clients.
var botBroadcastTypes = map[string]bool{
	"price":          true,
	"decision":       true,
	"status":         true,
	"alert":          true,
	"pattern_update": true,
}

// dashboardForwardTypes are forwarded from a dashboard to the bot.
var dashboardForwardTypes = map[string]bool{
	"trai_query":         true,
	"timeframe_change":   true,
	"asset_change":       true,
	"request_historical": true,
}

func isDashboardForward(typ string) bool {
	if dashboardForwardTypes[typ] {
		return true
	}
	return strings.HasPrefix(typ, "request_journal_")
}

func isReplayRequest(typ string) bool {
	return strings.HasPrefix(typ, "request_replay_")
}

func isDashboardSource(source string) bool {
	return source == SourceDashboard || source == SourceTrai
}

// Envelope wraps a routed frame with channel and sequencing metadata so
// clients can detect gaps and request replay.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq"`
}

func newEnvelope(channel string, data []byte, seq int64, ts time.Time) []byte {
	buf, _ := json.Marshal(Envelope{
		Channel: channel,
		Data:    data,
		TS:      ts.UTC().Format(time.RFC3339Nano),
		Seq:     seq,
	})
	return buf
}

// ErrorFrame tells a peer why its frame was refused.
func errorFrame(reason string) []byte {
	buf, _ := json.Marshal(map[string]string{"type": "error", "reason": reason})
	return buf
}
