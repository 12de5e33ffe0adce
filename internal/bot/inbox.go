package bot

import (
	"context"
	"encoding/json"
	"strings"

	"crypto-trading-core/internal/model"
)

// inboxRequest is the decoded head of a dashboard frame forwarded by the
// relay. Fields beyond the type are request-specific.
type inboxRequest struct {
	Type      string `json:"type"`
	Timeframe string `json:"timeframe,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Query     string `json:"query,omitempty"`
}

const defaultJournalLimit = 50

// serveInbox answers dashboard requests forwarded through the relay.
func (b *Bot) serveInbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-b.hub.Inbox():
			if !ok {
				return
			}
			b.handleRequest(raw)
		}
	}
}

func (b *Bot) handleRequest(raw []byte) {
	var req inboxRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		b.log.Warn().Err(err).Msg("malformed inbox frame")
		return
	}

	switch {
	case req.Type == "request_historical":
		b.serveHistorical(req)

	case strings.HasPrefix(req.Type, "request_journal_"):
		b.serveJournal(req)

	case req.Type == "timeframe_change":
		// Display-only preference: acknowledge so the dashboard can
		// switch its chart; the pipeline keeps computing every TF.
		b.hub.Publish("status", map[string]any{"timeframe": req.Timeframe})

	case req.Type == "asset_change":
		// Single-pair bot: anything but the configured pair is refused.
		if req.Symbol != b.cfg.Pair {
			b.hub.Publish("alert", map[string]any{
				"type":     "alert",
				"severity": "info",
				"reason":   "unsupported_asset",
			})
		}

	case req.Type == "trai_query":
		// The LLM client consumes the same status stream; answer the
		// query with a fresh snapshot it can ground on.
		b.hub.Publish("status", b.statusSnapshot())

	default:
		b.log.Debug().Str("type", req.Type).Msg("unhandled inbox frame")
	}
}

// serveHistorical publishes one timeframe's candle series.
func (b *Bot) serveHistorical(req inboxRequest) {
	tf := model.Timeframe(req.Timeframe)
	if req.Timeframe == "" {
		tf = model.TF1m
	}
	view, snap := b.agg.Snapshot(tf)
	if len(view.Candles) == 0 {
		b.hub.Publish("historical", map[string]any{"tf": string(tf), "candles": []model.Candle{}})
		return
	}
	b.hub.Publish("historical", map[string]any{
		"tf":         string(tf),
		"candles":    view.Candles,
		"indicators": snap,
	})
}

// serveJournal publishes recent rows from the SQLite journal: decisions
// for request_journal_decisions, orders for everything else.
func (b *Bot) serveJournal(req inboxRequest) {
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultJournalLimit
	}

	if req.Type == "request_journal_decisions" {
		decisions, err := b.journal.RecentDecisions(limit)
		if err != nil {
			b.log.Error().Err(err).Msg("journal read")
			return
		}
		b.hub.Publish("journal_decisions", map[string]any{"decisions": decisions})
		return
	}

	orders, err := b.journal.RecentOrders(limit)
	if err != nil {
		b.log.Error().Err(err).Msg("journal read")
		return
	}
	b.hub.Publish("journal_orders", map[string]any{"orders": orders})
}
