// Package notification delivers safety and trade alerts to external
// channels (webhook, Telegram). Delivery runs on its own goroutine so a
// slow endpoint never touches the trading path.
package notification

import (
	"context"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one notification to deliver.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier delivers an alert to one backend.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log. The fallback backend
// when no webhook or Telegram credentials are configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logging.Component("notify")}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	event := n.log.Info()
	switch alert.Level {
	case AlertWarning:
		event = n.log.Warn()
	case AlertCritical:
		event = n.log.Error()
	}
	event.Str("title", alert.Title).Msg(alert.Message)
	return nil
}

// Dispatcher fans alerts out to every configured backend asynchronously.
// Publish never blocks; when the queue is full the oldest alert is dropped.
type Dispatcher struct {
	notifiers []Notifier
	queue     chan Alert
	log       zerolog.Logger
}

func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		notifiers: notifiers,
		queue:     make(chan Alert, 64),
		log:       logging.Component("notify"),
	}
}

// Publish queues an alert for delivery.
func (d *Dispatcher) Publish(alert Alert) {
	for {
		select {
		case d.queue <- alert:
			return
		default:
			select {
			case dropped := <-d.queue:
				d.log.Warn().Str("title", dropped.Title).Msg("alert queue full, oldest dropped")
			default:
			}
		}
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-d.queue:
			for _, n := range d.notifiers {
				if err := n.Send(ctx, alert); err != nil {
					d.log.Warn().Err(err).Str("title", alert.Title).Msg("alert delivery failed")
				}
			}
		}
	}
}
