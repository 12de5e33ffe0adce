// Package bus fans candles out from the feed to the pipeline, the relay
// publisher, and the optional Redis mirror. A slow subscriber loses candles
// instead of blocking the others.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

// FanOut broadcasts candles from a single input channel to N named
// subscriber channels.
type FanOut struct {
	mu      sync.RWMutex
	outputs []output
	bufSize int
	log     zerolog.Logger

	// OnDrop is called when a candle is dropped for a slow subscriber.
	OnDrop func(name string)
}

type output struct {
	name string
	ch   chan model.Candle
}

// New creates a FanOut with the given buffer size for subscriber channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
		log:     logging.Component("bus"),
	}
}

// Subscribe registers a named consumer and returns its channel.
func (f *FanOut) Subscribe(name string) <-chan model.Candle {
	ch := make(chan model.Candle, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, output{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to all subscribers. Blocks until ctx
// is cancelled or input is closed, then closes the subscriber channels.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Candle) {
	defer func() {
		f.mu.RLock()
		for _, out := range f.outputs {
			close(out.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, out := range f.outputs {
				select {
				case out.ch <- candle:
				default:
					if f.OnDrop != nil {
						f.OnDrop(out.name)
					}
					f.log.Warn().
						Str("subscriber", out.name).
						Str("symbol", candle.Symbol).
						Int64("ts", candle.TS).
						Msg("subscriber full, candle dropped")
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports queue depth for one subscriber.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns the queue depth of every subscriber, for the status
// frame's saturation readout.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, out := range f.outputs {
		stats[i] = ChannelStat{Name: out.name, Len: len(out.ch), Cap: cap(out.ch)}
	}
	return stats
}
