package safety

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
)

const (
	staleWarnAfter  = 5 * time.Second
	stalePauseAfter = 30 * time.Second

	// Fresh candles required before a stale-feed pause clears.
	staleRecoveryCandles = 2
)

// StaleFeedWatch tracks the last candle arrival and auto-pauses trading
// when the feed goes quiet. Recovery requires two fresh candles.
type StaleFeedWatch struct {
	mu           sync.Mutex
	lastCandleAt time.Time
	warned       bool
	paused       bool
	pausedSince  time.Time
	freshCount   int
	now          func() time.Time
	log          zerolog.Logger

	// OnWarn / OnPause / OnResume fire once per transition.
	OnWarn   func(sinceLast time.Duration)
	OnPause  func(sinceLast time.Duration)
	OnResume func()
}

func NewStaleFeedWatch() *StaleFeedWatch {
	w := &StaleFeedWatch{now: time.Now, log: logging.Component("stalefeed")}
	w.lastCandleAt = w.now()
	return w
}

// MarkCandle records a feed arrival. While paused, each fresh candle
// counts toward recovery; the pause clears on the second one.
func (w *StaleFeedWatch) MarkCandle() {
	w.mu.Lock()
	w.lastCandleAt = w.now()
	w.warned = false

	if !w.paused {
		w.mu.Unlock()
		return
	}
	w.freshCount++
	if w.freshCount < staleRecoveryCandles {
		w.mu.Unlock()
		return
	}
	w.paused = false
	w.freshCount = 0
	resume := w.OnResume
	w.mu.Unlock()

	w.log.Info().Msg("feed recovered, stale-feed pause cleared")
	if resume != nil {
		resume()
	}
}

// Check evaluates staleness against the thresholds. Called by Run and
// exposed for tests.
func (w *StaleFeedWatch) Check() {
	w.mu.Lock()
	sinceLast := w.now().Sub(w.lastCandleAt)

	var warn, pause func(time.Duration)
	if sinceLast > stalePauseAfter && !w.paused {
		w.paused = true
		w.pausedSince = w.now()
		w.freshCount = 0
		pause = w.OnPause
	} else if sinceLast > staleWarnAfter && !w.warned && !w.paused {
		w.warned = true
		warn = w.OnWarn
	}
	w.mu.Unlock()

	if warn != nil {
		w.log.Warn().Dur("since_last_candle", sinceLast).Msg("feed going stale")
		warn(sinceLast)
	}
	if pause != nil {
		w.log.Error().Dur("since_last_candle", sinceLast).Msg("trading paused: stale_feed")
		pause(sinceLast)
	}
}

// Run re-checks staleness once a second until ctx is done.
func (w *StaleFeedWatch) Run(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Check()
		}
	}
}

// Paused reports whether the stale-feed pause latch is set.
func (w *StaleFeedWatch) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// PausedSince returns when the pause latched, zero when not paused.
func (w *StaleFeedWatch) PausedSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		return time.Time{}
	}
	return w.pausedSince
}

// LastCandleAt returns the last feed arrival time.
func (w *StaleFeedWatch) LastCandleAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCandleAt
}
