package safety

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/metrics"
)

const (
	loopCadence    = time.Second
	loopWarnLag    = 100 * time.Millisecond
	loopPauseLag   = 500 * time.Millisecond
	loopRecoveryOK = 5 // healthy ticks before the pause clears
)

// LoopMonitor samples the gap between scheduled ticks. Lag above 100 ms
// warns, above 500 ms latches a trading pause. A rolling lag histogram is
// exposed for the dashboard.
type LoopMonitor struct {
	mu        sync.Mutex
	paused    bool
	healthyOK int
	hist      *metrics.LatencyTracker
	log       zerolog.Logger

	OnWarn   func(lag time.Duration)
	OnPause  func(lag time.Duration)
	OnResume func()
}

func NewLoopMonitor() *LoopMonitor {
	return &LoopMonitor{
		hist: metrics.NewLatencyTracker(1024),
		log:  logging.Component("loopmonitor"),
	}
}

// Run ticks at the fixed cadence until ctx is done, recording the lag
// between the expected and observed interval.
func (m *LoopMonitor) Run(ctx context.Context) {
	t := time.NewTicker(loopCadence)
	defer t.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			lag := now.Sub(last) - loopCadence
			if lag < 0 {
				lag = 0
			}
			last = now
			m.Observe(lag)
		}
	}
}

// Observe records one tick's lag and applies the thresholds. Exposed so
// the pipeline can feed its own step timings.
func (m *LoopMonitor) Observe(lag time.Duration) {
	m.hist.Record(float64(lag) / float64(time.Millisecond))

	m.mu.Lock()
	var warn, pause func(time.Duration)
	var resume func()
	switch {
	case lag > loopPauseLag:
		m.healthyOK = 0
		if !m.paused {
			m.paused = true
			pause = m.OnPause
		}
	case lag > loopWarnLag:
		m.healthyOK = 0
		warn = m.OnWarn
	default:
		if m.paused {
			m.healthyOK++
			if m.healthyOK >= loopRecoveryOK {
				m.paused = false
				m.healthyOK = 0
				resume = m.OnResume
			}
		}
	}
	m.mu.Unlock()

	if warn != nil {
		m.log.Warn().Dur("lag", lag).Msg("event loop lagging")
		warn(lag)
	}
	if pause != nil {
		m.log.Error().Dur("lag", lag).Msg("trading paused: event_loop_stalled")
		pause(lag)
	}
	if resume != nil {
		m.log.Info().Msg("event loop healthy, pause cleared")
		resume()
	}
}

// Paused reports whether the loop-stall pause latch is set.
func (m *LoopMonitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Percentiles returns the p50/p95/p99 of recent tick lag in milliseconds.
func (m *LoopMonitor) Percentiles() (p50, p95, p99 float64) {
	return m.hist.Percentiles()
}
