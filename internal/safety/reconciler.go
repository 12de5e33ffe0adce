package safety

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
	"crypto-trading-core/internal/model"
)

const (
	reconcileInterval       = 30 * time.Second
	defaultWarnThreshold    = 0.001 // base units
	defaultPauseThreshold   = 0.01
	defaultReconcileTimeout = 15 * time.Second
)

// LocalPositions is the view of the bot's own position book that the
// reconciler compares against the broker's truth.
type LocalPositions interface {
	Quantity(symbol string) float64
	SetQuantity(symbol string, qty float64)
}

// Reconciler compares local and broker state on startup and every 30 s.
// Small drift is corrected toward the broker; large drift pauses trading;
// an unreadable remote book is a hard stop.
type Reconciler struct {
	broker model.Broker
	local  LocalPositions
	symbol string

	warnThreshold  float64
	pauseThreshold float64

	mu         sync.Mutex
	ready      bool
	paused     bool
	driftUnits float64
	lastRunAt  time.Time

	log zerolog.Logger

	// OnDriftPause fires when drift latches the pause.
	OnDriftPause func(drift float64)
	// OnHardStop fires when the remote book cannot be read at all.
	OnHardStop func(err error)
}

func NewReconciler(broker model.Broker, local LocalPositions, symbol string) *Reconciler {
	return &Reconciler{
		broker:         broker,
		local:          local,
		symbol:         symbol,
		warnThreshold:  defaultWarnThreshold,
		pauseThreshold: defaultPauseThreshold,
		log:            logging.Component("reconciler"),
	}
}

// Run performs the blocking startup reconciliation, then re-runs every
// 30 s until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.ReconcileNow(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	go func() {
		t := time.NewTicker(reconcileInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.ReconcileNow(ctx); err != nil {
					r.log.Error().Err(err).Msg("periodic reconciliation failed")
				}
			}
		}
	}()
	return nil
}

// ReconcileNow fetches the broker's positions and applies the drift
// policy against the local book.
func (r *Reconciler) ReconcileNow(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultReconcileTimeout)
	defer cancel()

	positions, err := r.broker.Positions(ctx)
	if err != nil {
		// Unknown remote state: trading on a guess is never acceptable.
		r.log.Error().Err(err).Msg("remote position book unreadable, hard stop")
		if r.OnHardStop != nil {
			r.OnHardStop(err)
		}
		return fmt.Errorf("remote positions: %w", err)
	}

	remote := 0.0
	for _, p := range positions {
		if p.Symbol == r.symbol {
			remote = p.Qty
			break
		}
	}
	local := r.local.Quantity(r.symbol)
	drift := math.Abs(local - remote)

	r.mu.Lock()
	r.ready = true
	r.driftUnits = drift
	r.lastRunAt = time.Now()
	r.mu.Unlock()

	switch {
	case drift <= r.warnThreshold:
		// In sync.
	case drift <= r.pauseThreshold:
		r.log.Warn().
			Float64("local", local).
			Float64("remote", remote).
			Float64("drift", drift).
			Msg("position drift, correcting local to remote")
		r.local.SetQuantity(r.symbol, remote)
	default:
		r.mu.Lock()
		alreadyPaused := r.paused
		r.paused = true
		r.mu.Unlock()
		r.log.Error().
			Float64("local", local).
			Float64("remote", remote).
			Float64("drift", drift).
			Msg("trading paused: reconciliation_drift")
		if !alreadyPaused && r.OnDriftPause != nil {
			r.OnDriftPause(drift)
		}
	}
	return nil
}

// Ready reports whether the first local-vs-broker comparison has
// completed. Orders are refused until it has.
func (r *Reconciler) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Paused reports whether reconciliation drift has latched the pause.
func (r *Reconciler) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// ClearPause is the operator override after manual intervention.
func (r *Reconciler) ClearPause() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.log.Warn().Msg("reconciliation pause cleared by operator")
}

// Drift returns the last measured drift and when it was measured.
func (r *Reconciler) Drift() (units float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.driftUnits, r.lastRunAt
}
