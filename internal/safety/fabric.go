package safety

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
)

// Alert is the dashboard-facing safety event frame.
type Alert struct {
	Type     string    `json:"type"` // always "alert"
	Severity string    `json:"severity"`
	Reason   string    `json:"reason"`
	Since    time.Time `json:"since_timestamp"`
}

// SafetyState is the read-side snapshot of every safety mechanism.
type SafetyState struct {
	KillSwitchOn         bool           `json:"kill_switch_on"`
	TradingPaused        bool           `json:"trading_paused"`
	PauseReasons         []string       `json:"pause_reasons,omitempty"`
	PerModuleErrorCounts map[string]int `json:"per_module_error_counts"`
	CircuitBreakerOpen   []string       `json:"circuit_breaker_open,omitempty"`
	FeedStale            bool           `json:"feed_stale"`
	LoopStalled          bool           `json:"loop_stalled"`
	ReconciliationDrift  float64        `json:"reconciliation_drift_units"`
	LastReconciliationAt time.Time      `json:"last_reconciliation_at"`
}

// fabricCount enforces the single-handle contract: all callers must see
// the same safety truth, so a second Fabric is an invariant violation.
var fabricCount atomic.Int32

// Fabric owns every safety mechanism and the fixed-order gate chain in
// front of order submission. Exactly one Fabric may exist per process.
type Fabric struct {
	Kill   *KillSwitch
	Lock   *InstanceLock
	Errors *ErrorHandler
	Stale  *StaleFeedWatch
	Loop   *LoopMonitor
	Recon  *Reconciler // nil until execution wiring attaches a broker

	// AlertFunc fans safety alerts out to the relay and notifiers.
	AlertFunc func(Alert)

	log zerolog.Logger
}

// NewFabric constructs the process-wide safety handle. A second call
// panics: duplicate safety state owners are a fatal invariant violation.
func NewFabric(kill *KillSwitch, lock *InstanceLock) *Fabric {
	if fabricCount.Add(1) > 1 {
		panic("safety: duplicate Fabric constructed, exactly one handle is allowed")
	}
	f := &Fabric{
		Kill:   kill,
		Lock:   lock,
		Errors: NewErrorHandler(),
		Stale:  NewStaleFeedWatch(),
		Loop:   NewLoopMonitor(),
		log:    logging.Component("safety"),
	}
	f.wireAlerts()
	return f
}

// Close releases the singleton guard and the instance lock on orderly
// shutdown.
func (f *Fabric) Close() {
	if f.Lock != nil && f.Lock.Held() {
		if err := f.Lock.Release(); err != nil {
			f.log.Error().Err(err).Msg("lock release on close")
		}
	}
	fabricCount.Store(0)
}

func (f *Fabric) wireAlerts() {
	f.Stale.OnWarn = func(since time.Duration) {
		f.alert("warning", "feed_stale_warning")
	}
	f.Stale.OnPause = func(since time.Duration) {
		f.alert("critical", "stale_feed")
	}
	f.Stale.OnResume = func() {
		f.alert("info", "stale_feed_recovered")
	}
	f.Loop.OnWarn = func(lag time.Duration) {
		f.alert("warning", "event_loop_lag")
	}
	f.Loop.OnPause = func(lag time.Duration) {
		f.alert("critical", "event_loop_stalled")
	}
	f.Loop.OnResume = func() {
		f.alert("info", "event_loop_recovered")
	}
	f.Errors.OnOpen = func(module string, count int) {
		f.alert("critical", "circuit_breaker_open:"+module)
	}
}

// AttachReconciler wires the broker reconciler and its alerts.
func (f *Fabric) AttachReconciler(r *Reconciler) {
	f.Recon = r
	r.OnDriftPause = func(drift float64) {
		f.alert("critical", "reconciliation_drift")
	}
	r.OnHardStop = func(err error) {
		f.alert("critical", "reconciliation_hard_stop")
		if kerr := f.Kill.Activate("unknown remote position: " + err.Error()); kerr != nil {
			f.log.Error().Err(kerr).Msg("hard-stop kill switch activation failed")
		}
	}
}

func (f *Fabric) alert(severity, reason string) {
	a := Alert{Type: "alert", Severity: severity, Reason: reason, Since: time.Now()}
	f.log.Warn().Str("severity", severity).Str("reason", reason).Msg("safety alert")
	if f.AlertFunc != nil {
		f.AlertFunc(a)
	}
}

// CheckOrderPath walks the gates in fixed order and returns the first
// violation: kill switch, singleton lock, startup reconciliation,
// reconciliation pause, stale-feed pause, event-loop pause, then the
// module's breaker. The idempotency check is the execution layer's
// final gate.
func (f *Fabric) CheckOrderPath(module string) error {
	if f.Kill.IsOn() {
		return ErrKillSwitchActive
	}
	if f.Lock != nil && !f.Lock.Held() {
		return ErrLockNotHeld
	}
	if f.Recon != nil && !f.Recon.Ready() {
		return ErrReconcilerNotReady
	}
	if f.Recon != nil && f.Recon.Paused() {
		return ErrReconciliationDrift
	}
	if f.Stale.Paused() {
		return ErrFeedStale
	}
	if f.Loop.Paused() {
		return ErrEventLoopStalled
	}
	if err := f.Errors.Check(module); err != nil {
		return err
	}
	return nil
}

// State assembles a consistent snapshot for the status frame.
func (f *Fabric) State() SafetyState {
	s := SafetyState{
		KillSwitchOn:         f.Kill.IsOn(),
		PerModuleErrorCounts: f.Errors.Counts(),
		CircuitBreakerOpen:   f.Errors.OpenModules(),
		FeedStale:            f.Stale.Paused(),
		LoopStalled:          f.Loop.Paused(),
	}
	if f.Recon != nil {
		s.ReconciliationDrift, s.LastReconciliationAt = f.Recon.Drift()
		if f.Recon.Paused() {
			s.PauseReasons = append(s.PauseReasons, "reconciliation_drift")
		}
	}
	if s.FeedStale {
		s.PauseReasons = append(s.PauseReasons, "stale_feed")
	}
	if s.LoopStalled {
		s.PauseReasons = append(s.PauseReasons, "event_loop_stalled")
	}
	s.TradingPaused = len(s.PauseReasons) > 0
	return s
}
