package safety

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-core/internal/model"
)

func newKillSwitch(t *testing.T) *KillSwitch {
	t.Helper()
	dir := t.TempDir()
	return NewKillSwitch(filepath.Join(dir, "killswitch.flag"), filepath.Join(dir, "logs", "killswitch.log"))
}

func TestKillSwitch_ActivateDeactivateRoundTrip(t *testing.T) {
	k := newKillSwitch(t)
	require.False(t, k.IsOn())

	require.NoError(t, k.Activate("manual test"))
	assert.True(t, k.IsOn())

	info, on := k.Info()
	require.True(t, on)
	assert.Equal(t, "manual test", info.Reason)
	assert.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, k.Deactivate())
	assert.False(t, k.IsOn())
}

func TestKillSwitch_CachesFilesystemCheck(t *testing.T) {
	k := newKillSwitch(t)
	now := time.Now()
	k.now = func() time.Time { return now }

	require.False(t, k.IsOn())

	// The flag appears out-of-band; the cached answer holds for 1s.
	require.NoError(t, os.WriteFile(k.path, []byte("{}"), 0o644))
	assert.False(t, k.IsOn(), "cached OFF within the TTL")

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, k.IsOn(), "fresh stat after the TTL")
}

func TestKillSwitch_AppendsAuditLog(t *testing.T) {
	k := newKillSwitch(t)
	require.NoError(t, k.Activate("first"))
	require.NoError(t, k.Deactivate())

	data, err := os.ReadFile(k.logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ACTIVATED")
	assert.Contains(t, string(data), "DEACTIVATED")
}

func TestInstanceLock_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock", "instance.lock")
	l := NewInstanceLock(path)

	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	require.NoError(t, l.Release())
	assert.False(t, l.Held())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestInstanceLock_HeldByLiveProcessAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	// PID 1 is always alive.
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))

	l := NewInstanceLock(path)
	err := l.Acquire()
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, 1, held.PID)
}

func TestInstanceLock_ReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	// An absurd PID that cannot be running.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	l := NewInstanceLock(path)
	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())
}

func TestErrorHandler_OpensAboveThreshold(t *testing.T) {
	h := NewErrorHandler()
	h.halfOpenAfter = 0 // manual reset only

	opened := 0
	h.OnOpen = func(module string, count int) { opened++ }

	for i := 0; i < 5; i++ {
		h.ReportCritical("broker", errors.New("boom"), "submit")
		require.NoError(t, h.Check("broker"), "breaker closed at count %d", i+1)
	}
	h.ReportCritical("broker", errors.New("boom"), "submit")

	err := h.Check("broker")
	var open *BreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "broker", open.Module)
	assert.Equal(t, 6, open.Count)
	assert.Equal(t, 1, opened)

	// Other modules are unaffected.
	assert.NoError(t, h.Check("relay"))

	h.Reset("broker")
	assert.NoError(t, h.Check("broker"))
	assert.Zero(t, h.Counts()["broker"])
}

func TestErrorHandler_WarningsDoNotCount(t *testing.T) {
	h := NewErrorHandler()
	for i := 0; i < 20; i++ {
		h.ReportWarning("feed", errors.New("hiccup"), "ingest")
	}
	assert.NoError(t, h.Check("feed"))
	assert.Zero(t, h.Counts()["feed"])
}

func TestErrorHandler_HalfOpenRecovery(t *testing.T) {
	h := NewErrorHandler()
	now := time.Now()
	h.now = func() time.Time { return now }

	for i := 0; i < 6; i++ {
		h.ReportCritical("broker", errors.New("boom"), "submit")
	}
	require.Error(t, h.Check("broker"))

	now = now.Add(61 * time.Second)
	assert.NoError(t, h.Check("broker"), "half-open window allows a trial")

	// One more failure re-opens immediately.
	h.ReportCritical("broker", errors.New("boom"), "submit")
	assert.Error(t, h.Check("broker"))
}

func TestStaleFeed_WarnPauseRecovery(t *testing.T) {
	w := NewStaleFeedWatch()
	now := time.Now()
	w.now = func() time.Time { return now }
	w.MarkCandle()

	var warns, pauses, resumes int
	w.OnWarn = func(time.Duration) { warns++ }
	w.OnPause = func(time.Duration) { pauses++ }
	w.OnResume = func() { resumes++ }

	// 6s of silence: warning only.
	now = now.Add(6 * time.Second)
	w.Check()
	assert.Equal(t, 1, warns)
	assert.False(t, w.Paused())

	// Repeated checks do not re-warn.
	w.Check()
	assert.Equal(t, 1, warns)

	// 35s of silence: paused with reason stale_feed.
	now = now.Add(29 * time.Second)
	w.Check()
	assert.Equal(t, 1, pauses)
	assert.True(t, w.Paused())

	// First fresh candle: pause remains.
	w.MarkCandle()
	assert.True(t, w.Paused())
	assert.Zero(t, resumes)

	// Second fresh candle: pause clears, resumption alert fires.
	w.MarkCandle()
	assert.False(t, w.Paused())
	assert.Equal(t, 1, resumes)
}

func TestLoopMonitor_Thresholds(t *testing.T) {
	m := NewLoopMonitor()

	var warns, pauses, resumes int
	m.OnWarn = func(time.Duration) { warns++ }
	m.OnPause = func(time.Duration) { pauses++ }
	m.OnResume = func() { resumes++ }

	m.Observe(50 * time.Millisecond)
	assert.Zero(t, warns)

	m.Observe(200 * time.Millisecond)
	assert.Equal(t, 1, warns)
	assert.False(t, m.Paused())

	m.Observe(800 * time.Millisecond)
	assert.Equal(t, 1, pauses)
	assert.True(t, m.Paused())

	// Healthy ticks clear the pause after the recovery window.
	for i := 0; i < loopRecoveryOK; i++ {
		m.Observe(10 * time.Millisecond)
	}
	assert.False(t, m.Paused())
	assert.Equal(t, 1, resumes)

	p50, p95, p99 := m.Percentiles()
	assert.GreaterOrEqual(t, p95, p50)
	assert.GreaterOrEqual(t, p99, p95)
}

// stubLocal and stubBroker drive the reconciler policy table.
type stubLocal struct{ qty float64 }

func (s *stubLocal) Quantity(string) float64        { return s.qty }
func (s *stubLocal) SetQuantity(_ string, q float64) { s.qty = q }

type stubBroker struct {
	qty float64
	err error
}

func (b *stubBroker) Submit(context.Context, model.IntentRecord) (model.SubmitResult, error) {
	return model.SubmitResult{}, errors.New("not implemented")
}
func (b *stubBroker) Cancel(context.Context, string) error { return nil }
func (b *stubBroker) Positions(context.Context) ([]model.Position, error) {
	if b.err != nil {
		return nil, b.err
	}
	return []model.Position{{Symbol: "BTC/USD", Qty: b.qty}}, nil
}
func (b *stubBroker) Balances(context.Context) ([]model.Balance, error) { return nil, nil }

func TestReconciler_DriftPolicy(t *testing.T) {
	t.Run("silent within warn threshold", func(t *testing.T) {
		local := &stubLocal{qty: 1.0}
		r := NewReconciler(&stubBroker{qty: 1.0005}, local, "BTC/USD")
		require.NoError(t, r.ReconcileNow(context.Background()))
		assert.False(t, r.Paused())
		assert.Equal(t, 1.0, local.qty, "local untouched")
	})

	t.Run("auto-correct between thresholds", func(t *testing.T) {
		local := &stubLocal{qty: 1.0}
		r := NewReconciler(&stubBroker{qty: 1.005}, local, "BTC/USD")
		require.NoError(t, r.ReconcileNow(context.Background()))
		assert.False(t, r.Paused())
		assert.Equal(t, 1.005, local.qty, "local corrected to remote")
	})

	t.Run("pause above threshold", func(t *testing.T) {
		local := &stubLocal{qty: 1.0}
		r := NewReconciler(&stubBroker{qty: 1.5}, local, "BTC/USD")
		paused := false
		r.OnDriftPause = func(float64) { paused = true }
		require.NoError(t, r.ReconcileNow(context.Background()))
		assert.True(t, r.Paused())
		assert.True(t, paused)
		assert.Equal(t, 1.0, local.qty, "no auto-correction past the pause threshold")
	})

	t.Run("unknown remote is a hard stop", func(t *testing.T) {
		r := NewReconciler(&stubBroker{err: errors.New("api down")}, &stubLocal{}, "BTC/USD")
		stopped := false
		r.OnHardStop = func(error) { stopped = true }
		assert.Error(t, r.ReconcileNow(context.Background()))
		assert.True(t, stopped)
		assert.False(t, r.Ready(), "a failed comparison does not open the order path")
	})
}

func TestReconciler_ReadyAfterFirstComparison(t *testing.T) {
	r := NewReconciler(&stubBroker{qty: 1.5}, &stubLocal{qty: 1.0}, "BTC/USD")
	assert.False(t, r.Ready())

	require.NoError(t, r.ReconcileNow(context.Background()))
	assert.True(t, r.Ready(), "ready even when the comparison latched a pause")
	assert.True(t, r.Paused())
}

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	dir := t.TempDir()
	kill := NewKillSwitch(filepath.Join(dir, "killswitch.flag"), filepath.Join(dir, "killswitch.log"))
	lock := NewInstanceLock(filepath.Join(dir, "instance.lock"))
	require.NoError(t, lock.Acquire())
	f := NewFabric(kill, lock)
	t.Cleanup(f.Close)
	return f
}

func TestFabric_DuplicateConstructionPanics(t *testing.T) {
	f := newTestFabric(t)
	_ = f
	assert.Panics(t, func() {
		NewFabric(newKillSwitch(t), nil)
	})
}

func TestFabric_KillSwitchGateComesFirst(t *testing.T) {
	f := newTestFabric(t)

	// Trip every later gate.
	f.Stale.paused = true
	f.Loop.paused = true
	for i := 0; i < 6; i++ {
		f.Errors.ReportCritical("broker", errors.New("boom"), "submit")
	}
	require.NoError(t, f.Kill.Activate("test"))

	err := f.CheckOrderPath("broker")
	assert.ErrorIs(t, err, ErrKillSwitchActive, "kill switch is always checked first")
}

func TestFabric_GateOrder(t *testing.T) {
	f := newTestFabric(t)
	require.NoError(t, f.CheckOrderPath("broker"))

	f.Stale.paused = true
	f.Loop.paused = true
	assert.ErrorIs(t, f.CheckOrderPath("broker"), ErrFeedStale, "stale-feed outranks loop pause")

	f.Stale.paused = false
	assert.ErrorIs(t, f.CheckOrderPath("broker"), ErrEventLoopStalled)

	f.Loop.paused = false
	for i := 0; i < 6; i++ {
		f.Errors.ReportCritical("broker", errors.New("boom"), "submit")
	}
	f.Errors.halfOpenAfter = 0
	var open *BreakerOpenError
	assert.ErrorAs(t, f.CheckOrderPath("broker"), &open)
}

func TestFabric_OrderPathShutUntilFirstReconciliation(t *testing.T) {
	f := newTestFabric(t)
	f.AttachReconciler(NewReconciler(&stubBroker{}, &stubLocal{}, "BTC/USD"))

	assert.ErrorIs(t, f.CheckOrderPath("broker"), ErrReconcilerNotReady)

	require.NoError(t, f.Recon.ReconcileNow(context.Background()))
	assert.NoError(t, f.CheckOrderPath("broker"))
}

func TestFabric_StateSnapshot(t *testing.T) {
	f := newTestFabric(t)
	f.Stale.paused = true
	f.Errors.ReportCritical("feed", errors.New("x"), "ingest")

	s := f.State()
	assert.True(t, s.TradingPaused)
	assert.Contains(t, s.PauseReasons, "stale_feed")
	assert.Equal(t, 1, s.PerModuleErrorCounts["feed"])
	assert.False(t, s.KillSwitchOn)
}

func TestFabric_AlertsFanOut(t *testing.T) {
	f := newTestFabric(t)

	var alerts []Alert
	f.AlertFunc = func(a Alert) { alerts = append(alerts, a) }

	now := time.Now()
	f.Stale.now = func() time.Time { return now }
	f.Stale.MarkCandle()
	now = now.Add(35 * time.Second)
	f.Stale.Check()

	require.NotEmpty(t, alerts)
	assert.Equal(t, "alert", alerts[len(alerts)-1].Type)
	assert.Equal(t, "stale_feed", alerts[len(alerts)-1].Reason)
}
