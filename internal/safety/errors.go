// Package safety implements the gates the trading hot-path must pass:
// singleton lock, durable kill switch, per-module circuit breakers,
// exchange reconciliation, event-loop health, stale-feed pause, and the
// fixed-order gate chain in front of order submission.
package safety

import (
	"errors"
	"fmt"
)

// Gate violations abort the order path without crashing the process.
var (
	ErrKillSwitchActive    = errors.New("kill switch active")
	ErrFeedStale           = errors.New("market feed stale")
	ErrReconcilerNotReady  = errors.New("startup reconciliation not yet completed")
	ErrReconciliationDrift = errors.New("reconciliation drift exceeds pause threshold")
	ErrEventLoopStalled    = errors.New("event loop stalled")
	ErrLockNotHeld         = errors.New("singleton lock not held")
	ErrTradingPaused       = errors.New("trading paused")
)

// BreakerOpenError reports an OPEN per-module breaker.
type BreakerOpenError struct {
	Module string
	Count  int
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for module %s after %d errors", e.Module, e.Count)
}

// LockHeldError reports a live lock owned by another process.
type LockHeldError struct {
	Path string
	PID  int
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("instance lock %s held by running pid %d", e.Path, e.PID)
}
