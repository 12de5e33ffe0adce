package safety

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
)

const (
	defaultBreakerThreshold = 5
	defaultHalfOpenAfter    = 60 * time.Second
)

// moduleState tracks one module's error accounting.
type moduleState struct {
	errorCount int
	lastError  string
	open       bool
	openedAt   time.Time
}

// ErrorHandler keys circuit breakers by module name. Critical errors
// accumulate; crossing the threshold opens the breaker, which blocks the
// module until manual reset or the half-open window elapses.
type ErrorHandler struct {
	mu            sync.Mutex
	modules       map[string]*moduleState
	threshold     int
	halfOpenAfter time.Duration // 0 disables time-based recovery
	now           func() time.Time
	log           zerolog.Logger

	// OnOpen fires once per open transition.
	OnOpen func(module string, count int)
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		modules:       make(map[string]*moduleState),
		threshold:     defaultBreakerThreshold,
		halfOpenAfter: defaultHalfOpenAfter,
		now:           time.Now,
		log:           logging.Component("breaker"),
	}
}

// ReportCritical counts an error against the module and opens the
// breaker when the threshold is exceeded.
func (h *ErrorHandler) ReportCritical(module string, err error, context string) {
	h.mu.Lock()
	st := h.state(module)
	st.errorCount++
	st.lastError = err.Error()
	justOpened := false
	if !st.open && st.errorCount > h.threshold {
		st.open = true
		st.openedAt = h.now()
		justOpened = true
	}
	count := st.errorCount
	h.mu.Unlock()

	h.log.Error().Err(err).Str("module", module).Str("context", context).Int("count", count).Msg("critical error")
	if justOpened {
		h.log.Error().Str("module", module).Int("count", count).Msg("circuit breaker OPEN")
		if h.OnOpen != nil {
			h.OnOpen(module, count)
		}
	}
}

// ReportWarning logs and records lastError without advancing the count.
func (h *ErrorHandler) ReportWarning(module string, err error, context string) {
	h.mu.Lock()
	h.state(module).lastError = err.Error()
	h.mu.Unlock()
	h.log.Warn().Err(err).Str("module", module).Str("context", context).Msg("warning")
}

// Check returns a *BreakerOpenError while the module's breaker is open.
// When the half-open window has elapsed, the breaker closes with its
// count reset to threshold, so one more failure re-opens it immediately.
func (h *ErrorHandler) Check(module string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.modules[module]
	if !ok || !st.open {
		return nil
	}
	if h.halfOpenAfter > 0 && h.now().Sub(st.openedAt) >= h.halfOpenAfter {
		st.open = false
		st.errorCount = h.threshold
		h.log.Warn().Str("module", module).Msg("circuit breaker half-open, allowing trial")
		return nil
	}
	return &BreakerOpenError{Module: module, Count: st.errorCount}
}

// Reset fully closes the module's breaker and clears its count.
func (h *ErrorHandler) Reset(module string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.modules[module]; ok {
		st.open = false
		st.errorCount = 0
	}
	h.log.Info().Str("module", module).Msg("circuit breaker reset")
}

// Counts returns a copy of per-module error counts for status frames.
func (h *ErrorHandler) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.modules))
	for name, st := range h.modules {
		out[name] = st.errorCount
	}
	return out
}

// OpenModules lists modules whose breaker is currently open.
func (h *ErrorHandler) OpenModules() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for name, st := range h.modules {
		if st.open {
			out = append(out, name)
		}
	}
	return out
}

func (h *ErrorHandler) state(module string) *moduleState {
	st, ok := h.modules[module]
	if !ok {
		st = &moduleState{}
		h.modules[module] = st
	}
	return st
}
