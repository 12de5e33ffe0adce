package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
)

// InstanceLock is the file-based singleton guard. The lock file holds the
// owner PID; a second instance finding a stale owner (process gone) may
// reclaim it, otherwise it must abort.
type InstanceLock struct {
	path string
	held bool
	log  zerolog.Logger
}

func NewInstanceLock(path string) *InstanceLock {
	return &InstanceLock{path: path, log: logging.Component("lock")}
}

// Acquire takes the lock or fails with *LockHeldError when another live
// process owns it.
func (l *InstanceLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("lock dir: %w", err)
	}

	if data, err := os.ReadFile(l.path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr == nil && pid != os.Getpid() && processAlive(pid) {
			return &LockHeldError{Path: l.path, PID: pid}
		}
		l.log.Warn().Int("stale_pid", pid).Msg("reclaiming stale instance lock")
	}

	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("lock write: %w", err)
	}
	l.held = true
	l.log.Info().Str("path", l.path).Int("pid", os.Getpid()).Msg("instance lock acquired")
	return nil
}

// Release drops the lock on orderly shutdown. Only the holder may release.
func (l *InstanceLock) Release() error {
	if !l.held {
		return ErrLockNotHeld
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock remove: %w", err)
	}
	l.held = false
	l.log.Info().Str("path", l.path).Msg("instance lock released")
	return nil
}

// Held reports whether this process currently owns the lock.
func (l *InstanceLock) Held() bool { return l.held }

// processAlive probes the PID with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
