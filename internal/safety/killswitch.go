package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
)

// killSwitchCacheTTL bounds filesystem stats on the hot path.
const killSwitchCacheTTL = time.Second

// KillSwitchInfo is the JSON body of the durable flag file.
type KillSwitchInfo struct {
	ActivatedAt time.Time `json:"activated_at"`
	Reason      string    `json:"reason"`
	PID         int       `json:"pid"`
}

// KillSwitch is the durable file flag every order submission consults
// first. Absent file = OFF; present = ON. The filesystem check is cached
// for one second.
type KillSwitch struct {
	path    string
	logPath string
	now     func() time.Time
	log     zerolog.Logger

	mu        sync.Mutex
	cachedOn  bool
	checkedAt time.Time
}

func NewKillSwitch(flagPath, auditLogPath string) *KillSwitch {
	return &KillSwitch{
		path:    flagPath,
		logPath: auditLogPath,
		now:     time.Now,
		log:     logging.Component("killswitch"),
	}
}

// IsOn reports whether the flag file exists, serving a cached answer for
// up to one second.
func (k *KillSwitch) IsOn() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	if now.Sub(k.checkedAt) < killSwitchCacheTTL {
		return k.cachedOn
	}
	_, err := os.Stat(k.path)
	k.cachedOn = err == nil
	k.checkedAt = now
	return k.cachedOn
}

// Activate writes the flag file with the reason and appends an audit
// line. Idempotent: re-activating overwrites the flag body.
func (k *KillSwitch) Activate(reason string) error {
	info := KillSwitchInfo{ActivatedAt: k.now(), Reason: reason, PID: os.Getpid()}
	body, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("killswitch marshal: %w", err)
	}
	if err := os.WriteFile(k.path, body, 0o644); err != nil {
		return fmt.Errorf("killswitch write: %w", err)
	}

	k.mu.Lock()
	k.cachedOn = true
	k.checkedAt = k.now()
	k.mu.Unlock()

	k.audit("ACTIVATED reason=%q pid=%d", reason, info.PID)
	fmt.Fprintf(os.Stderr, "\n*** KILL SWITCH ACTIVATED: %s ***\n*** all order submission is blocked ***\n\n", reason)
	k.log.Error().Str("reason", reason).Msg("kill switch activated")
	return nil
}

// Deactivate removes the flag file. Removing an absent flag is a no-op.
func (k *KillSwitch) Deactivate() error {
	if err := os.Remove(k.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("killswitch remove: %w", err)
	}

	k.mu.Lock()
	k.cachedOn = false
	k.checkedAt = k.now()
	k.mu.Unlock()

	k.audit("DEACTIVATED pid=%d", os.Getpid())
	k.log.Warn().Msg("kill switch deactivated")
	return nil
}

// Info reads the flag body. Returns false when the switch is off.
func (k *KillSwitch) Info() (KillSwitchInfo, bool) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return KillSwitchInfo{}, false
	}
	var info KillSwitchInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// A present but unparseable flag still means ON.
		return KillSwitchInfo{Reason: "unparseable flag body"}, true
	}
	return info, true
}

func (k *KillSwitch) audit(format string, args ...any) {
	if err := os.MkdirAll(filepath.Dir(k.logPath), 0o755); err != nil {
		k.log.Error().Err(err).Msg("audit log dir")
		return
	}
	f, err := os.OpenFile(k.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		k.log.Error().Err(err).Msg("audit log open")
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", k.now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
