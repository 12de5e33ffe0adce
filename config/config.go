// Package config loads the bot's runtime configuration from environment
// variables, with regime threshold overrides from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"crypto-trading-core/internal/regime"
)

// Mode selects how orders are executed.
type Mode string

const (
	ModePaper    Mode = "PAPER"
	ModeLive     Mode = "LIVE"
	ModeBacktest Mode = "BACKTEST"
)

// Config is the full runtime configuration.
type Config struct {
	Mode               Mode
	EnableLiveTrading  bool
	ConfirmLiveTrading bool

	Pair           string // canonical form, e.g. "BTC/USD"
	ProviderAPIKey string
	FeedURL        string // empty = synthetic feed
	LookbackDays   int
	BaseOrderQty   float64 // base units before the size multiplier

	WSPort    int
	APIPort   int
	AuthToken string

	RedisAddr     string
	RedisPassword string

	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string

	LogLevel string

	DataDir           string
	LockPath          string
	KillSwitchPath    string
	KillSwitchLogPath string
	RegimeConfigPath  string
}

// Load reads configuration from the environment, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Mode:               Mode(strings.ToUpper(getEnv("TRADING_MODE", string(ModePaper)))),
		EnableLiveTrading:  getEnvBool("ENABLE_LIVE_TRADING"),
		ConfirmLiveTrading: getEnvBool("CONFIRM_LIVE_TRADING"),

		Pair:           CanonicalPair(getEnv("TRADING_PAIR", "BTC-USD")),
		ProviderAPIKey: os.Getenv("POLYGON_API_KEY"),
		FeedURL:        os.Getenv("FEED_URL"),
		LookbackDays:   getEnvInt("BACKFILL_LOOKBACK_DAYS", 30),
		BaseOrderQty:   getEnvFloat("BASE_ORDER_QTY", 0.05),

		WSPort:    getEnvInt("WS_PORT", 3010),
		APIPort:   getEnvInt("API_PORT", 3011),
		AuthToken: os.Getenv("WEBSOCKET_AUTH_TOKEN"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		WebhookURL:       os.Getenv("ALERT_WEBHOOK_URL"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		DataDir:           getEnv("DATA_DIR", "data"),
		LockPath:          getEnv("LOCK_PATH", filepath.Join("lock", "instance.lock")),
		KillSwitchPath:    getEnv("KILLSWITCH_PATH", "killswitch.flag"),
		KillSwitchLogPath: getEnv("KILLSWITCH_LOG", filepath.Join("logs", "killswitch.log")),
		RegimeConfigPath:  getEnv("REGIME_CONFIG", filepath.Join("config", "regimes.yaml")),
	}

	switch cfg.Mode {
	case ModePaper, ModeLive, ModeBacktest:
	default:
		return Config{}, fmt.Errorf("invalid TRADING_MODE %q", cfg.Mode)
	}
	// Two-key promotion: LIVE without both confirmation flags runs the
	// process in PAPER instead of refusing to start.
	if cfg.Mode == ModeLive && !(cfg.EnableLiveTrading && cfg.ConfirmLiveTrading) {
		log.Warn().
			Bool("enable_live_trading", cfg.EnableLiveTrading).
			Bool("confirm_live_trading", cfg.ConfirmLiveTrading).
			Msg("LIVE requested without both confirmation flags, falling back to PAPER")
		cfg.Mode = ModePaper
	}
	return cfg, nil
}

// Live reports whether real orders will be submitted.
func (c Config) Live() bool {
	return c.Mode == ModeLive && c.EnableLiveTrading && c.ConfirmLiveTrading
}

// StatePath returns the mode-scoped state snapshot path.
func (c Config) StatePath() string {
	return filepath.Join(c.DataDir, "state."+strings.ToLower(string(c.Mode))+".json")
}

// PatternMemoryPath returns the mode-scoped pattern store path.
func (c Config) PatternMemoryPath() string {
	return filepath.Join(c.DataDir, "pattern-memory."+strings.ToLower(string(c.Mode))+".json")
}

// JournalPath returns the mode-scoped trade journal path.
func (c Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal."+strings.ToLower(string(c.Mode))+".db")
}

// CanonicalPair converts provider forms like "BTC-USD" or "btc/usd" to
// the internal canonical "BTC/USD".
func CanonicalPair(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "/"))
}

// regimeOverrideFile is the optional YAML override layout.
type regimeOverrideFile struct {
	Detector   *regime.Config                      `yaml:"detector"`
	Parameters map[regime.Regime]regime.Parameters `yaml:"parameters"`
}

// LoadRegimeOverrides reads the optional regime threshold file. A missing
// file yields the built-in defaults; a malformed one is an error.
func LoadRegimeOverrides(path string) (regime.Config, map[regime.Regime]regime.Parameters, error) {
	cfg := regime.DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil, nil
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("regime config read: %w", err)
	}

	var file regimeOverrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, nil, fmt.Errorf("regime config parse %s: %w", path, err)
	}
	if file.Detector != nil {
		cfg = *file.Detector
	}
	return cfg, file.Parameters, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string) bool {
	return strings.EqualFold(os.Getenv(key), "true")
}
