// Package pattern maintains historical outcomes of observed feature
// patterns and scores them to modulate position sizing.
package pattern

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-core/internal/logging"
)

const (
	minObservations = 5    // score is undefined below this
	evictionCap     = 5000 // record count above which eviction runs
	scoreCacheTTL   = 60 * time.Second
)

// Features is the raw (unquantized) feature vector for one setup.
type Features struct {
	RSI           float64
	MACDHistogram float64
	TrendSign     int // +1 / 0 / -1
	Volatility    float64
	VolumeRatio   float64
	Momentum      float64
	PricePosition float64
	Regime        string
	Direction     string // "long" | "short"
}

// Key quantizes the vector into the canonical comma-joined fingerprint.
// Buckets are coarse on purpose so similar setups collide into one record.
func (f Features) Key() string {
	parts := []string{
		bucket(f.RSI, 30, 45, 55, 70),               // oversold..overbought
		bucket(f.MACDHistogram, -0.5, -0.05, 0.05, 0.5),
		strconv.Itoa(f.TrendSign),
		bucket(f.Volatility, 0.005, 0.015, 0.025, 0.04),
		bucket(f.VolumeRatio, 0.5, 0.8, 1.2, 2.0),
		bucket(f.Momentum, -0.02, -0.005, 0.005, 0.02),
		bucket(f.PricePosition, 0.2, 0.4, 0.6, 0.8),
		f.Regime,
		f.Direction,
	}
	return strings.Join(parts, ",")
}

// bucket maps x to "0".."4" across four thresholds.
func bucket(x float64, t1, t2, t3, t4 float64) string {
	switch {
	case x < t1:
		return "0"
	case x < t2:
		return "1"
	case x < t3:
		return "2"
	case x < t4:
		return "3"
	default:
		return "4"
	}
}

// Result is one realized trade outcome under a pattern key.
type Result struct {
	PnLPct float64 `json:"pnl_pct"`
	TS     int64   `json:"ts"`
}

// Record accumulates outcomes for one feature fingerprint.
type Record struct {
	TimesSeen   int      `json:"times_seen"`
	Wins        int      `json:"wins"`
	Losses      int      `json:"losses"`
	TotalPnLPct float64  `json:"total_pnl_pct"`
	Results     []Result `json:"results"`
	UpdatedAt   int64    `json:"updated_at"`
}

func (r *Record) winRate() float64 {
	n := r.Wins + r.Losses
	if n == 0 {
		return 0
	}
	return float64(r.Wins) / float64(n)
}

func (r *Record) avgPnL() float64 {
	n := r.Wins + r.Losses
	if n == 0 {
		return 0
	}
	return r.TotalPnLPct / float64(n)
}

type cachedScore struct {
	score   float64
	defined bool
	expires time.Time
}

// Memory is the durable pattern store. Observations bump timesSeen;
// realized PnL is recorded only at trade exit and persisted atomically.
type Memory struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
	cache   map[string]cachedScore
	now     func() time.Time
	log     zerolog.Logger
}

// Open loads the memory file at path, creating an empty store when the
// file does not exist. Entry-time-only ghost records (results present but
// no win/loss accounting) are purged on load.
func Open(path string) (*Memory, error) {
	m := &Memory{
		path:    path,
		records: make(map[string]*Record),
		cache:   make(map[string]cachedScore),
		now:     time.Now,
		log:     logging.Component("pattern"),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pattern memory read: %w", err)
	}
	if err := json.Unmarshal(data, &m.records); err != nil {
		return nil, fmt.Errorf("pattern memory parse %s: %w", path, err)
	}

	ghosts := 0
	for key, rec := range m.records {
		if len(rec.Results) > 0 && rec.Wins+rec.Losses == 0 {
			delete(m.records, key)
			ghosts++
		}
	}
	if ghosts > 0 {
		m.log.Warn().Int("purged", ghosts).Msg("removed entry-only ghost records")
		if err := m.persistLocked(); err != nil {
			return nil, err
		}
	}
	m.log.Info().Int("patterns", len(m.records)).Str("path", path).Msg("pattern memory loaded")
	return m, nil
}

// Observe increments timesSeen for the key. No PnL is attached and
// nothing is persisted; durability only matters for realized outcomes.
func (m *Memory) Observe(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	if rec == nil {
		rec = &Record{}
		m.records[key] = rec
	}
	rec.TimesSeen++
	rec.UpdatedAt = m.now().UnixMilli()
}

// Record stores a realized trade outcome under the key and persists the
// whole store atomically. Called only at trade exit.
func (m *Memory) Record(key string, pnlPct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.records[key]
	if rec == nil {
		rec = &Record{TimesSeen: 1}
		m.records[key] = rec
	}
	rec.Results = append(rec.Results, Result{PnLPct: pnlPct, TS: m.now().UnixMilli()})
	if pnlPct > 0 {
		rec.Wins++
	} else {
		rec.Losses++
	}
	rec.TotalPnLPct += pnlPct
	rec.UpdatedAt = m.now().UnixMilli()
	delete(m.cache, key)

	m.evictLocked()
	return m.persistLocked()
}

// Score returns the additive quality score in [-1,1] for the key, and
// false when the pattern has too few observations to judge. Scores are
// cached for 60s.
func (m *Memory) Score(key string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.cache[key]; ok && m.now().Before(c.expires) {
		return c.score, c.defined
	}

	score, defined := m.scoreLocked(key)
	m.cache[key] = cachedScore{score: score, defined: defined, expires: m.now().Add(scoreCacheTTL)}
	return score, defined
}

func (m *Memory) scoreLocked(key string) (float64, bool) {
	rec := m.records[key]
	if rec == nil || rec.TimesSeen < minObservations {
		return 0, false
	}

	score := 0.0
	switch wr := rec.winRate(); {
	case wr >= 0.7:
		score += 0.6
	case wr >= 0.6:
		score += 0.3
	case wr >= 0.5:
		score += 0.1
	case wr < 0.4:
		score -= 0.3
	}
	switch ap := rec.avgPnL(); {
	case ap > 2:
		score += 0.4
	case ap > 1:
		score += 0.2
	case ap > 0:
		score += 0.1
	case ap < -1:
		score -= 0.2
	}
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score, true
}

// Composite averages the defined scores of the active keys, clamped to
// [-1,1]. Returns false when no key has a defined score.
func (m *Memory) Composite(keys []string) (float64, bool) {
	sum, n := 0.0, 0
	for _, k := range keys {
		if s, ok := m.Score(k); ok {
			sum += s
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	avg := sum / float64(n)
	if avg > 1 {
		avg = 1
	} else if avg < -1 {
		avg = -1
	}
	return avg, true
}

// SizeMultiplier maps a composite score to the sizing band.
func SizeMultiplier(composite float64) float64 {
	switch {
	case composite <= -0.5:
		return 0.25
	case composite <= 0:
		return 0.5
	case composite <= 0.5:
		return 1.0
	default:
		return 1.5
	}
}

// IsElite reports whether the key has a proven, well-sampled edge.
func (m *Memory) IsElite(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	if rec == nil {
		return false
	}
	return rec.TimesSeen >= 10 && rec.winRate() >= 0.65 && rec.avgPnL() >= 1.5
}

// Len returns the number of stored patterns.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Flush persists the store. Used on shutdown.
func (m *Memory) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked()
}

// evictLocked drops the least-recently-updated records above the cap.
func (m *Memory) evictLocked() {
	if len(m.records) <= evictionCap {
		return
	}
	type aged struct {
		key string
		at  int64
	}
	all := make([]aged, 0, len(m.records))
	for k, r := range m.records {
		all = append(all, aged{k, r.UpdatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at < all[j].at })
	for _, a := range all[:len(m.records)-evictionCap] {
		delete(m.records, a.key)
		delete(m.cache, a.key)
	}
	m.log.Warn().Int("kept", len(m.records)).Msg("pattern memory evicted stale records")
}

// persistLocked writes the store via temp file + rename so readers never
// see a partial file. Map keys marshal sorted, keeping serialization
// canonical across save/load cycles.
func (m *Memory) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("pattern memory dir: %w", err)
	}
	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return fmt.Errorf("pattern memory marshal: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("pattern memory write: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("pattern memory rename: %w", err)
	}
	return nil
}
