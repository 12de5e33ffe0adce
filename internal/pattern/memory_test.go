package pattern

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "pattern-memory.json"))
	require.NoError(t, err)
	return m
}

// trade mirrors the live flow: observe at entry, record at exit.
func trade(t *testing.T, m *Memory, key string, pnlPct float64) {
	t.Helper()
	m.Observe(key)
	require.NoError(t, m.Record(key, pnlPct))
}

func TestKey_CanonicalAndStable(t *testing.T) {
	f := Features{
		RSI: 62, MACDHistogram: 0.1, TrendSign: 1,
		Volatility: 0.01, VolumeRatio: 1.5, Momentum: 0.01,
		PricePosition: 0.7, Regime: "trending_up", Direction: "long",
	}
	k1 := f.Key()
	k2 := f.Key()
	assert.Equal(t, k1, k2)
	assert.Equal(t, "3,3,1,1,3,3,3,trending_up,long", k1)

	// Nearby values inside the same buckets collide on purpose.
	f.RSI = 58
	assert.Equal(t, k1, f.Key())
}

func TestScore_UndefinedBelowMinObservations(t *testing.T) {
	m := tempMemory(t)
	for i := 0; i < 4; i++ {
		m.Observe("k")
	}
	_, ok := m.Score("k")
	assert.False(t, ok)
}

func TestScore_WinRateAndPnLComponents(t *testing.T) {
	m := tempMemory(t)

	// 9 wins of +2.22%, 3 losses of -0.5%: winRate=0.75, avgPnL≈1.54.
	for i := 0; i < 9; i++ {
		trade(t, m, "k", 2.22)
	}
	for i := 0; i < 3; i++ {
		trade(t, m, "k", -0.5)
	}

	s, ok := m.Score("k")
	require.True(t, ok)
	assert.InDelta(t, 0.8, s, 1e-9) // 0.6 winRate + 0.2 avgPnL>1
}

func TestScore_CacheServesStaleWithinTTL(t *testing.T) {
	m := tempMemory(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < 6; i++ {
		trade(t, m, "k", 3)
	}
	s1, ok := m.Score("k")
	require.True(t, ok)

	// Mutate the record bypassing Record's cache invalidation.
	m.mu.Lock()
	m.records["k"].Wins = 0
	m.records["k"].Losses = 6
	m.records["k"].TotalPnLPct = -12
	m.mu.Unlock()

	s2, _ := m.Score("k")
	assert.Equal(t, s1, s2, "cached score should survive within TTL")

	now = now.Add(61 * time.Second)
	s3, _ := m.Score("k")
	assert.NotEqual(t, s1, s3, "cache should expire after TTL")
}

func TestComposite_MeanOfDefinedScores(t *testing.T) {
	m := tempMemory(t)
	for i := 0; i < 6; i++ {
		trade(t, m, "good", 3) // score 1.0
	}
	for i := 0; i < 6; i++ {
		trade(t, m, "bad", -2) // score -0.5
	}
	m.Observe("unknown")

	c, ok := m.Composite([]string{"good", "bad", "unknown"})
	require.True(t, ok)
	assert.InDelta(t, 0.25, c, 1e-9)

	_, ok = m.Composite([]string{"unknown"})
	assert.False(t, ok)
}

func TestSizeMultiplier_Bands(t *testing.T) {
	assert.Equal(t, 0.25, SizeMultiplier(-0.7))
	assert.Equal(t, 0.5, SizeMultiplier(-0.2))
	assert.Equal(t, 0.5, SizeMultiplier(0))
	assert.Equal(t, 1.0, SizeMultiplier(0.3))
	assert.Equal(t, 1.5, SizeMultiplier(0.6))
}

func TestIsElite(t *testing.T) {
	m := tempMemory(t)

	// 8 wins +2.5%, 4 losses -0.2%: timesSeen=12, winRate≈0.67, avgPnL≈1.6.
	for i := 0; i < 8; i++ {
		trade(t, m, "k", 2.5)
	}
	for i := 0; i < 4; i++ {
		trade(t, m, "k", -0.2)
	}
	assert.True(t, m.IsElite("k"))
	assert.False(t, m.IsElite("missing"))
}

func TestPersist_RoundTripCanonical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pm.json")

	m, err := Open(path)
	require.NoError(t, err)
	trade(t, m, "b", 1.5)
	trade(t, m, "a", -0.5)

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// Reload and re-persist: canonical serialization is byte-identical.
	m2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, m2.Flush())

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOpen_PurgesEntryOnlyGhosts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pm.json")

	ghostFile := `{
  "ghost": {"times_seen": 3, "wins": 0, "losses": 0, "total_pnl_pct": 0,
            "results": [{"pnl_pct": 0, "ts": 1}], "updated_at": 1},
  "real": {"times_seen": 6, "wins": 5, "losses": 1, "total_pnl_pct": 8,
           "results": [{"pnl_pct": 8, "ts": 2}], "updated_at": 2}
}`
	require.NoError(t, os.WriteFile(path, []byte(ghostFile), 0o644))

	m, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	assert.False(t, m.IsElite("ghost"))
}

func TestEviction_DropsOldestAboveCap(t *testing.T) {
	m := tempMemory(t)
	ts := time.Unix(0, 0)
	m.now = func() time.Time { return ts }

	m.mu.Lock()
	for i := 0; i < evictionCap+1; i++ {
		m.records[keyN(i)] = &Record{TimesSeen: 1, UpdatedAt: int64(i)}
	}
	m.evictLocked()
	_, oldestKept := m.records[keyN(0)]
	n := len(m.records)
	m.mu.Unlock()

	assert.Equal(t, evictionCap, n)
	assert.False(t, oldestKept, "oldest record should have been evicted")
}

func keyN(i int) string {
	return "k" + strconv.Itoa(i)
}
