package statestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.paper.json")

	s, err := Open(path)
	require.NoError(t, err)
	assert.Zero(t, s.Get().Position)

	require.NoError(t, s.Update(func(st *State) {
		st.Balance = 10000
		st.Position = 0.5
		st.EntryPrice = 50000
		st.DailyPnL = -42.5
	}))

	// Reopen and verify persistence.
	s2, err := Open(path)
	require.NoError(t, err)
	got := s2.Get()
	assert.Equal(t, 10000.0, got.Balance)
	assert.Equal(t, 0.5, got.Position)
	assert.Equal(t, 50000.0, got.EntryPrice)
	assert.Equal(t, -42.5, got.DailyPnL)
	assert.False(t, got.Timestamp.IsZero())
}

func TestStore_CorruptSnapshotIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.live.json")
	require.NoError(t, os.WriteFile(path, []byte("{torn"), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestStore_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.paper.json")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(st *State) { st.Balance = 1 }))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
