// Package statestore persists the bot's durable state snapshot with
// atomic temp+rename writes.
package statestore

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

// State is the durable snapshot at data/state.{mode}.json.
type State struct {
	Balance    float64   `json:"balance"`
	Position   float64   `json:"position"` // signed base units
	EntryPrice float64   `json:"entry_price"`
	DailyPnL   float64   `json:"daily_pnl"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store owns the snapshot file. Single-writer behind a mutex.
type Store struct {
	mu    sync.Mutex
	path  string
	state State
	log   zerolog.Logger
}

// Open loads the snapshot at path, starting empty when the file does not
// exist. A torn or unparseable snapshot is an invariant violation: the
// caller must treat the error as fatal rather than trade on guesses.
func Open(path string) (*Store, error) {
	s := &Store{path: path, log: logging.Component("statestore")}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state read: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("state snapshot %s unreadable: %w", path, err)
	}
	s.log.Info().Str("path", path).Float64("position", s.state.Position).Msg("state loaded")
	return s, nil
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies fn to the state and persists atomically.
func (s *Store) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state)
	s.state.Timestamp = time.Now()
	return s.persistLocked()
}

// Flush persists the current state. Used on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("state marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state rename: %w", err)
	}
	return nil
}
