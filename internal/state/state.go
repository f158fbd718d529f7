// Package state persists each log's batching progress across restarts, and
// tracks the in-memory-only statistics the batcher uses to pick page sizes.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ct "github.com/google/certificate-transparency-go"

	"ctmon.dev/internal/batcher"
)

// stateFormatVersion guards against loading a state file written by an
// incompatible earlier layout; bump it whenever PersistedState's shape
// changes in a way old files can't be read as.
const stateFormatVersion = 1

// LogFetchState is one log's persisted progress: its most recently observed
// STH, and how much of its entry range has been fetched so far.
type LogFetchState struct {
	STH       ct.SignedTreeHead `json:"sth"`
	FetchedTo batcher.HistState `json:"fetched_to"`
}

// persistedState is the on-disk JSON shape.
type persistedState struct {
	FormatVersion int                      `json:"state_ver"`
	LogStates     map[string]LogFetchState `json:"log_states"`
}

// State is the full in-memory fetch state for every known log: the
// persisted progress, plus the transient page-size statistics that reset
// on every restart.
type State struct {
	mu sync.Mutex

	path      string
	logStates map[string]LogFetchState
	transient map[string]batcher.Transient
}

// New returns an empty State that will persist to path.
func New(path string) *State {
	return &State{
		path:      path,
		logStates: make(map[string]LogFetchState),
		transient: make(map[string]batcher.Transient),
	}
}

// Load reads a previously-saved state file. A missing file is not an error:
// it means this is the first run, and an empty State is returned.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	var persisted persistedState
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	if persisted.FormatVersion != stateFormatVersion {
		return nil, fmt.Errorf("state: %s has format version %d, want %d", path, persisted.FormatVersion, stateFormatVersion)
	}
	if persisted.LogStates == nil {
		persisted.LogStates = make(map[string]LogFetchState)
	}
	return &State{
		path:      path,
		logStates: persisted.LogStates,
		transient: make(map[string]batcher.Transient),
	}, nil
}

// Save atomically writes the current state to disk: write-to-temp then
// rename, so a crash mid-write never corrupts the previous good state.
func (s *State) Save() error {
	s.mu.Lock()
	persisted := persistedState{
		FormatVersion: stateFormatVersion,
		LogStates:     s.logStates,
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("state: rename into place: %w", err)
	}
	return nil
}

// Log returns a log's persisted state and whether it has been seen before.
func (s *State) Log(logID string) (LogFetchState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.logStates[logID]
	return ls, ok
}

// SetLog replaces a log's persisted state.
func (s *State) SetLog(logID string, ls LogFetchState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logStates[logID] = ls
}

// Transient returns a log's in-memory page-size statistics, zero-valued if
// none have been recorded yet this run.
func (s *State) Transient(logID string) batcher.Transient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transient[logID]
}

// RecordFetch updates a log's transient statistics after a successful
// fetch of entryCount entries.
func (s *State) RecordFetch(logID string, entryCount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transient[logID]
	t.Fetches++
	if entryCount > t.HighestPageSize {
		t.HighestPageSize = entryCount
	}
	s.transient[logID] = t
}

// KnownLogIDs returns every log ID with persisted state.
func (s *State) KnownLogIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.logStates))
	for id := range s.logStates {
		ids = append(ids, id)
	}
	return ids
}
