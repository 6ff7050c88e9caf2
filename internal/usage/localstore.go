package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/timspizza/swiftpan/infrastructure/errors"
)

const (
	deltaDirName  = "usage_deltas"
	stateFileName = "usage_state.json"
)

// LocalStore persists per-day UsageDelta files and the usage_state.json
// fast-path marker under a data directory. All reads/writes are serialized
// by a single mutex (spec §5: "a process-wide mutex around the
// read-modify-write on each path").
type LocalStore struct {
	mu      sync.Mutex
	dataDir string
}

// NewLocalStore roots a LocalStore at dataDir, creating the delta directory
// if needed.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	dir := filepath.Join(dataDir, deltaDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.NotRetriable("create usage delta dir", err).WithContext("path", dir)
	}
	return &LocalStore{dataDir: dataDir}, nil
}

func (s *LocalStore) deltaPath(date string) string {
	return filepath.Join(s.dataDir, deltaDirName, date+".json")
}

func (s *LocalStore) statePath() string {
	return filepath.Join(s.dataDir, stateFileName)
}

// Load returns the delta recorded for date, or a zero delta if none exists.
func (s *LocalStore) Load(date string) (UsageDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(date)
}

func (s *LocalStore) loadLocked(date string) (UsageDelta, error) {
	data, err := os.ReadFile(s.deltaPath(date))
	if err != nil {
		if os.IsNotExist(err) {
			return UsageDelta{}, nil
		}
		return UsageDelta{}, errors.NotRetriable("read usage delta", err).WithContext("date", date)
	}
	var delta UsageDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return UsageDelta{}, errors.NotRetriable("parse usage delta", err).WithContext("date", date)
	}
	return delta, nil
}

// Record applies fn to the current delta for date and persists the result,
// serialized by the store's mutex (the "recording path" in spec §4.6).
func (s *LocalStore) Record(date string, fn func(*UsageDelta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta, err := s.loadLocked(date)
	if err != nil {
		return err
	}
	fn(&delta)

	data, err := json.Marshal(delta)
	if err != nil {
		return errors.NotRetriable("marshal usage delta", err)
	}
	if err := os.WriteFile(s.deltaPath(date), data, 0o600); err != nil {
		return errors.NotRetriable("write usage delta", err).WithContext("date", date)
	}
	return nil
}

// Delete removes the delta file for date, used after a successful merge.
func (s *LocalStore) Delete(date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.deltaPath(date)); err != nil && !os.IsNotExist(err) {
		return errors.NotRetriable("delete usage delta", err).WithContext("date", date)
	}
	return nil
}

// ListDates returns every pending delta's date, ascending, for the startup
// flush (spec §4.6).
func (s *LocalStore) ListDates() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dataDir, deltaDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NotRetriable("list usage deltas", err)
	}

	dates := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		dates = append(dates, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(dates)
	return dates, nil
}

func (s *LocalStore) readState() (usageState, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return usageState{}, nil
		}
		return usageState{}, errors.NotRetriable("read usage state", err)
	}
	var state usageState
	if err := json.Unmarshal(data, &state); err != nil {
		return usageState{}, errors.NotRetriable("parse usage state", err)
	}
	return state, nil
}

func (s *LocalStore) writeState(state usageState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.NotRetriable("marshal usage state", err)
	}
	if err := os.WriteFile(s.statePath(), data, 0o600); err != nil {
		return errors.NotRetriable("write usage state", err)
	}
	return nil
}

// ReadState exposes the fast-path marker for MergeDay.
func (s *LocalStore) ReadState() (usageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readState()
}

// WriteState persists the fast-path marker after a successful merge.
func (s *LocalStore) WriteState(state usageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeState(state)
}
