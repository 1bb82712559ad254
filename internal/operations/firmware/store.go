// Package firmware persists the attempt counter for in-flight firmware
// update operations, so a mapper restart mid-update can tell a fresh
// attempt from a retried one. Grounded on the original's firmware/
// per-operation entries (spec.md §6 "Persisted state") and adapted from
// internal/entitystore/snapshot's atomic rename-on-write JSONL pattern.
package firmware

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Attempt is the persisted state of one firmware update command.
type Attempt struct {
	CmdID   string `json:"cmdId"`
	Count   int    `json:"count"`
	InFlight bool  `json:"inFlight"`
}

// Store tracks firmware update attempts keyed by command id, persisted
// to a single JSON file so a restart can resume the count.
type Store struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Attempt
}

// Open loads path (if it exists) into a new Store; a missing file is
// not an error, it just starts empty.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]*Attempt{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open firmware attempt store %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse firmware attempt store %s: %w", path, err)
	}
	return s, nil
}

// NextAttempt increments cmdID's attempt count, marks it in-flight,
// persists the store and returns the new count (1 on the first attempt).
func (s *Store) NextAttempt(cmdID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[cmdID]
	if !ok {
		entry = &Attempt{CmdID: cmdID}
		s.entries[cmdID] = entry
	}
	entry.Count++
	entry.InFlight = true
	return entry.Count, s.persistLocked()
}

// Complete removes cmdID from the in-flight set once its operation has
// reached a terminal status.
func (s *Store) Complete(cmdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, cmdID)
	return s.persistLocked()
}

// InFlight lists command ids that were still in-flight the last time
// the store was persisted, so the caller can replay/fail them on
// startup.
func (s *Store) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id, entry := range s.entries {
		if entry.InFlight {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("marshal firmware attempt store: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".firmware-attempts-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp firmware attempt file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write firmware attempt file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close firmware attempt file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename firmware attempt file: %w", err)
	}
	return nil
}
