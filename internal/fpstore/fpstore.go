// Package fpstore is the JSON-backed store of reviewer false-positive
// marks, keyed by "{detector_name}_{frame_id}_{take_id}". Writes use
// the same temp-file-then-rename convention as the cache disk tier.
package fpstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one false-positive mark against a Detection.
type Record struct {
	Reason    string    `json:"reason"`
	MarkedAt  time.Time `json:"marked_at"`
	MarkedBy  string    `json:"marked_by,omitempty"`
}

// Store holds false-positive marks, keyed by
// "{detector_name}_{frame_id}_{take_id}".
type Store struct {
	mu   sync.Mutex
	path string
	log  *log.Logger

	marks map[string][]Record
}

// Key builds the store's composite key for one detector/frame/take.
func Key(detectorName string, frameID, takeID int) string {
	return fmt.Sprintf("%s_%d_%d", detectorName, frameID, takeID)
}

// Open loads (or creates) the false-positive store backed by path.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{path: path, log: logger, marks: make(map[string][]Record)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fpstore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.marks); err != nil {
		s.log.Printf("[fpstore] %s corrupted, starting fresh: %v", path, err)
		s.marks = make(map[string][]Record)
	}
	return s, nil
}

// Mark records a false-positive mark and persists the store (atomic
// temp-file-then-rename, matching the cache disk tier's convention).
func (s *Store) Mark(detectorName string, frameID, takeID int, reason, markedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(detectorName, frameID, takeID)
	s.marks[key] = append(s.marks[key], Record{Reason: reason, MarkedAt: time.Now(), MarkedBy: markedBy})
	return s.saveLocked()
}

// IsFalsePositive reports whether any mark exists for the given key.
func (s *Store) IsFalsePositive(detectorName string, frameID, takeID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.marks[Key(detectorName, frameID, takeID)]
	return ok
}

// Records returns the marks recorded for the given key, if any.
func (s *Store) Records(detectorName string, frameID, takeID int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.marks[Key(detectorName, frameID, takeID)]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.marks, "", "  ")
	if err != nil {
		return fmt.Errorf("fpstore: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("fpstore: mkdir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("fpstore: write temp file: %w", err)
	}
	return os.Rename(tmp, s.path)
}
