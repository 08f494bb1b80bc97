// Package sourcemeta persists per-source run state: when a source last
// ran, how much it has processed, and the free-form checkpoint its next
// run resumes from. One JSON file per source, replaced atomically.
package sourcemeta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Metadata struct {
	Name                string            `json:"name"`
	LastSuccess         time.Time         `json:"last_success"`
	LastAttempt         time.Time         `json:"last_attempt"`
	TotalProcessed      int64             `json:"total_processed"`
	TotalFailed         int64             `json:"total_failed"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Checkpoint          map[string]string `json:"checkpoint,omitempty"`
}

// HasSucceeded reports whether the source has ever completed a run, which
// is what separates an initial pull from a resync.
func (m Metadata) HasSucceeded() bool {
	return !m.LastSuccess.IsZero()
}

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create source metadata dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Load returns the persisted record for name, or a zero-valued record if
// none exists yet.
func (s *Store) Load(name string) (Metadata, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{Name: name}, nil
		}
		return Metadata{}, fmt.Errorf("read source metadata %s: %w", name, err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode source metadata %s: %w", name, err)
	}
	return m, nil
}

func (s *Store) Save(m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode source metadata %s: %w", m.Name, err)
	}
	tmp := s.path(m.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write source metadata %s: %w", m.Name, err)
	}
	return os.Rename(tmp, s.path(m.Name))
}

// RecordSuccess stamps a completed run and replaces the checkpoint when a
// new one is supplied. A nil checkpoint preserves the previous cursor.
func (s *Store) RecordSuccess(name string, processed, failed int64, checkpoint map[string]string) error {
	m, err := s.Load(name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.LastSuccess = now
	m.LastAttempt = now
	m.TotalProcessed += processed
	m.TotalFailed += failed
	m.ConsecutiveFailures = 0
	if checkpoint != nil {
		m.Checkpoint = checkpoint
	}
	return s.Save(m)
}

// RecordFailure stamps an attempt without touching the last good
// checkpoint, so a retried run resumes from where the last success left
// off.
func (s *Store) RecordFailure(name string) error {
	m, err := s.Load(name)
	if err != nil {
		return err
	}
	m.LastAttempt = time.Now().UTC()
	m.ConsecutiveFailures++
	return s.Save(m)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}
