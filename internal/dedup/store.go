// Package dedup keeps a bounded map of content hashes already pushed
// through the pipeline so sources can skip unchanged items. Eviction is
// least-recently-touched; an evicted hash that reappears is treated as
// novel, which is acceptable because deterministic downstream IDs make a
// duplicate write a no-op.
package dedup

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Store struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, string]
	path     string
	capacity int
}

// New creates a store bounded to capacity entries, persisting to path on
// Flush. Any previously persisted entries are loaded; load failures are
// non-fatal and leave the store empty.
func New(path string, capacity int) (*Store, error) {
	cache, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	s := &Store{cache: cache, path: path, capacity: capacity}
	s.load()
	return s, nil
}

// Seen reports whether hash is currently tracked, refreshing its recency.
func (s *Store) Seen(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache.Get(hash)
	return ok
}

// Mark records hash with its first-seen metadata.
func (s *Store) Mark(hash, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(hash, metadata)
}

// CheckAndMark atomically tests and records hash. It returns true when the
// hash was already present; exactly one of N concurrent callers with the
// same hash observes false.
func (s *Store) CheckAndMark(hash, metadata string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(hash); ok {
		return true
	}
	s.cache.Add(hash, metadata)
	return false
}

func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Clear drops all entries. Test use only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

// Flush rewrites the persistence file with the current entries, one
// tab-separated hash/metadata pair per line, oldest first.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create dedup dir: %w", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create dedup checkpoint: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, hash := range s.cache.Keys() {
		meta, _ := s.cache.Peek(hash)
		fmt.Fprintf(w, "%s\t%s\n", hash, meta)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write dedup checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close dedup checkpoint: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) load() {
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("dedup checkpoint unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}
	defer f.Close()

	loaded, discarded := 0, 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		hash, meta, ok := strings.Cut(line, "\t")
		if !ok || hash == "" {
			discarded++
			continue
		}
		if loaded >= s.capacity {
			discarded++
			continue
		}
		s.cache.Add(hash, meta)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("dedup checkpoint partially read", "path", s.path, "loaded", loaded, "error", err)
	}
	if discarded > 0 {
		slog.Info("dedup checkpoint entries discarded", "path", s.path, "discarded", discarded)
	}
	slog.Info("dedup checkpoint loaded", "path", s.path, "entries", loaded)
}
