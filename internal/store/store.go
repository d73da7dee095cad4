// Package store provides crash-safe FairSurface checkpoint persistence using
// JSON files.
//
// The whole surface is stored as a single file: surface.json. Writes use
// atomic file replacement (write to .tmp, then rename) to prevent corruption
// from partial writes or crashes mid-save. The engine calls LoadSurface on
// startup to restore the fair-price model without a cold re-learn, and
// SaveSurface on shutdown; nothing saves in between.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"marketcore/pkg/coremodel"
)

// Store persists the fair-surface checkpoint to a JSON file in a designated
// directory. All operations are mutex-protected to prevent concurrent file
// corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory, creating it if
// necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveSurface atomically persists the fair-surface checkpoint. It writes to
// a .tmp file first, then renames over the target so the file is never left
// in a partial state.
func (s *Store) SaveSurface(cells map[string]coremodel.FairCell) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cells)
	if err != nil {
		return fmt.Errorf("marshal surface: %w", err)
	}

	path := s.surfacePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write surface: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSurface restores the fair-surface checkpoint from disk. Returns nil,
// nil if no checkpoint exists yet (fresh start).
func (s *Store) LoadSurface() (map[string]coremodel.FairCell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.surfacePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read surface: %w", err)
	}

	var cells map[string]coremodel.FairCell
	if err := json.Unmarshal(data, &cells); err != nil {
		return nil, fmt.Errorf("unmarshal surface: %w", err)
	}
	return cells, nil
}

func (s *Store) surfacePath() string {
	return filepath.Join(s.dir, "surface.json")
}
