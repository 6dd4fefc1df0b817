package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps memories in a JSON file. Retrieval is keyword based: a
// memory matches when it contains any query word, and matches are ordered
// newest first.
type FileStore struct {
	path     string
	memories []Memory
	mu       sync.RWMutex
}

// NewFileStore loads path if it exists. An empty path keeps memories in process only.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading memory file %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.memories); err != nil {
			return nil, fmt.Errorf("parsing memory file %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *FileStore) Store(ctx context.Context, m Memory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := prepare(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.memories {
		if s.memories[i].ID == m.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
		}
	}
	next := append(s.memories[:len(s.memories):len(s.memories)], m)
	if err := writeJSON(s.path, next); err != nil {
		return err
	}
	s.memories = next
	return nil
}

func (s *FileStore) Retrieve(ctx context.Context, q Query) ([]Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := terms(q.Text)

	s.mu.RLock()
	matches := make([]Memory, 0, len(s.memories))
	for i := range s.memories {
		if len(words) == 0 || containsAny(document(&s.memories[i]), words) {
			matches = append(matches, clone(s.memories[i]))
		}
	}
	s.mu.RUnlock()

	sortRecent(matches)
	return truncate(matches, limitOf(q)), nil
}

// Close is a no-op; every Store call is already on disk.
func (s *FileStore) Close() error { return nil }

func containsAny(doc string, words []string) bool {
	have := make(map[string]struct{})
	for _, w := range terms(doc) {
		have[w] = struct{}{}
	}
	for _, w := range words {
		if _, ok := have[w]; ok {
			return true
		}
	}
	return false
}

func clone(m Memory) Memory {
	m.Findings = append([]string(nil), m.Findings...)
	return m
}

// writeJSON replaces path atomically. An empty path writes nothing.
func writeJSON(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding memories: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating memory directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing memory file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing memory file: %w", err)
	}
	return nil
}
