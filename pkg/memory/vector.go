package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/floats"
)

// Embedder maps text to a fixed-length vector.
type Embedder interface {
	Embed(text string) []float64
	Dimensions() int
}

// HashEmbedder embeds text with signed feature hashing over lowercase words.
// It needs no model and is deterministic, so rankings are reproducible.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder with dims dimensions (minimum 1).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims < 1 {
		dims = 1
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dimensions() int { return h.dims }

// Embed returns a unit vector, or the zero vector for text without words.
func (h *HashEmbedder) Embed(text string) []float64 {
	vec := make([]float64, h.dims)
	for _, word := range terms(text) {
		sum := blake2b.Sum256([]byte(word))
		idx := binary.LittleEndian.Uint64(sum[:8]) % uint64(h.dims)
		if sum[8]&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}
	if norm := floats.Norm(vec, 2); norm > 0 {
		floats.Scale(1/norm, vec)
	}
	return vec
}

type vectorEntry struct {
	memory Memory
	vector []float64
}

// VectorStore ranks memories by cosine similarity to the query. Ties break
// newest first, then by id. Memories with no similarity are not returned.
type VectorStore struct {
	embedder Embedder
	path     string
	entries  []vectorEntry
	mu       sync.RWMutex
}

// NewVectorStore loads memories from path (when set) and embeds them.
func NewVectorStore(path string, embedder Embedder) (*VectorStore, error) {
	if embedder == nil {
		return nil, errors.New("vector store requires an embedder")
	}
	s := &VectorStore{embedder: embedder, path: path}
	if path == "" {
		return s, nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	loaded, err := NewFileStore(path)
	if err != nil {
		return nil, err
	}
	for _, m := range loaded.memories {
		s.entries = append(s.entries, vectorEntry{memory: m, vector: embedder.Embed(document(&m))})
	}
	return s, nil
}

func (s *VectorStore) Store(ctx context.Context, m Memory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := prepare(m)
	if err != nil {
		return err
	}
	entry := vectorEntry{memory: m, vector: s.embedder.Embed(document(&m))}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].memory.ID == m.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
		}
	}
	next := append(s.entries[:len(s.entries):len(s.entries)], entry)
	if s.path != "" {
		all := make([]Memory, len(next))
		for i := range next {
			all[i] = next[i].memory
		}
		if err := writeJSON(s.path, all); err != nil {
			return err
		}
	}
	s.entries = next
	return nil
}

type scored struct {
	memory Memory
	score  float64
}

func (s *VectorStore) Retrieve(ctx context.Context, q Query) ([]Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if len(terms(q.Text)) == 0 {
		recent := make([]Memory, len(s.entries))
		for i := range s.entries {
			recent[i] = clone(s.entries[i].memory)
		}
		s.mu.RUnlock()
		sortRecent(recent)
		return truncate(recent, limitOf(q)), nil
	}

	query := s.embedder.Embed(q.Text)
	hits := make([]scored, 0, len(s.entries))
	for i := range s.entries {
		score := floats.Dot(query, s.entries[i].vector)
		if score > 0 {
			hits = append(hits, scored{memory: clone(s.entries[i].memory), score: score})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		a, b := &hits[i].memory, &hits[j].memory
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})

	limit := limitOf(q)
	out := make([]Memory, 0, min(limit, len(hits)))
	for i := 0; i < len(hits) && i < limit; i++ {
		out = append(out, hits[i].memory)
	}
	return out, nil
}

// Close is a no-op; every Store call is already on disk.
func (s *VectorStore) Close() error { return nil }
