// Package memory stores and retrieves prior agent assessments.
//
// Callers depend on Store only. Open picks the backend named in
// configuration, so swapping file, sqlite and vector storage needs no
// caller changes. Every backend is safe for concurrent use by several
// conversations.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"agentcore/pkg/config"
)

// DefaultLimit applies when a query leaves Limit unset.
const DefaultLimit = 10

// ErrInvalidMemory is returned by Store for a memory without a key or decision.
var ErrInvalidMemory = errors.New("invalid memory")

// ErrDuplicateID is returned when a memory id is stored twice.
var ErrDuplicateID = errors.New("memory id already stored")

// Memory is one stored assessment.
type Memory struct {
	Timestamp     time.Time `json:"timestamp"`
	ID            string    `json:"id"`
	Key           string    `json:"key"` // subject, e.g. a ticket or user id
	Decision      string    `json:"decision"`
	Justification string    `json:"justification,omitempty"`
	Findings      []string  `json:"findings,omitempty"`
}

// Query selects memories. An empty Text returns the most recent memories.
type Query struct {
	Text  string
	Limit int
}

// Store is the memory protocol.
type Store interface {
	Store(ctx context.Context, m Memory) error
	Retrieve(ctx context.Context, q Query) ([]Memory, error)
	Close() error
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.MemoryConfig) (Store, error) {
	switch cfg.Backend {
	case config.MemoryFile:
		return NewFileStore(cfg.Path)
	case config.MemorySQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	case config.MemoryVector:
		return NewVectorStore(cfg.Path, NewHashEmbedder(cfg.Dimensions))
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// prepare validates m and fills in a missing id and timestamp.
func prepare(m Memory) (Memory, error) {
	if strings.TrimSpace(m.Key) == "" {
		return m, fmt.Errorf("%w: key is required", ErrInvalidMemory)
	}
	if strings.TrimSpace(m.Decision) == "" {
		return m, fmt.Errorf("%w: decision is required", ErrInvalidMemory)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = m.Timestamp.UTC()
	m.Findings = append([]string(nil), m.Findings...)
	return m, nil
}

func limitOf(q Query) int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// terms splits text into lowercase words.
func terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// document is the searchable text of a memory.
func document(m *Memory) string {
	parts := make([]string, 0, 3+len(m.Findings))
	parts = append(parts, m.Key, m.Decision, m.Justification)
	parts = append(parts, m.Findings...)
	return strings.Join(parts, "\n")
}

// newerFirst orders by timestamp descending, then key, then id.
func newerFirst(a, b *Memory) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.ID < b.ID
}

func sortRecent(ms []Memory) {
	sort.SliceStable(ms, func(i, j int) bool { return newerFirst(&ms[i], &ms[j]) })
}

func truncate(ms []Memory, limit int) []Memory {
	if len(ms) > limit {
		ms = ms[:limit]
	}
	return ms
}
