package memory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"agentcore/pkg/persistence"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteStore keeps memories in SQLite with an FTS5 index. Matches are
// ranked by bm25, then newest first, then id.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the memory database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = persistence.MemoryDSN
	}
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}
	db, err := persistence.OpenSQLite(ctx, path, fsys, "memory_schema_version")
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Store(ctx context.Context, m Memory) error {
	m, err := prepare(m)
	if err != nil {
		return err
	}
	findings, err := json.Marshal(m.Findings)
	if err != nil {
		return fmt.Errorf("encoding findings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, key, decision, justification, findings, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Key, m.Decision, m.Justification, string(findings), m.Timestamp.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
		}
		return fmt.Errorf("failed to store memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, q Query) ([]Memory, error) {
	words := terms(q.Text)

	var (
		rows *sql.Rows
		err  error
	)
	if len(words) == 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, key, decision, justification, findings, created_at FROM memories
			ORDER BY created_at DESC, key, id
			LIMIT ?`, limitOf(q))
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT m.id, m.key, m.decision, m.justification, m.findings, m.created_at
			FROM memories_fts JOIN memories m ON m.seq = memories_fts.rowid
			WHERE memories_fts MATCH ?
			ORDER BY bm25(memories_fts), m.created_at DESC, m.id
			LIMIT ?`, matchExpr(words), limitOf(q))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Memory
	for rows.Next() {
		var (
			m        Memory
			findings string
			created  int64
		)
		if err := rows.Scan(&m.ID, &m.Key, &m.Decision, &m.Justification, &findings, &created); err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(findings), &m.Findings); err != nil {
			return nil, fmt.Errorf("failed to decode findings: %w", err)
		}
		if len(m.Findings) == 0 {
			m.Findings = nil
		}
		m.Timestamp = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close memory database: %w", err)
	}
	return nil
}

// matchExpr ORs quoted terms so FTS5 operators in user text are inert.
func matchExpr(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}
