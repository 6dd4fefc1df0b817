package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"hash"
	"time"

	"golang.org/x/crypto/blake2b"

	"agentcore/pkg/agent/llm"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned by Load and Delete for an unknown conversation id.
var ErrNotFound = errors.New("conversation not found")

// ErrDiverged is returned by Save when the stored history is not a prefix of
// the conversation being saved. Prefixes are compared by a BLAKE2b digest of
// every stored message's role and content.
var ErrDiverged = errors.New("stored conversation has diverged")

// Store saves and loads conversations. Messages are append-only, so Save
// writes only the messages not yet stored.
type Store struct {
	db *sql.DB
}

// Summary describes a stored conversation without its messages.
type Summary struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	ID        string
	Messages  int
}

// Open opens (and migrates) the conversation store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	fsys, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}
	db, err := OpenSQLite(ctx, path, fsys, "conversation_schema_version")
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Save persists conv in one transaction.
func (s *Store) Save(ctx context.Context, conv *llm.Conversation) error {
	msgs := conv.Messages()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		conv.ID(), conv.CreatedAt().UnixNano(), conv.UpdatedAt().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to upsert conversation %s: %w", conv.ID(), err)
	}

	var (
		stored int
		digest []byte
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(m.seq), c.history_digest
		FROM conversations c LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.id = ? GROUP BY c.id`, conv.ID(),
	).Scan(&stored, &digest); err != nil {
		return fmt.Errorf("failed to read stored history: %w", err)
	}
	if stored > len(msgs) {
		return fmt.Errorf("%w: %s has %d stored messages, %d in memory", ErrDiverged, conv.ID(), stored, len(msgs))
	}

	var prefix []byte
	encoded := make([]string, len(msgs))
	h := newHistoryHash()
	for i := range msgs {
		if i == stored {
			prefix = h.Sum(nil)
		}
		content, err := json.Marshal(msgs[i].Content)
		if err != nil {
			return fmt.Errorf("failed to encode message %d: %w", i, err)
		}
		encoded[i] = string(content)
		writeHistory(h, msgs[i].Role, encoded[i])
	}
	if stored == len(msgs) {
		prefix = h.Sum(nil)
	}
	// Rows written before the digest column existed have no digest to compare.
	if digest != nil && !bytes.Equal(digest, prefix) {
		return fmt.Errorf("%w: %s differs from its first %d stored messages", ErrDiverged, conv.ID(), stored)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, seq, role, content, token_estimate) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := stored; i < len(msgs); i++ {
		if _, err := stmt.ExecContext(ctx, conv.ID(), i, string(msgs[i].Role), encoded[i], msgs[i].TokenEstimate); err != nil {
			return fmt.Errorf("failed to insert message %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET history_digest = ? WHERE id = ?`, h.Sum(nil), conv.ID(),
	); err != nil {
		return fmt.Errorf("failed to update history digest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation %s: %w", conv.ID(), err)
	}
	return nil
}

// Load restores a conversation by id.
func (s *Store) Load(ctx context.Context, id string) (*llm.Conversation, error) {
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, token_estimate FROM messages
		WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []llm.Message
	for rows.Next() {
		var (
			role    string
			content string
			msg     llm.Message
		)
		if err := rows.Scan(&role, &content, &msg.TokenEstimate); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message content: %w", err)
		}
		msg.Role = llm.Role(role)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return llm.RestoreConversation(id, time.Unix(0, createdAt).UTC(), time.Unix(0, updatedAt).UTC(), msgs), nil
}

// List returns stored conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at, c.updated_at, COUNT(m.seq)
		FROM conversations c LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC, c.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var (
			sum                  Summary
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&sum.ID, &createdAt, &updatedAt, &sum.Messages); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		sum.CreatedAt = time.Unix(0, createdAt).UTC()
		sum.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", id, err)
	}
	return nil
}

func newHistoryHash() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only a key longer than 64 bytes fails.
		panic(err)
	}
	return h
}

// writeHistory feeds one message into h. Fields are NUL-terminated so
// boundaries between messages cannot shift.
func writeHistory(h hash.Hash, role llm.Role, content string) {
	_, _ = h.Write([]byte(role))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(content))
	_, _ = h.Write([]byte{0})
}
