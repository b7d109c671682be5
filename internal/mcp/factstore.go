package mcp

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteFactStore implements SystemFactStore against a small key/value
// table, following the same open/pragma/migrate shape as
// tasks.SQLiteLifecycleStore. It is the default backend for Registrar.Facts
// when no richer memory store is configured.
type SQLiteFactStore struct {
	db *sql.DB
}

// NewSQLiteFactStore opens (creating if needed) the facts database at path.
func NewSQLiteFactStore(path string) (*SQLiteFactStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open fact store db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &SQLiteFactStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteFactStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS system_facts (
	conversation_id TEXT NOT NULL,
	key             TEXT NOT NULL,
	value           TEXT NOT NULL,
	PRIMARY KEY (conversation_id, key)
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteFactStore) Close() error { return s.db.Close() }

// SaveFact upserts a fact for the given conversation.
func (s *SQLiteFactStore) SaveFact(ctx context.Context, conversationID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO system_facts (conversation_id, key, value) VALUES (?, ?, ?)
ON CONFLICT (conversation_id, key) DO UPDATE SET value = excluded.value
`, conversationID, key, value)
	if err != nil {
		return fmt.Errorf("save fact %q: %w", key, err)
	}
	return nil
}

// FetchMemory satisfies orchestrator.MemoryFetcher: it concatenates the
// system-scoped facts named by keys (tool overviews, usage guides,
// per-tool notes saved by Registrar) up to charCap characters. ok is false
// when none of the requested keys had a stored fact.
func (s *SQLiteFactStore) FetchMemory(ctx context.Context, keys []string, charCap int) (string, bool, error) {
	var b strings.Builder
	found := false
	for _, key := range keys {
		value, ok, err := s.LoadFact(ctx, SystemConversationID, key)
		if err != nil {
			return "", false, err
		}
		if !ok {
			continue
		}
		found = true
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(value)
	}
	text := b.String()
	if charCap > 0 && len(text) > charCap {
		text = text[:charCap]
	}
	return text, found, nil
}

// LoadFact reads a fact previously saved for the given conversation.
func (s *SQLiteFactStore) LoadFact(ctx context.Context, conversationID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_facts WHERE conversation_id = ? AND key = ?`,
		conversationID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load fact %q: %w", key, err)
	}
	return value, true, nil
}
