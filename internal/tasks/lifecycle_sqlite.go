package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reasonhub/reasonhub/internal/observability"
)

// SQLiteLifecycleStore implements LifecycleStore against the embedded
// task_active/task_archive tables. It is the default backend; the
// CockroachStore above remains available for the scaled-out deployment of
// the scheduled-job Store.
type SQLiteLifecycleStore struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewSQLiteLifecycleStore opens (creating if needed) the SQLite lifecycle
// database at path and ensures its schema exists. path is typically
// MEMORY_DB_PATH.
func NewSQLiteLifecycleStore(path string, logger *observability.Logger) (*SQLiteLifecycleStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open lifecycle db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; WAL handles concurrent readers.

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &SQLiteLifecycleStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLifecycleStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS task_active (
	conversation_id TEXT NOT NULL,
	task_id         TEXT PRIMARY KEY,
	branch_id       TEXT,
	content         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	last_updated    TEXT NOT NULL,
	importance_score REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_task_active_conversation ON task_active(conversation_id, last_updated);

CREATE TABLE IF NOT EXISTS task_archive (
	conversation_id TEXT NOT NULL,
	task_id         TEXT PRIMARY KEY,
	branch_id       TEXT,
	content         TEXT NOT NULL,
	archived_at     TEXT NOT NULL,
	embedding_id    TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_archive_embedding ON task_archive(embedding_id);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteLifecycleStore) Close() error { return s.db.Close() }

// lifecycleContent is the JSON blob stored in task_active.content /
// task_archive.content.
type lifecycleContent struct {
	Status          LifecycleTaskStatus `json:"status"`
	Summary         string              `json:"summary"`
	UserText        string              `json:"user_text"`
	RequestID       string              `json:"request_id"`
	Result          json.RawMessage     `json:"result,omitempty"`
	Error           string              `json:"error,omitempty"`
	DurationSeconds float64             `json:"duration_s,omitempty"`
}

func (s *SQLiteLifecycleStore) StartTask(ctx context.Context, task *LifecycleTask) error {
	content, err := json.Marshal(lifecycleContent{
		Status:    LifecycleStatusRunning,
		Summary:   truncate(task.UserText, 200),
		UserText:  truncate(task.UserText, 500),
		RequestID: task.RequestID,
	})
	if err != nil {
		return fmt.Errorf("marshal task content: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_active (conversation_id, task_id, branch_id, content, created_at, last_updated, importance_score)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(task_id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			branch_id=excluded.branch_id,
			content=excluded.content,
			last_updated=excluded.last_updated
	`, task.ConversationID, task.TaskID, task.BranchID, string(content), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task_active: %w", err)
	}
	return nil
}

func (s *SQLiteLifecycleStore) FinishTask(ctx context.Context, conversationID, taskID string, status LifecycleTaskStatus, result json.RawMessage, taskErr string, duration time.Duration) error {
	row := s.db.QueryRowContext(ctx, `SELECT content FROM task_active WHERE task_id = ?`, taskID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrLifecycleTaskNotFound
		}
		return fmt.Errorf("read task_active: %w", err)
	}

	var content lifecycleContent
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return fmt.Errorf("unmarshal existing content: %w", err)
	}
	content.Status = status
	content.Result = result
	content.Error = taskErr
	content.DurationSeconds = duration.Seconds()

	encoded, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal updated content: %w", err)
	}

	importance := ImportanceScore(status, duration, len(result) > 0)
	_, err = s.db.ExecContext(ctx, `
		UPDATE task_active SET content = ?, last_updated = ?, importance_score = ?
		WHERE task_id = ?
	`, string(encoded), time.Now().UTC().Format(time.RFC3339Nano), importance, taskID)
	if err != nil {
		return fmt.Errorf("update task_active: %w", err)
	}
	return nil
}

func (s *SQLiteLifecycleStore) CheckAndFlush(ctx context.Context, conversationID string) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := time.Now().UTC().Add(-LifecycleExpiry).Format(time.RFC3339Nano)
	expired, err := archiveRows(ctx, tx, `
		SELECT conversation_id, task_id, branch_id, content FROM task_active
		WHERE conversation_id = ? AND created_at < ?
	`, conversationID, cutoff)
	if err != nil {
		return 0, 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_active WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
		return 0, 0, fmt.Errorf("count active: %w", err)
	}

	var evicted int
	if count > LifecycleActiveLimit {
		evicted, err = archiveRows(ctx, tx, `
			SELECT conversation_id, task_id, branch_id, content FROM task_active
			WHERE conversation_id = ?
			ORDER BY last_updated DESC
			LIMIT -1 OFFSET ?
		`, conversationID, LifecycleActiveLimit)
		if err != nil {
			return 0, 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit flush tx: %w", err)
	}
	if s.logger != nil && (expired > 0 || evicted > 0) {
		s.logger.Info(ctx, "task lifecycle flush", "conversation_id", conversationID, "expired", expired, "evicted", evicted)
	}
	return expired, evicted, nil
}

// archiveRows selects rows matching query/args, moves each into
// task_archive, and deletes it from task_active, all within tx.
func archiveRows(ctx context.Context, tx *sql.Tx, query string, args ...any) (int, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("select for archive: %w", err)
	}
	type row struct{ conversationID, taskID, branchID, content string }
	var toArchive []row
	for rows.Next() {
		var r row
		var branchID sql.NullString
		if err := rows.Scan(&r.conversationID, &r.taskID, &branchID, &r.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan archive candidate: %w", err)
		}
		r.branchID = branchID.String
		toArchive = append(toArchive, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range toArchive {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO task_archive (conversation_id, task_id, branch_id, content, archived_at, embedding_id)
			VALUES (?, ?, ?, ?, ?, NULL)
		`, r.conversationID, r.taskID, r.branchID, r.content, now); err != nil {
			return 0, fmt.Errorf("insert task_archive: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_active WHERE task_id = ?`, r.taskID); err != nil {
			return 0, fmt.Errorf("delete task_active: %w", err)
		}
	}
	return len(toArchive), nil
}

func (s *SQLiteLifecycleStore) ActiveContext(ctx context.Context, conversationID string) ([]*LifecycleTask, error) {
	var rows *sql.Rows
	var err error
	if conversationID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT conversation_id, task_id, branch_id, content, created_at, last_updated, importance_score
			FROM task_active WHERE conversation_id = ? ORDER BY last_updated DESC
		`, conversationID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT conversation_id, task_id, branch_id, content, created_at, last_updated, importance_score
			FROM task_active ORDER BY last_updated DESC LIMIT ?
		`, LifecycleActiveLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("query task_active: %w", err)
	}
	defer rows.Close()
	return scanLifecycleRows(rows, false)
}

func (s *SQLiteLifecycleStore) ActiveCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_active WHERE conversation_id = ?`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count task_active: %w", err)
	}
	return count, nil
}

func (s *SQLiteLifecycleStore) PendingEmbeddings(ctx context.Context, limit int) ([]*LifecycleTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, task_id, branch_id, content, archived_at, embedding_id
		FROM task_archive WHERE embedding_id IS NULL ORDER BY archived_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending embeddings: %w", err)
	}
	defer rows.Close()
	return scanLifecycleRows(rows, true)
}

func (s *SQLiteLifecycleStore) SetEmbeddingID(ctx context.Context, taskID, embeddingID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_archive SET embedding_id = ? WHERE task_id = ?`, embeddingID, taskID)
	if err != nil {
		return fmt.Errorf("set embedding id: %w", err)
	}
	return nil
}

// scanLifecycleRows scans either task_active rows (archived=false, 7
// columns incl. last_updated+importance_score) or task_archive rows
// (archived=true, 6 columns incl. archived_at+embedding_id).
func scanLifecycleRows(rows *sql.Rows, archived bool) ([]*LifecycleTask, error) {
	var out []*LifecycleTask
	for rows.Next() {
		t := &LifecycleTask{}
		var content string
		var branchID sql.NullString
		var timestamp string

		if archived {
			var embeddingID sql.NullString
			if err := rows.Scan(&t.ConversationID, &t.TaskID, &branchID, &content, &timestamp, &embeddingID); err != nil {
				return nil, fmt.Errorf("scan task_archive row: %w", err)
			}
			if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
				t.ArchivedAt = &ts
			}
			if embeddingID.Valid {
				id := embeddingID.String
				t.EmbeddingID = &id
			}
		} else {
			var created string
			if err := rows.Scan(&t.ConversationID, &t.TaskID, &branchID, &content, &created, &timestamp, &t.ImportanceScore); err != nil {
				return nil, fmt.Errorf("scan task_active row: %w", err)
			}
			if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
				t.CreatedAt = ts
			}
			if ts, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
				t.LastUpdated = ts
			}
		}
		t.BranchID = branchID.String

		var c lifecycleContent
		if err := json.Unmarshal([]byte(content), &c); err == nil {
			t.Status = c.Status
			t.Summary = c.Summary
			t.UserText = c.UserText
			t.RequestID = c.RequestID
			t.Result = c.Result
			t.Error = c.Error
			t.DurationSeconds = c.DurationSeconds
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
