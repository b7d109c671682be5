package graphhygiene

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteActiveIDs is the default ActiveIDSource: it reads node ids present
// in a task_active-shaped table (see internal/tasks's lifecycle store),
// since a graph node backing an already-finished or evicted task is no
// longer a valid route target.
type SQLiteActiveIDs struct {
	db    *sql.DB
	query string
}

// NewSQLiteActiveIDs wraps an existing *sql.DB. query must return exactly
// one column of node ids considered active; callers typically pass
// "SELECT task_id FROM task_active" or a join against a dedicated
// graph_node_active table.
func NewSQLiteActiveIDs(db *sql.DB, query string) *SQLiteActiveIDs {
	return &SQLiteActiveIDs{db: db, query: query}
}

func (s *SQLiteActiveIDs) ActiveNodeIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("graphhygiene: query active ids: %w", err)
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("graphhygiene: scan active id: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graphhygiene: iterate active ids: %w", err)
	}
	return ids, nil
}
