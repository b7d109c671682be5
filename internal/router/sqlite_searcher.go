package router

import (
	"context"
	"database/sql"
	"strings"

	"github.com/reasonhub/reasonhub/internal/graphhygiene"
)

// blueprintsConversationID is the fixed conversation_id graph nodes backing
// blueprint candidates are filed under — the same value
// internal/graphhygiene's reconciliation job uses for the same graph.
const blueprintsConversationID = "_blueprints"

// SQLiteSearcher implements Searcher and graphhygiene.ActiveIDSource against
// the same truth/graph SQLite databases the hygiene reconciliation job uses.
// It has no embedding model to call, so ranking is a plain word-overlap
// score against each node's content rather than vector similarity — good
// enough to separate a strong match from noise, not a production-grade
// semantic search.
type SQLiteSearcher struct {
	Truth *sql.DB
	Graph *sql.DB
}

var _ Searcher = (*SQLiteSearcher)(nil)
var _ graphhygiene.ActiveIDSource = (*SQLiteSearcher)(nil)

// SearchBlueprints scores every blueprint graph node by the fraction of the
// query's words it contains and returns the top `limit` by score.
func (s *SQLiteSearcher) SearchBlueprints(ctx context.Context, query string, limit int) ([]graphhygiene.RawResult, error) {
	rows, err := s.Graph.QueryContext(ctx, `SELECT id, content, metadata FROM graph_nodes WHERE conversation_id = ?`, blueprintsConversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	words := queryWords(query)

	type scored struct {
		result graphhygiene.RawResult
		score  float64
	}
	var candidates []scored

	for rows.Next() {
		var id, content string
		var metaRaw sql.NullString
		if err := rows.Scan(&id, &content, &metaRaw); err != nil {
			return nil, err
		}

		score := overlapScore(words, content)
		if score <= 0 {
			continue
		}

		result := graphhygiene.RawResult{
			"node_id":  id,
			"content":  content,
			"score":    score,
			"metadata": "",
		}
		if metaRaw.Valid {
			result["metadata"] = metaRaw.String
		}
		candidates = append(candidates, scored{result: result, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].score > candidates[i].score {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]graphhygiene.RawResult, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.result)
	}
	return out, nil
}

// ActiveNodeIDs returns the set of non-deleted blueprint ids from the truth
// store, matching internal/graphhygiene's own reconciliation query.
func (s *SQLiteSearcher) ActiveNodeIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.Truth.QueryContext(ctx, `SELECT id FROM blueprints WHERE (is_deleted IS NULL OR is_deleted = 0)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

func queryWords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := map[string]bool{}
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		words = append(words, f)
	}
	return words
}

func overlapScore(words []string, content string) float64 {
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}
