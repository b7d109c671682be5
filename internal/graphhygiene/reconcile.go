package graphhygiene

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// StaleReason explains why Reconcile flagged a graph node.
type StaleReason string

const (
	StaleTombstoned  StaleReason = "tombstoned"
	StaleUnparseable StaleReason = "unparseable_node"
	StaleNotInActive StaleReason = "not_in_active_set"
)

// StaleNode is one graph node Reconcile found to no longer correspond to a
// live blueprint.
type StaleNode struct {
	NodeID      string
	BlueprintID string
	Reason      StaleReason
}

// ReconcileReport is the result of one Reconcile run.
type ReconcileReport struct {
	ActiveInStore   int
	GraphNodesTotal int
	StaleNodes      []StaleNode
	Removed         int
	DryRun          bool
}

// ReconcileStore is the SQLite pair Reconcile needs: one connection holding
// the authoritative blueprint table, and one holding the graph_nodes /
// embeddings tables that mirror it. In this module's deployment both
// typically point at the same database, but the split matches how the
// hygiene pipeline already treats "active set" and "graph index" as
// independently sourced.
type ReconcileStore struct {
	Truth *sql.DB
	Graph *sql.DB
}

// blueprintsConversationID is the fixed conversation_id graph nodes backing
// blueprint routing are stored under.
const blueprintsConversationID = "_blueprints"

// Reconcile compares the blueprint graph index against SQLite truth and
// reports (and, unless dryRun, deletes) any node that no longer corresponds
// to a live blueprint: tombstoned via metadata, missing a parseable
// blueprint_id, or pointing at a blueprint_id no longer in the active set.
// Deletion also removes the node's embeddings row, matching how the graph
// index and its vectors are kept in lockstep everywhere else in this
// package. Deletion only ever runs when dryRun is false and there is at
// least one stale node.
func Reconcile(ctx context.Context, store ReconcileStore, dryRun bool) (ReconcileReport, error) {
	activeIDs, err := loadActiveBlueprintIDs(ctx, store.Truth)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("graphhygiene: load active blueprint ids: %w", err)
	}

	nodes, err := loadBlueprintGraphNodes(ctx, store.Graph)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("graphhygiene: load blueprint graph nodes: %w", err)
	}

	report := ReconcileReport{
		ActiveInStore:   len(activeIDs),
		GraphNodesTotal: len(nodes),
		DryRun:          dryRun,
	}

	var staleIDs []string
	for _, n := range nodes {
		reason, stale := classifyStale(n, activeIDs)
		if !stale {
			continue
		}
		report.StaleNodes = append(report.StaleNodes, StaleNode{
			NodeID:      n.NodeID,
			BlueprintID: n.BlueprintID,
			Reason:      reason,
		})
		staleIDs = append(staleIDs, n.NodeID)
	}

	if !dryRun && len(staleIDs) > 0 {
		removed, err := deleteGraphNodes(ctx, store.Graph, staleIDs)
		if err != nil {
			return report, fmt.Errorf("graphhygiene: delete stale graph nodes: %w", err)
		}
		report.Removed = removed
	}

	return report, nil
}

type graphNode struct {
	NodeID      string
	Content     string
	Meta        map[string]any
	BlueprintID string
}

func classifyStale(n graphNode, activeIDs map[string]bool) (StaleReason, bool) {
	if truthy(n.Meta["is_deleted"]) {
		return StaleTombstoned, true
	}
	if n.BlueprintID == "" {
		return StaleUnparseable, true
	}
	if !activeIDs[n.BlueprintID] {
		return StaleNotInActive, true
	}
	return "", false
}

func truthy(v any) bool {
	switch vv := v.(type) {
	case bool:
		return vv
	case string:
		return vv == "true" || vv == "1"
	case float64:
		return vv != 0
	default:
		return false
	}
}

// loadActiveBlueprintIDs returns the set of non-deleted blueprint ids.
func loadActiveBlueprintIDs(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM blueprints WHERE (is_deleted IS NULL OR is_deleted = 0)`)
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

// loadBlueprintGraphNodes returns every graph node filed under the
// blueprints conversation, resolving each node's blueprint_id from its
// metadata with a fallback to the node content's leading "id:" prefix —
// the same fallback ParseCandidate uses for search results from this same
// graph.
func loadBlueprintGraphNodes(ctx context.Context, db *sql.DB) ([]graphNode, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, content, metadata FROM graph_nodes WHERE conversation_id = ?`, blueprintsConversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []graphNode
	for rows.Next() {
		var id, content string
		var metaRaw sql.NullString
		if err := rows.Scan(&id, &content, &metaRaw); err != nil {
			return nil, err
		}

		meta := map[string]any{}
		if metaRaw.Valid && metaRaw.String != "" {
			_ = json.Unmarshal([]byte(metaRaw.String), &meta)
		}

		blueprintID := asString(meta["blueprint_id"])
		if blueprintID == "" {
			blueprintID = extractContentPrefix(content)
		}

		nodes = append(nodes, graphNode{
			NodeID:      id,
			Content:     content,
			Meta:        meta,
			BlueprintID: blueprintID,
		})
	}
	return nodes, rows.Err()
}

// deleteGraphNodes hard-deletes the given node ids from graph_nodes, then
// best-effort cleans their embeddings rows — an embeddings table may not
// exist or may use a different schema in every deployment, so that second
// delete's failure is swallowed rather than rolling back the first.
func deleteGraphNodes(ctx context.Context, db *sql.DB, nodeIDs []string) (int, error) {
	if len(nodeIDs) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(nodeIDs)), ",")
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM graph_nodes WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, err
	}

	_, _ = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM embeddings WHERE node_id IN (%s)`, placeholders), args...)

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}
