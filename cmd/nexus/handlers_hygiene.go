package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/reasonhub/reasonhub/internal/config"
	"github.com/reasonhub/reasonhub/internal/graphhygiene"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// =============================================================================
// Graph Hygiene Command Handlers
// =============================================================================

// runHygieneReconcile handles the hygiene reconcile command.
func runHygieneReconcile(cmd *cobra.Command, configPath, truthDBPathFlag, graphDBPathFlag string, apply bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	truthPath := cfg.GraphHygiene.Reconcile.TruthDBPath
	if truthDBPathFlag != "" {
		truthPath = truthDBPathFlag
	}
	graphPath := cfg.GraphHygiene.Reconcile.GraphDBPath
	if graphDBPathFlag != "" {
		graphPath = graphDBPathFlag
	}

	slog.Info("reconciling blueprint graph index",
		"mode", dryRunLabel(apply),
		"truth_db", truthPath,
		"graph_db", graphPath,
	)

	truthDB, err := sql.Open("sqlite", truthPath)
	if err != nil {
		return fmt.Errorf("open truth db: %w", err)
	}
	defer truthDB.Close()

	graphDB, err := sql.Open("sqlite", graphPath)
	if err != nil {
		return fmt.Errorf("open graph db: %w", err)
	}
	defer graphDB.Close()

	report, err := graphhygiene.Reconcile(cmd.Context(), graphhygiene.ReconcileStore{
		Truth: truthDB,
		Graph: graphDB,
	}, !apply)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	slog.Info("active blueprints in truth store", "count", report.ActiveInStore)
	slog.Info("graph nodes scanned", "count", report.GraphNodesTotal)

	if len(report.StaleNodes) == 0 {
		slog.Info("graph index is clean, no stale nodes found")
		return nil
	}

	for _, s := range report.StaleNodes {
		slog.Info("stale graph node",
			"action", dryRunAction(apply),
			"node_id", s.NodeID,
			"blueprint_id", s.BlueprintID,
			"reason", s.Reason,
		)
	}

	if apply {
		slog.Info("deleted stale graph nodes", "count", report.Removed)
	} else {
		slog.Info("dry-run complete, rerun with --apply to delete", "would_delete", len(report.StaleNodes))
	}

	return nil
}

func dryRunLabel(apply bool) string {
	if apply {
		return "apply"
	}
	return "dry-run"
}

func dryRunAction(apply bool) string {
	if apply {
		return "deleting"
	}
	return "would_delete"
}
