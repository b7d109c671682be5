package main

import (
	"github.com/reasonhub/reasonhub/internal/profile"
	"github.com/spf13/cobra"
)

// =============================================================================
// Graph Hygiene Commands
// =============================================================================

// buildHygieneCmd creates the "hygiene" command group for blueprint graph
// index maintenance.
func buildHygieneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hygiene",
		Short: "Blueprint graph index maintenance",
		Long: `Reconcile the blueprint graph index against SQLite truth.

Over time, deleted or soft-deleted blueprints can leave stale nodes behind
in the graph index the blueprint router searches. This command finds and,
on request, removes them.`,
	}

	cmd.AddCommand(buildHygieneReconcileCmd())

	return cmd
}

func buildHygieneReconcileCmd() *cobra.Command {
	var (
		configPath  string
		truthDBPath string
		graphDBPath string
		apply       bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Find and optionally remove stale blueprint graph nodes",
		Long: `Compare the blueprint graph index against SQLite truth.

A graph node is stale when it is tombstoned in metadata, has no
resolvable blueprint_id, or its blueprint_id no longer appears in the
active (non-deleted) blueprint set.

Dry-run by default. Pass --apply to actually delete stale nodes.`,
		Example: `  # Preview what would be removed
  nexus hygiene reconcile

  # Actually remove stale nodes
  nexus hygiene reconcile --apply`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runHygieneReconcile(cmd, configPath, truthDBPath, graphDBPath, apply)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(), "Path to config file")
	cmd.Flags().StringVar(&truthDBPath, "truth-db", "", "Override the SQLite blueprint truth database path")
	cmd.Flags().StringVar(&graphDBPath, "graph-db", "", "Override the SQLite graph index database path")
	cmd.Flags().BoolVar(&apply, "apply", false, "Actually delete stale graph nodes (default: dry-run)")

	return cmd
}
