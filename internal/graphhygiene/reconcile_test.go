package graphhygiene

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestReconcile_ClassifiesAndDeletesStaleNodesOnApply(t *testing.T) {
	truthDB, truthMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock truth: %v", err)
	}
	defer truthDB.Close()

	graphDB, graphMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock graph: %v", err)
	}
	defer graphDB.Close()

	truthMock.ExpectQuery("SELECT id FROM blueprints").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bp-healthy"))

	graphMock.ExpectQuery("SELECT id, content, metadata FROM graph_nodes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "content", "metadata"}).
			AddRow("1", "bp-healthy: deploy a sandbox", `{"blueprint_id":"bp-healthy"}`).
			AddRow("2", "bp-gone: old blueprint", `{"blueprint_id":"bp-gone"}`).
			AddRow("3", "bp-tomb: tombstoned one", `{"blueprint_id":"bp-tomb","is_deleted":true}`).
			AddRow("4", "no prefix at all", `{}`))

	graphMock.ExpectBegin()
	graphMock.ExpectExec("DELETE FROM graph_nodes WHERE id IN").
		WillReturnResult(sqlmock.NewResult(0, 3))
	graphMock.ExpectExec("DELETE FROM embeddings WHERE node_id IN").
		WillReturnResult(sqlmock.NewResult(0, 0))
	graphMock.ExpectCommit()

	report, err := Reconcile(context.Background(), ReconcileStore{Truth: truthDB, Graph: graphDB}, false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if report.ActiveInStore != 1 || report.GraphNodesTotal != 4 {
		t.Fatalf("got %+v", report)
	}
	if len(report.StaleNodes) != 3 {
		t.Fatalf("expected 3 stale nodes, got %+v", report.StaleNodes)
	}
	if report.Removed != 3 {
		t.Fatalf("expected 3 removed, got %d", report.Removed)
	}
	if report.DryRun {
		t.Fatal("expected DryRun=false")
	}

	byID := map[string]StaleNode{}
	for _, s := range report.StaleNodes {
		byID[s.NodeID] = s
	}
	if byID["2"].Reason != StaleNotInActive {
		t.Fatalf("node 2: got %+v", byID["2"])
	}
	if byID["3"].Reason != StaleTombstoned {
		t.Fatalf("node 3: got %+v", byID["3"])
	}
	if byID["4"].Reason != StaleUnparseable {
		t.Fatalf("node 4: got %+v", byID["4"])
	}

	if err := truthMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("truth expectations: %v", err)
	}
	if err := graphMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("graph expectations: %v", err)
	}
}

func TestReconcile_DryRunNeverDeletes(t *testing.T) {
	truthDB, truthMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock truth: %v", err)
	}
	defer truthDB.Close()

	graphDB, graphMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock graph: %v", err)
	}
	defer graphDB.Close()

	truthMock.ExpectQuery("SELECT id FROM blueprints").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	graphMock.ExpectQuery("SELECT id, content, metadata FROM graph_nodes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "content", "metadata"}).
			AddRow("1", "bp-x: something", `{"blueprint_id":"bp-x"}`))

	report, err := Reconcile(context.Background(), ReconcileStore{Truth: truthDB, Graph: graphDB}, true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.DryRun {
		t.Fatal("expected DryRun=true")
	}
	if report.Removed != 0 {
		t.Fatalf("dry-run must not delete anything, got removed=%d", report.Removed)
	}
	if len(report.StaleNodes) != 1 {
		t.Fatalf("expected 1 stale node, got %+v", report.StaleNodes)
	}

	if err := graphMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("graph expectations (no DELETE expected): %v", err)
	}
}

func TestReconcile_CleanIndexReportsNoStaleNodes(t *testing.T) {
	truthDB, truthMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock truth: %v", err)
	}
	defer truthDB.Close()

	graphDB, graphMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock graph: %v", err)
	}
	defer graphDB.Close()

	truthMock.ExpectQuery("SELECT id FROM blueprints").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bp-1").AddRow("bp-2"))

	graphMock.ExpectQuery("SELECT id, content, metadata FROM graph_nodes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "content", "metadata"}).
			AddRow("1", "bp-1: x", `{"blueprint_id":"bp-1"}`).
			AddRow("2", "bp-2: y", `{"blueprint_id":"bp-2"}`))

	report, err := Reconcile(context.Background(), ReconcileStore{Truth: truthDB, Graph: graphDB}, false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.StaleNodes) != 0 || report.Removed != 0 {
		t.Fatalf("expected clean report, got %+v", report)
	}

	if err := graphMock.ExpectationsWereMet(); err != nil {
		t.Fatalf("graph expectations (no DELETE expected): %v", err)
	}
}
