package tasks

import (
	"context"
	"testing"
)

func TestLifecycleNotifier_NotifyTurn_RecordsCompletedTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestLifecycleStore(t)
	notifier := &LifecycleNotifier{Store: store}

	notifier.NotifyTurn(ctx, "conv-1", "", map[string]any{"user_text": "hello"}, true, "")

	active, err := store.ActiveContext(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ActiveContext: %v", err)
	}
	if len(active) != 1 || active[0].Status != LifecycleStatusCompleted {
		t.Fatalf("expected one completed task, got %+v", active)
	}
}

func TestLifecycleNotifier_NotifyTurn_RecordsFailedTurn(t *testing.T) {
	ctx := context.Background()
	store := newTestLifecycleStore(t)
	notifier := &LifecycleNotifier{Store: store}

	notifier.NotifyTurn(ctx, "conv-1", "branch-1", map[string]any{"user_text": "hello"}, false, "boom")

	active, err := store.ActiveContext(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ActiveContext: %v", err)
	}
	if len(active) != 1 || active[0].Status != LifecycleStatusFailed {
		t.Fatalf("expected one failed task, got %+v", active)
	}
}

func TestLifecycleNotifier_NotifyTurn_NilStoreIsNoop(t *testing.T) {
	var n *LifecycleNotifier
	n.NotifyTurn(context.Background(), "conv-1", "", nil, true, "")

	empty := &LifecycleNotifier{}
	empty.NotifyTurn(context.Background(), "conv-1", "", nil, true, "")
}
