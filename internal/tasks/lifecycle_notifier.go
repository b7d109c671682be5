package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// LifecycleNotifier adapts SQLiteLifecycleStore into orchestrator.TaskNotifier:
// one NotifyTurn call records a complete start-then-finish lifecycle entry,
// since by the time the orchestrator notifies, the turn has already run to
// completion (this is not the multi-step Scheduler's job, just a durable
// record of the turn for ActiveContext/ArchiveStale bookkeeping).
type LifecycleNotifier struct {
	Store  *SQLiteLifecycleStore
	Logger *slog.Logger
}

// NotifyTurn records the finished turn. Errors are logged, not returned,
// matching the orchestrator's fire-and-forget notification contract.
func (n *LifecycleNotifier) NotifyTurn(ctx context.Context, conversationID, branchID string, plan map[string]any, succeeded bool, errText string) {
	if n == nil || n.Store == nil {
		return
	}

	userText, _ := plan["user_text"].(string)
	taskID := uuid.NewString()

	task := &LifecycleTask{
		ConversationID: conversationID,
		BranchID:       branchID,
		TaskID:         taskID,
		UserText:       userText,
	}
	if err := n.Store.StartTask(ctx, task); err != nil {
		n.warn("start turn record failed: %v", err)
		return
	}

	status := LifecycleStatusCompleted
	if !succeeded {
		status = LifecycleStatusFailed
	}
	if err := n.Store.FinishTask(ctx, conversationID, taskID, status, nil, errText, 0); err != nil {
		n.warn("finish turn record failed: %v", err)
	}
}

func (n *LifecycleNotifier) warn(format string, args ...any) {
	if n.Logger == nil {
		return
	}
	n.Logger.Warn("lifecycle notifier: " + fmt.Sprintf(format, args...))
}
