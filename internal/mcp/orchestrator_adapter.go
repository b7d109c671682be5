package mcp

import (
	"context"
	"strings"
	"sync"

	"github.com/reasonhub/reasonhub/internal/agent"
	"github.com/reasonhub/reasonhub/internal/control"
)

// OrchestratorTools adapts Manager into the shape the orchestrator package
// needs for direct (non-deep-loop) tool execution and availability
// checking: control.ToolAvailabilityChecker and orchestrator.ToolExecutor
// (matched structurally — orchestrator never imports this package).
type OrchestratorTools struct {
	Manager *Manager

	locksOnce sync.Once
	locks     *agent.ResourceLocks
}

// resourceLocks lazily builds the lock manager so a zero-value
// OrchestratorTools (used in tests) still works.
func (t *OrchestratorTools) resourceLocks() *agent.ResourceLocks {
	t.locksOnce.Do(func() {
		t.locks = agent.NewResourceLocks()
	})
	return t.locks
}

// IsToolAvailable reports whether name resolves to a connected MCP tool.
func (t *OrchestratorTools) IsToolAvailable(ctx context.Context, name string) bool {
	if t == nil || t.Manager == nil {
		return false
	}
	serverID, _ := t.Manager.FindTool(name)
	return serverID != ""
}

// ExecuteTools calls each decided tool against the server that owns it and
// concatenates the results into one context block for the output layer. A
// tool that resolves to no server, or that errors, contributes a note
// instead of aborting the remaining calls.
func (t *OrchestratorTools) ExecuteTools(ctx context.Context, calls []control.ToolCall) (string, error) {
	if t == nil || t.Manager == nil || len(calls) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, call := range calls {
		serverID, tool := t.Manager.FindTool(call.Name)
		if tool == nil {
			b.WriteString(call.Name + ": tool not available\n")
			continue
		}

		resourceKey := agent.ResourceKeyForTool(call.Name, agent.ConversationIDFromContext(ctx), filePathFromArguments(call.Arguments))
		release := t.resourceLocks().Acquire(resourceKey)
		result, err := t.Manager.CallTool(ctx, serverID, call.Name, call.Arguments)
		release()
		if err != nil {
			b.WriteString(call.Name + ": error: " + err.Error() + "\n")
			continue
		}

		content, isError := formatToolCallResult(result)
		if isError {
			b.WriteString(call.Name + ": error: " + content + "\n")
			continue
		}
		b.WriteString(call.Name + ": " + content + "\n")
	}

	return strings.TrimSpace(b.String()), nil
}

// filePathFromArguments extracts a "path" argument, the field name every
// file tool in internal/tools/files uses, for resource-lock derivation.
func filePathFromArguments(arguments map[string]any) string {
	path, _ := arguments["path"].(string)
	return path
}
