package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/reasonhub/reasonhub/internal/tools/policy"
	"github.com/reasonhub/reasonhub/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool to the registry by its name.
// If a tool with the same name already exists, it is replaced (last registration wins).
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Execute runs a tool by name with the given JSON parameters.
// A missing tool or invalid parameters is reported through the result, never
// as a Go error, so callers can always surface a ToolResult to the model.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: fmt.Sprintf("Tool '%s' not found", name),
			IsError: true,
		}, nil
	}
	return tool.Execute(ctx, params)
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// Names returns the registered tool names, used by the hub to version the
// registry (hash of the sorted name set) before re-publishing tool metadata
// into the graph store.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []Tool) []Tool {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name()) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	return guard.Apply(toolName, result, resolver)
}

func guardToolResults(guard ToolResultGuard, toolCalls []models.ToolCall, results []models.ToolResult, resolver *policy.Resolver) []models.ToolResult {
	if !guard.active() {
		return results
	}
	if len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID != "" {
			namesByID[tc.ID] = tc.Name
		}
	}

	guarded := make([]models.ToolResult, len(results))
	for i, res := range results {
		toolName := namesByID[res.ToolCallID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].Name
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}

// resourceLock is a refcounted mutex for one resource key, reclaimed once no
// caller holds or awaits it.
type resourceLock struct {
	mu   sync.Mutex
	refs int
}

// ResourceLocks serializes fast-lane tool calls that touch the same
// resource (a file path, a conversation id, or "global:<tool>" for
// everything else) without imposing contention across unrelated keys.
type ResourceLocks struct {
	mu    sync.Mutex
	locks map[string]*resourceLock
}

// NewResourceLocks creates an empty per-resource lock manager.
func NewResourceLocks() *ResourceLocks {
	return &ResourceLocks{locks: make(map[string]*resourceLock)}
}

// Acquire blocks until the named resource is free, then returns a release
// function. An empty key is treated as unlocked (no-op release).
func (r *ResourceLocks) Acquire(key string) func() {
	if strings.TrimSpace(key) == "" {
		return func() {}
	}

	r.mu.Lock()
	lock := r.locks[key]
	if lock == nil {
		lock = &resourceLock{}
		r.locks[key] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// conversationIDKey is the context key carrying the active session id so
// the executor can derive a lock key for conversation-scoped tools without
// widening Execute's/ExecuteAll's signature.
type conversationIDKey struct{}

// WithConversationID attaches the session id to ctx for resource-lock
// derivation during tool execution.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	if conversationID == "" {
		return ctx
	}
	return context.WithValue(ctx, conversationIDKey{}, conversationID)
}

// ConversationIDFromContext returns the session id attached by
// WithConversationID, or "" if none was set.
func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationIDKey{}).(string)
	return id
}

// filePathFromToolInput extracts a "path" field from tool call parameters,
// the field name every file tool in internal/tools/files uses.
func filePathFromToolInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var parsed struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &parsed); err != nil {
		return ""
	}
	return parsed.Path
}

// ResourceKeyForTool derives the fast-lane lock key for a tool call: the
// file path for file tools, the conversation id for memory/workspace
// tools, and "global:<tool>" otherwise.
func ResourceKeyForTool(toolName string, conversationID string, filePath string) string {
	switch {
	case filePath != "":
		return "file:" + filePath
	case isConversationScopedTool(toolName) && conversationID != "":
		return "conv:" + conversationID
	default:
		return "global:" + toolName
	}
}

func isConversationScopedTool(toolName string) bool {
	switch {
	case strings.HasPrefix(toolName, "memory_"),
		strings.HasPrefix(toolName, "workspace_"):
		return true
	default:
		return false
	}
}
