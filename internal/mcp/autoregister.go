package mcp

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// SystemFactStore persists short facts describing the current tool set so
// the thinking layer's memory preview and semantic search can surface them.
// A narrow interface, matching how internal/router and internal/orchestrator
// avoid a compile-time dependency on the concrete memory backend.
type SystemFactStore interface {
	SaveFact(ctx context.Context, conversationID, key, value string) error
	LoadFact(ctx context.Context, conversationID, key string) (string, bool, error)
}

// SystemConversationID is the fixed conversation id tool knowledge facts
// are filed under, mirroring the registry-wide "system" scope.
const SystemConversationID = "system"

const (
	factToolRegistryVersion = "tool_registry_version"
	factAvailableTools      = "available_mcp_tools"
	factUsageGuide          = "tool_usage_guide"
)

// Registrar auto-registers the Manager's discovered tools into a
// SystemFactStore, gated by a version hash of the current tool set so a
// container restart with an unchanged tool list never re-writes facts.
//
// Between two observed hub implementations with different re-registration
// behavior — one unconditional on every reload, one gated by a persisted
// version hash — this follows the version-hash-gated one: it is the only
// one that stays idempotent across repeated restarts with the same tool
// set, which the other variant's own comment names as its purpose.
type Registrar struct {
	Manager ToolSource
	Facts   SystemFactStore
}

// ToolSource is the subset of Manager's API Registrar needs. *Manager
// satisfies it; tests substitute a fake to avoid standing up real
// transports.
type ToolSource interface {
	AllTools() map[string][]*MCPTool
}

// Register computes the current tool-set version, compares it against what
// was last persisted, and — only on a mismatch — re-saves the tool
// overview, per-tool detail facts (skipping memory_-prefixed tools, which
// are always present and don't need their own fact), and the usage guide,
// finishing by persisting the new version. A store error or an absent
// Facts/Manager degrades to a no-op rather than blocking startup.
func (r *Registrar) Register(ctx context.Context) error {
	if r == nil || r.Manager == nil || r.Facts == nil {
		return nil
	}

	definitions := r.toolDefinitions()
	version := registryVersion(definitions)

	stored, ok, err := r.Facts.LoadFact(ctx, SystemConversationID, factToolRegistryVersion)
	if err == nil && ok && stored == version {
		return nil
	}

	if err := r.Facts.SaveFact(ctx, SystemConversationID, factAvailableTools, buildToolsOverview(definitions)); err != nil {
		return fmt.Errorf("mcp: register tools overview: %w", err)
	}

	for name, tool := range definitions {
		if strings.HasPrefix(name, "memory_") {
			continue
		}
		if err := r.Facts.SaveFact(ctx, SystemConversationID, "tool_"+name, buildToolInfo(name, tool)); err != nil {
			return fmt.Errorf("mcp: register tool %q: %w", name, err)
		}
	}

	if err := r.Facts.SaveFact(ctx, SystemConversationID, factUsageGuide, buildUsageGuide(definitions)); err != nil {
		return fmt.Errorf("mcp: register usage guide: %w", err)
	}

	return r.Facts.SaveFact(ctx, SystemConversationID, factToolRegistryVersion, version)
}

func (r *Registrar) toolDefinitions() map[string]*MCPTool {
	out := map[string]*MCPTool{}
	for _, tools := range r.Manager.AllTools() {
		for _, t := range tools {
			out[t.Name] = t
		}
	}
	return out
}

// registryVersion hashes the sorted tool name list so two Managers with the
// same tool set — regardless of discovery order — produce the same
// version, and any addition, removal, or rename changes it.
func registryVersion(definitions map[string]*MCPTool) string {
	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Strings(names)

	sum := md5.Sum([]byte(fmt.Sprintf("%d:%s", len(names), strings.Join(names, ","))))
	return hex.EncodeToString(sum[:])[:12]
}

func buildToolsOverview(definitions map[string]*MCPTool) string {
	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, name := range names {
		b.WriteString("- " + name + "\n")
	}
	return b.String()
}

func buildToolInfo(name string, tool *MCPTool) string {
	var b strings.Builder
	b.WriteString(name + ": " + tool.Description)
	return b.String()
}

func buildUsageGuide(definitions map[string]*MCPTool) string {
	return fmt.Sprintf("%d tools are available. Call them by name with the arguments their schema describes.", len(definitions))
}
