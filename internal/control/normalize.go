package control

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/reasonhub/reasonhub/internal/planparser"
)

// ToolCall is a normalized, name-and-arguments tool invocation candidate
// produced from a thinking-layer plan before it reaches the hub.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// nativeTools are handled outside MCP discovery (fast-lane or built-in) and
// stay available even when the hub is unreachable.
var nativeTools = map[string]bool{
	"request_container": true, "stop_container": true, "exec_in_container": true,
	"blueprint_list": true, "container_stats": true, "container_logs": true,
	"home_read": true, "home_write": true, "home_list": true,
	"autonomous_skill_task": true, "run_skill": true, "create_skill": true,
	"list_skills": true, "get_skill_info": true, "validate_skill_code": true,
	"get_system_info": true, "get_system_overview": true,
}

// ToolAvailabilityChecker answers whether name is currently callable (the
// hub routes it, or it's a direct/fast-lane tool). Implementations must
// fail closed: any discovery error should be treated as unavailable.
type ToolAvailabilityChecker interface {
	IsToolAvailable(ctx context.Context, name string) bool
}

// IsToolAvailable checks name against the native allowlist before
// delegating to checker. A nil checker is treated as fail-closed for any
// non-native tool.
func IsToolAvailable(ctx context.Context, checker ToolAvailabilityChecker, name string) bool {
	if name == "" {
		return false
	}
	if nativeTools[name] {
		return true
	}
	if checker == nil {
		return false
	}
	return checker.IsToolAvailable(ctx, name)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{1,63}$`)

var kvNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)"tool"\s*:\s*"([A-Za-z][A-Za-z0-9_]{1,63})"`),
	regexp.MustCompile(`(?i)'tool'\s*:\s*'([A-Za-z][A-Za-z0-9_]{1,63})'`),
	regexp.MustCompile(`(?i)"name"\s*:\s*"([A-Za-z][A-Za-z0-9_]{1,63})"`),
	regexp.MustCompile(`(?i)'name'\s*:\s*'([A-Za-z][A-Za-z0-9_]{1,63})'`),
	regexp.MustCompile(`(?i)\btool\s*[:=]\s*"?([A-Za-z][A-Za-z0-9_]{1,63})"?`),
	regexp.MustCompile(`(?i)\bname\s*[:=]\s*"?([A-Za-z][A-Za-z0-9_]{1,63})"?`),
}

var quotedNamePattern = regexp.MustCompile(`["'` + "`" + `]\s*([A-Za-z][A-Za-z0-9_]{1,63})\s*["'` + "`" + `]`)
var callSyntaxPattern = regexp.MustCompile(`\b([A-Za-z][A-Za-z0-9_]{1,63})\s*\(`)
var tokenPattern = regexp.MustCompile(`\b([A-Za-z][A-Za-z0-9_]{2,63})\b`)
var leadingPunctuation = regexp.MustCompile(`^[-*#/\s]+`)

func cleanCandidate(candidate string) string {
	candidate = strings.Trim(strings.TrimSpace(candidate), "`\"'.,:;!?()[]{}")
	if candidate == "" {
		return ""
	}
	if identifierPattern.MatchString(candidate) {
		return strings.ToLower(candidate)
	}
	return ""
}

// SanitizeToolName extracts a clean tool identifier from noisy model
// output: plain tokens, quoted names, key/value fragments ("tool": "x"),
// call syntax ("x(...)"), and as a last resort a snake_case token. Prose
// lines with spaces and no other signal yield "" rather than a guess.
func SanitizeToolName(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	if direct := cleanCandidate(text); direct != "" {
		return direct
	}

	for _, pattern := range kvNamePatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			if cleaned := cleanCandidate(m[1]); cleaned != "" {
				return cleaned
			}
		}
	}

	for _, m := range quotedNamePattern.FindAllStringSubmatch(text, -1) {
		if cleaned := cleanCandidate(m[1]); cleaned != "" {
			return cleaned
		}
	}

	if m := callSyntaxPattern.FindStringSubmatch(text); m != nil {
		if cleaned := cleanCandidate(m[1]); cleaned != "" {
			return cleaned
		}
	}

	for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
		if !strings.Contains(m[1], "_") {
			continue
		}
		if cleaned := cleanCandidate(m[1]); cleaned != "" {
			return cleaned
		}
	}

	if strings.Contains(text, " ") {
		return ""
	}

	return cleanCandidate(leadingPunctuation.ReplaceAllString(text, ""))
}

// NormalizeToolArguments accepts a map, a JSON-encoded string, or anything
// else (returning an empty map) so downstream code never branches on the
// raw shape the model emitted.
func NormalizeToolArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]any{}
		}
		parsed := planparser.Parse(nil, v, map[string]any{}, "control.tool_arguments")
		return parsed
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err == nil {
			return m
		}
	}
	return map[string]any{}
}
