// Package planparser recovers a structured plan from raw LLM text output.
//
// Models asked to "respond only with JSON" routinely wrap it in prose,
// markdown fences, or emit near-JSON with trailing commas and unquoted
// keys. Parse runs a cascade of increasingly lossy strategies and falls
// back to a caller-supplied default rather than erroring, since a bad plan
// should degrade the turn, not abort it.
package planparser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/reasonhub/reasonhub/internal/observability"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
var unquotedKeyPattern = regexp.MustCompile(`(^|[{,]\s*)(\w+)(\s*):`)
var boolNullPattern = regexp.MustCompile(`\b(True|False|None)\b`)

var kvPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)"(\w+)"\s*:\s*"([^"]*)"`),
	regexp.MustCompile(`(?i)"(\w+)"\s*:\s*(true|false)`),
	regexp.MustCompile(`(?i)"(\w+)"\s*:\s*(-?\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)(\w+)\s*:\s*"([^"]*)"`),
	regexp.MustCompile(`(?i)(\w+)\s*:\s*(true|false)`),
}

// Parse recovers a map from raw, trying direct parsing, brace extraction,
// markdown-fence extraction, repair heuristics, and finally regex
// key/value extraction. def is deep-copied and returned unchanged if every
// strategy fails; ctx names the caller for logging ("thinking", "control").
func Parse(logger *observability.Logger, raw string, def map[string]any, callerCtx string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		warn(logger, callerCtx, "empty input, using default")
		return cloneMap(def)
	}

	if v, ok := tryUnmarshal(raw); ok {
		return v
	}

	if body, ok := extractBraces(raw); ok {
		if v, ok := tryUnmarshal(body); ok {
			return v
		}
	}

	if m := fencePattern.FindStringSubmatch(raw); m != nil {
		if v, ok := tryUnmarshal(m[1]); ok {
			return v
		}
	}

	if repaired, ok := repair(raw); ok {
		if v, ok := tryUnmarshal(repaired); ok {
			return v
		}
		var v map[string]any
		if err := json5.Unmarshal([]byte(repaired), &v); err == nil {
			return v
		}
	}

	if extracted := extractKeyValues(raw); len(extracted) > 0 {
		warnf(logger, callerCtx, "used regex extraction fallback")
		return extracted
	}

	warnf(logger, callerCtx, "all parsing strategies failed, raw=%s", previewString(raw, 200))
	return cloneMap(def)
}

// ParseArray recovers a []any from raw (e.g. memory_keys: ["a","b"]),
// falling back to comma-splitting a bare list and finally def.
func ParseArray(raw string, def []any) []any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return cloneSlice(def)
	}

	var direct any
	if err := json.Unmarshal([]byte(raw), &direct); err == nil {
		if arr, ok := direct.([]any); ok {
			return arr
		}
	}

	if body, ok := extractBrackets(raw); ok {
		var arr []any
		if err := json.Unmarshal([]byte(body), &arr); err == nil {
			return arr
		}
	}

	if strings.Contains(raw, ",") && !strings.Contains(raw, "[") {
		parts := strings.Split(raw, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			p = strings.Trim(strings.TrimSpace(p), `"'`)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	return cloneSlice(def)
}

func tryUnmarshal(s string) (map[string]any, bool) {
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func extractBraces(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

func extractBrackets(s string) (string, bool) {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// repair extracts the brace-delimited body and applies common fixups:
// trailing commas, unquoted keys, single-quote strings, and Python literal
// casing, mirroring the shape of "fast-JSON" these models actually emit.
func repair(s string) (string, bool) {
	body, ok := extractBraces(s)
	if !ok {
		return "", false
	}

	body = trailingCommaPattern.ReplaceAllString(body, "$1")

	if !strings.Contains(body, `"`) && strings.Contains(body, "'") {
		body = strings.ReplaceAll(body, "'", `"`)
	}

	body = unquotedKeyPattern.ReplaceAllString(body, `$1"$2"$3:`)
	body = boolNullPattern.ReplaceAllStringFunc(body, func(m string) string {
		switch m {
		case "True":
			return "true"
		case "False":
			return "false"
		default:
			return "null"
		}
	})

	return body, true
}

// extractKeyValues is the last-resort fallback: regex-scrapes "key": value
// pairs out of unstructured text, typed by shape (quoted string, bool,
// number).
func extractKeyValues(raw string) map[string]any {
	result := map[string]any{}
	for _, pattern := range kvPatterns {
		for _, m := range pattern.FindAllStringSubmatch(raw, -1) {
			key, value := m[1], m[2]
			switch {
			case strings.EqualFold(value, "true"):
				result[key] = true
			case strings.EqualFold(value, "false"):
				result[key] = false
			default:
				if n, err := strconv.ParseFloat(value, 64); err == nil && isNumericLiteral(value) {
					result[key] = n
				} else {
					result[key] = value
				}
			}
		}
	}
	return result
}

func isNumericLiteral(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && r != '.' && r != '-' {
			return false
		}
	}
	return s != "" && s != "-" && s != "."
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	copy(out, s)
	return out
}

func previewString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func warn(logger *observability.Logger, callerCtx, msg string) {
	if logger == nil {
		return
	}
	logger.Warn(context.Background(), "plan parser: "+msg, "context", callerCtx)
}

func warnf(logger *observability.Logger, callerCtx, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Warn(context.Background(), "plan parser: "+fmt.Sprintf(format, args...), "context", callerCtx)
}
