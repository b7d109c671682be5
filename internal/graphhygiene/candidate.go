// Package graphhygiene filters and deduplicates graph-search results before
// they reach a router or planner. Raw vector-search hits can carry stale
// duplicates (multiple updates to the same node) and can disagree with the
// authoritative active-task set held in SQLite; this package resolves both
// before a candidate is ever routed on.
package graphhygiene

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Candidate is one normalized graph-search hit.
type Candidate struct {
	BlueprintID string
	Score       float64
	Meta        map[string]any
	Content     string
	UpdatedAt   time.Time
	NodeID      string
}

// RawResult is the shape a graph-search backend returns: a flat map whose
// keys vary by source (metadata may arrive as a JSON string or a nested
// object, and the score may be called "similarity" or "score").
type RawResult map[string]any

var contentIDPrefix = regexp.MustCompile(`^([A-Za-z0-9_\-]+):`)

// ParseCandidate normalizes one raw search hit into a Candidate. The second
// return value reports whether the hit parsed cleanly enough to count as a
// real candidate; a false return means the caller should drop the hit
// before it's counted in a raw-candidate metric, matching the original's
// `_parse_candidate` returning None for a hit it can't make sense of — a
// JSON-string metadata field that fails to decode, or a blueprint id that
// can't be resolved from any of the fields, metadata, or content prefix.
func ParseCandidate(raw RawResult) (Candidate, bool) {
	c := Candidate{
		Content: asString(raw["content"]),
		NodeID:  firstNonEmpty(asString(raw["node_id"]), asString(raw["id"])),
	}

	meta, metaOK := parseMeta(raw["metadata"])
	if !metaOK {
		return Candidate{}, false
	}
	c.Meta = meta
	if c.Meta == nil {
		c.Meta = map[string]any{}
	}

	c.BlueprintID = firstNonEmpty(
		asString(raw["blueprint_id"]),
		asString(c.Meta["blueprint_id"]),
		extractContentPrefix(c.Content),
	)
	if c.BlueprintID == "" {
		return Candidate{}, false
	}

	c.Score = firstNonZeroFloat(asFloat(raw["similarity"]), asFloat(raw["score"]), asFloat(c.Meta["score"]))

	c.UpdatedAt = parseTime(firstNonEmpty(asString(raw["updated_at"]), asString(c.Meta["updated_at"])))

	return c, true
}

// parseMeta normalizes the "metadata" field into a map. The bool return is
// false only when metadata arrived as a non-empty string that failed to
// decode as JSON — a genuinely broken candidate, as opposed to a missing or
// already-structured metadata field (nil map, true).
func parseMeta(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case string:
		if strings.TrimSpace(m) == "" {
			return nil, true
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(m), &out); err != nil {
			return nil, false
		}
		return out, true
	case nil:
		return nil, true
	default:
		return nil, true
	}
}

func extractContentPrefix(content string) string {
	m := contentIDPrefix.FindStringSubmatch(strings.TrimSpace(content))
	if len(m) == 2 {
		return m[1]
	}
	return ""
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroFloat(values ...float64) float64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
