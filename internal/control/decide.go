package control

import (
	"context"
	"strings"
)

// SuggestedTool is one entry of a plan's suggested_tools list, in whatever
// shape the thinking layer emitted it (name/tool key, args/arguments key,
// or a single-key shorthand like {"web_search": {...}}).
type SuggestedTool struct {
	Name      string
	Arguments any
}

// NormalizeSuggestedTools converts a raw plan's suggested_tools slice into
// clean {name, arguments} pairs, sanitizing names and accepting either an
// explicit name/args pair or the single-key shorthand.
func NormalizeSuggestedTools(raw []any) []ToolCall {
	out := make([]ToolCall, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case map[string]any:
			name := firstNonEmpty(asString(v["tool"]), asString(v["name"]))
			args := NormalizeToolArguments(v["args"])
			if len(args) == 0 {
				args = NormalizeToolArguments(v["arguments"])
			}
			if name == "" && len(v) == 1 {
				for k, val := range v {
					name = SanitizeToolName(k)
					if len(args) == 0 {
						args = NormalizeToolArguments(val)
					}
				}
			} else {
				name = SanitizeToolName(name)
			}
			if name != "" {
				out = append(out, ToolCall{Name: name, Arguments: args})
			}
		default:
			if name := SanitizeToolName(asString(v)); name != "" {
				out = append(out, ToolCall{Name: name, Arguments: map[string]any{}})
			}
		}
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// DecideTools is the deterministic tool-decision fallback used when the
// plan already carries suggested_tools: normalize names, drop unavailable
// or duplicate tools (fail-closed), and fill the two arguments every tool
// needs to avoid a no-op call.
func DecideTools(ctx context.Context, checker ToolAvailabilityChecker, userText string, suggestedTools []any) []ToolCall {
	candidates := NormalizeSuggestedTools(suggestedTools)
	if len(candidates) == 0 {
		return nil
	}

	decided := make([]ToolCall, 0, len(candidates))
	seen := map[string]bool{}

	for _, c := range candidates {
		if c.Name == "" || seen[c.Name] {
			continue
		}
		if !IsToolAvailable(ctx, checker, c.Name) {
			continue
		}
		args, _ := c.Arguments.(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		switch c.Name {
		case "analyze":
			if strings.TrimSpace(asString(args["query"])) == "" {
				args["query"] = strings.TrimSpace(userText)
			}
		case "think":
			if strings.TrimSpace(asString(args["message"])) == "" {
				args["message"] = strings.TrimSpace(userText)
			}
		}
		decided = append(decided, ToolCall{Name: c.Name, Arguments: args})
		seen[c.Name] = true
	}
	return decided
}

// VerifiedPlan is an immutable plan view after control-layer corrections
// have been applied. Callers must not mutate Raw after construction.
type VerifiedPlan struct {
	Raw              map[string]any
	Verified         bool
	FinalInstruction string
	Warnings         []string
}

// Corrections holds the nullable correction fields a verification pass may
// return; a nil field means "leave the plan's existing value".
type Corrections struct {
	NeedsMemory       *bool
	MemoryKeys        []string
	HallucinationRisk *string
	NewFactKey        *string
	NewFactValue      *string
}

// Verification is the full output of a control-layer verification pass.
type Verification struct {
	Approved         bool
	Corrections      Corrections
	Warnings         []string
	FinalInstruction string
}

// DefaultVerification is the conservative fallback used when model-based
// verification fails or times out: approve as-is, but warn the output
// layer that the control layer degraded.
func DefaultVerification() Verification {
	return Verification{
		Approved:         true,
		Warnings:         []string{"control layer fallback"},
		FinalInstruction: "answer carefully",
	}
}

// ApplyCorrections merges non-nil correction fields into a copy of plan
// and stamps verification metadata, producing the VerifiedPlan the output
// layer consumes. plan is never mutated.
func ApplyCorrections(plan map[string]any, v Verification) VerifiedPlan {
	corrected := make(map[string]any, len(plan)+4)
	for k, val := range plan {
		corrected[k] = val
	}

	if v.Corrections.NeedsMemory != nil {
		corrected["needs_memory"] = *v.Corrections.NeedsMemory
	}
	if v.Corrections.MemoryKeys != nil {
		corrected["memory_keys"] = v.Corrections.MemoryKeys
	}
	if v.Corrections.HallucinationRisk != nil {
		corrected["hallucination_risk"] = *v.Corrections.HallucinationRisk
	}
	if v.Corrections.NewFactKey != nil {
		corrected["new_fact_key"] = *v.Corrections.NewFactKey
	}
	if v.Corrections.NewFactValue != nil {
		corrected["new_fact_value"] = *v.Corrections.NewFactValue
	}

	corrected["_verified"] = true
	corrected["_final_instruction"] = v.FinalInstruction
	corrected["_warnings"] = v.Warnings

	return VerifiedPlan{
		Raw:              corrected,
		Verified:         true,
		FinalInstruction: v.FinalInstruction,
		Warnings:         v.Warnings,
	}
}
