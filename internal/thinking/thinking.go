// Package thinking implements the first pipeline stage: turning raw user
// text plus a memory/tool preview into a streamed reasoning trace and a
// terminal structured plan.
package thinking

import (
	"context"
	"fmt"
	"strings"

	"github.com/reasonhub/reasonhub/internal/agent"
	"github.com/reasonhub/reasonhub/internal/observability"
	"github.com/reasonhub/reasonhub/internal/planparser"
)

// DetectionRulesMode controls how much of the tool-safety detection-rules
// text is injected into the thinking prompt.
type DetectionRulesMode string

const (
	DetectionRulesOff  DetectionRulesMode = "off"
	DetectionRulesThin DetectionRulesMode = "thin"
	DetectionRulesFull DetectionRulesMode = "full"
)

// thinToolAllowlist is the safety-critical subset of tools kept in "thin"
// detection-rules mode: anything that can persist a memory or touch a
// sandbox.
var thinToolAllowlist = map[string]bool{
	"memory_save": true, "memory_graph_search": true,
	"request_container": true, "stop_container": true, "exec_in_container": true,
}

// ToolSummary is a one-line description of an available tool, grouped by
// category for the thinking prompt's tool overview.
type ToolSummary struct {
	Name        string
	Category    string
	Description string
}

// Request bundles everything the thinking layer needs to draft a plan.
type Request struct {
	UserText       string
	MemoryPreview  string
	Tools          []ToolSummary
	DetectionRules string
	RulesMode      DetectionRulesMode
	RulesLineCap   int
	RulesCharCap   int
}

// DefaultPlan is returned whenever the model's output cannot be parsed
// into a usable plan. It is conservative: no memory, no tools, low
// complexity.
func DefaultPlan() map[string]any {
	return map[string]any{
		"intent":                     "",
		"needs_memory":               false,
		"memory_keys":                []any{},
		"needs_chat_history":         false,
		"is_fact_query":              false,
		"is_new_fact":                false,
		"new_fact_key":               nil,
		"new_fact_value":             nil,
		"hallucination_risk":         "medium",
		"suggested_response_style":   "concise",
		"needs_sequential_thinking":  false,
		"sequential_complexity":      0.0,
		"suggested_tools":            []any{},
		"reasoning_type":             "direct",
		"time_reference":             nil,
		"reasoning":                  "",
	}
}

// Event is one unit of thinking-layer streaming output: either a chunk of
// the reasoning trace, or the terminal plan.
type Event struct {
	ReasoningChunk string
	Done           bool
	Plan           map[string]any
	Err            error
}

// Layer drives the thinking model and parses its terminal JSON plan.
type Layer struct {
	Provider agent.LLMProvider
	Model    string
	Logger   *observability.Logger
}

// Think streams the model's reasoning and yields a terminal plan event.
// Parse failures degrade to DefaultPlan rather than surfacing an error, so
// a malformed model turn never aborts the pipeline.
func (l *Layer) Think(ctx context.Context, req Request) (<-chan Event, error) {
	prompt := BuildPrompt(req)

	completion, err := l.Provider.Complete(ctx, &agent.CompletionRequest{
		Model:     l.Model,
		System:    systemPrompt,
		Messages:  []agent.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: 800,
	})
	if err != nil {
		return nil, fmt.Errorf("thinking layer: start completion: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		var buf strings.Builder
		for chunk := range completion {
			if chunk.Error != nil {
				out <- Event{Err: chunk.Error}
				return
			}
			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
				select {
				case out <- Event{ReasoningChunk: chunk.Text}:
				case <-ctx.Done():
					return
				}
			}
		}
		plan := planparser.Parse(l.Logger, buf.String(), DefaultPlan(), "thinking")
		select {
		case out <- Event{Done: true, Plan: plan}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

const systemPrompt = `You are the thinking layer of a reasoning orchestrator.
Analyze the user's request and produce a plan as JSON only, no other text.

Respond with exactly this JSON shape:
{
  "intent": "what the user wants, briefly",
  "needs_memory": true/false,
  "memory_keys": ["key1"],
  "needs_chat_history": true/false,
  "is_fact_query": true/false,
  "is_new_fact": false,
  "new_fact_key": null,
  "new_fact_value": null,
  "hallucination_risk": "low/medium/high",
  "suggested_response_style": "concise/detailed",
  "needs_sequential_thinking": true/false,
  "sequential_complexity": 0,
  "suggested_tools": [],
  "reasoning_type": "causal/temporal/simulation/direct",
  "time_reference": null,
  "reasoning": "brief justification"
}`

// BuildPrompt composes the user-turn prompt: the request text, a memory
// preview, the tool overview (grouped by category), and detection rules
// per req.RulesMode.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(req.UserText)
	b.WriteString("\n\n")

	if req.MemoryPreview != "" {
		b.WriteString("Known memory:\n")
		b.WriteString(req.MemoryPreview)
		b.WriteString("\n\n")
	}

	if len(req.Tools) > 0 {
		b.WriteString("Available tools by category:\n")
		byCategory := map[string][]ToolSummary{}
		var order []string
		for _, t := range req.Tools {
			cat := t.Category
			if cat == "" {
				cat = "general"
			}
			if _, ok := byCategory[cat]; !ok {
				order = append(order, cat)
			}
			byCategory[cat] = append(byCategory[cat], t)
		}
		for _, cat := range order {
			b.WriteString("- " + cat + ": ")
			names := make([]string, 0, len(byCategory[cat]))
			for _, t := range byCategory[cat] {
				names = append(names, t.Name)
			}
			b.WriteString(strings.Join(names, ", "))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if rules := effectiveDetectionRules(req); rules != "" {
		b.WriteString("Safety-critical tool rules:\n")
		b.WriteString(rules)
		b.WriteString("\n")
	}

	return b.String()
}

func effectiveDetectionRules(req Request) string {
	switch req.RulesMode {
	case DetectionRulesFull:
		return req.DetectionRules
	case DetectionRulesThin:
		return extractThinDetectionRules(req.DetectionRules, req.RulesLineCap, req.RulesCharCap)
	default:
		return ""
	}
}

// extractThinDetectionRules keeps only the TOOL: blocks for the
// safety-critical subset of tools, capped at lineCap non-empty lines and
// charCap characters, so thin mode still covers the tools that can touch
// memory or a sandbox without paying the full prompt budget.
func extractThinDetectionRules(rules string, lineCap, charCap int) string {
	if lineCap <= 0 {
		lineCap = 40
	}
	if charCap <= 0 {
		charCap = 2000
	}

	var result []string
	inBlock := false
	nonEmpty := 0

	for _, line := range strings.Split(rules, "\n") {
		if strings.HasPrefix(line, "===") {
			result = append(result, line)
			continue
		}
		if strings.HasPrefix(line, "TOOL:") {
			name := strings.TrimSpace(strings.SplitN(strings.TrimPrefix(line, "TOOL:"), "(", 2)[0])
			inBlock = thinToolAllowlist[name]
		}
		if inBlock {
			result = append(result, line)
			if strings.TrimSpace(line) != "" {
				nonEmpty++
			}
		}
		if nonEmpty >= lineCap {
			break
		}
	}

	joined := strings.TrimSpace(strings.Join(result, "\n"))
	if len(joined) > charCap {
		joined = joined[:charCap]
	}
	return joined
}
