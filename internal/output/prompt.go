// Package output implements the final pipeline stage: turning a verified
// plan plus gathered memory/tool context into the model-facing system
// prompt and message list, then streaming the reply. Tool results reach the
// model exactly once, folded into the system prompt's context block — the
// user message carries only the user's own text.
package output

import (
	"strings"

	ctxwindow "github.com/reasonhub/reasonhub/internal/context"
)

// defaultContextTokenBudget bounds ContextText before it reaches the
// system prompt when a request doesn't set its own ContextTokenBudget.
const defaultContextTokenBudget = 6000

// defaultHistoryTokenBudget bounds the chat-history window BuildMessages
// assembles when a request doesn't set its own HistoryTokenBudget.
const defaultHistoryTokenBudget = 4000

// Request is everything the output layer needs for one turn.
type Request struct {
	Persona                   string
	UserText                  string
	VerifiedPlan              map[string]any
	ContextText               string // single channel for memory + tool results
	ContextRequiredButMissing bool
	ChatHistory               []HistoryMessage
	ContextTokenBudget        int // 0 uses defaultContextTokenBudget
	HistoryTokenBudget        int // 0 uses defaultHistoryTokenBudget
}

// truncateContext caps req.ContextText at its token budget using the same
// window/truncation machinery the rest of the codebase uses for chat
// history, rather than a one-off character slice.
func truncateContext(req Request) string {
	if req.ContextText == "" {
		return ""
	}
	budget := req.ContextTokenBudget
	if budget <= 0 {
		budget = defaultContextTokenBudget
	}
	if ctxwindow.EstimateTokens(req.ContextText) <= budget {
		return req.ContextText
	}
	maxChars := int(float64(budget) / ctxwindow.TokensPerChar)
	if maxChars <= 0 || maxChars >= len(req.ContextText) {
		return req.ContextText
	}
	return req.ContextText[:maxChars] + "\n...[truncated]"
}

// HistoryMessage is one prior turn, already resolved to a plain role/content
// pair (caller maps from whatever session/message type it uses).
type HistoryMessage struct {
	Role    string // "user" | "assistant"
	Content string
}

// BuildSystemPrompt assembles persona + tool-confidence framing +
// final-instruction + context block + warnings + style hint, in that order.
// It never injects ContextText more than once.
func BuildSystemPrompt(req Request) string {
	var parts []string
	if req.Persona != "" {
		parts = append(parts, req.Persona)
	}

	switch {
	case asString(req.VerifiedPlan["_tool_confidence"]) == "high":
		parts = append(parts, "\n### AVAILABLE DATA:\nReal tool results are present below. State them directly, without hedging.")
	case req.ContextRequiredButMissing:
		parts = append(parts, "\n### NO STORED DATA:\nThis information is not stored. Do not invent it — say so plainly.")
	}

	if needsChatHistory(req.VerifiedPlan) {
		parts = append(parts, "\n### CHAT HISTORY:\nAnswer using the preceding conversation.")
	}

	if instruction := asString(req.VerifiedPlan["_final_instruction"]); instruction != "" {
		parts = append(parts, "\n### INSTRUCTION:\n"+instruction)
	}

	if contextText := truncateContext(req); contextText != "" {
		if timeRef := asString(req.VerifiedPlan["time_reference"]); timeRef != "" {
			parts = append(parts, "\n### REQUIRED SOURCE (daily log):\n"+contextText)
			parts = append(parts, "Base your answer exclusively on this. Do not invent anything beyond it.")
		} else {
			parts = append(parts, "\n### KNOWN FACTS:\n"+contextText)
			parts = append(parts, "Use these facts.")
		}
	}

	if warnings := asStringSlice(req.VerifiedPlan["_warnings"]); len(warnings) > 0 {
		parts = append(parts, "\n### WARNINGS:")
		for _, w := range warnings {
			parts = append(parts, "- "+w)
		}
	}

	if style := asString(req.VerifiedPlan["suggested_response_style"]); style != "" {
		parts = append(parts, "\n### STYLE: Respond "+style+".")
	}

	return strings.Join(parts, "\n")
}

// BuildMessages composes a token-bounded history window (prior turns,
// excluding the in-flight one) plus the user's own text as the final
// message. The system prompt itself travels out-of-band via
// CompletionRequest.System — see BuildSystemPrompt — never as a message in
// this slice. History truncation uses internal/context's oldest-first
// truncator rather than a fixed message count, so a handful of very long
// turns don't blow the budget the same way ten short ones wouldn't.
func BuildMessages(req Request) []HistoryMessage {
	var messages []HistoryMessage

	if len(req.ChatHistory) > 1 {
		history := req.ChatHistory[:len(req.ChatHistory)-1]
		budget := req.HistoryTokenBudget
		if budget <= 0 {
			budget = defaultHistoryTokenBudget
		}
		ctxMessages := make([]ctxwindow.Message, 0, len(history))
		for _, h := range history {
			if h.Role != "user" && h.Role != "assistant" {
				continue
			}
			ctxMessages = append(ctxMessages, ctxwindow.Message{Role: h.Role, Content: h.Content})
		}
		kept, _ := ctxwindow.NewTruncator(ctxwindow.TruncateOldest, budget).Truncate(ctxMessages)
		for _, m := range kept {
			messages = append(messages, HistoryMessage{Role: m.Role, Content: m.Content})
		}
	}

	messages = append(messages, HistoryMessage{Role: "user", Content: req.UserText})
	return messages
}

func needsChatHistory(plan map[string]any) bool {
	v, _ := plan["needs_chat_history"].(bool)
	return v
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
