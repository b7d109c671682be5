package thinking

import (
	"context"
	"testing"

	"github.com/reasonhub/reasonhub/internal/agent"
)

type stubProvider struct {
	chunks []*agent.CompletionChunk
}

func (s *stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	out := make(chan *agent.CompletionChunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out, nil
}
func (s *stubProvider) Name() string          { return "stub" }
func (s *stubProvider) Models() []agent.Model { return nil }
func (s *stubProvider) SupportsTools() bool   { return false }

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestLayer_Think_ParsesTerminalPlan(t *testing.T) {
	provider := &stubProvider{chunks: []*agent.CompletionChunk{
		{Text: `{"intent": "greet user", `},
		{Text: `"needs_memory": false}`},
	}}
	layer := &Layer{Provider: provider, Model: "thinker"}

	events, err := layer.Think(context.Background(), Request{UserText: "hi"})
	if err != nil {
		t.Fatalf("Think: %v", err)
	}

	results := collect(t, events)
	if len(results) != 3 {
		t.Fatalf("expected 2 chunks + done, got %d: %+v", len(results), results)
	}
	last := results[len(results)-1]
	if !last.Done || last.Plan["intent"] != "greet user" {
		t.Fatalf("got %+v", last)
	}
}

func TestLayer_Think_FallsBackToDefaultPlanOnUnparsable(t *testing.T) {
	provider := &stubProvider{chunks: []*agent.CompletionChunk{{Text: "not json at all ### nonsense"}}}
	layer := &Layer{Provider: provider, Model: "thinker"}

	events, err := layer.Think(context.Background(), Request{UserText: "hi"})
	if err != nil {
		t.Fatalf("Think: %v", err)
	}

	results := collect(t, events)
	last := results[len(results)-1]
	if !last.Done {
		t.Fatalf("expected terminal event, got %+v", last)
	}
	if last.Plan["needs_memory"] != false || last.Plan["hallucination_risk"] != "medium" {
		t.Fatalf("expected default plan, got %+v", last.Plan)
	}
}

func TestLayer_Think_PropagatesStreamError(t *testing.T) {
	provider := &stubProvider{chunks: []*agent.CompletionChunk{{Error: errBoom}}}
	layer := &Layer{Provider: provider, Model: "thinker"}

	events, err := layer.Think(context.Background(), Request{UserText: "hi"})
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	results := collect(t, events)
	if len(results) != 1 || results[0].Err != errBoom {
		t.Fatalf("got %+v", results)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

func TestExtractThinDetectionRules_KeepsOnlyAllowlistedBlocks(t *testing.T) {
	rules := `=== Tools ===
TOOL: memory_save(key, value)
do not overwrite existing keys
TOOL: websearch(query)
unsafe content goes here
TOOL: exec_in_container(cmd)
never run untrusted code`

	got := extractThinDetectionRules(rules, 40, 2000)
	if !containsAll(got, "memory_save", "exec_in_container") {
		t.Fatalf("expected allowlisted blocks kept, got %q", got)
	}
	if containsAll(got, "websearch") {
		t.Fatalf("expected non-allowlisted block dropped, got %q", got)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestBuildPrompt_GroupsToolsByCategory(t *testing.T) {
	req := Request{
		UserText: "find a file",
		Tools: []ToolSummary{
			{Name: "read", Category: "fs"},
			{Name: "websearch", Category: "web"},
		},
	}
	prompt := BuildPrompt(req)
	if !contains(prompt, "fs: read") || !contains(prompt, "web: websearch") {
		t.Fatalf("got %q", prompt)
	}
}
