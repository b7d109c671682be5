package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/reasonhub/reasonhub/internal/agent"
	"github.com/reasonhub/reasonhub/internal/control"
	"github.com/reasonhub/reasonhub/internal/output"
	"github.com/reasonhub/reasonhub/internal/thinking"
)

type scriptedProvider struct {
	chunks []*agent.CompletionChunk
}

func (s *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	out := make(chan *agent.CompletionChunk, len(s.chunks))
	for _, c := range s.chunks {
		out <- c
	}
	close(out)
	return out, nil
}
func (s *scriptedProvider) Name() string          { return "stub" }
func (s *scriptedProvider) Models() []agent.Model { return nil }
func (s *scriptedProvider) SupportsTools() bool   { return false }

func planJSON(t *testing.T, plan map[string]any) string {
	t.Helper()
	b, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	return string(b)
}

type fakeMemory struct {
	text string
	ok   bool
	err  error
}

func (f fakeMemory) FetchMemory(ctx context.Context, keys []string, charCap int) (string, bool, error) {
	return f.text, f.ok, f.err
}

type fakeTools struct {
	contextText string
	calls       []control.ToolCall
}

func (f *fakeTools) ExecuteTools(ctx context.Context, calls []control.ToolCall) (string, error) {
	f.calls = calls
	return f.contextText, nil
}

type fakeDeepReasoner struct {
	answer string
	called bool
}

func (f *fakeDeepReasoner) Reason(ctx context.Context, userText string, plan map[string]any) (string, error) {
	f.called = true
	return f.answer, nil
}

type fakeNotifier struct {
	calls int
	last  bool
}

func (f *fakeNotifier) NotifyTurn(ctx context.Context, conversationID, branchID string, plan map[string]any, succeeded bool, errText string) {
	f.calls++
	f.last = succeeded
}

func basicPlan(overrides map[string]any) map[string]any {
	plan := thinking.DefaultPlan()
	for k, v := range overrides {
		plan[k] = v
	}
	return plan
}

func newTestOrchestrator(t *testing.T, thinkPlan map[string]any, outputText string, cfgMod func(*Config)) (*Orchestrator, *fakeNotifier) {
	t.Helper()
	thinkingLayer := &thinking.Layer{
		Provider: &scriptedProvider{chunks: []*agent.CompletionChunk{{Text: planJSON(t, thinkPlan)}}},
		Model:    "thinker",
	}
	outputLayer := &output.Layer{
		Provider: &scriptedProvider{chunks: []*agent.CompletionChunk{{Text: outputText}}},
		Model:    "outputter",
	}
	notifier := &fakeNotifier{}
	cfg := Config{
		Thinking: thinkingLayer,
		Output:   outputLayer,
		Tasks:    notifier,
	}
	if cfgMod != nil {
		cfgMod(&cfg)
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, notifier
}

func TestProcess_DirectPathReturnsOutputText(t *testing.T) {
	o, notifier := newTestOrchestrator(t, basicPlan(nil), "hello there", nil)

	resp, err := o.Process(context.Background(), Request{UserText: "hi"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text != "hello there" || resp.UsedDeepPath {
		t.Fatalf("got %+v", resp)
	}
	if notifier.calls != 1 || !notifier.last {
		t.Fatalf("expected one successful notification, got calls=%d last=%v", notifier.calls, notifier.last)
	}
}

func TestProcess_HighComplexityGoesDeep(t *testing.T) {
	deep := &fakeDeepReasoner{answer: "deep answer"}
	plan := basicPlan(map[string]any{"sequential_complexity": 9.0})
	o, notifier := newTestOrchestrator(t, plan, "should not be used", func(c *Config) {
		c.DeepReasoner = deep
	})

	resp, err := o.Process(context.Background(), Request{UserText: "solve this multi-step thing"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !deep.called || resp.Text != "deep answer" || !resp.UsedDeepPath {
		t.Fatalf("got %+v deepCalled=%v", resp, deep.called)
	}
	if notifier.calls != 1 || !notifier.last {
		t.Fatalf("got calls=%d last=%v", notifier.calls, notifier.last)
	}
}

func TestProcess_SequentialWithEnoughToolsGoesDeep(t *testing.T) {
	deep := &fakeDeepReasoner{answer: "deep answer"}
	checker := fakeChecker{"analyze": true, "think": true}
	plan := basicPlan(map[string]any{
		"needs_sequential_thinking": true,
		"suggested_tools":           []any{map[string]any{"tool": "analyze"}, map[string]any{"tool": "think"}},
	})
	o, _ := newTestOrchestrator(t, plan, "unused", func(c *Config) {
		c.DeepReasoner = deep
		c.ToolChecker = checker
	})

	resp, err := o.Process(context.Background(), Request{UserText: "x"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !deep.called || !resp.UsedDeepPath {
		t.Fatalf("expected deep handoff, got %+v", resp)
	}
}

type fakeChecker map[string]bool

func (f fakeChecker) IsToolAvailable(ctx context.Context, name string) bool {
	return f[name]
}

func TestProcess_DirectPathExecutesDecidedTools(t *testing.T) {
	tools := &fakeTools{contextText: "tool result: 42"}
	checker := fakeChecker{"analyze": true}
	plan := basicPlan(map[string]any{
		"suggested_tools": []any{map[string]any{"tool": "analyze"}},
	})
	o, _ := newTestOrchestrator(t, plan, "the answer is 42", func(c *Config) {
		c.Tools = tools
		c.ToolChecker = checker
	})

	resp, err := o.Process(context.Background(), Request{UserText: "what is the answer"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(tools.calls) != 1 || tools.calls[0].Name != "analyze" {
		t.Fatalf("expected tool executed, got %+v", tools.calls)
	}
	if resp.Text != "the answer is 42" {
		t.Fatalf("got %+v", resp)
	}
}

func TestProcess_MemoryFetchPopulatesContextRequiredButMissing(t *testing.T) {
	plan := basicPlan(map[string]any{
		"needs_memory": true,
		"memory_keys":  []any{"favorite_color"},
	})
	o, _ := newTestOrchestrator(t, plan, "answer", func(c *Config) {
		c.Memory = fakeMemory{text: "", ok: false}
	})

	resp, err := o.Process(context.Background(), Request{UserText: "what's my favorite color"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Text != "answer" {
		t.Fatalf("got %+v", resp)
	}
}

func TestProcess_ThinkingErrorNotifiesFailureAndReturnsError(t *testing.T) {
	notifier := &fakeNotifier{}
	thinkingLayer := &thinking.Layer{
		Provider: &scriptedProvider{chunks: []*agent.CompletionChunk{{Error: errBoom}}},
		Model:    "thinker",
	}
	outputLayer := &output.Layer{Provider: &scriptedProvider{}, Model: "outputter"}
	o, err := New(Config{Thinking: thinkingLayer, Output: outputLayer, Tasks: notifier})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, procErr := o.Process(context.Background(), Request{UserText: "hi"})
	if procErr == nil {
		t.Fatal("expected error")
	}
	if notifier.calls != 1 || notifier.last {
		t.Fatalf("expected one failed notification, got calls=%d last=%v", notifier.calls, notifier.last)
	}
}

var errBoom = &boomErr{}

type boomErr struct{}

func (*boomErr) Error() string { return "boom" }

func TestProcess_CriticalPolicyDeniesAutonomyAndSkipsToolsAndDeep(t *testing.T) {
	engine, err := control.NewEngine([]control.IntentPolicy{
		{
			PatternID:        "skill-creation-critical",
			TriggerRegex:     `create a new skill`,
			TriggerCategory:  "skill",
			Priority:         "critical",
			IntentConfidence: 0.1,
			SafetyLevel:      control.SafetyCritical,
			SkillScope:       control.ScopeSystem,
			CheckSkillExists: true,
			ActionIfMissing:  control.ActionForceCreateSkill,
		},
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	deep := &fakeDeepReasoner{answer: "should never run"}
	tools := &fakeTools{contextText: "should never run"}
	checker := fakeChecker{"analyze": true}
	plan := basicPlan(map[string]any{"suggested_tools": []any{map[string]any{"tool": "analyze"}}})

	o, _ := newTestOrchestrator(t, plan, "denied, here's why", func(c *Config) {
		c.Control = engine
		c.DeepReasoner = deep
		c.Tools = tools
		c.ToolChecker = checker
	})

	resp, err := o.Process(context.Background(), Request{UserText: "please create a new skill for me"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if deep.called {
		t.Fatal("deep reasoner must not run when autonomy is denied")
	}
	if len(tools.calls) != 0 {
		t.Fatalf("tools must not execute when autonomy is denied, got %+v", tools.calls)
	}
	if resp.Plan["_cim_action"] != string(control.ActionDenyAutonomy) {
		t.Fatalf("got %+v", resp.Plan)
	}
}

func TestNew_RequiresThinkingAndOutput(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing stages")
	}
}
