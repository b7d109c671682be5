// Package orchestrator drives one conversational turn end to end: Thinking
// produces a plan, Control decides and gates tool use, either the deep
// loop engine or a direct tool call handles execution, and Output streams
// the reply. It is the CLIENT of each stage, not a parallel executor — each
// stage's result is handed to the next in sequence, mirroring how the
// layers were designed to compose.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/reasonhub/reasonhub/internal/control"
	"github.com/reasonhub/reasonhub/internal/observability"
	"github.com/reasonhub/reasonhub/internal/output"
	"github.com/reasonhub/reasonhub/internal/router"
	"github.com/reasonhub/reasonhub/internal/thinking"
)

// sandboxIntentKeywords triggers a blueprint-routing attempt before Control
// when the plan's intent names a container/sandbox action — the one class
// of action expensive enough to route against pre-built blueprints instead
// of free-form tool selection.
var sandboxIntentKeywords = []string{"sandbox", "container", "microvm", "firecracker", "deploy", "provision", "isolate"}

// deepReasoningComplexity is the sequential_complexity score at or above
// which a turn is handed to the deep loop engine outright, regardless of
// tool count.
const deepReasoningComplexity = 7.0

// minToolsForSequentialHandoff is the tool count threshold that, combined
// with needs_sequential_thinking, also triggers a loop-engine handoff for
// turns below deepReasoningComplexity.
const minToolsForSequentialHandoff = 2

// MemoryFetcher resolves the plan's requested memory_keys into a single
// context string. ok reports whether every requested key was found;
// Process uses ok=false to set Request.ContextRequiredButMissing in the
// output layer so it warns against inventing an answer.
type MemoryFetcher interface {
	FetchMemory(ctx context.Context, keys []string, charCap int) (text string, ok bool, err error)
}

// ToolExecutor runs a batch of already-decided tool calls directly (the
// non-loop-engine path) and folds their results into a single context
// string ready for the output layer's single context channel.
type ToolExecutor interface {
	ExecuteTools(ctx context.Context, calls []control.ToolCall) (contextText string, err error)
}

// DeepReasoner hands a turn to the ReAct loop engine when the plan calls
// for multi-step tool use. It returns the engine's final answer text
// directly — the orchestrator does not re-run Output after a deep-reasoning
// handoff, matching how the loop engine already produces a complete,
// tool-grounded response.
type DeepReasoner interface {
	Reason(ctx context.Context, userText string, plan map[string]any) (answer string, err error)
}

// TaskNotifier records the outcome of a turn in the conversational task
// lifecycle store. Process calls it unconditionally so every turn — deep
// reasoning or direct — is accounted for.
type TaskNotifier interface {
	NotifyTurn(ctx context.Context, conversationID, branchID string, plan map[string]any, succeeded bool, errText string)
}

// Config wires the stages together. Thinking and Output are required;
// everything else degrades gracefully when nil (no memory fetch, no tool
// execution, no deep-reasoning handoff, no task notification).
type Config struct {
	Thinking        *thinking.Layer
	Control         *control.Engine
	ToolChecker     control.ToolAvailabilityChecker
	Memory          MemoryFetcher
	Tools           ToolExecutor
	DeepReasoner    DeepReasoner
	Output          *output.Layer
	Tasks           TaskNotifier
	Router          *router.Router
	Persona         string
	AvailableSkills []string
	MemoryCharCap   int
	Logger          *observability.Logger
}

// Orchestrator runs Config's pipeline for one turn at a time.
type Orchestrator struct {
	cfg Config
}

// New validates the required stages and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Thinking == nil {
		return nil, fmt.Errorf("orchestrator: Thinking layer is required")
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("orchestrator: Output layer is required")
	}
	if cfg.MemoryCharCap <= 0 {
		cfg.MemoryCharCap = 4000
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Request is one conversational turn.
type Request struct {
	ConversationID string
	BranchID       string
	UserText       string
	ChatHistory    []output.HistoryMessage
}

// Response is the terminal result of Process.
type Response struct {
	Text         string
	Plan         map[string]any
	UsedDeepPath bool
}

// StreamEvent is one unit of ProcessStream's output.
type StreamEvent struct {
	ReasoningChunk string
	TextChunk      string
	Done           bool
	Response       *Response
	Err            error
}

// Process runs a turn to completion and returns the final answer. It is a
// thin wrapper over ProcessStream for callers that don't need incremental
// output.
func (o *Orchestrator) Process(ctx context.Context, req Request) (Response, error) {
	events, err := o.ProcessStream(ctx, req)
	if err != nil {
		return Response{}, err
	}
	var last StreamEvent
	for ev := range events {
		last = ev
		if ev.Err != nil {
			return Response{}, ev.Err
		}
	}
	if last.Response == nil {
		return Response{}, fmt.Errorf("orchestrator: stream closed without a terminal response")
	}
	return *last.Response, nil
}

// ProcessStream runs the seven-stage turn: Thinking, bounded memory fetch,
// Control, loop-engine handoff or direct tool execution, Output, and a
// task-lifecycle notification. ctx is the single cancellation boundary for
// every stage; no stage spawns a detached context.
func (o *Orchestrator) ProcessStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent)

	go func() {
		defer close(out)

		plan, thinkErr := o.think(ctx, req, out)
		if thinkErr != nil {
			o.notify(ctx, req, plan, false, thinkErr.Error())
			out <- StreamEvent{Err: thinkErr}
			return
		}

		contextText, missing := o.fetchMemory(ctx, plan)

		route := o.routeBlueprint(ctx, req.UserText, plan)

		cimDecision, autonomyDenied := o.policyDecide(req.UserText)

		var decided []control.ToolCall
		if !autonomyDenied {
			decided = o.decideTools(ctx, req.UserText, plan)
			if route != nil && route.Decision == router.DecisionUseBlueprint {
				decided = append([]control.ToolCall{{
					Name:      "run_blueprint",
					Arguments: map[string]any{"blueprint_id": route.BlueprintID, "score": route.Score},
				}}, decided...)
			}
		}
		verified := o.verify(req.UserText, plan)
		if route != nil && route.Decision == router.DecisionSuggestBlueprint {
			verified.Raw["_blueprint_suggestion"] = route.Candidates
		}
		if cimDecision != nil {
			verified.Raw["_cim_action"] = string(cimDecision.Action)
			verified.Raw["_cim_skill"] = cimDecision.SkillName
			if autonomyDenied {
				existing, _ := verified.Raw["_warnings"].([]string)
				verified.Raw["_warnings"] = append(existing, cimDecision.Reason)
			}
		}

		deep := !autonomyDenied && o.shouldGoDeep(verified.Raw, decided)
		if deep && o.cfg.DeepReasoner != nil {
			answer, err := o.cfg.DeepReasoner.Reason(ctx, req.UserText, verified.Raw)
			if err != nil {
				o.notify(ctx, req, verified.Raw, false, err.Error())
				out <- StreamEvent{Err: err}
				return
			}
			resp := Response{Text: answer, Plan: verified.Raw, UsedDeepPath: true}
			o.notify(ctx, req, verified.Raw, true, "")
			out <- StreamEvent{Done: true, Response: &resp}
			return
		}

		if len(decided) > 0 && o.cfg.Tools != nil {
			toolCtx, err := o.cfg.Tools.ExecuteTools(ctx, decided)
			if err != nil {
				o.warn(ctx, "tool execution failed: %v", err)
			} else if toolCtx != "" {
				contextText = strings.TrimSpace(contextText + "\n" + toolCtx)
			}
		}

		outReq := output.Request{
			Persona:                   o.cfg.Persona,
			UserText:                  req.UserText,
			VerifiedPlan:              verified.Raw,
			ContextText:               contextText,
			ContextRequiredButMissing: missing,
			ChatHistory:               req.ChatHistory,
		}

		chunks, err := o.cfg.Output.Stream(ctx, outReq)
		if err != nil {
			o.notify(ctx, req, verified.Raw, false, err.Error())
			out <- StreamEvent{Err: err}
			return
		}

		var full strings.Builder
		for chunk := range chunks {
			full.WriteString(chunk)
			select {
			case out <- StreamEvent{TextChunk: chunk}:
			case <-ctx.Done():
				return
			}
		}

		resp := Response{Text: full.String(), Plan: verified.Raw}
		o.notify(ctx, req, verified.Raw, true, "")
		out <- StreamEvent{Done: true, Response: &resp}
	}()

	return out, nil
}

func (o *Orchestrator) think(ctx context.Context, req Request, out chan<- StreamEvent) (map[string]any, error) {
	events, err := o.cfg.Thinking.Think(ctx, thinking.Request{UserText: req.UserText})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: thinking stage: %w", err)
	}

	var plan map[string]any
	for ev := range events {
		if ev.Err != nil {
			return nil, fmt.Errorf("orchestrator: thinking stage: %w", ev.Err)
		}
		if ev.ReasoningChunk != "" {
			select {
			case out <- StreamEvent{ReasoningChunk: ev.ReasoningChunk}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if ev.Done {
			plan = ev.Plan
		}
	}
	if plan == nil {
		plan = thinking.DefaultPlan()
	}
	return plan, nil
}

func (o *Orchestrator) fetchMemory(ctx context.Context, plan map[string]any) (string, bool) {
	needsMemory, _ := plan["needs_memory"].(bool)
	if !needsMemory || o.cfg.Memory == nil {
		return "", false
	}
	keys := stringSlice(plan["memory_keys"])
	if len(keys) == 0 {
		return "", true
	}
	text, ok, err := o.cfg.Memory.FetchMemory(ctx, keys, o.cfg.MemoryCharCap)
	if err != nil {
		o.warn(ctx, "memory fetch failed: %v", err)
		return "", true
	}
	return text, !ok
}

// routeBlueprint consults the blueprint router when the plan's intent names
// a container/sandbox action. Returns nil when no router is configured or
// the intent doesn't warrant a lookup — a router outage itself degrades to
// DecisionNoBlueprint inside Route, never an error here.
func (o *Orchestrator) routeBlueprint(ctx context.Context, userText string, plan map[string]any) *router.RouteResult {
	if o.cfg.Router == nil {
		return nil
	}
	intent, _ := plan["intent"].(string)
	if !intentSuggestsSandbox(intent) && !intentSuggestsSandbox(userText) {
		return nil
	}
	result := o.cfg.Router.Route(ctx, userText, intent, 5)
	return &result
}

func intentSuggestsSandbox(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range sandboxIntentKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) decideTools(ctx context.Context, userText string, plan map[string]any) []control.ToolCall {
	suggested, _ := plan["suggested_tools"].([]any)
	if len(suggested) == 0 {
		return nil
	}
	return control.DecideTools(ctx, o.cfg.ToolChecker, userText, suggested)
}

// policyDecide consults the deterministic CIM policy engine, if configured.
// autonomyDenied reports whether the matched policy forbids autonomous
// tool/skill use for this turn (critical safety level or system-scope skill
// creation) — the caller must skip tool decisioning and deep reasoning.
func (o *Orchestrator) policyDecide(userText string) (decision *control.Decision, autonomyDenied bool) {
	if o.cfg.Control == nil {
		return nil, false
	}
	d := o.cfg.Control.Decide(userText, o.cfg.AvailableSkills)
	if !d.Matched {
		return nil, false
	}
	return &d, d.Action == control.ActionDenyAutonomy
}

func (o *Orchestrator) verify(userText string, plan map[string]any) control.VerifiedPlan {
	warnings, _ := control.QuickSafetyCheck(userText, plan)
	v := control.DefaultVerification()
	v.Warnings = append(v.Warnings, warnings...)
	return control.ApplyCorrections(plan, v)
}

func (o *Orchestrator) shouldGoDeep(plan map[string]any, decided []control.ToolCall) bool {
	complexity, _ := plan["sequential_complexity"].(float64)
	if complexity >= deepReasoningComplexity {
		return true
	}
	needsSequential, _ := plan["needs_sequential_thinking"].(bool)
	return needsSequential && len(decided) >= minToolsForSequentialHandoff
}

func (o *Orchestrator) notify(ctx context.Context, req Request, plan map[string]any, succeeded bool, errText string) {
	if o.cfg.Tasks == nil {
		return
	}
	o.cfg.Tasks.NotifyTurn(ctx, req.ConversationID, req.BranchID, plan, succeeded, errText)
}

func (o *Orchestrator) warn(ctx context.Context, format string, args ...any) {
	if o.cfg.Logger == nil {
		return
	}
	o.cfg.Logger.Warn(ctx, fmt.Sprintf(format, args...))
}

func stringSlice(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
