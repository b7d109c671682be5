package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	agentctx "github.com/reasonhub/reasonhub/internal/agent/context"
	"github.com/reasonhub/reasonhub/internal/sessions"
	"github.com/reasonhub/reasonhub/internal/tools/policy"
	"github.com/reasonhub/reasonhub/pkg/models"
)

// processBufferSize sizes the channel a run streams ResponseChunks through.
const processBufferSize = 10

// LoopConfig configures the agentic loop behavior including iteration limits,
// token budgets, and tool execution settings.
type LoopConfig struct {
	// MaxIterations limits the number of tool use iterations (MAX_LOOP_ITERATIONS).
	// Default: 5
	MaxIterations int

	// MaxTokens is the default max tokens for LLM responses
	// Default: 4096
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited)
	// Default: 0
	MaxToolCalls int

	// MaxWallTime limits total run duration (0 = no limit)
	// Default: 0
	MaxWallTime time.Duration

	// ExecutorConfig configures the parallel tool executor
	ExecutorConfig *ExecutorConfig

	// EnableBackpressure enables backpressure handling for slow tools
	// Default: true
	EnableBackpressure bool

	// StreamToolResults streams tool results as they complete
	// Default: true
	StreamToolResults bool

	// DisableToolEvents disables streaming ToolEvent chunks
	// Default: false
	DisableToolEvents bool

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// BranchStore provides branch-aware storage operations
	// If nil, standard session history is used
	BranchStore sessions.BranchStore

	// SummarizeConfig enables conversation summarization when set. Older
	// history is condensed into a system-role summary message once it grows
	// past MaxMsgsBeforeSummary, and only the summary plus recent messages
	// are sent to the model afterward.
	SummarizeConfig *agentctx.SummarizationConfig
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:      5,
		MaxTokens:          4096,
		MaxToolCalls:       0,
		MaxWallTime:        0,
		ExecutorConfig:     DefaultExecutorConfig(),
		EnableBackpressure: true,
		StreamToolResults:  true,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	return &cfg
}

// AgenticLoop implements the ReAct-style agentic conversation loop: stream
// from the model, execute any requested tools, feed results back, repeat.
//
// The loop operates as a state machine:
//
//	┌─────────┐     ┌──────────┐     ┌───────────────────┐
//	│  Init   │────▶│  Stream  │────▶│  Execute Tools    │
//	└─────────┘     └──────────┘     └───────────────────┘
//	                      │                    │
//	                      ▼                    │
//	               ┌──────────┐                │
//	               │ Complete │◀───────────────┘  (no tools or max iter)
//	               └──────────┘
//	               ┌──────────┐
//	               │ Continue │◀───────────────┐  (has tool results)
//	               └──────────┘                │
//	                      └───────────▶ Stream  │
type AgenticLoop struct {
	provider LLMProvider
	executor *Executor
	sessions sessions.Store
	config   *LoopConfig

	defaultModel  string
	defaultSystem string
}

// NewAgenticLoop creates a new agentic loop with the given provider, tool registry, and session store.
// If config is nil, DefaultLoopConfig is used.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, sessions sessions.Store, config *LoopConfig) *AgenticLoop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}

	executor := NewExecutor(registry, config.ExecutorConfig)
	if !config.EnableBackpressure {
		executor.sem = nil
	}

	return &AgenticLoop{
		provider: provider,
		executor: executor,
		sessions: sessions,
		config:   config,
	}
}

// SetDefaultModel sets the default model used when requests do not specify one.
func (l *AgenticLoop) SetDefaultModel(model string) {
	l.defaultModel = model
}

// SetDefaultSystem sets the default system prompt used when requests do not specify one.
func (l *AgenticLoop) SetDefaultSystem(system string) {
	l.defaultSystem = system
}

// ConfigureTool sets per-tool configuration overrides for timeout, retry, and priority.
func (l *AgenticLoop) ConfigureTool(name string, config *ToolConfig) {
	l.executor.ConfigureTool(name, config)
}

// LoopState tracks the current state of an agentic loop execution including
// phase, iteration count, accumulated messages, and pending tool operations.
type LoopState struct {
	Phase          LoopPhase
	Iteration      int
	TotalToolCalls int
	Messages       []CompletionMessage
	PendingTools    []models.ToolCall
	ToolResults     []models.ToolResult
	AccumulatedText string
	LastError       error
	BranchID        string // Current branch for branch-aware loops
	AssistantMsgID  string

	// SystemPrompt holds content folded out of role-system history messages.
	SystemPrompt string

	// SummaryText holds the current conversation summary content, if any.
	SummaryText string

	// dedupSeen maps a canonical (name, canonical_json(args)) key to the
	// content already returned for it within this run.
	dedupSeen map[string]string

	// resultHistory holds, per tool name, the sliding window of normalized
	// result signatures used for stuck detection.
	resultHistory map[string][]string

	// stuckTools records tool names already flagged stuck this run, so the
	// hint and event fire once rather than on every repeat.
	stuckTools map[string]bool
}

// Run executes the agentic loop and streams results through a channel.
// The channel is closed when the loop completes or an error occurs.
func (l *AgenticLoop) Run(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if l.config == nil {
		return nil, errors.New("loop config is nil")
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if l.sessions == nil && (l.config == nil || l.config.BranchStore == nil) {
		return nil, errors.New("no session store configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}
	runCtx = WithSession(runCtx, session)

	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)
		if cancel != nil {
			defer cancel()
		}

		state := &LoopState{
			Phase:         PhaseInit,
			Iteration:     0,
			dedupSeen:     make(map[string]string),
			resultHistory: make(map[string][]string),
			stuckTools:    make(map[string]bool),
		}

		if err := l.initializeState(runCtx, session, msg, state); err != nil {
			l.emitLoopError(chunks, state, err)
			return
		}

		if err := l.persistInboundMessage(runCtx, session, msg, state.BranchID); err != nil {
			l.emitLoopError(chunks, state, err)
			return
		}

		steeringQueue := SteeringQueueFromContext(runCtx)

		for state.Iteration < l.config.MaxIterations {
			select {
			case <-runCtx.Done():
				l.emitLoopError(chunks, state, runCtx.Err())
				return
			default:
			}

			chunks <- &ResponseChunk{LoopEvent: &LoopEvent{Type: LoopEventIteration, Iteration: state.Iteration}}

			state.Phase = PhaseStream
			toolCalls, err := l.streamPhase(runCtx, state, chunks, true)
			if err != nil {
				l.emitLoopError(chunks, state, err)
				return
			}

			if l.config.MaxToolCalls > 0 && state.TotalToolCalls+len(toolCalls) > l.config.MaxToolCalls {
				l.emitLoopError(chunks, state, fmt.Errorf("tool calls exceed maximum of %d for run", l.config.MaxToolCalls))
				return
			}
			state.TotalToolCalls += len(toolCalls)

			assistantMsgID, err := l.persistAssistantMessage(runCtx, session, state, toolCalls)
			if err != nil {
				l.emitLoopError(chunks, state, err)
				return
			}
			state.AssistantMsgID = assistantMsgID

			l.persistToolCalls(runCtx, session, assistantMsgID, toolCalls)

			if len(toolCalls) == 0 {
				l.addAssistantMessage(state, toolCalls)
				state.AccumulatedText = ""
				if steeringQueue != nil {
					if followUps := steeringQueue.GetFollowUpMessages(); len(followUps) > 0 {
						for _, followUp := range followUps {
							role := followUp.Role
							if role == "" {
								role = "user"
							}
							state.Messages = append(state.Messages, CompletionMessage{
								Role:        role,
								Content:     followUp.Content,
								Attachments: followUp.Attachments,
							})
						}
						state.Iteration++
						continue
					}
				}
				state.Phase = PhaseComplete
				l.finish(chunks, state)
				return
			}

			state.Phase = PhaseExecuteTools
			state.PendingTools = toolCalls

			toolResults, err := l.executeToolsPhase(runCtx, session, state, chunks)
			if err != nil {
				l.emitLoopError(chunks, state, err)
				return
			}

			if err := l.persistToolMessage(runCtx, session, state.BranchID, toolCalls, toolResults); err != nil {
				l.emitLoopError(chunks, state, err)
				return
			}

			state.Phase = PhaseContinue
			l.continuePhase(state, toolCalls, toolResults)

			if steeringQueue != nil {
				if steeringMsgs := steeringQueue.GetSteeringMessages(); len(steeringMsgs) > 0 {
					skipRemaining := false
					for _, steering := range steeringMsgs {
						role := steering.Role
						if role == "" {
							role = "user"
						}
						state.Messages = append(state.Messages, CompletionMessage{
							Role:        role,
							Content:     steering.Content,
							Attachments: steering.Attachments,
						})
						if steering.SkipRemainingTools {
							skipRemaining = true
						}
					}
					if skipRemaining {
						state.Iteration++
						continue
					}
				}
			}

			state.Iteration++
		}

		l.forcedFinish(runCtx, chunks, state)
	}()

	return chunks, nil
}

// emitLoopError sends a terminal error chunk tagged with the loop_error event kind.
func (l *AgenticLoop) emitLoopError(chunks chan<- *ResponseChunk, state *LoopState, err error) {
	loopErr := &LoopError{
		Phase:     state.Phase,
		Iteration: state.Iteration,
		Cause:     err,
	}
	chunks <- &ResponseChunk{
		Error:     loopErr,
		LoopEvent: &LoopEvent{Type: LoopEventLoopError, Iteration: state.Iteration, Message: loopErr.Error()},
	}
}

// finish streams the done event that closes out a successful run.
func (l *AgenticLoop) finish(chunks chan<- *ResponseChunk, state *LoopState) {
	chunks <- &ResponseChunk{LoopEvent: &LoopEvent{Type: LoopEventContent, Iteration: state.Iteration}}
	chunks <- &ResponseChunk{Done: true, LoopEvent: &LoopEvent{Type: LoopEventDone, Iteration: state.Iteration}}
}

// forcedFinish is reached when MAX_LOOP_ITERATIONS is hit with tool calls
// still pending. It asks the model to conclude without further tool use,
// summarizing any stuck tools, and streams that answer instead of erroring.
func (l *AgenticLoop) forcedFinish(ctx context.Context, chunks chan<- *ResponseChunk, state *LoopState) {
	chunks <- &ResponseChunk{LoopEvent: &LoopEvent{Type: LoopEventMaxReached, Iteration: state.Iteration}}

	summary := "You have reached the maximum number of tool-use rounds for this task."
	if stuck := stuckToolNames(state.stuckTools); stuck != "" {
		summary += " The following tools returned the same result repeatedly and should not be retried: " + stuck + "."
	}
	summary += " Conclude now with your best answer based on the information already gathered. Do not request any more tools."

	state.Messages = append(state.Messages, CompletionMessage{Role: "user", Content: summary})
	state.AccumulatedText = ""

	if _, err := l.streamPhase(ctx, state, chunks, false); err != nil {
		l.emitLoopError(chunks, state, err)
		return
	}

	state.Phase = PhaseComplete
	l.finish(chunks, state)
}

func stuckToolNames(stuck map[string]bool) string {
	names := make([]string, 0, len(stuck))
	for name := range stuck {
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

// initializeState loads conversation history and sets up initial state.
func (l *AgenticLoop) initializeState(ctx context.Context, session *models.Session, msg *models.Message, state *LoopState) error {
	var history []*models.Message
	var err error

	if l.config.BranchStore != nil {
		if msg.BranchID != "" {
			state.BranchID = msg.BranchID
		} else {
			branch, branchErr := l.config.BranchStore.EnsurePrimaryBranch(ctx, session.ID)
			if branchErr != nil {
				return fmt.Errorf("failed to ensure primary branch: %w", branchErr)
			}
			state.BranchID = branch.ID
			msg.BranchID = branch.ID
		}
		history, err = l.config.BranchStore.GetBranchHistory(ctx, state.BranchID, 50)
		if err != nil {
			return fmt.Errorf("failed to get branch history: %w", err)
		}
	} else {
		history, err = l.sessions.GetHistory(ctx, session.ID, 50)
		if err != nil {
			return fmt.Errorf("failed to get history: %w", err)
		}
	}

	history = repairTranscript(history)

	if l.config.SummarizeConfig != nil {
		history, err = l.applySummarization(ctx, session, state, history)
		if err != nil {
			return err
		}
	}

	var systemParts []string
	state.Messages = make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		if m == nil {
			continue
		}
		if m.Role == models.RoleSystem {
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
			continue
		}
		state.Messages = append(state.Messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	state.SystemPrompt = strings.Join(systemParts, "\n\n")

	role := msg.Role
	if role == "" {
		role = models.RoleUser
	}
	state.Messages = append(state.Messages, CompletionMessage{
		Role:        string(role),
		Content:     msg.Content,
		Attachments: msg.Attachments,
	})

	return nil
}

// applySummarization condenses older history into a persisted summary
// message once it grows past the configured threshold, returning the
// reduced history (recent messages only) that should be sent to the model.
// The summary content itself is captured on state.SummaryText rather than
// left in the returned history, so it is folded into the system prompt
// exactly once.
func (l *AgenticLoop) applySummarization(ctx context.Context, session *models.Session, state *LoopState, history []*models.Message) ([]*models.Message, error) {
	cfg := *l.config.SummarizeConfig
	currentSummary := agentctx.FindLatestSummary(history)
	summarizer := agentctx.NewSummarizer(&llmSummaryProvider{loop: l}, cfg)

	if !summarizer.ShouldSummarize(history, currentSummary) {
		if currentSummary != nil {
			state.SummaryText = currentSummary.Content
		}
		return history, nil
	}

	summaryMsg, err := summarizer.Summarize(ctx, session.ID, history, currentSummary)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize conversation: %w", err)
	}
	if summaryMsg == nil {
		if currentSummary != nil {
			state.SummaryText = currentSummary.Content
		}
		return history, nil
	}

	if err := l.appendMessage(ctx, session, state.BranchID, summaryMsg); err != nil {
		return nil, fmt.Errorf("failed to persist conversation summary: %w", err)
	}
	state.SummaryText = summaryMsg.Content

	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || isSummaryMessage(m) {
			continue
		}
		filtered = append(filtered, m)
	}
	keep := cfg.KeepRecentMessages
	if keep <= 0 {
		keep = agentctx.DefaultSummarizationConfig().KeepRecentMessages
	}
	if keep > len(filtered) {
		keep = len(filtered)
	}
	return filtered[len(filtered)-keep:], nil
}

func isSummaryMessage(m *models.Message) bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[agentctx.SummaryMetadataKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// llmSummaryProvider adapts the loop's LLM provider to agentctx.SummaryProvider.
type llmSummaryProvider struct {
	loop *AgenticLoop
}

func (p *llmSummaryProvider) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	prompt := agentctx.BuildSummarizationPrompt(messages, maxLength)
	req := &CompletionRequest{
		Model:     p.loop.defaultModel,
		System:    "You summarize conversations concisely, preserving key facts, decisions, and pending work.",
		Messages:  []CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens: p.loop.config.MaxTokens,
	}

	completion, err := p.loop.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range completion {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// RunWithBranch executes the agentic loop on a specific conversation branch.
// The branchID is set on the message before processing.
func (l *AgenticLoop) RunWithBranch(ctx context.Context, session *models.Session, msg *models.Message, branchID string) (<-chan *ResponseChunk, error) {
	msg.BranchID = branchID
	return l.Run(ctx, session, msg)
}

// streamPhase streams from the LLM and collects any tool calls. When
// allowTools is false, no tools are offered, forcing a text-only reply (used
// by forcedFinish).
func (l *AgenticLoop) streamPhase(ctx context.Context, state *LoopState, chunks chan<- *ResponseChunk, allowTools bool) ([]models.ToolCall, error) {
	var tools []Tool
	if allowTools {
		tools = l.executor.registry.AsLLMTools()
		if resolver, toolPolicy, ok := toolPolicyFromContext(ctx); ok {
			tools = filterToolsByPolicy(resolver, toolPolicy, tools)
		}
	}

	var systemParts []string
	if l.defaultSystem != "" {
		systemParts = append(systemParts, l.defaultSystem)
	}
	if state.SummaryText != "" {
		systemParts = append(systemParts, state.SummaryText)
	}
	if state.SystemPrompt != "" {
		systemParts = append(systemParts, state.SystemPrompt)
	}

	req := &CompletionRequest{
		Model:     l.defaultModel,
		System:    strings.Join(systemParts, "\n\n"),
		Messages:  state.Messages,
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	}

	if system, ok := systemPromptFromContext(ctx); ok {
		req.System = system
	}
	if model, ok := modelFromContext(ctx); ok {
		req.Model = model
	}
	if thinkingLevel := ThinkingLevelFromContext(ctx); thinkingLevel != ThinkingOff {
		budget := GetThinkingBudget(thinkingLevel)
		if budget > 0 {
			req.EnableThinking = true
			req.ThinkingBudgetTokens = budget
		}
	}

	completionCtx := ctx
	if resolver := APIKeyResolverFromContext(ctx); resolver != nil {
		resolvedKey, keyErr := resolver(ctx, l.provider.Name())
		if keyErr != nil {
			return nil, fmt.Errorf("API key resolution failed: %w", keyErr)
		}
		if resolvedKey != "" {
			completionCtx = WithResolvedAPIKey(ctx, resolvedKey)
		}
	}

	completion, err := l.provider.Complete(completionCtx, req)
	if err != nil {
		return nil, err
	}

	var toolCalls []models.ToolCall
	var textBuilder strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.ThinkingStart {
			chunks <- &ResponseChunk{ThinkingStart: true}
		}
		if chunk.Thinking != "" {
			chunks <- &ResponseChunk{Thinking: chunk.Thinking}
		}
		if chunk.ThinkingEnd {
			chunks <- &ResponseChunk{ThinkingEnd: true}
		}

		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			textBuilder.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}

		if allowTools && chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}

	state.AccumulatedText = textBuilder.String()

	return toolCalls, nil
}

// executeToolsPhase executes pending tool calls in parallel, applying policy
// filtering, per-run dedup, stuck detection, and error-to-alternative hints.
func (l *AgenticLoop) executeToolsPhase(ctx context.Context, session *models.Session, state *LoopState, chunks chan<- *ResponseChunk) ([]models.ToolResult, error) {
	if len(state.PendingTools) == 0 {
		return nil, nil
	}

	resolver, toolPolicy, hasPolicy := toolPolicyFromContext(ctx)

	results := make([]models.ToolResult, len(state.PendingTools))
	artifacts := make([][]Artifact, len(state.PendingTools))
	allowedCalls := make([]models.ToolCall, 0, len(state.PendingTools))
	allowedToOriginal := make([]int, 0, len(state.PendingTools))

	for i := range state.PendingTools {
		tc := state.PendingTools[i]

		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      models.ToolEventRequested,
			Input:      tc.Input,
		})
		chunks <- &ResponseChunk{LoopEvent: &LoopEvent{Type: LoopEventToolCall, Iteration: state.Iteration, ToolName: tc.Name, ToolCallID: tc.ID}}

		if hasPolicy && !resolver.IsAllowed(toolPolicy, tc.Name) {
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool not allowed: " + tc.Name,
				IsError:    true,
			}
			results[i] = res
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID:   tc.ID,
				ToolName:     tc.Name,
				Stage:        models.ToolEventDenied,
				Error:        res.Content,
				PolicyReason: "tool not allowed by policy",
				FinishedAt:   time.Now(),
			})
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		key := canonicalToolCallKey(tc.Name, tc.Input)
		if prior, seen := state.dedupSeen[key]; seen {
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "ALREADY_EXECUTED: " + prior,
				IsError:    false,
			}
			results[i] = res
			chunks <- &ResponseChunk{LoopEvent: &LoopEvent{Type: LoopEventToolResult, Iteration: state.Iteration, ToolName: tc.Name, ToolCallID: tc.ID, Message: "already executed"}}
			l.persistToolResult(ctx, session, state.AssistantMsgID, tc, res, resolver)
			continue
		}

		allowedCalls = append(allowedCalls, tc)
		allowedToOriginal = append(allowedToOriginal, i)
	}

	for _, idx := range allowedToOriginal {
		tc := state.PendingTools[idx]
		l.emitToolEvent(chunks, &models.ToolEvent{
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Stage:      models.ToolEventStarted,
			StartedAt:  time.Now(),
		})
	}

	execResults := l.executor.ExecuteAll(WithConversationID(ctx, session.ID), allowedCalls)
	for i, r := range execResults {
		origIdx := allowedToOriginal[i]
		tc := state.PendingTools[origIdx]

		var res models.ToolResult
		switch {
		case r == nil:
			res = models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool execution failed",
				IsError:    true,
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Stage:      models.ToolEventFailed,
				Error:      res.Content,
				FinishedAt: time.Now(),
			})
		case r.Error != nil:
			content := r.Error.Error()
			if hint := AlternativeStrategyHint(content); hint != "" {
				content = fmt.Sprintf("%s (suggestion: %s)", content, hint)
			}
			res = models.ToolResult{
				ToolCallID: r.ToolCallID,
				Content:    content,
				IsError:    true,
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID,
				ToolName:   tc.Name,
				Stage:      models.ToolEventFailed,
				Error:      res.Content,
				FinishedAt: time.Now(),
			})
		case r.Result != nil:
			content := r.Result.Content
			if r.Result.IsError {
				if hint := AlternativeStrategyHint(content); hint != "" {
					content = fmt.Sprintf("%s (suggestion: %s)", content, hint)
				}
			}
			res = models.ToolResult{
				ToolCallID:  r.ToolCallID,
				Content:     content,
				IsError:     r.Result.IsError,
				Attachments: artifactsToAttachments(r.Result.Artifacts),
			}
			artifacts[origIdx] = r.Result.Artifacts
			stage := models.ToolEventSucceeded
			if r.Result.IsError {
				stage = models.ToolEventFailed
			}
			l.emitToolEvent(chunks, &models.ToolEvent{
				ToolCallID: r.ToolCallID,
				ToolName:   tc.Name,
				Stage:      stage,
				Output:     r.Result.Content,
				FinishedAt: time.Now(),
			})
		}

		if !res.IsError {
			key := canonicalToolCallKey(tc.Name, tc.Input)
			state.dedupSeen[key] = res.Content

			if stuck := pushResultSignature(state.resultHistory, tc.Name, res.Content); stuck && !state.stuckTools[tc.Name] {
				state.stuckTools[tc.Name] = true
				res.Content += fmt.Sprintf(" (note: %s has returned the same result repeatedly; consider a different approach)", tc.Name)
				chunks <- &ResponseChunk{LoopEvent: &LoopEvent{Type: LoopEventStuckDetected, Iteration: state.Iteration, ToolName: tc.Name, ToolCallID: tc.ID}}
			}
		}

		results[origIdx] = res
		chunks <- &ResponseChunk{LoopEvent: &LoopEvent{Type: LoopEventToolResult, Iteration: state.Iteration, ToolName: tc.Name, ToolCallID: tc.ID}}
		l.persistToolResult(ctx, session, state.AssistantMsgID, tc, results[origIdx], resolver)
	}

	for i := range results {
		if results[i].ToolCallID == "" && i < len(state.PendingTools) {
			results[i].ToolCallID = state.PendingTools[i].ID
		}
	}

	if l.config.StreamToolResults {
		for i := range results {
			chunk := &ResponseChunk{ToolResult: &results[i]}
			if len(artifacts[i]) > 0 {
				chunk.Artifacts = artifacts[i]
			}
			chunks <- chunk
		}
	}

	return results, nil
}

// continuePhase adds the assistant message with tool calls and tool results to history.
func (l *AgenticLoop) continuePhase(state *LoopState, toolCalls []models.ToolCall, toolResults []models.ToolResult) {
	l.addAssistantMessage(state, toolCalls)

	state.Messages = append(state.Messages, CompletionMessage{
		Role:        "tool",
		ToolResults: toolResults,
	})

	state.AccumulatedText = ""
	state.PendingTools = nil
	state.ToolResults = nil
}

func (l *AgenticLoop) addAssistantMessage(state *LoopState, toolCalls []models.ToolCall) {
	state.Messages = append(state.Messages, CompletionMessage{
		Role:      "assistant",
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
	})
}

func (l *AgenticLoop) persistInboundMessage(ctx context.Context, session *models.Session, msg *models.Message, branchID string) error {
	if msg == nil {
		return errors.New("message is nil")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = session.ID
	}
	if msg.Channel == "" {
		msg.Channel = session.Channel
	}
	if msg.ChannelID == "" {
		msg.ChannelID = session.ChannelID
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.Direction == "" {
		msg.Direction = models.DirectionInbound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if branchID != "" {
		msg.BranchID = branchID
	}
	return l.appendMessage(ctx, session, branchID, msg)
}

func (l *AgenticLoop) persistAssistantMessage(ctx context.Context, session *models.Session, state *LoopState, toolCalls []models.ToolCall) (string, error) {
	assistantMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   state.AccumulatedText,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	if state.BranchID != "" {
		assistantMsg.BranchID = state.BranchID
	}
	if err := l.appendMessage(ctx, session, state.BranchID, assistantMsg); err != nil {
		return "", err
	}
	return assistantMsg.ID, nil
}

func (l *AgenticLoop) persistToolMessage(ctx context.Context, session *models.Session, branchID string, toolCalls []models.ToolCall, toolResults []models.ToolResult) error {
	if len(toolResults) == 0 {
		return nil
	}
	resolver, _, _ := toolPolicyFromContext(ctx)
	resultsForStorage := guardToolResults(l.config.ToolResultGuard, toolCalls, toolResults, resolver)
	toolMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Channel:     session.Channel,
		ChannelID:   session.ChannelID,
		Direction:   models.DirectionInbound,
		Role:        models.RoleTool,
		ToolResults: resultsForStorage,
		CreatedAt:   time.Now(),
	}
	if branchID != "" {
		toolMsg.BranchID = branchID
	}
	return l.appendMessage(ctx, session, branchID, toolMsg)
}

func (l *AgenticLoop) appendMessage(ctx context.Context, session *models.Session, branchID string, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	branch := strings.TrimSpace(branchID)
	if branch == "" {
		branch = strings.TrimSpace(msg.BranchID)
	}
	if l.config != nil && l.config.BranchStore != nil {
		if branch == "" {
			primary, err := l.config.BranchStore.EnsurePrimaryBranch(ctx, session.ID)
			if err != nil {
				return err
			}
			branch = primary.ID
		}
		msg.BranchID = branch
		return l.config.BranchStore.AppendMessageToBranch(ctx, session.ID, branch, msg)
	}
	if l.sessions == nil {
		return errors.New("no session store configured")
	}
	return l.sessions.AppendMessage(ctx, session.ID, msg)
}

func (l *AgenticLoop) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent) {
	if l.config.DisableToolEvents || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

func (l *AgenticLoop) persistToolCalls(ctx context.Context, session *models.Session, assistantMsgID string, toolCalls []models.ToolCall) {
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	for i := range toolCalls {
		tc := toolCalls[i]
		_ = l.config.ToolEvents.AddToolCall(ctx, session.ID, assistantMsgID, &tc)
	}
}

func (l *AgenticLoop) persistToolResult(ctx context.Context, session *models.Session, assistantMsgID string, tc models.ToolCall, res models.ToolResult, resolver *policy.Resolver) {
	if l.config.ToolEvents == nil || session == nil {
		return
	}
	guarded := guardToolResult(l.config.ToolResultGuard, tc.Name, res, resolver)
	_ = l.config.ToolEvents.AddToolResult(ctx, session.ID, assistantMsgID, &tc, &guarded)
}

// AgenticRuntime wraps the AgenticLoop to provide a Runtime-compatible interface.
type AgenticRuntime struct {
	loop *AgenticLoop
}

// NewAgenticRuntime creates a new agentic runtime wrapping an AgenticLoop.
func NewAgenticRuntime(provider LLMProvider, sessions sessions.Store, config *LoopConfig) *AgenticRuntime {
	registry := NewToolRegistry()
	loop := NewAgenticLoop(provider, registry, sessions, config)

	return &AgenticRuntime{
		loop: loop,
	}
}

// SetDefaultModel configures the fallback model used when not specified in requests.
func (r *AgenticRuntime) SetDefaultModel(model string) {
	r.loop.SetDefaultModel(model)
}

// SetSystemPrompt configures the fallback system prompt used when not specified in requests.
func (r *AgenticRuntime) SetSystemPrompt(system string) {
	r.loop.SetDefaultSystem(system)
}

// RegisterTool adds a tool to the runtime's tool registry.
func (r *AgenticRuntime) RegisterTool(tool Tool) {
	r.loop.executor.registry.Register(tool)
}

// ConfigureTool sets per-tool configuration for timeout, retry, and priority.
func (r *AgenticRuntime) ConfigureTool(name string, config *ToolConfig) {
	r.loop.ConfigureTool(name, config)
}

// Process handles an incoming message using the agentic loop and streams results.
func (r *AgenticRuntime) Process(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	return r.loop.Run(ctx, session, msg)
}

// ExecutorMetrics returns a snapshot of metrics from the tool executor.
func (r *AgenticRuntime) ExecutorMetrics() *ExecutorMetricsSnapshot {
	return r.loop.executor.Metrics()
}
