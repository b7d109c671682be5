package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/reasonhub/reasonhub/internal/sessions"
	"github.com/reasonhub/reasonhub/pkg/models"
)

// DeepLoopReasoner adapts an AgenticRuntime into orchestrator.DeepReasoner:
// a single Reason call opens a throwaway session, runs the full tool-use
// loop to completion, and collapses the streamed chunks into one answer.
// Tool registrations (native tools, MCP bridges) must already be on the
// wrapped runtime before Reason is called.
type DeepLoopReasoner struct {
	runtime  *AgenticRuntime
	sessions sessions.Store
	agentID  string
}

// NewDeepLoopReasoner wraps runtime for orchestrator handoff. sessions backs
// the throwaway per-turn session the loop needs; agentID labels it.
func NewDeepLoopReasoner(runtime *AgenticRuntime, store sessions.Store, agentID string) *DeepLoopReasoner {
	if agentID == "" {
		agentID = "deep-reasoner"
	}
	return &DeepLoopReasoner{runtime: runtime, sessions: store, agentID: agentID}
}

// Reason runs userText through the agentic loop and returns the final
// assistant text once the loop reports Done. plan is carried as session
// metadata so tools and the provider's system prompt can reference it.
func (d *DeepLoopReasoner) Reason(ctx context.Context, userText string, plan map[string]any) (string, error) {
	if d == nil || d.runtime == nil || d.sessions == nil {
		return "", fmt.Errorf("deep loop reasoner not configured")
	}

	sessionID := uuid.NewString()
	session := &models.Session{
		ID:       sessionID,
		AgentID:  d.agentID,
		Channel:  models.ChannelAPI,
		Key:      sessionID,
		Metadata: map[string]any{"plan": plan},
	}
	if err := d.sessions.Create(ctx, session); err != nil {
		return "", fmt.Errorf("deep loop reasoner: create session: %w", err)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Channel:   models.ChannelAPI,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   userText,
	}

	chunks, err := d.runtime.Process(ctx, session, msg)
	if err != nil {
		return "", fmt.Errorf("deep loop reasoner: process: %w", err)
	}

	var answer string
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("deep loop reasoner: %w", chunk.Error)
		}
		if chunk.Text != "" {
			answer += chunk.Text
		}
		if chunk.Done {
			break
		}
	}
	return answer, nil
}
