package output

import (
	"context"
	"fmt"

	"github.com/reasonhub/reasonhub/internal/agent"
)

// Layer streams the final reply. No tool loop runs here — the orchestrator
// has already executed every tool call and folded the results into
// Request.ContextText, so this stage only ever produces text.
type Layer struct {
	Provider agent.LLMProvider
	Model    string
}

// Stream sends the built messages to the model and forwards text chunks.
// The channel closes when the model finishes or ctx is cancelled.
func (l *Layer) Stream(ctx context.Context, req Request) (<-chan string, error) {
	system := BuildSystemPrompt(req)
	messages := BuildMessages(req)

	reqMessages := make([]agent.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		reqMessages = append(reqMessages, agent.CompletionMessage{Role: m.Role, Content: m.Content})
	}

	completion, err := l.Provider.Complete(ctx, &agent.CompletionRequest{
		Model:    l.Model,
		System:   system,
		Messages: reqMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("output layer: start completion: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for chunk := range completion {
			if chunk.Error != nil {
				return
			}
			if chunk.Text == "" {
				continue
			}
			select {
			case out <- chunk.Text:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
