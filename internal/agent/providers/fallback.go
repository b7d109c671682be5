package providers

import (
	"context"
	"fmt"

	"github.com/reasonhub/reasonhub/internal/agent"
	"github.com/reasonhub/reasonhub/internal/models"
)

// FallbackProvider wraps a set of named LLMProviders and routes each
// completion through internal/models.RunWithModelFallback: the primary
// provider/model is tried first, then each "provider/model" entry in
// Fallbacks in order, stopping at the first one whose stream opens
// successfully. It implements agent.LLMProvider itself, so the rest of the
// pipeline (Thinking/Output layers) never knows fallback is happening.
type FallbackProvider struct {
	Providers       map[string]agent.LLMProvider
	PrimaryProvider string
	PrimaryModel    string
	Fallbacks       []string // "provider/model" entries, tried in order
}

var _ agent.LLMProvider = (*FallbackProvider)(nil)

// Name returns the primary provider's name, prefixed to mark this as a
// fallback-wrapped provider in logs.
func (p *FallbackProvider) Name() string {
	return "fallback:" + p.PrimaryProvider
}

// Models returns the union of every wrapped provider's models.
func (p *FallbackProvider) Models() []agent.Model {
	var out []agent.Model
	for _, prov := range p.Providers {
		out = append(out, prov.Models()...)
	}
	return out
}

// SupportsTools reports true only if every wrapped provider supports tools
// — a fallback mid-stream to a tool-incapable provider would silently drop
// the caller's tool definitions, which is worse than not offering the
// capability at all.
func (p *FallbackProvider) SupportsTools() bool {
	for _, prov := range p.Providers {
		if !prov.SupportsTools() {
			return false
		}
	}
	return len(p.Providers) > 0
}

// Complete runs the request against the primary provider/model, falling
// back through Fallbacks in order on a retryable/failover-eligible error.
func (p *FallbackProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	cfg := &models.FallbackConfig{
		PrimaryProvider: p.PrimaryProvider,
		PrimaryModel:    firstNonEmpty(req.Model, p.PrimaryModel),
		Fallbacks:       p.Fallbacks,
	}

	run := func(ctx context.Context, providerName, modelName string) (<-chan *agent.CompletionChunk, error) {
		prov, ok := p.Providers[providerName]
		if !ok {
			return nil, fmt.Errorf("fallback: unknown provider %q", providerName)
		}
		attemptReq := *req
		attemptReq.Model = modelName
		return prov.Complete(ctx, &attemptReq)
	}

	result, err := models.RunWithModelFallback(ctx, cfg, run, nil)
	if err != nil {
		return nil, fmt.Errorf("fallback: all providers exhausted: %w", err)
	}
	return result.Result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
