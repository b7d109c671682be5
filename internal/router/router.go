// Package router implements a deterministic, model-free router from a user
// request to a pre-built execution blueprint. It exists because
// container/sandbox actions are not read-only: a wrong auto-start is
// expensive, so routing leans on two similarity thresholds rather than a
// single cutoff, and never falls back to a freestyle response on a weak
// match.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/reasonhub/reasonhub/internal/graphhygiene"
)

const (
	// ThresholdStrict: score at or above this auto-routes with no
	// confirmation.
	ThresholdStrict = 0.85
	// ThresholdSuggest: score at or above this (but below Strict) asks the
	// user to confirm against the top-2 candidates.
	ThresholdSuggest = 0.68
	// ThresholdPartial: below this, there is no usable match at all.
	ThresholdPartial = 0.52

	maxQueryLen = 200
)

// Decision is the outcome of one Route call.
type Decision string

const (
	DecisionUseBlueprint     Decision = "use_blueprint"
	DecisionSuggestBlueprint Decision = "suggest_blueprint"
	DecisionNoBlueprint      Decision = "no_blueprint"
)

// Candidate is a scored blueprint suggestion, used in RouteResult.Candidates
// for the suggest_blueprint case.
type Candidate struct {
	BlueprintID string
	Score       float64
}

// RouteResult is what Route returns.
type RouteResult struct {
	Decision    Decision
	BlueprintID string
	Score       float64
	Reason      string
	Candidates  []Candidate
}

// Searcher performs the semantic search against the blueprint graph. The
// Hub-backed implementation lives at the call site (internal/orchestrator),
// keeping this package free of any MCP dependency.
type Searcher interface {
	SearchBlueprints(ctx context.Context, query string, limit int) ([]graphhygiene.RawResult, error)
}

// Router routes a user request to a blueprint, or decides there isn't one.
type Router struct {
	Search    Searcher
	ActiveIDs graphhygiene.ActiveIDSource
}

// Route runs the full decision pipeline: build query → semantic search →
// graph hygiene (trust filter → dedupe → SQLite crosscheck, fail-closed) →
// threshold decision. It never returns an error: any failure degrades to
// DecisionNoBlueprint with Reason set, so a router outage cannot break the
// turn it's trying to help route.
func (r *Router) Route(ctx context.Context, userText, intent string, topK int) RouteResult {
	if topK <= 0 {
		topK = 5
	}

	query := buildQuery(userText, intent)
	results, err := r.Search.SearchBlueprints(ctx, query, topK)
	if err != nil {
		return RouteResult{Decision: DecisionNoBlueprint, Reason: fmt.Sprintf("router error: %v", err)}
	}
	if len(results) == 0 {
		return RouteResult{Decision: DecisionNoBlueprint, Reason: "no blueprint found in graph"}
	}

	raw := make([]graphhygiene.Candidate, 0, len(results))
	for _, res := range results {
		c, ok := graphhygiene.ParseCandidate(res)
		if !ok {
			continue
		}
		raw = append(raw, c)
	}

	trustFilter := func(c graphhygiene.Candidate) bool {
		return c.BlueprintID != "" && c.Meta["trust_level"] == "verified"
	}

	candidates, _ := graphhygiene.Apply(ctx, raw, graphhygiene.Options{
		FailClosed:  true,
		ExtraFilter: trustFilter,
		ActiveIDs:   r.ActiveIDs,
	})
	if len(candidates) == 0 {
		return RouteResult{Decision: DecisionNoBlueprint, Reason: "no verified, active blueprints after hygiene filter"}
	}

	best := candidates[0]
	switch {
	case best.Score >= ThresholdStrict:
		return RouteResult{
			Decision:    DecisionUseBlueprint,
			BlueprintID: best.BlueprintID,
			Score:       best.Score,
			Reason:      fmt.Sprintf("high confidence (%.2f) -> auto-route %q", best.Score, best.BlueprintID),
		}
	case best.Score >= ThresholdSuggest:
		return RouteResult{
			Decision:    DecisionSuggestBlueprint,
			BlueprintID: best.BlueprintID,
			Score:       best.Score,
			Reason:      fmt.Sprintf("not confident enough for auto-route (%.2f) -- needs confirmation", best.Score),
			Candidates:  topCandidates(candidates, 2),
		}
	case best.Score >= ThresholdPartial:
		return RouteResult{
			Decision: DecisionNoBlueprint,
			Score:    best.Score,
			Reason:   fmt.Sprintf("partial match (%.2f) below suggest threshold %.2f", best.Score, ThresholdSuggest),
		}
	default:
		return RouteResult{
			Decision: DecisionNoBlueprint,
			Score:    best.Score,
			Reason:   fmt.Sprintf("no matching blueprint (best score: %.2f)", best.Score),
		}
	}
}

func buildQuery(userText, intent string) string {
	var parts []string
	intent = strings.TrimSpace(intent)
	if intent != "" && intent != "unknown" {
		parts = append(parts, intent)
	}
	if t := strings.TrimSpace(userText); t != "" {
		parts = append(parts, t)
	}
	q := strings.Join(parts, " ")
	if len(q) > maxQueryLen {
		q = q[:maxQueryLen]
	}
	return q
}

func topCandidates(candidates []graphhygiene.Candidate, n int) []Candidate {
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]Candidate, 0, n)
	for _, c := range candidates[:n] {
		out = append(out, Candidate{BlueprintID: c.BlueprintID, Score: c.Score})
	}
	return out
}
