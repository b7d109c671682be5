package graphhygiene

import "context"

// CrosscheckMode records which branch of the SQLite crosscheck a pipeline
// run took, surfaced in Metrics for logging.
type CrosscheckMode string

const (
	CrosscheckStrict           CrosscheckMode = "strict"
	CrosscheckFailClosedNoDB   CrosscheckMode = "fail_closed_no_sqlite"
	CrosscheckFailOpenNoDB     CrosscheckMode = "fail_open_no_sqlite"
)

// ActiveIDSource resolves the authoritative set of still-active node IDs
// against which graph candidates are crosschecked. A real implementation
// backs this with SQLite; returning an error means "the active set is
// unknown" rather than "the active set is empty".
type ActiveIDSource interface {
	ActiveNodeIDs(ctx context.Context) (map[string]bool, error)
}

// Metrics records how many candidates survived each pipeline stage, for
// structured logging at the call site.
type Metrics struct {
	Raw               int
	AfterExtraFilter  int
	Deduped           int
	AfterSQLiteFilter int
	CrosscheckMode    CrosscheckMode
}

// Options configures one Pipeline run.
type Options struct {
	// FailClosed: when the SQLite crosscheck cannot run (ActiveIDSource is
	// nil or errors), drop every candidate rather than let unverified hits
	// through. The router distilled in SPEC_FULL.md always sets this true;
	// FailClosed=false exists for lower-stakes callers (e.g. a read-only
	// "related notes" suggestion) that would rather degrade gracefully.
	FailClosed bool
	// ExtraFilter runs before dedupe, so a rejected candidate never wins a
	// dedupe tie against a candidate that would have passed.
	ExtraFilter func(Candidate) bool
	ActiveIDs   ActiveIDSource
}

// FilterAgainstActiveSet drops any candidate whose BlueprintID is not in the
// active set. See Options.FailClosed for how an unreachable active set is
// handled.
func FilterAgainstActiveSet(ctx context.Context, candidates []Candidate, opts Options) ([]Candidate, CrosscheckMode, error) {
	if opts.ActiveIDs == nil {
		if opts.FailClosed {
			return nil, CrosscheckFailClosedNoDB, nil
		}
		return candidates, CrosscheckFailOpenNoDB, nil
	}

	active, err := opts.ActiveIDs.ActiveNodeIDs(ctx)
	if err != nil {
		if opts.FailClosed {
			return nil, CrosscheckFailClosedNoDB, nil
		}
		return candidates, CrosscheckFailOpenNoDB, nil
	}

	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if active[c.BlueprintID] {
			out = append(out, c)
		}
	}
	return out, CrosscheckStrict, nil
}

// Apply runs the full hygiene pipeline: parse is the caller's
// responsibility (candidates must already be Candidate values), then
// extra-filter, dedupe-latest-by-blueprint-id, and SQLite crosscheck, in
// that order. It returns the survivors plus Metrics describing attrition at
// each stage.
func Apply(ctx context.Context, candidates []Candidate, opts Options) ([]Candidate, Metrics) {
	metrics := Metrics{Raw: len(candidates)}

	filtered := candidates
	if opts.ExtraFilter != nil {
		filtered = make([]Candidate, 0, len(candidates))
		for _, c := range candidates {
			if opts.ExtraFilter(c) {
				filtered = append(filtered, c)
			}
		}
	}
	metrics.AfterExtraFilter = len(filtered)

	deduped := DedupeLatestByBlueprintID(filtered)
	metrics.Deduped = len(deduped)

	final, mode, _ := FilterAgainstActiveSet(ctx, deduped, opts)
	metrics.AfterSQLiteFilter = len(final)
	metrics.CrosscheckMode = mode

	return final, metrics
}
