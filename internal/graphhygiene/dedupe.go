package graphhygiene

import "sort"

// DedupeLatestByBlueprintID keeps exactly one candidate per BlueprintID: the
// one with the latest (UpdatedAt, NodeID) tuple, so a tie on timestamp
// breaks deterministically on node id rather than on map iteration order.
// The result is sorted by Score, descending.
func DedupeLatestByBlueprintID(candidates []Candidate) []Candidate {
	latest := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		if c.BlueprintID == "" {
			continue
		}
		existing, ok := latest[c.BlueprintID]
		if !ok || isLater(c, existing) {
			latest[c.BlueprintID] = c
		}
	}

	out := make([]Candidate, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func isLater(a, b Candidate) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.NodeID > b.NodeID
}
