package graph

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time copy of the graph, sorted by edge key.
// Ring detection and consolidation read from snapshots so concurrent
// ingestion never changes what a single run sees.
type Snapshot struct {
	Edges   []Relationship
	Scoring Scoring
	TakenAt time.Time
}

// ByActor indexes edges by endpoint. Index lists are in key order.
func (s Snapshot) ByActor() map[string][]int {
	idx := make(map[string][]int)
	for i, r := range s.Edges {
		idx[r.Source] = append(idx[r.Source], i)
		idx[r.Target] = append(idx[r.Target], i)
	}
	return idx
}

// Actors returns every endpoint in the snapshot, sorted.
func (s Snapshot) Actors() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.Edges {
		for _, a := range []string{r.Source, r.Target} {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out
}
