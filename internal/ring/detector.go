// Package ring finds clusters of actors joined by high-confidence edges.
package ring

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/graph"
)

// Ring is a detected cluster.
type Ring struct {
	ID         string               `json:"id"`
	Members    []string             `json:"members"`
	FormedAt   time.Time            `json:"formed_at"`
	Confidence float64              `json:"confidence"`
	Edges      []graph.Relationship `json:"edges"`
}

// Options tunes a detection run. AsOf, when set, scores edges by their
// decayed confidence at that instant; otherwise stored confidence is used.
type Options struct {
	MinConfidence float64   `json:"min_confidence"`
	MinSize       int       `json:"min_size"`
	DensityFloor  float64   `json:"density_floor"`
	AsOf          time.Time `json:"as_of,omitempty"`
}

// Validate rejects nonsensical thresholds.
func (o Options) Validate() error {
	if o.MinConfidence < 0 || o.MinConfidence > 1 {
		return errors.Validationf("min_confidence %v outside [0,1]", o.MinConfidence)
	}
	if o.MinSize < 2 {
		return errors.Validationf("min_size must be at least 2, got %d", o.MinSize)
	}
	if o.DensityFloor < 0 || o.DensityFloor > 1 {
		return errors.Validationf("density_floor %v outside [0,1]", o.DensityFloor)
	}
	return nil
}

// Batch is one persisted detection run.
type Batch struct {
	ID         string    `json:"id"`
	DetectedAt time.Time `json:"detected_at"`
	Options    Options   `json:"options"`
	Rings      []Ring    `json:"rings"`
}

// NewBatch wraps a detection result for persistence.
func NewBatch(opts Options, rings []Ring, at time.Time) Batch {
	return Batch{ID: "batch-" + uuid.NewString(), DetectedAt: at.UTC(), Options: opts, Rings: rings}
}

// Source serves the most recent ring batch to consolidation.
type Source interface {
	LatestRings() ([]Ring, error)
}

// ID derives a ring's identity from its sorted member list, so the same
// cluster detected again keeps its ID.
func ID(members []string) string {
	return fmt.Sprintf("ring-%016x", xxhash.Sum64String(strings.Join(members, "\x00")))
}

type pair struct{ a, b string }

type component struct {
	adj    map[string]map[string]float64
	byPair map[pair][]graph.Relationship
	opts   Options
}

// Detect partitions the snapshot's qualifying edges into rings. It only
// reads the snapshot; identical inputs always produce identical output.
func Detect(snap graph.Snapshot, opts Options) ([]Ring, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := component{
		adj:    make(map[string]map[string]float64),
		byPair: make(map[pair][]graph.Relationship),
		opts:   opts,
	}
	for _, r := range snap.Edges {
		conf := r.Confidence
		if !opts.AsOf.IsZero() {
			conf = snap.Scoring.Effective(r, opts.AsOf)
		}
		if conf < opts.MinConfidence {
			continue
		}
		p := pair{r.Source, r.Target}
		c.byPair[p] = append(c.byPair[p], r)
		c.connect(r.Source, r.Target, conf)
	}

	nodes := make([]string, 0, len(c.adj))
	for n := range c.adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	var rings []Ring
	for _, members := range c.split(nodes) {
		for _, kept := range c.refine(members) {
			rings = append(rings, c.ring(kept))
		}
	}

	sort.Slice(rings, func(i, j int) bool {
		a, b := rings[i], rings[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.FormedAt.Equal(b.FormedAt) {
			return a.FormedAt.Before(b.FormedAt)
		}
		return a.ID < b.ID
	})
	return rings, nil
}

func (c *component) connect(a, b string, w float64) {
	for _, n := range []string{a, b} {
		if c.adj[n] == nil {
			c.adj[n] = make(map[string]float64)
		}
	}
	// parallel edges of different types collapse to the strongest
	if w > c.adj[a][b] {
		c.adj[a][b] = w
		c.adj[b][a] = w
	}
}

// split returns the connected components of the subgraph induced by nodes
// (sorted), each sorted.
func (c *component) split(nodes []string) [][]string {
	in := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}
	seen := make(map[string]bool, len(nodes))
	var out [][]string
	for _, start := range nodes {
		if seen[start] {
			continue
		}
		var comp []string
		queue := []string{start}
		seen[start] = true
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			comp = append(comp, n)
			for _, m := range sortedKeys(c.adj[n]) {
				if in[m] && !seen[m] {
					seen[m] = true
					queue = append(queue, m)
				}
			}
		}
		sort.Strings(comp)
		out = append(out, comp)
	}
	return out
}

// refine peels members whose share of in-component neighbors falls below
// the density floor, re-splitting after each removal, and returns the
// surviving clusters of at least MinSize.
func (c *component) refine(members []string) [][]string {
	if len(members) < c.opts.MinSize {
		return nil
	}
	if c.opts.DensityFloor <= 0 {
		return [][]string{members}
	}

	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	n := len(members)
	weakest, weakDeg, weakW := "", 0, 0.0
	for _, m := range members {
		deg, w := 0, 0.0
		for _, nb := range sortedKeys(c.adj[m]) {
			if in[nb] {
				deg++
				w += c.adj[m][nb]
			}
		}
		if float64(deg)/float64(n-1) >= c.opts.DensityFloor {
			continue
		}
		if weakest == "" || deg < weakDeg || (deg == weakDeg && (w < weakW || (w == weakW && m > weakest))) {
			weakest, weakDeg, weakW = m, deg, w
		}
	}
	if weakest == "" {
		if density(c, members) < c.opts.DensityFloor {
			return nil
		}
		return [][]string{members}
	}

	rest := make([]string, 0, n-1)
	for _, m := range members {
		if m != weakest {
			rest = append(rest, m)
		}
	}
	var out [][]string
	for _, sub := range c.split(rest) {
		out = append(out, c.refine(sub)...)
	}
	return out
}

func density(c *component, members []string) float64 {
	n := len(members)
	if n < 2 {
		return 0
	}
	return float64(internalPairs(c, members)) / float64(n*(n-1)/2)
}

func internalPairs(c *component, members []string) int {
	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	count := 0
	for _, m := range members {
		for nb := range c.adj[m] {
			if in[nb] && m < nb {
				count++
			}
		}
	}
	return count
}

func (c *component) ring(members []string) Ring {
	in := make(map[string]bool, len(members))
	for _, m := range members {
		in[m] = true
	}
	r := Ring{ID: ID(members), Members: members}

	var sum float64
	for _, m := range members {
		for _, nb := range sortedKeys(c.adj[m]) {
			if !in[nb] || m >= nb {
				continue
			}
			sum += c.adj[m][nb]
			for _, e := range c.byPair[pair{m, nb}] {
				r.Edges = append(r.Edges, e)
				if r.FormedAt.IsZero() || e.FormedAt().Before(r.FormedAt) {
					r.FormedAt = e.FormedAt()
				}
			}
		}
	}
	sort.Slice(r.Edges, func(i, j int) bool { return r.Edges[i].Key() < r.Edges[j].Key() })
	r.Confidence = sum / float64(len(members))
	return r
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
