package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/logger"
)

const shardCount = 64

type edge struct {
	mu  sync.Mutex
	rel Relationship
}

type shard struct {
	mu    sync.RWMutex
	edges map[string]*edge
	adj   map[string]map[string]struct{} // actor -> edge keys, for actors hashed here
}

// Graph is a lock-striped table of relationships. Writers touching
// different edges proceed in parallel; a single edge's trail is mutated
// under its own mutex.
type Graph struct {
	scoring Scoring
	shards  [shardCount]*shard
	log     *zap.SugaredLogger
}

// New returns an empty graph scored by s.
func New(s Scoring, log *zap.SugaredLogger) *Graph {
	g := &Graph{scoring: s, log: logger.Named(log, "graph")}
	for i := range g.shards {
		g.shards[i] = &shard{
			edges: make(map[string]*edge),
			adj:   make(map[string]map[string]struct{}),
		}
	}
	return g
}

// Scoring returns the confidence rule parameters.
func (g *Graph) Scoring() Scoring { return g.scoring }

func (g *Graph) shardFor(key string) *shard {
	return g.shards[xxhash.Sum64String(key)%shardCount]
}

func (g *Graph) edgeFor(a, b string, t RelType) *edge {
	src, dst := Canonical(a, b)
	key := EdgeKey(src, dst, t)
	sh := g.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.edges[key]
	sh.mu.RUnlock()
	if ok {
		return e
	}

	sh.mu.Lock()
	if e, ok = sh.edges[key]; ok {
		sh.mu.Unlock()
		return e
	}
	e = &edge{rel: Relationship{Source: src, Target: dst, Type: t}}
	sh.edges[key] = e
	sh.mu.Unlock()

	g.link(src, key)
	g.link(dst, key)
	return e
}

func (g *Graph) link(actor, key string) {
	sh := g.shardFor(actor)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	set, ok := sh.adj[actor]
	if !ok {
		set = make(map[string]struct{})
		sh.adj[actor] = set
	}
	set[key] = struct{}{}
}

// Apply merges an update into its edge, creating the edge on first
// evidence, and returns the edge's new state. Applying the same update
// twice is a no-op.
func (g *Graph) Apply(u RelationshipUpdate) (Relationship, error) {
	if err := u.Validate(); err != nil {
		return Relationship{}, err
	}
	e := g.edgeFor(u.Source, u.Target, u.Type)

	e.mu.Lock()
	defer e.mu.Unlock()

	trail := make([]Evidence, len(e.rel.Evidence), len(e.rel.Evidence)+len(u.Evidence))
	copy(trail, e.rel.Evidence)
	trail, changed := mergeEvidence(trail, u.Evidence)
	if changed {
		e.rel.Evidence = trail
		e.rel.LastUpdated = trail[len(trail)-1].Timestamp
		e.rel.Confidence = g.scoring.Confidence(e.rel.Type, trail)
		g.log.Debugw("edge updated",
			"source", e.rel.Source, "target", e.rel.Target, "type", e.rel.Type,
			"evidence", len(trail), "confidence", e.rel.Confidence)
	}
	return copyRel(e.rel), nil
}

// Restore installs a checkpointed relationship, recomputing its confidence.
func (g *Graph) Restore(r Relationship) error {
	u := RelationshipUpdate{Source: r.Source, Target: r.Target, Type: r.Type, Evidence: r.Evidence}
	_, err := g.Apply(u)
	return err
}

// Get returns the edge between a and b of type t.
func (g *Graph) Get(a, b string, t RelType) (Relationship, error) {
	key := EdgeKey(a, b, t)
	sh := g.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.edges[key]
	sh.mu.RUnlock()
	if !ok {
		return Relationship{}, errors.NotFoundf("relationship %s-%s (%s)", a, b, t)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rel.Evidence) == 0 {
		return Relationship{}, errors.NotFoundf("relationship %s-%s (%s)", a, b, t)
	}
	return copyRel(e.rel), nil
}

// Edges returns every relationship touching actor, sorted by key.
func (g *Graph) Edges(actor string) []Relationship {
	sh := g.shardFor(actor)
	sh.mu.RLock()
	keys := make([]string, 0, len(sh.adj[actor]))
	for k := range sh.adj[actor] {
		keys = append(keys, k)
	}
	sh.mu.RUnlock()
	sort.Strings(keys)

	out := make([]Relationship, 0, len(keys))
	for _, k := range keys {
		esh := g.shardFor(k)
		esh.mu.RLock()
		e := esh.edges[k]
		esh.mu.RUnlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if len(e.rel.Evidence) > 0 {
			out = append(out, copyRel(e.rel))
		}
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of edges with evidence.
func (g *Graph) Len() int {
	return len(g.Snapshot().Edges)
}

// Snapshot copies every edge. Each edge is copied atomically; edges applied
// while the snapshot is taken may or may not be included.
func (g *Graph) Snapshot() Snapshot {
	var edges []Relationship
	for _, sh := range g.shards {
		sh.mu.RLock()
		es := make([]*edge, 0, len(sh.edges))
		for _, e := range sh.edges {
			es = append(es, e)
		}
		sh.mu.RUnlock()
		for _, e := range es {
			e.mu.Lock()
			if len(e.rel.Evidence) > 0 {
				edges = append(edges, copyRel(e.rel))
			}
			e.mu.Unlock()
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })
	return Snapshot{Edges: edges, Scoring: g.scoring, TakenAt: time.Now().UTC()}
}

func copyRel(r Relationship) Relationship {
	trail := make([]Evidence, len(r.Evidence))
	copy(trail, r.Evidence)
	r.Evidence = trail
	return r
}
