// Package inference derives relationship updates from single events.
package inference

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
	"github.com/lazypower/vigil/internal/logger"
	"github.com/lazypower/vigil/internal/memory"
	"github.com/lazypower/vigil/internal/signature"
)

// Config tunes the inference rules.
type Config struct {
	Window           time.Duration
	SyncWindow       time.Duration
	MinCoOccurrence  int
	MimicryThreshold float64
	MimicryMinEvents int
	MaxWindowEvents  int
	Retention        time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Window:           15 * time.Minute,
		SyncWindow:       2 * time.Minute,
		MinCoOccurrence:  2,
		MimicryThreshold: 0.9,
		MimicryMinEvents: 5,
		MaxWindowEvents:  4096,
		Retention:        time.Hour,
	}
}

// EdgeSource lists an actor's current relationships. *graph.Graph
// satisfies it.
type EdgeSource interface {
	Edges(actor string) []graph.Relationship
}

// Inferer applies the relationship rules to each event:
//
//   - co_occurrence: actors listed on the same event
//   - interaction: the primary actor and the declared counterpart
//   - shared_infrastructure: actors seen on the same channel within Window
//   - coordination: actors emitting the same event type within SyncWindow
//   - mimicry: an actor whose recent behavior matches another actor's
//     stored pattern
//
// Each rule depends only on the event and what the index has retained, so
// replaying a log yields the same updates.
type Inferer struct {
	cfg     Config
	scoring graph.Scoring

	channels *windowIndex
	types    *windowIndex
	recent   *recentIndex

	querier memory.Querier
	edges   EdgeSource

	log *zap.SugaredLogger
}

// New builds an Inferer. querier and edges may be nil, which disables the
// mimicry rule.
func New(cfg Config, scoring graph.Scoring, querier memory.Querier, edges EdgeSource, log *zap.SugaredLogger) *Inferer {
	maxEntries := cfg.MaxWindowEvents
	if maxEntries <= 0 {
		maxEntries = DefaultConfig().MaxWindowEvents
	}
	minCount := cfg.MinCoOccurrence
	if minCount < 1 {
		minCount = 1
	}
	return &Inferer{
		cfg:      cfg,
		scoring:  scoring,
		channels: newWindowIndex(graph.SharedInfrastructure, cfg.Window, cfg.Retention, minCount, maxEntries),
		types:    newWindowIndex(graph.Coordination, cfg.SyncWindow, cfg.Retention, minCount, maxEntries),
		recent:   newRecentIndex(cfg.Window, recentCap(cfg.MimicryMinEvents)),
		querier:  querier,
		edges:    edges,
		log:      logger.Named(log, "inference"),
	}
}

// Infer returns the relationship updates implied by e, ordered by edge key.
// Updates carry only e and events already indexed.
func (in *Inferer) Infer(ctx context.Context, e evidence.Event) []graph.RelationshipUpdate {
	if ctx.Err() != nil {
		return nil
	}
	var updates []graph.RelationshipUpdate
	mine := graph.Evidence{EventID: e.ID, Timestamp: e.Timestamp, Weight: e.Weight()}

	actors := uniqueActors(e.Actors)
	for i := 0; i < len(actors); i++ {
		for j := i + 1; j < len(actors); j++ {
			src, dst := graph.Canonical(actors[i], actors[j])
			updates = append(updates, graph.RelationshipUpdate{
				Source: src, Target: dst, Type: graph.CoOccurrence,
				Evidence: []graph.Evidence{mine},
			})
		}
	}

	if cp := e.Counterpart; cp != "" && cp != e.Primary() {
		src, dst := graph.Canonical(e.Primary(), cp)
		updates = append(updates, graph.RelationshipUpdate{
			Source: src, Target: dst, Type: graph.Interaction,
			Evidence: []graph.Evidence{mine},
		})
	}

	updates = append(updates, in.channels.observe(e.Channel, e)...)
	updates = append(updates, in.types.observe(e.Type, e)...)
	updates = append(updates, in.mimicry(e)...)

	for i := range updates {
		u := &updates[i]
		maxW := 0.0
		for _, ev := range u.Evidence {
			if ev.Weight > maxW {
				maxW = ev.Weight
			}
		}
		u.Contribution = in.scoring.Contribution(u.Type, maxW)
	}
	sort.SliceStable(updates, func(i, j int) bool {
		return graph.EdgeKey(updates[i].Source, updates[i].Target, updates[i].Type) <
			graph.EdgeKey(updates[j].Source, updates[j].Target, updates[j].Type)
	})
	return updates
}

func (in *Inferer) mimicry(e evidence.Event) []graph.RelationshipUpdate {
	if in.querier == nil || in.cfg.MimicryMinEvents <= 0 {
		return nil
	}
	actor := e.Primary()
	recent := in.recent.add(actor, e)
	if len(recent) < in.cfg.MimicryMinEvents {
		return nil
	}

	var edges []graph.Relationship
	if in.edges != nil {
		edges = in.edges.Edges(actor)
	}
	sig := signature.Extract(recent, edges, in.scoring, e.Timestamp.Add(time.Nanosecond))

	matches, err := in.querier.Query(sig, mimicryTopK)
	if err != nil {
		if !errors.IsEmptyIndex(err) {
			in.log.Debugw("mimicry query failed", "actor", actor, "error", err)
		}
		return nil
	}

	var out []graph.RelationshipUpdate
	seen := map[string]bool{actor: true}
	for _, m := range matches {
		p := m.Pattern
		if p.SubjectKind != memory.KindActor || seen[p.SubjectID] || m.Similarity < in.cfg.MimicryThreshold {
			continue
		}
		seen[p.SubjectID] = true
		src, dst := graph.Canonical(actor, p.SubjectID)
		out = append(out, graph.RelationshipUpdate{
			Source: src, Target: dst, Type: graph.Mimicry,
			Evidence: []graph.Evidence{{EventID: e.ID, Timestamp: e.Timestamp, Weight: m.Similarity}},
		})
	}
	return out
}

const mimicryTopK = 8

func recentCap(minEvents int) int {
	if minEvents*4 > 64 {
		return minEvents * 4
	}
	return 64
}

// recentIndex keeps each actor's latest events within a window.
type recentIndex struct {
	window  time.Duration
	limit   int
	stripes [bucketShards]*recentStripe
}

type recentStripe struct {
	mu     sync.Mutex
	events map[string][]evidence.Event
}

func newRecentIndex(window time.Duration, limit int) *recentIndex {
	r := &recentIndex{window: window, limit: limit}
	for i := range r.stripes {
		r.stripes[i] = &recentStripe{events: make(map[string][]evidence.Event)}
	}
	return r
}

// add records e for actor and returns a copy of the actor's events within
// the window ending at e's timestamp.
func (r *recentIndex) add(actor string, e evidence.Event) []evidence.Event {
	st := r.stripes[xxhash.Sum64String(actor)%bucketShards]
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, x := range st.events[actor] {
		if x.ID == e.ID {
			return nil
		}
	}
	e.Payload = nil
	evs := append(st.events[actor], e)
	sort.Slice(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].ID < evs[j].ID
	})
	if len(evs) > r.limit {
		evs = evs[len(evs)-r.limit:]
	}
	st.events[actor] = evs

	var out []evidence.Event
	for _, x := range evs {
		if !x.Timestamp.Before(e.Timestamp.Add(-r.window)) && !x.Timestamp.After(e.Timestamp) {
			out = append(out, x)
		}
	}
	return out
}
