// Package entity tracks every actor observed in the event stream.
package entity

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lazypower/vigil/internal/errors"
)

// State is an actor's activity state as mirrored from consolidation.
type State string

const (
	StateActive  State = "ACTIVE"
	StateDormant State = "DORMANT"
)

// Actor is a tracked participant. Created on first reference, never deleted.
type Actor struct {
	ID         string            `json:"id"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
	State      State             `json:"state"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

const shardCount = 64

type record struct {
	mu      sync.Mutex
	actor   Actor
	stamped map[string]time.Time // per-attribute observation time
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// Store is a lock-striped actor table. The shard lock only guards map
// membership; each actor carries its own mutex, so updates to different
// actors never wait on each other beyond a map lookup.
type Store struct {
	shards [shardCount]*shard
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%shardCount]
}

func (s *Store) record(id string) *record {
	sh := s.shardFor(id)
	sh.mu.RLock()
	r, ok := sh.records[id]
	sh.mu.RUnlock()
	if ok {
		return r
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r, ok = sh.records[id]; ok {
		return r
	}
	r = &record{actor: Actor{ID: id, State: StateActive}, stamped: make(map[string]time.Time)}
	sh.records[id] = r
	return r
}

func (s *Store) lookup(id string) (*record, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	r, ok := sh.records[id]
	return r, ok
}

// Upsert records an observation of the actor at ts. Attributes merge
// last-write-wins per key by observation time, so replaying events in any
// order converges on the same record.
func (s *Store) Upsert(id string, attrs map[string]string, ts time.Time) (Actor, error) {
	if id == "" {
		return Actor{}, errors.Validationf("upsert: empty actor identifier")
	}
	if ts.IsZero() {
		return Actor{}, errors.Validationf("upsert %q: missing timestamp", id)
	}
	ts = ts.UTC()

	r := s.record(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	a := &r.actor
	if a.FirstSeen.IsZero() || ts.Before(a.FirstSeen) {
		a.FirstSeen = ts
	}
	if ts.After(a.LastSeen) {
		a.LastSeen = ts
	}
	for k, v := range attrs {
		prev, seen := r.stamped[k]
		if seen && ts.Before(prev) {
			continue
		}
		// equal timestamps resolve on value so the winner is order independent
		if seen && ts.Equal(prev) && v < a.Attributes[k] {
			continue
		}
		if a.Attributes == nil {
			a.Attributes = make(map[string]string)
		}
		a.Attributes[k] = v
		r.stamped[k] = ts
	}
	return copyActor(*a), nil
}

// Get returns a copy of the actor.
func (s *Store) Get(id string) (Actor, error) {
	r, ok := s.lookup(id)
	if !ok {
		return Actor{}, errors.NotFoundf("actor %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyActor(r.actor), nil
}

// SetState updates the actor's state.
func (s *Store) SetState(id string, state State) error {
	r, ok := s.lookup(id)
	if !ok {
		return errors.NotFoundf("actor %q", id)
	}
	r.mu.Lock()
	r.actor.State = state
	r.mu.Unlock()
	return nil
}

// Restore installs a checkpointed actor, replacing any existing record.
func (s *Store) Restore(a Actor) {
	r := s.record(a.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actor = copyActor(a)
	for k := range a.Attributes {
		r.stamped[k] = a.LastSeen
	}
}

// List returns all actors sorted by ID.
func (s *Store) List() []Actor {
	var out []Actor
	for _, sh := range s.shards {
		sh.mu.RLock()
		recs := make([]*record, 0, len(sh.records))
		for _, r := range sh.records {
			recs = append(recs, r)
		}
		sh.mu.RUnlock()
		for _, r := range recs {
			r.mu.Lock()
			out = append(out, copyActor(r.actor))
			r.mu.Unlock()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked actors.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}

func copyActor(a Actor) Actor {
	if a.Attributes != nil {
		attrs := make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			attrs[k] = v
		}
		a.Attributes = attrs
	}
	return a
}
