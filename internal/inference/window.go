package inference

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
)

const bucketShards = 32

type entry struct {
	actor  string
	id     evidence.EventID
	ts     time.Time
	weight float64
}

type pending struct {
	matches  int
	live     bool
	evidence map[evidence.EventID]graph.Evidence
	newest   time.Time
}

type bucket struct {
	entries []entry // sorted by ts, then id
	pending map[string]*pending
	newest  time.Time
}

type stripe struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// windowIndex finds actors whose events share a key (a channel or an event
// type) within a time window, and emits an edge once a pair has matched at
// least minCount times.
type windowIndex struct {
	typ        graph.RelType
	window     time.Duration
	retention  time.Duration
	minCount   int
	maxEntries int
	stripes    [bucketShards]*stripe
}

// newWindowIndex builds an index. Entries older than retention behind the
// newest event in their bucket are dropped, so events arriving later than
// that are matched only against what is still retained.
func newWindowIndex(typ graph.RelType, window, retention time.Duration, minCount, maxEntries int) *windowIndex {
	if retention < window {
		retention = window
	}
	w := &windowIndex{typ: typ, window: window, retention: retention, minCount: minCount, maxEntries: maxEntries}
	for i := range w.stripes {
		w.stripes[i] = &stripe{buckets: make(map[string]*bucket)}
	}
	return w
}

// observe records e under key and returns the updates it triggers.
func (w *windowIndex) observe(key string, e evidence.Event) []graph.RelationshipUpdate {
	if key == "" {
		return nil
	}
	st := w.stripes[xxhash.Sum64String(key)%bucketShards]
	st.mu.Lock()
	defer st.mu.Unlock()

	b, ok := st.buckets[key]
	if !ok {
		b = &bucket{pending: make(map[string]*pending)}
		st.buckets[key] = b
	}
	if b.has(e.ID, e.Timestamp) {
		return nil
	}

	actors := uniqueActors(e.Actors)
	mine := graph.Evidence{EventID: e.ID, Timestamp: e.Timestamp, Weight: e.Weight()}

	lo := sort.Search(len(b.entries), func(i int) bool {
		return !b.entries[i].ts.Before(e.Timestamp.Add(-w.window))
	})
	emit := make(map[string]*graph.RelationshipUpdate)
	var order []string
	for i := lo; i < len(b.entries) && !b.entries[i].ts.After(e.Timestamp.Add(w.window)); i++ {
		other := b.entries[i]
		if other.id == e.ID {
			continue
		}
		theirs := graph.Evidence{EventID: other.id, Timestamp: other.ts, Weight: other.weight}
		for _, a := range actors {
			if a == other.actor {
				continue
			}
			src, dst := graph.Canonical(a, other.actor)
			pk := graph.EdgeKey(src, dst, w.typ)
			p := b.pending[pk]
			if p == nil {
				p = &pending{evidence: make(map[evidence.EventID]graph.Evidence)}
				b.pending[pk] = p
			}
			p.matches++
			if e.Timestamp.After(p.newest) {
				p.newest = e.Timestamp
			}
			if other.ts.After(p.newest) {
				p.newest = other.ts
			}

			u, ok := emit[pk]
			if !ok {
				u = &graph.RelationshipUpdate{Source: src, Target: dst, Type: w.typ}
			}
			switch {
			case p.live:
				u.Evidence = append(u.Evidence, mine, theirs)
			case p.matches >= w.minCount:
				p.evidence[mine.EventID] = mine
				p.evidence[theirs.EventID] = theirs
				for _, ev := range p.evidence {
					u.Evidence = append(u.Evidence, ev)
				}
				p.live = true
				p.evidence = nil
			default:
				p.evidence[mine.EventID] = mine
				p.evidence[theirs.EventID] = theirs
				continue
			}
			if !ok {
				emit[pk] = u
				order = append(order, pk)
			}
		}
	}

	for _, a := range actors {
		b.insert(entry{actor: a, id: e.ID, ts: e.Timestamp, weight: e.Weight()})
	}
	if e.Timestamp.After(b.newest) {
		b.newest = e.Timestamp
	}
	b.prune(b.newest.Add(-w.retention), w.maxEntries)

	sort.Strings(order)
	out := make([]graph.RelationshipUpdate, 0, len(order))
	for _, pk := range order {
		out = append(out, *emit[pk])
	}
	return out
}

func (b *bucket) has(id evidence.EventID, ts time.Time) bool {
	i := sort.Search(len(b.entries), func(i int) bool { return !b.entries[i].ts.Before(ts) })
	for ; i < len(b.entries) && b.entries[i].ts.Equal(ts); i++ {
		if b.entries[i].id == id {
			return true
		}
	}
	return false
}

func (b *bucket) insert(en entry) {
	i := sort.Search(len(b.entries), func(i int) bool {
		x := b.entries[i]
		if !x.ts.Equal(en.ts) {
			return x.ts.After(en.ts)
		}
		return x.id > en.id || (x.id == en.id && x.actor >= en.actor)
	})
	b.entries = append(b.entries, entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = en
}

func (b *bucket) prune(cutoff time.Time, maxEntries int) {
	drop := sort.Search(len(b.entries), func(i int) bool { return !b.entries[i].ts.Before(cutoff) })
	if over := len(b.entries) - drop - maxEntries; maxEntries > 0 && over > 0 {
		drop += over
	}
	if drop > 0 {
		b.entries = append(b.entries[:0:0], b.entries[drop:]...)
	}
	for k, p := range b.pending {
		if !p.live && p.newest.Before(cutoff) {
			delete(b.pending, k)
		}
	}
}

func uniqueActors(actors []string) []string {
	seen := make(map[string]bool, len(actors))
	out := make([]string, 0, len(actors))
	for _, a := range actors {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}
