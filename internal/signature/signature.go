// Package signature turns a window of behavior into a fixed-length vector.
package signature

import (
	"math"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
)

// Layout of a signature vector.
const (
	TypeBuckets = 16
	edgeOffset  = TypeBuckets
	shapeOffset = edgeOffset + 5
	Size        = shapeOffset + 3
)

// Extract builds the signature for one subject over one window. events are
// the subject's events in the window; edges are the relationships touching
// the subject (or internal to a ring), scored as of asOf.
//
//	[0,16)  event type histogram, xxhash(type) % 16, normalized
//	[16,21) mean edge confidence per relationship type
//	[21]    mean strength hint
//	[22]    distinct channels per event
//	[23]    fraction of events naming a counterpart
func Extract(events []evidence.Event, edges []graph.Relationship, scoring graph.Scoring, asOf time.Time) []float64 {
	sig := make([]float64, Size)

	evs := make([]evidence.Event, len(events))
	copy(evs, events)
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].Seq != evs[j].Seq {
			return evs[i].Seq < evs[j].Seq
		}
		return evs[i].ID < evs[j].ID
	})

	if n := float64(len(evs)); n > 0 {
		channels := make(map[string]struct{})
		var strength, counterparts float64
		for _, e := range evs {
			sig[Bucket(e.Type)]++
			strength += e.Weight()
			if e.Counterpart != "" {
				counterparts++
			}
			channels[e.Channel] = struct{}{}
		}
		for i := 0; i < TypeBuckets; i++ {
			sig[i] /= n
		}
		sig[shapeOffset] = strength / n
		sig[shapeOffset+1] = float64(len(channels)) / n
		sig[shapeOffset+2] = counterparts / n
	}

	sorted := make([]graph.Relationship, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key() < sorted[j].Key() })

	for ti, typ := range graph.Types {
		var sum float64
		var count int
		for _, r := range sorted {
			if r.Type != typ {
				continue
			}
			c := scoring.ConfidenceAsOf(r, asOf)
			if c == 0 {
				continue
			}
			sum += c
			count++
		}
		if count > 0 {
			sig[edgeOffset+ti] = sum / float64(count)
		}
	}
	return sig
}

// Bucket maps an event type to its histogram slot.
func Bucket(eventType string) int {
	return int(xxhash.Sum64String(eventType) % TypeBuckets)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Blend returns (w*prev + next) / (w+1), element-wise.
func Blend(prev, next []float64, w float64) []float64 {
	out := make([]float64, len(next))
	for i := range next {
		var p float64
		if i < len(prev) {
			p = prev[i]
		}
		out[i] = (w*p + next[i]) / (w + 1)
	}
	return out
}
