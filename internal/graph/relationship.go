// Package graph holds the weighted, typed relationships between actors and
// the evidence trail behind every edge.
package graph

import (
	"math"
	"sort"
	"time"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
)

// RelType classifies a relationship.
type RelType string

const (
	CoOccurrence         RelType = "co_occurrence"
	Interaction          RelType = "interaction"
	SharedInfrastructure RelType = "shared_infrastructure"
	Coordination         RelType = "coordination"
	Mimicry              RelType = "mimicry"
)

// Types lists every relationship type in a fixed order.
var Types = []RelType{CoOccurrence, Interaction, SharedInfrastructure, Coordination, Mimicry}

// Valid reports whether t is a known relationship type.
func (t RelType) Valid() bool {
	for _, k := range Types {
		if t == k {
			return true
		}
	}
	return false
}

// Evidence is one event cited by a relationship.
type Evidence struct {
	EventID          evidence.EventID `json:"event_id"`
	Timestamp        time.Time        `json:"timestamp"`
	Weight           float64          `json:"weight"`
	ClassifierScore  *float64         `json:"classifier_score,omitempty"`
	ClassifierSource string           `json:"classifier_source,omitempty"`
}

// Relationship is a typed edge between a canonically ordered pair of actors
// (Source < Target).
type Relationship struct {
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Type        RelType    `json:"type"`
	Confidence  float64    `json:"confidence"`
	LastUpdated time.Time  `json:"last_updated"`
	Evidence    []Evidence `json:"evidence"`
}

// Key returns the edge's identity.
func (r Relationship) Key() string { return EdgeKey(r.Source, r.Target, r.Type) }

// FormedAt is the timestamp of the oldest supporting event.
func (r Relationship) FormedAt() time.Time {
	if len(r.Evidence) == 0 {
		return time.Time{}
	}
	return r.Evidence[0].Timestamp
}

// Other returns the endpoint that is not actor.
func (r Relationship) Other(actor string) string {
	if r.Source == actor {
		return r.Target
	}
	return r.Source
}

// EventIDs lists the cited events in trail order.
func (r Relationship) EventIDs() []evidence.EventID {
	ids := make([]evidence.EventID, len(r.Evidence))
	for i, ev := range r.Evidence {
		ids[i] = ev.EventID
	}
	return ids
}

// RelationshipUpdate is an inference result waiting to be applied.
// Contribution is the confidence the update's evidence would carry on its
// own; it is kept for audit and does not affect the merged confidence.
type RelationshipUpdate struct {
	Source       string
	Target       string
	Type         RelType
	Evidence     []Evidence
	Contribution float64
}

// EdgeKey canonicalizes an unordered pair and type.
func EdgeKey(a, b string, t RelType) string {
	a, b = Canonical(a, b)
	return a + "\x00" + b + "\x00" + string(t)
}

// Canonical orders a pair.
func Canonical(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Scoring holds the confidence rule parameters.
type Scoring struct {
	BaseWeights      map[RelType]float64
	SaturationK      float64
	ClassifierWeight float64
	HalfLife         time.Duration
}

// DefaultScoring mirrors the configuration defaults.
func DefaultScoring() Scoring {
	return Scoring{
		BaseWeights: map[RelType]float64{
			CoOccurrence:         0.9,
			Interaction:          0.8,
			SharedInfrastructure: 0.6,
			Coordination:         0.7,
			Mimicry:              0.5,
		},
		SaturationK:      0.5,
		ClassifierWeight: 0.2,
		HalfLife:         30 * 24 * time.Hour,
	}
}

// Confidence computes an edge's confidence from its evidence set:
//
//	min(1, base * (1 - exp(-k * sum(weight))) + classifierWeight * max(score))
//
// It depends only on the set, never on arrival order, and never decreases
// when evidence is added.
func (s Scoring) Confidence(t RelType, trail []Evidence) float64 {
	if len(trail) == 0 {
		return 0
	}
	var sum, maxScore float64
	for _, ev := range trail {
		sum += clamp01(ev.Weight)
		if ev.ClassifierScore != nil && *ev.ClassifierScore > maxScore {
			maxScore = clamp01(*ev.ClassifierScore)
		}
	}
	c := s.BaseWeights[t]*saturate(s.SaturationK, sum) + s.ClassifierWeight*maxScore
	return clamp01(c)
}

// Contribution is the confidence a single piece of evidence carries alone.
func (s Scoring) Contribution(t RelType, weight float64) float64 {
	return clamp01(s.BaseWeights[t] * saturate(s.SaturationK, clamp01(weight)))
}

// ConfidenceAsOf recomputes the confidence from evidence timestamped
// strictly before t.
func (s Scoring) ConfidenceAsOf(r Relationship, t time.Time) float64 {
	n := sort.Search(len(r.Evidence), func(i int) bool {
		return !r.Evidence[i].Timestamp.Before(t)
	})
	return s.Confidence(r.Type, r.Evidence[:n])
}

// Effective decays r's confidence by the time elapsed since its newest
// evidence. Between reinforcements it only ever decreases.
func (s Scoring) Effective(r Relationship, at time.Time) float64 {
	if s.HalfLife <= 0 || !at.After(r.LastUpdated) {
		return r.Confidence
	}
	elapsed := at.Sub(r.LastUpdated).Hours() / s.HalfLife.Hours()
	return r.Confidence * math.Pow(0.5, elapsed)
}

// Validate checks an update before it touches the graph.
func (u RelationshipUpdate) Validate() error {
	if u.Source == "" || u.Target == "" {
		return errors.Validationf("relationship update: empty endpoint")
	}
	if u.Source == u.Target {
		return errors.Validationf("relationship update: self edge on %q", u.Source)
	}
	if !u.Type.Valid() {
		return errors.Validationf("relationship update: unknown type %q", u.Type)
	}
	if len(u.Evidence) == 0 {
		return errors.Validationf("relationship update %s-%s: no evidence", u.Source, u.Target)
	}
	for _, ev := range u.Evidence {
		if ev.EventID == "" || ev.Timestamp.IsZero() {
			return errors.Validationf("relationship update %s-%s: evidence without event id or timestamp", u.Source, u.Target)
		}
	}
	return nil
}

// mergeEvidence folds incoming into trail. Entries for the same event keep
// the larger weight and classifier score, so merging is commutative and
// applying the same update twice changes nothing.
func mergeEvidence(trail, incoming []Evidence) ([]Evidence, bool) {
	idx := make(map[evidence.EventID]int, len(trail))
	for i, ev := range trail {
		idx[ev.EventID] = i
	}
	changed := false
	for _, ev := range incoming {
		ev.Timestamp = ev.Timestamp.UTC()
		i, ok := idx[ev.EventID]
		if !ok {
			if ev.ClassifierScore != nil {
				score := *ev.ClassifierScore
				ev.ClassifierScore = &score
			}
			idx[ev.EventID] = len(trail)
			trail = append(trail, ev)
			changed = true
			continue
		}
		cur := &trail[i]
		if ev.Weight > cur.Weight {
			cur.Weight = ev.Weight
			changed = true
		}
		if ev.ClassifierScore != nil && (cur.ClassifierScore == nil || *ev.ClassifierScore > *cur.ClassifierScore ||
			(*ev.ClassifierScore == *cur.ClassifierScore && ev.ClassifierSource < cur.ClassifierSource)) {
			score := *ev.ClassifierScore
			cur.ClassifierScore = &score
			cur.ClassifierSource = ev.ClassifierSource
			changed = true
		}
	}
	sortTrail(trail)
	return trail, changed
}

func sortTrail(trail []Evidence) {
	sort.Slice(trail, func(i, j int) bool {
		if !trail[i].Timestamp.Equal(trail[j].Timestamp) {
			return trail[i].Timestamp.Before(trail[j].Timestamp)
		}
		return trail[i].EventID < trail[j].EventID
	})
}

func saturate(k, n float64) float64 { return 1 - math.Exp(-k*n) }

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
