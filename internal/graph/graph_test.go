package graph

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/vigil/internal/errors"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(id string, offset time.Duration, w float64) Evidence {
	return Evidence{EventID: id, Timestamp: t0.Add(offset), Weight: w}
}

func TestApplyCreatesCanonicalEdge(t *testing.T) {
	g := New(DefaultScoring(), nil)

	rel, err := g.Apply(RelationshipUpdate{
		Source: "b", Target: "a", Type: CoOccurrence,
		Evidence: []Evidence{ev("e1", 0, 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, "a", rel.Source)
	assert.Equal(t, "b", rel.Target)
	assert.Equal(t, t0, rel.LastUpdated)
	assert.InDelta(t, 0.9*(1-math.Exp(-0.5)), rel.Confidence, 1e-12)

	got, err := g.Get("a", "b", CoOccurrence)
	require.NoError(t, err)
	assert.Equal(t, rel, got)

	_, err = g.Get("a", "b", Mimicry)
	assert.True(t, errors.IsNotFound(err))
}

func TestApplyValidation(t *testing.T) {
	g := New(DefaultScoring(), nil)
	cases := map[string]RelationshipUpdate{
		"no evidence": {Source: "a", Target: "b", Type: Interaction},
		"self edge":   {Source: "a", Target: "a", Type: Interaction, Evidence: []Evidence{ev("e", 0, 1)}},
		"bad type":    {Source: "a", Target: "b", Type: "friendship", Evidence: []Evidence{ev("e", 0, 1)}},
		"no event id": {Source: "a", Target: "b", Type: Interaction, Evidence: []Evidence{{Timestamp: t0, Weight: 1}}},
	}
	for name, u := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := g.Apply(u)
			assert.True(t, errors.IsValidation(err))
		})
	}
	assert.Equal(t, 0, g.Len())
}

func TestApplyIsIdempotent(t *testing.T) {
	g := New(DefaultScoring(), nil)
	u := RelationshipUpdate{Source: "a", Target: "b", Type: Interaction, Evidence: []Evidence{ev("e1", 0, 0.5)}}

	first, err := g.Apply(u)
	require.NoError(t, err)
	second, err := g.Apply(u)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, second.Evidence, 1)
}

func TestTrailSortedByTimestampThenID(t *testing.T) {
	g := New(DefaultScoring(), nil)
	for _, e := range []Evidence{ev("e3", time.Minute, 1), ev("e2", 0, 1), ev("e1", 0, 1)} {
		_, err := g.Apply(RelationshipUpdate{Source: "a", Target: "b", Type: CoOccurrence, Evidence: []Evidence{e}})
		require.NoError(t, err)
	}
	rel, _ := g.Get("a", "b", CoOccurrence)
	assert.Equal(t, []string{"e1", "e2", "e3"}, rel.EventIDs())
	assert.Equal(t, t0, rel.FormedAt())
	assert.Equal(t, t0.Add(time.Minute), rel.LastUpdated)
}

func TestClassifierScoreRaisesConfidence(t *testing.T) {
	g := New(DefaultScoring(), nil)
	base, _ := g.Apply(RelationshipUpdate{Source: "a", Target: "b", Type: Coordination, Evidence: []Evidence{ev("e1", 0, 1)}})

	score := 0.75
	scored := ev("e1", 0, 1)
	scored.ClassifierScore = &score
	scored.ClassifierSource = "risk-model"
	rel, err := g.Apply(RelationshipUpdate{Source: "a", Target: "b", Type: Coordination, Evidence: []Evidence{scored}})
	require.NoError(t, err)

	assert.Len(t, rel.Evidence, 1)
	assert.InDelta(t, base.Confidence+0.2*0.75, rel.Confidence, 1e-12)
	assert.Equal(t, "risk-model", rel.Evidence[0].ClassifierSource)
}

func TestEffectiveConfidenceDecays(t *testing.T) {
	s := DefaultScoring()
	s.HalfLife = 24 * time.Hour
	r := Relationship{Confidence: 0.8, LastUpdated: t0}

	assert.Equal(t, 0.8, s.Effective(r, t0))
	assert.Equal(t, 0.8, s.Effective(r, t0.Add(-time.Hour)))
	assert.InDelta(t, 0.4, s.Effective(r, t0.Add(24*time.Hour)), 1e-12)
	assert.Less(t, s.Effective(r, t0.Add(48*time.Hour)), s.Effective(r, t0.Add(24*time.Hour)))
}

func TestConfidenceAsOf(t *testing.T) {
	s := DefaultScoring()
	r := Relationship{Type: CoOccurrence, Evidence: []Evidence{ev("e1", 0, 1), ev("e2", time.Hour, 1), ev("e3", 2*time.Hour, 1)}}

	assert.Equal(t, 0.0, s.ConfidenceAsOf(r, t0))
	assert.InDelta(t, s.Confidence(CoOccurrence, r.Evidence[:2]), s.ConfidenceAsOf(r, t0.Add(2*time.Hour)), 1e-12)
	assert.InDelta(t, s.Confidence(CoOccurrence, r.Evidence), s.ConfidenceAsOf(r, t0.Add(3*time.Hour)), 1e-12)
}

func TestEdgesAndSnapshot(t *testing.T) {
	g := New(DefaultScoring(), nil)
	_, _ = g.Apply(RelationshipUpdate{Source: "a", Target: "b", Type: CoOccurrence, Evidence: []Evidence{ev("e1", 0, 1)}})
	_, _ = g.Apply(RelationshipUpdate{Source: "c", Target: "a", Type: Interaction, Evidence: []Evidence{ev("e2", 0, 1)}})
	_, _ = g.Apply(RelationshipUpdate{Source: "c", Target: "d", Type: Interaction, Evidence: []Evidence{ev("e3", 0, 1)}})

	edges := g.Edges("a")
	require.Len(t, edges, 2)
	assert.Equal(t, "c", edges[1].Other("a"))

	snap := g.Snapshot()
	require.Len(t, snap.Edges, 3)
	assert.Equal(t, []string{"a", "b", "c", "d"}, snap.Actors())
	assert.Len(t, snap.ByActor()["c"], 2)
}

func TestConcurrentApply(t *testing.T) {
	g := New(DefaultScoring(), nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := g.Apply(RelationshipUpdate{
					Source: fmt.Sprintf("a%d", i%10), Target: fmt.Sprintf("b%d", i%7), Type: CoOccurrence,
					Evidence: []Evidence{ev(fmt.Sprintf("e%d-%d", w, i), time.Duration(i)*time.Second, 1)},
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, r := range g.Snapshot().Edges {
		total += len(r.Evidence)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}
	assert.Equal(t, 800, total)
}
