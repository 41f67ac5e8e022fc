package signature

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestExtractLayout(t *testing.T) {
	half := 0.5
	events := []evidence.Event{
		{ID: "e1", Seq: 1, Type: "login", Channel: "ip-1", Timestamp: t0},
		{ID: "e2", Seq: 2, Type: "login", Channel: "ip-1", Timestamp: t0, Counterpart: "b"},
		{ID: "e3", Seq: 3, Type: "transfer", Channel: "ip-2", Timestamp: t0, Strength: &half},
		{ID: "e4", Seq: 4, Type: "transfer", Channel: "ip-2", Timestamp: t0},
	}
	edges := []graph.Relationship{{
		Source: "a", Target: "b", Type: graph.Interaction,
		Evidence: []graph.Evidence{{EventID: "e2", Timestamp: t0, Weight: 1}},
	}}
	scoring := graph.DefaultScoring()

	sig := Extract(events, edges, scoring, t0.Add(time.Hour))
	require.Len(t, sig, Size)

	var hist float64
	for i := 0; i < TypeBuckets; i++ {
		hist += sig[i]
	}
	assert.InDelta(t, 1.0, hist, 1e-12)
	if Bucket("login") != Bucket("transfer") {
		assert.InDelta(t, 0.5, sig[Bucket("login")], 1e-12)
	}

	assert.InDelta(t, scoring.Contribution(graph.Interaction, 1), sig[edgeOffset+1], 1e-12)
	assert.Equal(t, 0.0, sig[edgeOffset], "no co-occurrence edges")
	assert.InDelta(t, 3.5/4, sig[shapeOffset], 1e-12)
	assert.InDelta(t, 0.5, sig[shapeOffset+1], 1e-12)
	assert.InDelta(t, 0.25, sig[shapeOffset+2], 1e-12)
}

func TestExtractIgnoresEvidenceAfterAsOf(t *testing.T) {
	edges := []graph.Relationship{{
		Source: "a", Target: "b", Type: graph.CoOccurrence,
		Evidence: []graph.Evidence{{EventID: "late", Timestamp: t0.Add(2 * time.Hour), Weight: 1}},
	}}
	sig := Extract(nil, edges, graph.DefaultScoring(), t0.Add(time.Hour))
	for _, v := range sig {
		assert.Equal(t, 0.0, v)
	}
}

func TestExtractOrderIndependent(t *testing.T) {
	a := []evidence.Event{
		{ID: "e1", Seq: 1, Type: "x", Timestamp: t0},
		{ID: "e2", Seq: 2, Type: "y", Timestamp: t0},
		{ID: "e3", Seq: 3, Type: "z", Timestamp: t0},
	}
	b := []evidence.Event{a[2], a[0], a[1]}
	assert.Equal(t, Extract(a, nil, graph.DefaultScoring(), t0), Extract(b, nil, graph.DefaultScoring(), t0))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2}, []float64{2, 4}), 1e-12)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 1}))
	assert.InDelta(t, 1/math.Sqrt2, Cosine([]float64{1, 1}, []float64{1, 0}), 1e-12)
}

func TestBlend(t *testing.T) {
	got := Blend([]float64{1, 0}, []float64{0, 1}, 1)
	assert.Equal(t, []float64{0.5, 0.5}, got)
	assert.Equal(t, []float64{0, 1}, Blend([]float64{1, 0}, []float64{0, 1}, 0))
}
