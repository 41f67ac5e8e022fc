package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/vigil/internal/config"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
	"github.com/lazypower/vigil/internal/memory"
	"github.com/lazypower/vigil/internal/ring"
	"github.com/lazypower/vigil/internal/store"
)

var day0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func day(n int) (time.Time, time.Time) {
	return day0.AddDate(0, 0, n), day0.AddDate(0, 0, n+1)
}

type fixture struct {
	log      *store.DB
	graph    *graph.Graph
	patterns *memory.Store
	rings    *fakeRings
	engine   *Engine
	seq      int
}

type fakeRings struct {
	rings []ring.Ring
}

func (f *fakeRings) LatestRings() ([]ring.Ring, error) { return f.rings, nil }

func testConfig() config.ConsolidationConfig {
	cfg := config.Default().Consolidation
	cfg.InactivityThreshold = 3
	cfg.ReactivationThreshold = 0.8
	cfg.InitialBackoff = time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg config.ConsolidationConfig) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	patterns, err := memory.NewStore(db, nil)
	require.NoError(t, err)

	f := &fixture{
		log:      db,
		graph:    graph.New(graph.DefaultScoring(), nil),
		patterns: patterns,
		rings:    &fakeRings{},
	}
	f.engine = New(cfg, Deps{Log: db, Graph: f.graph, Patterns: patterns, Rings: f.rings}, nil)
	return f
}

// emit appends count events of typ for actor on day n.
func (f *fixture) emit(t *testing.T, n int, actor, typ string, count int, mutate ...func(*evidence.Event)) {
	t.Helper()
	start, _ := day(n)
	for i := 0; i < count; i++ {
		f.seq++
		e := evidence.Event{
			ID:        fmt.Sprintf("e%03d", f.seq),
			Actors:    []string{actor},
			Timestamp: start.Add(time.Duration(i+1) * time.Hour),
			Type:      typ,
		}
		for _, m := range mutate {
			m(&e)
		}
		_, err := f.log.Append(context.Background(), e)
		require.NoError(t, err)
	}
}

func (f *fixture) run(t *testing.T, n int) Report {
	t.Helper()
	start, end := day(n)
	r, err := f.engine.Run(context.Background(), start, end)
	require.NoError(t, err)
	return r
}

func (f *fixture) state(t *testing.T, subject string, n int) memory.Pattern {
	t.Helper()
	start, _ := day(n)
	p, err := f.patterns.Get(subject, start)
	require.NoError(t, err)
	return p
}

func TestFirstWindowIsActive(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "a", "login", 3)

	r := f.run(t, 0)
	require.Len(t, r.Outcomes, 1)
	assert.Equal(t, Outcome{SubjectID: "a", Kind: memory.KindActor, To: memory.StateActive, Written: true, Attempts: 1}, r.Outcomes[0])

	p := f.state(t, "a", 0)
	assert.Equal(t, memory.StateActive, p.State)
	assert.Equal(t, 3, p.EventCount)
	assert.Equal(t, p.Signature, p.Baseline)
	assert.InDelta(t, 1-0.5488116360940264, p.Confidence, 1e-12) // 1 - exp(-0.2*3)
}

func TestRerunIsByteIdentical(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "a", "login", 2)
	f.emit(t, 1, "a", "login", 1)
	f.emit(t, 1, "b", "pay", 2, func(e *evidence.Event) { e.Counterpart = "a" })
	f.run(t, 0)
	f.run(t, 1)

	snapshot := func() string {
		var out string
		for _, s := range f.patterns.Subjects() {
			for _, p := range f.patterns.History(s) {
				b, err := json.Marshal(p)
				require.NoError(t, err)
				out += string(b) + "\n"
			}
		}
		return out
	}
	before := snapshot()

	// later evidence outside the window must not leak into a rerun
	f.emit(t, 2, "a", "logout", 4)
	f.run(t, 1)
	assert.Equal(t, before, snapshot())

	reloaded, err := memory.NewStore(f.log, nil)
	require.NoError(t, err)
	p, err := reloaded.Get("a", day0.AddDate(0, 0, 1))
	require.NoError(t, err)
	want, _ := json.Marshal(f.state(t, "a", 1))
	got, _ := json.Marshal(p)
	assert.Equal(t, string(want), string(got), "persisted pattern reloads byte-identical")
}

func TestDormancyAtExactlyThreshold(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "a", "login", 2)
	f.run(t, 0)

	f.run(t, 1)
	f.run(t, 2)
	p := f.state(t, "a", 2)
	assert.Equal(t, memory.StateActive, p.State, "one window short of the threshold")
	assert.Equal(t, 2, p.IdleWindows)

	r := f.run(t, 3)
	p = f.state(t, "a", 3)
	assert.Equal(t, memory.StateDormant, p.State)
	assert.Equal(t, 3, p.IdleWindows)
	require.Len(t, r.Transitions(), 1)
	assert.Equal(t, memory.StateDormant, r.Transitions()[0].To)

	// decayed, never grown, while idle
	assert.Less(t, p.Confidence, f.state(t, "a", 0).Confidence)

	// a dormant subject that stays quiet writes nothing
	r = f.run(t, 4)
	assert.Empty(t, r.Outcomes)
	_, err := f.patterns.Get("a", day0.AddDate(0, 0, 4))
	assert.True(t, errors.IsNotFound(err))
}

func TestSkippedWindowsCountAsIdle(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "a", "login", 2)
	f.run(t, 0)

	// days 1 and 2 never consolidated; day 3 sees a gap of two windows
	f.run(t, 3)
	p := f.state(t, "a", 3)
	assert.Equal(t, 3, p.IdleWindows)
	assert.Equal(t, memory.StateDormant, p.State)
}

func TestSkippedActiveWindowsAreNotIdle(t *testing.T) {
	f := newFixture(t, testConfig())
	for n := 0; n <= 5; n++ {
		f.emit(t, n, "x", "login", 2)
	}
	f.run(t, 0)

	// days 1 to 4 never consolidated but x was busy throughout
	f.run(t, 5)
	p := f.state(t, "x", 5)
	assert.Equal(t, memory.StateActive, p.State)
	assert.Equal(t, 0, p.IdleWindows)
	assert.Nil(t, p.ReactivatedFrom)
}

func TestSkippedWindowsIdleAfterLastActivity(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "x", "login", 2)
	f.emit(t, 1, "x", "login", 2)
	f.emit(t, 5, "x", "login", 2)
	f.emit(t, 0, "y", "login", 2)
	f.emit(t, 1, "y", "login", 2)
	f.run(t, 0)

	// days 2 to 4 were quiet: x returns, y goes dormant on the third
	f.run(t, 5)
	x := f.state(t, "x", 5)
	assert.Equal(t, memory.StateReactivated, x.State)
	require.NotNil(t, x.ReactivatedFrom)
	quietFrom, _ := day(2)
	assert.Equal(t, quietFrom, *x.ReactivatedFrom)

	y := f.state(t, "y", 5)
	assert.Equal(t, memory.StateDormant, y.State)
	assert.Equal(t, 4, y.IdleWindows)
}

func TestReactivation(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "x", "login", 3)
	f.emit(t, 0, "y", "login", 3)
	for n := 0; n <= 3; n++ {
		f.run(t, n)
	}
	require.Equal(t, memory.StateDormant, f.state(t, "x", 3).State)
	require.Equal(t, memory.StateDormant, f.state(t, "y", 3).State)

	// x returns doing much the same; y returns doing something else
	f.emit(t, 4, "x", "login", 2)
	f.emit(t, 4, "x", "view", 1)
	low := 0.1
	f.emit(t, 4, "y", "transfer", 3, func(e *evidence.Event) {
		e.Counterpart = "z"
		e.Strength = &low
	})
	f.run(t, 4)

	x := f.state(t, "x", 4)
	assert.Equal(t, memory.StateReactivated, x.State)
	assert.Greater(t, x.Similarity, 0.8)
	require.NotNil(t, x.ReactivatedFrom)
	assert.True(t, x.ReactivatedFrom.Equal(day0.AddDate(0, 0, 1)), "dormant since the end of day 0, got %s", x.ReactivatedFrom)
	assert.Zero(t, x.IdleWindows)

	y := f.state(t, "y", 4)
	assert.Equal(t, memory.StateActive, y.State)
	assert.Less(t, y.Similarity, 0.8)
	assert.Nil(t, y.ReactivatedFrom)
	assert.Equal(t, y.Signature, y.Baseline)

	// continued activity settles a reactivated subject back to ACTIVE
	f.emit(t, 5, "x", "login", 1)
	f.run(t, 5)
	assert.Equal(t, memory.StateActive, f.state(t, "x", 5).State)
}

func TestRingSubjects(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.graph.Apply(graph.RelationshipUpdate{
		Source: "a", Target: "b", Type: graph.CoOccurrence,
		Evidence: []graph.Evidence{{EventID: "seed", Timestamp: day0, Weight: 1}},
	})
	require.NoError(t, err)
	f.rings.rings = []ring.Ring{{ID: ring.ID([]string{"a", "b"}), Members: []string{"a", "b"}}}
	f.emit(t, 0, "a", "login", 1)
	f.emit(t, 0, "b", "login", 1)

	r := f.run(t, 0)
	require.Len(t, r.Outcomes, 3)
	ringID := ring.ID([]string{"a", "b"})
	p := f.state(t, ringID, 0)
	assert.Equal(t, memory.KindRing, p.SubjectKind)
	assert.Equal(t, 2, p.EventCount)
	assert.Greater(t, p.Signature[16], 0.0, "ring signature sees the internal edge")
}

func TestConflictIsRetried(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "a", "login", 1)

	start, _ := day(0)
	unlock, err := f.patterns.Lock("a", start)
	require.NoError(t, err)

	var sleeps []time.Duration
	f.engine.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 2 {
			unlock()
		}
		return nil
	}

	r := f.run(t, 0)
	require.Len(t, r.Outcomes, 1)
	assert.True(t, r.Outcomes[0].Written)
	assert.Equal(t, 3, r.Outcomes[0].Attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, sleeps)
}

func TestConflictExhaustsAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	f.engine.sleep = func(context.Context, time.Duration) error { return nil }
	f.emit(t, 0, "a", "login", 1)

	start, end := day(0)
	unlock, err := f.patterns.Lock("a", start)
	require.NoError(t, err)
	defer unlock()

	r, err := f.engine.Run(context.Background(), start, end)
	assert.True(t, errors.IsConflict(err), "got %v", err)
	require.Len(t, r.Outcomes, 1)
	assert.False(t, r.Outcomes[0].Written)
	assert.Equal(t, 2, r.Outcomes[0].Attempts)
	assert.NotEmpty(t, r.Outcomes[0].Err)
}

type cancellingGraph struct {
	*graph.Graph
	cancel context.CancelFunc
}

func (c cancellingGraph) Snapshot() graph.Snapshot {
	c.cancel()
	return c.Graph.Snapshot()
}

func TestCancelledBetweenSubjects(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "a", "login", 1)
	f.emit(t, 0, "b", "login", 1)

	ctx, cancel := context.WithCancel(context.Background())
	f.engine.deps.Graph = cancellingGraph{Graph: f.graph, cancel: cancel}

	start, end := day(0)
	r, err := f.engine.Run(ctx, start, end)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.Outcomes)
	assert.Zero(t, f.patterns.Len(), "no pattern is half-written")
}

func TestParallelSubjects(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 4
	f := newFixture(t, cfg)
	for i := 0; i < 20; i++ {
		f.emit(t, 0, fmt.Sprintf("actor-%02d", i), "login", 1)
	}

	r := f.run(t, 0)
	assert.Equal(t, 20, r.Written())
	for i := 1; i < len(r.Outcomes); i++ {
		assert.Less(t, r.Outcomes[i-1].SubjectID, r.Outcomes[i].SubjectID)
	}
}

func TestConcurrentRunsOfOneWindow(t *testing.T) {
	f := newFixture(t, testConfig())
	f.emit(t, 0, "a", "login", 2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start, end := day(0)
			f.engine.Run(context.Background(), start, end)
		}()
	}
	wg.Wait()
	assert.Len(t, f.patterns.History("a"), 1)
}

func TestInvalidWindow(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.engine.Run(context.Background(), day0, day0)
	assert.True(t, errors.IsValidation(err))
}

func TestAlign(t *testing.T) {
	f := newFixture(t, testConfig())
	start, end := f.engine.Align(day0.Add(13 * time.Hour))
	assert.Equal(t, day0, start)
	assert.Equal(t, day0.AddDate(0, 0, 1), end)
}
