package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/vigil/internal/classifier"
	"github.com/lazypower/vigil/internal/config"
	"github.com/lazypower/vigil/internal/entity"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
	"github.com/lazypower/vigil/internal/memory"
	"github.com/lazypower/vigil/internal/store"
)

var day1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestEngine(t *testing.T, db *store.DB, client classifier.Client) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Classifier.RatePerSecond = 0
	e, err := New(Deps{Log: db, DB: db, Config: cfg, Classifier: client})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func event(id string, at time.Time, actors ...string) evidence.Event {
	return evidence.Event{ID: id, Timestamp: at, Type: "login", Actors: actors}
}

func TestNewRequiresLog(t *testing.T) {
	_, err := New(Deps{Config: config.Default()})
	assert.True(t, errors.IsValidation(err))
}

func TestCoOccurrenceEdgeCitesEvents(t *testing.T) {
	e := newTestEngine(t, testDB(t), nil)
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3"} {
		_, err := e.Ingest(ctx, event(id, day1.Add(time.Duration(i)*time.Hour), "a", "b"))
		require.NoError(t, err)
	}

	rel, err := e.Graph().Get("a", "b", graph.CoOccurrence)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, rel.EventIDs())
	assert.Greater(t, rel.Confidence, 0.0)
	assert.Less(t, rel.Confidence, graph.DefaultScoring().BaseWeights[graph.CoOccurrence])
	assert.Equal(t, 2, e.Actors().Len())
}

func TestIngestRejectsMalformedAndDuplicates(t *testing.T) {
	e := newTestEngine(t, testDB(t), nil)
	ctx := context.Background()

	_, err := e.Ingest(ctx, evidence.Event{ID: "bad", Actors: []string{"a"}})
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 0, e.Actors().Len())

	_, err = e.Ingest(ctx, event("e1", day1, "a", "b"))
	require.NoError(t, err)
	_, err = e.Ingest(ctx, event("e1", day1.Add(time.Hour), "a", "c"))
	assert.True(t, errors.IsDuplicate(err))

	_, err = e.Actors().Get("c")
	assert.True(t, errors.IsNotFound(err), "rejected event must not create actors")
}

func TestIngestAssignsIDs(t *testing.T) {
	e := newTestEngine(t, testDB(t), nil)
	id, err := e.Ingest(context.Background(), event("", day1, "a", "b"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rel, err := e.Graph().Get("a", "b", graph.CoOccurrence)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rel.EventIDs())
}

func TestIngestBatchSummary(t *testing.T) {
	e := newTestEngine(t, testDB(t), nil)
	events := []evidence.Event{
		event("e1", day1, "a", "b"),
		event("e2", day1.Add(time.Hour), "b", "c"),
		event("e1", day1.Add(2*time.Hour), "a", "b"),
		{ID: "e4", Actors: []string{"a"}},
	}

	sum, err := e.IngestBatch(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Accepted)
	assert.Equal(t, 1, sum.Duplicates)
	require.Len(t, sum.Rejected, 1)
	assert.Equal(t, 3, sum.Rejected[0].Index)
	assert.Empty(t, sum.Failed)
}

func TestIngestBatchHonorsCancellation(t *testing.T) {
	e := newTestEngine(t, testDB(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.IngestBatch(ctx, []evidence.Event{event("e1", day1, "a", "b")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifierScoreLandsOnEvidence(t *testing.T) {
	mock := &classifier.Mock{Result: classifier.Score{Value: 0.9, Source: "mock"}}
	e := newTestEngine(t, testDB(t), mock)

	_, err := e.Ingest(context.Background(), event("e1", day1, "a", "b"))
	require.NoError(t, err)
	e.Wait()

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, graph.CoOccurrence, calls[0].Type)

	rel, err := e.Graph().Get("a", "b", graph.CoOccurrence)
	require.NoError(t, err)
	require.Len(t, rel.Evidence, 1)
	require.NotNil(t, rel.Evidence[0].ClassifierScore)
	assert.InDelta(t, 0.9, *rel.Evidence[0].ClassifierScore, 1e-9)
	assert.Equal(t, "mock", rel.Evidence[0].ClassifierSource)

	unscored := graph.DefaultScoring().Contribution(graph.CoOccurrence, 1)
	assert.Greater(t, rel.Confidence, unscored)
}

func TestClassifierFailureLeavesEdge(t *testing.T) {
	mock := &classifier.Mock{Err: errors.New("unavailable")}
	e := newTestEngine(t, testDB(t), mock)

	_, err := e.Ingest(context.Background(), event("e1", day1, "a", "b"))
	require.NoError(t, err)
	e.Wait()

	rel, err := e.Graph().Get("a", "b", graph.CoOccurrence)
	require.NoError(t, err)
	assert.Nil(t, rel.Evidence[0].ClassifierScore)
}

func ingestSeries(t *testing.T, e *Engine, n int) {
	t.Helper()
	actors := [][]string{{"a", "b"}, {"b", "c"}, {"a", "c"}, {"a", "b", "c"}}
	for i := 0; i < n; i++ {
		ev := event("", day1.Add(time.Duration(i)*time.Hour), actors[i%len(actors)]...)
		ev.Attributes = map[string]string{"seen": ev.Timestamp.Format(time.RFC3339)}
		_, err := e.Ingest(context.Background(), ev)
		require.NoError(t, err)
	}
}

func TestRebuildMatchesLiveState(t *testing.T) {
	db := testDB(t)
	live := newTestEngine(t, db, nil)
	ingestSeries(t, live, 8)

	rebuilt := newTestEngine(t, db, nil)
	n, err := rebuilt.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	assert.Equal(t, live.Graph().Snapshot().Edges, rebuilt.Graph().Snapshot().Edges)
	assert.Equal(t, live.Actors().List(), rebuilt.Actors().List())

	n, err = rebuilt.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, live.Graph().Snapshot().Edges, rebuilt.Graph().Snapshot().Edges)
}

func TestCheckpointAndRestore(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	live := newTestEngine(t, db, nil)

	ingestSeries(t, live, 3)
	require.NoError(t, live.Checkpoint(ctx))
	for i, id := range []string{"late1", "late2"} {
		_, err := live.Ingest(ctx, event(id, day1.Add(time.Duration(3+i)*time.Hour), "c", "d"))
		require.NoError(t, err)
	}

	restored := newTestEngine(t, db, nil)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	// warm replay covers the hour before the checkpoint horizon, the tail
	// the two events appended after it
	assert.Equal(t, 6, n)

	assert.Equal(t, live.Graph().Snapshot().Edges, restored.Graph().Snapshot().Edges)
	assert.Equal(t, live.Actors().List(), restored.Actors().List())
}

func TestRestoreWithoutCheckpointRebuilds(t *testing.T) {
	db := testDB(t)
	ingestSeries(t, newTestEngine(t, db, nil), 4)

	e := newTestEngine(t, db, nil)
	n, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 3, e.Actors().Len())
}

func TestCheckpointNeedsDatabase(t *testing.T) {
	db := testDB(t)
	e, err := New(Deps{Log: db, Config: config.Default()})
	require.NoError(t, err)
	assert.True(t, errors.IsValidation(e.Checkpoint(context.Background())))
}

// ringEngine ingests a dense three-actor cluster during day1.
func ringEngine(t *testing.T) *Engine {
	t.Helper()
	e := newTestEngine(t, testDB(t), nil)
	for i := 0; i < 4; i++ {
		_, err := e.Ingest(context.Background(), event("", day1.Add(time.Duration(i+1)*time.Hour), "a", "b", "c"))
		require.NoError(t, err)
	}
	e.now = func() time.Time { return day1.Add(36 * time.Hour) }
	return e
}

func TestDetectRings(t *testing.T) {
	e := ringEngine(t)

	batch, err := e.DetectRings(e.RingOptions(), false)
	require.NoError(t, err)
	require.Len(t, batch.Rings, 1)
	assert.Equal(t, []string{"a", "b", "c"}, batch.Rings[0].Members)

	latest, err := e.LatestRings()
	require.NoError(t, err)
	assert.Empty(t, latest, "unpersisted batch must not become the latest")

	_, err = e.DetectRings(e.RingOptions(), true)
	require.NoError(t, err)
	latest, err = e.LatestRings()
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, batch.Rings[0].ID, latest[0].ID)
}

func TestTickConsolidatesCompletedWindow(t *testing.T) {
	e := ringEngine(t)
	ctx := context.Background()

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Batch.Rings, 1)
	require.Len(t, rep.Consolidations, 1)
	assert.Equal(t, day1, rep.Consolidations[0].Start)
	assert.Equal(t, 4, rep.Consolidations[0].Written(), "three actors and one ring")
	assert.True(t, rep.Checkpointed)

	ringID := rep.Batch.Rings[0].ID
	p, err := e.Patterns().Latest(ringID)
	require.NoError(t, err)
	assert.Equal(t, memory.KindRing, p.SubjectKind)

	d, err := e.Actor("a")
	require.NoError(t, err)
	require.NotNil(t, d.Pattern)
	assert.Equal(t, memory.StateActive, d.Pattern.State)
	assert.Equal(t, []string{ringID}, d.Rings)
	require.NotEmpty(t, d.Relationships)
	for _, r := range d.Relationships {
		assert.Greater(t, r.Effective, 0.0)
		assert.Less(t, r.Effective, r.Confidence, "decayed since the last evidence")
	}

	rep, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Consolidations, "window already consolidated")
}

func TestTickCatchesUpMissedWindows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	e := newTestEngine(t, db, nil)
	for d := 0; d < 5; d++ {
		for h := 1; h <= 2; h++ {
			at := day1.Add(time.Duration(d)*24*time.Hour + time.Duration(h)*time.Hour)
			_, err := e.Ingest(ctx, event("", at, "a", "b"))
			require.NoError(t, err)
		}
	}
	e.now = func() time.Time { return day1.Add(5*24*time.Hour + time.Hour) }

	rep, err := e.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Consolidations, 5)
	for i, c := range rep.Consolidations {
		assert.Equal(t, day1.Add(time.Duration(i)*24*time.Hour), c.Start)
	}

	p, err := e.Patterns().Latest("a")
	require.NoError(t, err)
	assert.Equal(t, memory.StateActive, p.State)
	assert.Nil(t, p.ReactivatedFrom)
	assert.Equal(t, 0, p.IdleWindows)
	assert.Len(t, e.Patterns().History("a"), 5)

	// a restarted engine resumes after the last consolidated window
	restored := newTestEngine(t, db, nil)
	_, err = restored.Restore(ctx)
	require.NoError(t, err)
	restored.now = func() time.Time { return day1.Add(6*24*time.Hour + time.Hour) }

	rep, err = restored.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Consolidations, 1)
	assert.Equal(t, day1.Add(5*24*time.Hour), rep.Consolidations[0].Start)
}

// cancelAfterAppend cancels the caller's context once an append succeeds.
type cancelAfterAppend struct {
	*store.DB
	cancel context.CancelFunc
}

func (l cancelAfterAppend) Append(ctx context.Context, ev evidence.Event) (evidence.EventID, error) {
	id, err := l.DB.Append(ctx, ev)
	if err == nil {
		l.cancel()
	}
	return id, err
}

func TestIngestAppliesLoggedEventAfterCancellation(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, err := New(Deps{Log: cancelAfterAppend{DB: db, cancel: cancel}, DB: db, Config: config.Default()})
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	id, err := e.Ingest(ctx, event("e1", day1, "a", "b"))
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	rel, err := e.Graph().Get("a", "b", graph.CoOccurrence)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rel.EventIDs())
}

func TestDetectRingsUsesDecayedConfidence(t *testing.T) {
	e := ringEngine(t)
	opts := e.RingOptions()
	assert.Equal(t, e.now(), opts.AsOf)

	e.now = func() time.Time { return day1.Add(365 * 24 * time.Hour) }
	batch, err := e.DetectRings(e.RingOptions(), false)
	require.NoError(t, err)
	assert.Empty(t, batch.Rings, "stale edges decay below the confidence floor")

	// the same graph still forms a ring when scored at formation time
	opts.AsOf = day1.Add(5 * time.Hour)
	batch, err = e.DetectRings(opts, false)
	require.NoError(t, err)
	assert.Len(t, batch.Rings, 1)
}

func TestConsolidateMirrorsDormancy(t *testing.T) {
	e := ringEngine(t)
	ctx := context.Background()

	start := day1
	for i := 0; i < 4; i++ {
		_, err := e.Consolidate(ctx, start, start.Add(24*time.Hour))
		require.NoError(t, err)
		start = start.Add(24 * time.Hour)
	}

	a, err := e.Actors().Get("a")
	require.NoError(t, err)
	assert.Equal(t, entity.StateDormant, a.State)

	p, err := e.Patterns().Latest("a")
	require.NoError(t, err)
	assert.Equal(t, memory.StateDormant, p.State)
}

func TestQuerySubjectExcludesSelf(t *testing.T) {
	e := ringEngine(t)
	_, err := e.Tick(context.Background())
	require.NoError(t, err)

	matches, err := e.QuerySubject("a", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.NotEqual(t, "a", m.Pattern.SubjectID)
	}

	_, err = e.QuerySubject("a", 0)
	assert.True(t, errors.IsValidation(err))
	_, err = e.QuerySubject("nobody", 2)
	assert.True(t, errors.IsNotFound(err))
}

func TestActorUnknown(t *testing.T) {
	e := newTestEngine(t, testDB(t), nil)
	_, err := e.Actor("ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestSchedulerStopsCleanly(t *testing.T) {
	e := ringEngine(t)
	require.Error(t, e.StartScheduler(0))
	require.NoError(t, e.StartScheduler(time.Hour))

	require.Eventually(t, func() bool {
		_, err := e.Patterns().Latest("a")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	e.Stop()
}
