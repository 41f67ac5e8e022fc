// Package consolidate folds a window of evidence and graph state into
// long-term patterns and drives each subject's dormancy state.
package consolidate

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/vigil/internal/config"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
	"github.com/lazypower/vigil/internal/logger"
	"github.com/lazypower/vigil/internal/memory"
	"github.com/lazypower/vigil/internal/ring"
	"github.com/lazypower/vigil/internal/signature"
)

// Snapshotter hands out point-in-time copies of the relationship graph.
type Snapshotter interface {
	Snapshot() graph.Snapshot
}

// Deps are the collaborators a run reads from and writes to. Rings may be
// nil, in which case only actors are consolidated.
type Deps struct {
	Log      evidence.Log
	Graph    Snapshotter
	Patterns *memory.Store
	Rings    ring.Source
}

// Outcome is what one run did for one subject.
type Outcome struct {
	SubjectID string             `json:"subject_id"`
	Kind      memory.SubjectKind `json:"kind"`
	From      memory.State       `json:"from,omitempty"`
	To        memory.State       `json:"to,omitempty"`
	Written   bool               `json:"written"`
	Attempts  int                `json:"attempts"`
	Err       string             `json:"error,omitempty"`

	err error
}

// Transition reports whether the subject's state changed.
func (o Outcome) Transition() bool { return o.Written && o.From != o.To }

// Report summarizes a run. Outcomes are sorted by subject.
type Report struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Outcomes []Outcome `json:"outcomes"`
}

// Written counts the patterns the run stored.
func (r Report) Written() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Written {
			n++
		}
	}
	return n
}

// Transitions returns the outcomes that changed state.
func (r Report) Transitions() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Transition() {
			out = append(out, o)
		}
	}
	return out
}

// Engine runs consolidation passes.
type Engine struct {
	cfg   config.ConsolidationConfig
	deps  Deps
	log   *zap.SugaredLogger
	sleep func(context.Context, time.Duration) error
}

// New creates a consolidation engine.
func New(cfg config.ConsolidationConfig, deps Deps, log *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:   cfg,
		deps:  deps,
		log:   logger.Named(log, "consolidate"),
		sleep: sleepCtx,
	}
}

// Align returns the configured window containing t.
func (e *Engine) Align(t time.Time) (time.Time, time.Time) {
	start := t.UTC().Truncate(e.cfg.Window)
	return start, start.Add(e.cfg.Window)
}

// subject is one unit of consolidation work.
type subject struct {
	id      string
	kind    memory.SubjectKind
	members []string
	events  []evidence.Event
	edges   []graph.Relationship
	scoring graph.Scoring
	// lastGap is the newest subject event between the preceding pattern
	// and the window, zero when those windows were quiet.
	lastGap time.Time
}

// Run consolidates [start, end). Subjects are processed in parallel; a
// cancelled ctx stops the run between subjects. Subjects whose retries are
// exhausted are reported and the combined error returned; the others are
// still written.
func (e *Engine) Run(ctx context.Context, start, end time.Time) (Report, error) {
	start, end = start.UTC(), end.UTC()
	report := Report{Start: start, End: end}
	if !end.After(start) {
		return report, errors.Validationf("consolidation window end %s not after start %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	subjects, err := e.collect(ctx, start, end)
	if err != nil {
		return report, err
	}
	e.log.Infow("consolidation started", "start", start, "end", end, "subjects", len(subjects))

	report.Outcomes = make([]Outcome, len(subjects))
	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)

	cancelled := false
	for i, s := range subjects {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		g.Go(func() error {
			report.Outcomes[i] = e.consolidateWithRetry(ctx, s, start, end)
			return nil
		})
	}
	g.Wait()

	// drop subjects never started
	kept := report.Outcomes[:0]
	var errs error
	for _, o := range report.Outcomes {
		if o.SubjectID == "" {
			continue
		}
		if o.Err != "" {
			errs = errors.Combine(errs, errors.Wrapf(o.err, "subject %s", o.SubjectID))
		}
		kept = append(kept, o)
	}
	report.Outcomes = kept

	e.log.Infow("consolidation finished", "start", start, "end", end,
		"written", report.Written(), "transitions", len(report.Transitions()))
	if cancelled {
		return report, ctx.Err()
	}
	return report, errs
}

// collect gathers every subject with activity in the window, every ring
// with an active member, and every subject whose last pattern is still
// counting idle windows. The log is read back to the oldest preceding
// pattern so activity in windows that were never consolidated is seen.
// The result is sorted by ID.
func (e *Engine) collect(ctx context.Context, start, end time.Time) ([]subject, error) {
	prevs := make(map[string]memory.Pattern)
	from := start
	for _, id := range e.deps.Patterns.Subjects() {
		prev, ok := e.deps.Patterns.Preceding(id, start)
		if !ok {
			continue
		}
		prevs[id] = prev
		if prev.WindowEnd.Before(from) {
			from = prev.WindowEnd
		}
	}

	var events []evidence.Event
	gapSeen := make(map[string][]time.Time)
	err := evidence.ReadAll(ctx, e.deps.Log, evidence.ReadRequest{Since: from}, func(ev evidence.Event) error {
		switch {
		case ev.Timestamp.Before(start):
			for _, a := range ev.Participants() {
				gapSeen[a] = append(gapSeen[a], ev.Timestamp)
			}
		case ev.Timestamp.Before(end):
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read window events")
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	// lastGap is the newest event of members after the subject's last
	// pattern and before start.
	lastGap := func(id string, members []string) time.Time {
		prev, ok := prevs[id]
		if !ok {
			return time.Time{}
		}
		var last time.Time
		for _, m := range members {
			for _, ts := range gapSeen[m] {
				if !ts.Before(prev.WindowEnd) && ts.After(last) {
					last = ts
				}
			}
		}
		return last
	}

	byActor := make(map[string][]evidence.Event)
	for _, ev := range events {
		for _, a := range ev.Participants() {
			byActor[a] = append(byActor[a], ev)
		}
	}

	snap := e.deps.Graph.Snapshot()
	edgeIdx := snap.ByActor()
	subjects := make(map[string]*subject)

	for id, evs := range byActor {
		s := &subject{id: id, kind: memory.KindActor, members: []string{id}, events: evs, scoring: snap.Scoring}
		for _, i := range edgeIdx[id] {
			s.edges = append(s.edges, snap.Edges[i])
		}
		s.lastGap = lastGap(id, s.members)
		subjects[id] = s
	}

	if e.deps.Rings != nil {
		rings, err := e.deps.Rings.LatestRings()
		if err != nil {
			return nil, errors.Wrap(err, "load rings")
		}
		for _, r := range rings {
			s := ringSubject(r, byActor, snap, edgeIdx)
			s.lastGap = lastGap(r.ID, r.Members)
			_, hasPrev := prevs[r.ID]
			if len(s.events) > 0 || hasPrev {
				subjects[r.ID] = s
			}
		}
	}

	// idle subjects: quiet this window but not yet dormant, or dormant ones
	// that were active in unconsolidated windows
	for id, prev := range prevs {
		if _, ok := subjects[id]; ok {
			continue
		}
		s := &subject{id: id, kind: prev.SubjectKind, members: []string{id}, scoring: snap.Scoring}
		if prev.SubjectKind == memory.KindActor {
			for _, i := range edgeIdx[id] {
				s.edges = append(s.edges, snap.Edges[i])
			}
			s.lastGap = lastGap(id, s.members)
		}
		if prev.State == memory.StateDormant && s.lastGap.IsZero() {
			continue
		}
		subjects[id] = s
	}

	out := make([]subject, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func ringSubject(r ring.Ring, byActor map[string][]evidence.Event, snap graph.Snapshot, edgeIdx map[string][]int) *subject {
	s := &subject{id: r.ID, kind: memory.KindRing, members: r.Members, scoring: snap.Scoring}
	in := make(map[string]bool, len(r.Members))
	for _, m := range r.Members {
		in[m] = true
	}
	seenEvent := make(map[evidence.EventID]bool)
	seenEdge := make(map[string]bool)
	for _, m := range r.Members {
		for _, ev := range byActor[m] {
			if !seenEvent[ev.ID] {
				seenEvent[ev.ID] = true
				s.events = append(s.events, ev)
			}
		}
		for _, i := range edgeIdx[m] {
			edge := snap.Edges[i]
			if in[edge.Source] && in[edge.Target] && !seenEdge[edge.Key()] {
				seenEdge[edge.Key()] = true
				s.edges = append(s.edges, edge)
			}
		}
	}
	sort.Slice(s.events, func(i, j int) bool { return s.events[i].Seq < s.events[j].Seq })
	sort.Slice(s.edges, func(i, j int) bool { return s.edges[i].Key() < s.edges[j].Key() })
	return s
}

func (e *Engine) consolidateWithRetry(ctx context.Context, s subject, start, end time.Time) Outcome {
	backoff := e.cfg.InitialBackoff
	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		o, err := e.consolidate(s, start, end)
		o.Attempts = attempt
		if err == nil {
			return o
		}
		if errors.IsValidation(err) || attempt >= maxAttempts {
			e.log.Warnw("consolidation failed", "subject", s.id, "attempts", attempt, "error", err)
			o.Err, o.err = err.Error(), err
			return o
		}
		e.log.Debugw("consolidation retry", "subject", s.id, "attempt", attempt, "backoff", backoff, "error", err)
		if err := e.sleep(ctx, backoff); err != nil {
			o.Err, o.err = err.Error(), err
			return o
		}
		backoff *= 2
		if e.cfg.MaxBackoff > 0 && backoff > e.cfg.MaxBackoff {
			backoff = e.cfg.MaxBackoff
		}
	}
}

// consolidate computes and stores one subject's pattern for the window.
// It never checks ctx, so a started write always completes.
func (e *Engine) consolidate(s subject, start, end time.Time) (Outcome, error) {
	o := Outcome{SubjectID: s.id, Kind: s.kind}

	unlock, err := e.deps.Patterns.Lock(s.id, start)
	if err != nil {
		return o, err
	}
	defer unlock()

	prev, hasPrev := e.deps.Patterns.Preceding(s.id, start)
	if hasPrev {
		o.From = prev.State
	}
	p, ok := e.next(s, prev, hasPrev, start, end)
	if !ok {
		o.To = o.From
		return o, nil
	}
	if err := e.deps.Patterns.Put(p); err != nil {
		return o, err
	}
	o.To = p.State
	o.Written = true
	if o.Transition() {
		e.log.Debugw("subject transition", "subject", s.id, "kind", s.kind, "from", o.From, "to", o.To)
	}
	return o, nil
}

// next applies the dormancy state machine. It reports false when nothing
// should be written: a new subject without activity, or a dormant one that
// stayed quiet.
func (e *Engine) next(s subject, prev memory.Pattern, hasPrev bool, start, end time.Time) (memory.Pattern, bool) {
	cfg := e.cfg
	n := len(s.events)
	active := n > 0

	var sw []float64
	if active {
		sw = signature.Extract(s.events, s.edges, s.scoring, end)
	}
	cw := 1 - math.Exp(-cfg.ActivitySaturation*float64(n))

	p := memory.Pattern{
		SubjectID:   s.id,
		SubjectKind: s.kind,
		WindowStart: start,
		WindowEnd:   end,
		EventCount:  n,
	}

	if !hasPrev {
		if !active {
			return p, false
		}
		p.State = memory.StateActive
		p.Signature, p.Baseline, p.Confidence = sw, sw, cw
		return p, true
	}

	window := end.Sub(start)
	d := math.Pow(0.5, float64(end.Sub(prev.WindowEnd))/float64(cfg.HalfLife))
	idle, state := prev.IdleWindows, prev.State
	gap := 0
	if lag := start.Sub(prev.WindowEnd); lag > 0 {
		gap = int(lag / window)
	}
	if !s.lastGap.IsZero() {
		// active in windows never consolidated: only the quiet windows after
		// that activity are idle
		idle, state = 0, memory.StateActive
		gap = int((start.Sub(s.lastGap) - 1) / window)
	}
	dormant := state == memory.StateDormant || idle+gap >= cfg.InactivityThreshold

	if !active {
		if state == memory.StateDormant {
			return p, false
		}
		p.IdleWindows = idle + gap + 1
		p.Signature = prev.Signature
		p.Baseline = prev.Baseline
		p.Confidence = d * prev.Confidence
		p.State = state
		if p.IdleWindows >= cfg.InactivityThreshold {
			p.State = memory.StateDormant
		}
		return p, true
	}

	merge := func() {
		p.Signature = signature.Blend(prev.Signature, sw, d)
		p.Confidence = (d*prev.Confidence + cw) / (d + 1)
		p.Baseline = p.Signature
	}

	switch {
	case dormant:
		p.Similarity = signature.Cosine(sw, prev.Baseline)
		if p.Similarity > cfg.ReactivationThreshold {
			p.State = memory.StateReactivated
			since := start.Add(-time.Duration(idle+gap) * window)
			p.ReactivatedFrom = &since
			merge()
		} else {
			p.State = memory.StateActive
			p.Signature, p.Baseline, p.Confidence = sw, sw, cw
		}
	default:
		p.State = memory.StateActive
		merge()
	}
	return p, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
