package engine

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lazypower/vigil/internal/classifier"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
)

// Ingest validates and durably appends ev, then updates actors and the
// relationship graph. Malformed events fail with ErrValidation and repeats
// with ErrDuplicate, both before any derived state changes. Safe for
// concurrent use.
func (e *Engine) Ingest(ctx context.Context, ev evidence.Event) (evidence.EventID, error) {
	ev, err := evidence.Normalize(ev)
	if err != nil {
		return "", err
	}

	e.ingestMu.RLock()
	defer e.ingestMu.RUnlock()

	id, err := e.log.Append(ctx, ev)
	if err != nil {
		if !errors.IsDuplicate(err) {
			e.logger.Warnw("append failed", "event", ev.ID, "error", err)
		}
		return "", err
	}
	ev.ID = id
	// the event is logged; derived state must follow it even if the caller
	// has given up
	e.apply(context.WithoutCancel(ctx), ev, true)
	return id, nil
}

// apply folds one logged event into derived state. classify submits the
// resulting updates to the classifier; replays skip it.
func (e *Engine) apply(ctx context.Context, ev evidence.Event, classify bool) {
	for i, a := range ev.Participants() {
		var attrs map[string]string
		if i == 0 {
			attrs = ev.Attributes
		}
		// Participants are validated non-empty, so Upsert cannot fail here.
		e.actors.Upsert(a, attrs, ev.Timestamp)
	}

	for _, u := range e.inferer.Infer(ctx, ev) {
		if _, err := e.graph.Apply(u); err != nil {
			e.logger.Debugw("update rejected", "event", ev.ID, "edge", graph.EdgeKey(u.Source, u.Target, u.Type), "error", err)
			continue
		}
		if classify {
			e.classify(ev, u)
		}
	}
	e.advance(ev)
}

// classify asks the classifier about u in the background. A score lands as
// a re-application of the event's own evidence entry with the score set.
func (e *Engine) classify(ev evidence.Event, u graph.RelationshipUpdate) {
	req := classifier.Request{Source: u.Source, Target: u.Target, Type: u.Type, Event: ev}
	e.dispatcher.Submit(req, func(req classifier.Request, s classifier.Score) {
		scored := graph.RelationshipUpdate{Source: u.Source, Target: u.Target, Type: u.Type}
		for _, entry := range u.Evidence {
			if entry.EventID != ev.ID {
				continue
			}
			v := s.Value
			entry.ClassifierScore = &v
			entry.ClassifierSource = s.Source
			scored.Evidence = append(scored.Evidence, entry)
		}
		if len(scored.Evidence) == 0 {
			return
		}
		if _, err := e.graph.Apply(scored); err != nil {
			e.logger.Debugw("classifier score rejected", "event", ev.ID, "error", err)
		}
	})
}

// Rejection is one event IngestBatch did not accept.
type Rejection struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// Summary counts the outcome of a batch.
type Summary struct {
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected,omitempty"`
	Failed     []Rejection `json:"failed,omitempty"`
}

// IngestBatch ingests events with ingest.workers concurrent workers.
// Per-event failures are counted, not returned; the error is non-nil only
// when ctx ends first.
func (e *Engine) IngestBatch(ctx context.Context, events []evidence.Event) (Summary, error) {
	var (
		mu  sync.Mutex
		sum Summary
	)
	workers := e.cfg.Ingest.Workers
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, ev := range events {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := e.Ingest(gctx, ev)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sum.Accepted++
			case errors.IsDuplicate(err):
				sum.Duplicates++
			case errors.IsValidation(err):
				sum.Rejected = append(sum.Rejected, Rejection{Index: i, ID: ev.ID, Error: err.Error()})
			default:
				sum.Failed = append(sum.Failed, Rejection{Index: i, ID: ev.ID, Error: err.Error()})
			}
			return nil
		})
	}
	g.Wait()
	sortRejections(sum.Rejected)
	sortRejections(sum.Failed)
	return sum, ctx.Err()
}

func sortRejections(rs []Rejection) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Index < rs[j].Index })
}
