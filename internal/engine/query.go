package engine

import (
	"context"
	"time"

	"github.com/lazypower/vigil/internal/consolidate"
	"github.com/lazypower/vigil/internal/entity"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/graph"
	"github.com/lazypower/vigil/internal/memory"
	"github.com/lazypower/vigil/internal/ring"
)

// RingOptions returns the configured detection thresholds, scoring edges
// by their decayed confidence as of now.
func (e *Engine) RingOptions() ring.Options {
	return ring.Options{
		MinConfidence: e.cfg.Rings.MinConfidence,
		MinSize:       e.cfg.Rings.MinSize,
		DensityFloor:  e.cfg.Rings.DensityFloor,
		AsOf:          e.now(),
	}
}

// DetectRings runs ring detection over a snapshot of the graph. With
// persist set the result becomes the latest batch that consolidation
// reads.
func (e *Engine) DetectRings(opts ring.Options, persist bool) (ring.Batch, error) {
	rings, err := ring.Detect(e.graph.Snapshot(), opts)
	if err != nil {
		return ring.Batch{}, err
	}
	batch := ring.NewBatch(opts, rings, e.now())
	e.logger.Debugw("rings detected", "batch", batch.ID, "rings", len(rings), "persist", persist)
	if !persist {
		return batch, nil
	}
	if e.db != nil {
		if err := e.db.SaveRingBatch(batch); err != nil {
			return batch, err
		}
	}
	e.ringMu.Lock()
	e.rings = batch.Rings
	e.ringMu.Unlock()
	return batch, nil
}

// LatestRings returns the most recently persisted rings.
func (e *Engine) LatestRings() ([]ring.Ring, error) {
	e.ringMu.RLock()
	rings := e.rings
	e.ringMu.RUnlock()
	if rings != nil || e.db == nil {
		return rings, nil
	}
	return e.db.LatestRings()
}

// Consolidate runs one consolidation pass over [start, end) and mirrors
// actor dormancy into the entity store.
func (e *Engine) Consolidate(ctx context.Context, start, end time.Time) (consolidate.Report, error) {
	report, err := e.consolidator.Run(ctx, start, end)
	for _, o := range report.Transitions() {
		if o.Kind != memory.KindActor {
			continue
		}
		state := entity.StateActive
		if o.To == memory.StateDormant {
			state = entity.StateDormant
		}
		if serr := e.actors.SetState(o.SubjectID, state); serr != nil {
			e.logger.Debugw("state mirror skipped", "actor", o.SubjectID, "error", serr)
		}
	}
	return report, err
}

// Align returns the consolidation window containing t.
func (e *Engine) Align(t time.Time) (time.Time, time.Time) {
	return e.consolidator.Align(t)
}

// Query searches stored patterns by signature.
func (e *Engine) Query(sig []float64, topK int) ([]memory.Match, error) {
	return e.patterns.Query(sig, topK)
}

// QuerySubject searches for patterns resembling the subject's latest one,
// excluding the subject's own history.
func (e *Engine) QuerySubject(subject string, topK int) ([]memory.Match, error) {
	if topK <= 0 {
		return nil, errors.Validationf("query: top_k must be positive, got %d", topK)
	}
	latest, err := e.patterns.Latest(subject)
	if err != nil {
		return nil, err
	}
	own := len(e.patterns.History(subject))
	matches, err := e.patterns.Query(latest.Signature, topK+own)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Match, 0, topK)
	for _, m := range matches {
		if m.Pattern.SubjectID == subject {
			continue
		}
		if len(out) == topK {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

// Dossier is everything the engine holds about one actor.
type Dossier struct {
	Actor         entity.Actor    `json:"actor"`
	Pattern       *memory.Pattern `json:"pattern,omitempty"`
	Relationships []DossierEdge   `json:"relationships"`
	Rings         []string        `json:"rings,omitempty"`
}

// DossierEdge is a relationship with its confidence decayed to the time the
// dossier was built.
type DossierEdge struct {
	graph.Relationship
	Effective float64 `json:"effective_confidence"`
}

// Actor returns the dossier for id, or ErrNotFound for an unknown actor.
func (e *Engine) Actor(id string) (Dossier, error) {
	a, err := e.actors.Get(id)
	if err != nil {
		return Dossier{}, err
	}
	d := Dossier{Actor: a}
	scoring, now := e.graph.Scoring(), e.now()
	for _, r := range e.graph.Edges(id) {
		d.Relationships = append(d.Relationships, DossierEdge{Relationship: r, Effective: scoring.Effective(r, now)})
	}
	if p, err := e.patterns.Latest(id); err == nil {
		d.Pattern = &p
	}
	rings, err := e.LatestRings()
	if err != nil {
		return d, err
	}
	for _, r := range rings {
		for _, m := range r.Members {
			if m == id {
				d.Rings = append(d.Rings, r.ID)
				break
			}
		}
	}
	return d, nil
}
