package engine

import (
	"context"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/store"
)

// Rebuild replays the whole evidence log into derived state. Replaying
// events already applied changes nothing, so it is safe on a live engine.
// It returns the number of events replayed.
func (e *Engine) Rebuild(ctx context.Context) (int, error) {
	n, err := e.replay(ctx, evidence.ReadRequest{})
	if err != nil {
		return n, errors.Wrap(err, "rebuild")
	}
	e.logger.Infow("derived state rebuilt", "events", n, "actors", e.actors.Len(), "edges", e.graph.Len())
	return n, nil
}

// Restore loads the latest checkpoint and replays what it does not cover:
// every event appended after it, plus the events inside the inference
// retention horizon so sliding windows are warm again. Without a database
// or a checkpoint it falls back to a full Rebuild.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.db == nil {
		return e.Rebuild(ctx)
	}
	cp, err := e.db.LoadCheckpoint(ctx)
	if errors.IsNotFound(err) {
		return e.Rebuild(ctx)
	}
	if err != nil {
		return 0, err
	}

	for _, a := range cp.Actors {
		e.actors.Restore(a)
	}
	for _, r := range cp.Relationships {
		if err := e.graph.Restore(r); err != nil {
			return 0, errors.Wrapf(err, "restore relationship %s", r.Key())
		}
	}
	e.posMu.Lock()
	e.cursor, e.horizon = cp.Cursor, cp.Horizon
	if cp.LastWindow.After(e.lastWindow) {
		e.lastWindow = cp.LastWindow
	}
	e.posMu.Unlock()

	warm, err := e.replay(ctx, evidence.ReadRequest{Since: cp.Horizon.Add(-e.cfg.Inference.Retention)})
	if err != nil {
		return warm, errors.Wrap(err, "warm inference windows")
	}
	tail, err := e.replay(ctx, evidence.ReadRequest{After: cp.Cursor})
	if err != nil {
		return warm + tail, errors.Wrap(err, "replay after checkpoint")
	}
	e.logger.Infow("restored from checkpoint", "seq", cp.Cursor.Seq, "actors", len(cp.Actors),
		"edges", len(cp.Relationships), "warm", warm, "tail", tail)
	return warm + tail, nil
}

func (e *Engine) replay(ctx context.Context, req evidence.ReadRequest) (int, error) {
	n := 0
	err := evidence.ReadAll(ctx, e.log, req, func(ev evidence.Event) error {
		e.apply(ctx, ev, false)
		n++
		return nil
	})
	return n, err
}

// Checkpoint persists actors and relationships together with the log
// position they reflect. Ingestion pauses while the state is copied.
func (e *Engine) Checkpoint(ctx context.Context) error {
	if e.db == nil {
		return errors.Validationf("checkpoint: no database configured")
	}

	e.ingestMu.Lock()
	// live ingests do not learn their sequence, so read the log forward to
	// find the position everything applied so far covers
	e.posMu.Lock()
	cursor := e.cursor
	e.posMu.Unlock()
	err := evidence.ReadAll(ctx, e.log, evidence.ReadRequest{After: cursor}, func(ev evidence.Event) error {
		e.advance(ev)
		return nil
	})
	if err != nil {
		e.ingestMu.Unlock()
		return errors.Wrap(err, "locate checkpoint position")
	}
	e.posMu.Lock()
	cp := store.Checkpoint{Cursor: e.cursor, Horizon: e.horizon, LastWindow: e.lastWindow}
	e.posMu.Unlock()
	cp.Actors = e.actors.List()
	cp.Relationships = e.graph.Snapshot().Edges
	e.ingestMu.Unlock()

	return e.db.SaveCheckpoint(ctx, cp)
}
