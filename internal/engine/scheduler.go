package engine

import (
	"context"
	"time"

	"github.com/lazypower/vigil/internal/consolidate"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/ring"
)

// TickReport is what one scheduled pass did.
type TickReport struct {
	Batch          ring.Batch           `json:"batch"`
	Consolidations []consolidate.Report `json:"consolidations,omitempty"`
	Checkpointed   bool                 `json:"checkpointed"`
}

// Tick runs one maintenance pass: ring detection, consolidation of every
// completed window not yet consolidated (oldest first), and a checkpoint
// when a database is configured. Later steps still run when an earlier one
// fails; the errors are combined.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	var (
		rep  TickReport
		errs error
	)

	batch, err := e.DetectRings(e.RingOptions(), true)
	if err != nil {
		errs = errors.Combine(errs, errors.Wrap(err, "detect rings"))
	}
	rep.Batch = batch

	current, _ := e.Align(e.now())
	windows, err := e.pendingWindows(ctx, current)
	if err != nil {
		errs = errors.Combine(errs, errors.Wrap(err, "find pending windows"))
	}
	for _, start := range windows {
		report, err := e.Consolidate(ctx, start, start.Add(e.cfg.Consolidation.Window))
		rep.Consolidations = append(rep.Consolidations, report)
		if err != nil {
			// later windows build on this one; retry from here next tick
			errs = errors.Combine(errs, errors.Wrapf(err, "consolidate %s", start.Format(time.RFC3339)))
			break
		}
		e.posMu.Lock()
		e.lastWindow = start
		e.posMu.Unlock()
	}

	if e.db != nil {
		if err := e.Checkpoint(ctx); err != nil {
			errs = errors.Combine(errs, errors.Wrap(err, "checkpoint"))
		} else {
			rep.Checkpointed = true
		}
	}
	return rep, errs
}

// pendingWindows lists the completed window starts before current that the
// scheduler has not consolidated. Without a recorded window it resumes after
// the newest stored pattern, or from the window of the oldest logged event.
func (e *Engine) pendingWindows(ctx context.Context, current time.Time) ([]time.Time, error) {
	window := e.cfg.Consolidation.Window
	e.posMu.Lock()
	last := e.lastWindow
	e.posMu.Unlock()

	var next time.Time
	switch latest, ok := e.patterns.LatestWindow(); {
	case !last.IsZero():
		next = last.Add(window)
	case ok:
		next = latest.Add(window)
	default:
		var oldest time.Time
		err := evidence.ReadAll(ctx, e.log, evidence.ReadRequest{}, func(ev evidence.Event) error {
			if oldest.IsZero() || ev.Timestamp.Before(oldest) {
				oldest = ev.Timestamp
			}
			return nil
		})
		if err != nil || oldest.IsZero() {
			return nil, err
		}
		next, _ = e.Align(oldest)
	}

	var out []time.Time
	for s := next; s.Before(current); s = s.Add(window) {
		out = append(out, s)
	}
	return out, nil
}

// StartScheduler runs Tick immediately and then every interval until Stop.
func (e *Engine) StartScheduler(every time.Duration) error {
	if every <= 0 {
		return errors.Validationf("scheduler: interval must be positive, got %s", every)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-e.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		e.tick(ctx)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.tick(ctx)
			case <-e.stopCh:
				return
			}
		}
	}()
	return nil
}

func (e *Engine) tick(ctx context.Context) {
	rep, err := e.Tick(ctx)
	if err != nil {
		e.logger.Errorw("scheduled pass failed", "error", err)
		return
	}
	written := 0
	for _, c := range rep.Consolidations {
		written += c.Written()
	}
	e.logger.Infow("scheduled pass", "rings", len(rep.Batch.Rings), "windows", len(rep.Consolidations),
		"patterns", written, "checkpoint", rep.Checkpointed)
}
