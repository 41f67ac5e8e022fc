// Package engine wires the evidence log, derived state and the periodic
// passes into one owner. Every other package is usable on its own; the
// engine is what the CLI talks to.
package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/vigil/internal/classifier"
	"github.com/lazypower/vigil/internal/config"
	"github.com/lazypower/vigil/internal/consolidate"
	"github.com/lazypower/vigil/internal/entity"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
	"github.com/lazypower/vigil/internal/inference"
	"github.com/lazypower/vigil/internal/logger"
	"github.com/lazypower/vigil/internal/memory"
	"github.com/lazypower/vigil/internal/ring"
	"github.com/lazypower/vigil/internal/store"
)

// Deps are the engine's external collaborators. DB may be nil, in which
// case patterns and ring batches live in memory only and checkpoints are
// unavailable. Classifier may be nil.
type Deps struct {
	Log        evidence.Log
	DB         *store.DB
	Config     config.Config
	Classifier classifier.Client
	Logger     *zap.SugaredLogger
}

// Engine owns all derived state: actors, the relationship graph, the
// inference windows, and the pattern store.
type Engine struct {
	cfg config.Config
	log evidence.Log
	db  *store.DB

	actors       *entity.Store
	graph        *graph.Graph
	inferer      *inference.Inferer
	patterns     *memory.Store
	consolidator *consolidate.Engine
	dispatcher   *classifier.Dispatcher

	// ingestMu is held shared by every ingest and exclusively by
	// checkpoints, so a checkpoint sees no half-applied event.
	ingestMu sync.RWMutex

	posMu      sync.Mutex
	cursor     evidence.Cursor
	horizon    time.Time
	lastWindow time.Time

	ringMu sync.RWMutex
	rings  []ring.Ring

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
}

// New builds an engine with empty derived state. Call Restore or Rebuild
// to load history from the log.
func New(deps Deps) (*Engine, error) {
	if deps.Log == nil {
		return nil, errors.Validationf("engine: evidence log is required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	log := logger.Named(deps.Logger, "engine")
	cfg := deps.Config

	var backend memory.Backend
	if deps.DB != nil {
		backend = deps.DB
	}
	patterns, err := memory.NewStore(backend, deps.Logger)
	if err != nil {
		return nil, err
	}

	scoring := ScoringFrom(cfg.Inference)
	g := graph.New(scoring, deps.Logger)

	e := &Engine{
		cfg:        cfg,
		log:        deps.Log,
		db:         deps.DB,
		actors:     entity.NewStore(),
		graph:      g,
		patterns:   patterns,
		dispatcher: classifier.NewDispatcher(deps.Classifier, cfg.Classifier, deps.Logger),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		logger:     log,
	}
	e.inferer = inference.New(InferenceFrom(cfg.Inference), scoring, patterns, g, deps.Logger)
	e.consolidator = consolidate.New(cfg.Consolidation, consolidate.Deps{
		Log:      deps.Log,
		Graph:    g,
		Patterns: patterns,
		Rings:    e,
	}, deps.Logger)
	return e, nil
}

// ScoringFrom converts configuration into graph scoring parameters.
func ScoringFrom(c config.InferenceConfig) graph.Scoring {
	s := graph.DefaultScoring()
	for name, w := range c.BaseWeights {
		if t := graph.RelType(name); t.Valid() {
			s.BaseWeights[t] = w
		}
	}
	s.SaturationK = c.SaturationK
	s.ClassifierWeight = c.ClassifierWeight
	s.HalfLife = c.HalfLife
	return s
}

// InferenceFrom converts configuration into inference rule parameters.
func InferenceFrom(c config.InferenceConfig) inference.Config {
	return inference.Config{
		Window:           c.Window,
		SyncWindow:       c.SyncWindow,
		MinCoOccurrence:  c.MinCoOccurrence,
		MimicryThreshold: c.MimicryThreshold,
		MimicryMinEvents: c.MimicryMinEvents,
		MaxWindowEvents:  c.MaxWindowEvents,
		Retention:        c.Retention,
	}
}

// Config returns the engine's configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// Actors exposes the entity store.
func (e *Engine) Actors() *entity.Store { return e.actors }

// Graph exposes the relationship graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Patterns exposes the pattern store.
func (e *Engine) Patterns() *memory.Store { return e.patterns }

// Wait blocks until outstanding classifier calls have finished.
func (e *Engine) Wait() { e.dispatcher.Wait() }

// Stop shuts down background goroutines and waits for them. It does not
// close the evidence log or database.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.dispatcher.Wait()
}

func (e *Engine) advance(ev evidence.Event) {
	e.posMu.Lock()
	if ev.Timestamp.After(e.horizon) {
		e.horizon = ev.Timestamp
	}
	if ev.Seq > e.cursor.Seq {
		e.cursor.Seq = ev.Seq
	}
	e.posMu.Unlock()
}
