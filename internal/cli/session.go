package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/lazypower/vigil/internal/classifier"
	"github.com/lazypower/vigil/internal/engine"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/logger"
	"github.com/lazypower/vigil/internal/store"
)

// session is an engine over the configured storage with derived state
// restored.
type session struct {
	db     *store.DB
	badger *store.BadgerLog
	eng    *engine.Engine
}

// openSession opens storage, builds the engine and restores derived state
// from the latest checkpoint plus the log tail.
func openSession(ctx context.Context) (*session, error) {
	db, err := store.Open(cfg.Storage.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	s := &session{db: db}

	var log evidence.Log = db
	if cfg.Storage.Backend == "badger" {
		s.badger, err = store.OpenBadger(cfg.Storage.BadgerDir, false, logger.Logger)
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "open evidence log")
		}
		log = s.badger
	}

	s.eng, err = engine.New(engine.Deps{
		Log:        log,
		DB:         db,
		Config:     cfg,
		Classifier: classifier.NewClient(cfg.Classifier),
		Logger:     logger.Logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	if _, err := s.eng.Restore(ctx); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "restore derived state")
	}
	return s, nil
}

// Close stops the engine and closes storage.
func (s *session) Close() {
	if s.eng != nil {
		s.eng.Stop()
	}
	if s.badger != nil {
		if err := s.badger.Close(); err != nil {
			logger.Logger.Warnw("close evidence log", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		logger.Logger.Warnw("close database", "error", err)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
