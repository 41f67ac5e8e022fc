package memory

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/logger"
)

// Backend persists patterns. store.DB implements it.
type Backend interface {
	SavePattern(p Pattern) error
	LoadPatterns() ([]Pattern, error)
}

// Store is the pattern index, owned by whoever constructs it. Patterns are
// keyed by (subject, window start); each subject's history is kept sorted
// by window start.
type Store struct {
	mu        sync.RWMutex
	bySubject map[string][]Pattern
	backend   Backend

	lockMu sync.Mutex
	locks  map[string]struct{}

	log *zap.SugaredLogger
}

// NewStore builds a store, loading any persisted patterns from backend.
// backend may be nil for a purely in-memory index.
func NewStore(backend Backend, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		bySubject: make(map[string][]Pattern),
		backend:   backend,
		locks:     make(map[string]struct{}),
		log:       logger.Named(log, "memory"),
	}
	if backend == nil {
		return s, nil
	}
	patterns, err := backend.LoadPatterns()
	if err != nil {
		return nil, errors.Wrap(err, "load patterns")
	}
	for _, p := range patterns {
		s.insert(p)
	}
	s.log.Debugw("patterns loaded", "count", len(patterns))
	return s, nil
}

// Put upserts p. Rewriting the same (subject, window start) replaces the
// stored pattern; a window overlapping a different window of the same
// subject is rejected.
func (s *Store) Put(p Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = clonePattern(p)
	p.WindowStart = p.WindowStart.UTC()
	p.WindowEnd = p.WindowEnd.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.bySubject[p.SubjectID] {
		if q.WindowStart.Equal(p.WindowStart) {
			continue
		}
		if p.overlaps(q) {
			return errors.Validationf("pattern %s: window [%s, %s) overlaps [%s, %s)",
				p.SubjectID,
				p.WindowStart.Format(time.RFC3339), p.WindowEnd.Format(time.RFC3339),
				q.WindowStart.Format(time.RFC3339), q.WindowEnd.Format(time.RFC3339))
		}
	}
	if s.backend != nil {
		if err := s.backend.SavePattern(p); err != nil {
			return errors.Wrapf(err, "save pattern %s", p.SubjectID)
		}
	}
	s.insert(p)
	return nil
}

// insert places p into its subject's history. Caller holds mu or owns s.
func (s *Store) insert(p Pattern) {
	hist := s.bySubject[p.SubjectID]
	i := sort.Search(len(hist), func(i int) bool { return !hist[i].WindowStart.Before(p.WindowStart) })
	if i < len(hist) && hist[i].WindowStart.Equal(p.WindowStart) {
		hist[i] = p
		return
	}
	hist = append(hist, Pattern{})
	copy(hist[i+1:], hist[i:])
	hist[i] = p
	s.bySubject[p.SubjectID] = hist
}

// Get returns the pattern for subject starting at start.
func (s *Store) Get(subject string, start time.Time) (Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.bySubject[subject] {
		if p.WindowStart.Equal(start) {
			return clonePattern(p), nil
		}
	}
	return Pattern{}, errors.NotFoundf("pattern %s at %s", subject, start.Format(time.RFC3339))
}

// Latest returns the subject's most recent pattern.
func (s *Store) Latest(subject string) (Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.bySubject[subject]
	if len(hist) == 0 {
		return Pattern{}, errors.NotFoundf("no patterns for subject %q", subject)
	}
	return clonePattern(hist[len(hist)-1]), nil
}

// Preceding returns the subject's latest pattern starting before start.
func (s *Store) Preceding(subject string, start time.Time) (Pattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.bySubject[subject]
	i := sort.Search(len(hist), func(i int) bool { return !hist[i].WindowStart.Before(start) })
	if i == 0 {
		return Pattern{}, false
	}
	return clonePattern(hist[i-1]), true
}

// History returns the subject's patterns oldest first.
func (s *Store) History(subject string) []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.bySubject[subject]
	out := make([]Pattern, len(hist))
	for i, p := range hist {
		out[i] = clonePattern(p)
	}
	return out
}

// Subjects lists every subject with at least one pattern, sorted.
func (s *Store) Subjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bySubject))
	for id := range s.bySubject {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LatestWindow returns the newest window start of any stored pattern.
func (s *Store) LatestWindow() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for _, hist := range s.bySubject {
		if len(hist) == 0 {
			continue
		}
		if w := hist[len(hist)-1].WindowStart; w.After(latest) {
			latest = w
		}
	}
	return latest, !latest.IsZero()
}

// Len returns the number of stored patterns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, hist := range s.bySubject {
		n += len(hist)
	}
	return n
}

// Lock claims (subject, start) for consolidation. A second claim fails with
// ErrConsolidationConflict until the returned release is called.
func (s *Store) Lock(subject string, start time.Time) (func(), error) {
	key := subject + "@" + start.UTC().Format(time.RFC3339Nano)
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if _, held := s.locks[key]; held {
		return nil, errors.Conflictf("subject %s window %s is being consolidated", subject, start.Format(time.RFC3339))
	}
	s.locks[key] = struct{}{}
	return func() {
		s.lockMu.Lock()
		delete(s.locks, key)
		s.lockMu.Unlock()
	}, nil
}
