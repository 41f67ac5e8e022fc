package memory

import (
	"sort"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/signature"
)

// Match is one retrieval result.
type Match struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float64 `json:"similarity"`
}

// Querier is the read-only retrieval surface handed to inference and to
// dossier collaborators.
type Querier interface {
	Query(sig []float64, topK int) ([]Match, error)
}

var _ Querier = (*Store)(nil)

// Query returns the topK stored patterns most similar to sig by cosine
// similarity, most similar first. Ties go to the pattern whose window ended
// most recently, then to subject ID. An empty store yields ErrEmptyIndex.
func (s *Store) Query(sig []float64, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, errors.Validationf("query: top_k must be positive, got %d", topK)
	}
	if len(sig) != signature.Size {
		return nil, errors.Validationf("query: signature length %d, want %d", len(sig), signature.Size)
	}

	s.mu.RLock()
	var matches []Match
	for _, hist := range s.bySubject {
		for _, p := range hist {
			matches = append(matches, Match{Pattern: p, Similarity: signature.Cosine(sig, p.Signature)})
		}
	}
	s.mu.RUnlock()

	if len(matches) == 0 {
		return nil, errors.EmptyIndexf("query: no patterns stored")
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.Pattern.WindowEnd.Equal(b.Pattern.WindowEnd) {
			return a.Pattern.WindowEnd.After(b.Pattern.WindowEnd)
		}
		if a.Pattern.SubjectID != b.Pattern.SubjectID {
			return a.Pattern.SubjectID < b.Pattern.SubjectID
		}
		return a.Pattern.WindowStart.Before(b.Pattern.WindowStart)
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	for i := range matches {
		matches[i].Pattern = clonePattern(matches[i].Pattern)
	}
	return matches, nil
}
