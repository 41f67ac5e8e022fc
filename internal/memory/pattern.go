// Package memory stores consolidated behavioral patterns and answers
// similarity queries against them.
package memory

import (
	"time"

	"github.com/lazypower/vigil/internal/errors"
)

// State is a pattern's dormancy state.
type State string

const (
	StateActive      State = "ACTIVE"
	StateDormant     State = "DORMANT"
	StateReactivated State = "REACTIVATED"
)

// SubjectKind says whether a pattern describes an actor or a ring.
type SubjectKind string

const (
	KindActor SubjectKind = "actor"
	KindRing  SubjectKind = "ring"
)

// Pattern is the consolidated behavior of one subject over one window.
// It carries no wall-clock fields, so consolidating the same inputs twice
// marshals to identical bytes.
type Pattern struct {
	SubjectID       string      `json:"subject_id"`
	SubjectKind     SubjectKind `json:"subject_kind"`
	WindowStart     time.Time   `json:"window_start"`
	WindowEnd       time.Time   `json:"window_end"`
	Signature       []float64   `json:"signature"`
	Baseline        []float64   `json:"baseline"`
	Confidence      float64     `json:"confidence"`
	State           State       `json:"state"`
	IdleWindows     int         `json:"idle_windows"`
	EventCount      int         `json:"event_count"`
	Similarity      float64     `json:"similarity,omitempty"`
	ReactivatedFrom *time.Time  `json:"reactivated_from,omitempty"`
}

// Validate checks the fields every stored pattern needs.
func (p Pattern) Validate() error {
	if p.SubjectID == "" {
		return errors.Validationf("pattern: empty subject")
	}
	if !p.WindowEnd.After(p.WindowStart) {
		return errors.Validationf("pattern %s: window end %s not after start %s",
			p.SubjectID, p.WindowEnd.Format(time.RFC3339), p.WindowStart.Format(time.RFC3339))
	}
	if len(p.Signature) == 0 {
		return errors.Validationf("pattern %s: empty signature", p.SubjectID)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return errors.Validationf("pattern %s: confidence %v outside [0,1]", p.SubjectID, p.Confidence)
	}
	switch p.State {
	case StateActive, StateDormant, StateReactivated:
	default:
		return errors.Validationf("pattern %s: unknown state %q", p.SubjectID, p.State)
	}
	return nil
}

func (p Pattern) overlaps(q Pattern) bool {
	return p.WindowStart.Before(q.WindowEnd) && q.WindowStart.Before(p.WindowEnd)
}

func clonePattern(p Pattern) Pattern {
	p.Signature = append([]float64(nil), p.Signature...)
	p.Baseline = append([]float64(nil), p.Baseline...)
	if p.ReactivatedFrom != nil {
		t := *p.ReactivatedFrom
		p.ReactivatedFrom = &t
	}
	return p
}
