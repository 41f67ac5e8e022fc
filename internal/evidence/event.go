// Package evidence defines behavioral events and the append-only log that
// records them. Every relationship in the graph cites events from this log.
package evidence

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/vigil/internal/errors"
)

// EventID identifies an event. Producers may supply one; otherwise the log
// assigns one on append.
type EventID = string

// Event is one timestamped behavioral observation. Immutable once appended.
type Event struct {
	ID             EventID           `json:"id"`
	Seq            uint64            `json:"seq,omitempty"`
	Actors         []string          `json:"actors"`
	Timestamp      time.Time         `json:"timestamp"`
	Type           string            `json:"type"`
	Channel        string            `json:"channel,omitempty"`
	Counterpart    string            `json:"counterpart,omitempty"`
	Strength       *float64          `json:"strength,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
}

// Primary returns the first listed actor.
func (e Event) Primary() string {
	if len(e.Actors) == 0 {
		return ""
	}
	return e.Actors[0]
}

// Weight returns the strength hint, or 1 when none was supplied.
func (e Event) Weight() float64 {
	if e.Strength == nil {
		return 1
	}
	return *e.Strength
}

// Participants returns every actor the event references: the listed actors
// followed by the counterpart, without duplicates.
func (e Event) Participants() []string {
	out := make([]string, 0, len(e.Actors)+1)
	seen := make(map[string]bool, len(e.Actors)+1)
	for _, a := range e.Actors {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	if e.Counterpart != "" && !seen[e.Counterpart] {
		out = append(out, e.Counterpart)
	}
	return out
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	if e.Timestamp.IsZero() {
		return errors.Validationf("event %q: missing timestamp", e.ID)
	}
	if len(e.Actors) == 0 {
		return errors.Validationf("event %q: no actors", e.ID)
	}
	for _, a := range e.Actors {
		if strings.TrimSpace(a) == "" {
			return errors.Validationf("event %q: empty actor identifier", e.ID)
		}
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.Validationf("event %q: missing type", e.ID)
	}
	if e.Strength != nil && (*e.Strength < 0 || *e.Strength > 1) {
		return errors.Validationf("event %q: strength %v outside [0,1]", e.ID, *e.Strength)
	}
	return nil
}

// Normalize validates the event and fills in the ID when absent. Timestamps
// are stored in UTC.
func Normalize(e Event) (Event, error) {
	if err := e.Validate(); err != nil {
		return e, err
	}
	if e.ID == "" {
		e.ID = "evt-" + uuid.NewString()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Seq = 0
	return e, nil
}

// Cursor marks a position in the log. The zero cursor reads from the start.
type Cursor struct {
	Seq uint64 `json:"seq"`
}

// ReadRequest selects events appended after After with a timestamp at or
// after Since. Limit <= 0 means DefaultReadLimit.
type ReadRequest struct {
	Since time.Time
	After Cursor
	Limit int
}

// DefaultReadLimit bounds one Read call.
const DefaultReadLimit = 1000

// PageSize returns the effective limit.
func (r ReadRequest) PageSize() int {
	if r.Limit <= 0 {
		return DefaultReadLimit
	}
	return r.Limit
}

// Batch is one page of a read. Next resumes after the last event examined.
type Batch struct {
	Events []Event
	Next   Cursor
}

// Log is the durable, append-only event record. Appends are totally ordered
// by a single monotonic sequence; a failed append leaves earlier events
// untouched.
type Log interface {
	// Append validates and records an event. Returns ErrValidation for
	// malformed events and ErrDuplicate when the idempotency key or event ID
	// is already present.
	Append(ctx context.Context, e Event) (EventID, error)
	// Read returns events in append order.
	Read(ctx context.Context, req ReadRequest) (Batch, error)
	Close() error
}

// ReadAll drains the log from req.After through repeated cursor reads,
// calling fn for every event in append order.
func ReadAll(ctx context.Context, log Log, req ReadRequest, fn func(Event) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := log.Read(ctx, req)
		if err != nil {
			return err
		}
		for _, e := range batch.Events {
			if err := fn(e); err != nil {
				return err
			}
		}
		if batch.Next.Seq == req.After.Seq {
			return nil
		}
		req.After = batch.Next
	}
}
