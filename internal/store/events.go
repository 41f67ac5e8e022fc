package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
)

var _ evidence.Log = (*DB)(nil)

// Append records an event in the sqlite evidence log. The row's integer
// primary key is the log sequence.
func (db *DB) Append(ctx context.Context, e evidence.Event) (evidence.EventID, error) {
	e, err := evidence.Normalize(e)
	if err != nil {
		return "", err
	}

	actors, err := json.Marshal(e.Actors)
	if err != nil {
		return "", errors.Wrap(err, "marshal actors")
	}
	var attrs []byte
	if len(e.Attributes) > 0 {
		if attrs, err = json.Marshal(e.Attributes); err != nil {
			return "", errors.Wrap(err, "marshal attributes")
		}
	}
	var idem, strength, payload any
	if e.IdempotencyKey != "" {
		idem = e.IdempotencyKey
	}
	if e.Strength != nil {
		strength = *e.Strength
	}
	if len(e.Payload) > 0 {
		payload = []byte(e.Payload)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO events (event_id, idempotency_key, ts, type, channel, counterpart, strength, actors, attributes, payload, appended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, e.ID, idem, e.Timestamp.UnixNano(), e.Type, e.Channel, e.Counterpart, strength,
		string(actors), nullableText(attrs), payload, time.Now().UnixMilli())
	if err != nil {
		return "", errors.Wrap(err, "append event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", errors.Wrap(err, "append event")
	}
	if n == 0 {
		return "", errors.Duplicatef("event %q (idempotency key %q) already logged", e.ID, e.IdempotencyKey)
	}
	return e.ID, nil
}

// Read returns events after req.After with a timestamp at or after
// req.Since, in append order.
func (db *DB) Read(ctx context.Context, req evidence.ReadRequest) (evidence.Batch, error) {
	since := int64(math.MinInt64)
	if !req.Since.IsZero() {
		since = req.Since.UnixNano()
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, event_id, COALESCE(idempotency_key, ''), ts, type, channel, counterpart, strength, actors, attributes, payload
		FROM events
		WHERE seq > ? AND ts >= ?
		ORDER BY seq
		LIMIT ?
	`, req.After.Seq, since, req.PageSize())
	if err != nil {
		return evidence.Batch{}, errors.Wrap(err, "read events")
	}
	defer rows.Close()

	batch := evidence.Batch{Next: req.After}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return evidence.Batch{}, err
		}
		batch.Events = append(batch.Events, e)
		batch.Next = evidence.Cursor{Seq: e.Seq}
	}
	return batch, rows.Err()
}

// EventCount returns the number of logged events.
func (db *DB) EventCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

func scanEvent(rows *sql.Rows) (evidence.Event, error) {
	var (
		e        evidence.Event
		ts       int64
		strength sql.NullFloat64
		actors   string
		attrs    sql.NullString
		payload  []byte
	)
	if err := rows.Scan(&e.Seq, &e.ID, &e.IdempotencyKey, &ts, &e.Type, &e.Channel, &e.Counterpart,
		&strength, &actors, &attrs, &payload); err != nil {
		return e, errors.Wrap(err, "scan event")
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	if strength.Valid {
		s := strength.Float64
		e.Strength = &s
	}
	if err := json.Unmarshal([]byte(actors), &e.Actors); err != nil {
		return e, errors.Wrapf(err, "decode actors of %s", e.ID)
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
			return e, errors.Wrapf(err, "decode attributes of %s", e.ID)
		}
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return e, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
