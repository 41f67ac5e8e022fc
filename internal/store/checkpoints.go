package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lazypower/vigil/internal/entity"
	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/evidence"
	"github.com/lazypower/vigil/internal/graph"
)

// Checkpoint is a snapshot of derived state up to a log position. Horizon
// is the latest event timestamp the snapshot reflects; LastWindow is the
// start of the newest scheduled consolidation window, zero when none ran.
type Checkpoint struct {
	Cursor        evidence.Cursor
	Horizon       time.Time
	LastWindow    time.Time
	Actors        []entity.Actor
	Relationships []graph.Relationship
}

// SaveCheckpoint replaces the stored checkpoint in one transaction.
func (db *DB) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin checkpoint")
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM actors", "DELETE FROM relationships"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "clear checkpoint")
		}
	}

	for _, a := range cp.Actors {
		var attrs []byte
		if len(a.Attributes) > 0 {
			if attrs, err = json.Marshal(a.Attributes); err != nil {
				return errors.Wrap(err, "marshal actor attributes")
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO actors (actor_id, first_seen, last_seen, state, attributes)
			VALUES (?, ?, ?, ?, ?)
		`, a.ID, a.FirstSeen.UnixNano(), a.LastSeen.UnixNano(), string(a.State), nullableText(attrs)); err != nil {
			return errors.Wrapf(err, "insert actor %s", a.ID)
		}
	}

	for _, r := range cp.Relationships {
		trail, err := json.Marshal(r.Evidence)
		if err != nil {
			return errors.Wrap(err, "marshal evidence trail")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO relationships (source, target, type, confidence, last_updated, evidence)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.Source, r.Target, string(r.Type), r.Confidence, r.LastUpdated.UnixNano(), string(trail)); err != nil {
			return errors.Wrapf(err, "insert relationship %s", r.Key())
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, log_seq, horizon, last_window, written_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET log_seq = excluded.log_seq, horizon = excluded.horizon,
			last_window = excluded.last_window, written_at = excluded.written_at
	`, cp.Cursor.Seq, cp.Horizon.UnixNano(), unixOrZero(cp.LastWindow), time.Now().UnixMilli()); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit checkpoint")
	}
	db.log.Debugw("checkpoint written", "seq", cp.Cursor.Seq, "actors", len(cp.Actors), "relationships", len(cp.Relationships))
	return nil
}

// LoadCheckpoint returns the stored checkpoint, or a not-found error when
// none has been written.
func (db *DB) LoadCheckpoint(ctx context.Context) (Checkpoint, error) {
	var (
		cp         Checkpoint
		horizon    int64
		lastWindow int64
	)
	err := db.QueryRowContext(ctx, "SELECT log_seq, horizon, last_window FROM checkpoints WHERE id = 1").
		Scan(&cp.Cursor.Seq, &horizon, &lastWindow)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, errors.NotFoundf("no checkpoint written")
	}
	if err != nil {
		return cp, errors.Wrap(err, "read checkpoint")
	}
	cp.Horizon = time.Unix(0, horizon).UTC()
	if lastWindow != 0 {
		cp.LastWindow = time.Unix(0, lastWindow).UTC()
	}

	if cp.Actors, err = db.loadActors(ctx); err != nil {
		return cp, err
	}
	if cp.Relationships, err = db.loadRelationships(ctx); err != nil {
		return cp, err
	}
	return cp, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func (db *DB) loadActors(ctx context.Context) ([]entity.Actor, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT actor_id, first_seen, last_seen, state, attributes FROM actors ORDER BY actor_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "load actors")
	}
	defer rows.Close()

	var actors []entity.Actor
	for rows.Next() {
		var (
			a           entity.Actor
			first, last int64
			state       string
			attrs       sql.NullString
		)
		if err := rows.Scan(&a.ID, &first, &last, &state, &attrs); err != nil {
			return nil, errors.Wrap(err, "scan actor")
		}
		a.FirstSeen = time.Unix(0, first).UTC()
		a.LastSeen = time.Unix(0, last).UTC()
		a.State = entity.State(state)
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &a.Attributes); err != nil {
				return nil, errors.Wrapf(err, "decode attributes of %s", a.ID)
			}
		}
		actors = append(actors, a)
	}
	return actors, rows.Err()
}

func (db *DB) loadRelationships(ctx context.Context) ([]graph.Relationship, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT source, target, type, confidence, last_updated, evidence
		FROM relationships ORDER BY source, target, type
	`)
	if err != nil {
		return nil, errors.Wrap(err, "load relationships")
	}
	defer rows.Close()

	var rels []graph.Relationship
	for rows.Next() {
		var (
			r       graph.Relationship
			typ     string
			updated int64
			trail   string
		)
		if err := rows.Scan(&r.Source, &r.Target, &typ, &r.Confidence, &updated, &trail); err != nil {
			return nil, errors.Wrap(err, "scan relationship")
		}
		r.Type = graph.RelType(typ)
		r.LastUpdated = time.Unix(0, updated).UTC()
		if err := json.Unmarshal([]byte(trail), &r.Evidence); err != nil {
			return nil, errors.Wrapf(err, "decode evidence of %s", r.Key())
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
