package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/graph"
	"github.com/lazypower/vigil/internal/ring"
)

var _ ring.Source = (*DB)(nil)

// SaveRingBatch persists a detection run with its rings in rank order.
func (db *DB) SaveRingBatch(b ring.Batch) error {
	opts, err := json.Marshal(b.Options)
	if err != nil {
		return errors.Wrap(err, "marshal ring options")
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin ring batch")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO ring_batches (batch_id, detected_at, options) VALUES (?, ?, ?)",
		b.ID, b.DetectedAt.UnixNano(), string(opts),
	); err != nil {
		return errors.Wrapf(err, "insert ring batch %s", b.ID)
	}

	for rank, r := range b.Rings {
		members, err := json.Marshal(r.Members)
		if err != nil {
			return errors.Wrap(err, "marshal ring members")
		}
		edges, err := json.Marshal(r.Edges)
		if err != nil {
			return errors.Wrap(err, "marshal ring edges")
		}
		if _, err := tx.Exec(`
			INSERT INTO rings (batch_id, ring_id, rank, members, confidence, formed_at, edges)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, b.ID, r.ID, rank, string(members), r.Confidence, r.FormedAt.UnixNano(), string(edges)); err != nil {
			return errors.Wrapf(err, "insert ring %s", r.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit ring batch")
	}
	db.log.Debugw("ring batch saved", "batch", b.ID, "rings", len(b.Rings))
	return nil
}

// LatestBatch returns the most recently detected batch, or a not-found
// error when detection has never been persisted.
func (db *DB) LatestBatch() (ring.Batch, error) {
	var (
		b        ring.Batch
		detected int64
		opts     string
	)
	err := db.QueryRow(`
		SELECT batch_id, detected_at, options FROM ring_batches
		ORDER BY detected_at DESC, rowid DESC LIMIT 1
	`).Scan(&b.ID, &detected, &opts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, errors.NotFoundf("no ring batch persisted")
		}
		return b, errors.Wrap(err, "latest ring batch")
	}
	b.DetectedAt = time.Unix(0, detected).UTC()
	if err := json.Unmarshal([]byte(opts), &b.Options); err != nil {
		return b, errors.Wrapf(err, "decode options of %s", b.ID)
	}

	rows, err := db.Query(`
		SELECT ring_id, members, confidence, formed_at, edges
		FROM rings WHERE batch_id = ? ORDER BY rank
	`, b.ID)
	if err != nil {
		return b, errors.Wrap(err, "load rings")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r              ring.Ring
			members, edges string
			formed         int64
		)
		if err := rows.Scan(&r.ID, &members, &r.Confidence, &formed, &edges); err != nil {
			return b, errors.Wrap(err, "scan ring")
		}
		r.FormedAt = time.Unix(0, formed).UTC()
		if err := json.Unmarshal([]byte(members), &r.Members); err != nil {
			return b, errors.Wrapf(err, "decode members of %s", r.ID)
		}
		var rels []graph.Relationship
		if err := json.Unmarshal([]byte(edges), &rels); err != nil {
			return b, errors.Wrapf(err, "decode edges of %s", r.ID)
		}
		r.Edges = rels
		b.Rings = append(b.Rings, r)
	}
	return b, rows.Err()
}

// LatestRings returns the rings of the most recent batch. No batch yet
// means no rings.
func (db *DB) LatestRings() ([]ring.Ring, error) {
	b, err := db.LatestBatch()
	if errors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b.Rings, nil
}
