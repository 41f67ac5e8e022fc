package store

import (
	"database/sql"
	"time"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/memory"
)

var _ memory.Backend = (*DB)(nil)

// SavePattern upserts a consolidated pattern keyed by (subject, window start).
func (db *DB) SavePattern(p memory.Pattern) error {
	var reactivated any
	if p.ReactivatedFrom != nil {
		reactivated = p.ReactivatedFrom.UnixNano()
	}
	_, err := db.Exec(`
		INSERT INTO patterns (subject_id, window_start, window_end, subject_kind, signature, baseline,
			confidence, state, idle_windows, event_count, similarity, reactivated_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_id, window_start) DO UPDATE SET
			window_end = excluded.window_end,
			subject_kind = excluded.subject_kind,
			signature = excluded.signature,
			baseline = excluded.baseline,
			confidence = excluded.confidence,
			state = excluded.state,
			idle_windows = excluded.idle_windows,
			event_count = excluded.event_count,
			similarity = excluded.similarity,
			reactivated_from = excluded.reactivated_from
	`, p.SubjectID, p.WindowStart.UnixNano(), p.WindowEnd.UnixNano(), string(p.SubjectKind),
		encodeVector(p.Signature), encodeVector(p.Baseline), p.Confidence, string(p.State),
		p.IdleWindows, p.EventCount, p.Similarity, reactivated)
	if err != nil {
		return errors.Wrapf(err, "save pattern %s@%s", p.SubjectID, p.WindowStart.Format(time.RFC3339))
	}
	return nil
}

// LoadPatterns returns every stored pattern ordered by subject and window.
func (db *DB) LoadPatterns() ([]memory.Pattern, error) {
	rows, err := db.Query(`
		SELECT subject_id, window_start, window_end, subject_kind, signature, baseline,
			confidence, state, idle_windows, event_count, similarity, reactivated_from
		FROM patterns
		ORDER BY subject_id, window_start
	`)
	if err != nil {
		return nil, errors.Wrap(err, "load patterns")
	}
	defer rows.Close()

	var patterns []memory.Pattern
	for rows.Next() {
		var (
			p               memory.Pattern
			start, end      int64
			kind, state     string
			sig, baseline   []byte
			reactivatedFrom sql.NullInt64
		)
		if err := rows.Scan(&p.SubjectID, &start, &end, &kind, &sig, &baseline,
			&p.Confidence, &state, &p.IdleWindows, &p.EventCount, &p.Similarity, &reactivatedFrom); err != nil {
			return nil, errors.Wrap(err, "scan pattern")
		}
		p.WindowStart = time.Unix(0, start).UTC()
		p.WindowEnd = time.Unix(0, end).UTC()
		p.SubjectKind = memory.SubjectKind(kind)
		p.State = memory.State(state)
		if p.Signature, err = decodeVector(sig); err != nil {
			return nil, errors.Wrapf(err, "pattern %s signature", p.SubjectID)
		}
		if p.Baseline, err = decodeVector(baseline); err != nil {
			return nil, errors.Wrapf(err, "pattern %s baseline", p.SubjectID)
		}
		if reactivatedFrom.Valid {
			t := time.Unix(0, reactivatedFrom.Int64).UTC()
			p.ReactivatedFrom = &t
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
