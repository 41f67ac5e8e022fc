package store

import (
	"github.com/lazypower/vigil/internal/errors"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "events: append-only evidence log",
		SQL: `
CREATE TABLE events (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id        TEXT NOT NULL UNIQUE,
    idempotency_key TEXT UNIQUE,
    ts              INTEGER NOT NULL,
    type            TEXT NOT NULL,
    channel         TEXT NOT NULL DEFAULT '',
    counterpart     TEXT NOT NULL DEFAULT '',
    strength        REAL,
    actors          TEXT NOT NULL,
    attributes      TEXT,
    payload         BLOB,
    appended_at     INTEGER NOT NULL
);

CREATE INDEX idx_events_ts ON events(ts);
`,
	},
	{
		Version:     2,
		Description: "patterns: consolidated behavior per subject and window",
		SQL: `
CREATE TABLE patterns (
    subject_id       TEXT NOT NULL,
    window_start     INTEGER NOT NULL,
    window_end       INTEGER NOT NULL,
    subject_kind     TEXT NOT NULL CHECK (subject_kind IN ('actor', 'ring')),
    signature        BLOB NOT NULL,
    baseline         BLOB,
    confidence       REAL NOT NULL,
    state            TEXT NOT NULL CHECK (state IN ('ACTIVE', 'DORMANT', 'REACTIVATED')),
    idle_windows     INTEGER NOT NULL DEFAULT 0,
    event_count      INTEGER NOT NULL DEFAULT 0,
    similarity       REAL NOT NULL DEFAULT 0,
    reactivated_from INTEGER,
    PRIMARY KEY (subject_id, window_start)
);

CREATE INDEX idx_patterns_end ON patterns(window_end DESC);
`,
	},
	{
		Version:     3,
		Description: "ring_batches: persisted detection runs",
		SQL: `
CREATE TABLE ring_batches (
    batch_id    TEXT PRIMARY KEY,
    detected_at INTEGER NOT NULL,
    options     TEXT NOT NULL
);

CREATE TABLE rings (
    batch_id   TEXT NOT NULL,
    ring_id    TEXT NOT NULL,
    rank       INTEGER NOT NULL,
    members    TEXT NOT NULL,
    confidence REAL NOT NULL,
    formed_at  INTEGER NOT NULL,
    edges      TEXT NOT NULL,
    PRIMARY KEY (batch_id, ring_id),
    FOREIGN KEY (batch_id) REFERENCES ring_batches(batch_id) ON DELETE CASCADE
);

CREATE INDEX idx_ring_batches_detected ON ring_batches(detected_at DESC);
`,
	},
	{
		Version:     4,
		Description: "checkpoints: actors and relationships",
		SQL: `
CREATE TABLE actors (
    actor_id   TEXT PRIMARY KEY,
    first_seen INTEGER NOT NULL,
    last_seen  INTEGER NOT NULL,
    state      TEXT NOT NULL CHECK (state IN ('ACTIVE', 'DORMANT')),
    attributes TEXT
);

CREATE TABLE relationships (
    source       TEXT NOT NULL,
    target       TEXT NOT NULL,
    type         TEXT NOT NULL,
    confidence   REAL NOT NULL,
    last_updated INTEGER NOT NULL,
    evidence     TEXT NOT NULL,
    PRIMARY KEY (source, target, type)
);

CREATE INDEX idx_relationships_target ON relationships(target);

CREATE TABLE checkpoints (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    log_seq     INTEGER NOT NULL,
    horizon     INTEGER NOT NULL,
    written_at  INTEGER NOT NULL
);
`,
	},
	{
		Version:     5,
		Description: "checkpoints: last consolidated window",
		SQL: `
ALTER TABLE checkpoints ADD COLUMN last_window INTEGER NOT NULL DEFAULT 0;
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return errors.Wrap(err, "create schema_versions")
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return errors.Wrapf(err, "check migration %d", m.Version)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin migration %d", m.Version)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "migration %d (%s)", m.Version, m.Description)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record migration %d", m.Version)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %d", m.Version)
		}
		db.log.Debugw("migration applied", "version", m.Version, "description", m.Description)
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
