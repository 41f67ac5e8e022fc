package store

import (
	"database/sql"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lazypower/vigil/internal/errors"
	"github.com/lazypower/vigil/internal/logger"
)

// DB wraps a sql.DB connection to the vigil SQLite database. It holds the
// evidence log (when the sqlite backend is selected), consolidated
// patterns, ring batches and checkpoints of derived state.
type DB struct {
	*sql.DB
	Path string
	log  *zap.SugaredLogger
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string, log *zap.SugaredLogger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create db dir")
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	db := &DB{DB: sqlDB, Path: path, log: logger.Named(log, "store")}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	db.log.Debugw("database opened", "path", path)
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing. Every pooled
// connection would otherwise see its own empty database, so the pool is
// pinned to one connection.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite memory")
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: ":memory:", log: logger.Named(nil, "store")}
	if err := db.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return db, nil
}

func (db *DB) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA mmap_size=268435456", // 256MB
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.Wrapf(err, "pragma %q", p)
		}
	}
	return nil
}
