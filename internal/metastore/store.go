// Copyright 2025 James Ross
package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flyingrobots/dubcast-job-server/internal/errs"
)

// unsafePathMarkers flags STATE_DIR locations that would make durable
// data disappear across a rebuild: build output, temp scratch, or the
// repo source tree itself. This is a boot-time check, never a runtime
// one.
var unsafePathMarkers = []string{
	string(filepath.Separator) + "tmp" + string(filepath.Separator),
	string(filepath.Separator) + "build" + string(filepath.Separator),
	string(filepath.Separator) + "dist" + string(filepath.Separator),
	string(filepath.Separator) + "node_modules" + string(filepath.Separator),
	string(filepath.Separator) + ".git" + string(filepath.Separator),
}

// CheckSafePath refuses to open a MetaStore backed by a path under a
// location that would be wiped by a normal build or scratch cleanup.
func CheckSafePath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errs.New("metastore.CheckSafePath", errs.Validation, err)
	}
	clean := filepath.Clean(abs) + string(filepath.Separator)
	base := filepath.Base(filepath.Dir(abs))
	if base == "src" || base == "cmd" || base == "internal" {
		return errs.New("metastore.CheckSafePath", errs.Validation,
			fmt.Errorf("state path %q resolves inside the source tree", abs))
	}
	for _, marker := range unsafePathMarkers {
		if strings.Contains(clean, marker) {
			return errs.New("metastore.CheckSafePath", errs.Validation,
				fmt.Errorf("state path %q resolves under an unsafe location (%s)", abs, strings.Trim(marker, string(filepath.Separator))))
		}
	}
	return nil
}

// Store is the C1 MetaStore: durable, consistent storage for jobs,
// uploads, identity, quotas, outbox rows, leases, the library index and
// the audit trail. All writes are serialized through mu — the single-
// writer discipline the spec requires — while reads proceed
// concurrently against the underlying *sql.DB connection pool.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const currentSchemaVersion = 2

// Open validates the path is safe, opens (creating if absent) the
// sqlite-backed store, and applies any pending additive migration.
// Corruption on open is fatal: Open refuses to boot rather than
// silently re-creating the schema.
func Open(path string) (*Store, error) {
	if err := CheckSafePath(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errs.New("metastore.Open", errs.Internal, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline extends to the driver's own pool

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errs.New("metastore.Open", errs.Corruption, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errs.New("metastore.migrate", errs.Corruption, err)
	}

	if version > currentSchemaVersion {
		return errs.New("metastore.migrate", errs.Corruption,
			fmt.Errorf("database schema version %d is newer than this binary supports (%d); refusing to boot", version, currentSchemaVersion))
	}

	if version == currentSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errs.New("metastore.migrate", errs.Internal, err)
	}
	defer func() { _ = tx.Rollback() }()

	for v := version; v < currentSchemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return errs.New("metastore.migrate", errs.Corruption,
				fmt.Errorf("no migration registered for schema version %d", v))
		}
		if _, err := tx.Exec(step); err != nil {
			return errs.New("metastore.migrate", errs.Corruption, fmt.Errorf("migration %d->%d: %w", v, v+1, err))
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return errs.New("metastore.migrate", errs.Internal, err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New("metastore.migrate", errs.Internal, err)
	}
	return nil
}

// withTx runs fn inside a transaction under the writer lock, committing
// on success and rolling back on any error including panics.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New("metastore.withTx", errs.Internal, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.New("metastore.withTx", errs.Internal, err)
	}
	return nil
}
