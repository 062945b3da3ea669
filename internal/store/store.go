// Reel is a media dubbing job server.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed job state layer: jobs,
// resumable uploads, execution leases, dispatch outbox, per-user quota
// counters, the series library, and per-job logs and timeline.
//
// All mutations go through a process-wide writer lock. SQLite allows a
// single writer at a time; taking the lock up front keeps busy retries
// out of the hot path and makes read-modify-write helpers atomic.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"

	// latest schema version written by this binary
	schemaTarget = 3
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict indicates a guarded update found the row in a
	// state other than the one the caller expected.
	ErrStateConflict = errors.New("state conflict")

	// ErrIllegalTransition indicates an update attempted a lifecycle
	// transition the state machine does not allow.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrSchemaTooNew indicates the database was written by a newer
	// binary and must not be modified by this one.
	ErrSchemaTooNew = errors.New("database schema is newer than this binary supports")
)

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB

	// writeMu serializes all mutating statements.
	writeMu sync.Mutex
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store. It refuses paths
// inside a source checkout, build output, or build scratch space so a
// misconfigured STATE_DIR cannot silently shadow real state.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := checkStatePath(path); err != nil {
		return nil, err
	}

	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	// Verify connection
	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction under the writer lock. If fn
// returns an error, the transaction is rolled back; otherwise, it's
// committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.withTxLocked(ctx, fn)
}

func (s *Store) withTxLocked(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
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
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// exec runs a single mutating statement under the writer lock.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.ExecContext(ctx, query, args...)
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if cur > schemaTarget {
		return fmt.Errorf("%w: found v%d, supported up to v%d", ErrSchemaTooNew, cur, schemaTarget)
	}

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	// v2: library index and cancel flag
	if cur < 2 {
		if err := s.migrateToV2(ctx); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 2); err != nil {
			return err
		}
		cur = 2
	}

	// v3: retention sweep marker
	if cur < 3 {
		if err := s.migrateToV3(ctx); err != nil {
			return fmt.Errorf("migrate to v3: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 3); err != nil {
			return err
		}
		cur = 3
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// jobs table
		`CREATE TABLE IF NOT EXISTS jobs (
  id                        TEXT PRIMARY KEY,
  owner_id                  TEXT NOT NULL,
  state                     TEXT NOT NULL CHECK (state IN ('QUEUED','PAUSED','RUNNING','DONE','FAILED','CANCELED')),
  priority                  TEXT NOT NULL CHECK (priority IN ('low','medium','high')),
  visibility                TEXT NOT NULL CHECK (visibility IN ('private','shared')),
  progress                  REAL NOT NULL DEFAULT 0,
  message                   TEXT NOT NULL DEFAULT '',
  last_stage                TEXT NOT NULL DEFAULT '',
  last_error                TEXT NULL,
  input_kind                TEXT NOT NULL CHECK (input_kind IN ('upload','path')),
  input_ref                 TEXT NOT NULL,
  stem                      TEXT NOT NULL UNIQUE,
  runtime_json              TEXT NULL,
  owner_storage_bytes_delta INTEGER NOT NULL DEFAULT 0,
  checkpoint_json           TEXT NOT NULL DEFAULT '{}',
  library_key_json          TEXT NULL,
  archived                  INTEGER NOT NULL DEFAULT 0,
  deleted_at                TIMESTAMP NULL,
  submitted_at              TIMESTAMP NOT NULL,
  available_at              TIMESTAMP NOT NULL,
  started_at                TIMESTAMP NULL,
  finished_at               TIMESTAMP NULL,
  created_at                TIMESTAMP NOT NULL,
  updated_at                TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,

		// uploads table
		`CREATE TABLE IF NOT EXISTS uploads (
  id              TEXT PRIMARY KEY,
  owner_id        TEXT NOT NULL,
  filename_safe   TEXT NOT NULL,
  total_bytes     INTEGER NOT NULL,
  chunk_bytes     INTEGER NOT NULL,
  expected_chunks INTEGER NOT NULL,
  received        BLOB NOT NULL,
  received_bytes  INTEGER NOT NULL DEFAULT 0,
  state           TEXT NOT NULL CHECK (state IN ('open','complete','abandoned')),
  hash_so_far     TEXT NOT NULL DEFAULT '',
  final_hash      TEXT NOT NULL DEFAULT '',
  final_path      TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMP NOT NULL,
  expires_at      TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_owner ON uploads(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_state_expires ON uploads(state, expires_at);`,

		// leases table
		`CREATE TABLE IF NOT EXISTS leases (
  job_id      TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
  consumer    TEXT NOT NULL,
  acquired_at TIMESTAMP NOT NULL,
  expires_at  TIMESTAMP NOT NULL
);`,

		// outbox table
		`CREATE TABLE IF NOT EXISTS outbox (
  job_id     TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
  state      TEXT NOT NULL CHECK (state IN ('pending','sent_redis','sent_local','error')),
  attempts   INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(state);`,

		// quota_usage table
		`CREATE TABLE IF NOT EXISTS quota_usage (
  user_id                  TEXT PRIMARY KEY,
  storage_bytes_used       INTEGER NOT NULL DEFAULT 0,
  jobs_submitted_today     INTEGER NOT NULL DEFAULT 0,
  processing_minutes_today REAL NOT NULL DEFAULT 0,
  concurrent_running       INTEGER NOT NULL DEFAULT 0,
  uploads_inflight         INTEGER NOT NULL DEFAULT 0,
  day                      TEXT NOT NULL,
  updated_at               TIMESTAMP NOT NULL
);`,

		// job_logs table
		`CREATE TABLE IF NOT EXISTS job_logs (
  id     INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  time   TIMESTAMP NOT NULL,
  line   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, id);`,

		// timeline table
		`CREATE TABLE IF NOT EXISTS timeline (
  id      INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id  TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  time    TIMESTAMP NOT NULL,
  level   TEXT NOT NULL CHECK (level IN ('info','warn','error')),
  stage   TEXT NULL,
  message TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_job_time ON timeline(job_id, time);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) migrateToV2(ctx context.Context) error {
	stmts := []string{
		`ALTER TABLE jobs ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0;`,

		// library table
		`CREATE TABLE IF NOT EXISTS library (
  job_id      TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
  owner_id    TEXT NOT NULL,
  series_slug TEXT NOT NULL,
  season      INTEGER NOT NULL,
  episode     INTEGER NOT NULL,
  title       TEXT NOT NULL DEFAULT '',
  visibility  TEXT NOT NULL CHECK (visibility IN ('private','shared')),
  updated_at  TIMESTAMP NOT NULL,
  UNIQUE(owner_id, series_slug, season, episode)
);`,
		`CREATE INDEX IF NOT EXISTS idx_library_series ON library(series_slug, season, episode);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func (s *Store) migrateToV3(ctx context.Context) error {
	stmts := []string{
		`ALTER TABLE jobs ADD COLUMN retention_swept_at TIMESTAMP NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_retention ON jobs(state, retention_swept_at, finished_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.exec(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Internal helpers ---------------

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
