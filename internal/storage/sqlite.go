// Package storage provides the SQLite-backed durable mirror for sessions
// and interview reports.
//
// The daemon is the only writer, so an embedded database is enough; WAL mode
// keeps the async mirror writes from blocking reads.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/sidecoach/sidecoach/internal/session"
)

// SQLite implements session.Durable plus report persistence on one
// database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and creates if needed) the database at path. Schema is managed
// by db.Migrate; callers run migrations before first use.
func Open(path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	dsn := path + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer plus the sweeper; no need for a large pool.
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for migrations.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Put upserts the durable record for key.
func (s *SQLite) Put(ctx context.Context, key string, rec session.PersistedSession) error {
	payload, err := json.Marshal(rec.Session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_key, schema_version, last_updated, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			schema_version = excluded.schema_version,
			last_updated = excluded.last_updated,
			payload = excluded.payload`,
		key, rec.SchemaVersion, rec.LastUpdated.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("upserting session %q: %w", key, err)
	}
	return nil
}

// Get loads the durable record for key. Returns session.ErrNotFound when no
// record exists.
func (s *SQLite) Get(ctx context.Context, key string) (session.PersistedSession, error) {
	var (
		version     int
		updatedMs   int64
		payloadJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT schema_version, last_updated, payload
		FROM sessions WHERE conversation_key = ?`, key).
		Scan(&version, &updatedMs, &payloadJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return session.PersistedSession{}, session.ErrNotFound
	}
	if err != nil {
		return session.PersistedSession{}, fmt.Errorf("loading session %q: %w", key, err)
	}

	rec := session.PersistedSession{
		SchemaVersion: version,
		LastUpdated:   time.UnixMilli(updatedMs),
	}
	// A newer schema may carry a payload this binary cannot decode. The
	// record header still comes back so callers can report the version.
	if version > session.SchemaVersion {
		return rec, fmt.Errorf("%w: record version %d, supported %d",
			session.ErrSchemaVersion, version, session.SchemaVersion)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(payloadJSON), &sess); err != nil {
		return session.PersistedSession{}, fmt.Errorf("decoding session %q: %w", key, err)
	}
	rec.Session = &sess
	return rec, nil
}

// Delete removes the record for key. Missing records are not an error.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE conversation_key = ?`, key); err != nil {
		return fmt.Errorf("deleting session %q: %w", key, err)
	}
	return nil
}

// DeleteOlderThan removes records whose last update precedes cutoff and
// reports how many were removed.
func (s *SQLite) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_updated < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept sessions: %w", err)
	}
	return removed, nil
}

// SaveReport persists one finished interview report for later review.
func (s *SQLite) SaveReport(ctx context.Context, key, interviewID string, report any) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interview_reports (interview_id, conversation_key, created_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(interview_id) DO NOTHING`,
		interviewID, key, time.Now().UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("saving report %q: %w", interviewID, err)
	}
	return nil
}
