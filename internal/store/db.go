package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps the Postgres pool shared by the API and the audit worker.
type DB struct {
	Client *sql.DB
}

// NewDB opens the pool, verifies connectivity and ensures the schema.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

// schemaDDL is applied on every startup; every statement is idempotent.
// The reference tables (students, sessions, enrollments,
// schedule_occurrences) are populated by the enrollment and scheduling
// systems and read-only here; they are created too so a fresh database
// is usable without a separate provisioning step.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS attendance_records (
	id              TEXT PRIMARY KEY,
	student_id      TEXT NOT NULL,
	class_id        TEXT NOT NULL,
	session_id      TEXT,
	schedule_id     TEXT,
	latitude        DOUBLE PRECISION,
	longitude       DOUBLE PRECISION,
	liveness_passed BOOLEAN NOT NULL DEFAULT FALSE,
	marked_at       TIMESTAMPTZ NOT NULL,
	manual_entry    BOOLEAN NOT NULL DEFAULT FALSE,
	marked_by       TEXT,
	synced          BOOLEAN NOT NULL DEFAULT FALSE,
	status          TEXT NOT NULL DEFAULT 'present',
	evidence_ref    TEXT,
	verify_score    DOUBLE PRECISION,
	audit_status    TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- At most one record per (student, session). Partial so manual entries,
-- which carry no session id, never collide with each other.
CREATE UNIQUE INDEX IF NOT EXISTS uq_attendance_student_session
	ON attendance_records (student_id, session_id)
	WHERE session_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_attendance_class_marked
	ON attendance_records (class_id, marked_at DESC);
CREATE INDEX IF NOT EXISTS idx_attendance_student_marked
	ON attendance_records (student_id, marked_at DESC);

CREATE TABLE IF NOT EXISTS students (
	student_id   TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	face_ref_key TEXT
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id  TEXT NOT NULL,
	class_id    TEXT NOT NULL,
	schedule_id TEXT,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, class_id)
);

CREATE TABLE IF NOT EXISTS enrollments (
	student_id TEXT NOT NULL,
	class_id   TEXT NOT NULL,
	PRIMARY KEY (student_id, class_id)
);

CREATE TABLE IF NOT EXISTS schedule_occurrences (
	id         TEXT PRIMARY KEY,
	class_id   TEXT NOT NULL,
	session_id TEXT,
	starts_at  TIMESTAMPTZ NOT NULL,
	status     TEXT NOT NULL DEFAULT 'scheduled'
);

CREATE TABLE IF NOT EXISTS devices (
	device_id  TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token      TEXT PRIMARY KEY,
	device_id  TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaDDL)
	return err
}
