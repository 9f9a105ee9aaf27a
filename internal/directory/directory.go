// Package directory reads the externally owned reference data: session
// tokens, enrollments, scheduled occurrences and registered face
// references. Everything here is read-only to the attendance core.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"classattend/internal/attendance"
)

// Directory looks up reference data in Postgres. Session tokens are hot
// during a live window, so lookups go through a short-TTL cache; expiry
// is still evaluated per call against the cached row.
type Directory struct {
	db       *sql.DB
	sessions *gocache.Cache
}

// New creates a directory. sessionTTL bounds how long a token row may be
// served from cache; an isActive flip is visible after at most that long.
func New(db *sql.DB, sessionTTL time.Duration) *Directory {
	if sessionTTL <= 0 {
		sessionTTL = 15 * time.Second
	}
	return &Directory{
		db:       db,
		sessions: gocache.New(sessionTTL, 2*sessionTTL),
	}
}

// Session returns the token for the (session, class) pair, or a not-found
// error when no such token exists. Activity and expiry are the caller's
// point-in-time checks.
func (d *Directory) Session(ctx context.Context, sessionID, classID string) (attendance.SessionToken, error) {
	key := sessionID + "|" + classID
	if cached, ok := d.sessions.Get(key); ok {
		return cached.(attendance.SessionToken), nil
	}

	var tok attendance.SessionToken
	err := d.db.QueryRowContext(ctx, `
		SELECT session_id, class_id, schedule_id, is_active, expires_at
		FROM sessions
		WHERE session_id = $1 AND class_id = $2
	`, sessionID, classID).Scan(&tok.SessionID, &tok.ClassID, &tok.ScheduleID, &tok.IsActive, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.SessionToken{}, attendance.Eref(attendance.KindNotFound, sessionID, "session not found")
	}
	if err != nil {
		return attendance.SessionToken{}, err
	}
	d.sessions.SetDefault(key, tok)
	return tok, nil
}

// FaceRef returns the stored face reference key for a student. Students
// who never registered a reference get a not-found error.
func (d *Directory) FaceRef(ctx context.Context, studentID string) (string, error) {
	var ref sql.NullString
	err := d.db.QueryRowContext(ctx, `
		SELECT face_ref_key FROM students WHERE student_id = $1
	`, studentID).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (!ref.Valid || ref.String == "")) {
		return "", attendance.Eref(attendance.KindNotFound, studentID, "no face reference registered")
	}
	if err != nil {
		return "", err
	}
	return ref.String, nil
}

// ClassesFor returns the class ids a student is enrolled in.
func (d *Directory) ClassesFor(ctx context.Context, studentID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT class_id FROM enrollments WHERE student_id = $1 ORDER BY class_id
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var classes []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		classes = append(classes, id)
	}
	return classes, rows.Err()
}

// EnrolledCount returns how many students are enrolled in a class.
func (d *Directory) EnrolledCount(ctx context.Context, classID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments WHERE class_id = $1
	`, classID).Scan(&n)
	return n, err
}

// PastOccurrences returns a class's scheduled occurrences that started
// before the given instant, newest first, with their linked session id
// when one was opened.
func (d *Directory) PastOccurrences(ctx context.Context, classID string, before time.Time) ([]attendance.Occurrence, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, class_id, session_id, starts_at, status
		FROM schedule_occurrences
		WHERE class_id = $1 AND starts_at < $2
		ORDER BY starts_at DESC
	`, classID, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var occs []attendance.Occurrence
	for rows.Next() {
		var occ attendance.Occurrence
		if err := rows.Scan(&occ.ID, &occ.ClassID, &occ.SessionID, &occ.StartsAt, &occ.Status); err != nil {
			return nil, err
		}
		occs = append(occs, occ)
	}
	return occs, rows.Err()
}
