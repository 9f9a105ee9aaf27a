package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the persistence surface the engine needs. The authoritative
// duplicate guard is the unique index on (student_id, session_id); the
// existence check is only an early, friendly rejection.
type Store interface {
	InsertRecord(ctx context.Context, rec Record) (Record, error)
	RecordExists(ctx context.Context, studentID, sessionID string) (bool, error)
	GetRecord(ctx context.Context, id string) (Record, error)
	UpdateRecordStatus(ctx context.Context, id string, status Status) (Record, error)
	ListRecords(ctx context.Context, studentID, classID string, limit, offset int) ([]Record, int, error)
	SessionIDsForClasses(ctx context.Context, classIDs []string) ([]string, error)
	StudentSessionIDs(ctx context.Context, studentID string, classIDs []string) ([]string, error)
	QueryRecords(ctx context.Context, f RecordFilter) ([]Record, error)
	ReportRows(ctx context.Context, classID string, from, to *time.Time, studentID string) ([]ReportRow, error)
}

const recordColumns = `id, student_id, class_id, COALESCE(session_id, ''), schedule_id,
	latitude, longitude, liveness_passed, marked_at, manual_entry, marked_by,
	synced, status, COALESCE(evidence_ref, ''), verify_score, COALESCE(audit_status, ''), created_at`

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.StudentID, &rec.ClassID, &rec.SessionID, &rec.ScheduleID,
		&rec.Latitude, &rec.Longitude, &rec.LivenessPassed, &rec.MarkedAt, &rec.ManualEntry,
		&rec.MarkedBy, &rec.Synced, &rec.Status, &rec.EvidenceRef, &rec.VerifyScore,
		&rec.AuditStatus, &rec.CreatedAt)
	return rec, err
}

// InsertRecord writes a new record. A unique violation on
// (student_id, session_id) maps to a conflict error.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.MarkedAt.IsZero() {
		rec.MarkedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, student_id, class_id, session_id, schedule_id, latitude, longitude,
			 liveness_passed, marked_at, manual_entry, marked_by, synced, status,
			 evidence_ref, verify_score, audit_status)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,$12,$13,NULLIF($14,''),$15,NULLIF($16,''))
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.ClassID, rec.SessionID, rec.ScheduleID, rec.Latitude,
		rec.Longitude, rec.LivenessPassed, rec.MarkedAt, rec.ManualEntry, rec.MarkedBy,
		rec.Synced, rec.Status, rec.EvidenceRef, rec.VerifyScore, rec.AuditStatus)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, Eref(KindConflict, rec.SessionID, "attendance already recorded for this session")
		}
		return Record{}, err
	}
	return rec, nil
}

// RecordExists reports whether a record already exists for the pair.
func (r *Repository) RecordExists(ctx context.Context, studentID, sessionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_records WHERE student_id = $1 AND session_id = $2
		)
	`, studentID, sessionID).Scan(&exists)
	return exists, err
}

// GetRecord returns a single record by id.
func (r *Repository) GetRecord(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, Eref(KindNotFound, id, "record not found")
	}
	return rec, err
}

// UpdateRecordStatus applies a manual status correction.
func (r *Repository) UpdateRecordStatus(ctx context.Context, id string, status Status) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `
		UPDATE attendance_records SET status = $2 WHERE id = $1
		RETURNING `+recordColumns+`
	`, id, status))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, Eref(KindNotFound, id, "record not found")
	}
	return rec, err
}

// ListRecords returns one page of a student's records, newest first,
// plus the total matching count.
func (r *Repository) ListRecords(ctx context.Context, studentID, classID string, limit, offset int) ([]Record, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	where := "WHERE student_id = $1"
	args := []any{studentID}
	if classID != "" {
		where += " AND class_id = $2"
		args = append(args, classID)
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM attendance_records "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM attendance_records %s ORDER BY marked_at DESC LIMIT $%d OFFSET $%d",
		recordColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, rec)
	}
	return res, total, rows.Err()
}

// SessionIDsForClasses returns the distinct session ids that produced at
// least one record in any of the given classes. This is the "sessions held"
// denominator for summaries.
func (r *Repository) SessionIDsForClasses(ctx context.Context, classIDs []string) ([]string, error) {
	if len(classIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM attendance_records
		WHERE class_id = ANY($1) AND session_id IS NOT NULL
	`, classIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

// StudentSessionIDs returns the session ids the student has records for
// within the given classes.
func (r *Repository) StudentSessionIDs(ctx context.Context, studentID string, classIDs []string) ([]string, error) {
	if len(classIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM attendance_records
		WHERE student_id = $1 AND class_id = ANY($2) AND session_id IS NOT NULL
	`, studentID, classIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// QueryRecords returns records matching the filter, newest first.
func (r *Repository) QueryRecords(ctx context.Context, f RecordFilter) ([]Record, error) {
	query := "SELECT " + recordColumns + " FROM attendance_records"
	args := []any{}
	clauses := []string{}
	if f.ClassID != "" {
		args = append(args, f.ClassID)
		clauses = append(clauses, fmt.Sprintf("class_id = $%d", len(args)))
	}
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		clauses = append(clauses, fmt.Sprintf("marked_at >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		clauses = append(clauses, fmt.Sprintf("marked_at <= $%d", len(args)))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY marked_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ReportRows groups a class's records by student with per-status counts.
// Percentage math happens in the caller.
func (r *Repository) ReportRows(ctx context.Context, classID string, from, to *time.Time, studentID string) ([]ReportRow, error) {
	query := `
		SELECT student_id,
			COUNT(*) FILTER (WHERE status = 'present'),
			COUNT(*) FILTER (WHERE status = 'absent'),
			COUNT(*) FILTER (WHERE status = 'late')
		FROM attendance_records
		WHERE class_id = $1`
	args := []any{classID}
	if from != nil {
		args = append(args, *from)
		query += fmt.Sprintf(" AND marked_at >= $%d", len(args))
	}
	if to != nil {
		args = append(args, *to)
		query += fmt.Sprintf(" AND marked_at <= $%d", len(args))
	}
	if studentID != "" {
		args = append(args, studentID)
		query += fmt.Sprintf(" AND student_id = $%d", len(args))
	}
	query += " GROUP BY student_id ORDER BY student_id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ReportRow
	for rows.Next() {
		var row ReportRow
		if err := rows.Scan(&row.StudentID, &row.Present, &row.Absent, &row.Late); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// SetAudit stores the background re-verification result for a synced record.
func (r *Repository) SetAudit(ctx context.Context, id string, score *float64, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET verify_score = COALESCE($2, verify_score), audit_status = $3
		WHERE id = $1
	`, id, score, status)
	return err
}

// UpsertDevice ensures a device record exists and is bound to its student.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID, studentID string) error {
	if deviceID == "" {
		return E(KindInvalidInput, "device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, student_id)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET student_id = EXCLUDED.student_id
	`, deviceID, studentID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}
