package attendance

import "time"

// Status is the recorded disposition of a student for one session.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
)

// Valid returns true when the status is a supported value.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate:
		return true
	default:
		return false
	}
}

// Audit states for records created through offline reconciliation.
const (
	AuditPending   = "pending"
	AuditConfirmed = "confirmed"
	AuditMismatch  = "mismatch"
	AuditSkipped   = "skipped"
)

// Record is one attendance fact. At most one record exists per
// (student, session) pair; manual entries carry no session id and
// are exempt from that guard.
type Record struct {
	ID             string     `json:"id"`
	StudentID      string     `json:"student_id"`
	ClassID        string     `json:"class_id"`
	SessionID      string     `json:"session_id,omitempty"`
	ScheduleID     *string    `json:"schedule_id,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	LivenessPassed bool       `json:"liveness_passed"`
	MarkedAt       time.Time  `json:"marked_at"`
	ManualEntry    bool       `json:"manual_entry"`
	MarkedBy       *string    `json:"marked_by,omitempty"`
	Synced         bool       `json:"synced"`
	Status         Status     `json:"status"`
	EvidenceRef    string     `json:"evidence_ref,omitempty"`
	VerifyScore    *float64   `json:"verify_score,omitempty"`
	AuditStatus    string     `json:"audit_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SessionToken is one live, time-boxed attendance window for a class.
// Created externally when a session opens; read-only here.
type SessionToken struct {
	SessionID  string    `json:"session_id"`
	ClassID    string    `json:"class_id"`
	ScheduleID *string   `json:"schedule_id,omitempty"`
	IsActive   bool      `json:"is_active"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Usable reports whether the token admits a submission at the given instant.
func (t SessionToken) Usable(now time.Time) bool {
	return t.IsActive && t.ExpiresAt.After(now)
}

// Occurrence is a scheduled instance of a class meeting. SessionID is nil
// when the occurrence never opened a live attendance window.
type Occurrence struct {
	ID        string    `json:"id"`
	ClassID   string    `json:"class_id"`
	SessionID *string   `json:"session_id,omitempty"`
	StartsAt  time.Time `json:"starts_at"`
	Status    string    `json:"status"`
}

// Claim is one offline-captured attendance claim queued on the device.
type Claim struct {
	SessionID      string    `json:"session_id"`
	ClassID        string    `json:"class_id"`
	ScheduleID     *string   `json:"schedule_id,omitempty"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	LivenessPassed bool      `json:"liveness_passed"`
	CapturedAt     time.Time `json:"captured_at"`
	EvidenceRef    string    `json:"evidence_ref,omitempty"`
}

// Outcome results for a reconciled claim.
const (
	OutcomeRecorded = "recorded"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// ClaimOutcome is the per-claim result of a reconciliation, in input order.
type ClaimOutcome struct {
	SessionID string  `json:"session_id"`
	Result    string  `json:"result"`
	Reason    string  `json:"reason,omitempty"`
	Record    *Record `json:"record,omitempty"`
}

// Summary is the student-facing attendance rollup. Percentage is 100.00
// when no sessions were held.
type Summary struct {
	Held       int     `json:"held"`
	Attended   int     `json:"attended"`
	Missed     int     `json:"missed"`
	Percentage float64 `json:"percentage"`
}

// MissedOccurrence is a past, non-cancelled occurrence that opened a live
// session the student did not attend.
type MissedOccurrence struct {
	OccurrenceID string    `json:"occurrence_id"`
	ClassID      string    `json:"class_id"`
	SessionID    string    `json:"session_id"`
	StartsAt     time.Time `json:"starts_at"`
}

// ReportRow is one student's line in a class-wide report. Percentage is
// 0.00 when the student has no days at all, by long-standing convention.
type ReportRow struct {
	StudentID  string  `json:"student_id"`
	Present    int     `json:"present"`
	Absent     int     `json:"absent"`
	Late       int     `json:"late"`
	TotalDays  int     `json:"total_days"`
	Percentage float64 `json:"percentage"`
}

// RecordFilter narrows class-attendance and report queries.
type RecordFilter struct {
	ClassID   string
	StudentID string
	Status    Status
	From      *time.Time
	To        *time.Time
}

// ClassAttendance bundles matching records with the class rollup.
type ClassAttendance struct {
	Records       []Record `json:"records"`
	TotalEnrolled int      `json:"total_enrolled"`
	Present       int      `json:"present"`
	Absent        int      `json:"absent"`
}

// Page is one page of records plus pagination metadata.
type Page struct {
	Records    []Record `json:"records"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	Limit      int      `json:"limit"`
	TotalPages int      `json:"total_pages"`
}
