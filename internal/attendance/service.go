package attendance

import (
	"bytes"
	"context"
	"image"
	"log"
	"time"

	_ "image/jpeg"
	_ "image/png"
)

// Directory exposes the read-only reference data the engine consults:
// session tokens, enrollments, scheduled occurrences and stored face
// reference keys. The engine never writes through it.
type Directory interface {
	Session(ctx context.Context, sessionID, classID string) (SessionToken, error)
	FaceRef(ctx context.Context, studentID string) (string, error)
	ClassesFor(ctx context.Context, studentID string) ([]string, error)
	EnrolledCount(ctx context.Context, classID string) (int, error)
	PastOccurrences(ctx context.Context, classID string, before time.Time) ([]Occurrence, error)
}

// Verifier compares a stored reference against a submitted sample.
// A non-match is a normal outcome; any error means the capability was
// unavailable and the caller may retry.
type Verifier interface {
	Verify(ctx context.Context, referenceKey string, sample []byte) (bool, error)
}

// Evidence stores a captured face sample and returns a durable reference.
type Evidence interface {
	Store(ctx context.Context, data []byte, name string) (string, error)
}

// AuditQueue receives record ids of synced claims for background re-checks.
type AuditQueue interface {
	PublishAudit(ctx context.Context, recordID string) error
}

// Submission is one interactive attendance claim.
type Submission struct {
	StudentID      string
	SessionID      string
	ClassID        string
	Latitude       *float64
	Longitude      *float64
	LivenessPassed bool
	Sample         []byte
}

// Service orchestrates verification, session validity, duplicate
// suppression and persistence for attendance claims.
type Service struct {
	store         Store
	dir           Directory
	verifier      Verifier
	evidence      Evidence   // nil when image retention is not configured
	audit         AuditQueue // nil when no background audit runs
	maxImageBytes int64
	now           func() time.Time
}

// NewService creates a service. evidence and audit may be nil.
func NewService(store Store, dir Directory, verifier Verifier, evidence Evidence, audit AuditQueue, maxImageBytes int64) *Service {
	if maxImageBytes <= 0 {
		maxImageBytes = 5 << 20
	}
	return &Service{
		store:         store,
		dir:           dir,
		verifier:      verifier,
		evidence:      evidence,
		audit:         audit,
		maxImageBytes: maxImageBytes,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Submit runs one interactive submission through the full gate:
// input validation, identity verification, session validity, duplicate
// suppression, persistence. No step is retried here; each failure carries
// a kind the caller can act on.
func (s *Service) Submit(ctx context.Context, sub Submission) (Record, error) {
	if sub.StudentID == "" {
		return Record{}, E(KindInvalidInput, "student id required")
	}
	if sub.SessionID == "" || sub.ClassID == "" {
		return Record{}, E(KindInvalidInput, "session id and class id required")
	}
	if sub.Latitude == nil || sub.Longitude == nil {
		return Record{}, E(KindInvalidInput, "coordinates required")
	}
	if len(sub.Sample) == 0 {
		return Record{}, E(KindInvalidInput, "face sample required")
	}
	if !sub.LivenessPassed {
		return Record{}, E(KindInvalidInput, "liveness check not passed")
	}

	refKey, err := s.dir.FaceRef(ctx, sub.StudentID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return Record{}, Eref(KindNotFound, sub.StudentID, "no registered face reference for student")
		}
		return Record{}, Wrap(KindUnavailable, err, "face reference lookup failed")
	}

	if int64(len(sub.Sample)) > s.maxImageBytes {
		return Record{}, E(KindInvalidInput, "face sample exceeds %d bytes", s.maxImageBytes)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(sub.Sample)); err != nil {
		return Record{}, E(KindInvalidInput, "face sample is not a decodable image")
	}

	matched, err := s.verifier.Verify(ctx, refKey, sub.Sample)
	if err != nil {
		return Record{}, Wrap(KindUnavailable, err, "identity verification unavailable")
	}
	if !matched {
		return Record{}, Eref(KindUnauthorized, sub.StudentID, "face does not match registered reference")
	}

	token, err := s.dir.Session(ctx, sub.SessionID, sub.ClassID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return Record{}, Eref(KindInvalidSession, sub.SessionID, "no active session for class")
		}
		return Record{}, Wrap(KindUnavailable, err, "session lookup failed")
	}
	if !token.Usable(s.now()) {
		return Record{}, Eref(KindInvalidSession, sub.SessionID, "session is inactive or expired")
	}

	exists, err := s.store.RecordExists(ctx, sub.StudentID, sub.SessionID)
	if err != nil {
		return Record{}, Wrap(KindUnavailable, err, "duplicate check failed")
	}
	if exists {
		submissionsTotal.WithLabelValues("conflict").Inc()
		return Record{}, Eref(KindConflict, sub.SessionID, "attendance already recorded for this session")
	}

	var evidenceRef string
	if s.evidence != nil {
		evidenceRef, err = s.evidence.Store(ctx, sub.Sample, sub.StudentID+"-"+sub.SessionID)
		if err != nil {
			// Evidence retention is best-effort; the verified claim still stands.
			log.Printf("evidence store failed for %s/%s: %v", sub.StudentID, sub.SessionID, err)
			evidenceRef = ""
		}
	}

	rec := Record{
		StudentID:      sub.StudentID,
		ClassID:        sub.ClassID,
		SessionID:      sub.SessionID,
		ScheduleID:     token.ScheduleID,
		Latitude:       sub.Latitude,
		Longitude:      sub.Longitude,
		LivenessPassed: true,
		MarkedAt:       s.now(),
		Status:         StatusPresent,
		EvidenceRef:    evidenceRef,
	}
	created, err := s.store.InsertRecord(ctx, rec)
	if err != nil {
		// The unique index is the last-resort guard; a concurrent winner
		// surfaces here as a conflict.
		if KindOf(err) == KindConflict {
			submissionsTotal.WithLabelValues("conflict").Inc()
			return Record{}, err
		}
		submissionsTotal.WithLabelValues("error").Inc()
		return Record{}, Wrap(KindUnavailable, err, "record persistence failed")
	}
	submissionsTotal.WithLabelValues("recorded").Inc()
	return created, nil
}

// CreateManual records attendance on a student's behalf. Manual entries
// carry no session token and skip verification entirely.
func (s *Service) CreateManual(ctx context.Context, studentID, classID string, scheduleID *string, status Status, markedAt time.Time, markedBy string) (Record, error) {
	if studentID == "" || classID == "" {
		return Record{}, E(KindInvalidInput, "student id and class id required")
	}
	if markedBy == "" {
		return Record{}, E(KindInvalidInput, "marked-by identity required")
	}
	if status == "" {
		status = StatusPresent
	}
	if !status.Valid() {
		return Record{}, E(KindInvalidInput, "unknown status %q", status)
	}
	if markedAt.IsZero() {
		markedAt = s.now()
	}
	rec := Record{
		StudentID:   studentID,
		ClassID:     classID,
		ScheduleID:  scheduleID,
		MarkedAt:    markedAt,
		ManualEntry: true,
		MarkedBy:    &markedBy,
		Status:      status,
	}
	return s.store.InsertRecord(ctx, rec)
}

// UpdateStatus applies a status correction to an existing record.
func (s *Service) UpdateStatus(ctx context.Context, recordID string, status Status) (Record, error) {
	if recordID == "" {
		return Record{}, E(KindInvalidInput, "record id required")
	}
	if !status.Valid() {
		return Record{}, E(KindInvalidInput, "unknown status %q", status)
	}
	return s.store.UpdateRecordStatus(ctx, recordID, status)
}

// Records returns one page of a student's records with pagination metadata.
// Pages are 1-based.
func (s *Service) Records(ctx context.Context, studentID, classID string, page, limit int) (Page, error) {
	if studentID == "" {
		return Page{}, E(KindInvalidInput, "student id required")
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	recs, total, err := s.store.ListRecords(ctx, studentID, classID, limit, (page-1)*limit)
	if err != nil {
		return Page{}, Wrap(KindUnavailable, err, "record listing failed")
	}
	totalPages := total / limit
	if total%limit != 0 {
		totalPages++
	}
	if recs == nil {
		recs = []Record{}
	}
	return Page{Records: recs, Total: total, Page: page, Limit: limit, TotalPages: totalPages}, nil
}
