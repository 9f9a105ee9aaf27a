package attendance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps records in memory and enforces the (student, session)
// uniqueness the way the Postgres unique index does.
type fakeStore struct {
	mu      sync.Mutex
	records []Record
	seq     int

	insertErr error
	failNth   int // when > 0, the nth insert fails with insertErr
}

func (f *fakeStore) InsertRecord(_ context.Context, rec Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if f.failNth > 0 && f.seq == f.failNth {
		return Record{}, f.insertErr
	}
	if rec.SessionID != "" {
		for _, existing := range f.records {
			if existing.StudentID == rec.StudentID && existing.SessionID == rec.SessionID {
				return Record{}, Eref(KindConflict, rec.SessionID, "attendance already recorded for this session")
			}
		}
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("rec-%d", f.seq)
	}
	rec.CreatedAt = time.Now().UTC()
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeStore) RecordExists(_ context.Context, studentID, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.StudentID == studentID && rec.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetRecord(_ context.Context, id string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return Record{}, Eref(KindNotFound, id, "record not found")
}

func (f *fakeStore) UpdateRecordStatus(_ context.Context, id string, status Status) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].Status = status
			return f.records[i], nil
		}
	}
	return Record{}, Eref(KindNotFound, id, "record not found")
}

func (f *fakeStore) ListRecords(_ context.Context, studentID, classID string, limit, offset int) ([]Record, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []Record
	for _, rec := range f.records {
		if rec.StudentID == studentID && (classID == "" || rec.ClassID == classID) {
			matched = append(matched, rec)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (f *fakeStore) SessionIDsForClasses(_ context.Context, classIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	classes := make(map[string]bool, len(classIDs))
	for _, id := range classIDs {
		classes[id] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, rec := range f.records {
		if rec.SessionID != "" && classes[rec.ClassID] && !seen[rec.SessionID] {
			seen[rec.SessionID] = true
			out = append(out, rec.SessionID)
		}
	}
	return out, nil
}

func (f *fakeStore) StudentSessionIDs(_ context.Context, studentID string, classIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	classes := make(map[string]bool, len(classIDs))
	for _, id := range classIDs {
		classes[id] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, rec := range f.records {
		if rec.StudentID == studentID && rec.SessionID != "" && classes[rec.ClassID] && !seen[rec.SessionID] {
			seen[rec.SessionID] = true
			out = append(out, rec.SessionID)
		}
	}
	return out, nil
}

func (f *fakeStore) QueryRecords(_ context.Context, filter RecordFilter) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Record
	for _, rec := range f.records {
		if filter.ClassID != "" && rec.ClassID != filter.ClassID {
			continue
		}
		if filter.StudentID != "" && rec.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.From != nil && rec.MarkedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && rec.MarkedAt.After(*filter.To) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) ReportRows(_ context.Context, classID string, from, to *time.Time, studentID string) ([]ReportRow, error) {
	recs, _ := f.QueryRecords(context.Background(), RecordFilter{ClassID: classID, StudentID: studentID, From: from, To: to})
	byStudent := map[string]*ReportRow{}
	var order []string
	for _, rec := range recs {
		row, ok := byStudent[rec.StudentID]
		if !ok {
			row = &ReportRow{StudentID: rec.StudentID}
			byStudent[rec.StudentID] = row
			order = append(order, rec.StudentID)
		}
		switch rec.Status {
		case StatusPresent:
			row.Present++
		case StatusAbsent:
			row.Absent++
		case StatusLate:
			row.Late++
		}
	}
	var out []ReportRow
	for _, id := range order {
		out = append(out, *byStudent[id])
	}
	return out, nil
}

// fakeDirectory serves reference data from maps.
type fakeDirectory struct {
	sessions    map[string]SessionToken // key sessionID|classID
	faceRefs    map[string]string
	enrollments map[string][]string // studentID -> classIDs
	counts      map[string]int
	occurrences map[string][]Occurrence
}

func (f *fakeDirectory) Session(_ context.Context, sessionID, classID string) (SessionToken, error) {
	tok, ok := f.sessions[sessionID+"|"+classID]
	if !ok {
		return SessionToken{}, Eref(KindNotFound, sessionID, "session not found")
	}
	return tok, nil
}

func (f *fakeDirectory) FaceRef(_ context.Context, studentID string) (string, error) {
	ref, ok := f.faceRefs[studentID]
	if !ok {
		return "", Eref(KindNotFound, studentID, "no face reference registered")
	}
	return ref, nil
}

func (f *fakeDirectory) ClassesFor(_ context.Context, studentID string) ([]string, error) {
	return f.enrollments[studentID], nil
}

func (f *fakeDirectory) EnrolledCount(_ context.Context, classID string) (int, error) {
	return f.counts[classID], nil
}

func (f *fakeDirectory) PastOccurrences(_ context.Context, classID string, before time.Time) ([]Occurrence, error) {
	var out []Occurrence
	for _, occ := range f.occurrences[classID] {
		if occ.StartsAt.Before(before) {
			out = append(out, occ)
		}
	}
	return out, nil
}

type fakeVerifier struct {
	matched bool
	err     error
	calls   int
}

func (f *fakeVerifier) Verify(context.Context, string, []byte) (bool, error) {
	f.calls++
	return f.matched, f.err
}

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

// samplePNG returns a small decodable image.
func samplePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func ptr[T any](v T) *T { return &v }

func newTestService(store Store, dir *fakeDirectory, verifier *fakeVerifier) *Service {
	svc := NewService(store, dir, verifier, nil, nil, 1<<20)
	svc.now = func() time.Time { return testNow }
	return svc
}

func validDirectory() *fakeDirectory {
	return &fakeDirectory{
		sessions: map[string]SessionToken{
			"sess-1|class-1": {SessionID: "sess-1", ClassID: "class-1", IsActive: true, ExpiresAt: testNow.Add(10 * time.Minute)},
		},
		faceRefs:    map[string]string{"stu-1": "face-ref-1"},
		enrollments: map[string][]string{"stu-1": {"class-1"}},
	}
}

func validSubmission(t *testing.T) Submission {
	return Submission{
		StudentID:      "stu-1",
		SessionID:      "sess-1",
		ClassID:        "class-1",
		Latitude:       ptr(12.97),
		Longitude:      ptr(77.59),
		LivenessPassed: true,
		Sample:         samplePNG(t),
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("valid submission persists a present record", func(t *testing.T) {
		store := &fakeStore{}
		svc := newTestService(store, validDirectory(), &fakeVerifier{matched: true})

		rec, err := svc.Submit(ctx, validSubmission(t))
		require.NoError(t, err)
		assert.Equal(t, StatusPresent, rec.Status)
		assert.Equal(t, "stu-1", rec.StudentID)
		assert.Equal(t, "sess-1", rec.SessionID)
		assert.True(t, rec.LivenessPassed)
		assert.False(t, rec.Synced)
		assert.False(t, rec.ManualEntry)
		assert.Equal(t, testNow, rec.MarkedAt)
	})

	t.Run("liveness not passed always fails invalid input", func(t *testing.T) {
		store := &fakeStore{}
		svc := newTestService(store, validDirectory(), &fakeVerifier{matched: true})

		sub := validSubmission(t)
		sub.LivenessPassed = false
		_, err := svc.Submit(ctx, sub)
		assert.Equal(t, KindInvalidInput, KindOf(err))
		assert.Empty(t, store.records)
	})

	t.Run("missing fields fail invalid input", func(t *testing.T) {
		svc := newTestService(&fakeStore{}, validDirectory(), &fakeVerifier{matched: true})

		for name, mutate := range map[string]func(*Submission){
			"session": func(s *Submission) { s.SessionID = "" },
			"class":   func(s *Submission) { s.ClassID = "" },
			"coords":  func(s *Submission) { s.Latitude = nil },
			"sample":  func(s *Submission) { s.Sample = nil },
		} {
			sub := validSubmission(t)
			mutate(&sub)
			_, err := svc.Submit(ctx, sub)
			assert.Equal(t, KindInvalidInput, KindOf(err), name)
		}
	})

	t.Run("no registered face reference fails not found", func(t *testing.T) {
		dir := validDirectory()
		delete(dir.faceRefs, "stu-1")
		svc := newTestService(&fakeStore{}, dir, &fakeVerifier{matched: true})

		_, err := svc.Submit(ctx, validSubmission(t))
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("oversize sample rejected before verification", func(t *testing.T) {
		verifier := &fakeVerifier{matched: true}
		svc := newTestService(&fakeStore{}, validDirectory(), verifier)
		svc.maxImageBytes = 16

		_, err := svc.Submit(ctx, validSubmission(t))
		assert.Equal(t, KindInvalidInput, KindOf(err))
		assert.Zero(t, verifier.calls)
	})

	t.Run("undecodable sample fails invalid input", func(t *testing.T) {
		svc := newTestService(&fakeStore{}, validDirectory(), &fakeVerifier{matched: true})

		sub := validSubmission(t)
		sub.Sample = []byte("not an image")
		_, err := svc.Submit(ctx, sub)
		assert.Equal(t, KindInvalidInput, KindOf(err))
	})

	t.Run("non-match fails unauthorized", func(t *testing.T) {
		store := &fakeStore{}
		svc := newTestService(store, validDirectory(), &fakeVerifier{matched: false})

		_, err := svc.Submit(ctx, validSubmission(t))
		assert.Equal(t, KindUnauthorized, KindOf(err))
		assert.Empty(t, store.records)
	})

	t.Run("verifier failure is unavailable, not unauthorized", func(t *testing.T) {
		svc := newTestService(&fakeStore{}, validDirectory(), &fakeVerifier{err: errors.New("connection refused")})

		_, err := svc.Submit(ctx, validSubmission(t))
		assert.Equal(t, KindUnavailable, KindOf(err))
		assert.True(t, KindOf(err).Retryable())
	})

	t.Run("expired session fails invalid session", func(t *testing.T) {
		dir := validDirectory()
		dir.sessions["sess-1|class-1"] = SessionToken{
			SessionID: "sess-1", ClassID: "class-1", IsActive: true, ExpiresAt: testNow.Add(-time.Minute),
		}
		svc := newTestService(&fakeStore{}, dir, &fakeVerifier{matched: true})

		_, err := svc.Submit(ctx, validSubmission(t))
		assert.Equal(t, KindInvalidSession, KindOf(err))
	})

	t.Run("inactive session fails invalid session", func(t *testing.T) {
		dir := validDirectory()
		dir.sessions["sess-1|class-1"] = SessionToken{
			SessionID: "sess-1", ClassID: "class-1", IsActive: false, ExpiresAt: testNow.Add(time.Hour),
		}
		svc := newTestService(&fakeStore{}, dir, &fakeVerifier{matched: true})

		_, err := svc.Submit(ctx, validSubmission(t))
		assert.Equal(t, KindInvalidSession, KindOf(err))
	})

	t.Run("unknown session fails invalid session", func(t *testing.T) {
		svc := newTestService(&fakeStore{}, validDirectory(), &fakeVerifier{matched: true})

		sub := validSubmission(t)
		sub.SessionID = "sess-unknown"
		_, err := svc.Submit(ctx, sub)
		assert.Equal(t, KindInvalidSession, KindOf(err))
	})

	t.Run("repeat submission reports conflict and keeps one record", func(t *testing.T) {
		store := &fakeStore{}
		svc := newTestService(store, validDirectory(), &fakeVerifier{matched: true})

		_, err := svc.Submit(ctx, validSubmission(t))
		require.NoError(t, err)
		_, err = svc.Submit(ctx, validSubmission(t))
		assert.Equal(t, KindConflict, KindOf(err))
		assert.Len(t, store.records, 1)
	})
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	// Two racing submissions for the same pair: exactly one record, one conflict.
	store := &fakeStore{}
	svc := newTestService(store, validDirectory(), &fakeVerifier{matched: true})
	sub := validSubmission(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Submit(context.Background(), sub)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case KindOf(err) == KindConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, store.records, 1)
}

func TestCreateManual(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	svc := newTestService(store, validDirectory(), &fakeVerifier{})

	rec, err := svc.CreateManual(ctx, "stu-1", "class-1", nil, StatusLate, time.Time{}, "teacher-9")
	require.NoError(t, err)
	assert.True(t, rec.ManualEntry)
	assert.Equal(t, StatusLate, rec.Status)
	require.NotNil(t, rec.MarkedBy)
	assert.Equal(t, "teacher-9", *rec.MarkedBy)
	assert.Equal(t, testNow, rec.MarkedAt)
	assert.Empty(t, rec.SessionID)

	_, err = svc.CreateManual(ctx, "stu-1", "class-1", nil, Status("vanished"), time.Time{}, "teacher-9")
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = svc.CreateManual(ctx, "stu-1", "class-1", nil, StatusPresent, time.Time{}, "")
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	svc := newTestService(store, validDirectory(), &fakeVerifier{matched: true})

	created, err := svc.Submit(ctx, validSubmission(t))
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, created.ID, StatusLate)
	require.NoError(t, err)
	assert.Equal(t, StatusLate, updated.Status)

	_, err = svc.UpdateStatus(ctx, "rec-missing", StatusAbsent)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = svc.UpdateStatus(ctx, created.ID, Status("gone"))
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestRecordsPagination(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	svc := newTestService(store, validDirectory(), &fakeVerifier{})

	for i := 0; i < 25; i++ {
		_, err := store.InsertRecord(ctx, Record{
			StudentID: "stu-1",
			ClassID:   "class-1",
			SessionID: fmt.Sprintf("sess-%d", i),
			Status:    StatusPresent,
			MarkedAt:  testNow.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	page, err := svc.Records(ctx, "stu-1", "", 2, 20)
	require.NoError(t, err)
	assert.Len(t, page.Records, 5)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 2, page.Page)

	// Past the last page: empty slice, same metadata.
	page, err = svc.Records(ctx, "stu-1", "", 3, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, 2, page.TotalPages)
}
