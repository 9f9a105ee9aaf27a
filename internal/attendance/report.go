package attendance

import (
	"context"
	"math"
	"sort"
	"time"
)

// Summary computes the student-facing rollup for one class, or across the
// student's whole enrolled class set when classID is empty. "Held" is the
// count of distinct sessions that produced any record in those classes.
// When nothing was held the percentage is 100 by convention.
func (s *Service) Summary(ctx context.Context, studentID, classID string) (Summary, error) {
	if studentID == "" {
		return Summary{}, E(KindInvalidInput, "student id required")
	}
	classes, err := s.summaryClasses(ctx, studentID, classID)
	if err != nil {
		return Summary{}, err
	}

	held, err := s.store.SessionIDsForClasses(ctx, classes)
	if err != nil {
		return Summary{}, Wrap(KindUnavailable, err, "session aggregation failed")
	}
	attended, err := s.store.StudentSessionIDs(ctx, studentID, classes)
	if err != nil {
		return Summary{}, Wrap(KindUnavailable, err, "attendance aggregation failed")
	}

	sum := Summary{Held: len(held), Attended: len(attended)}
	sum.Missed = sum.Held - sum.Attended
	if sum.Held == 0 {
		sum.Percentage = 100
	} else {
		sum.Percentage = round2(float64(sum.Attended) / float64(sum.Held) * 100)
	}
	return sum, nil
}

func (s *Service) summaryClasses(ctx context.Context, studentID, classID string) ([]string, error) {
	if classID != "" {
		return []string{classID}, nil
	}
	classes, err := s.dir.ClassesFor(ctx, studentID)
	if err != nil {
		return nil, Wrap(KindUnavailable, err, "enrollment lookup failed")
	}
	return classes, nil
}

// Missed returns the student's missed occurrences across all enrolled
// classes, most recent first. Only past, non-cancelled occurrences that
// opened a live session count as missable.
func (s *Service) Missed(ctx context.Context, studentID string) ([]MissedOccurrence, error) {
	if studentID == "" {
		return nil, E(KindInvalidInput, "student id required")
	}
	classes, err := s.dir.ClassesFor(ctx, studentID)
	if err != nil {
		return nil, Wrap(KindUnavailable, err, "enrollment lookup failed")
	}

	attendedList, err := s.store.StudentSessionIDs(ctx, studentID, classes)
	if err != nil {
		return nil, Wrap(KindUnavailable, err, "attendance aggregation failed")
	}
	attended := make(map[string]bool, len(attendedList))
	for _, id := range attendedList {
		attended[id] = true
	}

	now := s.now()
	missed := []MissedOccurrence{}
	for _, classID := range classes {
		occs, err := s.dir.PastOccurrences(ctx, classID, now)
		if err != nil {
			return nil, Wrap(KindUnavailable, err, "occurrence lookup failed")
		}
		for _, occ := range occs {
			if occ.Status == "cancelled" || occ.SessionID == nil {
				continue
			}
			if attended[*occ.SessionID] {
				continue
			}
			missed = append(missed, MissedOccurrence{
				OccurrenceID: occ.ID,
				ClassID:      occ.ClassID,
				SessionID:    *occ.SessionID,
				StartsAt:     occ.StartsAt,
			})
		}
	}
	sort.Slice(missed, func(i, j int) bool { return missed[i].StartsAt.After(missed[j].StartsAt) })
	return missed, nil
}

// ClassAttendance returns a class's records for the filter plus the
// enrolled/present/absent rollup.
func (s *Service) ClassAttendance(ctx context.Context, f RecordFilter) (ClassAttendance, error) {
	if f.ClassID == "" {
		return ClassAttendance{}, E(KindInvalidInput, "class id required")
	}
	recs, err := s.store.QueryRecords(ctx, f)
	if err != nil {
		return ClassAttendance{}, Wrap(KindUnavailable, err, "record query failed")
	}
	enrolled, err := s.dir.EnrolledCount(ctx, f.ClassID)
	if err != nil {
		return ClassAttendance{}, Wrap(KindUnavailable, err, "enrollment lookup failed")
	}
	out := ClassAttendance{Records: recs, TotalEnrolled: enrolled}
	if out.Records == nil {
		out.Records = []Record{}
	}
	for _, rec := range recs {
		switch rec.Status {
		case StatusPresent:
			out.Present++
		case StatusAbsent:
			out.Absent++
		}
	}
	return out, nil
}

// FullReport returns the per-student rollup for a class. A student with
// zero total days reports 0 percent, not 100; this convention differs from
// the student-facing summary and both are kept for compatibility.
func (s *Service) FullReport(ctx context.Context, classID string, from, to *time.Time, studentID string) ([]ReportRow, error) {
	if classID == "" {
		return nil, E(KindInvalidInput, "class id required")
	}
	rows, err := s.store.ReportRows(ctx, classID, from, to, studentID)
	if err != nil {
		return nil, Wrap(KindUnavailable, err, "report aggregation failed")
	}
	for i := range rows {
		rows[i].TotalDays = rows[i].Present + rows[i].Absent + rows[i].Late
		if rows[i].TotalDays == 0 {
			rows[i].Percentage = 0
		} else {
			rows[i].Percentage = round2(float64(rows[i].Present) / float64(rows[i].TotalDays) * 100)
		}
	}
	if rows == nil {
		rows = []ReportRow{}
	}
	return rows, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
