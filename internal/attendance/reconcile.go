package attendance

import (
	"context"
	"log"
)

// Reconcile replays offline-captured claims against the duplicate and
// input rules, one outcome per claim in input order. Claims are trusted
// to have passed the on-device liveness and identity checks before being
// queued; no live re-verification happens here. Accepted records keep the
// originally captured event time and evidence reference, and are queued
// for a background audit re-check.
func (s *Service) Reconcile(ctx context.Context, studentID string, claims []Claim) ([]ClaimOutcome, error) {
	if studentID == "" {
		return nil, E(KindInvalidInput, "student id required")
	}
	if len(claims) == 0 {
		return nil, E(KindInvalidInput, "no claims to reconcile")
	}

	outcomes := make([]ClaimOutcome, len(claims))
	for i, claim := range claims {
		outcomes[i] = s.reconcileOne(ctx, studentID, claim)
		syncOutcomesTotal.WithLabelValues(outcomes[i].Result).Inc()
	}
	return outcomes, nil
}

// reconcileOne never lets one claim's failure touch its neighbours.
func (s *Service) reconcileOne(ctx context.Context, studentID string, claim Claim) ClaimOutcome {
	out := ClaimOutcome{SessionID: claim.SessionID}

	if claim.SessionID == "" || claim.ClassID == "" {
		out.Result = OutcomeFailed
		out.Reason = "session id and class id required"
		return out
	}
	if claim.CapturedAt.IsZero() {
		out.Result = OutcomeFailed
		out.Reason = "captured-at timestamp required"
		return out
	}

	exists, err := s.store.RecordExists(ctx, studentID, claim.SessionID)
	if err != nil {
		out.Result = OutcomeFailed
		out.Reason = "duplicate check failed"
		return out
	}
	if exists {
		out.Result = OutcomeSkipped
		out.Reason = "already recorded"
		return out
	}

	rec := Record{
		StudentID:      studentID,
		ClassID:        claim.ClassID,
		SessionID:      claim.SessionID,
		ScheduleID:     claim.ScheduleID,
		Latitude:       claim.Latitude,
		Longitude:      claim.Longitude,
		LivenessPassed: claim.LivenessPassed,
		MarkedAt:       claim.CapturedAt.UTC(),
		Synced:         true,
		Status:         StatusPresent,
		EvidenceRef:    claim.EvidenceRef,
		AuditStatus:    AuditPending,
	}
	created, err := s.store.InsertRecord(ctx, rec)
	if err != nil {
		if KindOf(err) == KindConflict {
			// Lost a race against a concurrent submission for the same pair.
			out.Result = OutcomeSkipped
			out.Reason = "already recorded"
			return out
		}
		out.Result = OutcomeFailed
		out.Reason = "persistence failed"
		return out
	}

	if s.audit != nil {
		if err := s.audit.PublishAudit(ctx, created.ID); err != nil {
			log.Printf("audit publish failed for record %s: %v", created.ID, err)
		}
	}

	out.Result = OutcomeRecorded
	out.Record = &created
	return out
}
