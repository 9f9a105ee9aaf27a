package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/directory"
	"classattend/internal/faceclient"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker consumes audit jobs for offline-synced records and re-verifies
// the retained evidence against the student's stored face reference.
// The audit is observational: a mismatch is recorded on the row, never
// reverted.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classattend:audits")
	}

	repo := attendance.NewRepository(db.Client)
	dir := directory.New(db.Client, cfg.SessionCacheTTL)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip, cfg.FaceTimeout)

	if !cfg.FaceSkip {
		if err := face.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
			log.Println("worker will retry audits when jobs arrive")
		} else {
			log.Println("face service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for audit jobs...")
	for msg := range messages {
		if msg.Type != queue.TypeAudit {
			continue
		}
		auditRecord(ctx, repo, dir, face, string(msg.Body))
	}

	log.Println("worker stopped")
}

type recordStore interface {
	GetRecord(ctx context.Context, id string) (attendance.Record, error)
	SetAudit(ctx context.Context, id string, score *float64, status string) error
}

type faceRefs interface {
	FaceRef(ctx context.Context, studentID string) (string, error)
}

type evidenceVerifier interface {
	VerifyURL(ctx context.Context, refKey, imageURL string) (*faceclient.Result, error)
}

func auditRecord(ctx context.Context, repo recordStore, dir faceRefs, face evidenceVerifier, id string) {
	rec, err := repo.GetRecord(ctx, id)
	if err != nil {
		log.Printf("fetch record %s failed: %v", id, err)
		return
	}
	if rec.EvidenceRef == "" {
		// Nothing retained to re-check; mark so the gap stays visible.
		_ = repo.SetAudit(ctx, id, nil, attendance.AuditSkipped)
		log.Printf("record %s has no evidence, audit skipped", id)
		return
	}

	refKey, err := dir.FaceRef(ctx, rec.StudentID)
	if err != nil {
		if attendance.KindOf(err) == attendance.KindNotFound {
			// No stored reference to check against; replaying won't change that.
			_ = repo.SetAudit(ctx, id, nil, attendance.AuditSkipped)
			log.Printf("student %s has no face reference, audit of %s skipped", rec.StudentID, id)
			return
		}
		// Leave the record pending so a replay can retry the lookup.
		log.Printf("face reference lookup failed for %s: %v", rec.StudentID, err)
		return
	}

	res, err := face.VerifyURL(ctx, refKey, rec.EvidenceRef)
	if err != nil {
		// Leave the record pending; the job can be replayed later.
		log.Printf("audit verify failed for %s: %v", id, err)
		return
	}

	status := attendance.AuditConfirmed
	if !res.Matched {
		status = attendance.AuditMismatch
	}
	_ = repo.SetAudit(ctx, id, &res.Similarity, status)
	log.Printf("record %s audited: %s (similarity %.2f)", id, status, res.Similarity)
}
