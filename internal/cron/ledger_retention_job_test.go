package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

func TestLedgerRetentionJobPurgesExpiredRecords(t *testing.T) {
	now := time.Now().UTC()
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	for id, expires := range map[string]time.Time{
		"expired": now.Add(-time.Hour),
		"live":    now.Add(time.Hour),
	} {
		err := store.CreateIfAbsent(ctx, &models.AuditRecord{
			MessageID: id,
			Filename:  id + ".csv",
			QueueName: "EMIS_FLU",
			Status:    enums.AuditStatusProcessed,
			ExpiresAt: expires.Unix(),
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	job := newLedgerRetentionJob(t, store)
	job.now = func() time.Time { return now }
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 record left, got %d", store.Len())
	}
	if _, err := store.Get(ctx, "live"); err != nil {
		t.Fatalf("live record purged: %v", err)
	}
}

func TestLedgerRetentionJobPropagatesError(t *testing.T) {
	job := newLedgerRetentionJob(t, failingPurger{})
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewLedgerRetentionJobValidation(t *testing.T) {
	if _, err := NewLedgerRetentionJob(LedgerRetentionJobParams{Purger: failingPurger{}}); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := NewLedgerRetentionJob(LedgerRetentionJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected purger error")
	}
}

func newLedgerRetentionJob(t *testing.T, purger ledger.Purger) *ledgerRetentionJob {
	t.Helper()
	jobIface, err := NewLedgerRetentionJob(LedgerRetentionJobParams{
		Logger: logger.New(logger.Options{ServiceName: "test"}),
		Purger: purger,
	})
	if err != nil {
		t.Fatalf("NewLedgerRetentionJob: %v", err)
	}
	job, ok := jobIface.(*ledgerRetentionJob)
	if !ok {
		t.Fatalf("expected ledgerRetentionJob, got %T", jobIface)
	}
	return job
}

type failingPurger struct{}

func (failingPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("boom")
}
