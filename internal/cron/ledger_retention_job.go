package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

const ledgerRetentionJobName = "ledger-retention"

// LedgerRetentionJobParams configure the ledger purge job.
type LedgerRetentionJobParams struct {
	Logger *logger.Logger
	Purger ledger.Purger
}

// NewLedgerRetentionJob deletes audit records past their expires_at. DynamoDB
// expires items natively, so only the Postgres backend registers this job.
func NewLedgerRetentionJob(params LedgerRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Purger == nil {
		return nil, fmt.Errorf("ledger purger required")
	}
	return &ledgerRetentionJob{
		logg:   params.Logger,
		purger: params.Purger,
		now:    time.Now,
	}, nil
}

type ledgerRetentionJob struct {
	logg   *logger.Logger
	purger ledger.Purger
	now    func() time.Time
}

func (j *ledgerRetentionJob) Name() string { return ledgerRetentionJobName }

func (j *ledgerRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC()
	deleted, err := j.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("ledger retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "ledger retention cleanup complete")
	return nil
}
