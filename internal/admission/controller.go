package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/immsbatch/internal/ack"
	"github.com/angelmondragon/immsbatch/internal/filekey"
	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	"github.com/angelmondragon/immsbatch/pkg/logger"
	"github.com/angelmondragon/immsbatch/pkg/metrics"
	"github.com/google/uuid"
)

// Outcome is the admission verdict for a file.
type Outcome string

const (
	Admitted          Outcome = "admitted"
	RejectedDuplicate Outcome = "rejected_duplicate"
	DeferBusy         Outcome = "defer_busy"
)

// ReasonDuplicate is written to the ledger and the failure ack of rejected duplicates.
const ReasonDuplicate = "duplicate file"

var ledgerNamespace = uuid.MustParse("8f9c6f8e-3c1b-5d5e-9a57-6b1f0c4d2e11")

// MessageID derives the ledger id for one upload of an object. Redelivered
// notifications map to the same id; a re-upload gets a new generation and a new id.
func MessageID(bucket, key, generation string) string {
	return uuid.NewSHA1(ledgerNamespace, []byte(fmt.Sprintf("%s/%s#%s", bucket, key, generation))).String()
}

// FileAdmission is a validated file awaiting admission.
type FileAdmission struct {
	Identity   filekey.FileIdentity
	Generation string
}

// MessageID is the deterministic ledger id of the admission.
func (f FileAdmission) MessageID() string {
	return MessageID(f.Identity.Bucket, f.Identity.FileKey, f.Generation)
}

// Decision is the result of Admit.
type Decision struct {
	Outcome   Outcome
	MessageID string
	// Replayed is set when the ledger already holds this admission's outcome.
	Replayed bool
	// Resumed is set when an earlier delivery admitted the file and forwarding must run again.
	Resumed bool
	// BlockedBy names the ledger record that caused a DeferBusy.
	BlockedBy string
}

// ControllerParams wires the controller.
type ControllerParams struct {
	Ledger         ledger.Store
	Failures       *ack.FailureWriter
	Metrics        *metrics.PipelineMetrics
	Logger         *logger.Logger
	Retention      time.Duration
	FailedBlockTTL time.Duration
}

// Controller decides whether a file may start processing. It keeps at most one
// in-flight file per queue and rejects files whose name already succeeded.
type Controller struct {
	ledger         ledger.Store
	failures       *ack.FailureWriter
	metrics        *metrics.PipelineMetrics
	logg           *logger.Logger
	retention      time.Duration
	failedBlockTTL time.Duration
	now            func() time.Time
}

// NewController validates params.
func NewController(p ControllerParams) (*Controller, error) {
	if p.Ledger == nil {
		return nil, errors.New("ledger store required")
	}
	if p.Failures == nil {
		return nil, errors.New("failure writer required")
	}
	if p.Retention <= 0 {
		return nil, errors.New("ledger retention must be positive")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Controller{
		ledger:         p.Ledger,
		failures:       p.Failures,
		metrics:        p.Metrics,
		logg:           logg,
		retention:      p.Retention,
		failedBlockTTL: p.FailedBlockTTL,
		now:            time.Now,
	}, nil
}

// Admit applies the admission rules. Lookup and write errors are returned as is
// and are retryable; the decision is only meaningful when err is nil.
func (c *Controller) Admit(ctx context.Context, f FileAdmission) (Decision, error) {
	id := f.MessageID()
	ctx = c.logg.WithMessageID(ctx, id)
	ctx = c.logg.WithFileKey(ctx, f.Identity.FileKey)
	ctx = c.logg.WithQueue(ctx, f.Identity.QueueName())

	decision, err := c.admit(ctx, id, f)
	if err != nil {
		return Decision{MessageID: id}, err
	}
	c.metrics.IncAdmission(string(decision.Outcome))
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"outcome":    decision.Outcome,
		"replayed":   decision.Replayed,
		"resumed":    decision.Resumed,
		"blocked_by": decision.BlockedBy,
	}), "admission decided")
	return decision, nil
}

func (c *Controller) admit(ctx context.Context, id string, f FileAdmission) (Decision, error) {
	byName, err := c.ledger.QueryByFilename(ctx, f.Identity.Filename)
	if err != nil {
		return Decision{}, err
	}

	var inFlight, duplicate *models.AuditRecord
	for i := range byName {
		rec := &byName[i]
		if rec.MessageID == id {
			return c.resolveOwn(ctx, f, rec)
		}
		switch rec.Status {
		case enums.AuditStatusProcessing:
			if inFlight == nil {
				inFlight = rec
			}
		case enums.AuditStatusProcessed, enums.AuditStatusPreprocessed:
			if duplicate == nil {
				duplicate = rec
			}
		}
	}
	// A completed attempt makes the file a duplicate whatever else is in flight.
	if duplicate != nil {
		return c.rejectDuplicate(ctx, id, f, duplicate.MessageID)
	}
	if inFlight != nil {
		return Decision{Outcome: DeferBusy, MessageID: id, BlockedBy: inFlight.MessageID}, nil
	}

	busy, err := c.ledger.QueryByQueue(ctx, f.Identity.QueueName(), enums.BusyStatuses...)
	if err != nil {
		return Decision{}, err
	}
	now := c.now()
	for _, rec := range busy {
		if rec.MessageID == id || c.failedBlockExpired(rec, now) {
			continue
		}
		return Decision{Outcome: DeferBusy, MessageID: id, BlockedBy: rec.MessageID}, nil
	}

	rec := c.newRecord(id, f, enums.AuditStatusProcessing, now)
	if err := c.ledger.CreateIfAbsent(ctx, rec); err != nil {
		if ledger.IsConflict(err) {
			return Decision{Outcome: DeferBusy, MessageID: id, BlockedBy: id}, nil
		}
		return Decision{}, err
	}
	return Decision{Outcome: Admitted, MessageID: id}, nil
}

// resolveOwn handles a redelivery of a notification whose ledger record already exists.
func (c *Controller) resolveOwn(ctx context.Context, f FileAdmission, rec *models.AuditRecord) (Decision, error) {
	switch rec.Status {
	case enums.AuditStatusProcessing, enums.AuditStatusPreprocessed:
		return Decision{Outcome: Admitted, MessageID: rec.MessageID, Resumed: true}, nil
	case enums.AuditStatusNotProcessed:
		reason := ReasonDuplicate
		if rec.ErrorDetails != nil && *rec.ErrorDetails != "" {
			reason = *rec.ErrorDetails
		}
		if err := c.failures.Write(ctx, f.Identity.FileKey, f.Identity.CreatedAt, rec.MessageID, reason); err != nil {
			return Decision{}, err
		}
		return Decision{Outcome: RejectedDuplicate, MessageID: rec.MessageID, Replayed: true}, nil
	default:
		return Decision{Outcome: Admitted, MessageID: rec.MessageID, Replayed: true}, nil
	}
}

func (c *Controller) rejectDuplicate(ctx context.Context, id string, f FileAdmission, original string) (Decision, error) {
	rec := c.newRecord(id, f, enums.AuditStatusNotProcessed, c.now())
	rec.ErrorDetails = ledger.String(ReasonDuplicate)
	replayed := false
	if err := c.ledger.CreateIfAbsent(ctx, rec); err != nil {
		if !ledger.IsConflict(err) {
			return Decision{}, err
		}
		replayed = true
	}
	if err := c.failures.Write(ctx, f.Identity.FileKey, f.Identity.CreatedAt, id, ReasonDuplicate); err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: RejectedDuplicate, MessageID: id, Replayed: replayed, BlockedBy: original}, nil
}

// Reject records a file that failed validation as NotProcessed and writes its failure ack.
func (c *Controller) Reject(ctx context.Context, f FileAdmission, reason string) (string, error) {
	id := f.MessageID()
	ctx = c.logg.WithMessageID(ctx, id)
	rec := c.newRecord(id, f, enums.AuditStatusNotProcessed, c.now())
	rec.ErrorDetails = ledger.String(reason)
	if err := c.ledger.CreateIfAbsent(ctx, rec); err != nil && !ledger.IsConflict(err) {
		return id, err
	}
	if err := c.failures.Write(ctx, f.Identity.FileKey, f.Identity.CreatedAt, id, reason); err != nil {
		return id, err
	}
	c.metrics.IncAdmission("rejected_invalid")
	c.logg.Info(c.logg.WithField(ctx, "reason", reason), "file rejected")
	return id, nil
}

func (c *Controller) failedBlockExpired(rec models.AuditRecord, now time.Time) bool {
	if rec.Status != enums.AuditStatusFailed || c.failedBlockTTL <= 0 {
		return false
	}
	since := rec.UpdatedAt
	if since.IsZero() {
		since = rec.CreatedAt
	}
	return !since.IsZero() && now.Sub(since) > c.failedBlockTTL
}

func (c *Controller) newRecord(id string, f FileAdmission, status enums.AuditStatus, now time.Time) *models.AuditRecord {
	return &models.AuditRecord{
		MessageID:   id,
		Filename:    f.Identity.Filename,
		QueueName:   f.Identity.QueueName(),
		Status:      status,
		Timestamp:   f.Identity.CreatedAt,
		Bucket:      f.Identity.Bucket,
		FileKey:     f.Identity.FileKey,
		Supplier:    f.Identity.Supplier,
		VaccineType: f.Identity.VaccineType,
		ExpiresAt:   now.Add(c.retention).Unix(),
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}
