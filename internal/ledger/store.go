package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
)

// Store is the only path to the audit ledger. Every mutation is conditional:
// creation requires the key to be absent, updates require it to be present and,
// for status changes, in one of the target status' predecessors.
type Store interface {
	CreateIfAbsent(ctx context.Context, record *models.AuditRecord) error
	UpdateStatus(ctx context.Context, messageID string, status enums.AuditStatus, fields Fields) error
	UpdateFields(ctx context.Context, messageID string, fields Fields) error
	QueryByFilename(ctx context.Context, filename string) ([]models.AuditRecord, error)
	QueryByQueue(ctx context.Context, queueName string, statuses ...enums.AuditStatus) ([]models.AuditRecord, error)
	Get(ctx context.Context, messageID string) (*models.AuditRecord, error)
}

// Purger is implemented by backends without native TTL expiry.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Fields carries the optional columns written alongside a status change.
// Nil pointers leave the stored value untouched.
type Fields struct {
	RecordCount      *int
	RecordsSucceeded *int
	RecordsFailed    *int
	EOFReceived      *bool
	DeclaredRowCount *int
	ErrorDetails     *string
	ForwardedRows    *int
}

// IsEmpty reports whether no column would be written.
func (f Fields) IsEmpty() bool {
	return f.RecordCount == nil && f.RecordsSucceeded == nil && f.RecordsFailed == nil &&
		f.EOFReceived == nil && f.DeclaredRowCount == nil && f.ErrorDetails == nil &&
		f.ForwardedRows == nil
}

func (f Fields) columns() map[string]any {
	cols := map[string]any{}
	if f.RecordCount != nil {
		cols["record_count"] = *f.RecordCount
	}
	if f.RecordsSucceeded != nil {
		cols["records_succeeded"] = *f.RecordsSucceeded
	}
	if f.RecordsFailed != nil {
		cols["records_failed"] = *f.RecordsFailed
	}
	if f.EOFReceived != nil {
		cols["eof_received"] = *f.EOFReceived
	}
	if f.DeclaredRowCount != nil {
		cols["declared_row_count"] = *f.DeclaredRowCount
	}
	if f.ErrorDetails != nil {
		cols["error_details"] = *f.ErrorDetails
	}
	if f.ForwardedRows != nil {
		cols["forwarded_rows"] = *f.ForwardedRows
	}
	return cols
}

// Int returns a pointer to v, for building Fields.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// IsConflict reports whether err is a lost conditional create.
func IsConflict(err error) bool {
	return pkgerrors.HasCode(err, pkgerrors.CodeLedgerWriteConflict)
}

// IsNotFound reports whether a Get found no record.
func IsNotFound(err error) bool {
	return pkgerrors.HasCode(err, pkgerrors.CodeNotFound)
}

// IsIllegalTransition reports whether an update was refused by the transition table.
func IsIllegalTransition(err error) bool {
	return pkgerrors.HasCode(err, pkgerrors.CodeStateConflict)
}

func errConflict(messageID string) error {
	return pkgerrors.New(pkgerrors.CodeLedgerWriteConflict, "ledger record already exists").
		WithDetails(map[string]any{"message_id": messageID})
}

func errNotFound(messageID string) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, "ledger record not found").
		WithDetails(map[string]any{"message_id": messageID})
}

func errMissingOnUpdate(messageID string) error {
	return pkgerrors.New(pkgerrors.CodeLedgerCorruption, "ledger record missing on update").
		WithDetails(map[string]any{"message_id": messageID})
}

func errIllegalTransition(messageID string, from, to enums.AuditStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("illegal ledger transition %s -> %s", from, to)).
		WithDetails(map[string]any{"message_id": messageID, "from": from, "to": to})
}

func errRecordCountImmutable(messageID string, stored, requested int) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, "record_count is immutable once set").
		WithDetails(map[string]any{"message_id": messageID, "stored": stored, "requested": requested})
}

// explainRejectedUpdate turns a conditional update that matched no row into the
// precise error. Re-applying the status a record already holds is a no-op so
// that redelivered finalization stays idempotent.
func explainRejectedUpdate(ctx context.Context, get func(context.Context, string) (*models.AuditRecord, error), messageID string, target *enums.AuditStatus, fields Fields) error {
	current, err := get(ctx, messageID)
	if err != nil {
		if IsNotFound(err) {
			return errMissingOnUpdate(messageID)
		}
		return err
	}
	if fields.RecordCount != nil && current.RecordCount != nil && *current.RecordCount != *fields.RecordCount {
		return errRecordCountImmutable(messageID, *current.RecordCount, *fields.RecordCount)
	}
	if target != nil && current.Status != *target {
		return errIllegalTransition(messageID, current.Status, *target)
	}
	return nil
}

func statusStrings(statuses []enums.AuditStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s.String())
	}
	return out
}

func wrapDependency(err error, msg string) error {
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
