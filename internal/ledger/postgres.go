package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/immsbatch/pkg/db"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore keeps the ledger in the audit_records table.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPostgresStore binds the store to a gorm connection.
func NewPostgresStore(conn *gorm.DB) (*PostgresStore, error) {
	if conn == nil {
		return nil, fmt.Errorf("gorm connection required")
	}
	return &PostgresStore{db: conn, now: time.Now}, nil
}

func (s *PostgresStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// CreateIfAbsent inserts the record unless its message_id already exists.
func (s *PostgresStore) CreateIfAbsent(ctx context.Context, record *models.AuditRecord) error {
	if record == nil || strings.TrimSpace(record.MessageID) == "" {
		return fmt.Errorf("record with message_id required")
	}
	res := s.conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error, "") {
			return errConflict(record.MessageID)
		}
		return wrapDependency(res.Error, "create ledger record")
	}
	if res.RowsAffected == 0 {
		return errConflict(record.MessageID)
	}
	return nil
}

// UpdateStatus moves the record into status when its current status is an allowed predecessor.
func (s *PostgresStore) UpdateStatus(ctx context.Context, messageID string, status enums.AuditStatus, fields Fields) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid audit status %q", status)
	}
	preds := status.Predecessors()
	if len(preds) == 0 {
		return errIllegalTransition(messageID, "", status)
	}

	updates := fields.columns()
	updates["status"] = status.String()
	updates["updated_at"] = s.now().UTC()

	q := s.conn(ctx).Model(&models.AuditRecord{}).
		Where("message_id = ?", messageID).
		Where("status IN ?", statusStrings(preds))
	q = recordCountGuard(q, fields)

	res := q.Updates(updates)
	if res.Error != nil {
		return wrapDependency(res.Error, "update ledger status")
	}
	if res.RowsAffected == 0 {
		return explainRejectedUpdate(ctx, s.Get, messageID, &status, fields)
	}
	return nil
}

// UpdateFields writes columns on an existing record without touching its status.
func (s *PostgresStore) UpdateFields(ctx context.Context, messageID string, fields Fields) error {
	if fields.IsEmpty() {
		return nil
	}
	updates := fields.columns()
	updates["updated_at"] = s.now().UTC()

	q := s.conn(ctx).Model(&models.AuditRecord{}).Where("message_id = ?", messageID)
	q = recordCountGuard(q, fields)

	res := q.Updates(updates)
	if res.Error != nil {
		return wrapDependency(res.Error, "update ledger fields")
	}
	if res.RowsAffected == 0 {
		return explainRejectedUpdate(ctx, s.Get, messageID, nil, fields)
	}
	return nil
}

// recordCountGuard keeps record_count write-once.
func recordCountGuard(q *gorm.DB, fields Fields) *gorm.DB {
	if fields.RecordCount == nil {
		return q
	}
	return q.Where("(record_count IS NULL OR record_count = ?)", *fields.RecordCount)
}

// QueryByFilename returns every attempt recorded for filename.
func (s *PostgresStore) QueryByFilename(ctx context.Context, filename string) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	err := s.conn(ctx).
		Where("filename = ?", filename).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrapDependency(err, "query ledger by filename")
	}
	return out, nil
}

// QueryByQueue returns the attempts recorded for queueName, narrowed to statuses when given.
func (s *PostgresStore) QueryByQueue(ctx context.Context, queueName string, statuses ...enums.AuditStatus) ([]models.AuditRecord, error) {
	q := s.conn(ctx).Where("queue_name = ?", queueName)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var out []models.AuditRecord
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, wrapDependency(err, "query ledger by queue")
	}
	return out, nil
}

// Get loads one record.
func (s *PostgresStore) Get(ctx context.Context, messageID string) (*models.AuditRecord, error) {
	var rec models.AuditRecord
	err := s.conn(ctx).Where("message_id = ?", messageID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound(messageID)
	}
	if err != nil {
		return nil, wrapDependency(err, "get ledger record")
	}
	return &rec, nil
}

// PurgeExpired deletes records whose expires_at lies before now.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.conn(ctx).
		Where("expires_at > 0 AND expires_at < ?", now.Unix()).
		Delete(&models.AuditRecord{})
	if res.Error != nil {
		return 0, wrapDependency(res.Error, "purge expired ledger records")
	}
	return res.RowsAffected, nil
}
