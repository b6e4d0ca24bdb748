package models

import (
	"time"

	"github.com/angelmondragon/immsbatch/pkg/enums"
)

// AuditRecord is the ledger row for one file-processing attempt.
type AuditRecord struct {
	MessageID        string            `gorm:"column:message_id;primaryKey" dynamodbav:"message_id" json:"message_id"`
	Filename         string            `gorm:"column:filename;not null;index:idx_audit_records_filename" dynamodbav:"filename" json:"filename"`
	QueueName        string            `gorm:"column:queue_name;not null;index:idx_audit_records_queue_status,priority:1" dynamodbav:"queue_name" json:"queue_name"`
	Status           enums.AuditStatus `gorm:"column:status;not null;index:idx_audit_records_queue_status,priority:2" dynamodbav:"status" json:"status"`
	Timestamp        string            `gorm:"column:timestamp;not null" dynamodbav:"timestamp" json:"timestamp"`
	Bucket           string            `gorm:"column:bucket;not null;default:''" dynamodbav:"bucket" json:"bucket"`
	FileKey          string            `gorm:"column:file_key;not null;default:''" dynamodbav:"file_key" json:"file_key"`
	Supplier         string            `gorm:"column:supplier;not null;default:''" dynamodbav:"supplier" json:"supplier"`
	VaccineType      string            `gorm:"column:vaccine_type;not null;default:''" dynamodbav:"vaccine_type" json:"vaccine_type"`
	RecordCount      *int              `gorm:"column:record_count" dynamodbav:"record_count,omitempty" json:"record_count,omitempty"`
	RecordsSucceeded *int              `gorm:"column:records_succeeded" dynamodbav:"records_succeeded,omitempty" json:"records_succeeded,omitempty"`
	RecordsFailed    *int              `gorm:"column:records_failed" dynamodbav:"records_failed,omitempty" json:"records_failed,omitempty"`
	EOFReceived      bool              `gorm:"column:eof_received;not null;default:false" dynamodbav:"eof_received" json:"eof_received"`
	DeclaredRowCount *int              `gorm:"column:declared_row_count" dynamodbav:"declared_row_count,omitempty" json:"declared_row_count,omitempty"`
	ErrorDetails     *string           `gorm:"column:error_details" dynamodbav:"error_details,omitempty" json:"error_details,omitempty"`
	ForwardedRows    int               `gorm:"column:forwarded_rows;not null;default:0" dynamodbav:"forwarded_rows" json:"forwarded_rows"`
	ExpiresAt        int64             `gorm:"column:expires_at;not null" dynamodbav:"expires_at" json:"expires_at"`
	CreatedAt        time.Time         `gorm:"column:created_at;autoCreateTime" dynamodbav:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"column:updated_at;autoUpdateTime" dynamodbav:"updated_at" json:"updated_at"`
}

// TableName pins the table regardless of naming strategy.
func (AuditRecord) TableName() string {
	return "audit_records"
}

// IsRecordCountSet reports whether the forwarder has recorded the row total.
func (r AuditRecord) IsRecordCountSet() bool {
	return r.RecordCount != nil
}
