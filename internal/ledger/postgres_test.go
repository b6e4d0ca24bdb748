package ledger

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const auditRecordsDDL = `
CREATE TABLE IF NOT EXISTS audit_records (
  message_id TEXT PRIMARY KEY,
  filename TEXT NOT NULL,
  queue_name TEXT NOT NULL,
  status TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  bucket TEXT NOT NULL DEFAULT '',
  file_key TEXT NOT NULL DEFAULT '',
  supplier TEXT NOT NULL DEFAULT '',
  vaccine_type TEXT NOT NULL DEFAULT '',
  record_count INTEGER,
  records_succeeded INTEGER,
  records_failed INTEGER,
  eof_received INTEGER NOT NULL DEFAULT 0,
  declared_row_count INTEGER,
  error_details TEXT,
  forwarded_rows INTEGER NOT NULL DEFAULT 0,
  expires_at INTEGER NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`

func setupLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.Exec(auditRecordsDDL).Error)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	store, err := NewPostgresStore(setupLedgerTestDB(t))
	require.NoError(t, err)
	return store
}

func sampleRecord(id, filename, queue string, status enums.AuditStatus) *models.AuditRecord {
	return &models.AuditRecord{
		MessageID:   id,
		Filename:    filename,
		QueueName:   queue,
		Status:      status,
		Timestamp:   "20240101T12000000",
		Supplier:    "EMIS",
		VaccineType: "FLU",
		ExpiresAt:   time.Now().Add(24 * time.Hour).Unix(),
	}
}

func TestPostgresStore_CreateIfAbsentIsExclusive(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessing)))

	err := store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessing))
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.True(t, pkgerrors.IsRetryable(err))

	recs, err := store.QueryByFilename(ctx, "a.csv")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPostgresStore_UpdateStatusForwardOnly(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessing)))

	require.NoError(t, store.UpdateStatus(ctx, "m-1", enums.AuditStatusPreprocessed, Fields{RecordCount: Int(2)}))

	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, enums.AuditStatusPreprocessed, got.Status)
	require.NotNil(t, got.RecordCount)
	assert.Equal(t, 2, *got.RecordCount)

	err = store.UpdateStatus(ctx, "m-1", enums.AuditStatusProcessing, Fields{})
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))

	require.NoError(t, store.UpdateStatus(ctx, "m-1", enums.AuditStatusProcessed, Fields{
		RecordsSucceeded: Int(2),
		RecordsFailed:    Int(0),
	}))
	got, err = store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, enums.AuditStatusProcessed, got.Status)
	assert.Equal(t, 2, *got.RecordsSucceeded)
	assert.Equal(t, 0, *got.RecordsFailed)
}

func TestPostgresStore_ReapplyingStatusIsNoop(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	rec := sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessed)
	rec.RecordCount = Int(2)
	require.NoError(t, store.CreateIfAbsent(ctx, rec))

	assert.NoError(t, store.UpdateStatus(ctx, "m-1", enums.AuditStatusProcessed, Fields{RecordsSucceeded: Int(2), RecordsFailed: Int(0)}))
}

func TestPostgresStore_UpdateMissingRecordIsCorruption(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()

	err := store.UpdateStatus(ctx, "ghost", enums.AuditStatusPreprocessed, Fields{RecordCount: Int(1)})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeLedgerCorruption))
	assert.False(t, pkgerrors.IsRetryable(err))

	err = store.UpdateFields(ctx, "ghost", Fields{EOFReceived: Bool(true)})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeLedgerCorruption))

	_, err = store.Get(ctx, "ghost")
	assert.True(t, IsNotFound(err))
}

func TestPostgresStore_RecordCountIsImmutable(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	rec := sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusPreprocessed)
	rec.RecordCount = Int(3)
	require.NoError(t, store.CreateIfAbsent(ctx, rec))

	err := store.UpdateFields(ctx, "m-1", Fields{RecordCount: Int(4)})
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))

	require.NoError(t, store.UpdateFields(ctx, "m-1", Fields{RecordCount: Int(3), EOFReceived: Bool(true), DeclaredRowCount: Int(3)}))
	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, got.EOFReceived)
	assert.Equal(t, 3, *got.DeclaredRowCount)
}

func TestPostgresStore_ForwardedRowsCheckpoint(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessing)))

	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Zero(t, got.ForwardedRows)

	require.NoError(t, store.UpdateFields(ctx, "m-1", Fields{ForwardedRows: Int(200)}))
	got, err = store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 200, got.ForwardedRows)
	assert.Equal(t, enums.AuditStatusProcessing, got.Status)
	assert.Nil(t, got.RecordCount)
}

func TestPostgresStore_QueryByQueueNarrowsStatuses(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessed)))
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-2", "b.csv", "EMIS_FLU", enums.AuditStatusFailed)))
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("m-3", "c.csv", "TPP_FLU", enums.AuditStatusProcessing)))

	all, err := store.QueryByQueue(ctx, "EMIS_FLU")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	busy, err := store.QueryByQueue(ctx, "EMIS_FLU", enums.BusyStatuses...)
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, "m-2", busy[0].MessageID)
}

func TestPostgresStore_PurgeExpired(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()
	now := time.Now()

	old := sampleRecord("old", "a.csv", "EMIS_FLU", enums.AuditStatusProcessed)
	old.ExpiresAt = now.Add(-time.Hour).Unix()
	require.NoError(t, store.CreateIfAbsent(ctx, old))
	require.NoError(t, store.CreateIfAbsent(ctx, sampleRecord("fresh", "b.csv", "EMIS_FLU", enums.AuditStatusProcessed)))

	n, err := store.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = store.Get(ctx, "old")
	assert.True(t, IsNotFound(err))
	_, err = store.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	store, err := NewPostgresStore(conn)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresStore_CreateUsesOnConflictDoNothing(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "audit_records"`) + `.*` + regexp.QuoteMeta(`ON CONFLICT ("message_id") DO NOTHING`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CreateIfAbsent(context.Background(), sampleRecord("m-1", "a.csv", "EMIS_FLU", enums.AuditStatusProcessing))
	assert.True(t, IsConflict(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateStatusIsConditional(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "audit_records" SET`) + `.*` +
		regexp.QuoteMeta(`WHERE message_id = $`) + `\d+` +
		regexp.QuoteMeta(` AND status IN ($`) + `\d+` + regexp.QuoteMeta(`)`) +
		regexp.QuoteMeta(` AND (record_count IS NULL OR record_count = $`) + `\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateStatus(context.Background(), "m-1", enums.AuditStatusPreprocessed, Fields{RecordCount: Int(2)})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
