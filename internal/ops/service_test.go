package ops

import (
	"context"
	"testing"

	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (Service, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	svc, err := NewService(store, nil)
	require.NoError(t, err)
	return svc, store
}

func seed(t *testing.T, store *ledger.MemoryStore, id, filename string, status enums.AuditStatus) {
	t.Helper()
	require.NoError(t, store.CreateIfAbsent(context.Background(), &models.AuditRecord{
		MessageID: id,
		Filename:  filename,
		QueueName: "EMIS_FLU",
		Status:    status,
		Timestamp: "20240101T12000000",
	}))
}

func TestReleaseMovesFailedToNotProcessed(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, "f-1", "a.csv", enums.AuditStatusFailed)

	rec, err := svc.Release(context.Background(), ReleaseRequest{MessageID: "f-1", Actor: "ops@nhs", Reason: "bad upload"})
	require.NoError(t, err)
	assert.Equal(t, enums.AuditStatusNotProcessed, rec.Status)
	require.NotNil(t, rec.ErrorDetails)
	assert.Contains(t, *rec.ErrorDetails, "released by ops@nhs: bad upload")

	busy, err := store.QueryByQueue(context.Background(), "EMIS_FLU", enums.BusyStatuses...)
	require.NoError(t, err)
	assert.Empty(t, busy, "released record no longer blocks the queue")
}

func TestReleaseRejectsOtherStatuses(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, "p-1", "a.csv", enums.AuditStatusProcessing)

	_, err := svc.Release(context.Background(), ReleaseRequest{MessageID: "p-1", Actor: "ops", Reason: "x"})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	_, err = svc.Release(context.Background(), ReleaseRequest{MessageID: "missing", Actor: "ops", Reason: "x"})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}

func TestByQueueFiltersAndLimits(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, "1", "a.csv", enums.AuditStatusProcessed)
	seed(t, store, "2", "b.csv", enums.AuditStatusFailed)
	seed(t, store, "3", "c.csv", enums.AuditStatusProcessing)

	recs, err := svc.ByQueue(context.Background(), "emis_flu", []enums.AuditStatus{enums.AuditStatusFailed, enums.AuditStatusProcessing}, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = svc.ByQueue(context.Background(), "EMIS_FLU", nil, 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = svc.ByQueue(context.Background(), "EMIS_FLU", []enums.AuditStatus{"Bogus"}, 0)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestByFilename(t *testing.T) {
	svc, store := newTestService(t)
	seed(t, store, "1", "a.csv", enums.AuditStatusProcessed)
	seed(t, store, "2", "a.csv", enums.AuditStatusNotProcessed)
	seed(t, store, "3", "b.csv", enums.AuditStatusProcessed)

	recs, err := svc.ByFilename(context.Background(), "a.csv")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
