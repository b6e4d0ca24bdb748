package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
)

// MemoryStore applies the same conditional rules as the durable stores to an
// in-process map. It backs local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.AuditRecord
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]models.AuditRecord{}, now: time.Now}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, record *models.AuditRecord) error {
	if record == nil || record.MessageID == "" {
		return fmt.Errorf("record with message_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.MessageID]; ok {
		return errConflict(record.MessageID)
	}
	now := m.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.MessageID] = cloneRecord(*record)
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, messageID string, status enums.AuditStatus, fields Fields) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid audit status %q", status)
	}
	m.mu.Lock()
	rec, ok := m.records[messageID]
	if ok && rec.Status.CanTransitionTo(status) && recordCountMatches(rec, fields) {
		rec.Status = status
		applyFields(&rec, fields)
		rec.UpdatedAt = m.now().UTC()
		m.records[messageID] = rec
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return explainRejectedUpdate(ctx, m.Get, messageID, &status, fields)
}

func (m *MemoryStore) UpdateFields(ctx context.Context, messageID string, fields Fields) error {
	if fields.IsEmpty() {
		return nil
	}
	m.mu.Lock()
	rec, ok := m.records[messageID]
	if ok && recordCountMatches(rec, fields) {
		applyFields(&rec, fields)
		rec.UpdatedAt = m.now().UTC()
		m.records[messageID] = rec
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return explainRejectedUpdate(ctx, m.Get, messageID, nil, fields)
}

func (m *MemoryStore) QueryByFilename(_ context.Context, filename string) ([]models.AuditRecord, error) {
	return m.filter(func(r models.AuditRecord) bool { return r.Filename == filename }), nil
}

func (m *MemoryStore) QueryByQueue(_ context.Context, queueName string, statuses ...enums.AuditStatus) ([]models.AuditRecord, error) {
	return m.filter(func(r models.AuditRecord) bool {
		return r.QueueName == queueName && (len(statuses) == 0 || r.Status.In(statuses))
	}), nil
}

func (m *MemoryStore) Get(_ context.Context, messageID string) (*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[messageID]
	if !ok {
		return nil, errNotFound(messageID)
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.records {
		if rec.ExpiresAt > 0 && rec.ExpiresAt < now.Unix() {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many records exist.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) filter(keep func(models.AuditRecord) bool) []models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditRecord
	for _, rec := range m.records {
		if keep(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func recordCountMatches(rec models.AuditRecord, fields Fields) bool {
	return fields.RecordCount == nil || rec.RecordCount == nil || *rec.RecordCount == *fields.RecordCount
}

func applyFields(rec *models.AuditRecord, f Fields) {
	if f.RecordCount != nil {
		rec.RecordCount = Int(*f.RecordCount)
	}
	if f.RecordsSucceeded != nil {
		rec.RecordsSucceeded = Int(*f.RecordsSucceeded)
	}
	if f.RecordsFailed != nil {
		rec.RecordsFailed = Int(*f.RecordsFailed)
	}
	if f.EOFReceived != nil {
		rec.EOFReceived = *f.EOFReceived
	}
	if f.DeclaredRowCount != nil {
		rec.DeclaredRowCount = Int(*f.DeclaredRowCount)
	}
	if f.ErrorDetails != nil {
		rec.ErrorDetails = String(*f.ErrorDetails)
	}
	if f.ForwardedRows != nil {
		rec.ForwardedRows = *f.ForwardedRows
	}
}

func cloneRecord(r models.AuditRecord) models.AuditRecord {
	out := r
	if r.RecordCount != nil {
		out.RecordCount = Int(*r.RecordCount)
	}
	if r.RecordsSucceeded != nil {
		out.RecordsSucceeded = Int(*r.RecordsSucceeded)
	}
	if r.RecordsFailed != nil {
		out.RecordsFailed = Int(*r.RecordsFailed)
	}
	if r.DeclaredRowCount != nil {
		out.DeclaredRowCount = Int(*r.DeclaredRowCount)
	}
	if r.ErrorDetails != nil {
		out.ErrorDetails = String(*r.ErrorDetails)
	}
	return out
}
