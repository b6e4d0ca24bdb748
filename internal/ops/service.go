package ops

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/angelmondragon/immsbatch/internal/ledger"
	"github.com/angelmondragon/immsbatch/pkg/db/models"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

// Service exposes read access to the ledger and the operator release of a
// Failed file, which unblocks its queue.
type Service interface {
	Record(ctx context.Context, messageID string) (*models.AuditRecord, error)
	ByFilename(ctx context.Context, filename string) ([]models.AuditRecord, error)
	ByQueue(ctx context.Context, queueName string, statuses []enums.AuditStatus, limit int) ([]models.AuditRecord, error)
	Release(ctx context.Context, req ReleaseRequest) (*models.AuditRecord, error)
}

// ReleaseRequest identifies the record, the operator, and why it was released.
type ReleaseRequest struct {
	MessageID string
	Actor     string
	Reason    string
}

type service struct {
	ledger ledger.Store
	logg   *logger.Logger
}

// NewService wires the ops service over a ledger store.
func NewService(store ledger.Store, logg *logger.Logger) (Service, error) {
	if store == nil {
		return nil, errors.New("ledger store required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{ledger: store, logg: logg}, nil
}

func (s *service) Record(ctx context.Context, messageID string) (*models.AuditRecord, error) {
	return s.ledger.Get(ctx, messageID)
}

func (s *service) ByFilename(ctx context.Context, filename string) ([]models.AuditRecord, error) {
	records, err := s.ledger.QueryByFilename(ctx, filename)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(records)
	return records, nil
}

func (s *service) ByQueue(ctx context.Context, queueName string, statuses []enums.AuditStatus, limit int) ([]models.AuditRecord, error) {
	for _, st := range statuses {
		if !st.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown status %q", st))
		}
	}
	records, err := s.ledger.QueryByQueue(ctx, strings.ToUpper(queueName), statuses...)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *service) Release(ctx context.Context, req ReleaseRequest) (*models.AuditRecord, error) {
	ctx = s.logg.WithMessageID(ctx, req.MessageID)
	current, err := s.ledger.Get(ctx, req.MessageID)
	if err != nil {
		return nil, err
	}
	if current.Status != enums.AuditStatusFailed {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only Failed records can be released").
			WithDetails(map[string]any{"message_id": req.MessageID, "status": current.Status})
	}

	details := fmt.Sprintf("released by %s: %s", req.Actor, req.Reason)
	if current.ErrorDetails != nil && *current.ErrorDetails != "" {
		details = *current.ErrorDetails + "; " + details
	}
	err = s.ledger.UpdateStatus(ctx, req.MessageID, enums.AuditStatusNotProcessed, ledger.Fields{
		ErrorDetails: ledger.String(details),
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"actor":      req.Actor,
		"queue_name": current.QueueName,
		"filename":   current.Filename,
	}), "failed record released")
	return s.ledger.Get(ctx, req.MessageID)
}

func sortNewestFirst(records []models.AuditRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
