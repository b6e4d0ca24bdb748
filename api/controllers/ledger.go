package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/immsbatch/api/middleware"
	"github.com/angelmondragon/immsbatch/api/responses"
	"github.com/angelmondragon/immsbatch/api/validators"
	"github.com/angelmondragon/immsbatch/internal/ops"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
	"github.com/angelmondragon/immsbatch/pkg/logger"
)

type releaseRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// LedgerRecord returns one audit record by ledger id.
func LedgerRecord(svc ops.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		id := strings.TrimSpace(chi.URLParam(r, "messageId"))
		if id == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "message id is required"))
			return
		}
		rec, err := svc.Record(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, rec)
	}
}

// LedgerRelease moves a Failed record to NotProcessed so its queue admits files again.
func LedgerRelease(svc ops.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}
		id := strings.TrimSpace(chi.URLParam(r, "messageId"))
		if id == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "message id is required"))
			return
		}
		var body releaseRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rec, err := svc.Release(r.Context(), ops.ReleaseRequest{
			MessageID: id,
			Actor:     middleware.SubjectFromContext(r.Context()),
			Reason:    strings.TrimSpace(body.Reason),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, rec)
	}
}

// LedgerByFilename lists every attempt recorded for a filename, newest first.
func LedgerByFilename(svc ops.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filename, err := validators.RequiredQuery(r, "filename")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		recs, err := svc.ByFilename(r.Context(), filename)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteList(w, recs)
	}
}

// QueueRecords lists a queue's records, optionally filtered by ?status=.
func QueueRecords(svc ops.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := strings.TrimSpace(chi.URLParam(r, "queueName"))
		statuses, err := validators.ParseQueryStatuses(r, "status")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		recs, err := svc.ByQueue(r.Context(), queue, statuses, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteList(w, recs)
	}
}
