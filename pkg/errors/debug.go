package errors

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/smithy-go"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"google.golang.org/api/googleapi"
)

// ErrorDump flattens an error chain for structured logs. Backend fields are
// filled from the first driver error found: postgres, AWS or Google APIs.
type ErrorDump struct {
	TopMessage string   `json:"top_message"`
	Code       Code     `json:"code,omitempty"`
	Chain      []string `json:"chain,omitempty"`

	Backend       string `json:"backend,omitempty"`
	BackendCode   string `json:"backend_code,omitempty"`
	BackendDetail string `json:"backend_detail,omitempty"`
	Constraint    string `json:"constraint,omitempty"`
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}

	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	var apiErr smithy.APIError
	var gErr *googleapi.Error
	switch {
	case errors.As(err, &pgxErr):
		d.Backend = "postgres"
		d.BackendCode = pgxErr.Code
		d.BackendDetail = pgxErr.Detail
		d.Constraint = pgxErr.ConstraintName
	case errors.As(err, &pqErr):
		d.Backend = "postgres"
		d.BackendCode = string(pqErr.Code)
		d.BackendDetail = pqErr.Detail
		d.Constraint = pqErr.Constraint
	case errors.As(err, &apiErr):
		d.Backend = "aws"
		d.BackendCode = apiErr.ErrorCode()
		d.BackendDetail = apiErr.ErrorMessage()
	case errors.As(err, &gErr):
		d.Backend = "google"
		d.BackendCode = strconv.Itoa(gErr.Code)
		d.BackendDetail = gErr.Message
	}
	return d
}

// Fields returns the non-empty parts of the dump as log fields.
func (d ErrorDump) Fields() map[string]any {
	fields := map[string]any{"error": d.TopMessage}
	if d.Code != "" {
		fields["error_code"] = d.Code
	}
	if len(d.Chain) > 1 {
		fields["error_chain"] = d.Chain
	}
	if d.Backend != "" {
		fields["error_backend"] = d.Backend
		fields["error_backend_code"] = d.BackendCode
	}
	if d.BackendDetail != "" {
		fields["error_backend_detail"] = d.BackendDetail
	}
	if d.Constraint != "" {
		fields["error_constraint"] = d.Constraint
	}
	return fields
}
