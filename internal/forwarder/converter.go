package forwarder

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/immsbatch/internal/filekey"
	"github.com/angelmondragon/immsbatch/pkg/enums"
	pkgerrors "github.com/angelmondragon/immsbatch/pkg/errors"
)

const (
	ColumnUniqueID    = "UNIQUE_ID"
	ColumnUniqueIDURI = "UNIQUE_ID_URI"
	ColumnActionFlag  = "ACTION_FLAG"
)

// RequiredColumns must appear in every source header.
var RequiredColumns = []string{ColumnUniqueID, ColumnUniqueIDURI, ColumnActionFlag}

var actionFlags = map[string]enums.Operation{
	"NEW":    enums.OperationCreate,
	"CREATE": enums.OperationCreate,
	"UPDATE": enums.OperationUpdate,
	"DELETE": enums.OperationDelete,
}

// Row is one parsed source line.
type Row struct {
	RowID    string
	Number   int
	Header   []string
	Values   []string
	Identity filekey.FileIdentity
}

// Field returns the value under column, or "" when absent.
func (r Row) Field(column string) string {
	for i, h := range r.Header {
		if h == column && i < len(r.Values) {
			return strings.TrimSpace(r.Values[i])
		}
	}
	return ""
}

// Event is the canonical record sent downstream.
type Event struct {
	RowID        string            `json:"row_id"`
	Operation    enums.Operation   `json:"operation"`
	LocalID      string            `json:"local_id"`
	VaccineType  string            `json:"vaccine_type"`
	Supplier     string            `json:"supplier"`
	PartitionKey string            `json:"partition_key"`
	Fields       map[string]string `json:"fields"`
}

// Converter turns a source row into a canonical event. Errors are row-level.
type Converter interface {
	Convert(ctx context.Context, row Row) (Event, error)
}

// LocalID is the supplier's identifier of the record, "{UNIQUE_ID}^{UNIQUE_ID_URI}".
func LocalID(row Row) string {
	id, uri := row.Field(ColumnUniqueID), row.Field(ColumnUniqueIDURI)
	if id == "" && uri == "" {
		return ""
	}
	return id + "^" + uri
}

// PassthroughConverter copies every column into the event after checking
// identifiers, the action flag and the supplier's permission for it.
type PassthroughConverter struct{}

// Convert implements Converter.
func (PassthroughConverter) Convert(_ context.Context, row Row) (Event, error) {
	if len(row.Values) != len(row.Header) {
		return Event{}, conversionError(fmt.Sprintf("row has %d fields, header has %d", len(row.Values), len(row.Header)))
	}
	if row.Field(ColumnUniqueID) == "" || row.Field(ColumnUniqueIDURI) == "" {
		return Event{}, conversionError("UNIQUE_ID or UNIQUE_ID_URI is missing")
	}
	flag := strings.ToUpper(row.Field(ColumnActionFlag))
	op, ok := actionFlags[flag]
	if !ok {
		return Event{}, conversionError(fmt.Sprintf("invalid ACTION_FLAG %q", row.Field(ColumnActionFlag)))
	}
	if !row.Identity.Allows(op) {
		return Event{}, conversionError(fmt.Sprintf("no permissions for requested operation %s", op))
	}

	fields := make(map[string]string, len(row.Header))
	for i, h := range row.Header {
		fields[h] = row.Values[i]
	}
	return Event{
		RowID:        row.RowID,
		Operation:    op,
		LocalID:      LocalID(row),
		VaccineType:  row.Identity.VaccineType,
		Supplier:     row.Identity.Supplier,
		PartitionKey: row.Identity.QueueName(),
		Fields:       fields,
	}, nil
}

// RequestedOperation reads the action flag without validating it, for failure outcomes.
func RequestedOperation(row Row) enums.Operation {
	return actionFlags[strings.ToUpper(row.Field(ColumnActionFlag))]
}

func conversionError(msg string) error {
	return pkgerrors.New(pkgerrors.CodeConversion, msg)
}
