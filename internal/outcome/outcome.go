package outcome

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/angelmondragon/immsbatch/pkg/enums"
)

// RowIDSeparator joins the ledger message id and the 1-based row number.
const RowIDSeparator = "^"

// Batch is one message on the outcome topic. All entries belong to the file
// identified by MessageID, which is also the message's ordering key.
type Batch struct {
	FileKey     string  `json:"file_key" validate:"required"`
	MessageID   string  `json:"message_id" validate:"required"`
	Supplier    string  `json:"supplier" validate:"required"`
	VaccineType string  `json:"vaccine_type" validate:"required"`
	CreatedAt   string  `json:"created_at" validate:"required"`
	Entries     []Entry `json:"entries" validate:"required,min=1,dive"`
}

// Entry is the wire form of a single outcome. Use Batch.Outcomes to obtain the typed variants.
type Entry struct {
	Kind               enums.OutcomeKind `json:"kind" validate:"required,oneof=success failure eof"`
	RowID              string            `json:"row_id" validate:"required"`
	LocalID            string            `json:"local_id,omitempty"`
	IMMSID             string            `json:"imms_id,omitempty"`
	OperationRequested string            `json:"operation_requested,omitempty"`
	Diagnostics        string            `json:"diagnostics,omitempty"`
}

// Outcome is implemented by RowSuccess, RowFailure and EOFSentinel.
type Outcome interface {
	Kind() enums.OutcomeKind
	MessageID() string
}

// RowSuccess reports a row accepted downstream.
type RowSuccess struct {
	RowID              string
	LocalID            string
	IMMSID             string
	OperationRequested string
	CreatedAt          string
}

// RowFailure reports a row that failed conversion or forwarding.
type RowFailure struct {
	RowID              string
	LocalID            string
	OperationRequested string
	CreatedAt          string
	Diagnostics        string
}

// EOFSentinel announces that no further row outcomes follow for the file.
type EOFSentinel struct {
	FileKey     string
	Supplier    string
	VaccineType string
	CreatedAt   string
	LedgerID    string
	TotalRows   int
}

func (RowSuccess) Kind() enums.OutcomeKind  { return enums.OutcomeKindSuccess }
func (RowFailure) Kind() enums.OutcomeKind  { return enums.OutcomeKindFailure }
func (EOFSentinel) Kind() enums.OutcomeKind { return enums.OutcomeKindEOF }

func (r RowSuccess) MessageID() string  { return ledgerIDOf(r.RowID) }
func (r RowFailure) MessageID() string  { return ledgerIDOf(r.RowID) }
func (e EOFSentinel) MessageID() string { return e.LedgerID }

// RowID renders the EOF marker row id, "<ledger-id>^<total>".
func (e EOFSentinel) RowID() string {
	return RowID(e.LedgerID, e.TotalRows)
}

// RowID builds the identifier of the n-th row of a file.
func RowID(messageID string, n int) string {
	return messageID + RowIDSeparator + strconv.Itoa(n)
}

// SplitRowID separates a row id into its ledger id and numeric suffix.
func SplitRowID(rowID string) (string, int, error) {
	idx := strings.LastIndex(rowID, RowIDSeparator)
	if idx <= 0 || idx == len(rowID)-1 {
		return "", 0, fmt.Errorf("row id %q is not <message_id>^<n>", rowID)
	}
	n, err := strconv.Atoi(rowID[idx+1:])
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("row id %q has non-numeric suffix", rowID)
	}
	return rowID[:idx], n, nil
}

func ledgerIDOf(rowID string) string {
	id, _, err := SplitRowID(rowID)
	if err != nil {
		return rowID
	}
	return id
}

// Outcomes converts the wire entries into typed variants.
func (b Batch) Outcomes() ([]Outcome, error) {
	out := make([]Outcome, 0, len(b.Entries))
	for i, e := range b.Entries {
		switch e.Kind {
		case enums.OutcomeKindSuccess:
			out = append(out, RowSuccess{
				RowID:              e.RowID,
				LocalID:            e.LocalID,
				IMMSID:             e.IMMSID,
				OperationRequested: e.OperationRequested,
				CreatedAt:          b.CreatedAt,
			})
		case enums.OutcomeKindFailure:
			out = append(out, RowFailure{
				RowID:              e.RowID,
				LocalID:            e.LocalID,
				OperationRequested: e.OperationRequested,
				CreatedAt:          b.CreatedAt,
				Diagnostics:        e.Diagnostics,
			})
		case enums.OutcomeKindEOF:
			id, total, err := SplitRowID(e.RowID)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			out = append(out, EOFSentinel{
				FileKey:     b.FileKey,
				Supplier:    b.Supplier,
				VaccineType: b.VaccineType,
				CreatedAt:   b.CreatedAt,
				LedgerID:    id,
				TotalRows:   total,
			})
		default:
			return nil, fmt.Errorf("entry %d: unknown kind %q", i, e.Kind)
		}
	}
	return out, nil
}

// SuccessEntry builds the wire entry for a successful row.
func SuccessEntry(rowID, localID, immsID string, op enums.Operation) Entry {
	return Entry{Kind: enums.OutcomeKindSuccess, RowID: rowID, LocalID: localID, IMMSID: immsID, OperationRequested: string(op)}
}

// FailureEntry builds the wire entry for a failed row.
func FailureEntry(rowID, localID string, op enums.Operation, diagnostics string) Entry {
	return Entry{Kind: enums.OutcomeKindFailure, RowID: rowID, LocalID: localID, OperationRequested: string(op), Diagnostics: diagnostics}
}

// EOFEntry builds the sentinel entry closing a file of total rows.
func EOFEntry(messageID string, total int) Entry {
	return Entry{Kind: enums.OutcomeKindEOF, RowID: RowID(messageID, total)}
}
