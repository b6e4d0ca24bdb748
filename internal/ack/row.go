package ack

import "github.com/angelmondragon/immsbatch/internal/outcome"

// Columns is the fixed acknowledgement header, in file order.
var Columns = []string{
	"MESSAGE_HEADER_ID",
	"HEADER_RESPONSE_CODE",
	"ISSUE_SEVERITY",
	"ISSUE_CODE",
	"ISSUE_DETAILS_CODE",
	"RESPONSE_TYPE",
	"RESPONSE_CODE",
	"RESPONSE_DISPLAY",
	"RECEIVED_TIME",
	"MAILBOX_FROM",
	"LOCAL_ID",
	"IMMS_ID",
	"OPERATION_OUTCOME",
	"MESSAGE_DELIVERY",
}

const (
	headerOK          = "OK"
	headerFatal       = "Fatal Error"
	headerFailure     = "Failure"
	severityInfo      = "Information"
	severityFatal     = "Fatal"
	responseBusiness  = "Business"
	responseTechnical = "Technical"
	deliveryTrue      = "True"
	deliveryFalse     = "False"

	displaySuccess       = "Success"
	displayBusinessError = "Business Level Response Value - Processing Error"
	displayInfraError    = "Infrastructure Level Response Value - Processing Error"
)

// Row is one acknowledgement line. Rows are values and never mutated once built.
type Row struct {
	MessageHeaderID    string
	HeaderResponseCode string
	IssueSeverity      string
	IssueCode          string
	IssueDetailsCode   string
	ResponseType       string
	ResponseCode       string
	ResponseDisplay    string
	ReceivedTime       string
	MailboxFrom        string
	LocalID            string
	IMMSID             string
	OperationOutcome   string
	MessageDelivery    string
}

// FromSuccess converts a successful row outcome. The result depends only on its input.
func FromSuccess(s outcome.RowSuccess) Row {
	return Row{
		MessageHeaderID:    s.RowID,
		HeaderResponseCode: headerOK,
		IssueSeverity:      severityInfo,
		IssueCode:          headerOK,
		IssueDetailsCode:   "30001",
		ResponseType:       responseBusiness,
		ResponseCode:       "30001",
		ResponseDisplay:    displaySuccess,
		ReceivedTime:       s.CreatedAt,
		LocalID:            s.LocalID,
		IMMSID:             s.IMMSID,
		MessageDelivery:    deliveryTrue,
	}
}

// FromFailure converts a failed row outcome.
func FromFailure(f outcome.RowFailure) Row {
	return Row{
		MessageHeaderID:    f.RowID,
		HeaderResponseCode: headerFatal,
		IssueSeverity:      severityFatal,
		IssueCode:          headerFatal,
		IssueDetailsCode:   "30002",
		ResponseType:       responseBusiness,
		ResponseCode:       "30002",
		ResponseDisplay:    displayBusinessError,
		ReceivedTime:       f.CreatedAt,
		LocalID:            f.LocalID,
		OperationOutcome:   f.Diagnostics,
		MessageDelivery:    deliveryFalse,
	}
}

// FileFailure is the single summary row written when a whole file is rejected.
func FileFailure(messageID, createdAt, reason string) Row {
	return Row{
		MessageHeaderID:    messageID,
		HeaderResponseCode: headerFailure,
		IssueSeverity:      severityFatal,
		IssueCode:          headerFatal,
		IssueDetailsCode:   "10001",
		ResponseType:       responseTechnical,
		ResponseCode:       "10002",
		ResponseDisplay:    displayInfraError,
		ReceivedTime:       createdAt,
		OperationOutcome:   reason,
		MessageDelivery:    deliveryFalse,
	}
}

// FromOutcome converts a row outcome; ok is false for the EOF sentinel.
func FromOutcome(o outcome.Outcome) (Row, bool) {
	switch v := o.(type) {
	case outcome.RowSuccess:
		return FromSuccess(v), true
	case outcome.RowFailure:
		return FromFailure(v), true
	default:
		return Row{}, false
	}
}

// IsSuccess reports whether the row counts toward records_succeeded.
func (r Row) IsSuccess() bool {
	return r.HeaderResponseCode == headerOK
}

func (r Row) values() []string {
	return []string{
		r.MessageHeaderID,
		r.HeaderResponseCode,
		r.IssueSeverity,
		r.IssueCode,
		r.IssueDetailsCode,
		r.ResponseType,
		r.ResponseCode,
		r.ResponseDisplay,
		r.ReceivedTime,
		r.MailboxFrom,
		r.LocalID,
		r.IMMSID,
		r.OperationOutcome,
		r.MessageDelivery,
	}
}

func rowFromValues(v []string) Row {
	return Row{
		MessageHeaderID:    v[0],
		HeaderResponseCode: v[1],
		IssueSeverity:      v[2],
		IssueCode:          v[3],
		IssueDetailsCode:   v[4],
		ResponseType:       v[5],
		ResponseCode:       v[6],
		ResponseDisplay:    v[7],
		ReceivedTime:       v[8],
		MailboxFrom:        v[9],
		LocalID:            v[10],
		IMMSID:             v[11],
		OperationOutcome:   v[12],
		MessageDelivery:    v[13],
	}
}
