package enums

import (
	"fmt"
	"strings"
)

// OutcomeKind tags an entry on the row outcome topic.
type OutcomeKind string

const (
	OutcomeKindSuccess OutcomeKind = "success"
	OutcomeKindFailure OutcomeKind = "failure"
	OutcomeKindEOF     OutcomeKind = "eof"
)

var validOutcomeKinds = []OutcomeKind{
	OutcomeKindSuccess,
	OutcomeKindFailure,
	OutcomeKindEOF,
}

// IsValid reports whether the kind is known.
func (k OutcomeKind) IsValid() bool {
	for _, candidate := range validOutcomeKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

// ParseOutcomeKind converts raw input into an OutcomeKind.
func ParseOutcomeKind(value string) (OutcomeKind, error) {
	for _, candidate := range validOutcomeKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outcome kind %q", value)
}

// Operation is the action a source row requests against the immunisation record.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

var validOperations = []Operation{OperationCreate, OperationUpdate, OperationDelete}

// IsValid reports whether the operation is known.
func (o Operation) IsValid() bool {
	for _, candidate := range validOperations {
		if candidate == o {
			return true
		}
	}
	return false
}

// ParseOperation converts raw input into an Operation, ignoring case.
func ParseOperation(value string) (Operation, error) {
	for _, candidate := range validOperations {
		if string(candidate) == strings.ToUpper(strings.TrimSpace(value)) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid operation %q", value)
}
