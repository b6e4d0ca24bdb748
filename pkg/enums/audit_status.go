package enums

import "fmt"

// AuditStatus tracks a file-processing attempt through the ledger.
type AuditStatus string

const (
	AuditStatusQueued       AuditStatus = "Queued"
	AuditStatusProcessing   AuditStatus = "Processing"
	AuditStatusPreprocessed AuditStatus = "Preprocessed"
	AuditStatusProcessed    AuditStatus = "Processed"
	AuditStatusFailed       AuditStatus = "Failed"
	AuditStatusNotProcessed AuditStatus = "NotProcessed"
)

var validAuditStatuses = []AuditStatus{
	AuditStatusQueued,
	AuditStatusProcessing,
	AuditStatusPreprocessed,
	AuditStatusProcessed,
	AuditStatusFailed,
	AuditStatusNotProcessed,
}

// auditPredecessors lists, per target status, the statuses a record may move from.
// Failed -> NotProcessed is the operator release path.
var auditPredecessors = map[AuditStatus][]AuditStatus{
	AuditStatusProcessing:   {AuditStatusQueued},
	AuditStatusPreprocessed: {AuditStatusProcessing},
	AuditStatusProcessed:    {AuditStatusPreprocessed},
	AuditStatusFailed:       {AuditStatusQueued, AuditStatusProcessing, AuditStatusPreprocessed},
	AuditStatusNotProcessed: {AuditStatusQueued, AuditStatusFailed},
}

// DuplicateStatuses mark a filename as already taken.
var DuplicateStatuses = []AuditStatus{
	AuditStatusProcessed,
	AuditStatusPreprocessed,
	AuditStatusProcessing,
}

// BusyStatuses mark a queue as occupied.
var BusyStatuses = []AuditStatus{
	AuditStatusProcessing,
	AuditStatusFailed,
}

// String returns the literal string for the status.
func (s AuditStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is known.
func (s AuditStatus) IsValid() bool {
	for _, candidate := range validAuditStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// In reports whether the status is a member of set.
func (s AuditStatus) In(set []AuditStatus) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which a record may transition into s.
func (s AuditStatus) Predecessors() []AuditStatus {
	return auditPredecessors[s]
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
func (s AuditStatus) CanTransitionTo(next AuditStatus) bool {
	return s.In(auditPredecessors[next])
}

// ParseAuditStatus converts raw input into an AuditStatus.
func ParseAuditStatus(value string) (AuditStatus, error) {
	for _, candidate := range validAuditStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit status %q", value)
}
