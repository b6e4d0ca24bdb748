package enums

import "testing"

func TestAuditStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to AuditStatus }{
		{AuditStatusQueued, AuditStatusProcessing},
		{AuditStatusProcessing, AuditStatusPreprocessed},
		{AuditStatusPreprocessed, AuditStatusProcessed},
		{AuditStatusProcessing, AuditStatusFailed},
		{AuditStatusPreprocessed, AuditStatusFailed},
		{AuditStatusQueued, AuditStatusNotProcessed},
		{AuditStatusFailed, AuditStatusNotProcessed},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to AuditStatus }{
		{AuditStatusProcessing, AuditStatusQueued},
		{AuditStatusProcessed, AuditStatusQueued},
		{AuditStatusProcessed, AuditStatusFailed},
		{AuditStatusProcessing, AuditStatusProcessed},
		{AuditStatusNotProcessed, AuditStatusProcessing},
		{AuditStatusFailed, AuditStatusProcessing},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestAuditStatusSets(t *testing.T) {
	if !AuditStatusProcessing.In(DuplicateStatuses) || !AuditStatusProcessing.In(BusyStatuses) {
		t.Fatal("processing belongs to both the duplicate and busy sets")
	}
	if AuditStatusFailed.In(DuplicateStatuses) {
		t.Fatal("failed is not a duplicate status")
	}
	if AuditStatusProcessed.In(BusyStatuses) {
		t.Fatal("processed does not occupy the queue")
	}
}

func TestParseAuditStatus(t *testing.T) {
	got, err := ParseAuditStatus("Preprocessed")
	if err != nil || got != AuditStatusPreprocessed {
		t.Fatalf("unexpected parse result %q, %v", got, err)
	}
	if _, err := ParseAuditStatus("preprocessed"); err == nil {
		t.Fatal("expected case-sensitive parse to fail")
	}
}

func TestParseOperation(t *testing.T) {
	got, err := ParseOperation(" update ")
	if err != nil || got != OperationUpdate {
		t.Fatalf("unexpected parse result %q, %v", got, err)
	}
	if _, err := ParseOperation("upsert"); err == nil {
		t.Fatal("expected unknown operation to fail")
	}
}
