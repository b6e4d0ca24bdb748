package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryKeepsOrderAndCopies(t *testing.T) {
	registry := NewRegistry()
	retention := &stubJob{name: "ledger-retention"}
	other := &stubJob{name: "other"}
	if err := registry.Register(retention); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(other); err != nil {
		t.Fatalf("register: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 || jobs[0] != retention || jobs[1] != other {
		t.Fatalf("unexpected jobs %v", jobs)
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
}

func TestRegistryRejectsInvalidJobs(t *testing.T) {
	registry := NewRegistry(&stubJob{name: "ledger-retention"})
	if err := registry.Register(&stubJob{name: "ledger-retention"}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
	if err := registry.Register(&stubJob{name: "  "}); err == nil {
		t.Fatalf("expected blank name error")
	}
	if err := registry.Register(nil); err == nil {
		t.Fatalf("expected nil job error")
	}
	if got := len(registry.Jobs()); got != 1 {
		t.Fatalf("expected 1 job, got %d", got)
	}
}

func TestNewRegistrySkipsDuplicates(t *testing.T) {
	first := &stubJob{name: "a"}
	registry := NewRegistry(first, nil, &stubJob{name: "a"})
	jobs := registry.Jobs()
	if len(jobs) != 1 || jobs[0] != first {
		t.Fatalf("expected only the first job, got %v", jobs)
	}
}
