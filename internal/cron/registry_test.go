package cron

import (
	"context"
	"testing"
	"time"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryNamesInRegistrationOrder(t *testing.T) {
	registry := NewRegistry(&stubJob{name: "a"})
	registry.Register(&stubJob{name: "b"}, time.Hour)
	registry.Register(nil, time.Hour)

	names := registry.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestRegistryDueHonorsIntervals(t *testing.T) {
	frequent := &stubJob{name: "reconcile"}
	daily := &stubJob{name: "retention"}
	registry := NewRegistry()
	registry.Register(frequent, 15*time.Minute)
	registry.Register(daily, 24*time.Hour)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if due := registry.Due(start); len(due) != 2 {
		t.Fatalf("expected both jobs due on first cycle, got %d", len(due))
	}
	if due := registry.Due(start.Add(5 * time.Minute)); len(due) != 0 {
		t.Fatalf("expected nothing due after 5m, got %d", len(due))
	}
	due := registry.Due(start.Add(15 * time.Minute))
	if len(due) != 1 || due[0] != frequent {
		t.Fatalf("expected only the frequent job due, got %v", due)
	}
	if due := registry.Due(start.Add(24 * time.Hour)); len(due) != 2 {
		t.Fatalf("expected both jobs due after a day, got %d", len(due))
	}
}
