package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store/memstore"
)

func TestRouter_RouteWritesEntryWithSnapshot(t *testing.T) {
	st := memstore.New(time.Now)
	r := NewRouter(st, logger.NewNop())

	task := domain.Task{ID: uuid.New(), Namespace: "ns", Context: []byte(`{"k":"v"}`)}
	step := domain.Step{ID: uuid.New(), TaskID: task.ID, Namespace: "ns", Name: "send_email", Inputs: []byte(`{"to":"a@b.com"}`)}
	failure := domain.FailureOutcome{Message: "smtp down", Classification: "permanent", ErrorCode: "SMTP_DOWN"}

	if err := r.Route(context.Background(), task, step, failure); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := r.List(context.Background(), "ns", "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dlq entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ReasonCode != "SMTP_DOWN" || e.Resolution != domain.DLQUnresolved || e.StepName != "send_email" {
		t.Fatalf("unexpected dlq entry: %+v", e)
	}
}

func TestRouter_ResolveMarksResolvedManually(t *testing.T) {
	st := memstore.New(time.Now)
	r := NewRouter(st, logger.NewNop())

	task := domain.Task{ID: uuid.New(), Namespace: "ns"}
	step := domain.Step{ID: uuid.New(), TaskID: task.ID, Namespace: "ns", Name: "a"}
	if err := r.Route(context.Background(), task, step, domain.FailureOutcome{ErrorCode: "X"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, err := r.List(context.Background(), "ns", "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Resolve(context.Background(), entries[0].ID, "operator@tasker"); err != nil {
		t.Fatalf("unexpected error resolving: %v", err)
	}
	resolved, err := r.List(context.Background(), "ns", domain.DLQResolvedManually, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resolved) != 1 || resolved[0].ResolvedBy != "operator@tasker" {
		t.Fatalf("expected the entry to show up under resolved_manually, got %+v", resolved)
	}
}
