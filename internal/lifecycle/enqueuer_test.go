package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/events"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
	"github.com/tasker-systems/tasker-core/internal/store/memstore"
)

func seedPendingStepForEnqueue(t *testing.T, st *memstore.Store) domain.StepSnapshot {
	t.Helper()
	tmpl := domain.TaskTemplate{Namespace: "ns", Name: "tmpl", Version: 1,
		Steps: []domain.StepDef{{Name: "a", Kind: domain.StepKindOrdinary, HandlerName: "h.a", MaxAttempts: 3, Retryable: true}},
	}
	if err := st.PutTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	res, err := st.BeginTask(context.Background(), domain.TaskRequest{Namespace: "ns", TemplateName: "tmpl", IdentityStrategy: domain.IdentityAlwaysUnique}, tmpl, "h")
	if err != nil {
		t.Fatalf("begin task: %v", err)
	}
	ready, err := st.ReadReadySteps(context.Background(), "ns", 10)
	if err != nil || len(ready) != 1 {
		t.Fatalf("expected one ready step, got %+v, err=%v", ready, err)
	}
	_ = res
	return ready[0]
}

func TestStepEnqueuer_EnqueueBatchTransitionsAndSends(t *testing.T) {
	st := memstore.New(time.Now)
	sn := seedPendingStepForEnqueue(t, st)
	m := &fakeMessaging{}
	enq := NewStepEnqueuer(st, m, events.NewPublisher(m, logger.NewNop()), logger.NewNop())

	n, err := enq.EnqueueBatch(context.Background(), []domain.StepSnapshot{sn})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one step enqueued, got %d", n)
	}

	got, err := st.GetStep(context.Background(), sn.Step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.StepEnqueued {
		t.Fatalf("expected step to be enqueued, got %s", got.State)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) != 1 || m.sent[0].queue != "tasker.dispatch.ns" {
		t.Fatalf("expected a single dispatch send to the ns queue, got %+v", m.sent)
	}
	var dispatch domain.StepDispatch
	if err := json.Unmarshal(m.sent[0].payload, &dispatch); err != nil {
		t.Fatalf("unexpected error unmarshaling dispatch payload: %v", err)
	}
	if dispatch.StepID != sn.Step.ID || dispatch.Attempt != 1 {
		t.Fatalf("unexpected dispatch payload: %+v", dispatch)
	}
}

func TestStepEnqueuer_BreakerBypassedStepIsSkipped(t *testing.T) {
	st := memstore.New(time.Now)
	sn := seedPendingStepForEnqueue(t, st)
	sn.Step.BreakerBypass = true
	m := &fakeMessaging{}
	enq := NewStepEnqueuer(st, m, nil, logger.NewNop())

	n, err := enq.EnqueueBatch(context.Background(), []domain.StepSnapshot{sn})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected breaker-bypassed steps to not be enqueued, got %d", n)
	}
	got, err := st.GetStep(context.Background(), sn.Step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.StepPending {
		t.Fatalf("expected step to remain pending, got %s", got.State)
	}
}

func TestStepEnqueuer_RaceLoserIsIdempotentNoOp(t *testing.T) {
	st := memstore.New(time.Now)
	sn := seedPendingStepForEnqueue(t, st)
	m := &fakeMessaging{}
	enq := NewStepEnqueuer(st, m, nil, logger.NewNop())

	if _, err := st.Transition(context.Background(), store.TransitionRequest{
		EntityKind: domain.EntityStep, EntityID: sn.Step.ID, TaskID: sn.TaskID,
		From: string(domain.StepPending), To: string(domain.StepEnqueued), By: "racer",
	}); err != nil {
		t.Fatalf("unexpected error racing the enqueuer: %v", err)
	}

	n, err := enq.EnqueueBatch(context.Background(), []domain.StepSnapshot{sn})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the losing enqueue attempt to report zero enqueued, got %d", n)
	}
}
