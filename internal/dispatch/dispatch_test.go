package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store/memstore"
)

func seedStepForDispatch(t *testing.T, st *memstore.Store) domain.Step {
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
	return res.Steps[0]
}

func TestCore_SubmitAndFetchRoundTrip(t *testing.T) {
	c := NewCore(memstore.New(time.Now), NewRegistry(), logger.NewNop(), 4, 2)
	dispatch := domain.StepDispatch{TaskID: uuid.New(), StepID: uuid.New(), Namespace: "ns", StepName: "h.a", Attempt: 1}
	c.Submit(dispatch)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := c.FetchStep(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Dispatch.StepID != dispatch.StepID {
		t.Fatalf("expected to fetch back the submitted dispatch, got %+v", env.Dispatch)
	}
}

func TestCore_FetchStepReturnsContextErrorWhenEmpty(t *testing.T) {
	c := NewCore(memstore.New(time.Now), NewRegistry(), logger.NewNop(), 4, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.FetchStep(ctx)
	if err == nil {
		t.Fatalf("expected an error from an empty channel once the context expires")
	}
}

func TestCore_SubmitDropsSilentlyWhenChannelFull(t *testing.T) {
	c := NewCore(memstore.New(time.Now), NewRegistry(), logger.NewNop(), 1, 2)
	c.Submit(domain.StepDispatch{StepID: uuid.New()})
	// The second submit should not block even though the channel is full.
	done := make(chan struct{})
	go func() {
		c.Submit(domain.StepDispatch{StepID: uuid.New()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Submit to never block the caller")
	}
}

func TestCore_CompleteStepDeliversToOutcomes(t *testing.T) {
	c := NewCore(memstore.New(time.Now), NewRegistry(), logger.NewNop(), 4, 2)
	envID := uuid.New()
	result := domain.StepResult{StepID: uuid.New(), Attempt: 1, Outcome: domain.Outcome{Success: &domain.SuccessOutcome{Payload: []byte(`{}`)}}}
	c.CompleteStep(context.Background(), envID, result, nil)

	select {
	case got := <-c.Outcomes():
		if got.envelopeID != envID || got.result.StepID != result.StepID {
			t.Fatalf("unexpected completion: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the completion to arrive on Outcomes()")
	}
}

func TestCore_CheckpointYieldPersistsAndResubmits(t *testing.T) {
	st := memstore.New(time.Now)
	step := seedStepForDispatch(t, st)
	c := NewCore(st, NewRegistry(), logger.NewNop(), 4, 2)

	if err := c.CheckpointYield(context.Background(), step.ID, 50, []byte(`{"sum":10}`), 50); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Checkpoint) == 0 {
		t.Fatalf("expected a persisted checkpoint")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := c.FetchStep(ctx)
	if err != nil {
		t.Fatalf("unexpected error fetching the resubmitted envelope: %v", err)
	}
	if env.Dispatch.StepID != step.ID || len(env.Dispatch.Checkpoint) == 0 {
		t.Fatalf("expected the resubmitted dispatch to carry the checkpoint, got %+v", env.Dispatch)
	}
}

func TestRunEnvelope_UnresolvedHandlerProducesPermanentFailure(t *testing.T) {
	c := NewCore(memstore.New(time.Now), NewRegistry(), logger.NewNop(), 4, 2)
	sem := c.Semaphore("ns")
	if err := sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error acquiring semaphore: %v", err)
	}
	env := &Envelope{ID: uuid.New(), Dispatch: domain.StepDispatch{StepID: uuid.New(), StepName: "unregistered.handler"}, EnqueuedAt: time.Now()}
	c.runEnvelope(context.Background(), env, sem)

	select {
	case got := <-c.Outcomes():
		if got.result.Outcome.Failure == nil || got.result.Outcome.Failure.ErrorCode != "HANDLER_NOT_FOUND" {
			t.Fatalf("expected a HANDLER_NOT_FOUND failure outcome, got %+v", got.result.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the unresolved-handler outcome")
	}
}

type panicHandler struct{}

func (panicHandler) HandlerName() string { return "panics.always" }
func (panicHandler) Handle(ctx context.Context, d domain.StepDispatch) domain.Outcome {
	panic("handler exploded")
}

func TestRunEnvelope_HandlerPanicProducesPermanentFailure(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(panicHandler{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := NewCore(memstore.New(time.Now), registry, logger.NewNop(), 4, 2)
	sem := c.Semaphore("ns")
	if err := sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error acquiring semaphore: %v", err)
	}
	env := &Envelope{ID: uuid.New(), Dispatch: domain.StepDispatch{StepID: uuid.New(), StepName: "panics.always"}, EnqueuedAt: time.Now()}
	c.runEnvelope(context.Background(), env, sem)

	select {
	case got := <-c.Outcomes():
		if got.result.Outcome.Failure == nil || got.result.Outcome.Failure.ErrorCode != "HANDLER_PANIC" {
			t.Fatalf("expected a HANDLER_PANIC failure outcome, got %+v", got.result.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the panic-recovery outcome")
	}
}
