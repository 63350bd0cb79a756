package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/tasker-systems/tasker-core/internal/dlq"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/dynamic"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/retry"
	"github.com/tasker-systems/tasker-core/internal/store"
	"github.com/tasker-systems/tasker-core/internal/store/memstore"
)

func seedInProgressStep(t *testing.T, st *memstore.Store, maxAttempts int, retryable bool) (domain.Task, domain.Step) {
	t.Helper()
	tmpl := domain.TaskTemplate{Namespace: "ns", Name: "tmpl", Version: 1,
		Steps: []domain.StepDef{{Name: "a", Kind: domain.StepKindOrdinary, HandlerName: "h.a", MaxAttempts: maxAttempts, Retryable: retryable}},
	}
	if err := st.PutTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	res, err := st.BeginTask(context.Background(), domain.TaskRequest{Namespace: "ns", TemplateName: "tmpl", IdentityStrategy: domain.IdentityAlwaysUnique}, tmpl, "h")
	if err != nil {
		t.Fatalf("begin task: %v", err)
	}
	step := res.Steps[0]
	for _, from := range []domain.StepState{domain.StepPending, domain.StepEnqueued} {
		to := domain.StepEnqueued
		if from == domain.StepEnqueued {
			to = domain.StepInProgress
		}
		if _, err := st.Transition(context.Background(), store.TransitionRequest{
			EntityKind: domain.EntityStep, EntityID: step.ID, TaskID: step.TaskID, From: string(from), To: string(to), By: "test",
		}); err != nil {
			t.Fatalf("transition %s->%s: %v", from, to, err)
		}
	}
	step, err = st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	return res.Task, step
}

func newTestProcessor(st *memstore.Store, blockCodes map[string]bool) *ResultProcessor {
	classifier := retry.NewClassifier(domain.DefaultRetryPolicy())
	dlqRouter := dlq.NewRouter(st, logger.NewNop())
	decisions := dynamic.NewDecisionExpander(st, logger.NewNop())
	batches := dynamic.NewBatchSpawner(st, logger.NewNop())
	return NewResultProcessor(st, classifier, dlqRouter, decisions, batches, nil, logger.NewNop(), blockCodes)
}

func TestResultProcessor_SuccessMovesStepToComplete(t *testing.T) {
	st := memstore.New(time.Now)
	_, step := seedInProgressStep(t, st, 3, true)
	p := newTestProcessor(st, nil)

	result := domain.StepResult{TaskID: step.TaskID, StepID: step.ID, Attempt: 1, Outcome: domain.Outcome{Success: &domain.SuccessOutcome{Payload: []byte(`{}`)}}}
	if err := p.ProcessResult(context.Background(), result, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.StepComplete {
		t.Fatalf("expected step to reach complete, got %s", got.State)
	}
}

func TestResultProcessor_RetryableFailureSchedulesRetry(t *testing.T) {
	st := memstore.New(time.Now)
	_, step := seedInProgressStep(t, st, 5, true)
	p := newTestProcessor(st, nil)

	result := domain.StepResult{TaskID: step.TaskID, StepID: step.ID, Attempt: 1, Outcome: domain.Outcome{Failure: &domain.FailureOutcome{Classification: "retryable", ErrorCode: "TIMEOUT"}}}
	if err := p.ProcessResult(context.Background(), result, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.StepWaitingForRetry {
		t.Fatalf("expected step to wait for retry, got %s", got.State)
	}
}

func TestResultProcessor_PermanentFailureRoutesToDLQ(t *testing.T) {
	st := memstore.New(time.Now)
	_, step := seedInProgressStep(t, st, 5, true)
	p := newTestProcessor(st, nil)

	result := domain.StepResult{TaskID: step.TaskID, StepID: step.ID, Attempt: 1, Outcome: domain.Outcome{Failure: &domain.FailureOutcome{Classification: "permanent", ErrorCode: "BAD_INPUT"}}}
	if err := p.ProcessResult(context.Background(), result, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.StepError {
		t.Fatalf("expected step to reach error, got %s", got.State)
	}
	entries, err := st.ListDLQEntries(context.Background(), "ns", "", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one dlq entry, got %d", len(entries))
	}
}

func TestResultProcessor_BlockTaskCodeBlocksTheWholeTask(t *testing.T) {
	st := memstore.New(time.Now)
	task, step := seedInProgressStep(t, st, 5, true)
	chain := []domain.TaskState{domain.TaskPending, domain.TaskInitializing, domain.TaskEnqueuingSteps, domain.TaskStepsInProcess}
	for i := 0; i < len(chain)-1; i++ {
		if _, err := st.Transition(context.Background(), store.TransitionRequest{
			EntityKind: domain.EntityTask, EntityID: task.ID, TaskID: task.ID,
			From: string(chain[i]), To: string(chain[i+1]), By: "test",
		}); err != nil {
			t.Fatalf("promoting task %s->%s: %v", chain[i], chain[i+1], err)
		}
	}
	p := newTestProcessor(st, map[string]bool{"DB_DOWN": true})

	result := domain.StepResult{TaskID: step.TaskID, StepID: step.ID, Attempt: 1, Outcome: domain.Outcome{Failure: &domain.FailureOutcome{Classification: "retryable", ErrorCode: "DB_DOWN"}}}
	if err := p.ProcessResult(context.Background(), result, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotTask, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTask.State != domain.TaskBlockedByFailures {
		t.Fatalf("expected task to be blocked by failures, got %s", gotTask.State)
	}
}

func TestResultProcessor_AttemptsCounterPersistsAcrossRetriesUntilExhaustion(t *testing.T) {
	st := memstore.New(time.Now)
	_, step := seedInProgressStep(t, st, 2, true) // attempts=1 after seeding's Pending->Enqueued
	p := newTestProcessor(st, nil)

	failure := domain.Outcome{Failure: &domain.FailureOutcome{Classification: "retryable", ErrorCode: "TIMEOUT"}}

	// First failure: attempts=1 < max=2, so it retries.
	if err := p.ProcessResult(context.Background(), domain.StepResult{TaskID: step.TaskID, StepID: step.ID, Attempt: 1, Outcome: failure}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.StepWaitingForRetry {
		t.Fatalf("expected waiting_for_retry after first failure, got %s", got.State)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1 after one dispatch, got %d", got.Attempts)
	}

	// Drive the step back through a second dispatch, as the real step
	// enqueuer and a worker claim would: WaitingForRetry -> Pending ->
	// Enqueued (bumps attempts to 2) -> InProgress.
	for _, step2 := range []struct{ from, to domain.StepState }{
		{domain.StepWaitingForRetry, domain.StepPending},
		{domain.StepPending, domain.StepEnqueued},
		{domain.StepEnqueued, domain.StepInProgress},
	} {
		if _, err := st.Transition(context.Background(), store.TransitionRequest{
			EntityKind: domain.EntityStep, EntityID: got.ID, TaskID: got.TaskID,
			From: string(step2.from), To: string(step2.to), By: "test",
		}); err != nil {
			t.Fatalf("transition %s->%s: %v", step2.from, step2.to, err)
		}
	}
	got, err = st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected attempts=2 after second dispatch, got %d", got.Attempts)
	}

	// Second failure: attempts=2 >= max=2, so the classifier exhausts
	// retries and the step goes permanently Error, not another retry loop.
	if err := p.ProcessResult(context.Background(), domain.StepResult{TaskID: step.TaskID, StepID: step.ID, Attempt: 2, Outcome: failure}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err = st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.StepError {
		t.Fatalf("expected step to be permanently failed once attempts reach max_attempts, got %s", got.State)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected attempts to remain 2 (no further dispatch), got %d", got.Attempts)
	}
}

func TestResultProcessor_DiscardsResultForAlreadyTerminalTask(t *testing.T) {
	st := memstore.New(time.Now)
	task, step := seedInProgressStep(t, st, 5, true)
	if _, err := st.Transition(context.Background(), store.TransitionRequest{
		EntityKind: domain.EntityTask, EntityID: task.ID, TaskID: task.ID,
		From: string(task.State), To: string(domain.TaskCancelled), By: "operator",
	}); err != nil {
		t.Fatalf("cancelling task: %v", err)
	}
	p := newTestProcessor(st, nil)

	result := domain.StepResult{TaskID: step.TaskID, StepID: step.ID, Attempt: 1, Outcome: domain.Outcome{Success: &domain.SuccessOutcome{Payload: []byte(`{}`)}}}
	if err := p.ProcessResult(context.Background(), result, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := st.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.StepInProgress {
		t.Fatalf("expected the step's state machine to be left untouched after a terminal task discard, got %s", got.State)
	}
}
