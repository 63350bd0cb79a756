package statemachine

import (
	"testing"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

func TestValidateTaskTransition_LegalMove(t *testing.T) {
	if err := ValidateTaskTransition(domain.TaskPending, domain.TaskInitializing); err != nil {
		t.Fatalf("expected legal transition, got error: %v", err)
	}
}

func TestValidateTaskTransition_IllegalMove(t *testing.T) {
	if err := ValidateTaskTransition(domain.TaskPending, domain.TaskComplete); err == nil {
		t.Fatalf("expected error for pending->complete, got nil")
	}
}

func TestValidateTaskTransition_TerminalStatesAdmitNothing(t *testing.T) {
	for _, terminal := range []domain.TaskState{domain.TaskComplete, domain.TaskCancelled, domain.TaskResolvedManually} {
		if err := ValidateTaskTransition(terminal, domain.TaskStepsInProcess); err == nil {
			t.Fatalf("expected %s to admit no further transitions", terminal)
		}
	}
}

func TestValidateTaskTransition_ErrorCanBeResolvedManually(t *testing.T) {
	if err := ValidateTaskTransition(domain.TaskError, domain.TaskResolvedManually); err != nil {
		t.Fatalf("expected error->resolved_manually to be legal, got: %v", err)
	}
}

func TestValidateTaskTransition_AnyNonTerminalCanCancel(t *testing.T) {
	for from := range taskTransitions {
		if from.IsTerminal() {
			continue
		}
		if err := ValidateTaskTransition(from, domain.TaskCancelled); err != nil {
			t.Fatalf("expected %s -> cancelled to be legal, got: %v", from, err)
		}
	}
}

func TestValidateStepTransition_LegalMove(t *testing.T) {
	if err := ValidateStepTransition(domain.StepPending, domain.StepEnqueued); err != nil {
		t.Fatalf("expected legal transition, got error: %v", err)
	}
}

func TestValidateStepTransition_IllegalMove(t *testing.T) {
	if err := ValidateStepTransition(domain.StepComplete, domain.StepPending); err == nil {
		t.Fatalf("expected error for complete->pending, got nil")
	}
}

func TestValidateStepTransition_RetryLoop(t *testing.T) {
	if err := ValidateStepTransition(domain.StepEnqueuedAsErrorForOrchestration, domain.StepWaitingForRetry); err != nil {
		t.Fatalf("expected retry transition to be legal: %v", err)
	}
	if err := ValidateStepTransition(domain.StepWaitingForRetry, domain.StepPending); err != nil {
		t.Fatalf("expected waiting_for_retry -> pending to be legal: %v", err)
	}
}

func TestValidateStepTransition_UnknownFromState(t *testing.T) {
	if err := ValidateStepTransition(domain.StepState("bogus"), domain.StepPending); err == nil {
		t.Fatalf("expected error for unknown from-state")
	}
}

func TestValidateStepTransition_BlockedOnlyUnblocksToPending(t *testing.T) {
	if err := ValidateStepTransition(domain.StepBlocked, domain.StepPending); err != nil {
		t.Fatalf("expected blocked -> pending to be legal: %v", err)
	}
	if err := ValidateStepTransition(domain.StepBlocked, domain.StepEnqueued); err == nil {
		t.Fatalf("expected blocked -> enqueued to be illegal without first unblocking to pending")
	}
}
