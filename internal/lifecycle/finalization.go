package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/events"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// TaskFinalizer implements spec §4.4.d: the idempotent evaluation of whether
// a task's steps collectively mean the task is Complete, Error, or still has
// work to do. It always reads every step fresh from the store rather than
// relying on any counter maintained elsewhere (spec §9).
type TaskFinalizer struct {
	store store.Store
	pub   *events.Publisher
	log   *logger.Logger
}

func NewTaskFinalizer(st store.Store, pub *events.Publisher, log *logger.Logger) *TaskFinalizer {
	if log == nil {
		log = logger.NewNop()
	}
	return &TaskFinalizer{store: st, pub: pub, log: log.With("component", "lifecycle.finalizer")}
}

// Evaluate loads every step of task, decides the task's next state, and
// applies the transition if it differs from the task's current state.
// Calling Evaluate on an already-finalized task is a no-op (spec §4.4.d
// "idempotent finalization").
func (f *TaskFinalizer) Evaluate(ctx context.Context, taskID uuid.UUID) error {
	task, err := f.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State.IsTerminal() {
		return nil
	}

	steps, err := f.store.ListSteps(ctx, taskID)
	if err != nil {
		return err
	}

	verdict := decide(steps)

	switch verdict {
	case verdictComplete:
		return f.transitionAndPublish(ctx, task, domain.TaskComplete, true)
	case verdictError:
		return f.transitionAndPublish(ctx, task, domain.TaskError, false)
	case verdictBlocked:
		if task.State == domain.TaskBlockedByFailures {
			return nil
		}
		return f.transitionAndPublish(ctx, task, domain.TaskBlockedByFailures, false)
	case verdictWaiting:
		if task.State == domain.TaskWaitingForDependencies || task.State == domain.TaskEvaluatingResults {
			return nil
		}
		return f.transitionAndPublish(ctx, task, domain.TaskEvaluatingResults, false)
	case verdictInProgress:
		return nil
	default:
		return fmt.Errorf("unreachable finalization verdict %d", verdict)
	}
}

func (f *TaskFinalizer) transitionAndPublish(ctx context.Context, task domain.Task, to domain.TaskState, success bool) error {
	if task.State == to {
		return nil
	}
	if _, err := f.store.Transition(ctx, store.TransitionRequest{
		EntityKind: domain.EntityTask, EntityID: task.ID, TaskID: task.ID,
		From: string(task.State), To: string(to), By: "task-finalizer",
	}); err != nil {
		return err
	}
	if f.pub == nil {
		return nil
	}
	switch to {
	case domain.TaskComplete:
		f.pub.TaskCompleted(ctx, task)
	case domain.TaskError:
		f.pub.TaskFailed(ctx, task, "one or more steps failed permanently")
	}
	_ = success
	return nil
}

type verdict int

const (
	verdictInProgress verdict = iota
	verdictWaiting
	verdictComplete
	verdictError
	verdictBlocked
)

// decide implements spec §4.4.d's finalization rule over a task's full step
// set:
//   - any step Error and no step still pending work                -> Error
//   - any step Error while other steps are still pending work      -> Blocked
//   - every other step Complete, Skipped or Blocked                -> Complete
//   - any step still pending work (Pending/Enqueued/InProgress/
//     WaitingForRetry/EnqueuedForOrchestration/EnqueuedAsErrorForOrchestration) -> InProgress
// A step still Blocked is a decision branch that no decision routed to, so
// it does not hold the task open. decide never returns verdictWaiting.
func decide(steps []domain.Step) verdict {
	if len(steps) == 0 {
		return verdictInProgress
	}
	hasError := false
	allTerminal := true
	hasPending := false
	for _, s := range steps {
		switch s.State {
		case domain.StepError:
			hasError = true
		case domain.StepComplete, domain.StepSkipped, domain.StepBlocked:
			// terminal success or an unselected branch, no action
		default:
			allTerminal = false
			hasPending = true
		}
	}
	switch {
	case hasError && !hasPending:
		return verdictError
	case hasError && hasPending:
		return verdictBlocked
	case allTerminal:
		return verdictComplete
	default:
		return verdictInProgress
	}
}
