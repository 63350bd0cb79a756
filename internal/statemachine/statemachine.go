// Package statemachine is a pure validation layer over the store's
// transition operation (spec §4.2). It owns the transition tables for tasks
// and steps and refuses any (from, to) pair not listed. It performs no I/O:
// guards run inside the store's transaction so validation and durability
// commit atomically, and the processor id attached to every transition is
// recorded for audit only — it is never part of the compare-and-swap
// predicate (spec §9, "audit without enforcement").
package statemachine

import (
	"fmt"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

// taskTransitions is the adjacency list of legal (from, to) task moves,
// mirroring the lifecycle in spec §3 plus the waiting substates.
var taskTransitions = map[domain.TaskState]map[domain.TaskState]bool{
	domain.TaskPending: {
		domain.TaskInitializing: true,
		domain.TaskCancelled:    true,
	},
	domain.TaskInitializing: {
		domain.TaskEnqueuingSteps: true,
		domain.TaskError:          true,
		domain.TaskCancelled:      true,
	},
	domain.TaskEnqueuingSteps: {
		domain.TaskStepsInProcess: true,
		domain.TaskError:          true,
		domain.TaskCancelled:      true,
	},
	domain.TaskStepsInProcess: {
		domain.TaskEvaluatingResults:      true,
		domain.TaskWaitingForDependencies: true,
		domain.TaskWaitingForRetry:        true,
		domain.TaskBlockedByFailures:      true,
		domain.TaskCancelled:              true,
	},
	domain.TaskWaitingForDependencies: {
		domain.TaskStepsInProcess:    true,
		domain.TaskEvaluatingResults: true,
		domain.TaskCancelled:         true,
	},
	domain.TaskWaitingForRetry: {
		domain.TaskStepsInProcess:    true,
		domain.TaskEvaluatingResults: true,
		domain.TaskCancelled:         true,
	},
	domain.TaskBlockedByFailures: {
		domain.TaskError:            true,
		domain.TaskResolvedManually: true,
		domain.TaskStepsInProcess:   true, // operator retries a blocked task
		domain.TaskCancelled:        true,
	},
	domain.TaskEvaluatingResults: {
		domain.TaskComplete:          true,
		domain.TaskError:             true,
		domain.TaskBlockedByFailures: true,
		domain.TaskStepsInProcess:    true, // more steps became ready
		domain.TaskCancelled:         true,
	},
	// Terminal states admit no further transitions except operator
	// resolution, which is itself a terminal-to-terminal administrative
	// move outside the pipeline.
	domain.TaskComplete:         {},
	domain.TaskError:            {domain.TaskResolvedManually: true},
	domain.TaskCancelled:        {},
	domain.TaskResolvedManually: {},
}

// stepTransitions is the adjacency list of legal (from, to) step moves
// (spec §3), including the failure branch back to Pending for re-enqueue.
var stepTransitions = map[domain.StepState]map[domain.StepState]bool{
	domain.StepPending: {
		domain.StepEnqueued: true,
		domain.StepSkipped:  true,
		domain.StepError:    true, // decision expansion marks INVALID_DECISION directly
	},
	domain.StepEnqueued: {
		domain.StepInProgress: true,
		domain.StepPending:    true, // nack / requeue before a worker claims it
	},
	domain.StepInProgress: {
		domain.StepEnqueuedForOrchestration:        true,
		domain.StepEnqueuedAsErrorForOrchestration: true,
		domain.StepWaitingForRetry:                 true, // staleness sweep, direct
		domain.StepInProgress:                      true, // checkpoint_yield re-dispatch
	},
	domain.StepEnqueuedForOrchestration: {
		domain.StepComplete: true,
	},
	domain.StepEnqueuedAsErrorForOrchestration: {
		domain.StepWaitingForRetry: true,
		domain.StepError:           true,
	},
	domain.StepWaitingForRetry: {
		domain.StepPending: true,
	},
	domain.StepComplete: {},
	domain.StepError:    {},
	domain.StepSkipped:  {},
	// StepBlocked admits only the dynamic-shape unblock move: a decision
	// or batch expansion wiring an edge to this step (spec §4.6).
	domain.StepBlocked: {
		domain.StepPending: true,
	},
}

// ValidateTaskTransition returns nil if from -> to is a legal task move, or
// an error naming the illegal pair otherwise. It performs no I/O; the caller
// is expected to run this check inside the same transaction as the CAS
// update and transition-record insert.
func ValidateTaskTransition(from, to domain.TaskState) error {
	allowed, ok := taskTransitions[from]
	if !ok {
		return fmt.Errorf("statemachine: unknown task state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("statemachine: illegal task transition %s -> %s", from, to)
	}
	return nil
}

// ValidateStepTransition returns nil if from -> to is a legal step move.
func ValidateStepTransition(from, to domain.StepState) error {
	allowed, ok := stepTransitions[from]
	if !ok {
		return fmt.Errorf("statemachine: unknown step state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("statemachine: illegal step transition %s -> %s", from, to)
	}
	return nil
}

// TaskTransitionsFrom exposes the legal next-states for a task state, used
// by the admin façade to render valid operator actions.
func TaskTransitionsFrom(from domain.TaskState) []domain.TaskState {
	out := make([]domain.TaskState, 0, len(taskTransitions[from]))
	for s := range taskTransitions[from] {
		out = append(out, s)
	}
	return out
}

// StepTransitionsFrom exposes the legal next-states for a step state.
func StepTransitionsFrom(from domain.StepState) []domain.StepState {
	out := make([]domain.StepState, 0, len(stepTransitions[from]))
	for s := range stepTransitions[from] {
		out = append(out, s)
	}
	return out
}
