package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/dlq"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/dynamic"
	"github.com/tasker-systems/tasker-core/internal/events"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/retry"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// ResultProcessor implements spec §4.4.c: idempotent result recording, the
// success and failure paths, and the hooks into dynamic-shape expansion for
// decision points and batch analyzers.
type ResultProcessor struct {
	store      store.Store
	classifier retry.Classifier
	dlq        *dlq.Router
	decisions  *dynamic.DecisionExpander
	batches    *dynamic.BatchSpawner
	pub        *events.Publisher
	log        *logger.Logger

	// blockTaskCodes names error codes that cannot be isolated to one step
	// and must instead block the whole task (spec §4.7); configured per
	// deployment, defaults to empty.
	blockTaskCodes map[string]bool
}

func NewResultProcessor(st store.Store, classifier retry.Classifier, dlqRouter *dlq.Router, decisions *dynamic.DecisionExpander, batches *dynamic.BatchSpawner, pub *events.Publisher, log *logger.Logger, blockTaskCodes map[string]bool) *ResultProcessor {
	if log == nil {
		log = logger.NewNop()
	}
	if blockTaskCodes == nil {
		blockTaskCodes = map[string]bool{}
	}
	return &ResultProcessor{
		store: st, classifier: classifier, dlq: dlqRouter, decisions: decisions, batches: batches,
		pub: pub, log: log.With("component", "lifecycle.result_processor"), blockTaskCodes: blockTaskCodes,
	}
}

// ProcessResult implements spec §4.4.c step by step: it is idempotent on
// (step, attempt) via store.RecordResult, then drives the step's state
// machine down the success or failure branch.
func (p *ResultProcessor) ProcessResult(ctx context.Context, result domain.StepResult, branchLookup map[string]uuid.UUID) error {
	if err := p.store.RecordResult(ctx, result); err != nil {
		return fmt.Errorf("record result: %w", err)
	}

	step, err := p.store.GetStep(ctx, result.StepID)
	if err != nil {
		return err
	}
	task, err := p.store.GetTask(ctx, result.TaskID)
	if err != nil {
		return err
	}

	// A step's handler is allowed to keep running after its task is
	// cancelled (spec §9 design notes: "the step is allowed to complete,
	// but its result is ignored"); the result row above stands as the
	// audit record, but it never drives the step or task state machine
	// once the task has reached a terminal state.
	if task.State.IsTerminal() {
		p.log.Debug("discarding result for already-terminal task", "task_id", task.ID, "task_state", task.State, "step_id", step.ID)
		return nil
	}

	switch {
	case result.Outcome.Success != nil:
		return p.processSuccess(ctx, task, step, *result.Outcome.Success, branchLookup)
	case result.Outcome.Failure != nil:
		return p.processFailure(ctx, task, step, *result.Outcome.Failure)
	default:
		return fmt.Errorf("step result for %s has neither success nor failure outcome", result.StepID)
	}
}

func (p *ResultProcessor) processSuccess(ctx context.Context, task domain.Task, step domain.Step, success domain.SuccessOutcome, branchLookup map[string]uuid.UUID) error {
	if _, err := p.store.Transition(ctx, store.TransitionRequest{
		EntityKind: domain.EntityStep, EntityID: step.ID, TaskID: step.TaskID,
		From: string(domain.StepInProgress), To: string(domain.StepEnqueuedForOrchestration), By: "result-processor",
	}); err != nil {
		return err
	}

	if len(success.OrchestrationMetadata) > 0 {
		if err := p.expandDynamicShape(ctx, step, success.OrchestrationMetadata, branchLookup); err != nil {
			return err
		}
	}

	if _, err := p.store.Transition(ctx, store.TransitionRequest{
		EntityKind: domain.EntityStep, EntityID: step.ID, TaskID: step.TaskID,
		From: string(domain.StepEnqueuedForOrchestration), To: string(domain.StepComplete), By: "result-processor",
	}); err != nil {
		return err
	}

	if p.pub != nil {
		p.pub.StepCompleted(ctx, step)
	}
	return nil
}

// expandDynamicShape dispatches to the decision expander or the batch
// spawner depending on the step's kind (spec §4.6). An ordinary step's
// orchestration metadata, if present, is ignored rather than treated as an
// error — it is not currently meaningful for StepKindOrdinary.
func (p *ResultProcessor) expandDynamicShape(ctx context.Context, step domain.Step, metadata []byte, branchLookup map[string]uuid.UUID) error {
	switch step.Kind {
	case domain.StepKindDecisionPoint:
		var outcome domain.DecisionOutcome
		if err := json.Unmarshal(metadata, &outcome); err != nil {
			return fmt.Errorf("decision outcome: %w", err)
		}
		return p.decisions.Expand(ctx, step, outcome, branchLookup)
	case domain.StepKindBatchAnalyzer:
		var cfg domain.BatchConfig
		if err := json.Unmarshal(metadata, &cfg); err != nil {
			return fmt.Errorf("batch config: %w", err)
		}
		convergence, err := p.convergenceTargets(ctx, step)
		if err != nil {
			return err
		}
		return p.batches.Spawn(ctx, step, cfg, convergence)
	default:
		return nil
	}
}

// convergenceTargets returns the step's declared outgoing edges, which a
// batch analyzer's spawned workers must inherit so downstream steps wait for
// every worker (spec §4.6).
func (p *ResultProcessor) convergenceTargets(ctx context.Context, step domain.Step) ([]uuid.UUID, error) {
	edges, err := p.store.ListEdges(ctx, step.TaskID)
	if err != nil {
		return nil, err
	}
	var targets []uuid.UUID
	for _, e := range edges {
		if e.From == step.ID {
			targets = append(targets, e.To)
		}
	}
	return targets, nil
}

func (p *ResultProcessor) processFailure(ctx context.Context, task domain.Task, step domain.Step, failure domain.FailureOutcome) error {
	toState := domain.StepEnqueuedAsErrorForOrchestration
	if _, err := p.store.Transition(ctx, store.TransitionRequest{
		EntityKind: domain.EntityStep, EntityID: step.ID, TaskID: step.TaskID,
		From: string(domain.StepInProgress), To: string(toState), By: "result-processor",
	}); err != nil {
		return err
	}

	// step.Attempts already reflects this dispatch: the step-enqueuer's
	// Pending/WaitingForRetry -> Enqueued transition bumps it at the
	// moment the step is actually sent to a worker, so it is the attempt
	// count just completed, not one behind it (spec §8 scenario 3,
	// "attempts counter reads 3").
	decision := p.classifier.Classify(failure, step.Attempts, step.MaxAttempts, step.Retryable, p.blockTaskCodes)

	switch decision.Action {
	case retry.ActionRetry:
		if _, err := p.store.Transition(ctx, store.TransitionRequest{
			EntityKind: domain.EntityStep, EntityID: step.ID, TaskID: step.TaskID,
			From: string(toState), To: string(domain.StepWaitingForRetry), By: "result-processor",
		}); err != nil {
			return err
		}
		p.log.Info("step scheduled for retry", "step_id", step.ID, "attempt", step.Attempts, "delay", decision.Delay)
		return nil

	case retry.ActionFail, retry.ActionFailAndBlockTask:
		if _, err := p.store.Transition(ctx, store.TransitionRequest{
			EntityKind: domain.EntityStep, EntityID: step.ID, TaskID: step.TaskID,
			From: string(toState), To: string(domain.StepError), By: "result-processor",
		}); err != nil {
			return err
		}
		if err := p.dlq.Route(ctx, task, step, failure); err != nil {
			p.log.Warn("failed to route step to dlq", "step_id", step.ID, "error", err)
		}
		if p.pub != nil {
			p.pub.StepPermanentFailure(ctx, step, failure.ErrorCode)
		}
		if decision.Action == retry.ActionFailAndBlockTask {
			if _, err := p.store.Transition(ctx, store.TransitionRequest{
				EntityKind: domain.EntityTask, EntityID: task.ID, TaskID: task.ID,
				From: string(task.State), To: string(domain.TaskBlockedByFailures), By: "result-processor",
			}); err != nil {
				p.log.Warn("failed to block task after unisolatable step failure", "task_id", task.ID, "error", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown retry action %d", decision.Action)
	}
}
