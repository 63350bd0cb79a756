// Package dynamic implements the two dynamic-shape services (spec §4.6):
// decision-point expansion and batch-processing spawn. Both mutate a task's
// DAG at runtime via store.CASGraphMutation, which enforces acyclicity
// before committing.
package dynamic

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/apperrors"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// DecisionExpander implements the Decision-Point Expansion service.
type DecisionExpander struct {
	store store.Store
	log   *logger.Logger
}

func NewDecisionExpander(st store.Store, log *logger.Logger) *DecisionExpander {
	if log == nil {
		log = logger.NewNop()
	}
	return &DecisionExpander{store: st, log: log.With("component", "dynamic.decision")}
}

// Expand handles a decision-point step's result. On Route, it wires edges
// from the decision step to each named branch step (which must already
// exist in the template, declared domain.StepDef.DynamicOnly and inserted
// StepBlocked at BeginTask time) and unblocks exactly those branches to
// Pending in the same graph mutation. Branches the decision did not select
// stay StepBlocked — never Pending, never returned by the readiness engine —
// so an unselected branch such as "finance_review" can never run (spec §8
// scenario 2). On Skip it is a no-op besides logging. A mutation that would
// introduce a cycle is rejected and the decision step is marked
// Error{INVALID_DECISION} (spec §4.6).
func (d *DecisionExpander) Expand(ctx context.Context, decisionStep domain.Step, outcome domain.DecisionOutcome, branchLookup map[string]uuid.UUID) error {
	if outcome.Skip != nil {
		d.log.Info("decision point skipped", "step_id", decisionStep.ID, "reason", outcome.Skip.Reason)
		return nil
	}
	if outcome.Route == nil {
		return fmt.Errorf("decision outcome has neither route nor skip")
	}

	edges := make([]domain.Edge, 0, len(outcome.Route.Branches))
	unblock := make([]uuid.UUID, 0, len(outcome.Route.Branches))
	for _, branch := range outcome.Route.Branches {
		branchID, ok := branchLookup[branch]
		if !ok {
			return apperrors.Classify(apperrors.KindPermanent, "INVALID_DECISION",
				fmt.Errorf("decision routed to unknown branch %q", branch))
		}
		edges = append(edges, domain.Edge{TaskID: decisionStep.TaskID, From: decisionStep.ID, To: branchID})
		unblock = append(unblock, branchID)
	}

	if err := d.store.CASGraphMutation(ctx, store.GraphMutation{
		TaskID: decisionStep.TaskID, NewEdges: edges, UnblockSteps: unblock,
	}); err != nil {
		if _, terr := d.store.Transition(ctx, store.TransitionRequest{
			EntityKind: domain.EntityStep, EntityID: decisionStep.ID, TaskID: decisionStep.TaskID,
			From: string(domain.StepEnqueuedForOrchestration), To: string(domain.StepError), By: "decision-expander",
		}); terr != nil {
			d.log.Warn("failed to mark decision step Error after invalid mutation", "step_id", decisionStep.ID, "error", terr)
		}
		return apperrors.Classify(apperrors.KindPermanent, "INVALID_DECISION", err)
	}

	d.log.Info("decision point expanded", "step_id", decisionStep.ID, "branches", outcome.Route.Branches)
	return nil
}
