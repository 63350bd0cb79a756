package dynamic

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
	"github.com/tasker-systems/tasker-core/internal/store/memstore"
)

func seedDecisionStep(t *testing.T, st *memstore.Store, branchNames ...string) (domain.Step, map[string]uuid.UUID) {
	t.Helper()
	taskID := uuid.New()
	decision := domain.Step{
		ID: uuid.New(), TaskID: taskID, Namespace: "ns", Name: "decide",
		Kind: domain.StepKindDecisionPoint, State: domain.StepEnqueuedForOrchestration, MaxAttempts: 1,
	}
	branches := map[string]uuid.UUID{}
	seeded := []domain.Step{decision}
	for _, name := range branchNames {
		id := uuid.New()
		branches[name] = id
		// Branch steps are inserted StepBlocked at BeginTask time (spec
		// §4.6); only the expander's own unblock call should move one to
		// Pending, and only for the branch actually routed to.
		seeded = append(seeded, domain.Step{ID: id, TaskID: taskID, Namespace: "ns", Name: name, State: domain.StepBlocked})
	}
	if err := st.CASGraphMutation(context.Background(), store.GraphMutation{TaskID: taskID, NewSteps: seeded}); err != nil {
		t.Fatalf("seeding decision step: %v", err)
	}
	return decision, branches
}

func TestDecisionExpander_RouteWiresEdgesToNamedBranches(t *testing.T) {
	st := memstore.New(time.Now)
	decision, branches := seedDecisionStep(t, st, "send_email", "send_sms")
	expander := NewDecisionExpander(st, logger.NewNop())

	outcome := domain.DecisionOutcome{Route: &domain.RouteOutcome{Branches: []string{"send_email"}}}
	if err := expander.Expand(context.Background(), decision, outcome, branches); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	edges, err := st.ListEdges(context.Background(), decision.TaskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(edges) != 1 || edges[0].From != decision.ID || edges[0].To != branches["send_email"] {
		t.Fatalf("expected a single edge decision->send_email, got %+v", edges)
	}
}

func TestDecisionExpander_UnselectedBranchStaysBlocked(t *testing.T) {
	st := memstore.New(time.Now)
	decision, branches := seedDecisionStep(t, st, "manager_approval", "finance_review")
	expander := NewDecisionExpander(st, logger.NewNop())

	outcome := domain.DecisionOutcome{Route: &domain.RouteOutcome{Branches: []string{"manager_approval"}}}
	if err := expander.Expand(context.Background(), decision, outcome, branches); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chosen, err := st.GetStep(context.Background(), branches["manager_approval"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.State != domain.StepPending {
		t.Fatalf("expected the routed branch to be unblocked to pending, got %s", chosen.State)
	}

	notChosen, err := st.GetStep(context.Background(), branches["finance_review"])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notChosen.State != domain.StepBlocked {
		t.Fatalf("expected the unrouted branch to remain blocked, got %s", notChosen.State)
	}

	ready, err := st.ReadReadySteps(context.Background(), "ns", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sn := range ready {
		if sn.Step.ID == branches["finance_review"] {
			t.Fatalf("unrouted branch finance_review must never be returned as ready")
		}
	}
}

func TestDecisionExpander_SkipIsNoOp(t *testing.T) {
	st := memstore.New(time.Now)
	decision, branches := seedDecisionStep(t, st, "send_email")
	expander := NewDecisionExpander(st, logger.NewNop())

	outcome := domain.DecisionOutcome{Skip: &domain.SkipOutcome{Reason: "not applicable"}}
	if err := expander.Expand(context.Background(), decision, outcome, branches); err != nil {
		t.Fatalf("unexpected error on skip: %v", err)
	}

	edges, err := st.ListEdges(context.Background(), decision.TaskID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("expected no edges after a skip outcome, got %+v", edges)
	}
}

func TestDecisionExpander_UnknownBranchIsPermanentError(t *testing.T) {
	st := memstore.New(time.Now)
	decision, branches := seedDecisionStep(t, st, "send_email")
	expander := NewDecisionExpander(st, logger.NewNop())

	outcome := domain.DecisionOutcome{Route: &domain.RouteOutcome{Branches: []string{"does_not_exist"}}}
	err := expander.Expand(context.Background(), decision, outcome, branches)
	if err == nil {
		t.Fatalf("expected an error routing to an unknown branch")
	}
}

func TestDecisionExpander_NeitherRouteNorSkipIsError(t *testing.T) {
	st := memstore.New(time.Now)
	decision, branches := seedDecisionStep(t, st, "send_email")
	expander := NewDecisionExpander(st, logger.NewNop())

	err := expander.Expand(context.Background(), decision, domain.DecisionOutcome{}, branches)
	if err == nil {
		t.Fatalf("expected an error when outcome has neither route nor skip")
	}
}
