// Package readiness wraps the store's readiness query (spec §4.3) with the
// circuit-breaker bypass annotation: steps whose namespace breaker is open
// are still returned (so the step enqueuer can hold them visibly in
// Pending) but flagged so the enqueuer does not mistake a skip for
// progress.
package readiness

import (
	"context"

	"github.com/tasker-systems/tasker-core/internal/breaker"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/store"
)

type Engine struct {
	store    store.Store
	breakers *breaker.Registry
}

func NewEngine(st store.Store, breakers *breaker.Registry) *Engine {
	return &Engine{store: st, breakers: breakers}
}

// Discover returns the next batch of ready steps for namespace, in the
// store's deterministic tie-break order (task.created_at, dependency_depth,
// step_name), annotated with the namespace's current breaker state.
func (e *Engine) Discover(ctx context.Context, namespace string, limit int) ([]domain.StepSnapshot, error) {
	snapshots, err := e.store.ReadReadySteps(ctx, namespace, limit)
	if err != nil {
		return nil, err
	}
	if e.breakers == nil {
		return snapshots, nil
	}
	bypass := e.breakers.For(namespace).Bypassed(ctx)
	if !bypass {
		return snapshots, nil
	}
	out := make([]domain.StepSnapshot, len(snapshots))
	for i, sn := range snapshots {
		sn.Step.BreakerBypass = true
		out[i] = sn
	}
	return out, nil
}
