package dynamic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// BatchSpawner implements the Batch Processing Spawn service (spec §4.6).
type BatchSpawner struct {
	store store.Store
	log   *logger.Logger
}

func NewBatchSpawner(st store.Store, log *logger.Logger) *BatchSpawner {
	if log == nil {
		log = logger.NewNop()
	}
	return &BatchSpawner{store: st, log: log.With("component", "dynamic.batch")}
}

// Spawn deterministically produces ceil(total/batch_size) worker step
// instances with half-open, non-overlapping cursor ranges, each inheriting
// the analyzer's outgoing edges so convergence steps only fire after every
// worker completes. The operation is idempotent over (task, analyzer_step):
// calling it twice with the same analyzer step id and config is a no-op the
// second time, detected via a deterministic worker-step naming scheme.
func (b *BatchSpawner) Spawn(ctx context.Context, analyzerStep domain.Step, cfg domain.BatchConfig, convergenceEdges []uuid.UUID) error {
	n := cfg.NumBatches()
	if n <= 0 {
		return fmt.Errorf("batch config yields zero workers (total=%d, batch_size=%d)", cfg.TotalItems, cfg.BatchSize)
	}

	existing, err := b.store.ListSteps(ctx, analyzerStep.TaskID)
	if err != nil {
		return err
	}
	already := make(map[string]bool, len(existing))
	for _, st := range existing {
		already[st.Name] = true
	}

	newSteps := make([]domain.Step, 0, n)
	newEdges := make([]domain.Edge, 0, n*(1+len(convergenceEdges)))
	spawned := int64(0)
	for i := int64(0); i < n; i++ {
		name := workerStepName(analyzerStep.Name, i)
		if already[name] {
			continue // idempotent re-invocation: this worker already exists
		}
		start := i * cfg.BatchSize
		end := start + cfg.BatchSize
		if end > cfg.TotalItems {
			end = cfg.TotalItems
		}
		inputs, merr := json.Marshal(struct {
			StartCursor int64 `json:"start_cursor"`
			EndCursor   int64 `json:"end_cursor"`
		}{start, end})
		if merr != nil {
			return merr
		}

		workerID := uuid.New()
		newSteps = append(newSteps, domain.Step{
			ID: workerID, TaskID: analyzerStep.TaskID, Namespace: analyzerStep.Namespace,
			Name: name, Kind: domain.StepKindBatchWorker, HandlerName: cfg.WorkerTemplate,
			State: domain.StepPending, MaxAttempts: analyzerStep.MaxAttempts, Retryable: true,
			Inputs: inputs, BatchCursorStart: start, BatchCursorEnd: end,
		})
		newEdges = append(newEdges, domain.Edge{TaskID: analyzerStep.TaskID, From: analyzerStep.ID, To: workerID})
		for _, conv := range convergenceEdges {
			newEdges = append(newEdges, domain.Edge{TaskID: analyzerStep.TaskID, From: workerID, To: conv})
		}
		spawned++
	}

	if len(newSteps) == 0 {
		b.log.Debug("batch spawn already complete, no-op", "analyzer_step_id", analyzerStep.ID)
		return nil
	}

	if err := b.store.CASGraphMutation(ctx, store.GraphMutation{
		TaskID: analyzerStep.TaskID, NewSteps: newSteps, NewEdges: newEdges,
	}); err != nil {
		return err
	}
	b.log.Info("spawned batch workers", "analyzer_step_id", analyzerStep.ID, "count", spawned, "total_items", cfg.TotalItems)
	return nil
}

func workerStepName(analyzerName string, index int64) string {
	return fmt.Sprintf("%s.worker.%d", analyzerName, index)
}
