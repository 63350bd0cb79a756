// Package dlq routes permanently failed steps to the dead-letter queue
// (spec §4.7) and handles operator resolution.
package dlq

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
)

type Router struct {
	store store.Store
	log   *logger.Logger
}

func NewRouter(st store.Store, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{store: st, log: log.With("component", "dlq")}
}

// Route writes a terminal DLQ entry for step, carrying the full step
// context and error snapshot (spec §3, §4.7). Called by the result
// processor once the error classifier decides ActionFail or
// ActionFailAndBlockTask.
func (r *Router) Route(ctx context.Context, task domain.Task, step domain.Step, failure domain.FailureOutcome) error {
	snapshot, err := json.Marshal(struct {
		Message        string `json:"message"`
		Classification string `json:"classification"`
		Code           string `json:"code"`
	}{failure.Message, failure.Classification, failure.ErrorCode})
	if err != nil {
		return err
	}
	taskCtx, err := json.Marshal(struct {
		TaskContext json.RawMessage `json:"task_context"`
		StepInputs  json.RawMessage `json:"step_inputs"`
	}{rawOrNull(task.Context), rawOrNull(step.Inputs)})
	if err != nil {
		return err
	}

	entry := domain.DLQEntry{
		ID:            uuid.New(),
		TaskID:        step.TaskID,
		StepID:        step.ID,
		Namespace:     step.Namespace,
		StepName:      step.Name,
		ReasonCode:    failure.ErrorCode,
		ErrorSnapshot: snapshot,
		Context:       taskCtx,
		Resolution:    domain.DLQUnresolved,
	}
	if err := r.store.WriteDLQEntry(ctx, entry); err != nil {
		return err
	}
	r.log.Info("step routed to dlq", "task_id", task.ID, "step_id", step.ID, "reason_code", failure.ErrorCode)
	return nil
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

// Resolve marks a DLQ entry resolved. It changes only the DLQ entry: the
// parent task keeps its current state, and the admin façade's DLQ resolve
// route does not transition it either.
func (r *Router) Resolve(ctx context.Context, entryID uuid.UUID, resolvedBy string) error {
	return r.store.ResolveDLQEntry(ctx, entryID, resolvedBy)
}

func (r *Router) List(ctx context.Context, namespace string, resolution domain.DLQResolution, limit int) ([]domain.DLQEntry, error) {
	return r.store.ListDLQEntries(ctx, namespace, resolution, limit)
}
