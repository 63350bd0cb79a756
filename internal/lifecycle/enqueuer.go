package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/events"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/messaging"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// StepEnqueuer implements spec §4.4.b: takes a batch of ready StepSnapshots
// and, for each, performs Pending->Enqueued and publishes the dispatch
// payload, idempotently.
type StepEnqueuer struct {
	store     store.Store
	messaging messaging.Messaging
	pub       *events.Publisher
	log       *logger.Logger
	deadline  time.Duration
}

func NewStepEnqueuer(st store.Store, m messaging.Messaging, pub *events.Publisher, log *logger.Logger) *StepEnqueuer {
	if log == nil {
		log = logger.NewNop()
	}
	return &StepEnqueuer{store: st, messaging: m, pub: pub, log: log.With("component", "lifecycle.step_enqueuer"), deadline: 5 * time.Minute}
}

// EnqueueBatch processes a batch of readiness-engine snapshots. A step
// whose breaker is bypassed is left untouched in Pending rather than
// enqueued (spec §4.7): the enqueuer treats that as neither success nor
// failure, just "try again next pass".
func (e *StepEnqueuer) EnqueueBatch(ctx context.Context, batch []domain.StepSnapshot) (enqueued int, err error) {
	for _, sn := range batch {
		if sn.Step.BreakerBypass {
			continue
		}
		ok, cerr := e.enqueueOne(ctx, sn)
		if cerr != nil {
			e.log.Warn("failed to enqueue step", "step_id", sn.Step.ID, "error", cerr)
			continue
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

func (e *StepEnqueuer) enqueueOne(ctx context.Context, sn domain.StepSnapshot) (bool, error) {
	fromState := string(sn.Step.State)
	result, err := e.store.Transition(ctx, store.TransitionRequest{
		EntityKind: domain.EntityStep,
		EntityID:   sn.Step.ID,
		TaskID:     sn.TaskID,
		From:       fromState,
		To:         string(domain.StepEnqueued),
		By:         "step-enqueuer",
	})
	if err != nil {
		// Someone else enqueued it first: CAS lost the race. Idempotent
		// no-op, not an error the caller needs to see (spec §4.4.b).
		return false, nil
	}

	dispatch := domain.StepDispatch{
		TaskID:    sn.TaskID,
		StepID:    sn.Step.ID,
		Namespace: sn.Namespace,
		StepName:  sn.Step.Name,
		// result.Attempts is the attempts column read back after this
		// same CAS bumped it (spec §8 scenario 3); sn.Step is a
		// pre-transition snapshot and would under-count under
		// concurrent enqueuers racing the same step.
		Attempt:    result.Attempts,
		Inputs:     sn.Step.Inputs,
		Checkpoint: sn.Step.Checkpoint,
		DeadlineAt: time.Now().Add(e.deadline).Unix(),
	}
	payload, err := json.Marshal(dispatch)
	if err != nil {
		return false, err
	}
	queue := dispatchQueueName(sn.Namespace)
	if err := e.messaging.Send(ctx, queue, payload); err != nil {
		return false, err
	}
	_ = e.messaging.Notify(ctx, notifyChannel, sn.Namespace)

	if e.pub != nil {
		e.pub.StepEnqueued(ctx, sn.Step)
	}
	return true, nil
}

func dispatchQueueName(namespace string) string { return "tasker.dispatch." + namespace }

const notifyChannel = "pgmq_message_ready"
