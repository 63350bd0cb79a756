package actor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/lifecycle"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/messaging"
	"github.com/tasker-systems/tasker-core/internal/readiness"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// Ring wires the four actors named in spec §4.5: TaskRequestActor,
// StepEnqueuerActor, ResultProcessorActor, and TaskFinalizerActor. Each runs
// as its own goroutine. They share state through the durable store and the
// messaging backend, except that the result processor hands each processed
// task ID to the finalizer through the in-process Finalize mailbox.
type Ring struct {
	TaskRequests *Mailbox[domain.TaskRequest]
	Finalize     *Mailbox[uuid.UUID]

	taskRequestActor *Actor[domain.TaskRequest]
	finalizerActor   *Actor[uuid.UUID]

	enqueuerSvc  *lifecycle.StepEnqueuer
	processorSvc *lifecycle.ResultProcessor
	readiness    *readiness.Engine
	msg          messaging.Messaging
	store        store.Store
	log          *logger.Logger

	namespaces       []string
	enqueuePollEvery time.Duration
	resultPollEvery  time.Duration
	resultQueueVis   time.Duration
	resultBatchSize  int
	readyBatchSize   int
	branchLookup     func(ctx context.Context, taskID uuid.UUID) (map[string]uuid.UUID, error)
}

type Config struct {
	Namespaces       []string
	EnqueuePollEvery time.Duration
	ResultPollEvery  time.Duration
	ResultQueueVis   time.Duration
	ResultBatchSize  int
	ReadyBatchSize   int
	// BranchLookup resolves a task's template-declared step names to their
	// instantiated step ids, used by the result processor when handling a
	// decision point's Route outcome. Supplied by the wiring layer, which
	// has access to the task's template.
	BranchLookup func(ctx context.Context, taskID uuid.UUID) (map[string]uuid.UUID, error)
}

func NewRing(cfg Config, st store.Store, m messaging.Messaging, eng *readiness.Engine,
	taskReqSvc *lifecycle.TaskRequestService, enqueuerSvc *lifecycle.StepEnqueuer,
	processorSvc *lifecycle.ResultProcessor, finalizer *lifecycle.TaskFinalizer, log *logger.Logger) *Ring {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.EnqueuePollEvery == 0 {
		cfg.EnqueuePollEvery = 500 * time.Millisecond
	}
	if cfg.ResultPollEvery == 0 {
		cfg.ResultPollEvery = 500 * time.Millisecond
	}
	if cfg.ResultQueueVis == 0 {
		cfg.ResultQueueVis = 30 * time.Second
	}
	if cfg.ResultBatchSize == 0 {
		cfg.ResultBatchSize = 50
	}
	if cfg.ReadyBatchSize == 0 {
		cfg.ReadyBatchSize = 100
	}
	if cfg.BranchLookup == nil {
		cfg.BranchLookup = func(context.Context, uuid.UUID) (map[string]uuid.UUID, error) { return nil, nil }
	}

	r := &Ring{
		TaskRequests:     NewMailbox[domain.TaskRequest](256),
		Finalize:         NewMailbox[uuid.UUID](1024),
		enqueuerSvc:      enqueuerSvc,
		processorSvc:     processorSvc,
		readiness:        eng,
		msg:              m,
		store:            st,
		log:              log,
		namespaces:       cfg.Namespaces,
		enqueuePollEvery: cfg.EnqueuePollEvery,
		resultPollEvery:  cfg.ResultPollEvery,
		resultQueueVis:   cfg.ResultQueueVis,
		resultBatchSize:  cfg.ResultBatchSize,
		readyBatchSize:   cfg.ReadyBatchSize,
		branchLookup:     cfg.BranchLookup,
	}

	r.taskRequestActor = New("TaskRequestActor", r.TaskRequests, func(ctx context.Context, req domain.TaskRequest) error {
		_, err := taskReqSvc.Submit(ctx, req)
		return err
	}, log)

	r.finalizerActor = New("TaskFinalizerActor", r.Finalize, func(ctx context.Context, taskID uuid.UUID) error {
		return finalizer.Evaluate(ctx, taskID)
	}, log)

	return r
}

// Start launches all four actors' goroutines. It returns immediately; the
// actors run until ctx is cancelled.
func (r *Ring) Start(ctx context.Context) {
	go r.taskRequestActor.Run(ctx)
	go r.finalizerActor.Run(ctx)
	go RunTicker(ctx, "StepEnqueuerActor", r.enqueuePollEvery, r.log, r.runEnqueuerTick)
	go RunTicker(ctx, "ResultProcessorActor", r.resultPollEvery, r.log, r.runResultProcessorTick)
}

// runEnqueuerTick implements the StepEnqueuerActor's unit of work (spec
// §4.5): discover ready steps across every configured namespace and enqueue
// them. Namespaces are processed sequentially per tick; with a short poll
// interval and small per-namespace batch, this keeps fairness without
// needing per-namespace goroutines.
func (r *Ring) runEnqueuerTick(ctx context.Context) error {
	for _, ns := range r.namespaces {
		snapshots, err := r.readiness.Discover(ctx, ns, r.readyBatchSize)
		if err != nil {
			r.log.Warn("readiness discovery failed", "namespace", ns, "error", err)
			continue
		}
		if len(snapshots) == 0 {
			continue
		}
		n, err := r.enqueuerSvc.EnqueueBatch(ctx, snapshots)
		if err != nil {
			r.log.Warn("enqueue batch failed", "namespace", ns, "error", err)
			continue
		}
		if n > 0 {
			r.log.Debug("enqueued ready steps", "namespace", ns, "count", n)
		}
	}
	return nil
}

// runResultProcessorTick implements the ResultProcessorActor's unit of
// work: drain up to resultBatchSize messages from each namespace's result
// queue, decode the wire envelope, and hand it to the result processor. A
// message is acked only after the processor returns successfully; on
// failure it is nacked with a short fixed delay so a transient store error
// does not spin the poller.
func (r *Ring) runResultProcessorTick(ctx context.Context) error {
	for _, ns := range r.namespaces {
		queue := resultQueueName(ns)
		msgs, err := r.msg.Receive(ctx, queue, r.resultQueueVis, r.resultBatchSize)
		if err != nil {
			r.log.Warn("result queue receive failed", "namespace", ns, "error", err)
			continue
		}
		for _, m := range msgs {
			r.handleResultMessage(ctx, m)
		}
	}
	return nil
}

func (r *Ring) handleResultMessage(ctx context.Context, m domain.QueueMessage) {
	var wire domain.StepResultWire
	if err := json.Unmarshal(m.Payload, &wire); err != nil {
		r.log.Error("malformed step result payload, dropping", "msg_id", m.ID, "error", err)
		_ = r.msg.Ack(ctx, m)
		return
	}

	branches, err := r.branchLookup(ctx, wire.TaskID)
	if err != nil {
		r.log.Warn("branch lookup failed, decision routing may fail", "task_id", wire.TaskID, "error", err)
	}

	if err := r.processorSvc.ProcessResult(ctx, wire.ToStepResult(), branches); err != nil {
		r.log.Warn("result processing failed, nacking for redelivery", "step_id", wire.StepID, "error", err)
		_ = r.msg.Nack(ctx, m, 5*time.Second)
		return
	}
	_ = r.msg.Ack(ctx, m)

	select {
	case r.Finalize.ch <- wire.TaskID:
	default:
		r.log.Warn("finalizer mailbox full, dropping finalize request; next poll will retry via a fresh result", "task_id", wire.TaskID)
	}
}

func resultQueueName(namespace string) string { return "tasker.results." + namespace }
