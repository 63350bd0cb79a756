package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/observability"
	"github.com/tasker-systems/tasker-core/internal/store"
)

var tracer = observability.Tracer("tasker/dispatch")

// Envelope wraps a dispatch payload with the internal bookkeeping needed to
// bound starvation and correlate a later complete_step/checkpoint_yield
// call back to it.
type Envelope struct {
	ID         uuid.UUID
	Dispatch   domain.StepDispatch
	EnqueuedAt time.Time
}

// Core implements the worker dispatch core (spec §4.8): a bounded channel
// workers (in-process or, via a thin adapter, out-of-process) pull from,
// plus the fetch/complete/checkpoint operations. A per-namespace semaphore
// bounds concurrent handler execution. FetchStep logs a starvation warning
// when the envelope it hands out waited longer than StarvationThreshold;
// there is no background monitor, so an envelope that sits in the channel
// without being fetched produces no warning.
type Core struct {
	store    store.Store
	registry *Registry
	log      *logger.Logger
	channel  chan *Envelope
	outcomes chan completion

	semaMu      sync.Mutex
	sema        map[string]*semaphore.Weighted
	semaDefault int64

	StarvationThreshold time.Duration
}

type completion struct {
	envelopeID uuid.UUID
	result     domain.StepResult
}

func NewCore(st store.Store, registry *Registry, log *logger.Logger, channelCapacity int, semaDefault int64) *Core {
	if log == nil {
		log = logger.NewNop()
	}
	if channelCapacity <= 0 {
		channelCapacity = 256
	}
	if semaDefault <= 0 {
		semaDefault = 8
	}
	return &Core{
		store: st, registry: registry, log: log.With("component", "dispatch"),
		channel: make(chan *Envelope, channelCapacity), outcomes: make(chan completion, channelCapacity),
		sema: map[string]*semaphore.Weighted{}, semaDefault: semaDefault,
		StarvationThreshold: 10 * time.Second,
	}
}

// Submit places a dispatch payload on the channel for a worker to fetch.
// It never blocks the caller (the enqueuer's own messaging send already
// provides durable backpressure); a full channel drops the in-process fast
// path silently since the message is still durably queued and will be
// redelivered to an out-of-process worker instead.
func (c *Core) Submit(dispatch domain.StepDispatch) {
	env := &Envelope{ID: uuid.New(), Dispatch: dispatch, EnqueuedAt: time.Now()}
	select {
	case c.channel <- env:
	default:
		c.log.Debug("dispatch channel full, relying on durable queue redelivery", "step_id", dispatch.StepID)
	}
}

// FetchStep implements fetch_step(): pull the next available envelope, or
// nil if the channel is empty and ctx expires first.
func (c *Core) FetchStep(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-c.channel:
		if age := time.Since(env.EnqueuedAt); age > c.StarvationThreshold {
			c.log.Warn("dispatch channel starvation", "step_id", env.Dispatch.StepID, "age", age)
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CompleteStep implements complete_step(): fire-and-forget submission of a
// step outcome. The outcome is offered to the in-process outcomes channel
// without blocking and is dropped with a warning when that channel is full;
// any side-effect callback then runs in its own goroutine, bounded by a 5s
// internal timeout, per spec §4.8.
func (c *Core) CompleteStep(ctx context.Context, envelopeID uuid.UUID, result domain.StepResult, callback func(context.Context) error) {
	select {
	case c.outcomes <- completion{envelopeID: envelopeID, result: result}:
	default:
		c.log.Warn("outcomes channel full, dropping in-process fast path; durable result queue still applies", "step_id", result.StepID)
	}
	if callback == nil {
		return
	}
	go func() {
		cbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := callback(cbCtx); err != nil {
			c.log.Warn("complete_step callback failed", "step_id", result.StepID, "error", err)
		}
	}()
}

// Outcomes exposes the channel the result-processor side of the ring drains
// for in-process handler completions.
func (c *Core) Outcomes() <-chan completion { return c.outcomes }

// CheckpointYield implements checkpoint_yield(): persists batch-worker
// progress without leaving InProgress, then re-submits the step (with an
// updated cursor) so it is re-dispatched rather than left waiting on the
// original envelope.
func (c *Core) CheckpointYield(ctx context.Context, stepID uuid.UUID, cursor int64, accumulated []byte, itemsProcessed int64) error {
	checkpoint, err := json.Marshal(struct {
		Cursor         int64           `json:"cursor"`
		Accumulated    json.RawMessage `json:"accumulated,omitempty"`
		ItemsProcessed int64           `json:"items_processed"`
	}{cursor, rawOrNil(accumulated), itemsProcessed})
	if err != nil {
		return err
	}
	if err := c.store.Checkpoint(ctx, stepID, checkpoint); err != nil {
		return err
	}
	step, err := c.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	// A checkpoint-yield re-dispatch continues the same attempt (the step
	// never leaves InProgress), so it reuses step.Attempts as-is rather
	// than incrementing it the way a fresh Pending -> Enqueued dispatch
	// does (spec §4.8 checkpoint_yield).
	c.Submit(domain.StepDispatch{
		TaskID: step.TaskID, StepID: step.ID, Namespace: step.Namespace, StepName: step.Name,
		Attempt: step.Attempts, Inputs: step.Inputs, Checkpoint: checkpoint,
		DeadlineAt: time.Now().Add(5 * time.Minute).Unix(),
	})
	return nil
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// Semaphore returns (creating if needed) the per-namespace weighted
// semaphore bounding concurrent handler execution (spec §4.8 "bounded by a
// semaphore sized per-namespace").
func (c *Core) Semaphore(namespace string) *semaphore.Weighted {
	c.semaMu.Lock()
	defer c.semaMu.Unlock()
	if s, ok := c.sema[namespace]; ok {
		return s
	}
	s := semaphore.NewWeighted(c.semaDefault)
	c.sema[namespace] = s
	return s
}

// RunInProcessWorkers launches n goroutines, each pulling envelopes via
// FetchStep, acquiring the namespace semaphore, resolving a Handler through
// the registry, and invoking it. A resolution miss or handler panic becomes
// a permanent failure outcome rather than crashing the loop.
func (c *Core) RunInProcessWorkers(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		go c.workerLoop(ctx)
	}
}

func (c *Core) workerLoop(ctx context.Context) {
	for {
		env, err := c.FetchStep(ctx)
		if err != nil {
			return
		}
		sem := c.Semaphore(env.Dispatch.Namespace)
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		c.runEnvelope(ctx, env, sem)
	}
}

func (c *Core) runEnvelope(ctx context.Context, env *Envelope, sem *semaphore.Weighted) {
	ctx, span := tracer.Start(ctx, "dispatch.handle_step")
	defer span.End()
	span.SetAttributes(
		attribute.String("tasker.step_id", env.Dispatch.StepID.String()),
		attribute.String("tasker.task_id", env.Dispatch.TaskID.String()),
		attribute.String("tasker.namespace", env.Dispatch.Namespace),
		attribute.String("tasker.step_name", env.Dispatch.StepName),
		attribute.Int64("tasker.attempt", env.Dispatch.Attempt),
	)
	defer sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", "step_id", env.Dispatch.StepID, "panic", r)
			c.CompleteStep(ctx, env.ID, failureResult(env.Dispatch, "HANDLER_PANIC"), nil)
		}
	}()

	h, ok := c.registry.Resolve(env.Dispatch.StepName)
	if !ok {
		c.log.Warn("no handler registered", "step_name", env.Dispatch.StepName, "step_id", env.Dispatch.StepID)
		c.CompleteStep(ctx, env.ID, failureResult(env.Dispatch, "HANDLER_NOT_FOUND"), nil)
		return
	}

	outcome := h.Handle(ctx, env.Dispatch)
	c.CompleteStep(ctx, env.ID, domain.StepResult{
		TaskID: env.Dispatch.TaskID, StepID: env.Dispatch.StepID, Attempt: env.Dispatch.Attempt, Outcome: outcome,
	}, nil)
}

func failureResult(d domain.StepDispatch, code string) domain.StepResult {
	return domain.StepResult{
		TaskID: d.TaskID, StepID: d.StepID, Attempt: d.Attempt,
		Outcome: domain.Outcome{Failure: &domain.FailureOutcome{
			Message: "dispatch could not execute this step", Classification: "permanent", ErrorCode: code,
		}},
	}
}
