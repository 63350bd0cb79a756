// Package events publishes the domain events listed in spec §6
// (TaskCreated, StepEnqueued, StepCompleted, TaskCompleted, TaskFailed,
// StepPermanentFailure) after the relevant state transition commits.
// Publishing is fire-and-forget with bounded retry and never blocks the
// pipeline (spec §4.4.c.5): a Publisher wraps messaging.Messaging and logs
// rather than propagates a publish failure.
package events

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/messaging"
	"github.com/tasker-systems/tasker-core/internal/observability"
)

const eventsQueue = "tasker.events"

var tracer = observability.Tracer("tasker/events")

type Publisher struct {
	messaging messaging.Messaging
	log       *logger.Logger
	maxRetry  int
}

func NewPublisher(m messaging.Messaging, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Publisher{messaging: m, log: log.With("component", "events"), maxRetry: 3}
}

// Publish sends an event with up to Publisher.maxRetry attempts, logging
// and dropping on final failure rather than blocking the caller (spec
// §4.4.c.5 "fire-and-forget, bounded retry, never blocks the pipeline").
func (p *Publisher) Publish(ctx context.Context, evt domain.Event) {
	ctx, span := tracer.Start(ctx, "events.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("tasker.event_type", string(evt.Type)),
		attribute.String("tasker.task_id", evt.TaskID.String()),
	)
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.log.Error("failed to marshal domain event", "type", evt.Type, "error", err)
		return
	}
	var lastErr error
	for attempt := 1; attempt <= p.maxRetry; attempt++ {
		if lastErr = p.messaging.Send(ctx, eventsQueue, payload); lastErr == nil {
			return
		}
	}
	p.log.Warn("dropped domain event after exhausting publish retries", "type", evt.Type, "task_id", evt.TaskID, "error", lastErr)
}

func (p *Publisher) TaskCreated(ctx context.Context, task domain.Task) {
	p.Publish(ctx, domain.Event{Type: domain.EventTaskCreated, TaskID: task.ID, Namespace: task.Namespace})
}

func (p *Publisher) StepEnqueued(ctx context.Context, step domain.Step) {
	p.Publish(ctx, domain.Event{Type: domain.EventStepEnqueued, TaskID: step.TaskID, StepID: step.ID, Namespace: step.Namespace})
}

func (p *Publisher) StepCompleted(ctx context.Context, step domain.Step) {
	p.Publish(ctx, domain.Event{Type: domain.EventStepCompleted, TaskID: step.TaskID, StepID: step.ID, Namespace: step.Namespace})
}

func (p *Publisher) TaskCompleted(ctx context.Context, task domain.Task) {
	p.Publish(ctx, domain.Event{Type: domain.EventTaskCompleted, TaskID: task.ID, Namespace: task.Namespace})
}

func (p *Publisher) TaskFailed(ctx context.Context, task domain.Task, reason string) {
	detail, _ := json.Marshal(struct {
		Reason string `json:"reason"`
	}{reason})
	p.Publish(ctx, domain.Event{Type: domain.EventTaskFailed, TaskID: task.ID, Namespace: task.Namespace, Detail: detail})
}

func (p *Publisher) StepPermanentFailure(ctx context.Context, step domain.Step, reasonCode string) {
	detail, _ := json.Marshal(struct {
		ReasonCode string `json:"reason_code"`
	}{reasonCode})
	p.Publish(ctx, domain.Event{Type: domain.EventStepPermanentFailure, TaskID: step.TaskID, StepID: step.ID, Namespace: step.Namespace, Detail: detail})
}
