package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the domain events published after a state transition
// commits (spec §6).
type EventType string

const (
	EventTaskCreated          EventType = "TaskCreated"
	EventStepEnqueued         EventType = "StepEnqueued"
	EventStepCompleted        EventType = "StepCompleted"
	EventTaskCompleted        EventType = "TaskCompleted"
	EventTaskFailed           EventType = "TaskFailed"
	EventStepPermanentFailure EventType = "StepPermanentFailure"
)

// Event is the common envelope for every published domain event.
type Event struct {
	Type      EventType
	TaskID    uuid.UUID
	StepID    uuid.UUID // zero value when the event is task-scoped
	Namespace string
	At        time.Time
	Detail    []byte // JSON, event-specific
}

// DecisionOutcome is the orchestration metadata a decision-point step
// returns on success (spec §4.6).
type DecisionOutcome struct {
	Route *RouteOutcome `json:"route,omitempty"`
	Skip  *SkipOutcome  `json:"skip,omitempty"`
}

type RouteOutcome struct {
	Branches []string `json:"branches"`
	Context  []byte   `json:"context,omitempty"`
}

type SkipOutcome struct {
	Reason string `json:"reason"`
}

// BatchConfig is the orchestration metadata a batch-analyzer step returns on
// success (spec §4.6).
type BatchConfig struct {
	TotalItems     int64  `json:"total_items"`
	BatchSize      int64  `json:"batch_size"`
	WorkerTemplate string `json:"worker_template"`
}

// NumBatches returns ceil(TotalItems/BatchSize), the deterministic worker
// count the spawner must produce.
func (b BatchConfig) NumBatches() int64 {
	if b.BatchSize <= 0 {
		return 0
	}
	n := b.TotalItems / b.BatchSize
	if b.TotalItems%b.BatchSize != 0 {
		n++
	}
	return n
}
