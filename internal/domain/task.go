// Package domain holds the core entity types of the orchestration core: the
// tasks and steps that make up a running DAG, the templates they are
// instantiated from, and the audit/queue/DLQ records that surround them.
// Nothing in this package touches storage or messaging; it is the shared
// vocabulary every other package imports.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is one of the 12 states in the task lifecycle (spec §3).
type TaskState string

const (
	TaskPending                TaskState = "pending"
	TaskInitializing           TaskState = "initializing"
	TaskEnqueuingSteps         TaskState = "enqueuing_steps"
	TaskStepsInProcess         TaskState = "steps_in_process"
	TaskWaitingForDependencies TaskState = "waiting_for_dependencies"
	TaskWaitingForRetry        TaskState = "waiting_for_retry"
	TaskBlockedByFailures      TaskState = "blocked_by_failures"
	TaskEvaluatingResults      TaskState = "evaluating_results"
	TaskComplete               TaskState = "complete"
	TaskError                  TaskState = "error"
	TaskCancelled              TaskState = "cancelled"
	TaskResolvedManually       TaskState = "resolved_manually"
)

// IsTerminal reports whether a task in this state will never transition
// again without operator intervention.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskComplete, TaskError, TaskCancelled, TaskResolvedManually:
		return true
	default:
		return false
	}
}

// IdentityStrategy controls how a task's dedup key is computed (spec §4.4.a).
type IdentityStrategy string

const (
	IdentityStrict         IdentityStrategy = "strict"
	IdentityCallerProvided IdentityStrategy = "caller_provided"
	IdentityAlwaysUnique   IdentityStrategy = "always_unique"
)

// Task is an instance of a TaskTemplate.
type Task struct {
	ID             uuid.UUID
	Namespace      string
	TemplateName   string
	TemplateVer    int
	IdentityHash   string
	Context        []byte // JSON
	State          TaskState
	CorrelationID  string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastTransition time.Time
}

// TaskRequest is the input to the task-request service (spec §4.4.a).
type TaskRequest struct {
	Namespace        string
	TemplateName     string
	Version          int
	Context          []byte
	Initiator        string
	SourceSystem     string
	Reason           string
	IdentityStrategy IdentityStrategy
	CallerKey        string // used when IdentityStrategy == IdentityCallerProvided
}
