package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepState is one of the 9 states in the step lifecycle (spec §3).
type StepState string

const (
	StepPending                         StepState = "pending"
	StepEnqueued                        StepState = "enqueued"
	StepInProgress                      StepState = "in_progress"
	StepEnqueuedForOrchestration        StepState = "enqueued_for_orchestration"
	StepComplete                        StepState = "complete"
	StepEnqueuedAsErrorForOrchestration StepState = "enqueued_as_error_for_orchestration"
	StepWaitingForRetry                 StepState = "waiting_for_retry"
	StepError                           StepState = "error"
	StepSkipped                         StepState = "skipped"

	// StepBlocked is the initial state of a template step declared with
	// StepDef.DynamicOnly (e.g. a decision-point branch, spec
	// §4.6): it is never returned by the readiness engine until a dynamic
	// graph mutation wires an edge to it and unblocks it to StepPending.
	// This is not one of the spec's 9 lifecycle states; it exists so that
	// "declared but not yet reachable" is distinguishable from "ready now".
	StepBlocked StepState = "blocked"
)

// IsTerminalSuccess reports whether a step is done and did not fail.
func (s StepState) IsTerminalSuccess() bool {
	return s == StepComplete || s == StepSkipped
}

// IsTerminal reports whether a step will never transition again without
// operator or expansion intervention.
func (s StepState) IsTerminal() bool {
	return s == StepComplete || s == StepSkipped || s == StepError
}

// StepKind distinguishes ordinary steps from the two dynamic-shape kinds
// (spec §4.6).
type StepKind string

const (
	StepKindOrdinary      StepKind = "ordinary"
	StepKindDecisionPoint StepKind = "decision_point"
	StepKindBatchAnalyzer StepKind = "batch_analyzer"
	StepKindBatchWorker   StepKind = "batch_worker"
)

// Step is an instance of a named step within a task's DAG.
type Step struct {
	ID              uuid.UUID
	TaskID          uuid.UUID
	Namespace       string
	Name            string
	Kind            StepKind
	HandlerName     string
	State           StepState
	Attempts        int
	MaxAttempts     int
	Retryable       bool
	DependencyDepth int
	Inputs          []byte // JSON
	Results         []byte // JSON, nil until a result is recorded
	Checkpoint      []byte // JSON, optional
	LastError       string
	NextAttemptAt   time.Time
	LastHeartbeat   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastTransition  time.Time

	// BreakerBypass is set by the readiness engine when the circuit
	// breaker guarding this step's namespace is open; the enqueuer must
	// hold the step in Pending rather than treat the skip as progress.
	BreakerBypass bool

	// BatchCursorStart/End are set on StepKindBatchWorker steps produced
	// by the batch spawner (spec §4.6).
	BatchCursorStart int64
	BatchCursorEnd   int64
}

// Edge is a directed dependency between two steps within the same task.
type Edge struct {
	TaskID uuid.UUID
	From   uuid.UUID // parent (must complete first)
	To     uuid.UUID // child
}

// StepSnapshot is the immutable view of a step handed to the enqueuer and,
// ultimately, to a worker. Workers never see or mutate orchestration state
// directly.
type StepSnapshot struct {
	Step      Step
	TaskID    uuid.UUID
	Namespace string
}

// StepResult is the input to the result processor (spec §4.4.c).
type StepResult struct {
	TaskID  uuid.UUID
	StepID  uuid.UUID
	Attempt int
	Outcome Outcome
}

// Outcome is a sum type: exactly one of Success or Failure is populated.
// Success carries a result payload and optional orchestration metadata used
// by decision/batch expansion; Failure carries an error classification.
type Outcome struct {
	Success *SuccessOutcome
	Failure *FailureOutcome
}

type SuccessOutcome struct {
	Payload               []byte // JSON result
	Metadata              []byte // JSON
	OrchestrationMetadata []byte // JSON; DecisionOutcome or BatchConfig, see dynamic package
}

type FailureOutcome struct {
	Message        string
	Classification string // "permanent" | "retryable" | "overloaded" | "fatal"
	ErrorCode      string
	RetryAfter     time.Duration
	Metadata       []byte // JSON
}
