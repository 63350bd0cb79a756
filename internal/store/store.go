// Package store defines the durable-state interface (spec §4.1): task/step
// admission, compare-and-swap transitions, readiness queries, result
// recording, and graph mutation. Concrete backends live in store/postgres;
// store/memstore is an in-memory double used by tests across every other
// package.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

// StaleTransition is returned by Transition when the current state does not
// match the expected "from" state — the compare-and-swap lost a race.
// Callers treat this as apperrors.KindConflict, not a hard failure.
type StaleTransition struct {
	EntityKind domain.EntityKind
	EntityID   uuid.UUID
	Expected   string
	Actual     string
}

func (e *StaleTransition) Error() string {
	return "stale transition: expected from=" + e.Expected + " but current=" + e.Actual
}

// TransitionRequest names one compare-and-swap move plus the audit metadata
// to attach.
type TransitionRequest struct {
	EntityKind domain.EntityKind
	EntityID   uuid.UUID
	TaskID     uuid.UUID
	From       string
	To         string
	By         string
	Metadata   []byte
}

// TransitionResult reports what actually happened; when Applied is false the
// caller receives a *StaleTransition error instead.
type TransitionResult struct {
	Applied  bool
	NewState string
	Record   domain.TransitionRecord

	// Attempts is the step's attempts column after this transition
	// committed. It is only meaningful for domain.EntityStep transitions;
	// backends bump it whenever a step moves into StepEnqueued, since that
	// is the moment a dispatch attempt is actually made (spec §8 scenario
	// 3, "attempts counter reads 3"). Callers that need the freshly
	// dispatched attempt number (e.g. the step enqueuer's dispatch
	// payload) should read it from here rather than the pre-transition
	// snapshot, which is stale by construction.
	Attempts int
}

// BeginTaskResult is returned by BeginTask.
type BeginTaskResult struct {
	Task    domain.Task
	Steps   []domain.Step
	Deduped bool // true when an existing active task was returned
}

// GraphMutation is the input to CASGraphMutation (spec §4.6): a set of new
// steps and edges to add to a task's DAG, validated for acyclicity before
// commit.
type GraphMutation struct {
	TaskID   uuid.UUID
	NewSteps []domain.Step
	NewEdges []domain.Edge

	// UnblockSteps names pre-existing steps (created StepBlocked at
	// BeginTask time because the template left them unwired pending a
	// runtime decision) that this mutation's new edges finally target.
	// They transition StepBlocked -> StepPending in the same commit as
	// the edge insert, so they become readiness-eligible only once an
	// edge actually points at them (spec §4.6).
	UnblockSteps []uuid.UUID
}

// Store is the full durable-state contract. Every method is safe for
// concurrent use; serialization happens inside the backend (row locks,
// CAS predicates), never in the caller.
type Store interface {
	// BeginTask inserts the task row, its step rows, and static edges in a
	// single transaction, or returns an existing active task when the
	// (namespace, identity_hash) pair is already occupied and the identity
	// strategy is not ALWAYS_UNIQUE.
	BeginTask(ctx context.Context, req domain.TaskRequest, tmpl domain.TaskTemplate, identityHash string) (BeginTaskResult, error)

	// Transition performs a compare-and-swap on an entity's current_state
	// and inserts a transition record in the same transaction. Returns
	// *StaleTransition wrapped in apperrors.KindConflict if the current
	// state does not match req.From.
	Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error)

	// ReadReadySteps invokes the readiness query (spec §4.3): steps whose
	// parents are all terminal-success and whose own state is Pending or
	// WaitingForRetry with next_attempt_at <= now, ordered deterministically.
	ReadReadySteps(ctx context.Context, namespace string, limit int) ([]domain.StepSnapshot, error)

	// RecordResult is idempotent on (step, attempt); it rejects a write
	// over an already-recorded success (spec invariant 7).
	RecordResult(ctx context.Context, result domain.StepResult) error

	// CASGraphMutation adds steps/edges to a task's DAG after validating
	// the resulting edge set remains acyclic; used by decision expansion
	// and batch spawning.
	CASGraphMutation(ctx context.Context, m GraphMutation) error

	// GetTask / GetStep / ListSteps support the admin façade and the
	// lifecycle services' "read fresh from the store" discipline (spec §9).
	GetTask(ctx context.Context, taskID uuid.UUID) (domain.Task, error)
	GetStep(ctx context.Context, stepID uuid.UUID) (domain.Step, error)
	ListSteps(ctx context.Context, taskID uuid.UUID) ([]domain.Step, error)
	ListEdges(ctx context.Context, taskID uuid.UUID) ([]domain.Edge, error)

	// GetTemplate resolves a versioned template by (namespace, name, version).
	// version == 0 resolves to the latest version.
	GetTemplate(ctx context.Context, namespace, name string, version int) (domain.TaskTemplate, error)
	PutTemplate(ctx context.Context, tmpl domain.TaskTemplate) error

	// FindStaleSteps returns steps in InProgress whose LastHeartbeat is
	// older than olderThan, for the staleness sweep (spec §4.7).
	FindStaleSteps(ctx context.Context, olderThan time.Time, limit int) ([]domain.Step, error)
	// FindStaleTasks returns non-terminal tasks whose LastTransition is
	// older than olderThan.
	FindStaleTasks(ctx context.Context, olderThan time.Time, limit int) ([]domain.Task, error)
	// Heartbeat updates a step's LastHeartbeat without changing state;
	// called by a worker's in-flight heartbeat goroutine.
	Heartbeat(ctx context.Context, stepID uuid.UUID) error
	// Checkpoint persists batch-worker progress without leaving
	// InProgress (spec §4.8 checkpoint_yield).
	Checkpoint(ctx context.Context, stepID uuid.UUID, checkpoint []byte) error

	// WriteDLQEntry inserts a terminal DLQ record for a permanently failed
	// step.
	WriteDLQEntry(ctx context.Context, entry domain.DLQEntry) error
	ListDLQEntries(ctx context.Context, namespace string, resolution domain.DLQResolution, limit int) ([]domain.DLQEntry, error)
	ResolveDLQEntry(ctx context.Context, id uuid.UUID, resolvedBy string) error

	// FindTaskByIdentity supports dedup lookups outside BeginTask.
	FindTaskByIdentity(ctx context.Context, namespace, identityHash string) (domain.Task, bool, error)

	// Ping verifies connectivity for readiness probes.
	Ping(ctx context.Context) error
}
