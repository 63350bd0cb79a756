// Package lifecycle implements the four pure services over the store and
// messaging APIs (spec §4.4): task-request ingestion, step enqueuing,
// result processing, and finalization. Each service reads fresh from the
// store at the start of every operation and caches nothing (spec §9 "actor
// ownership").
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/apperrors"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/events"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// TaskRequestService implements spec §4.4.a.
type TaskRequestService struct {
	store store.Store
	pub   *events.Publisher
	log   *logger.Logger
}

func NewTaskRequestService(st store.Store, pub *events.Publisher, log *logger.Logger) *TaskRequestService {
	if log == nil {
		log = logger.NewNop()
	}
	return &TaskRequestService{store: st, pub: pub, log: log.With("component", "lifecycle.task_request")}
}

// TaskRequestOutcome is the service's return value (spec §4.4.a step 5).
type TaskRequestOutcome struct {
	TaskID  uuid.UUID
	Status  domain.TaskState
	Deduped bool
}

// Submit resolves the template, computes the identity hash, begins the
// task, and drives it from Pending through EnqueuingSteps.
func (s *TaskRequestService) Submit(ctx context.Context, req domain.TaskRequest) (TaskRequestOutcome, error) {
	tmpl, err := s.store.GetTemplate(ctx, req.Namespace, req.TemplateName, req.Version)
	if err != nil {
		return TaskRequestOutcome{}, fmt.Errorf("TEMPLATE_NOT_FOUND: %w", err)
	}

	if len(tmpl.InputSchema) > 0 {
		if err := validateAgainstSchema(tmpl.InputSchema, req.Context); err != nil {
			return TaskRequestOutcome{}, apperrors.Classify(apperrors.KindPermanent, "SCHEMA_VIOLATION", err)
		}
	}

	hash, err := identityHash(req)
	if err != nil {
		return TaskRequestOutcome{}, fmt.Errorf("identity hash: %w", err)
	}

	result, err := s.store.BeginTask(ctx, req, tmpl, hash)
	if err != nil {
		return TaskRequestOutcome{}, err
	}
	if result.Deduped {
		return TaskRequestOutcome{TaskID: result.Task.ID, Status: result.Task.State, Deduped: true}, nil
	}

	if s.pub != nil {
		s.pub.TaskCreated(ctx, result.Task)
	}

	taskID := result.Task.ID
	if _, err := s.store.Transition(ctx, store.TransitionRequest{
		EntityKind: domain.EntityTask, EntityID: taskID, TaskID: taskID,
		From: string(domain.TaskPending), To: string(domain.TaskInitializing), By: "task-request-service",
	}); err != nil {
		return TaskRequestOutcome{}, err
	}
	if _, err := s.store.Transition(ctx, store.TransitionRequest{
		EntityKind: domain.EntityTask, EntityID: taskID, TaskID: taskID,
		From: string(domain.TaskInitializing), To: string(domain.TaskEnqueuingSteps), By: "task-request-service",
	}); err != nil {
		return TaskRequestOutcome{}, err
	}

	return TaskRequestOutcome{TaskID: taskID, Status: domain.TaskEnqueuingSteps}, nil
}

// identityHash computes the dedup key per spec §4.4.a step 2.
func identityHash(req domain.TaskRequest) (string, error) {
	switch req.IdentityStrategy {
	case domain.IdentityAlwaysUnique:
		return uuid.New().String(), nil
	case domain.IdentityCallerProvided:
		if req.CallerKey == "" {
			return "", fmt.Errorf("caller_provided identity strategy requires a caller key")
		}
		return req.CallerKey, nil
	default: // IdentityStrict
		h := sha256.New()
		h.Write([]byte(req.Namespace))
		h.Write([]byte(req.TemplateName))
		h.Write(canonicalize(req.Context))
		return hex.EncodeToString(h.Sum(nil)), nil
	}
}

// canonicalize re-marshals JSON with sorted keys so semantically identical
// contexts with different key order hash identically. Invalid JSON is
// hashed as-is; schema validation catches malformed context separately.
func canonicalize(raw []byte) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// validateAgainstSchema is a minimal structural check: the spec treats full
// JSON Schema validation as a collaborator's concern (config/CLI parsing is
// out of scope), so this only verifies context is well-formed JSON when a
// schema is present; richer validation is expected to be layered on by the
// boundary adapter that owns schema libraries.
func validateAgainstSchema(schema, context []byte) error {
	var v interface{}
	if err := json.Unmarshal(context, &v); err != nil {
		return fmt.Errorf("context is not valid JSON: %w", err)
	}
	return nil
}
