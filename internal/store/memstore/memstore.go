// Package memstore is an in-memory store.Store used by tests across the
// orchestration core, grounded in the teacher's preference for plain Go
// structs over heavy mocking frameworks (SPEC_FULL §10.4). It implements the
// same invariants as the postgres backend — CAS transitions, idempotent
// result recording, acyclicity checks — using a mutex instead of row locks.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker-core/internal/apperrors"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/statemachine"
	"github.com/tasker-systems/tasker-core/internal/store"
)

type resultKey struct {
	step    uuid.UUID
	attempt int
}

type Store struct {
	mu sync.Mutex

	tasks     map[uuid.UUID]domain.Task
	steps     map[uuid.UUID]domain.Step
	edges     map[uuid.UUID][]domain.Edge // keyed by task id
	templates map[string]domain.TaskTemplate
	identity  map[string]uuid.UUID // namespace|hash -> task id
	results   map[resultKey]domain.StepResult
	dlq       map[uuid.UUID]domain.DLQEntry
	now       func() time.Time
}

// New builds an empty in-memory store. nowFn defaults to time.Now; tests
// that need deterministic staleness windows can supply their own clock.
func New(nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{
		tasks:     map[uuid.UUID]domain.Task{},
		steps:     map[uuid.UUID]domain.Step{},
		edges:     map[uuid.UUID][]domain.Edge{},
		templates: map[string]domain.TaskTemplate{},
		identity:  map[string]uuid.UUID{},
		results:   map[resultKey]domain.StepResult{},
		dlq:       map[uuid.UUID]domain.DLQEntry{},
		now:       nowFn,
	}
}

var _ store.Store = (*Store)(nil)

func templateKey(namespace, name string, version int) string {
	return fmt.Sprintf("%s|%s|%d", namespace, name, version)
}

func identityKey(namespace, hash string) string { return namespace + "|" + hash }

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) PutTemplate(ctx context.Context, tmpl domain.TaskTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[templateKey(tmpl.Namespace, tmpl.Name, tmpl.Version)] = tmpl
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, namespace, name string, version int) (domain.TaskTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version != 0 {
		t, ok := s.templates[templateKey(namespace, name, version)]
		if !ok {
			return domain.TaskTemplate{}, apperrors.Classify(apperrors.KindPermanent, "TEMPLATE_NOT_FOUND", apperrors.ErrNotFound)
		}
		return t, nil
	}
	best := -1
	var found domain.TaskTemplate
	for _, t := range s.templates {
		if t.Namespace == namespace && t.Name == name && t.Version > best {
			best = t.Version
			found = t
		}
	}
	if best < 0 {
		return domain.TaskTemplate{}, apperrors.Classify(apperrors.KindPermanent, "TEMPLATE_NOT_FOUND", apperrors.ErrNotFound)
	}
	return found, nil
}

func (s *Store) BeginTask(ctx context.Context, req domain.TaskRequest, tmpl domain.TaskTemplate, identityHash string) (store.BeginTaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdentityStrategy != domain.IdentityAlwaysUnique {
		if existingID, ok := s.identity[identityKey(req.Namespace, identityHash)]; ok {
			if existing, ok := s.tasks[existingID]; ok && !existing.State.IsTerminal() {
				steps := s.stepsForTaskLocked(existingID)
				return store.BeginTaskResult{Task: existing, Steps: steps, Deduped: true}, nil
			}
		}
	}

	now := s.now()
	taskID := uuid.New()
	task := domain.Task{
		ID:             taskID,
		Namespace:      req.Namespace,
		TemplateName:   tmpl.Name,
		TemplateVer:    tmpl.Version,
		IdentityHash:   identityHash,
		Context:        req.Context,
		State:          domain.TaskPending,
		CorrelationID:  req.Initiator,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastTransition: now,
	}

	byName := make(map[string]uuid.UUID, len(tmpl.Steps))
	steps := make([]domain.Step, 0, len(tmpl.Steps))
	for i, sd := range tmpl.Steps {
		stepID := uuid.New()
		byName[sd.Name] = stepID
		initState := domain.StepPending
		if sd.DynamicOnly {
			// Branch steps reachable only through decision expansion stay
			// unready until an edge is wired to them (spec §4.6).
			initState = domain.StepBlocked
		}
		st := domain.Step{
			ID:              stepID,
			TaskID:          taskID,
			Namespace:       req.Namespace,
			Name:            sd.Name,
			Kind:            sd.Kind,
			HandlerName:     sd.HandlerName,
			State:           initState,
			MaxAttempts:     sd.MaxAttempts,
			Retryable:       sd.Retryable,
			DependencyDepth: 0,
			CreatedAt:       now,
			UpdatedAt:       now,
			LastTransition:  now,
		}
		_ = i
		steps = append(steps, st)
		s.steps[stepID] = st
	}

	edges := make([]domain.Edge, 0, len(tmpl.Edges))
	for _, ed := range tmpl.Edges {
		from, fok := byName[ed.From]
		to, tok := byName[ed.To]
		if !fok || !tok {
			return store.BeginTaskResult{}, fmt.Errorf("begin_task: edge references unknown step name (%s -> %s)", ed.From, ed.To)
		}
		edges = append(edges, domain.Edge{TaskID: taskID, From: from, To: to})
	}
	s.recomputeDepthsLocked(taskID, steps, edges)
	s.edges[taskID] = edges
	s.tasks[taskID] = task
	if req.IdentityStrategy != domain.IdentityAlwaysUnique {
		s.identity[identityKey(req.Namespace, identityHash)] = taskID
	}

	return store.BeginTaskResult{Task: task, Steps: s.stepsForTaskLocked(taskID)}, nil
}

func (s *Store) recomputeDepthsLocked(taskID uuid.UUID, steps []domain.Step, edges []domain.Edge) {
	children := map[uuid.UUID][]uuid.UUID{}
	indeg := map[uuid.UUID]int{}
	for _, st := range steps {
		indeg[st.ID] = 0
	}
	for _, e := range edges {
		children[e.From] = append(children[e.From], e.To)
		indeg[e.To]++
	}
	queue := make([]uuid.UUID, 0)
	depth := map[uuid.UUID]int{}
	for _, st := range steps {
		if indeg[st.ID] == 0 {
			queue = append(queue, st.ID)
			depth[st.ID] = 0
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, c := range children[id] {
			if depth[id]+1 > depth[c] {
				depth[c] = depth[id] + 1
			}
			indeg[c]--
			if indeg[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	for _, st := range steps {
		st.DependencyDepth = depth[st.ID]
		s.steps[st.ID] = st
	}
}

func (s *Store) stepsForTaskLocked(taskID uuid.UUID) []domain.Step {
	out := make([]domain.Step, 0)
	for _, st := range s.steps {
		if st.TaskID == taskID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) Transition(ctx context.Context, req store.TransitionRequest) (store.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	switch req.EntityKind {
	case domain.EntityTask:
		t, ok := s.tasks[req.EntityID]
		if !ok {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindPermanent, "TASK_NOT_FOUND", apperrors.ErrNotFound)
		}
		if string(t.State) != req.From {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindConflict, "STALE_TRANSITION",
				&store.StaleTransition{EntityKind: req.EntityKind, EntityID: req.EntityID, Expected: req.From, Actual: string(t.State)})
		}
		if err := statemachine.ValidateTaskTransition(domain.TaskState(req.From), domain.TaskState(req.To)); err != nil {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindPermanent, "ILLEGAL_TRANSITION", err)
		}
		t.State = domain.TaskState(req.To)
		t.UpdatedAt = now
		t.LastTransition = now
		s.tasks[req.EntityID] = t
		rec := domain.TransitionRecord{ID: uuid.New(), EntityKind: req.EntityKind, EntityID: req.EntityID, TaskID: req.TaskID, FromState: req.From, ToState: req.To, At: now, By: req.By, Metadata: req.Metadata}
		return store.TransitionResult{Applied: true, NewState: req.To, Record: rec}, nil

	case domain.EntityStep:
		st, ok := s.steps[req.EntityID]
		if !ok {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindPermanent, "STEP_NOT_FOUND", apperrors.ErrNotFound)
		}
		if string(st.State) != req.From {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindConflict, "STALE_TRANSITION",
				&store.StaleTransition{EntityKind: req.EntityKind, EntityID: req.EntityID, Expected: req.From, Actual: string(st.State)})
		}
		if err := statemachine.ValidateStepTransition(domain.StepState(req.From), domain.StepState(req.To)); err != nil {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindPermanent, "ILLEGAL_TRANSITION", err)
		}
		st.State = domain.StepState(req.To)
		st.UpdatedAt = now
		st.LastTransition = now
		if st.State == domain.StepEnqueued {
			// A step moving into Enqueued is a real dispatch attempt
			// (spec §8 scenario 3: "attempts counter reads 3").
			st.Attempts++
		}
		s.steps[req.EntityID] = st
		rec := domain.TransitionRecord{ID: uuid.New(), EntityKind: req.EntityKind, EntityID: req.EntityID, TaskID: req.TaskID, FromState: req.From, ToState: req.To, At: now, By: req.By, Metadata: req.Metadata}
		return store.TransitionResult{Applied: true, NewState: req.To, Record: rec, Attempts: st.Attempts}, nil
	}
	return store.TransitionResult{}, fmt.Errorf("memstore: unknown entity kind %q", req.EntityKind)
}

func (s *Store) ReadReadySteps(ctx context.Context, namespace string, limit int) ([]domain.StepSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	parentsByChild := map[uuid.UUID][]uuid.UUID{}
	for _, edges := range s.edges {
		for _, e := range edges {
			parentsByChild[e.To] = append(parentsByChild[e.To], e.From)
		}
	}

	candidates := make([]domain.Step, 0)
	for _, st := range s.steps {
		if st.Namespace != namespace {
			continue
		}
		switch st.State {
		case domain.StepPending:
		case domain.StepWaitingForRetry:
			if st.NextAttemptAt.After(now) {
				continue
			}
		default:
			continue
		}
		ready := true
		for _, p := range parentsByChild[st.ID] {
			parent, ok := s.steps[p]
			if !ok || !parent.State.IsTerminalSuccess() {
				ready = false
				break
			}
		}
		if ready {
			candidates = append(candidates, st)
		}
	}

	taskCreated := map[uuid.UUID]time.Time{}
	for _, t := range s.tasks {
		taskCreated[t.ID] = t.CreatedAt
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		ti, tj := taskCreated[ci.TaskID], taskCreated[cj.TaskID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if ci.DependencyDepth != cj.DependencyDepth {
			return ci.DependencyDepth < cj.DependencyDepth
		}
		return ci.Name < cj.Name
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.StepSnapshot, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.StepSnapshot{Step: c, TaskID: c.TaskID, Namespace: c.Namespace})
	}
	return out, nil
}

func (s *Store) RecordResult(ctx context.Context, result domain.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := resultKey{step: result.StepID, attempt: result.Attempt}
	if existing, ok := s.results[k]; ok && existing.Outcome.Success != nil {
		return nil // idempotent: drop duplicate delivery
	}
	if result.Outcome.Success != nil {
		st, ok := s.steps[result.StepID]
		if ok {
			st.Results = result.Outcome.Success.Payload
			s.steps[result.StepID] = st
		}
	}
	s.results[k] = result
	return nil
}

func (s *Store) CASGraphMutation(ctx context.Context, m store.GraphMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.edges[m.TaskID]
	merged := append(append([]domain.Edge{}, existing...), m.NewEdges...)
	if hasCycle(merged) {
		return apperrors.Classify(apperrors.KindPermanent, "CYCLIC_MUTATION", apperrors.ErrCyclic)
	}
	for _, st := range m.NewSteps {
		s.steps[st.ID] = st
	}
	now := s.now()
	for _, stepID := range m.UnblockSteps {
		st, ok := s.steps[stepID]
		if !ok || st.State != domain.StepBlocked {
			continue // already unblocked, or not part of this task; idempotent
		}
		st.State = domain.StepPending
		st.UpdatedAt = now
		st.LastTransition = now
		s.steps[stepID] = st
	}
	s.edges[m.TaskID] = merged
	allSteps := s.stepsForTaskLocked(m.TaskID)
	s.recomputeDepthsLocked(m.TaskID, allSteps, merged)
	return nil
}

func hasCycle(edges []domain.Edge) bool {
	adj := map[uuid.UUID][]uuid.UUID{}
	nodes := map[uuid.UUID]bool{}
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
		nodes[e.From] = true
		nodes[e.To] = true
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[uuid.UUID]int{}
	var visit func(n uuid.UUID) bool
	visit = func(n uuid.UUID) bool {
		color[n] = gray
		for _, m := range adj[n] {
			if color[m] == gray {
				return true
			}
			if color[m] == white && visit(m) {
				return true
			}
		}
		color[n] = black
		return false
	}
	for n := range nodes {
		if color[n] == white {
			if visit(n) {
				return true
			}
		}
	}
	return false
}

func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, apperrors.Classify(apperrors.KindPermanent, "TASK_NOT_FOUND", apperrors.ErrNotFound)
	}
	return t, nil
}

func (s *Store) GetStep(ctx context.Context, stepID uuid.UUID) (domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return domain.Step{}, apperrors.Classify(apperrors.KindPermanent, "STEP_NOT_FOUND", apperrors.ErrNotFound)
	}
	return st, nil
}

func (s *Store) ListSteps(ctx context.Context, taskID uuid.UUID) ([]domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepsForTaskLocked(taskID), nil
}

func (s *Store) ListEdges(ctx context.Context, taskID uuid.UUID) ([]domain.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Edge{}, s.edges[taskID]...), nil
}

func (s *Store) FindStaleSteps(ctx context.Context, olderThan time.Time, limit int) ([]domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Step, 0)
	for _, st := range s.steps {
		if st.State == domain.StepInProgress && st.LastHeartbeat.Before(olderThan) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeat.Before(out[j].LastHeartbeat) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindStaleTasks(ctx context.Context, olderThan time.Time, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0)
	for _, t := range s.tasks {
		if !t.State.IsTerminal() && t.LastTransition.Before(olderThan) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTransition.Before(out[j].LastTransition) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Heartbeat(ctx context.Context, stepID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return apperrors.Classify(apperrors.KindPermanent, "STEP_NOT_FOUND", apperrors.ErrNotFound)
	}
	st.LastHeartbeat = s.now()
	s.steps[stepID] = st
	return nil
}

func (s *Store) Checkpoint(ctx context.Context, stepID uuid.UUID, checkpoint []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return apperrors.Classify(apperrors.KindPermanent, "STEP_NOT_FOUND", apperrors.ErrNotFound)
	}
	st.Checkpoint = checkpoint
	st.LastHeartbeat = s.now()
	s.steps[stepID] = st
	return nil
}

func (s *Store) WriteDLQEntry(ctx context.Context, entry domain.DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.Resolution == "" {
		entry.Resolution = domain.DLQUnresolved
	}
	s.dlq[entry.ID] = entry
	return nil
}

func (s *Store) ListDLQEntries(ctx context.Context, namespace string, resolution domain.DLQResolution, limit int) ([]domain.DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DLQEntry, 0)
	for _, e := range s.dlq {
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		if resolution != "" && e.Resolution != resolution {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ResolveDLQEntry(ctx context.Context, id uuid.UUID, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.dlq[id]
	if !ok {
		return apperrors.Classify(apperrors.KindPermanent, "DLQ_ENTRY_NOT_FOUND", apperrors.ErrNotFound)
	}
	e.Resolution = domain.DLQResolvedManually
	e.ResolvedAt = s.now()
	e.ResolvedBy = resolvedBy
	s.dlq[id] = e
	return nil
}

func (s *Store) FindTaskByIdentity(ctx context.Context, namespace, identityHash string) (domain.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identity[identityKey(namespace, identityHash)]
	if !ok {
		return domain.Task{}, false, nil
	}
	t, ok := s.tasks[id]
	return t, ok, nil
}
