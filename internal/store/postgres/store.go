package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker-core/internal/apperrors"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/statemachine"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// Store is the postgres-backed store.Store. It holds a pgxpool.Pool for the
// hot-path CAS and readiness SQL, and a *gorm.DB (sharing the same
// underlying database) for templates, DLQ entries, and audit rows.
type Store struct {
	pool *pgxpool.Pool
	gdb  *gorm.DB
	log  *logger.Logger
}

// New wraps an already-connected pool and gorm handle. Connection
// establishment and pool sizing live in cmd/orchestrator's bootstrap, driven
// by internal/config's database.pool.* options.
func New(pool *pgxpool.Pool, gdb *gorm.DB, log *logger.Logger) (*Store, error) {
	if pool == nil || gdb == nil {
		return nil, fmt.Errorf("postgres store: pool and gorm handle are required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{pool: pool, gdb: gdb, log: log.With("component", "store.postgres")}, nil
}

// Migrate runs GORM AutoMigrate for the ancillary tables and creates the
// hot-path tables (tasks, steps, edges) via raw DDL, since those need
// hand-tuned indexes the readiness query depends on.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.gdb.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("postgres store: automigrate: %w", err)
	}
	_, err := s.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("postgres store: schema ddl: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tasks (
	id uuid PRIMARY KEY,
	namespace text NOT NULL,
	template_name text NOT NULL,
	template_version int NOT NULL,
	identity_hash text NOT NULL,
	context jsonb,
	state text NOT NULL,
	correlation_id text,
	last_error text,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	last_transition timestamptz NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_identity ON tasks (namespace, identity_hash)
	WHERE state NOT IN ('complete', 'error', 'cancelled', 'resolved_manually');
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks (state, last_transition);

CREATE TABLE IF NOT EXISTS steps (
	id uuid PRIMARY KEY,
	task_id uuid NOT NULL REFERENCES tasks(id),
	namespace text NOT NULL,
	name text NOT NULL,
	kind text NOT NULL,
	handler_name text NOT NULL,
	state text NOT NULL,
	attempts int NOT NULL DEFAULT 0,
	max_attempts int NOT NULL DEFAULT 1,
	retryable boolean NOT NULL DEFAULT true,
	dependency_depth int NOT NULL DEFAULT 0,
	inputs jsonb,
	results jsonb,
	checkpoint jsonb,
	last_error text,
	next_attempt_at timestamptz,
	last_heartbeat timestamptz,
	breaker_bypass boolean NOT NULL DEFAULT false,
	batch_cursor_start bigint NOT NULL DEFAULT 0,
	batch_cursor_end bigint NOT NULL DEFAULT 0,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	last_transition timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_readiness ON steps (namespace, state, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_steps_task ON steps (task_id);
CREATE INDEX IF NOT EXISTS idx_steps_heartbeat ON steps (state, last_heartbeat);

CREATE TABLE IF NOT EXISTS edges (
	task_id uuid NOT NULL REFERENCES tasks(id),
	from_step uuid NOT NULL REFERENCES steps(id),
	to_step uuid NOT NULL REFERENCES steps(id),
	PRIMARY KEY (from_step, to_step)
);
CREATE INDEX IF NOT EXISTS idx_edges_task ON edges (task_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges (to_step);
`

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// BeginTask inserts the task row, all step rows from the template, and all
// static edges, in a single transaction (spec §4.1). Dedup is resolved by
// the partial unique index on (namespace, identity_hash) for non-terminal
// tasks: a conflicting insert falls back to reading the existing row.
func (s *Store) BeginTask(ctx context.Context, req domain.TaskRequest, tmpl domain.TaskTemplate, identityHash string) (store.BeginTaskResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.BeginTaskResult{}, apperrors.Classify(apperrors.KindRetryable, "DB_BEGIN", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	taskID := uuid.New()

	if req.IdentityStrategy != domain.IdentityAlwaysUnique {
		existing, found, err := s.findActiveByIdentityTx(ctx, tx, req.Namespace, identityHash)
		if err != nil {
			return store.BeginTaskResult{}, err
		}
		if found {
			steps, err := s.listStepsTx(ctx, tx, existing.ID)
			if err != nil {
				return store.BeginTaskResult{}, err
			}
			return store.BeginTaskResult{Task: existing, Steps: steps, Deduped: true}, tx.Commit(ctx)
		}
	}

	ctxJSON := req.Context
	if ctxJSON == nil {
		ctxJSON = []byte("{}")
	}
	_, err = tx.Exec(ctx, `INSERT INTO tasks
		(id, namespace, template_name, template_version, identity_hash, context, state, correlation_id, created_at, updated_at, last_transition)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9,$9)`,
		taskID, req.Namespace, tmpl.Name, tmpl.Version, identityHash, ctxJSON, domain.TaskPending, req.Initiator, now)
	if err != nil {
		cerr := classifyPG("BEGIN_TASK_INSERT", err)
		if req.IdentityStrategy != domain.IdentityAlwaysUnique && apperrors.KindOf(cerr) == apperrors.KindConflict {
			// A concurrent submission won the partial unique index: return its task.
			_ = tx.Rollback(ctx)
			if existing, found, ferr := s.FindTaskByIdentity(ctx, req.Namespace, identityHash); ferr == nil && found {
				if steps, serr := s.ListSteps(ctx, existing.ID); serr == nil {
					return store.BeginTaskResult{Task: existing, Steps: steps, Deduped: true}, nil
				}
			}
		}
		return store.BeginTaskResult{}, cerr
	}

	byName := make(map[string]uuid.UUID, len(tmpl.Steps))
	steps := make([]domain.Step, 0, len(tmpl.Steps))
	for _, sd := range tmpl.Steps {
		stepID := uuid.New()
		byName[sd.Name] = stepID
		inputs := []byte("{}")
		initState := domain.StepPending
		if sd.DynamicOnly {
			// Branch steps reachable only through decision expansion stay
			// unready until an edge is wired to them (spec §4.6).
			initState = domain.StepBlocked
		}
		_, err = tx.Exec(ctx, `INSERT INTO steps
			(id, task_id, namespace, name, kind, handler_name, state, attempts, max_attempts, retryable, inputs, created_at, updated_at, last_transition)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10,$11,$11,$11)`,
			stepID, taskID, req.Namespace, sd.Name, sd.Kind, sd.HandlerName, initState, sd.MaxAttempts, sd.Retryable, inputs, now)
		if err != nil {
			return store.BeginTaskResult{}, classifyPG("BEGIN_TASK_STEP_INSERT", err)
		}
		steps = append(steps, domain.Step{
			ID: stepID, TaskID: taskID, Namespace: req.Namespace, Name: sd.Name, Kind: sd.Kind,
			HandlerName: sd.HandlerName, State: initState, MaxAttempts: sd.MaxAttempts,
			Retryable: sd.Retryable, Inputs: inputs, CreatedAt: now, UpdatedAt: now, LastTransition: now,
		})
	}

	for _, ed := range tmpl.Edges {
		from, fok := byName[ed.From]
		to, tok := byName[ed.To]
		if !fok || !tok {
			return store.BeginTaskResult{}, fmt.Errorf("begin_task: edge references unknown step name (%s -> %s)", ed.From, ed.To)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO edges (task_id, from_step, to_step) VALUES ($1,$2,$3)`, taskID, from, to); err != nil {
			return store.BeginTaskResult{}, classifyPG("BEGIN_TASK_EDGE_INSERT", err)
		}
	}

	if err := recomputeDepthsTx(ctx, tx, taskID); err != nil {
		return store.BeginTaskResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.BeginTaskResult{}, classifyPG("BEGIN_TASK_COMMIT", err)
	}

	task := domain.Task{
		ID: taskID, Namespace: req.Namespace, TemplateName: tmpl.Name, TemplateVer: tmpl.Version,
		IdentityHash: identityHash, Context: ctxJSON, State: domain.TaskPending,
		CorrelationID: req.Initiator, CreatedAt: now, UpdatedAt: now, LastTransition: now,
	}
	return store.BeginTaskResult{Task: task, Steps: steps}, nil
}

// recomputeDepthsTx recomputes each step's dependency_depth (longest path
// from a root) after a graph mutation, used by both BeginTask and
// CASGraphMutation so the readiness engine's tie-break ordering (spec §4.3)
// stays accurate after dynamic expansion.
func recomputeDepthsTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		WITH RECURSIVE depth(id, d) AS (
			SELECT s.id, 0 FROM steps s
			WHERE s.task_id = $1 AND NOT EXISTS (SELECT 1 FROM edges e WHERE e.to_step = s.id)
			UNION ALL
			SELECT e.to_step, depth.d + 1
			FROM edges e JOIN depth ON e.from_step = depth.id
			WHERE e.task_id = $1
		),
		maxdepth AS (
			SELECT id, MAX(d) AS d FROM depth GROUP BY id
		)
		UPDATE steps s SET dependency_depth = maxdepth.d
		FROM maxdepth WHERE s.id = maxdepth.id AND s.task_id = $1`, taskID)
	return err
}

func (s *Store) findActiveByIdentityTx(ctx context.Context, tx pgx.Tx, namespace, hash string) (domain.Task, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE namespace=$1 AND identity_hash=$2
		AND state NOT IN ('complete','error','cancelled','resolved_manually')
		LIMIT 1`, namespace, hash)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, classifyPG("FIND_BY_IDENTITY", err)
	}
	return t, true, nil
}

func (s *Store) listStepsTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) ([]domain.Step, error) {
	rows, err := tx.Query(ctx, `SELECT `+stepColumns+` FROM steps WHERE task_id=$1 ORDER BY name`, taskID)
	if err != nil {
		return nil, classifyPG("LIST_STEPS", err)
	}
	defer rows.Close()
	var out []domain.Step
	for rows.Next() {
		st, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Transition performs the compare-and-swap described in spec §4.2: update
// current_state WHERE current_state = from, and insert the transition
// record in the same statement batch. A zero rows-affected means the CAS
// lost the race, surfaced as apperrors.KindConflict via *store.StaleTransition.
func (s *Store) Transition(ctx context.Context, req store.TransitionRequest) (store.TransitionResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.TransitionResult{}, apperrors.Classify(apperrors.KindRetryable, "DB_BEGIN", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var table string
	switch req.EntityKind {
	case domain.EntityTask:
		if err := statemachine.ValidateTaskTransition(domain.TaskState(req.From), domain.TaskState(req.To)); err != nil {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindPermanent, "ILLEGAL_TRANSITION", err)
		}
		table = "tasks"
	case domain.EntityStep:
		if err := statemachine.ValidateStepTransition(domain.StepState(req.From), domain.StepState(req.To)); err != nil {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindPermanent, "ILLEGAL_TRANSITION", err)
		}
		table = "steps"
	default:
		return store.TransitionResult{}, fmt.Errorf("postgres store: unknown entity kind %q", req.EntityKind)
	}

	now := time.Now().UTC()
	// A step moving into Enqueued is a real dispatch attempt (spec §8
	// scenario 3: "attempts counter reads 3"); bump attempts in the same
	// CAS statement so the count is durable and race-free with any
	// concurrent enqueue.
	bumpAttempts := req.EntityKind == domain.EntityStep && domain.StepState(req.To) == domain.StepEnqueued
	var tag pgconn.CommandTag
	if bumpAttempts {
		tag, err = tx.Exec(ctx, `UPDATE steps SET state=$1, attempts=attempts+1, updated_at=$2, last_transition=$2
			WHERE id=$3 AND state=$4`, req.To, now, req.EntityID, req.From)
	} else {
		tag, err = tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET state=$1, updated_at=$2, last_transition=$2
			WHERE id=$3 AND state=$4`, table), req.To, now, req.EntityID, req.From)
	}
	if err != nil {
		return store.TransitionResult{}, classifyPG("TRANSITION_UPDATE", err)
	}
	if tag.RowsAffected() == 0 {
		var actual string
		row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE id=$1`, table), req.EntityID)
		if scanErr := row.Scan(&actual); scanErr != nil {
			return store.TransitionResult{}, apperrors.Classify(apperrors.KindPermanent, "ENTITY_NOT_FOUND", apperrors.ErrNotFound)
		}
		return store.TransitionResult{}, apperrors.Classify(apperrors.KindConflict, "STALE_TRANSITION",
			&store.StaleTransition{EntityKind: req.EntityKind, EntityID: req.EntityID, Expected: req.From, Actual: actual})
	}

	rec := domain.TransitionRecord{
		ID: uuid.New(), EntityKind: req.EntityKind, EntityID: req.EntityID, TaskID: req.TaskID,
		FromState: req.From, ToState: req.To, At: now, By: req.By, Metadata: req.Metadata,
	}
	meta := rec.Metadata
	if meta == nil {
		meta = []byte("{}")
	}
	_, err = tx.Exec(ctx, `INSERT INTO transitions (id, entity_kind, entity_id, task_id, from_state, to_state, at, by, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.EntityKind, rec.EntityID, rec.TaskID, rec.FromState, rec.ToState, rec.At, rec.By, meta)
	if err != nil {
		return store.TransitionResult{}, classifyPG("TRANSITION_AUDIT_INSERT", err)
	}

	var attempts int
	if req.EntityKind == domain.EntityStep {
		if scanErr := tx.QueryRow(ctx, `SELECT attempts FROM steps WHERE id=$1`, req.EntityID).Scan(&attempts); scanErr != nil {
			return store.TransitionResult{}, classifyPG("TRANSITION_ATTEMPTS_READBACK", scanErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.TransitionResult{}, classifyPG("TRANSITION_COMMIT", err)
	}
	return store.TransitionResult{Applied: true, NewState: req.To, Record: rec, Attempts: attempts}, nil
}

// ReadReadySteps implements the readiness query (spec §4.3) as a single SQL
// statement: steps whose parents are all terminal-success and whose own
// state is pending (or waiting_for_retry past its backoff), tie-broken by
// task creation time, dependency depth, then step name.
func (s *Store) ReadReadySteps(ctx context.Context, namespace string, limit int) ([]domain.StepSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+qualify("s", stepColumns)+`
		FROM steps s
		JOIN tasks t ON t.id = s.task_id
		WHERE s.namespace = $1
		  AND (
			s.state = 'pending'
			OR (s.state = 'waiting_for_retry' AND s.next_attempt_at <= now())
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM edges e JOIN steps p ON p.id = e.from_step
			WHERE e.to_step = s.id AND p.state NOT IN ('complete', 'skipped')
		  )
		ORDER BY t.created_at ASC, s.dependency_depth ASC, s.name ASC
		LIMIT $2`, namespace, limit)
	if err != nil {
		return nil, classifyPG("READY_STEPS_QUERY", err)
	}
	defer rows.Close()

	var out []domain.StepSnapshot
	for rows.Next() {
		st, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.StepSnapshot{Step: st, TaskID: st.TaskID, Namespace: st.Namespace})
	}
	return out, rows.Err()
}

// RecordResult is idempotent on (step_id, attempt) via the unique index on
// ResultModel; a conflicting insert over an existing success is rejected
// (spec invariant 7).
func (s *Store) RecordResult(ctx context.Context, result domain.StepResult) error {
	m := ResultModel{
		ID: uuid.New(), TaskID: result.TaskID, StepID: result.StepID, Attempt: result.Attempt,
		RecordedAt: time.Now().UTC(),
	}
	if result.Outcome.Success != nil {
		m.Success = true
		m.Payload = toJSONB(result.Outcome.Success.Payload)
		m.Metadata = toJSONB(result.Outcome.Success.Metadata)
	} else if result.Outcome.Failure != nil {
		m.Success = false
		m.ErrorMsg = result.Outcome.Failure.Message
		m.ErrorCode = result.Outcome.Failure.ErrorCode
		m.Metadata = toJSONB(result.Outcome.Failure.Metadata)
	}

	res := s.gdb.WithContext(ctx).
		Clauses(onConflictDoNothing("idx_result_attempt")).
		Create(&m)
	if res.Error != nil {
		return classifyPG("RECORD_RESULT", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil // duplicate (step_id, attempt): the recorded result stands
	}

	if result.Outcome.Success != nil {
		_, err := s.pool.Exec(ctx, `UPDATE steps SET results=$1, updated_at=now() WHERE id=$2`,
			nonNilJSON(result.Outcome.Success.Payload), result.StepID)
		if err != nil {
			return classifyPG("RECORD_RESULT_STEP_UPDATE", err)
		}
	}
	return nil
}

// CASGraphMutation adds steps/edges to a task's DAG after validating the
// resulting edge set remains acyclic via a recursive CTE reachability check,
// all inside one transaction (spec §9 "acyclicity is enforced inside a
// single transaction with a CTE reachability check before commit").
func (s *Store) CASGraphMutation(ctx context.Context, m store.GraphMutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Classify(apperrors.KindRetryable, "DB_BEGIN", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	for _, st := range m.NewSteps {
		inputs := st.Inputs
		if inputs == nil {
			inputs = []byte("{}")
		}
		_, err = tx.Exec(ctx, `INSERT INTO steps
			(id, task_id, namespace, name, kind, handler_name, state, attempts, max_attempts, retryable,
			 inputs, batch_cursor_start, batch_cursor_end, created_at, updated_at, last_transition)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14,$14)`,
			st.ID, m.TaskID, st.Namespace, st.Name, st.Kind, st.HandlerName, st.State, st.Attempts,
			st.MaxAttempts, st.Retryable, inputs, st.BatchCursorStart, st.BatchCursorEnd, now)
		if err != nil {
			return classifyPG("GRAPH_MUTATION_STEP_INSERT", err)
		}
	}
	for _, e := range m.NewEdges {
		if _, err = tx.Exec(ctx, `INSERT INTO edges (task_id, from_step, to_step) VALUES ($1,$2,$3)
			ON CONFLICT DO NOTHING`, m.TaskID, e.From, e.To); err != nil {
			return classifyPG("GRAPH_MUTATION_EDGE_INSERT", err)
		}
	}

	for _, stepID := range m.UnblockSteps {
		tag, err := tx.Exec(ctx, `UPDATE steps SET state=$1, updated_at=$2, last_transition=$2
			WHERE id=$3 AND task_id=$4 AND state=$5`,
			domain.StepPending, now, stepID, m.TaskID, domain.StepBlocked)
		if err != nil {
			return classifyPG("GRAPH_MUTATION_UNBLOCK", err)
		}
		if tag.RowsAffected() == 0 {
			continue // already unblocked by a concurrent expansion; idempotent
		}
		rec := domain.TransitionRecord{
			ID: uuid.New(), EntityKind: domain.EntityStep, EntityID: stepID, TaskID: m.TaskID,
			FromState: string(domain.StepBlocked), ToState: string(domain.StepPending), At: now, By: "decision-expander",
		}
		if _, err = tx.Exec(ctx, `INSERT INTO transitions (id, entity_kind, entity_id, task_id, from_state, to_state, at, by, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'{}')`,
			rec.ID, rec.EntityKind, rec.EntityID, rec.TaskID, rec.FromState, rec.ToState, rec.At, rec.By); err != nil {
			return classifyPG("GRAPH_MUTATION_UNBLOCK_AUDIT", err)
		}
	}

	var cyclic bool
	err = tx.QueryRow(ctx, `
		WITH RECURSIVE reach(src, dst) AS (
			SELECT from_step, to_step FROM edges WHERE task_id = $1
			UNION
			SELECT r.src, e.to_step FROM reach r JOIN edges e ON e.from_step = r.dst AND e.task_id = $1
		)
		SELECT EXISTS (SELECT 1 FROM reach WHERE src = dst)`, m.TaskID).Scan(&cyclic)
	if err != nil {
		return classifyPG("GRAPH_MUTATION_CYCLE_CHECK", err)
	}
	if cyclic {
		return apperrors.Classify(apperrors.KindPermanent, "CYCLIC_MUTATION", apperrors.ErrCyclic)
	}

	if err := recomputeDepthsTx(ctx, tx, m.TaskID); err != nil {
		return classifyPG("GRAPH_MUTATION_RECOMPUTE_DEPTH", err)
	}

	return classifyPG("GRAPH_MUTATION_COMMIT", tx.Commit(ctx))
}

func (s *Store) GetTask(ctx context.Context, taskID uuid.UUID) (domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, apperrors.Classify(apperrors.KindPermanent, "TASK_NOT_FOUND", apperrors.ErrNotFound)
		}
		return domain.Task{}, classifyPG("GET_TASK", err)
	}
	return t, nil
}

func (s *Store) GetStep(ctx context.Context, stepID uuid.UUID) (domain.Step, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id=$1`, stepID)
	st, err := scanStepRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Step{}, apperrors.Classify(apperrors.KindPermanent, "STEP_NOT_FOUND", apperrors.ErrNotFound)
		}
		return domain.Step{}, classifyPG("GET_STEP", err)
	}
	return st, nil
}

func (s *Store) ListSteps(ctx context.Context, taskID uuid.UUID) ([]domain.Step, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM steps WHERE task_id=$1 ORDER BY name`, taskID)
	if err != nil {
		return nil, classifyPG("LIST_STEPS", err)
	}
	defer rows.Close()
	var out []domain.Step
	for rows.Next() {
		st, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListEdges(ctx context.Context, taskID uuid.UUID) ([]domain.Edge, error) {
	rows, err := s.pool.Query(ctx, `SELECT task_id, from_step, to_step FROM edges WHERE task_id=$1`, taskID)
	if err != nil {
		return nil, classifyPG("LIST_EDGES", err)
	}
	defer rows.Close()
	var out []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.TaskID, &e.From, &e.To); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetTemplate(ctx context.Context, namespace, name string, version int) (domain.TaskTemplate, error) {
	q := s.gdb.WithContext(ctx).Where("namespace = ? AND name = ?", namespace, name)
	if version != 0 {
		q = q.Where("version = ?", version)
	} else {
		q = q.Order("version DESC")
	}
	var m TemplateModel
	if err := q.First(&m).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.TaskTemplate{}, apperrors.Classify(apperrors.KindPermanent, "TEMPLATE_NOT_FOUND", apperrors.ErrNotFound)
		}
		return domain.TaskTemplate{}, classifyPG("GET_TEMPLATE", err)
	}
	return templateFromModel(m)
}

func (s *Store) PutTemplate(ctx context.Context, tmpl domain.TaskTemplate) error {
	m, err := templateToModel(tmpl)
	if err != nil {
		return err
	}
	m.ID = uuid.New()
	m.CreatedAt = time.Now().UTC()
	if err := s.gdb.WithContext(ctx).Create(&m).Error; err != nil {
		return classifyPG("PUT_TEMPLATE", err)
	}
	return nil
}

func (s *Store) FindStaleSteps(ctx context.Context, olderThan time.Time, limit int) ([]domain.Step, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM steps
		WHERE state='in_progress' AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		ORDER BY last_heartbeat ASC NULLS FIRST LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, classifyPG("FIND_STALE_STEPS", err)
	}
	defer rows.Close()
	var out []domain.Step
	for rows.Next() {
		st, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) FindStaleTasks(ctx context.Context, olderThan time.Time, limit int) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE state NOT IN ('complete','error','cancelled','resolved_manually') AND last_transition < $1
		ORDER BY last_transition ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, classifyPG("FIND_STALE_TASKS", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) Heartbeat(ctx context.Context, stepID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE steps SET last_heartbeat=now() WHERE id=$1`, stepID)
	return classifyPG("HEARTBEAT", err)
}

func (s *Store) Checkpoint(ctx context.Context, stepID uuid.UUID, checkpoint []byte) error {
	_, err := s.pool.Exec(ctx, `UPDATE steps SET checkpoint=$1, last_heartbeat=now(), updated_at=now() WHERE id=$2`,
		nonNilJSON(checkpoint), stepID)
	return classifyPG("CHECKPOINT", err)
}

func (s *Store) WriteDLQEntry(ctx context.Context, entry domain.DLQEntry) error {
	m := DLQModel{
		ID: entry.ID, TaskID: entry.TaskID, StepID: entry.StepID, Namespace: entry.Namespace,
		StepName: entry.StepName, ReasonCode: entry.ReasonCode, ErrorSnapshot: toJSONB(entry.ErrorSnapshot),
		Context: toJSONB(entry.Context), Resolution: string(domain.DLQUnresolved), CreatedAt: time.Now().UTC(),
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if err := s.gdb.WithContext(ctx).Create(&m).Error; err != nil {
		return classifyPG("WRITE_DLQ_ENTRY", err)
	}
	return nil
}

func (s *Store) ListDLQEntries(ctx context.Context, namespace string, resolution domain.DLQResolution, limit int) ([]domain.DLQEntry, error) {
	q := s.gdb.WithContext(ctx).Model(&DLQModel{})
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	if resolution != "" {
		q = q.Where("resolution = ?", string(resolution))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []DLQModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, classifyPG("LIST_DLQ", err)
	}
	out := make([]domain.DLQEntry, 0, len(models))
	for _, m := range models {
		out = append(out, dlqFromModel(m))
	}
	return out, nil
}

func (s *Store) ResolveDLQEntry(ctx context.Context, id uuid.UUID, resolvedBy string) error {
	now := time.Now().UTC()
	res := s.gdb.WithContext(ctx).Model(&DLQModel{}).Where("id = ?", id).
		Updates(map[string]interface{}{"resolution": string(domain.DLQResolvedManually), "resolved_at": now, "resolved_by": resolvedBy})
	if res.Error != nil {
		return classifyPG("RESOLVE_DLQ", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.Classify(apperrors.KindPermanent, "DLQ_ENTRY_NOT_FOUND", apperrors.ErrNotFound)
	}
	return nil
}

func (s *Store) FindTaskByIdentity(ctx context.Context, namespace, identityHash string) (domain.Task, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE namespace=$1 AND identity_hash=$2
		ORDER BY created_at DESC LIMIT 1`, namespace, identityHash)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, classifyPG("FIND_TASK_BY_IDENTITY", err)
	}
	return t, true, nil
}

func templateToModel(t domain.TaskTemplate) (TemplateModel, error) {
	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return TemplateModel{}, err
	}
	edgesJSON, err := json.Marshal(t.Edges)
	if err != nil {
		return TemplateModel{}, err
	}
	policyJSON, err := json.Marshal(t.RetryPolicy)
	if err != nil {
		return TemplateModel{}, err
	}
	return TemplateModel{
		Namespace: t.Namespace, Name: t.Name, Version: t.Version, Description: t.Description,
		StepsJSON: stepsJSON, EdgesJSON: edgesJSON, RetryPolicy: policyJSON, InputSchema: toJSONB(t.InputSchema),
	}, nil
}

func templateFromModel(m TemplateModel) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	t.Namespace, t.Name, t.Version, t.Description = m.Namespace, m.Name, m.Version, m.Description
	t.InputSchema = m.InputSchema
	if err := json.Unmarshal(m.StepsJSON, &t.Steps); err != nil {
		return t, err
	}
	if err := json.Unmarshal(m.EdgesJSON, &t.Edges); err != nil {
		return t, err
	}
	if len(m.RetryPolicy) > 0 {
		if err := json.Unmarshal(m.RetryPolicy, &t.RetryPolicy); err != nil {
			return t, err
		}
	}
	return t, nil
}

func dlqFromModel(m DLQModel) domain.DLQEntry {
	e := domain.DLQEntry{
		ID: m.ID, TaskID: m.TaskID, StepID: m.StepID, Namespace: m.Namespace, StepName: m.StepName,
		ReasonCode: m.ReasonCode, ErrorSnapshot: m.ErrorSnapshot, Context: m.Context,
		Resolution: domain.DLQResolution(m.Resolution), CreatedAt: m.CreatedAt, ResolvedBy: m.ResolvedBy,
	}
	if m.ResolvedAt != nil {
		e.ResolvedAt = *m.ResolvedAt
	}
	return e
}
