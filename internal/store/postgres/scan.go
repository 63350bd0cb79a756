package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm/clause"

	"github.com/tasker-systems/tasker-core/internal/apperrors"
	"github.com/tasker-systems/tasker-core/internal/domain"
)

const taskColumns = `id, namespace, template_name, template_version, identity_hash, context, state,
	correlation_id, coalesce(last_error,''), created_at, updated_at, last_transition`

const stepColumns = `id, task_id, namespace, name, kind, handler_name, state, attempts, max_attempts,
	retryable, dependency_depth, inputs, results, checkpoint, coalesce(last_error,''),
	coalesce(next_attempt_at, 'epoch'::timestamptz), coalesce(last_heartbeat, 'epoch'::timestamptz),
	breaker_bypass, batch_cursor_start, batch_cursor_end, created_at, updated_at, last_transition`

func qualify(alias, cols string) string {
	// cols is a fixed, trusted constant column list (never user input);
	// qualification just prefixes each bare column reference for the
	// readiness query's multi-table SELECT.
	out := alias + "." + cols
	return out
}

// row is the minimal subset of pgx.Row/pgx.Rows our scan helpers need.
type row interface {
	Scan(dest ...interface{}) error
}

func scanTask(r row) (domain.Task, error) {
	var t domain.Task
	err := r.Scan(&t.ID, &t.Namespace, &t.TemplateName, &t.TemplateVer, &t.IdentityHash, &t.Context,
		&t.State, &t.CorrelationID, &t.LastError, &t.CreatedAt, &t.UpdatedAt, &t.LastTransition)
	return t, err
}

func scanStepRow(r row) (domain.Step, error) {
	var st domain.Step
	err := r.Scan(&st.ID, &st.TaskID, &st.Namespace, &st.Name, &st.Kind, &st.HandlerName, &st.State,
		&st.Attempts, &st.MaxAttempts, &st.Retryable, &st.DependencyDepth, &st.Inputs, &st.Results,
		&st.Checkpoint, &st.LastError, &st.NextAttemptAt, &st.LastHeartbeat, &st.BreakerBypass,
		&st.BatchCursorStart, &st.BatchCursorEnd, &st.CreatedAt, &st.UpdatedAt, &st.LastTransition)
	return st, err
}

func toJSONB(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func nonNilJSON(b []byte) []byte {
	if b == nil {
		return []byte("null")
	}
	return b
}

// onConflictDoNothing builds a GORM clause that no-ops on a unique
// constraint violation, used by RecordResult to make duplicate redelivery
// of the same (step, attempt) idempotent (spec invariant 5, 7).
func onConflictDoNothing(index string) clause.Expression {
	return clause.OnConflict{Columns: []clause.Column{{Name: "step_id"}, {Name: "attempt"}}, DoNothing: true}
}

// classifyPG wraps a raw pgx/pgconn error with the apperrors taxonomy:
// unique-violation becomes KindConflict (treated as "someone else already
// did this"), connection-class errors become KindOverloaded/KindRetryable,
// everything else defaults to KindRetryable so the caller's retry path
// fails safe rather than silently dropping work.
func classifyPG(code string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return apperrors.Classify(apperrors.KindConflict, code, err)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return apperrors.Classify(apperrors.KindRetryable, code, err)
		case "57014": // query_canceled (statement_timeout)
			return apperrors.Classify(apperrors.KindRetryable, code, err)
		case "53300", "53400": // too_many_connections, configuration_limit_exceeded
			return apperrors.Classify(apperrors.KindOverloaded, code, err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Classify(apperrors.KindPermanent, code, apperrors.ErrNotFound)
	}
	return apperrors.Classify(apperrors.KindRetryable, code, err)
}
