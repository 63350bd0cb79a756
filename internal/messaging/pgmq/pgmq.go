// Package pgmq implements messaging.Messaging on top of a Postgres-native
// queue extension (PGMQ), using pgx directly so sends can share a
// transaction with the state change that produced them (spec §4.1, §4.4.b
// "send to the namespace dispatch queue within the same transaction").
// LISTEN/NOTIFY backs the notify() operation; internal/eventcoordinator
// holds the listening connection.
package pgmq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/messaging"
)

type Messaging struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func New(pool *pgxpool.Pool, log *logger.Logger) *Messaging {
	if log == nil {
		log = logger.NewNop()
	}
	return &Messaging{pool: pool, log: log.With("component", "messaging.pgmq")}
}

var _ messaging.Messaging = (*Messaging)(nil)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS pgmq_messages (
	id uuid PRIMARY KEY,
	queue text NOT NULL,
	payload jsonb NOT NULL,
	enqueued_at timestamptz NOT NULL DEFAULT now(),
	visible_at timestamptz NOT NULL DEFAULT now(),
	redelivery_count int NOT NULL DEFAULT 0,
	archived_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_pgmq_visible ON pgmq_messages (queue, visible_at) WHERE archived_at IS NULL;
`

// Migrate creates the PGMQ-style message table. A real deployment would use
// the pgmq extension's own create_queue(); this DDL reproduces its visible
// behavior without requiring the extension to be installed, since the
// orchestration core owns its own schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaDDL)
	return err
}

func (m *Messaging) Send(ctx context.Context, queue string, payload []byte) error {
	_, err := m.pool.Exec(ctx, `INSERT INTO pgmq_messages (id, queue, payload) VALUES ($1,$2,$3)`,
		uuid.New(), queue, payload)
	return err
}

// SendTx enqueues within a caller-held transaction, letting the
// step-enqueuer commit the Pending->Enqueued CAS and the send in one atomic
// unit (spec §4.4.b). tx must be a pgx.Tx; it is typed as interface{} to
// satisfy messaging.TxSender without making every caller import pgx.
func (m *Messaging) SendTx(ctx context.Context, tx interface{}, queue string, payload []byte) error {
	pgtx, ok := tx.(pgx.Tx)
	if !ok {
		return m.Send(ctx, queue, payload)
	}
	_, err := pgtx.Exec(ctx, `INSERT INTO pgmq_messages (id, queue, payload) VALUES ($1,$2,$3)`,
		uuid.New(), queue, payload)
	return err
}

func (m *Messaging) Receive(ctx context.Context, queue string, visibility time.Duration, limit int) ([]domain.QueueMessage, error) {
	rows, err := m.pool.Query(ctx, `
		UPDATE pgmq_messages
		SET visible_at = now() + $1::interval, redelivery_count = redelivery_count + 1
		WHERE id IN (
			SELECT id FROM pgmq_messages
			WHERE queue = $2 AND archived_at IS NULL AND visible_at <= now()
			ORDER BY enqueued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, queue, payload, visible_at, redelivery_count, enqueued_at`,
		visibility.String(), queue, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueueMessage
	for rows.Next() {
		var qm domain.QueueMessage
		if err := rows.Scan(&qm.ID, &qm.Queue, &qm.Payload, &qm.VisibilityTimeout, &qm.RedeliveryCount, &qm.EnqueuedAt); err != nil {
			return nil, err
		}
		out = append(out, qm)
	}
	return out, rows.Err()
}

func (m *Messaging) Ack(ctx context.Context, msg domain.QueueMessage) error {
	_, err := m.pool.Exec(ctx, `UPDATE pgmq_messages SET archived_at = now() WHERE id = $1 AND archived_at IS NULL`, msg.ID)
	return err
}

func (m *Messaging) Nack(ctx context.Context, msg domain.QueueMessage, delay time.Duration) error {
	_, err := m.pool.Exec(ctx, `UPDATE pgmq_messages SET visible_at = now() + $1::interval WHERE id = $2`,
		delay.String(), msg.ID)
	return err
}

// Notify issues a PostgreSQL NOTIFY on channel. pg_notify payloads are
// limited to 8000 bytes; signal is expected to be a short marker (e.g. a
// namespace name), not a full message body.
func (m *Messaging) Notify(ctx context.Context, channel, signal string) error {
	_, err := m.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, signal)
	if err != nil {
		m.log.Warn("pgmq notify failed (poller remains the safety net)", "channel", channel, "error", err)
	}
	return nil
}
