// Package messaging defines the backend-independent queue contract (spec
// §4.1): send, receive, ack, nack, and notify, implemented by
// messaging/pgmq (PostgreSQL-native, transactional sends) and
// messaging/rabbitmq (outbox pattern for transactional semantics over a
// broker that has no shared transaction with the store).
package messaging

import (
	"context"
	"time"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

// TxSender is implemented by backends that can enqueue atomically within a
// caller-supplied store transaction. PGMQ sends the message in the caller's
// pgx transaction; RabbitMQ writes an outbox row in the caller's gorm
// transaction and publishes it later: see messaging/rabbitmq.
type TxSender interface {
	SendTx(ctx context.Context, tx interface{}, queue string, payload []byte) error
}

// Messaging is the uniform operation set every backend must provide.
type Messaging interface {
	// Send enqueues payload onto queue outside any caller transaction;
	// transactional sends go through TxSender.SendTx. The RabbitMQ backend's
	// Send writes an outbox row that its relay publishes later.
	Send(ctx context.Context, queue string, payload []byte) error

	// Receive returns up to limit messages whose visibility has expired,
	// incrementing each one's redelivery counter.
	Receive(ctx context.Context, queue string, visibility time.Duration, limit int) ([]domain.QueueMessage, error)

	// Ack deletes or archives a message. Idempotent: acking an
	// already-acked message is a no-op, never an error.
	Ack(ctx context.Context, msg domain.QueueMessage) error

	// Nack extends a message's visibility timeout by delay, preserving its
	// redelivery counter, used by the error classifier's retry path.
	Nack(ctx context.Context, msg domain.QueueMessage, delay time.Duration) error

	// Notify sends a best-effort wakeup signal on channel; PGMQ uses
	// LISTEN/NOTIFY, RabbitMQ uses a lightweight "ready" marker message.
	// Failure to notify never blocks the caller — the poller is the
	// safety net (spec §2).
	Notify(ctx context.Context, channel, signal string) error
}

// Backend names the two supported messaging.Messaging implementations
// (spec §6 messaging.backend config option).
type Backend string

const (
	BackendPGMQ     Backend = "pgmq"
	BackendRabbitMQ Backend = "rabbitmq"
)
