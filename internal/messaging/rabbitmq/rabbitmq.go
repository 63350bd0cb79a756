// Package rabbitmq implements messaging.Messaging over RabbitMQ using
// streadway/amqp. Because a broker connection cannot share a transaction
// with the relational store, sends go through the outbox pattern (spec §4.1,
// §9 GLOSSARY "Outbox"): SendTx writes to the outbox table inside the
// caller's transaction (Send uses a short transaction of its own), and a
// background Relay goroutine publishes unpublished rows to the broker
// afterwards, marking each published once the broker acks it or once no
// publisher confirm arrives within 5 seconds.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/streadway/amqp"
	"gorm.io/gorm"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/messaging"
)

// outboxRow mirrors store/postgres.OutboxModel; duplicated here (rather than
// imported) to keep messaging independent of the postgres store package —
// the outbox table is addressed purely through gorm's generic query API.
type outboxRow struct {
	ID          uuid.UUID  `gorm:"column:id"`
	Queue       string     `gorm:"column:queue"`
	Payload     []byte     `gorm:"column:payload"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	PublishedAt *time.Time `gorm:"column:published_at"`
}

func (outboxRow) TableName() string { return "messaging_outbox" }

type Messaging struct {
	gdb  *gorm.DB
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *logger.Logger

	// pending tracks unacked deliveries keyed by the uuid we assigned them
	// on Receive, since amqp.Delivery's own ack/nack must be called on the
	// exact delivery object returned by the channel.
	pending sync.Map
}

// Dial connects to a RabbitMQ broker at url and opens a channel.
func Dial(url string, gdb *gorm.DB, log *logger.Logger) (*Messaging, error) {
	if log == nil {
		log = logger.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	return &Messaging{gdb: gdb, conn: conn, ch: ch, log: log.With("component", "messaging.rabbitmq")}, nil
}

func (m *Messaging) Close() error {
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

var _ messaging.Messaging = (*Messaging)(nil)
var _ messaging.TxSender = (*Messaging)(nil)

func (m *Messaging) declareQueue(queue string) error {
	_, err := m.ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

// Send writes a row to the outbox table in its own short transaction. The
// Relay loop is what actually reaches the broker — this keeps Send callable
// from request paths that have no open store transaction of their own.
func (m *Messaging) Send(ctx context.Context, queue string, payload []byte) error {
	row := outboxRow{ID: uuid.New(), Queue: queue, Payload: payload, CreatedAt: time.Now().UTC()}
	return m.gdb.WithContext(ctx).Create(&row).Error
}

// SendTx writes the outbox row using the caller's transaction (a *gorm.DB
// already scoped to a transaction via db.Begin()), so the state change and
// the intent-to-publish commit atomically even though the actual broker
// publish happens later (spec §4.4.b).
func (m *Messaging) SendTx(ctx context.Context, tx interface{}, queue string, payload []byte) error {
	gtx, ok := tx.(*gorm.DB)
	if !ok {
		return m.Send(ctx, queue, payload)
	}
	row := outboxRow{ID: uuid.New(), Queue: queue, Payload: payload, CreatedAt: time.Now().UTC()}
	return gtx.WithContext(ctx).Create(&row).Error
}

// Relay polls the outbox table for unpublished rows and publishes them to
// RabbitMQ, marking each published after the broker acks it. A row with no
// confirm within 5 seconds is marked published too (with a warning); a
// nacked row stays unpublished and ends the batch until the next tick.
// It runs until ctx is cancelled; callers launch it as a background
// goroutine from cmd/orchestrator's bootstrap.
func (m *Messaging) Relay(ctx context.Context, pollInterval time.Duration, batchSize int) error {
	if err := m.ch.Confirm(false); err != nil {
		m.log.Warn("rabbitmq relay: publisher confirms unavailable, falling back to fire-and-forget", "error", err)
	}
	confirms := m.ch.NotifyPublish(make(chan amqp.Confirmation, batchSize))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.relayOnce(ctx, batchSize, confirms); err != nil {
				m.log.Warn("rabbitmq relay: batch failed, will retry next tick", "error", err)
			}
		}
	}
}

func (m *Messaging) relayOnce(ctx context.Context, batchSize int, confirms <-chan amqp.Confirmation) error {
	var rows []outboxRow
	if err := m.gdb.WithContext(ctx).Where("published_at IS NULL").
		Order("created_at ASC").Limit(batchSize).Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		if err := m.declareQueue(row.Queue); err != nil {
			return fmt.Errorf("declare queue %s: %w", row.Queue, err)
		}
		err := m.ch.Publish("", row.Queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			Body:         row.Payload,
			DeliveryMode: amqp.Persistent,
			MessageId:    row.ID.String(),
		})
		if err != nil {
			return fmt.Errorf("publish to %s: %w", row.Queue, err)
		}
		select {
		case conf := <-confirms:
			if !conf.Ack {
				return fmt.Errorf("broker nacked message %s", row.ID)
			}
		case <-time.After(5 * time.Second):
			m.log.Warn("rabbitmq relay: no publisher confirm within timeout, assuming delivered", "message_id", row.ID)
		}
		now := time.Now().UTC()
		if err := m.gdb.WithContext(ctx).Model(&outboxRow{}).Where("id = ?", row.ID).
			Update("published_at", now).Error; err != nil {
			return err
		}
	}
	return nil
}

func (m *Messaging) Receive(ctx context.Context, queue string, visibility time.Duration, limit int) ([]domain.QueueMessage, error) {
	if err := m.declareQueue(queue); err != nil {
		return nil, err
	}
	var out []domain.QueueMessage
	for i := 0; i < limit; i++ {
		delivery, ok, err := m.ch.Get(queue, false)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		id, parseErr := uuid.Parse(delivery.MessageId)
		if parseErr != nil {
			id = uuid.New()
		}
		out = append(out, domain.QueueMessage{
			ID:                id,
			Queue:             queue,
			Payload:           delivery.Body,
			VisibilityTimeout: time.Now().Add(visibility),
			RedeliveryCount:   int(delivery.DeliveryTag), // amqp has no native redelivery counter; delivery.Redelivered is boolean
		})
		m.pending.Store(id, delivery)
	}
	return out, nil
}

func (m *Messaging) Ack(ctx context.Context, msg domain.QueueMessage) error {
	d, ok := m.pending.Load(msg.ID)
	if !ok {
		return nil // idempotent: already acked or not ours
	}
	m.pending.Delete(msg.ID)
	return d.(amqp.Delivery).Ack(false)
}

func (m *Messaging) Nack(ctx context.Context, msg domain.QueueMessage, delay time.Duration) error {
	d, ok := m.pending.Load(msg.ID)
	if !ok {
		return nil
	}
	m.pending.Delete(msg.ID)
	// RabbitMQ has no native per-message visibility delay; requeueing
	// immediately is correct for at-least-once delivery, and the retry
	// path's own backoff (computed by internal/retry) is what actually
	// enforces the delay by not re-dispatching a WaitingForRetry step
	// until next_attempt_at.
	_ = delay
	return d.(amqp.Delivery).Nack(false, true)
}

// Notify publishes a zero-length marker message to a well-known
// "<channel>.ready" queue; event coordinator listeners for the RabbitMQ
// backend consume from it opportunistically, with the poller as the
// guaranteed fallback (spec §2, §4.1).
func (m *Messaging) Notify(ctx context.Context, channel, signal string) error {
	readyQueue := channel + ".ready"
	if err := m.declareQueue(readyQueue); err != nil {
		return nil //nolint:nilerr // notify is best-effort; the poller is the safety net
	}
	_ = m.ch.Publish("", readyQueue, false, false, amqp.Publishing{Body: []byte(signal)})
	return nil
}
