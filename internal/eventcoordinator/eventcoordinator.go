// Package eventcoordinator wakes the step-enqueuer actor promptly when new
// work becomes ready, instead of waiting out the full poll interval. It
// LISTENs on a PostgreSQL channel for the notify signal messaging.Messaging
// publishes (spec §2, §4.1) and reconnects on connection loss; the actor
// ring's own ticker is the fallback poller that keeps things moving if a
// NOTIFY is ever missed (dropped connection mid-delivery, a notify sent
// before the listener connects), so this package only needs to be
// best-effort.
package eventcoordinator

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tasker-systems/tasker-core/internal/logger"
)

// WakeHandler is invoked with the NOTIFY payload (conventionally a
// namespace name) whenever a wakeup signal arrives.
type WakeHandler func(namespace string)

// Coordinator maintains a LISTEN connection on channel and dispatches
// incoming notifications to its registered handlers.
type Coordinator struct {
	pool    *pgxpool.Pool
	channel string
	log     *logger.Logger

	mu       sync.RWMutex
	handlers []WakeHandler
}

func New(pool *pgxpool.Pool, channel string, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{pool: pool, channel: channel, log: log.With("component", "eventcoordinator", "channel", channel)}
}

// OnWake registers a handler called for every notification received while
// Run is active.
func (c *Coordinator) OnWake(h WakeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Run blocks, maintaining the LISTEN connection until ctx is cancelled. A
// dropped connection is retried after a short fixed delay rather than
// backoff, since LISTEN/NOTIFY is purely a latency optimization and a tight
// retry loop costs one idle connection, not correctness.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.listenOnce(ctx); err != nil {
			c.log.Warn("listen connection lost, reconnecting", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Coordinator) listenOnce(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+quoteIdent(c.channel)); err != nil {
		return err
	}
	c.log.Info("listening for wakeup notifications")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c.dispatch(notification.Payload)
	}
}

func (c *Coordinator) dispatch(payload string) {
	c.mu.RLock()
	handlers := make([]WakeHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()
	for _, h := range handlers {
		go h(payload)
	}
}

// quoteIdent is a minimal identifier quoter sufficient for the fixed,
// internally-defined channel names this package is given; it is not a
// general SQL-injection defense since the channel name never carries
// caller-supplied text.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
