// Package actor runs the four orchestration services (spec §4.5) as
// independent goroutines pulling off bounded channels, patterned on the
// teacher's job-worker poll loop: panic recovery wraps every unit of work,
// and a missing handler or unexpected error never crashes the loop, only
// fails that one unit of work.
package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tasker-systems/tasker-core/internal/logger"
)

// Mailbox is a bounded work queue feeding one actor. Producers call Send;
// the actor's Run loop drains it. A full mailbox blocks the sender, which
// is the backpressure mechanism spec §4.5 calls for ("bounded MPSC
// channels... a slow actor backpressures its producers rather than
// unbounded memory growth").
type Mailbox[T any] struct {
	ch chan T
}

func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox[T]{ch: make(chan T, capacity)}
}

// Send enqueues work, blocking if the mailbox is full, or returns ctx's
// error if ctx is cancelled first.
func (m *Mailbox[T]) Send(ctx context.Context, item T) error {
	select {
	case m.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues work without blocking; it reports false if the mailbox
// is full, letting the caller decide whether to drop, retry, or spill to a
// durable queue.
func (m *Mailbox[T]) TrySend(item T) bool {
	select {
	case m.ch <- item:
		return true
	default:
		return false
	}
}

// Actor drains a Mailbox[T], invoking handle for each item with panic
// recovery so a single bad item never takes down the goroutine (grounded on
// the teacher's runLoop/recover pattern).
type Actor[T any] struct {
	Name    string
	mailbox *Mailbox[T]
	handle  func(ctx context.Context, item T) error
	log     *logger.Logger

	mu      sync.Mutex
	running bool
}

func New[T any](name string, mailbox *Mailbox[T], handle func(context.Context, T) error, log *logger.Logger) *Actor[T] {
	if log == nil {
		log = logger.NewNop()
	}
	return &Actor[T]{Name: name, mailbox: mailbox, handle: handle, log: log.With("actor", name)}
}

func (a *Actor[T]) Mailbox() *Mailbox[T] { return a.mailbox }

// Run drains the mailbox until ctx is cancelled. On cancellation it stops
// pulling new work immediately rather than draining to empty — in-flight
// messages that were already pulled finish, but queued ones are left for
// whichever process picks up the mailbox next (there is none in-process;
// durable state lives in the store, so nothing is lost).
func (a *Actor[T]) Run(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	a.log.Info("actor started")
	for {
		select {
		case <-ctx.Done():
			a.log.Info("actor stopping")
			return
		case item := <-a.mailbox.ch:
			a.process(ctx, item)
		}
	}
}

func (a *Actor[T]) process(ctx context.Context, item T) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("actor handler panic", "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := a.handle(ctx, item); err != nil {
		a.log.Warn("actor handler returned error", "error", err)
	}
}

// RunTicker runs fn on every tick until ctx is cancelled, recovering from
// panics the same way Run does. It is used by the step-enqueuer and
// task-finalizer actors, which are driven by poll intervals and
// LISTEN/NOTIFY wakeups rather than a typed mailbox (spec §4.5).
func RunTicker(ctx context.Context, name string, interval time.Duration, log *logger.Logger, fn func(context.Context) error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("actor", name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("actor started")
	for {
		select {
		case <-ctx.Done():
			log.Info("actor stopping")
			return
		case <-ticker.C:
			runOnceRecovered(ctx, log, fn)
		}
	}
}

func runOnceRecovered(ctx context.Context, log *logger.Logger, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("actor tick panic", "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		log.Warn("actor tick returned error", "error", err)
	}
}
