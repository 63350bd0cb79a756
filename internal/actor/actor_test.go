package actor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tasker-systems/tasker-core/internal/logger"
)

func TestMailbox_TrySendFailsWhenFull(t *testing.T) {
	m := NewMailbox[int](1)
	if !m.TrySend(1) {
		t.Fatalf("expected the first send into an empty mailbox to succeed")
	}
	if m.TrySend(2) {
		t.Fatalf("expected a send into a full mailbox to fail")
	}
}

func TestMailbox_SendBlocksUntilContextCancelled(t *testing.T) {
	m := NewMailbox[int](1)
	if !m.TrySend(1) {
		t.Fatalf("unexpected full mailbox on first send")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Send(ctx, 2); err == nil {
		t.Fatalf("expected Send to return the context's error once the deadline passes")
	}
}

func TestActor_ProcessesItemsInOrder(t *testing.T) {
	m := NewMailbox[int](10)
	var mu sync.Mutex
	var seen []int
	a := New("test", m, func(ctx context.Context, item int) error {
		mu.Lock()
		seen = append(seen, item)
		mu.Unlock()
		return nil
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	for i := 1; i <= 3; i++ {
		if err := m.Send(ctx, i); err != nil {
			t.Fatalf("unexpected error sending: %v", err)
		}
	}
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for all items to be processed, saw %v", seen)
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("expected items processed in send order, got %v", seen)
	}
}

func TestActor_HandlerPanicDoesNotCrashTheLoop(t *testing.T) {
	m := NewMailbox[int](10)
	var mu sync.Mutex
	processedAfterPanic := false
	a := New("test", m, func(ctx context.Context, item int) error {
		if item == 1 {
			panic("boom")
		}
		mu.Lock()
		processedAfterPanic = true
		mu.Unlock()
		return nil
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	_ = m.Send(ctx, 1)
	_ = m.Send(ctx, 2)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		ok := processedAfterPanic
		mu.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the actor loop to survive a handler panic and keep processing")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestActor_HandlerErrorIsLoggedNotFatal(t *testing.T) {
	m := NewMailbox[int](10)
	calls := 0
	var mu sync.Mutex
	a := New("test", m, func(ctx context.Context, item int) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("transient failure")
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	_ = m.Send(ctx, 1)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the handler to be invoked despite returning an error")
		}
		time.Sleep(time.Millisecond)
	}
}
