package eventcoordinator

import (
	"sync"
	"testing"
	"time"
)

func TestQuoteIdent_WrapsInDoubleQuotes(t *testing.T) {
	if got := quoteIdent("pgmq_message_ready"); got != `"pgmq_message_ready"` {
		t.Fatalf("unexpected quoting: %s", got)
	}
}

func TestCoordinator_DispatchFansOutToAllHandlers(t *testing.T) {
	c := New(nil, "pgmq_message_ready", nil)
	var mu sync.Mutex
	received := map[int]string{}
	for i := 0; i < 3; i++ {
		idx := i
		c.OnWake(func(payload string) {
			mu.Lock()
			received[idx] = payload
			mu.Unlock()
		})
	}

	c.dispatch("billing")

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for all handlers to run, got %v", received)
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, payload := range received {
		if payload != "billing" {
			t.Fatalf("handler %d received unexpected payload %q", i, payload)
		}
	}
}
