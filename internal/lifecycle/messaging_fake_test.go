package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

// fakeMessaging is a minimal in-memory messaging.Messaging used by lifecycle
// tests; it records every sent queue/payload pair so a test can assert on
// what the enqueuer or publisher put on the wire.
type fakeMessaging struct {
	mu   sync.Mutex
	sent []fakeSend
	fail bool
}

type fakeSend struct {
	queue   string
	payload []byte
}

func (m *fakeMessaging) Send(ctx context.Context, queue string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errSendFailed
	}
	m.sent = append(m.sent, fakeSend{queue: queue, payload: payload})
	return nil
}

func (m *fakeMessaging) Receive(ctx context.Context, queue string, visibility time.Duration, limit int) ([]domain.QueueMessage, error) {
	return nil, nil
}
func (m *fakeMessaging) Ack(ctx context.Context, msg domain.QueueMessage) error { return nil }
func (m *fakeMessaging) Nack(ctx context.Context, msg domain.QueueMessage, delay time.Duration) error {
	return nil
}
func (m *fakeMessaging) Notify(ctx context.Context, channel, signal string) error { return nil }

type sendFailedErr struct{}

func (sendFailedErr) Error() string { return "send failed" }

var errSendFailed = sendFailedErr{}
