package readiness

import (
	"context"
	"testing"
	"time"

	"github.com/tasker-systems/tasker-core/internal/breaker"
	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/store/memstore"
)

func seedPendingStep(t *testing.T, st *memstore.Store, namespace string) {
	t.Helper()
	tmpl := domain.TaskTemplate{Namespace: namespace, Name: "tmpl", Version: 1,
		Steps: []domain.StepDef{{Name: "a", Kind: domain.StepKindOrdinary, HandlerName: "h.a", MaxAttempts: 3, Retryable: true}},
	}
	if err := st.PutTemplate(context.Background(), tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
	if _, err := st.BeginTask(context.Background(), domain.TaskRequest{Namespace: namespace, TemplateName: "tmpl", IdentityStrategy: domain.IdentityAlwaysUnique}, tmpl, "h"); err != nil {
		t.Fatalf("begin task: %v", err)
	}
}

func TestEngine_DiscoverWithNoBreakerRegistryReturnsSnapshotsUnannotated(t *testing.T) {
	st := memstore.New(time.Now)
	seedPendingStep(t, st, "ns")
	e := NewEngine(st, nil)
	snaps, err := e.Discover(context.Background(), "ns", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Step.BreakerBypass {
		t.Fatalf("expected one unannotated snapshot, got %+v", snaps)
	}
}

func TestEngine_DiscoverAnnotatesBypassWhenBreakerOpen(t *testing.T) {
	st := memstore.New(time.Now)
	seedPendingStep(t, st, "ns")
	registry := breaker.NewRegistry(func(string) breaker.Config { return breaker.Config{FailureThreshold: 1} }, nil, nil)
	b := registry.For("ns")
	_ = b.Execute(func() error { return errFailure })

	e := NewEngine(st, registry)
	snaps, err := e.Discover(context.Background(), "ns", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snaps) != 1 || !snaps[0].Step.BreakerBypass {
		t.Fatalf("expected the snapshot to be flagged as breaker-bypassed, got %+v", snaps)
	}
}

var errFailure = &testError{}

type testError struct{}

func (e *testError) Error() string { return "induced failure" }
