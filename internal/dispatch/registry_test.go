package dispatch

import (
	"context"
	"testing"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

type stubHandler struct {
	name string
}

func (s stubHandler) HandlerName() string { return s.name }
func (s stubHandler) Handle(ctx context.Context, envelope domain.StepDispatch) domain.Outcome {
	return domain.Outcome{}
}

func TestRegistry_RegisterAndResolveExact(t *testing.T) {
	r := NewRegistry()
	h := stubHandler{name: "invoices.generate_pdf"}
	if err := r.Register(h); err != nil {
		t.Fatalf("unexpected error registering: %v", err)
	}
	got, ok := r.Resolve("invoices.generate_pdf")
	if !ok || got.HandlerName() != h.name {
		t.Fatalf("expected exact resolution, got %v, %v", got, ok)
	}
}

func TestRegistry_DuplicateRegistrationErrors(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubHandler{name: "a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(stubHandler{name: "a"}); err == nil {
		t.Fatalf("expected error registering a duplicate handler name")
	}
}

func TestRegistry_NilAndEmptyNameRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err == nil {
		t.Fatalf("expected error registering nil handler")
	}
	if err := r.Register(stubHandler{name: ""}); err == nil {
		t.Fatalf("expected error registering handler with empty name")
	}
}

func TestRegistry_ResolverFallback(t *testing.T) {
	r := NewRegistry()
	fallback := stubHandler{name: "fallback"}
	r.SetResolver(func(name string) (Handler, bool) {
		if name == "unmapped.step" {
			return fallback, true
		}
		return nil, false
	})
	got, ok := r.Resolve("unmapped.step")
	if !ok || got.HandlerName() != fallback.name {
		t.Fatalf("expected resolver fallback to supply a handler, got %v, %v", got, ok)
	}
}

func TestRegistry_ConventionalClassFallback(t *testing.T) {
	r := NewRegistry()
	class := stubHandler{name: "invoices"}
	if err := r.Register(class); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := r.Resolve("invoices.generate_pdf")
	if !ok || got.HandlerName() != class.name {
		t.Fatalf("expected conventional-class fallback to resolve to %q, got %v, %v", class.name, got, ok)
	}
}

func TestRegistry_UnresolvableReturnsFalse(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Resolve("nothing.registered")
	if ok {
		t.Fatalf("expected no resolution for an unregistered, unconventional name")
	}
}
