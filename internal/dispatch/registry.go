// Package dispatch implements the worker dispatch core (spec §4.8): an
// in-process handler registry plus a pull-based fetch/complete/checkpoint
// contract that in-process (Go) handlers use directly and that the wire
// envelope (domain.StepDispatch / domain.StepResultWire) mirrors for
// out-of-process workers connecting over a queue.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

// Handler is the minimal contract every in-process step handler
// implements. HandlerName() must exactly match the step_name/handler_name
// a template declares; the registry enforces a one-to-one mapping the same
// way a misconfigured binding is a startup error, not a runtime surprise.
type Handler interface {
	HandlerName() string
	Handle(ctx context.Context, envelope domain.StepDispatch) domain.Outcome
}

// Resolver is the second link in the handler-resolution chain (spec §4.8
// "explicit template mapping -> user resolver -> conventional class
// lookup"): a caller-supplied fallback invoked when no handler is
// registered under the dispatch envelope's exact name.
type Resolver func(handlerName string) (Handler, bool)

// Registry is a concurrency-safe handler_name -> Handler map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	resolver Resolver
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler under its own HandlerName(). Registering two
// handlers under the same name is a configuration error caught at startup.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("dispatch: nil handler")
	}
	name := h.HandlerName()
	if name == "" {
		return fmt.Errorf("dispatch: handler HandlerName() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("dispatch: handler already registered for %q", name)
	}
	r.handlers[name] = h
	return nil
}

// SetResolver installs the fallback consulted when a direct lookup misses
// (spec §4.8's "user resolver" link in the chain).
func (r *Registry) SetResolver(resolver Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolver = resolver
}

// Resolve implements the full chain: explicit registration, then the
// user resolver, then a conventional class lookup (first dotted segment of
// the handler name, a common "package.step" naming convention in the
// corpus's own job-type strings).
func (r *Registry) Resolve(handlerName string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[handlerName]
	resolver := r.resolver
	r.mu.RUnlock()
	if ok {
		return h, true
	}
	if resolver != nil {
		if h, ok := resolver(handlerName); ok {
			return h, true
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[conventionalClass(handlerName)]; ok {
		return h, true
	}
	return nil, false
}

// conventionalClass derives a fallback lookup key from a dotted handler
// name ("invoices.generate_pdf" -> "invoices"), mirroring the convention
// the rest of the corpus uses for job_type namespacing.
func conventionalClass(handlerName string) string {
	for i := 0; i < len(handlerName); i++ {
		if handlerName[i] == '.' {
			return handlerName[:i]
		}
	}
	return handlerName
}
