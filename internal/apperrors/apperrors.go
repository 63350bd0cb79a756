// Package apperrors defines the error taxonomy shared by every layer of the
// orchestration core: stores, messaging backends, the readiness engine, and
// the actors that drive step execution. Call sites wrap a sentinel with
// fmt.Errorf("...: %w", ...) and callers unwrap with errors.Is/errors.As.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure along the axis that matters to the retry and
// circuit-breaker layers: can this be retried, is it the caller's fault, and
// should it back a breaker's trip count.
type Kind string

const (
	// KindPermanent means retrying will never succeed (bad input, missing
	// template, unknown handler). Routed straight to the DLQ.
	KindPermanent Kind = "permanent"
	// KindRetryable means a transient condition (deadlock, timeout) that a
	// later attempt may clear.
	KindRetryable Kind = "retryable"
	// KindConflict means a compare-and-swap lost a race against another
	// writer. Callers re-read and retry immediately; it never counts
	// against an attempt budget.
	KindConflict Kind = "conflict"
	// KindOverloaded means a downstream dependency (queue, database) is
	// shedding load. Backs off harder than a plain retryable error and
	// contributes to breaker trip counts.
	KindOverloaded Kind = "overloaded"
	// KindFatal means the process itself is in a bad state (config error,
	// programmer error) and should not be retried or routed; it should
	// surface to an operator.
	KindFatal Kind = "fatal"
)

var (
	ErrPermanent  = errors.New("permanent error")
	ErrRetryable  = errors.New("retryable error")
	ErrConflict   = errors.New("conflict")
	ErrOverloaded = errors.New("overloaded")
	ErrFatal      = errors.New("fatal error")

	// ErrNotFound is returned by store lookups for a missing task, step, or
	// template.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists signals a duplicate insert (idempotency key collision).
	ErrAlreadyExists = errors.New("already exists")
	// ErrCyclic signals a template or runtime DAG mutation would introduce
	// a cycle.
	ErrCyclic = errors.New("cyclic dependency")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindPermanent:
		return ErrPermanent
	case KindConflict:
		return ErrConflict
	case KindOverloaded:
		return ErrOverloaded
	case KindFatal:
		return ErrFatal
	default:
		return ErrRetryable
	}
}

// Classified is an error annotated with a taxonomy Kind, an optional
// machine-readable code, and an optional hint for how long to wait before
// retrying (honored by the backoff calculator when present).
type Classified struct {
	Kind       Kind
	Code       string
	RetryAfter time.Duration
	Cause      error
}

func (c *Classified) Error() string {
	if c.Cause == nil {
		return fmt.Sprintf("%s: %s", c.Kind, c.Code)
	}
	return fmt.Sprintf("%s: %s: %v", c.Kind, c.Code, c.Cause)
}

func (c *Classified) Unwrap() error {
	if c.Cause != nil {
		return c.Cause
	}
	return sentinelFor(c.Kind)
}

// Is lets errors.Is(err, apperrors.ErrRetryable) match any Classified whose
// Kind maps to that sentinel, independent of Cause.
func (c *Classified) Is(target error) bool {
	return errors.Is(sentinelFor(c.Kind), target)
}

// Classify wraps cause with the given Kind and code. RetryAfter defaults to
// zero (let the caller's backoff calculator decide).
func Classify(kind Kind, code string, cause error) *Classified {
	return &Classified{Kind: kind, Code: code, Cause: cause}
}

// ClassifyRetryAfter is Classify plus an explicit retry-after hint, used for
// rate-limited or overloaded downstreams that advertise their own cooldown.
func ClassifyRetryAfter(kind Kind, code string, cause error, retryAfter time.Duration) *Classified {
	return &Classified{Kind: kind, Code: code, Cause: cause, RetryAfter: retryAfter}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Classified,
// otherwise falls back to inspecting the taxonomy sentinels directly, and
// defaults to KindRetryable for unclassified errors so that unknown failures
// fail safe into the retry path rather than being silently dropped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	switch {
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrOverloaded):
		return KindOverloaded
	case errors.Is(err, ErrFatal):
		return KindFatal
	default:
		return KindRetryable
	}
}

// RetryAfterOf returns the RetryAfter hint carried by a Classified error, or
// zero if err does not carry one.
func RetryAfterOf(err error) time.Duration {
	var c *Classified
	if errors.As(err, &c) {
		return c.RetryAfter
	}
	return 0
}
