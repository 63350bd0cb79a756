// Package retry implements the error classifier and backoff calculator
// (spec §4.7), grounded on the teacher's orchestrator engine's
// computeBackoff: exponential growth with jitter, clamped to a configured
// ceiling, with an override for a worker-supplied Retry-After hint.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

// Backoff computes delay = min(base * multiplier^(attempt-1), max) ± jitter
// (spec §4.7, testable property 7: delay ∈ [0, max]).
type Backoff struct {
	Policy domain.RetryPolicy
	// Rand is injectable for deterministic tests; defaults to
	// rand.Float64 via a package-level source when nil.
	Rand func() float64
}

func NewBackoff(policy domain.RetryPolicy) Backoff {
	return Backoff{Policy: policy}
}

// Compute returns the delay before the given attempt (1-indexed) should be
// retried. attempt is clamped to avoid overflow in multiplier^(attempt-1)
// for very large attempt counts (spec "saturation on u32::MAX attempts
// handled without overflow") — beyond a point the exponential term is
// already far past Max, so we cap the exponent itself.
func (b Backoff) Compute(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Policy.Base
	max := b.Policy.Max
	mult := b.Policy.Multiplier
	if base <= 0 {
		base = 1
	}
	if max <= 0 {
		max = 300
	}
	if mult <= 1 {
		mult = 2
	}

	const maxExponent = 62 // 2^62 * 1s already dwarfs any realistic Max
	exponent := attempt - 1
	if exponent > maxExponent {
		exponent = maxExponent
	}
	delay := base * math.Pow(mult, float64(exponent))
	if delay > max || math.IsInf(delay, 1) || math.IsNaN(delay) {
		delay = max
	}

	jitter := b.Policy.MaxJitter
	if jitter > 0 {
		r := b.randFloat()
		// ± jitter around the computed delay, then reclamp to [0, max].
		offset := (r*2 - 1) * jitter
		delay += offset
	}
	if delay < 0 {
		delay = 0
	}
	if delay > max {
		delay = max
	}
	return time.Duration(delay * float64(time.Second))
}

// ComputeWithOverride applies Compute unless retryAfter is positive, in
// which case the worker-supplied hint wins outright (spec §4.7).
func (b Backoff) ComputeWithOverride(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	return b.Compute(attempt)
}

func (b Backoff) randFloat() float64 {
	if b.Rand != nil {
		return b.Rand()
	}
	return rand.Float64()
}
