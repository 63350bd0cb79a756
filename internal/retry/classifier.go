package retry

import (
	"time"

	"github.com/tasker-systems/tasker-core/internal/apperrors"
	"github.com/tasker-systems/tasker-core/internal/domain"
)

// Action is the error classifier's decision (spec §4.7).
type Action int

const (
	// ActionRetry schedules the step back to WaitingForRetry with Delay.
	ActionRetry Action = iota
	// ActionFail marks the step permanently Error and routes it to the DLQ.
	ActionFail
	// ActionFailAndBlockTask marks the step Error and the owning task
	// BlockedByFailures, for errors that cannot be isolated to one step.
	ActionFailAndBlockTask
)

// Decision is the classifier's output for one failure.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Classifier maps (classification, attempts, retryable, max_attempts) to an
// Action (spec §4.7).
type Classifier struct {
	Backoff Backoff
}

func NewClassifier(policy domain.RetryPolicy) Classifier {
	return Classifier{Backoff: NewBackoff(policy)}
}

// Classify decides what to do with a failed step result. blockTaskCodes
// names error codes that cannot be isolated to a single step (e.g. a
// dependency the whole task needs); callers configure this per namespace.
func (c Classifier) Classify(failure domain.FailureOutcome, attempts, maxAttempts int, retryable bool, blockTaskCodes map[string]bool) Decision {
	kind := apperrors.Kind(failure.Classification)

	if blockTaskCodes[failure.ErrorCode] {
		return Decision{Action: ActionFailAndBlockTask}
	}

	switch kind {
	case apperrors.KindPermanent, apperrors.KindFatal:
		return Decision{Action: ActionFail}
	}

	if !retryable || attempts >= maxAttempts {
		return Decision{Action: ActionFail}
	}

	delay := c.Backoff.ComputeWithOverride(attempts+1, failure.RetryAfter)
	return Decision{Action: ActionRetry, Delay: delay}
}
