package retry

import (
	"testing"
	"time"

	"github.com/tasker-systems/tasker-core/internal/domain"
)

func TestBackoff_ComputeWithinBounds(t *testing.T) {
	b := NewBackoff(domain.RetryPolicy{Base: 1, Max: 60, Multiplier: 2, MaxJitter: 0})
	for attempt := 1; attempt <= 10; attempt++ {
		d := b.Compute(attempt)
		if d < 0 || d > 60*time.Second {
			t.Fatalf("attempt %d: delay %v out of [0, max]", attempt, d)
		}
	}
}

func TestBackoff_GrowsExponentiallyUntilCapped(t *testing.T) {
	b := NewBackoff(domain.RetryPolicy{Base: 1, Max: 100, Multiplier: 2, MaxJitter: 0})
	d1 := b.Compute(1)
	d2 := b.Compute(2)
	d3 := b.Compute(3)
	if d1 != time.Second {
		t.Fatalf("expected first attempt to equal base, got %v", d1)
	}
	if d2 <= d1 || d3 <= d2 {
		t.Fatalf("expected strictly increasing delay before the cap: %v, %v, %v", d1, d2, d3)
	}
	capped := b.Compute(50)
	if capped != 100*time.Second {
		t.Fatalf("expected delay to saturate at Max, got %v", capped)
	}
}

func TestBackoff_JitterStaysWithinRange(t *testing.T) {
	b := Backoff{Policy: domain.RetryPolicy{Base: 10, Max: 60, Multiplier: 2, MaxJitter: 5}, Rand: func() float64 { return 1 }}
	d := b.Compute(1)
	if d < 0 || d > 60*time.Second {
		t.Fatalf("delay %v outside [0, max] even with max jitter", d)
	}
}

func TestBackoff_DoesNotOverflowOnHugeAttempt(t *testing.T) {
	b := NewBackoff(domain.RetryPolicy{Base: 1, Max: 300, Multiplier: 2, MaxJitter: 0})
	d := b.Compute(1 << 30)
	if d != 300*time.Second {
		t.Fatalf("expected saturation at Max for huge attempt count, got %v", d)
	}
}

func TestBackoff_RetryAfterOverridesComputed(t *testing.T) {
	b := NewBackoff(domain.RetryPolicy{Base: 1, Max: 300, Multiplier: 2, MaxJitter: 0})
	got := b.ComputeWithOverride(1, 42*time.Second)
	if got != 42*time.Second {
		t.Fatalf("expected retry-after override to win, got %v", got)
	}
}

func TestClassifier_PermanentFailsImmediately(t *testing.T) {
	c := NewClassifier(domain.DefaultRetryPolicy())
	decision := c.Classify(domain.FailureOutcome{Classification: "permanent"}, 1, 5, true, nil)
	if decision.Action != ActionFail {
		t.Fatalf("expected ActionFail for permanent classification, got %d", decision.Action)
	}
}

func TestClassifier_RetryableUnderMaxAttemptsRetries(t *testing.T) {
	c := NewClassifier(domain.DefaultRetryPolicy())
	decision := c.Classify(domain.FailureOutcome{Classification: "retryable"}, 1, 5, true, nil)
	if decision.Action != ActionRetry {
		t.Fatalf("expected ActionRetry, got %d", decision.Action)
	}
	if decision.Delay <= 0 {
		t.Fatalf("expected a positive retry delay")
	}
}

func TestClassifier_RetryableAtMaxAttemptsFails(t *testing.T) {
	c := NewClassifier(domain.DefaultRetryPolicy())
	decision := c.Classify(domain.FailureOutcome{Classification: "retryable"}, 5, 5, true, nil)
	if decision.Action != ActionFail {
		t.Fatalf("expected ActionFail once attempts exhausted, got %d", decision.Action)
	}
}

func TestClassifier_NotRetryableFailsRegardlessOfClassification(t *testing.T) {
	c := NewClassifier(domain.DefaultRetryPolicy())
	decision := c.Classify(domain.FailureOutcome{Classification: "retryable"}, 1, 5, false, nil)
	if decision.Action != ActionFail {
		t.Fatalf("expected ActionFail when step is not retryable, got %d", decision.Action)
	}
}

func TestClassifier_BlockTaskCodeWinsOverEverything(t *testing.T) {
	c := NewClassifier(domain.DefaultRetryPolicy())
	decision := c.Classify(domain.FailureOutcome{Classification: "retryable", ErrorCode: "DB_DOWN"}, 1, 5, true, map[string]bool{"DB_DOWN": true})
	if decision.Action != ActionFailAndBlockTask {
		t.Fatalf("expected ActionFailAndBlockTask, got %d", decision.Action)
	}
}
