// Package breaker wraps sony/gobreaker to protect every outbound side
// effect (messaging sends, worker dispatch) per spec §4.7. A Redis-backed
// bypass flag lets the readiness engine and step enqueuer see a breaker's
// open state across processes, since gobreaker itself is in-process only.
package breaker

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/tasker-systems/tasker-core/internal/apperrors"
	"github.com/tasker-systems/tasker-core/internal/logger"
)

// Config carries the tuning knobs from spec §6 circuit_breaker.*.
type Config struct {
	FailureThreshold uint32
	OpenDuration     time.Duration
	HalfOpenProbes   uint32
}

// Breaker wraps one gobreaker.CircuitBreaker per namespace, publishing its
// open/closed state to Redis so other processes (the readiness engine in
// particular) can see it without a local call.
type Breaker struct {
	namespace string
	cb        *gobreaker.CircuitBreaker
	rdb       *goredis.Client
	log       *logger.Logger
}

func New(namespace string, cfg Config, rdb *goredis.Client, log *logger.Logger) *Breaker {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration == 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	b := &Breaker{namespace: namespace, rdb: rdb, log: log.With("component", "breaker", "namespace", namespace)}
	settings := gobreaker.Settings{
		Name:        "tasker." + namespace,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    0, // never reset counts on a timer; only on state change
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			b.publishState(to)
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

func (b *Breaker) publishState(state gobreaker.State) {
	if b.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := "tasker:breaker:" + b.namespace
	if state == gobreaker.StateOpen {
		_ = b.rdb.Set(ctx, key, "open", 0).Err()
	} else {
		_ = b.rdb.Del(ctx, key).Err()
	}
}

// Execute runs fn through the breaker, classifying a trip as
// apperrors.KindOverloaded so the retry path backs off harder than a plain
// retryable failure.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.Classify(apperrors.KindOverloaded, "BREAKER_OPEN", err)
	}
	return err
}

// Bypassed reports whether this process (or, via Redis, any process) has
// seen this namespace's breaker trip open. Used by the readiness engine to
// set StepSnapshot's BreakerBypass flag (spec §4.3, §4.7) so the step
// enqueuer holds steps in Pending instead of treating a skip as progress.
func (b *Breaker) Bypassed(ctx context.Context) bool {
	if b.cb.State() == gobreaker.StateOpen {
		return true
	}
	if b.rdb == nil {
		return false
	}
	n, err := b.rdb.Exists(ctx, "tasker:breaker:"+b.namespace).Result()
	return err == nil && n > 0
}

// Registry holds one Breaker per namespace, created lazily.
type Registry struct {
	mu  sync.Mutex
	cfg func(namespace string) Config
	rdb *goredis.Client
	log *logger.Logger

	breakers map[string]*Breaker
}

func NewRegistry(cfg func(namespace string) Config, rdb *goredis.Client, log *logger.Logger) *Registry {
	return &Registry{cfg: cfg, rdb: rdb, log: log, breakers: map[string]*Breaker{}}
}

func (r *Registry) For(namespace string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[namespace]; ok {
		return b
	}
	cfg := Config{}
	if r.cfg != nil {
		cfg = r.cfg(namespace)
	}
	b := New(namespace, cfg, r.rdb, r.log)
	r.breakers[namespace] = b
	return b
}
