// Package staleness implements the periodic sweep that rescues steps stuck
// InProgress past their heartbeat threshold and tasks stuck in a
// non-terminal state past their transition threshold (spec §4.7, testable
// property 9).
package staleness

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tasker-systems/tasker-core/internal/domain"
	"github.com/tasker-systems/tasker-core/internal/logger"
	"github.com/tasker-systems/tasker-core/internal/store"
)

// Config carries spec §6's staleness.{heartbeat_threshold, check_interval}.
type Config struct {
	HeartbeatThreshold time.Duration
	CheckInterval      time.Duration
	TaskStaleThreshold time.Duration
	// Slack is added on top of HeartbeatThreshold before a step is
	// considered rescuable, per spec testable property 9
	// ("heartbeat_threshold + slack").
	Slack time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatThreshold: 60 * time.Second,
		CheckInterval:      15 * time.Second,
		TaskStaleThreshold: 10 * time.Minute,
		Slack:              10 * time.Second,
	}
}

type Sweeper struct {
	store store.Store
	cfg   Config
	log   *logger.Logger
	now   func() time.Time

	// onRescue is invoked for each step the sweep rescues, letting the
	// caller publish a recovery domain event without this package
	// depending on internal/events.
	onRescue func(ctx context.Context, step domain.Step, action string)
}

func NewSweeper(st store.Store, cfg Config, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewNop()
	}
	return &Sweeper{store: st, cfg: cfg, log: log.With("component", "staleness"), now: time.Now}
}

func (s *Sweeper) OnRescue(fn func(ctx context.Context, step domain.Step, action string)) {
	s.onRescue = fn
}

// Run blocks, sweeping on cfg.CheckInterval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("staleness sweep failed, will retry next interval", "error", err)
			}
		}
	}
}

// SweepOnce performs a single sweep pass; Run calls it on every tick, and it
// is exported so tests can invoke it deterministically.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	threshold := s.now().Add(-(s.cfg.HeartbeatThreshold + s.cfg.Slack))

	staleSteps, err := s.store.FindStaleSteps(ctx, threshold, 500)
	if err != nil {
		return err
	}
	for _, st := range staleSteps {
		if err := s.rescueStep(ctx, st); err != nil {
			s.log.Warn("failed to rescue stale step", "step_id", st.ID, "error", err)
		}
	}

	staleTasks, err := s.store.FindStaleTasks(ctx, s.now().Add(-s.cfg.TaskStaleThreshold), 200)
	if err != nil {
		return err
	}
	for _, t := range staleTasks {
		s.log.Warn("task has not transitioned within staleness threshold", "task_id", t.ID, "state", t.State, "last_transition", t.LastTransition)
	}
	return nil
}

// rescueStep checks batch-worker checkpoint health before giving up on a
// long-running batch step (spec §4.7 "for batch workers, check the
// checkpoint health before timing out"): a batch-worker step whose
// checkpoint reports items_processed > 0 is left alone even if its
// heartbeat lagged. The sweep keeps no record of earlier checkpoints, so it
// does not check whether that count advanced since the last sweep.
func (s *Sweeper) rescueStep(ctx context.Context, step domain.Step) error {
	if step.Kind == domain.StepKindBatchWorker && checkpointHealthy(step.Checkpoint) {
		s.log.Debug("stale heartbeat but checkpoint shows progress, deferring rescue", "step_id", step.ID)
		return nil
	}

	action := "waiting_for_retry"
	_, err := s.store.Transition(ctx, store.TransitionRequest{
		EntityKind: domain.EntityStep,
		EntityID:   step.ID,
		TaskID:     step.TaskID,
		From:       string(domain.StepInProgress),
		To:         string(domain.StepWaitingForRetry),
		By:         "staleness-sweeper",
	})
	if err != nil {
		// A concurrent result delivery may have already moved the step
		// out of InProgress; that is success from the sweep's point of
		// view (testable property 9 only requires it eventually leaves
		// InProgress, not that this sweep be the one to move it).
		return nil
	}
	s.log.Info("rescued stale step", "step_id", step.ID, "task_id", step.TaskID, "action", action)
	if s.onRescue != nil {
		s.onRescue(ctx, step, action)
	}
	return nil
}

type checkpointEnvelope struct {
	ItemsProcessed int64 `json:"items_processed"`
}

func checkpointHealthy(raw []byte) bool {
	if len(raw) == 0 {
		return false
	}
	var env checkpointEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	return env.ItemsProcessed > 0
}
