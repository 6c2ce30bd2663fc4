// Package scheduler drives the periodic work of the server: a 30-second
// poll that fires due backup policies and a 30-minute reconciliation sweep.
// It wraps gocron and coordinates with the lease manager so that replicas
// sharing a database never fire the same policy twice.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iRazvan2745/glare/internal/db"
	"github.com/iRazvan2745/glare/internal/engine"
	"github.com/iRazvan2745/glare/internal/lease"
	"github.com/iRazvan2745/glare/internal/metrics"
	"github.com/iRazvan2745/glare/internal/store"
	"github.com/iRazvan2745/glare/internal/sweeper"
)

// PollInterval is the period of the due-policy poll.
const PollInterval = 30 * time.Second

// ErrLeaseHeld rejects a manual trigger while another holder owns the
// policy's run lease.
var ErrLeaseHeld = errors.New("scheduler: policy run lease is held")

// Scheduler wraps gocron and coordinates the poll loop, the sweep loop, and
// manual triggers. The zero value is not usable; create instances with New.
type Scheduler struct {
	cron     gocron.Scheduler
	policies store.PolicyStore
	engine   *engine.Engine
	leases   *lease.Manager
	sweeper  *sweeper.Sweeper
	stats    *metrics.Metrics
	logger   *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin
// processing. Sweeper and stats may be nil.
func New(policies store.PolicyStore, eng *engine.Engine, leases *lease.Manager, swp *sweeper.Sweeper, stats *metrics.Metrics, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:     s,
		policies: policies,
		engine:   eng,
		leases:   leases,
		sweeper:  swp,
		stats:    stats,
		logger:   logger.Named("scheduler"),
	}, nil
}

// Start registers the periodic jobs and starts the underlying gocron
// scheduler. It should be called once at server startup, after the database
// connection is established.
func (s *Scheduler) Start(ctx context.Context) error {
	// Singleton mode guarantees one poll iteration at a time per replica;
	// overlapping iterations are rescheduled, not stacked.
	_, err := s.cron.NewJob(
		gocron.DurationJob(PollInterval),
		gocron.NewTask(func() { s.Tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule policy poll: %w", err)
	}

	if s.sweeper != nil {
		_, err = s.cron.NewJob(
			gocron.DurationJob(sweeper.Interval),
			gocron.NewTask(func() {
				if err := s.sweeper.SweepAll(ctx, true); err != nil {
					s.logger.Error("reconciliation sweep failed", zap.Error(err))
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule reconciliation sweep: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", PollInterval),
		zap.String("lease_owner", s.leases.Owner()))
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick runs one poll iteration: fire every due policy whose lease can be
// acquired. Errors never escape the loop; the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.policies.ListDue(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("failed to list due policies", zap.Error(err))
		return
	}

	for i := range due {
		policy := &due[i]
		ok, err := s.leases.Acquire(ctx, policy.ID)
		if err != nil {
			s.logger.Error("lease acquisition failed",
				zap.String("policy_id", policy.ID.String()),
				zap.Error(err))
			continue
		}
		if !ok {
			if s.stats != nil {
				s.stats.LeaseDenied.Inc()
			}
			continue
		}

		s.fireHolding(ctx, policy)
	}
}

// fireHolding dispatches a policy and releases the held lease no matter how
// the fire ends.
func (s *Scheduler) fireHolding(ctx context.Context, policy *db.BackupPolicy) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("fire panicked",
				zap.String("policy_id", policy.ID.String()),
				zap.Any("panic", r))
		}
		if err := s.leases.Release(ctx, policy.ID); err != nil {
			s.logger.Error("lease release failed",
				zap.String("policy_id", policy.ID.String()),
				zap.Error(err))
		}
	}()

	if err := s.engine.Fire(ctx, policy); err != nil {
		s.logger.Error("policy fire failed",
			zap.String("policy_id", policy.ID.String()),
			zap.Error(err))
	}
}

// TriggerNow fires a policy outside its schedule. Returns ErrLeaseHeld when
// a scheduled fire (or another manual trigger) currently holds the lease.
func (s *Scheduler) TriggerNow(ctx context.Context, policyID uuid.UUID) error {
	policy, err := s.policies.GetByID(ctx, policyID)
	if err != nil {
		return err
	}

	ok, err := s.leases.Acquire(ctx, policy.ID)
	if err != nil {
		return err
	}
	if !ok {
		if s.stats != nil {
			s.stats.LeaseDenied.Inc()
		}
		return ErrLeaseHeld
	}

	s.fireHolding(ctx, policy)
	return nil
}
