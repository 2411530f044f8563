package worker

import (
	"context"
	"time"

	"laundry-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sweeperLockKey = "maintenance-sweeper"

// Maintenance is the set of periodic repairs run by the sweeper.
type Maintenance interface {
	ExpireStalePayments(ctx context.Context) (int, error)
	RequeuePendingPayments(ctx context.Context) (int, error)
	ResumePaidOrders(ctx context.Context) (int, error)
	SyncInProgressOrders(ctx context.Context) (int, error)
}

// Locker elects one sweeper across replicas.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, owner string) (bool, error)
}

// Sweeper periodically expires stale payments, requeues payments waiting for
// details, resumes paid orders and finishes bookings whose machine has gone idle.
type Sweeper struct {
	engine   Maintenance
	locker   Locker
	owner    string
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper creates a new sweeper. locker may be nil for a single replica.
func NewSweeper(engine Maintenance, locker Locker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		engine:   engine,
		locker:   locker,
		owner:    uuid.NewString(),
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass when this replica holds the lock
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, sweeperLockKey, s.owner, s.interval)
		if err != nil {
			s.logger.Warn("Failed to acquire sweeper lock", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		defer func() {
			released, err := s.locker.ReleaseLock(context.WithoutCancel(ctx), sweeperLockKey, s.owner)
			if err != nil {
				s.logger.Warn("Failed to release sweeper lock", zap.Error(err))
				return
			}
			if !released {
				s.logger.Warn("Sweeper lock expired before the sweep finished", zap.Duration("ttl", s.interval))
			}
		}()
	}

	steps := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{"expire_stale_payments", s.engine.ExpireStalePayments},
		{"requeue_pending_payments", s.engine.RequeuePendingPayments},
		{"resume_paid_orders", s.engine.ResumePaidOrders},
		{"sync_in_progress_orders", s.engine.SyncInProgressOrders},
	}
	for _, step := range steps {
		n, err := step.run(ctx)
		if err != nil {
			s.logger.Error("Sweep step failed", zap.String("step", step.name), zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("Sweep step applied", zap.String("step", step.name), zap.Int("count", n))
		}
	}
}
