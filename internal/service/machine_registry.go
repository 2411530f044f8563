package service

import (
	"context"
	"fmt"

	"laundry-order-service/internal/redisclient"
	"laundry-order-service/internal/store"
	"laundry-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedisMachineRegistry keeps machine availability in Redis, one hash per machine.
type RedisMachineRegistry struct {
	redis  *redisclient.Client
	logger *zap.Logger
}

// NewRedisMachineRegistry creates a new registry
func NewRedisMachineRegistry(redis *redisclient.Client) *RedisMachineRegistry {
	return &RedisMachineRegistry{
		redis:  redis,
		logger: util.GetLogger(),
	}
}

// Reserve atomically reserves an idle machine for holder
func (r *RedisMachineRegistry) Reserve(ctx context.Context, machineID uuid.UUID, holder string) (bool, error) {
	ok, err := r.redis.ReserveMachine(ctx, machineID, holder)
	if err != nil {
		util.MachineReservationsFailed.WithLabelValues("error").Inc()
		return false, err
	}
	if !ok {
		util.MachineReservationsFailed.WithLabelValues("already_reserved").Inc()
		r.logger.Info("Machine already reserved",
			zap.String("machine_id", machineID.String()),
			zap.String("holder", holder))
	}
	return ok, nil
}

// Release frees a machine held by holder
func (r *RedisMachineRegistry) Release(ctx context.Context, machineID uuid.UUID, holder string) error {
	released, err := r.redis.ReleaseMachine(ctx, machineID, holder)
	if err != nil {
		return err
	}
	if released {
		util.MachineReleasesTotal.Inc()
	} else {
		r.logger.Debug("Machine release was a no-op",
			zap.String("machine_id", machineID.String()),
			zap.String("holder", holder))
	}
	return nil
}

// IsAvailable reports whether no booking holds the machine
func (r *RedisMachineRegistry) IsAvailable(ctx context.Context, machineID uuid.UUID) (bool, error) {
	status, _, err := r.redis.GetMachineState(ctx, machineID)
	if err != nil {
		return false, err
	}
	return status == redisclient.MachineIdle, nil
}

// SyncRegistry rebuilds the registry from the bookings that still hold machines
func (r *RedisMachineRegistry) SyncRegistry(ctx context.Context, repo store.Repository) error {
	details, err := repo.ListActiveOrderDetails(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active bookings: %w", err)
	}

	held := make(map[uuid.UUID]string, len(details))
	for _, d := range details {
		held[d.MachineID] = d.ID.String()
	}

	released, err := r.redis.ReconcileMachines(ctx, held)
	if err != nil {
		return err
	}

	r.logger.Info("Machine registry synced",
		zap.Int("held", len(held)),
		zap.Int("released", released))
	return nil
}

var _ MachineRegistry = (*RedisMachineRegistry)(nil)
