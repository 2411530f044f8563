package service

import (
	"context"
	"time"

	"laundry-order-service/internal/models"

	"github.com/google/uuid"
)

// MachineRegistry tracks which booking holds a machine.
type MachineRegistry interface {
	// Reserve flips the machine to RESERVED for holder. It returns false when another holder has it.
	Reserve(ctx context.Context, machineID uuid.UUID, holder string) (bool, error)
	// Release returns the machine to IDLE. Releasing an idle machine is a no-op.
	Release(ctx context.Context, machineID uuid.UUID, holder string) error
	IsAvailable(ctx context.Context, machineID uuid.UUID) (bool, error)
}

// EventPublisher publishes committed domain events.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error
}

// MachineController drives the physical machines.
type MachineController interface {
	StartMachine(ctx context.Context, cmd *models.MachineCommandEvent) error
	StopMachine(ctx context.Context, cmd *models.MachineCommandEvent) error
}

// DetailJobQueue hands payments to the detail-generation workers.
type DetailJobQueue interface {
	Enqueue(ctx context.Context, paymentID uuid.UUID) error
}

// KeyStore holds idempotency keys and processed-callback markers.
type KeyStore interface {
	GetIdempotencyKey(ctx context.Context, key string) (string, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	MarkCallbackProcessed(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	ForgetCallback(ctx context.Context, fingerprint string) error
}

type noopPublisher struct{}

func (noopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}

func (noopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}

func (noopPublisher) PublishPaymentStatusChanged(context.Context, *models.PaymentStatusChangedEvent) error {
	return nil
}

type noopController struct{}

func (noopController) StartMachine(context.Context, *models.MachineCommandEvent) error { return nil }

func (noopController) StopMachine(context.Context, *models.MachineCommandEvent) error { return nil }
