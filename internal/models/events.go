package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated         = "ORDER_CREATED"
	EventTypeOrderStatusChanged   = "ORDER_STATUS_CHANGED"
	EventTypePaymentStatusChanged = "PAYMENT_STATUS_CHANGED"
	EventTypePaymentDetailJob     = "PAYMENT_DETAIL_JOB"
	EventTypeMachineCommand       = "MACHINE_COMMAND"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event envelope.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderCreatedEvent published when an order and its bookings are committed
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     uuid.UUID       `json:"order_id"`
	StoreID     uuid.UUID       `json:"store_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	MachineIDs  []uuid.UUID     `json:"machine_ids"`
}

// OrderStatusChangedEvent published after every committed order transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID uuid.UUID   `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	Reason  string      `json:"reason,omitempty"`
}

// PaymentStatusChangedEvent published after every committed payment transition
type PaymentStatusChangedEvent struct {
	BaseEvent
	PaymentID uuid.UUID     `json:"payment_id"`
	OrderID   uuid.UUID     `json:"order_id"`
	From      PaymentStatus `json:"from"`
	To        PaymentStatus `json:"to"`
	Reason    string        `json:"reason,omitempty"`
}

// PaymentDetailJob asks a worker to obtain payment details from the provider
type PaymentDetailJob struct {
	BaseEvent
	PaymentID uuid.UUID `json:"payment_id"`
}

// MachineAction is a command for the machine controller.
type MachineAction string

const (
	MachineActionStart MachineAction = "START"
	MachineActionStop  MachineAction = "STOP"
)

// MachineCommandEvent is consumed by the controller gateway that drives the hardware
type MachineCommandEvent struct {
	BaseEvent
	MachineID uuid.UUID       `json:"machine_id"`
	OrderID   uuid.UUID       `json:"order_id"`
	DetailID  uuid.UUID       `json:"detail_id"`
	Action    MachineAction   `json:"action"`
	Amount    decimal.Decimal `json:"amount"`
}
