package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func orderKey(id uuid.UUID) string {
	return "order-" + id.String()
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentStatusChanged publishes PaymentStatusChanged event, keyed by order
func (ep *EventPublisher) PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// MachineCommander sends start/stop commands to the machine controller gateway
type MachineCommander struct {
	producer *Producer
}

// NewMachineCommander creates a new machine commander
func NewMachineCommander(producer *Producer) *MachineCommander {
	return &MachineCommander{producer: producer}
}

func (mc *MachineCommander) StartMachine(ctx context.Context, cmd *models.MachineCommandEvent) error {
	cmd.Action = models.MachineActionStart
	return mc.producer.PublishEvent(ctx, "machine-"+cmd.MachineID.String(), cmd)
}

func (mc *MachineCommander) StopMachine(ctx context.Context, cmd *models.MachineCommandEvent) error {
	cmd.Action = models.MachineActionStop
	return mc.producer.PublishEvent(ctx, "machine-"+cmd.MachineID.String(), cmd)
}

// JobProducer queues payment detail generation jobs on Kafka
type JobProducer struct {
	producer *Producer
}

// NewJobProducer creates a new job producer
func NewJobProducer(producer *Producer) *JobProducer {
	return &JobProducer{producer: producer}
}

// Enqueue publishes a detail generation job for the payment
func (jp *JobProducer) Enqueue(ctx context.Context, paymentID uuid.UUID) error {
	job := &models.PaymentDetailJob{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentDetailJob),
		PaymentID: paymentID,
	}
	return jp.producer.PublishEvent(ctx, "payment-"+paymentID.String(), job)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentDetailJob func(context.Context, *models.PaymentDetailJob) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentDetailJob registers a handler for payment detail jobs
func (eh *EventHandler) OnPaymentDetailJob(handler func(context.Context, *models.PaymentDetailJob) error) {
	eh.onPaymentDetailJob = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentDetailJob:
		if eh.onPaymentDetailJob != nil {
			var job models.PaymentDetailJob
			if err := json.Unmarshal(msg.Value, &job); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentDetailJob: %w", err)
			}
			return eh.onPaymentDetailJob(ctx, &job)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
