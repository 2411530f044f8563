package worker

import (
	"context"

	"laundry-order-service/internal/broker"
	"laundry-order-service/internal/models"
	"laundry-order-service/internal/util"

	"go.uber.org/zap"
)

// JobConsumer feeds detail jobs from Kafka into the detail worker
type JobConsumer struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewJobConsumer creates a new job consumer
func NewJobConsumer(consumer *broker.Consumer, worker *DetailWorker) *JobConsumer {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentDetailJob(func(ctx context.Context, job *models.PaymentDetailJob) error {
		return worker.Process(ctx, job.PaymentID)
	})

	return &JobConsumer{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the consumer
func (jc *JobConsumer) Start(ctx context.Context) error {
	jc.logger.Info("Starting payment detail job consumer")
	return jc.consumer.StartConsuming(ctx, jc.eventHandler.HandleMessage)
}

// Stop stops the consumer
func (jc *JobConsumer) Stop() error {
	jc.logger.Info("Stopping payment detail job consumer")
	return jc.consumer.Close()
}
