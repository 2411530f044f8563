// Package worker runs the background side of the payment flow: detail
// generation against the provider and the periodic maintenance sweep.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Enqueue when the local queue has no free slot.
var ErrQueueFull = errors.New("payment detail queue is full")

// DetailGenerator obtains payable details for a payment from the provider.
type DetailGenerator interface {
	GenerateDetails(ctx context.Context, payment *models.Payment) (*models.PaymentDetails, error)
}

// PaymentEngine is the write-back side of the orchestrator used by the worker.
type PaymentEngine interface {
	GetPaymentStatus(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error)
	ApplyGeneratedDetails(ctx context.Context, paymentID uuid.UUID, details *models.PaymentDetails) (bool, error)
	ApplyGenerationFailure(ctx context.Context, paymentID uuid.UUID, cause string) (bool, error)
}

// RetryPolicy bounds provider calls for one payment.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy is 3 attempts, 60s then 120s apart, 10s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 60 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.InitialBackoff << uint(p.MaxAttempts)
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// DetailWorker generates payment details with bounded retries. Jobs come from
// the in-process queue (Enqueue) or are handed to Process by a Kafka consumer.
type DetailWorker struct {
	engine      PaymentEngine
	provider    DetailGenerator
	policy      RetryPolicy
	concurrency int
	jobs        chan uuid.UUID
	logger      *zap.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
}

// NewDetailWorker creates a new detail worker
func NewDetailWorker(engine PaymentEngine, provider DetailGenerator, policy RetryPolicy, concurrency int) *DetailWorker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = DefaultRetryPolicy().AttemptTimeout
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &DetailWorker{
		engine:      engine,
		provider:    provider,
		policy:      policy,
		concurrency: concurrency,
		jobs:        make(chan uuid.UUID, 256),
		logger:      util.GetLogger(),
		pending:     make(map[uuid.UUID]struct{}),
	}
}

// Enqueue queues a payment for the local pool without blocking. A payment that is
// already queued or being processed is not queued twice.
func (w *DetailWorker) Enqueue(ctx context.Context, paymentID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[paymentID]; ok {
		return nil
	}
	select {
	case w.jobs <- paymentID:
		w.pending[paymentID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *DetailWorker) done(paymentID uuid.UUID) {
	w.mu.Lock()
	delete(w.pending, paymentID)
	w.mu.Unlock()
}

// Run drains the local queue with a fixed pool until ctx is done.
func (w *DetailWorker) Run(ctx context.Context) error {
	w.logger.Info("Starting payment detail workers", zap.Int("concurrency", w.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-w.jobs:
					if err := w.Process(ctx, id); err != nil {
						w.logger.Error("Payment detail job failed",
							zap.String("payment_id", id.String()),
							zap.Error(err))
					}
					w.done(id)
				}
			}
		})
	}
	err := g.Wait()
	w.logger.Info("Payment detail workers stopped")
	return err
}

// Process generates details for one payment and writes the outcome back.
// Payments no longer waiting for details are skipped.
func (w *DetailWorker) Process(ctx context.Context, paymentID uuid.UUID) (err error) {
	ctx, span := util.StartSpan(ctx, "DetailWorker.Process")
	defer func() { util.EndSpan(span, err) }()

	logger := util.LoggerFromContext(ctx).With(zap.String("payment_id", paymentID.String()))

	payment, err := w.engine.GetPaymentStatus(ctx, paymentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			logger.Warn("Dropping detail job for unknown payment")
			return nil
		}
		return err
	}
	if payment.Status != models.PaymentStatusWaitingForPaymentDetail {
		logger.Info("Skipping detail job", zap.String("status", string(payment.Status)))
		return nil
	}

	attempt := 0
	var details *models.PaymentDetails
	operation := func() error {
		attempt++
		start := time.Now()

		attemptCtx, cancel := context.WithTimeout(ctx, w.policy.AttemptTimeout)
		defer cancel()

		d, err := w.provider.GenerateDetails(attemptCtx, payment)
		util.DetailGenerationLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			util.DetailGenerationAttempts.WithLabelValues("error").Inc()
			if errors.Is(err, models.ErrValidation) {
				return backoff.Permanent(err)
			}
			return err
		}
		if d == nil || !d.Complete() {
			util.DetailGenerationAttempts.WithLabelValues("incomplete").Inc()
			return errors.New("provider returned incomplete details")
		}
		util.DetailGenerationAttempts.WithLabelValues("success").Inc()
		details = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Detail generation attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if genErr := backoff.RetryNotify(operation, w.policy.backOff(ctx), notify); genErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cause := fmt.Sprintf("detail generation failed after %d attempts: %v", attempt, genErr)
		applied, err := w.engine.ApplyGenerationFailure(context.WithoutCancel(ctx), paymentID, cause)
		if err != nil {
			return err
		}
		logger.Error("Payment detail generation exhausted", zap.Bool("applied", applied), zap.Error(genErr))
		return nil
	}

	applied, err := w.engine.ApplyGeneratedDetails(context.WithoutCancel(ctx), paymentID, details)
	if err != nil {
		return err
	}
	logger.Info("Payment details generated", zap.Int("attempts", attempt), zap.Bool("applied", applied))
	return nil
}
