package service

import (
	"context"
	"errors"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/util"

	"go.uber.org/zap"
)

// ExpireStalePayments cancels payments whose current cycle has been in flight longer
// than the payment timeout. A QR code that is still payable is left alone until it expires.
// The order keeps its status so a new payment can be initialized.
func (o *Orchestrator) ExpireStalePayments(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ExpireStalePayments")
	defer span.End()

	now := o.now()
	cutoff := now.Add(-o.opts.PaymentTimeout)
	stale, err := o.repo.ListStalePayments(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range stale {
		err := o.inUnit(ctx, func(ctx context.Context, u *unit) error {
			payment, err := u.tx.LockPayment(ctx, p.ID)
			if err != nil {
				return err
			}
			if !payment.Status.IsActive() || !payment.CycleStartedAt.Before(cutoff) || payment.Payable(now) {
				return nil
			}
			from := payment.Status
			if err := payment.TransitionTo(models.PaymentStatusCancelled); err != nil {
				return err
			}
			payment.FailureReason = "payment timed out"
			if err := u.tx.UpdatePayment(ctx, payment); err != nil {
				return err
			}
			u.paymentChanged(payment, from)
			expired++
			return nil
		})
		if err != nil && !errors.Is(err, models.ErrConcurrentModification) {
			o.logger.Error("Failed to expire payment", zap.String("payment_id", p.ID.String()), zap.Error(err))
		}
	}

	if expired > 0 {
		util.StalePaymentsExpired.Add(float64(expired))
		o.logger.Info("Expired stale payments", zap.Int("count", expired))
	}
	return expired, nil
}

// RequeuePendingPayments hands payments still waiting for details back to the job queue,
// covering jobs the queue dropped. The worker skips payments that moved on meanwhile.
func (o *Orchestrator) RequeuePendingPayments(ctx context.Context) (int, error) {
	if o.jobs == nil {
		return 0, nil
	}
	pending, err := o.repo.ListPaymentsByStatus(ctx, models.PaymentStatusWaitingForPaymentDetail)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, p := range pending {
		if err := o.jobs.Enqueue(ctx, p.ID); err != nil {
			o.logger.Warn("Failed to requeue payment detail job", zap.String("payment_id", p.ID.String()), zap.Error(err))
			continue
		}
		requeued++
	}
	return requeued, nil
}

// ResumePaidOrders retries starting orders whose machines did not start after payment.
func (o *Orchestrator) ResumePaidOrders(ctx context.Context) (int, error) {
	orders, err := o.repo.ListOrdersByStatus(ctx, models.OrderStatusPaymentSuccess)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, order := range orders {
		if err := o.StartPaidOrder(ctx, order.ID); err != nil {
			o.logger.Warn("Failed to resume paid order", zap.String("order_id", order.ID.String()), zap.Error(err))
			continue
		}
		started++
	}
	return started, nil
}

// SyncInProgressOrders finishes running bookings whose machine the catalog reports IDLE again.
// Bookings updated within the machine start grace period are skipped.
func (o *Orchestrator) SyncInProgressOrders(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.SyncInProgressOrders")
	defer span.End()

	orders, err := o.repo.ListOrdersByStatus(ctx, models.OrderStatusInProgress)
	if err != nil {
		return 0, err
	}

	graceCutoff := o.now().Add(-o.opts.MachineStartGrace)
	finished := 0
	for _, order := range orders {
		for _, d := range order.Details {
			if d.Status != models.OrderDetailStatusInProgress || d.UpdatedAt.After(graceCutoff) {
				continue
			}
			machine, err := o.catalog.GetMachine(ctx, d.MachineID)
			if err != nil {
				o.logger.Warn("Failed to read machine status", zap.String("machine_id", d.MachineID.String()), zap.Error(err))
				continue
			}
			if machine.Status != models.MachineStatusIdle {
				continue
			}
			if _, err := o.UpdateOrderDetailStatus(ctx, d.ID, models.OrderDetailStatusFinished, "machine cycle completed"); err != nil {
				o.logger.Warn("Failed to finish booking", zap.String("detail_id", d.ID.String()), zap.Error(err))
				continue
			}
			finished++
		}
	}
	return finished, nil
}
