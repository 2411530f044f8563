package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/store"
	"laundry-order-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// enqueueTimeout bounds the post-commit hand-off of a detail job.
const enqueueTimeout = 5 * time.Second

// InitializePaymentRequest represents a request to open a payment for an order
type InitializePaymentRequest struct {
	OrderID  uuid.UUID              `json:"order_id"`
	StoreID  uuid.UUID              `json:"store_id"`
	TenantID uuid.UUID              `json:"tenant_id"`
	Amount   decimal.Decimal        `json:"amount"`
	Provider models.PaymentProvider `json:"provider"`
}

func (r *InitializePaymentRequest) validate() error {
	switch {
	case r.OrderID == uuid.Nil:
		return fmt.Errorf("%w: order_id is required", models.ErrValidation)
	case r.StoreID == uuid.Nil:
		return fmt.Errorf("%w: store_id is required", models.ErrValidation)
	case r.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant_id is required", models.ErrValidation)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", models.ErrValidation)
	case !r.Provider.Valid():
		return fmt.Errorf("%w: unsupported provider %q", models.ErrValidation, r.Provider)
	case r.Provider.WholeUnits() && !r.Amount.Equal(r.Amount.Truncate(0)):
		return fmt.Errorf("%w: %s only accepts whole amounts, got %s", models.ErrValidation, r.Provider, r.Amount)
	}
	return nil
}

// InitializePayment opens a payment bound to the order and queues detail generation.
// The order moves to WAITING_FOR_PAYMENT in the same unit.
func (o *Orchestrator) InitializePayment(ctx context.Context, req *InitializePaymentRequest) (payment *models.Payment, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.InitializePayment")
	defer func() { util.EndSpan(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	st, err := o.catalog.GetStore(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StoreStatusActive {
		return nil, fmt.Errorf("%w: store %s is not active", models.ErrValidation, st.ID)
	}
	exists, err := o.catalog.TenantExists(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: tenant %s", models.ErrNotFound, req.TenantID)
	}
	if st.TenantID != req.TenantID {
		return nil, fmt.Errorf("%w: store %s does not belong to tenant %s", models.ErrValidation, st.ID, req.TenantID)
	}

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		order, err := u.tx.LockOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if order.StoreID != req.StoreID {
			return fmt.Errorf("%w: order %s does not belong to store %s", models.ErrValidation, order.ID, req.StoreID)
		}
		if err := u.ensureNoActivePayment(ctx, order.ID); err != nil {
			return err
		}
		if !req.Amount.Equal(order.TotalAmount) {
			return fmt.Errorf("%w: amount %s does not match order total %s",
				models.ErrValidation, req.Amount, order.TotalAmount)
		}
		if err := u.awaitPayment(ctx, order); err != nil {
			return err
		}

		code, err := u.uniqueTransactionCode(ctx)
		if err != nil {
			return err
		}
		payment = &models.Payment{
			ID:              uuid.New(),
			OrderID:         order.ID,
			StoreID:         req.StoreID,
			TenantID:        req.TenantID,
			Status:          models.PaymentStatusNew,
			TotalAmount:     req.Amount,
			Provider:        req.Provider,
			TransactionCode: code,
			CycleStartedAt:  o.now(),
		}
		if err := u.tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		return u.requestDetails(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	util.PaymentsInitializedTotal.Inc()
	o.logger.Info("Payment initialized",
		zap.String("payment_id", payment.ID.String()),
		zap.String("order_id", payment.OrderID.String()),
		zap.String("transaction_code", payment.TransactionCode))
	return payment, nil
}

// ensureNoActivePayment enforces a single in-flight payment per order
func (u *unit) ensureNoActivePayment(ctx context.Context, orderID uuid.UUID) error {
	active, err := u.tx.ListActivePayments(ctx, orderID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return fmt.Errorf("%w: order %s already has payment %s in status %s",
			models.ErrResourceConflict, orderID, active[0].ID, active[0].Status)
	}
	return nil
}

// awaitPayment moves the order to WAITING_FOR_PAYMENT unless it is already there
func (u *unit) awaitPayment(ctx context.Context, order *models.Order) error {
	if order.Status == models.OrderStatusWaitingForPayment {
		return nil
	}
	if !order.TotalAmount.IsPositive() {
		return fmt.Errorf("%w: order %s has nothing to pay", models.ErrValidation, order.ID)
	}
	return u.transitionOrder(ctx, order, models.OrderStatusWaitingForPayment, "payment initialized")
}

// requestDetails moves a NEW payment to WAITING_FOR_PAYMENT_DETAIL and queues the job after commit
func (u *unit) requestDetails(ctx context.Context, payment *models.Payment) error {
	if err := payment.TransitionTo(models.PaymentStatusWaitingForPaymentDetail); err != nil {
		return err
	}
	if err := u.tx.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	u.paymentChanged(payment, models.PaymentStatusNew)

	paymentID := payment.ID
	u.afterCommit(func(ctx context.Context) {
		if u.o.jobs == nil {
			u.o.logger.Warn("No detail job queue configured", zap.String("payment_id", paymentID.String()))
			return
		}
		ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
		defer cancel()
		// a dropped job is picked up again by RequeuePendingPayments
		if err := u.o.jobs.Enqueue(ctx, paymentID); err != nil {
			u.o.logger.Error("Failed to enqueue payment detail job",
				zap.String("payment_id", paymentID.String()),
				zap.Error(err))
		}
	})
	return nil
}

// GetPaymentStatus retrieves a payment with its details payload
func (o *Orchestrator) GetPaymentStatus(ctx context.Context, paymentID uuid.UUID) (*models.Payment, error) {
	return o.repo.GetPayment(ctx, paymentID)
}

// RetryPayment restarts detail generation for a FAILED payment under a fresh transaction code.
func (o *Orchestrator) RetryPayment(ctx context.Context, paymentID uuid.UUID) (payment *models.Payment, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.RetryPayment")
	defer func() { util.EndSpan(span, err) }()

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		payment, err = u.tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		order, err := u.tx.LockOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		from := payment.Status
		if err := payment.TransitionTo(models.PaymentStatusNew); err != nil {
			return err
		}
		if err := u.ensureNoActivePayment(ctx, order.ID); err != nil {
			return err
		}
		if !payment.TotalAmount.Equal(order.TotalAmount) {
			return fmt.Errorf("%w: order total changed to %s, initialize a new payment",
				models.ErrValidation, order.TotalAmount)
		}
		if err := u.awaitPayment(ctx, order); err != nil {
			return err
		}

		code, err := u.uniqueTransactionCode(ctx)
		if err != nil {
			return err
		}
		payment.TransactionCode = code
		payment.ProviderTransactionID = nil
		payment.Details = nil
		payment.FailureReason = ""
		payment.CycleStartedAt = o.now()
		if err := u.tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		u.paymentChanged(payment, from)

		return u.requestDetails(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Payment retried",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transaction_code", payment.TransactionCode))
	return payment, nil
}

// ApplyGeneratedDetails stores provider details and moves the payment to WAITING_FOR_PURCHASE.
// It reports false without error when the payment is no longer waiting for details.
func (o *Orchestrator) ApplyGeneratedDetails(ctx context.Context, paymentID uuid.UUID, details *models.PaymentDetails) (applied bool, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ApplyGeneratedDetails")
	defer func() { util.EndSpan(span, err) }()

	if details == nil || !details.Complete() {
		return false, fmt.Errorf("%w: incomplete payment details", models.ErrValidation)
	}

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		payment, err := u.tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentStatusWaitingForPaymentDetail {
			o.logger.Info("Discarding generated details",
				zap.String("payment_id", paymentID.String()),
				zap.String("status", string(payment.Status)))
			return nil
		}

		if err := payment.TransitionTo(models.PaymentStatusWaitingForPurchase); err != nil {
			return err
		}
		payment.Details = details
		txID := details.TransactionID
		payment.ProviderTransactionID = &txID
		if err := u.tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		u.paymentChanged(payment, models.PaymentStatusWaitingForPaymentDetail)
		applied = true
		return nil
	})
	if errors.Is(err, models.ErrConcurrentModification) {
		o.logger.Info("Discarding generated details after concurrent update", zap.String("payment_id", paymentID.String()))
		return false, nil
	}
	return applied, err
}

// ApplyGenerationFailure marks a payment FAILED after detail generation gave up.
// The order is left waiting for a new payment.
func (o *Orchestrator) ApplyGenerationFailure(ctx context.Context, paymentID uuid.UUID, cause string) (applied bool, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ApplyGenerationFailure")
	defer func() { util.EndSpan(span, err) }()

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		payment, err := u.tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status != models.PaymentStatusWaitingForPaymentDetail {
			o.logger.Info("Discarding generation failure",
				zap.String("payment_id", paymentID.String()),
				zap.String("status", string(payment.Status)))
			return nil
		}

		if err := payment.TransitionTo(models.PaymentStatusFailed); err != nil {
			return err
		}
		payment.FailureReason = cause
		if err := u.tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		u.paymentChanged(payment, models.PaymentStatusWaitingForPaymentDetail)
		applied = true
		return nil
	})
	if errors.Is(err, models.ErrConcurrentModification) {
		return false, nil
	}
	return applied, err
}

// PaymentCallback is the provider's out-of-band notification.
type PaymentCallback struct {
	Reference     string               `json:"payment_reference"`
	Status        models.PaymentStatus `json:"status"`
	TransactionID string               `json:"transaction_id"`
	Amount        *decimal.Decimal     `json:"amount,omitempty"`
}

func (c *PaymentCallback) fingerprint() string {
	return strings.Join([]string{c.Reference, string(c.Status), c.TransactionID}, ":")
}

// HandlePaymentCallback maps a provider notification onto the payment and its order.
// SUCCESS moves the order to PAYMENT_SUCCESS in the same unit and starts the machines after commit.
// Repeated notifications are acknowledged without being applied twice.
func (o *Orchestrator) HandlePaymentCallback(ctx context.Context, cb *PaymentCallback) (payment *models.Payment, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.HandlePaymentCallback")
	defer func() { util.EndSpan(span, err) }()

	cb.Reference = strings.TrimSpace(cb.Reference)
	if cb.Reference == "" {
		return nil, fmt.Errorf("%w: payment_reference is required", models.ErrValidation)
	}
	switch cb.Status {
	case models.PaymentStatusSuccess, models.PaymentStatusFailed, models.PaymentStatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unsupported callback status %q", models.ErrValidation, cb.Status)
	}
	if cb.Amount != nil && cb.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", models.ErrValidation)
	}

	if o.keys != nil {
		first, err := o.keys.MarkCallbackProcessed(ctx, cb.fingerprint(), o.opts.CallbackDedupWindow)
		if err != nil {
			o.logger.Warn("Failed to check callback marker", zap.Error(err))
		} else if !first {
			util.CallbacksTotal.WithLabelValues("duplicate").Inc()
			o.logger.Info("Duplicate payment callback", zap.String("reference", cb.Reference))
			return o.callbackPayment(ctx, cb.Reference)
		}
	}

	var startOrder uuid.UUID
	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		payment, err = u.tx.LockPaymentByReference(ctx, cb.Reference)
		if err != nil {
			return err
		}
		if payment.Status == cb.Status {
			return nil
		}
		if cb.Amount != nil && !cb.Amount.Equal(payment.TotalAmount) {
			return fmt.Errorf("%w: callback amount %s does not match payment amount %s",
				models.ErrValidation, cb.Amount, payment.TotalAmount)
		}

		from := payment.Status
		if err := payment.TransitionTo(cb.Status); err != nil {
			return err
		}
		if cb.TransactionID != "" && payment.ProviderTransactionID == nil {
			txID := cb.TransactionID
			payment.ProviderTransactionID = &txID
		}
		if cb.Status != models.PaymentStatusSuccess {
			payment.FailureReason = "provider reported " + string(cb.Status)
		}
		if err := u.tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}
		u.paymentChanged(payment, from)

		order, err := u.tx.LockOrder(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		switch cb.Status {
		case models.PaymentStatusSuccess:
			if err := u.transitionOrder(ctx, order, models.OrderStatusPaymentSuccess, "payment succeeded"); err != nil {
				return err
			}
			startOrder = order.ID
		case models.PaymentStatusFailed:
			if order.Status == models.OrderStatusWaitingForPayment {
				return u.transitionOrder(ctx, order, models.OrderStatusPaymentFailed, "payment failed")
			}
		}
		return nil
	})
	if err != nil {
		util.CallbacksTotal.WithLabelValues("rejected").Inc()
		if o.keys != nil {
			if ferr := o.keys.ForgetCallback(context.WithoutCancel(ctx), cb.fingerprint()); ferr != nil {
				o.logger.Warn("Failed to clear callback marker", zap.Error(ferr))
			}
		}
		return nil, err
	}
	util.CallbacksTotal.WithLabelValues("applied").Inc()

	o.logger.Info("Payment callback applied",
		zap.String("payment_id", payment.ID.String()),
		zap.String("status", string(payment.Status)))

	if startOrder != uuid.Nil {
		if err := o.StartPaidOrder(context.WithoutCancel(ctx), startOrder); err != nil {
			o.logger.Warn("Order left in PAYMENT_SUCCESS, will be resumed",
				zap.String("order_id", startOrder.String()),
				zap.Error(err))
		}
	}
	return payment, nil
}

func (o *Orchestrator) callbackPayment(ctx context.Context, ref string) (*models.Payment, error) {
	var payment *models.Payment
	err := o.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		payment, err = tx.LockPaymentByReference(ctx, ref)
		return err
	})
	return payment, err
}
