package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"laundry-order-service/internal/models"

	"github.com/google/uuid"
)

const paymentColumns = `id, order_id, store_id, tenant_id, status, total_amount, provider, transaction_code,
	provider_transaction_id, details, failure_reason, revision, cycle_started_at, created_at, updated_at`

// GetPayment retrieves a payment by ID
func (s *Store) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("payment", id)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListPaymentsByOrder retrieves every payment of an order, newest first
func (s *Store) ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return payments, err
}

// ListStalePayments retrieves active payments whose current cycle started before the cutoff
func (s *Store) ListStalePayments(ctx context.Context, startedBefore time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments, "SELECT "+paymentColumns+` FROM payments
		WHERE status IN ($1, $2, $3) AND cycle_started_at < $4 ORDER BY cycle_started_at`,
		models.PaymentStatusNew, models.PaymentStatusWaitingForPaymentDetail, models.PaymentStatusWaitingForPurchase,
		startedBefore)
	return payments, err
}

// ListPaymentsByStatus retrieves payments in one status, oldest cycle first
func (s *Store) ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE status = $1 ORDER BY cycle_started_at", status)
	return payments, err
}

// LockPayment locks a payment row
func (t *pgTx) LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var payment models.Payment
	err := t.tx.GetContext(ctx, &payment, "SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("payment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}
	return &payment, nil
}

// LockPaymentByReference resolves a provider reference by transaction code, then provider
// transaction id, then payment id, and locks the matching row.
func (t *pgTx) LockPaymentByReference(ctx context.Context, ref string) (*models.Payment, error) {
	lookups := []string{"transaction_code = $1", "provider_transaction_id = $1"}
	for _, where := range lookups {
		var payment models.Payment
		err := t.tx.GetContext(ctx, &payment,
			"SELECT "+paymentColumns+" FROM payments WHERE "+where+" ORDER BY created_at DESC LIMIT 1 FOR UPDATE", ref)
		if err == nil {
			return &payment, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to lock payment by reference: %w", err)
		}
	}

	if id, err := uuid.Parse(ref); err == nil {
		return t.LockPayment(ctx, id)
	}
	return nil, notFound("payment reference", ref)
}

// ListActivePayments locks and returns the payments of an order that are still in flight
func (t *pgTx) ListActivePayments(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	var payments []models.Payment
	err := t.tx.SelectContext(ctx, &payments, "SELECT "+paymentColumns+` FROM payments
		WHERE order_id = $1 AND status IN ($2, $3, $4) FOR UPDATE`,
		orderID, models.PaymentStatusNew, models.PaymentStatusWaitingForPaymentDetail, models.PaymentStatusWaitingForPurchase)
	if err != nil {
		return nil, fmt.Errorf("failed to list active payments: %w", err)
	}
	return payments, nil
}

// TransactionCodeExists reports whether a transaction code is already taken
func (t *pgTx) TransactionCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM payments WHERE transaction_code = $1)", code)
	return exists, err
}

// InsertPayment creates a payment row
func (t *pgTx) InsertPayment(ctx context.Context, payment *models.Payment) error {
	now := time.Now().UTC()
	payment.CreatedAt, payment.UpdatedAt = now, now
	if payment.CycleStartedAt.IsZero() {
		payment.CycleStartedAt = now
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, store_id, tenant_id, status, total_amount, provider, transaction_code,
			provider_transaction_id, details, failure_reason, revision, cycle_started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		payment.ID, payment.OrderID, payment.StoreID, payment.TenantID, payment.Status, payment.TotalAmount,
		payment.Provider, payment.TransactionCode, payment.ProviderTransactionID, payment.Details,
		payment.FailureReason, payment.Revision, payment.CycleStartedAt, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", mapWriteErr(err))
	}
	return nil
}

// UpdatePayment writes status, codes, provider data and failure reason if the stored revision still matches
func (t *pgTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, transaction_code = $2, provider_transaction_id = $3, details = $4, failure_reason = $5,
			cycle_started_at = $6, revision = revision + 1, updated_at = $7
		WHERE id = $8 AND revision = $9`,
		payment.Status, payment.TransactionCode, payment.ProviderTransactionID, payment.Details,
		payment.FailureReason, payment.CycleStartedAt, now, payment.ID, payment.Revision)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", mapWriteErr(err))
	}
	if err := checkCAS(res, "payment", payment.ID); err != nil {
		return err
	}

	payment.Revision++
	payment.UpdatedAt = now
	return nil
}
