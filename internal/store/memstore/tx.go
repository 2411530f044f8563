package memstore

import (
	"context"
	"fmt"
	"time"

	"laundry-order-service/internal/models"

	"github.com/google/uuid"
)

type memTx struct {
	data *data
}

func (t *memTx) LockOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	return t.data.loadOrder(id)
}

func (t *memTx) LockOrderDetail(_ context.Context, id uuid.UUID) (*models.OrderDetail, error) {
	d, ok := t.data.details[id]
	if !ok {
		return nil, fmt.Errorf("%w: order detail %s", models.ErrNotFound, id)
	}
	d.AddOns = append(models.AddOns(nil), d.AddOns...)
	return &d, nil
}

func (t *memTx) LockPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	p, ok := t.data.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s", models.ErrNotFound, id)
	}
	p = copyPayment(p)
	return &p, nil
}

func (t *memTx) LockPaymentByReference(ctx context.Context, ref string) (*models.Payment, error) {
	var byProviderID *models.Payment
	for _, p := range t.data.payments {
		if p.TransactionCode == ref {
			p = copyPayment(p)
			return &p, nil
		}
		if p.ProviderTransactionID != nil && *p.ProviderTransactionID == ref {
			if byProviderID == nil || p.CreatedAt.After(byProviderID.CreatedAt) {
				cp := copyPayment(p)
				byProviderID = &cp
			}
		}
	}
	if byProviderID != nil {
		return byProviderID, nil
	}
	if id, err := uuid.Parse(ref); err == nil {
		return t.LockPayment(ctx, id)
	}
	return nil, fmt.Errorf("%w: payment reference %s", models.ErrNotFound, ref)
}

func (t *memTx) ListActivePayments(_ context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	return t.data.filterPayments(func(p models.Payment) bool {
		return p.OrderID == orderID && p.Status.IsActive()
	}), nil
}

func (t *memTx) TransactionCodeExists(_ context.Context, code string) (bool, error) {
	for _, p := range t.data.payments {
		if p.TransactionCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if _, ok := t.data.orders[order.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", models.ErrResourceConflict, order.ID)
	}
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now

	stored := *order
	stored.Details = nil
	t.data.orders[order.ID] = stored

	for i := range order.Details {
		if err := t.InsertOrderDetail(ctx, &order.Details[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) InsertOrderDetail(_ context.Context, detail *models.OrderDetail) error {
	if _, ok := t.data.details[detail.ID]; ok {
		return fmt.Errorf("%w: order detail %s already exists", models.ErrResourceConflict, detail.ID)
	}
	if detail.HoldsMachine() {
		if err := t.checkMachineFree(detail.MachineID, detail.ID); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	detail.CreatedAt, detail.UpdatedAt = now, now

	stored := *detail
	stored.AddOns = append(models.AddOns(nil), detail.AddOns...)
	t.data.details[detail.ID] = stored
	return nil
}

// checkMachineFree mirrors the partial unique index on live bookings.
func (t *memTx) checkMachineFree(machineID, self uuid.UUID) error {
	for _, d := range t.data.details {
		if d.ID != self && d.MachineID == machineID && d.HoldsMachine() {
			return fmt.Errorf("%w: machine %s is already booked", models.ErrResourceConflict, machineID)
		}
	}
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, order *models.Order) error {
	stored, ok := t.data.orders[order.ID]
	if !ok {
		return fmt.Errorf("%w: order %s", models.ErrNotFound, order.ID)
	}
	if stored.Revision != order.Revision {
		return fmt.Errorf("%w: order %s", models.ErrConcurrentModification, order.ID)
	}

	order.Revision++
	order.UpdatedAt = time.Now().UTC()

	next := *order
	next.Details = nil
	next.CreatedAt = stored.CreatedAt
	t.data.orders[order.ID] = next
	return nil
}

func (t *memTx) UpdateOrderDetail(_ context.Context, detail *models.OrderDetail) error {
	stored, ok := t.data.details[detail.ID]
	if !ok {
		return fmt.Errorf("%w: order detail %s", models.ErrNotFound, detail.ID)
	}
	if stored.Revision != detail.Revision {
		return fmt.Errorf("%w: order detail %s", models.ErrConcurrentModification, detail.ID)
	}
	if detail.HoldsMachine() {
		if err := t.checkMachineFree(detail.MachineID, detail.ID); err != nil {
			return err
		}
	}

	detail.Revision++
	detail.UpdatedAt = time.Now().UTC()

	next := *detail
	next.AddOns = append(models.AddOns(nil), detail.AddOns...)
	next.CreatedAt = stored.CreatedAt
	t.data.details[detail.ID] = next
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, payment *models.Payment) error {
	if _, ok := t.data.payments[payment.ID]; ok {
		return fmt.Errorf("%w: payment %s already exists", models.ErrResourceConflict, payment.ID)
	}
	for _, p := range t.data.payments {
		if p.TransactionCode == payment.TransactionCode {
			return fmt.Errorf("%w: transaction code %s in use", models.ErrResourceConflict, payment.TransactionCode)
		}
		if payment.Status.IsActive() && p.OrderID == payment.OrderID && p.Status.IsActive() {
			return fmt.Errorf("%w: order %s already has an active payment", models.ErrResourceConflict, payment.OrderID)
		}
	}
	now := time.Now().UTC()
	payment.CreatedAt, payment.UpdatedAt = now, now
	if payment.CycleStartedAt.IsZero() {
		payment.CycleStartedAt = now
	}
	t.data.payments[payment.ID] = copyPayment(*payment)
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, payment *models.Payment) error {
	stored, ok := t.data.payments[payment.ID]
	if !ok {
		return fmt.Errorf("%w: payment %s", models.ErrNotFound, payment.ID)
	}
	if stored.Revision != payment.Revision {
		return fmt.Errorf("%w: payment %s", models.ErrConcurrentModification, payment.ID)
	}
	if payment.Status.IsActive() {
		for _, p := range t.data.payments {
			if p.ID != payment.ID && p.OrderID == payment.OrderID && p.Status.IsActive() {
				return fmt.Errorf("%w: order %s already has an active payment", models.ErrResourceConflict, payment.OrderID)
			}
		}
	}

	payment.Revision++
	payment.UpdatedAt = time.Now().UTC()

	next := copyPayment(*payment)
	next.CreatedAt = stored.CreatedAt
	t.data.payments[payment.ID] = next
	return nil
}
