package service

import (
	"context"
	"errors"
	"fmt"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MachineSelection is one machine requested for an order. Prices sent by
// clients are ignored; add-on prices are taken as quoted by the store.
type MachineSelection struct {
	MachineID uuid.UUID     `json:"machine_id"`
	AddOns    models.AddOns `json:"add_ons"`
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	StoreID        uuid.UUID          `json:"store_id"`
	Machines       []MachineSelection `json:"machines" binding:"required"`
	IdempotencyKey string             `json:"-"`
}

// CreateOrder validates the selection, reserves every machine and persists the
// order in status NEW with server-computed totals.
func (o *Orchestrator) CreateOrder(ctx context.Context, req *CreateOrderRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CreateOrder")
	defer func() { util.EndSpan(span, err) }()

	if existing := o.lookupIdempotent(ctx, req.IdempotencyKey); existing != nil {
		return existing, nil
	}

	machines, err := o.validateSelection(ctx, req)
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	order = &models.Order{
		ID:      uuid.New(),
		StoreID: req.StoreID,
		Status:  models.OrderStatusNew,
	}
	for i, sel := range req.Machines {
		order.Details = append(order.Details, newDetail(order.ID, machines[i], sel.AddOns, i))
	}
	order.RecomputeTotals()

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		for _, d := range order.Details {
			if err := u.reserve(ctx, d.MachineID, d.ID.String()); err != nil {
				return err
			}
		}
		if err := u.tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		event := &models.OrderCreatedEvent{
			BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCreated),
			OrderID:     order.ID,
			StoreID:     order.StoreID,
			TotalAmount: order.TotalAmount,
		}
		for _, d := range order.Details {
			event.MachineIDs = append(event.MachineIDs, d.MachineID)
		}
		u.afterCommit(func(ctx context.Context) {
			if err := o.events.PublishOrderCreated(ctx, event); err != nil {
				o.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
			}
		})
		return nil
	})
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	o.rememberIdempotent(ctx, req.IdempotencyKey, order.ID)
	o.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("total_amount", order.TotalAmount.String()),
		zap.Int("machines", len(order.Details)))

	return order, nil
}

// validateSelection checks the store and every machine against the directory and catalog
func (o *Orchestrator) validateSelection(ctx context.Context, req *CreateOrderRequest) ([]*models.Machine, error) {
	if req.StoreID == uuid.Nil {
		return nil, fmt.Errorf("%w: store_id is required", models.ErrValidation)
	}
	if len(req.Machines) == 0 {
		return nil, fmt.Errorf("%w: at least one machine is required", models.ErrValidation)
	}

	st, err := o.catalog.GetStore(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StoreStatusActive {
		return nil, fmt.Errorf("%w: store %s is not active", models.ErrValidation, st.ID)
	}

	seen := make(map[uuid.UUID]bool, len(req.Machines))
	machines := make([]*models.Machine, 0, len(req.Machines))
	for _, sel := range req.Machines {
		if sel.MachineID == uuid.Nil {
			return nil, fmt.Errorf("%w: machine_id is required", models.ErrValidation)
		}
		if seen[sel.MachineID] {
			return nil, fmt.Errorf("%w: machine %s selected twice", models.ErrValidation, sel.MachineID)
		}
		seen[sel.MachineID] = true

		m, err := o.bookableMachine(ctx, req.StoreID, sel)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// bookableMachine validates one selection and returns its catalog entry
func (o *Orchestrator) bookableMachine(ctx context.Context, storeID uuid.UUID, sel MachineSelection) (*models.Machine, error) {
	if err := sel.AddOns.Validate(); err != nil {
		return nil, err
	}
	m, err := o.catalog.GetMachine(ctx, sel.MachineID)
	if err != nil {
		return nil, err
	}
	if m.StoreID != storeID {
		return nil, fmt.Errorf("%w: machine %s does not belong to store %s", models.ErrValidation, m.ID, storeID)
	}
	if m.Status != models.MachineStatusIdle {
		return nil, fmt.Errorf("%w: machine %s is %s", models.ErrResourceConflict, m.ID, m.Status)
	}
	return m, nil
}

// newDetail prices a booking as base price plus every add-on line
func newDetail(orderID uuid.UUID, m *models.Machine, addOns models.AddOns, position int) models.OrderDetail {
	if addOns == nil {
		addOns = models.AddOns{}
	}
	return models.OrderDetail{
		ID:          uuid.New(),
		OrderID:     orderID,
		MachineID:   m.ID,
		MachineType: m.Type,
		Status:      models.OrderDetailStatusNew,
		Price:       m.BasePrice.Add(addOns.Total()),
		AddOns:      addOns,
		Position:    position,
	}
}

func (o *Orchestrator) lookupIdempotent(ctx context.Context, key string) *models.Order {
	if key == "" || o.keys == nil {
		return nil
	}
	val, err := o.keys.GetIdempotencyKey(ctx, key)
	if err != nil {
		o.logger.Warn("Failed to check idempotency key", zap.String("key", key), zap.Error(err))
		return nil
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return nil
	}
	order, err := o.repo.GetOrder(ctx, id)
	if err != nil {
		return nil
	}
	o.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.String("order_id", id.String()))
	return order
}

func (o *Orchestrator) rememberIdempotent(ctx context.Context, key string, orderID uuid.UUID) {
	if key == "" || o.keys == nil {
		return
	}
	if err := o.keys.SetIdempotencyKey(ctx, key, orderID.String(), o.opts.IdempotencyKeyTTL); err != nil {
		o.logger.Warn("Failed to store idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrResourceConflict):
		return "machine_unavailable"
	default:
		return "error"
	}
}

// GetOrder retrieves an order with its details
func (o *Orchestrator) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return o.repo.GetOrder(ctx, orderID)
}

// UpdateOrderStatus drives an order to target. Payment-driven statuses cannot be set directly.
func (o *Orchestrator) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, target models.OrderStatus, reason string) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.UpdateOrderStatus")
	defer func() { util.EndSpan(span, err) }()

	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", models.ErrValidation, target)
	}

	switch target {
	case models.OrderStatusWaitingForPayment, models.OrderStatusPaymentSuccess, models.OrderStatusPaymentFailed:
		return nil, fmt.Errorf("%w: order status %s is driven by payments", models.ErrInvalidTransition, target)
	case models.OrderStatusInProgress:
		if err := o.StartPaidOrder(ctx, orderID); err != nil {
			return nil, err
		}
		order, err = o.repo.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status != models.OrderStatusInProgress {
			return nil, fmt.Errorf("%w: order %s %s -> %s", models.ErrInvalidTransition, orderID, order.Status, target)
		}
		return order, nil
	}

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		order, err = u.tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return u.transitionOrder(ctx, order, target, reason)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Order status updated",
		zap.String("order_id", orderID.String()),
		zap.String("status", string(order.Status)),
		zap.String("reason", reason))
	return order, nil
}

// CancelOrder cancels an order with its bookings and active payments
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*models.Order, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	return o.UpdateOrderStatus(ctx, orderID, models.OrderStatusCancelled, reason)
}

// AddOrderDetail books one more machine on an order that has not been paid yet
func (o *Orchestrator) AddOrderDetail(ctx context.Context, orderID uuid.UUID, sel MachineSelection) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.AddOrderDetail")
	defer func() { util.EndSpan(span, err) }()

	if sel.MachineID == uuid.Nil {
		return nil, fmt.Errorf("%w: machine_id is required", models.ErrValidation)
	}
	current, err := o.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	machine, err := o.bookableMachine(ctx, current.StoreID, sel)
	if err != nil {
		return nil, err
	}

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		order, err = u.tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := u.ensureModifiable(ctx, order); err != nil {
			return err
		}
		for _, d := range order.Details {
			if d.MachineID == machine.ID && d.HoldsMachine() {
				return fmt.Errorf("%w: machine %s already booked on this order", models.ErrResourceConflict, machine.ID)
			}
		}

		detail := newDetail(order.ID, machine, sel.AddOns, len(order.Details))
		if err := u.reserve(ctx, detail.MachineID, detail.ID.String()); err != nil {
			return err
		}
		if err := u.tx.InsertOrderDetail(ctx, &detail); err != nil {
			return err
		}

		order.Details = append(order.Details, detail)
		order.RecomputeTotals()
		return u.tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Order detail added",
		zap.String("order_id", orderID.String()),
		zap.String("machine_id", machine.ID.String()))
	return order, nil
}

// ensureModifiable rejects booking changes on paid or terminal orders and while a payment is in flight
func (u *unit) ensureModifiable(ctx context.Context, order *models.Order) error {
	switch order.Status {
	case models.OrderStatusNew, models.OrderStatusWaitingForPayment, models.OrderStatusPaymentFailed:
	default:
		return fmt.Errorf("%w: order %s is %s", models.ErrOrderModificationDenied, order.ID, order.Status)
	}
	active, err := u.tx.ListActivePayments(ctx, order.ID)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return fmt.Errorf("%w: order %s has payment %s in flight", models.ErrResourceConflict, order.ID, active[0].ID)
	}
	return nil
}

// CancelOrderDetail cancels one booking, frees its machine and recomputes the order totals
func (o *Orchestrator) CancelOrderDetail(ctx context.Context, detailID uuid.UUID, reason string) (*models.Order, error) {
	return o.UpdateOrderDetailStatus(ctx, detailID, models.OrderDetailStatusCancelled, reason)
}

// UpdateOrderDetailStatus drives a single booking. When no booking of an order is
// left running the order itself is finished or cancelled.
func (o *Orchestrator) UpdateOrderDetailStatus(ctx context.Context, detailID uuid.UUID, target models.OrderDetailStatus, reason string) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.UpdateOrderDetailStatus")
	defer func() { util.EndSpan(span, err) }()

	if !target.Valid() {
		return nil, fmt.Errorf("%w: unknown order detail status %q", models.ErrValidation, target)
	}

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		locked, err := u.tx.LockOrderDetail(ctx, detailID)
		if err != nil {
			return err
		}
		order, err = u.tx.LockOrder(ctx, locked.OrderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", models.ErrOrderModificationDenied, order.ID, order.Status)
		}

		var detail *models.OrderDetail
		for i := range order.Details {
			if order.Details[i].ID == detailID {
				detail = &order.Details[i]
			}
		}
		if detail == nil {
			return fmt.Errorf("%w: order detail %s", models.ErrNotFound, detailID)
		}

		switch target {
		case models.OrderDetailStatusCancelled:
			if order.Status != models.OrderStatusInProgress {
				if err := u.ensureModifiable(ctx, order); err != nil {
					return err
				}
			}
		case models.OrderDetailStatusInProgress, models.OrderDetailStatusFinished:
			if order.Status != models.OrderStatusInProgress {
				return fmt.Errorf("%w: order %s is %s, bookings run only while it is %s",
					models.ErrInvalidTransition, order.ID, order.Status, models.OrderStatusInProgress)
			}
		}

		if err := u.moveDetail(ctx, detail, target); err != nil {
			return err
		}
		order.RecomputeTotals()

		if next, why := rollup(order, reason); next != "" {
			return u.transitionOrder(ctx, order, next, why)
		}
		return u.tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Order detail status updated",
		zap.String("detail_id", detailID.String()),
		zap.String("status", string(target)),
		zap.String("order_status", string(order.Status)))
	return order, nil
}

// rollup decides the order status once none of its bookings is running.
func rollup(order *models.Order, reason string) (models.OrderStatus, string) {
	finished := 0
	for _, d := range order.Details {
		if d.HoldsMachine() {
			return "", ""
		}
		if d.Status == models.OrderDetailStatusFinished {
			finished++
		}
	}

	if order.Status == models.OrderStatusInProgress && finished > 0 {
		return models.OrderStatusFinished, "all bookings finished"
	}
	if reason == "" {
		reason = "all bookings cancelled"
	}
	return models.OrderStatusCancelled, reason
}
