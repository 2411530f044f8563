package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/store"
	"laundry-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options carries the business settings of the engine.
type Options struct {
	QRExpiry            time.Duration
	PaymentTimeout      time.Duration
	MachineStartGrace   time.Duration
	IdempotencyKeyTTL   time.Duration
	CallbackDedupWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.QRExpiry <= 0 {
		o.QRExpiry = 15 * time.Minute
	}
	if o.PaymentTimeout <= 0 {
		o.PaymentTimeout = 5 * time.Minute
	}
	if o.MachineStartGrace <= 0 {
		o.MachineStartGrace = 2 * time.Minute
	}
	if o.IdempotencyKeyTTL <= 0 {
		o.IdempotencyKeyTTL = 24 * time.Hour
	}
	if o.CallbackDedupWindow <= 0 {
		o.CallbackDedupWindow = 24 * time.Hour
	}
	return o
}

// Deps are the collaborators of the engine. Events, Machines, Jobs and Keys are optional.
type Deps struct {
	Repo     store.Repository
	Catalog  store.Catalog
	Registry MachineRegistry
	Events   EventPublisher
	Machines MachineController
	Jobs     DetailJobQueue
	Keys     KeyStore
}

// Orchestrator sequences every cross-aggregate transition of orders, bookings and payments.
// All mutations go through a unit of work so that cascades commit or roll back together.
type Orchestrator struct {
	repo     store.Repository
	catalog  store.Catalog
	registry MachineRegistry
	events   EventPublisher
	machines MachineController
	jobs     DetailJobQueue
	keys     KeyStore
	opts     Options
	logger   *zap.Logger

	now     func() time.Time
	newCode func() (string, error)
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	o := &Orchestrator{
		repo:     deps.Repo,
		catalog:  deps.Catalog,
		registry: deps.Registry,
		events:   deps.Events,
		machines: deps.Machines,
		jobs:     deps.Jobs,
		keys:     deps.Keys,
		opts:     opts.withDefaults(),
		logger:   util.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
		newCode:  newTransactionCode,
	}
	if o.events == nil {
		o.events = noopPublisher{}
	}
	if o.machines == nil {
		o.machines = noopController{}
	}
	return o
}

// SetJobQueue wires the detail-generation queue after construction.
func (o *Orchestrator) SetJobQueue(q DetailJobQueue) {
	o.jobs = q
}

// QRExpiry is how long generated payment details stay payable.
func (o *Orchestrator) QRExpiry() time.Duration {
	return o.opts.QRExpiry
}

type holding struct {
	machineID uuid.UUID
	holder    string
}

// unit is one atomic operation: a store transaction plus the registry and
// post-commit effects that must follow its outcome.
type unit struct {
	o        *Orchestrator
	tx       store.Tx
	reserved []holding
	releases []holding
	after    []func(context.Context)
}

// inUnit runs fn inside a transaction. Reservations taken by fn are released when
// the transaction fails; releases and post-commit hooks run only after commit.
func (o *Orchestrator) inUnit(ctx context.Context, fn func(ctx context.Context, u *unit) error) error {
	var u *unit
	err := o.repo.WithinTx(ctx, func(tx store.Tx) error {
		u = &unit{o: o, tx: tx}
		return fn(ctx, u)
	})

	bg := context.WithoutCancel(ctx)
	if err != nil {
		if u != nil {
			o.compensate(bg, u.reserved)
		}
		return err
	}

	for _, h := range u.releases {
		if err := o.registry.Release(bg, h.machineID, h.holder); err != nil {
			o.logger.Error("Failed to release machine after commit",
				zap.String("machine_id", h.machineID.String()),
				zap.String("holder", h.holder),
				zap.Error(err))
		}
	}
	for _, hook := range u.after {
		hook(bg)
	}
	return nil
}

// compensate rolls back registry reservations of a failed unit
func (o *Orchestrator) compensate(ctx context.Context, reserved []holding) {
	for _, h := range reserved {
		if err := o.registry.Release(ctx, h.machineID, h.holder); err != nil {
			o.logger.Error("Failed to compensate machine reservation",
				zap.String("machine_id", h.machineID.String()),
				zap.Error(err))
		}
	}
}

func (u *unit) reserve(ctx context.Context, machineID uuid.UUID, holder string) error {
	start := time.Now()
	ok, err := u.o.registry.Reserve(ctx, machineID, holder)
	util.MachineReserveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: machine registry: %v", models.ErrExternalService, err)
	}
	if !ok {
		return fmt.Errorf("%w: machine %s is not available", models.ErrResourceConflict, machineID)
	}
	u.reserved = append(u.reserved, holding{machineID: machineID, holder: holder})
	return nil
}

func (u *unit) release(machineID uuid.UUID, holder string) {
	u.releases = append(u.releases, holding{machineID: machineID, holder: holder})
}

func (u *unit) afterCommit(hook func(context.Context)) {
	u.after = append(u.after, hook)
}

func (u *unit) orderChanged(order *models.Order, from models.OrderStatus) {
	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:   order.ID,
		From:      from,
		To:        order.Status,
		Reason:    order.StatusReason,
	}
	u.afterCommit(func(ctx context.Context) {
		util.OrderTransitionsTotal.WithLabelValues(string(event.To)).Inc()
		if err := u.o.events.PublishOrderStatusChanged(ctx, event); err != nil {
			u.o.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
		}
	})
}

func (u *unit) paymentChanged(payment *models.Payment, from models.PaymentStatus) {
	event := &models.PaymentStatusChangedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentStatusChanged),
		PaymentID: payment.ID,
		OrderID:   payment.OrderID,
		From:      from,
		To:        payment.Status,
		Reason:    payment.FailureReason,
	}
	u.afterCommit(func(ctx context.Context) {
		util.PaymentTransitionsTotal.WithLabelValues(string(event.To)).Inc()
		if err := u.o.events.PublishPaymentStatusChanged(ctx, event); err != nil {
			u.o.logger.Error("Failed to publish PaymentStatusChanged event", zap.Error(err))
		}
	})
}

// transitionOrder moves a locked order to target, applies the cascades bound to
// the target status and persists everything in the current unit.
func (u *unit) transitionOrder(ctx context.Context, order *models.Order, target models.OrderStatus, reason string) error {
	from := order.Status
	if err := order.TransitionTo(target, reason); err != nil {
		return err
	}

	switch target {
	case models.OrderStatusCancelled:
		for i := range order.Details {
			d := &order.Details[i]
			if d.Status.IsTerminal() {
				continue
			}
			if err := u.moveDetail(ctx, d, models.OrderDetailStatusCancelled); err != nil {
				return err
			}
		}
		if err := u.cancelActivePayments(ctx, order.ID, "order cancelled"); err != nil {
			return err
		}

	case models.OrderStatusFinished:
		for i := range order.Details {
			d := &order.Details[i]
			if d.Status.IsTerminal() {
				continue
			}
			if d.Status == models.OrderDetailStatusNew {
				if err := d.TransitionTo(models.OrderDetailStatusInProgress); err != nil {
					return err
				}
			}
			if err := u.moveDetail(ctx, d, models.OrderDetailStatusFinished); err != nil {
				return err
			}
		}

	case models.OrderStatusInProgress:
		for i := range order.Details {
			d := &order.Details[i]
			if d.Status != models.OrderDetailStatusNew {
				continue
			}
			if err := u.moveDetail(ctx, d, models.OrderDetailStatusInProgress); err != nil {
				return err
			}
		}
	}

	order.RecomputeTotals()
	if err := u.tx.UpdateOrder(ctx, order); err != nil {
		return err
	}
	u.orderChanged(order, from)
	return nil
}

// moveDetail transitions and persists one booking, scheduling its machine release when it ends.
// A running machine whose booking is cancelled is sent a stop command after commit.
func (u *unit) moveDetail(ctx context.Context, d *models.OrderDetail, target models.OrderDetailStatus) error {
	from := d.Status
	if err := d.TransitionTo(target); err != nil {
		return err
	}
	if err := u.tx.UpdateOrderDetail(ctx, d); err != nil {
		return err
	}
	if !d.HoldsMachine() {
		u.release(d.MachineID, d.ID.String())
	}
	if from == models.OrderDetailStatusInProgress && target == models.OrderDetailStatusCancelled {
		cmd := &models.MachineCommandEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeMachineCommand),
			MachineID: d.MachineID,
			OrderID:   d.OrderID,
			DetailID:  d.ID,
			Action:    models.MachineActionStop,
		}
		u.afterCommit(func(ctx context.Context) {
			if err := u.o.machines.StopMachine(ctx, cmd); err != nil {
				u.o.logger.Error("Failed to stop machine",
					zap.String("machine_id", cmd.MachineID.String()),
					zap.Error(err))
			}
		})
	}
	return nil
}

// cancelActivePayments cancels every in-flight payment of an order
func (u *unit) cancelActivePayments(ctx context.Context, orderID uuid.UUID, reason string) error {
	payments, err := u.tx.ListActivePayments(ctx, orderID)
	if err != nil {
		return err
	}
	for i := range payments {
		p := &payments[i]
		from := p.Status
		if err := p.TransitionTo(models.PaymentStatusCancelled); err != nil {
			return err
		}
		p.FailureReason = reason
		if err := u.tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		u.paymentChanged(p, from)
	}
	return nil
}

// StartPaidOrder starts the machines of an order in PAYMENT_SUCCESS and moves it to IN_PROGRESS.
// When a machine fails to start the order stays in PAYMENT_SUCCESS and is picked up again by the sweeper.
func (o *Orchestrator) StartPaidOrder(ctx context.Context, orderID uuid.UUID) (err error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.StartPaidOrder")
	defer func() { util.EndSpan(span, err) }()

	order, err := o.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPaymentSuccess {
		return nil
	}

	for _, d := range order.Details {
		if d.Status != models.OrderDetailStatusNew {
			continue
		}
		cmd := &models.MachineCommandEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeMachineCommand),
			MachineID: d.MachineID,
			OrderID:   order.ID,
			DetailID:  d.ID,
			Action:    models.MachineActionStart,
			Amount:    d.Price,
		}
		if err := o.machines.StartMachine(ctx, cmd); err != nil {
			o.logger.Error("Failed to start machine",
				zap.String("order_id", order.ID.String()),
				zap.String("machine_id", d.MachineID.String()),
				zap.Error(err))
			return fmt.Errorf("%w: start machine %s: %v", models.ErrExternalService, d.MachineID, err)
		}
	}

	err = o.inUnit(ctx, func(ctx context.Context, u *unit) error {
		locked, err := u.tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.Status != models.OrderStatusPaymentSuccess {
			return nil
		}
		return u.transitionOrder(ctx, locked, models.OrderStatusInProgress, "machines started")
	})
	if err != nil {
		return err
	}

	o.logger.Info("Order started", zap.String("order_id", orderID.String()))
	return nil
}

const transactionCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newTransactionCode returns an 8-character uppercase alphanumeric code.
func newTransactionCode() (string, error) {
	limit := big.NewInt(int64(len(transactionCodeAlphabet)))
	code := make([]byte, 8)
	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		code[i] = transactionCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}

// uniqueTransactionCode draws codes until one is unused.
func (u *unit) uniqueTransactionCode(ctx context.Context) (string, error) {
	for i := 0; i < 5; i++ {
		code, err := u.o.newCode()
		if err != nil {
			return "", err
		}
		taken, err := u.tx.TransactionCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: could not allocate a transaction code", models.ErrResourceConflict)
}
