package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/redisclient"
	"laundry-order-service/internal/store/memstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) jobs() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID(nil), q.ids...)
}

type recordingController struct {
	mu       sync.Mutex
	started  []uuid.UUID
	stopped  []uuid.UUID
	startErr error
}

func (c *recordingController) StartMachine(_ context.Context, cmd *models.MachineCommandEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = append(c.started, cmd.MachineID)
	return nil
}

func (c *recordingController) StopMachine(_ context.Context, cmd *models.MachineCommandEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, cmd.MachineID)
	return nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	created int
	orders  []models.OrderStatus
	pays    []models.PaymentStatus
}

func (p *recordingPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, e.To)
	return nil
}

func (p *recordingPublisher) PublishPaymentStatusChanged(_ context.Context, e *models.PaymentStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pays = append(p.pays, e.To)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	store    *memstore.Store
	redis    *redisclient.Client
	registry *RedisMachineRegistry
	queue    *recordingQueue
	machines *recordingController
	events   *recordingPublisher

	tenantID uuid.UUID
	storeID  uuid.UUID
	washer   uuid.UUID
	dryer    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redisclient.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rc.Close() })

	f := &fixture{
		store:    memstore.New(),
		redis:    rc,
		registry: NewRedisMachineRegistry(rc),
		queue:    &recordingQueue{},
		machines: &recordingController{},
		events:   &recordingPublisher{},
		tenantID: uuid.New(),
		storeID:  uuid.New(),
		washer:   uuid.New(),
		dryer:    uuid.New(),
	}

	f.store.AddTenant(f.tenantID)
	f.store.AddStore(models.Store{ID: f.storeID, TenantID: f.tenantID, Name: "District 1", Status: models.StoreStatusActive})
	f.store.AddMachine(models.Machine{ID: f.washer, StoreID: f.storeID, Name: "W1", Type: models.MachineTypeWasher,
		BasePrice: decimal.RequireFromString("15.00"), Status: models.MachineStatusIdle})
	f.store.AddMachine(models.Machine{ID: f.dryer, StoreID: f.storeID, Name: "D1", Type: models.MachineTypeDryer,
		BasePrice: decimal.RequireFromString("10.00"), Status: models.MachineStatusIdle})

	f.orch = NewOrchestrator(Deps{
		Repo:     f.store,
		Catalog:  f.store,
		Registry: f.registry,
		Events:   f.events,
		Machines: f.machines,
		Jobs:     f.queue,
		Keys:     rc,
	}, Options{})
	return f
}

func washerSelection(id uuid.UUID) MachineSelection {
	return MachineSelection{
		MachineID: id,
		AddOns: models.AddOns{
			{Type: models.AddOnDetergent, Price: decimal.RequireFromString("5.00"), Quantity: 1},
			{Type: models.AddOnSoftener, Price: decimal.RequireFromString("3.00"), Quantity: 1},
		},
	}
}

func (f *fixture) createOrder(t *testing.T, sels ...MachineSelection) *models.Order {
	order, err := f.orch.CreateOrder(context.Background(), &CreateOrderRequest{StoreID: f.storeID, Machines: sels})
	require.NoError(t, err)
	return order
}

func (f *fixture) initPayment(t *testing.T, order *models.Order) *models.Payment {
	payment, err := f.orch.InitializePayment(context.Background(), &InitializePaymentRequest{
		OrderID:  order.ID,
		StoreID:  f.storeID,
		TenantID: f.tenantID,
		Amount:   order.TotalAmount,
		Provider: models.PaymentProviderVietQR,
	})
	require.NoError(t, err)
	return payment
}

func (f *fixture) generatedDetails(t *testing.T, payment *models.Payment) *models.Payment {
	now := time.Now().UTC()
	applied, err := f.orch.ApplyGeneratedDetails(context.Background(), payment.ID, &models.PaymentDetails{
		QRCode:           "00020101021238570010A000000727",
		ExpiresAt:        now.Add(15 * time.Minute),
		TransactionID:    "FT" + payment.TransactionCode,
		TransactionRefID: payment.TransactionCode,
		GeneratedAt:      now,
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := f.orch.GetPaymentStatus(context.Background(), payment.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) machineState(t *testing.T, id uuid.UUID) string {
	status, _, err := f.redis.GetMachineState(context.Background(), id)
	require.NoError(t, err)
	return status
}

var errControllerDown = errors.New("controller unreachable")
