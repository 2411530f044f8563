// Package memstore is an in-process implementation of the order repository.
// Units of work are serialized and run against a private copy of the data that
// replaces the shared state only on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/store"

	"github.com/google/uuid"
)

type data struct {
	orders   map[uuid.UUID]models.Order
	details  map[uuid.UUID]models.OrderDetail
	payments map[uuid.UUID]models.Payment
}

func (d *data) clone() *data {
	c := &data{
		orders:   make(map[uuid.UUID]models.Order, len(d.orders)),
		details:  make(map[uuid.UUID]models.OrderDetail, len(d.details)),
		payments: make(map[uuid.UUID]models.Payment, len(d.payments)),
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.details {
		v.AddOns = append(models.AddOns(nil), v.AddOns...)
		c.details[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = copyPayment(v)
	}
	return c
}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *data

	machines map[uuid.UUID]models.Machine
	stores   map[uuid.UUID]models.Store
	tenants  map[uuid.UUID]bool
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.Catalog    = (*Store)(nil)
)

func New() *Store {
	return &Store{
		data: &data{
			orders:   map[uuid.UUID]models.Order{},
			details:  map[uuid.UUID]models.OrderDetail{},
			payments: map[uuid.UUID]models.Payment{},
		},
		machines: map[uuid.UUID]models.Machine{},
		stores:   map[uuid.UUID]models.Store{},
		tenants:  map[uuid.UUID]bool{},
	}
}

// AddTenant registers a tenant in the directory.
func (s *Store) AddTenant(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[id] = true
}

// AddStore registers a store in the directory.
func (s *Store) AddStore(st models.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

// AddMachine registers or replaces a catalog machine.
func (s *Store) AddMachine(m models.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = m
}

// SetMachineStatus updates the catalog status of a machine.
func (s *Store) SetMachineStatus(id uuid.UUID, status models.MachineStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.machines[id]; ok {
		m.Status = status
		s.machines[id] = m
	}
}

func (s *Store) GetMachine(_ context.Context, id uuid.UUID) (*models.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("%w: machine %s", models.ErrNotFound, id)
	}
	return &m, nil
}

func (s *Store) GetStore(_ context.Context, id uuid.UUID) (*models.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[id]
	if !ok {
		return nil, fmt.Errorf("%w: store %s", models.ErrNotFound, id)
	}
	return &st, nil
}

func (s *Store) TenantExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenants[id], nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// WithinTx runs fn against a private copy of the data and publishes it when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{data: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.loadOrder(id)
}

func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s", models.ErrNotFound, id)
	}
	p = copyPayment(p)
	return &p, nil
}

func (s *Store) ListPaymentsByOrder(_ context.Context, orderID uuid.UUID) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.data.filterPayments(func(p models.Payment) bool { return p.OrderID == orderID })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStalePayments(_ context.Context, startedBefore time.Time) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.data.filterPayments(func(p models.Payment) bool {
		return p.Status.IsActive() && p.CycleStartedAt.Before(startedBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CycleStartedAt.Before(out[j].CycleStartedAt) })
	return out, nil
}

func (s *Store) ListPaymentsByStatus(_ context.Context, status models.PaymentStatus) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.data.filterPayments(func(p models.Payment) bool { return p.Status == status })
	sort.Slice(out, func(i, j int) bool { return out[i].CycleStartedAt.Before(out[j].CycleStartedAt) })
	return out, nil
}

func (s *Store) ListOrdersByStatus(_ context.Context, status models.OrderStatus) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Order
	for id, o := range s.data.orders {
		if o.Status != status {
			continue
		}
		order, err := s.data.loadOrder(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListActiveOrderDetails(_ context.Context) ([]models.OrderDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OrderDetail
	for _, d := range s.data.details {
		if d.HoldsMachine() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (d *data) loadOrder(id uuid.UUID) (*models.Order, error) {
	o, ok := d.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, id)
	}
	o.Details = nil
	for _, det := range d.details {
		if det.OrderID == id {
			det.AddOns = append(models.AddOns(nil), det.AddOns...)
			o.Details = append(o.Details, det)
		}
	}
	sort.Slice(o.Details, func(i, j int) bool { return o.Details[i].Position < o.Details[j].Position })
	return &o, nil
}

func (d *data) filterPayments(keep func(models.Payment) bool) []models.Payment {
	var out []models.Payment
	for _, p := range d.payments {
		if keep(p) {
			out = append(out, copyPayment(p))
		}
	}
	return out
}

func copyPayment(p models.Payment) models.Payment {
	if p.Details != nil {
		details := *p.Details
		p.Details = &details
	}
	if p.ProviderTransactionID != nil {
		id := *p.ProviderTransactionID
		p.ProviderTransactionID = &id
	}
	return p
}
