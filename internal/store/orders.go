package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"laundry-order-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, store_id, status, status_reason, total_amount, total_washer, total_dryer,
	revision, created_at, updated_at`

const detailColumns = `id, order_id, machine_id, machine_type, status, price, add_ons, position,
	revision, created_at, updated_at`

// GetOrder retrieves an order with its details
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &order.Details,
		"SELECT "+detailColumns+" FROM order_details WHERE order_id = $1 ORDER BY position", id); err != nil {
		return nil, fmt.Errorf("failed to load order details: %w", err)
	}
	return &order, nil
}

// ListOrdersByStatus retrieves every order in the given status with its details
func (s *Store) ListOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	var orders []models.Order
	if err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE status = $1 ORDER BY created_at", status); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]uuid.UUID, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}

	query, args, err := sqlx.In("SELECT "+detailColumns+" FROM order_details WHERE order_id IN (?) ORDER BY position", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var details []models.OrderDetail
	if err := s.db.SelectContext(ctx, &details, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load order details: %w", err)
	}

	byOrder := make(map[uuid.UUID][]models.OrderDetail, len(orders))
	for _, d := range details {
		byOrder[d.OrderID] = append(byOrder[d.OrderID], d)
	}
	for i := range orders {
		orders[i].Details = byOrder[orders[i].ID]
	}
	return orders, nil
}

// ListActiveOrderDetails retrieves every detail still holding its machine
func (s *Store) ListActiveOrderDetails(ctx context.Context) ([]models.OrderDetail, error) {
	var details []models.OrderDetail
	err := s.db.SelectContext(ctx, &details,
		"SELECT "+detailColumns+" FROM order_details WHERE status IN ($1, $2)",
		models.OrderDetailStatusNew, models.OrderDetailStatusInProgress)
	return details, err
}

// LockOrder loads an order and its details with row locks held until the transaction ends
func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}

	if err := t.tx.SelectContext(ctx, &order.Details,
		"SELECT "+detailColumns+" FROM order_details WHERE order_id = $1 ORDER BY position FOR UPDATE", id); err != nil {
		return nil, fmt.Errorf("failed to lock order details: %w", err)
	}
	return &order, nil
}

// LockOrderDetail locks a single detail row
func (t *pgTx) LockOrderDetail(ctx context.Context, id uuid.UUID) (*models.OrderDetail, error) {
	var detail models.OrderDetail
	err := t.tx.GetContext(ctx, &detail, "SELECT "+detailColumns+" FROM order_details WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("order detail", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order detail: %w", err)
	}
	return &detail, nil
}

// InsertOrder creates the order row and every detail it carries
func (t *pgTx) InsertOrder(ctx context.Context, order *models.Order) error {
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, store_id, status, status_reason, total_amount, total_washer, total_dryer,
			revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID, order.StoreID, order.Status, order.StatusReason, order.TotalAmount,
		order.TotalWasher, order.TotalDryer, order.Revision, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", mapWriteErr(err))
	}

	for i := range order.Details {
		if err := t.InsertOrderDetail(ctx, &order.Details[i]); err != nil {
			return err
		}
	}
	return nil
}

// InsertOrderDetail creates a detail row. The partial unique index rejects a second live booking of a machine.
func (t *pgTx) InsertOrderDetail(ctx context.Context, detail *models.OrderDetail) error {
	now := time.Now().UTC()
	detail.CreatedAt, detail.UpdatedAt = now, now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_details (id, order_id, machine_id, machine_type, status, price, add_ons, position,
			revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		detail.ID, detail.OrderID, detail.MachineID, detail.MachineType, detail.Status, detail.Price,
		detail.AddOns, detail.Position, detail.Revision, detail.CreatedAt, detail.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order detail: %w", mapWriteErr(err))
	}
	return nil
}

// UpdateOrder writes status and totals if the stored revision still matches
func (t *pgTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, status_reason = $2, total_amount = $3, total_washer = $4, total_dryer = $5,
			revision = revision + 1, updated_at = $6
		WHERE id = $7 AND revision = $8`,
		order.Status, order.StatusReason, order.TotalAmount, order.TotalWasher, order.TotalDryer,
		now, order.ID, order.Revision)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", mapWriteErr(err))
	}
	if err := checkCAS(res, "order", order.ID); err != nil {
		return err
	}

	order.Revision++
	order.UpdatedAt = now
	return nil
}

// UpdateOrderDetail writes status, price and add-ons if the stored revision still matches
func (t *pgTx) UpdateOrderDetail(ctx context.Context, detail *models.OrderDetail) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE order_details
		SET status = $1, price = $2, add_ons = $3, revision = revision + 1, updated_at = $4
		WHERE id = $5 AND revision = $6`,
		detail.Status, detail.Price, detail.AddOns, now, detail.ID, detail.Revision)
	if err != nil {
		return fmt.Errorf("failed to update order detail: %w", mapWriteErr(err))
	}
	if err := checkCAS(res, "order detail", detail.ID); err != nil {
		return err
	}

	detail.Revision++
	detail.UpdatedAt = now
	return nil
}
