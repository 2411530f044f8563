package store

import (
	"context"
	"database/sql"
	"errors"

	"laundry-order-service/internal/models"

	"github.com/google/uuid"
)

// GetMachine retrieves a machine from the catalog
func (s *Store) GetMachine(ctx context.Context, id uuid.UUID) (*models.Machine, error) {
	var machine models.Machine
	err := s.db.GetContext(ctx, &machine,
		"SELECT id, store_id, name, machine_type, base_price, status FROM machines WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("machine", id)
	}
	if err != nil {
		return nil, err
	}
	return &machine, nil
}

// GetStore retrieves a store from the directory
func (s *Store) GetStore(ctx context.Context, id uuid.UUID) (*models.Store, error) {
	var st models.Store
	err := s.db.GetContext(ctx, &st, "SELECT id, tenant_id, name, status FROM stores WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("store", id)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// TenantExists reports whether the tenant is registered
func (s *Store) TenantExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)", id)
	return exists, err
}
