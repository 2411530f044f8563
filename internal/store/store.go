package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"laundry-order-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Tx is the set of reads and writes available inside one unit of work.
// Lock* methods take row locks that are held until the unit commits or rolls back.
// Update* methods compare-and-swap on the revision column and bump it.
type Tx interface {
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	LockOrderDetail(ctx context.Context, id uuid.UUID) (*models.OrderDetail, error)
	LockPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	LockPaymentByReference(ctx context.Context, ref string) (*models.Payment, error)
	ListActivePayments(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error)
	TransactionCodeExists(ctx context.Context, code string) (bool, error)

	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderDetail(ctx context.Context, detail *models.OrderDetail) error
	UpdateOrder(ctx context.Context, order *models.Order) error
	UpdateOrderDetail(ctx context.Context, detail *models.OrderDetail) error
	InsertPayment(ctx context.Context, payment *models.Payment) error
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}

// Repository is the persistence boundary of the order engine.
type Repository interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error

	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.Payment, error)
	ListStalePayments(ctx context.Context, startedBefore time.Time) ([]models.Payment, error)
	ListPaymentsByStatus(ctx context.Context, status models.PaymentStatus) ([]models.Payment, error)
	ListOrdersByStatus(ctx context.Context, status models.OrderStatus) ([]models.Order, error)
	ListActiveOrderDetails(ctx context.Context) ([]models.OrderDetail, error)

	Ping(ctx context.Context) error
	Close() error
}

// Catalog is the read side of the machine catalog and the store/tenant directory.
type Catalog interface {
	GetMachine(ctx context.Context, id uuid.UUID) (*models.Machine, error)
	GetStore(ctx context.Context, id uuid.UUID) (*models.Store, error)
	TenantExists(ctx context.Context, id uuid.UUID) (bool, error)
}

type Store struct {
	db *sqlx.DB
}

var (
	_ Repository = (*Store)(nil)
	_ Catalog    = (*Store)(nil)
)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection pool.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// WithinTx runs fn in a database transaction. The transaction commits only when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapWriteErr(err))
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func notFound(kind string, id interface{}) error {
	return fmt.Errorf("%w: %s %v", models.ErrNotFound, kind, id)
}

// mapWriteErr turns unique-index violations into resource conflicts.
func mapWriteErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", models.ErrResourceConflict, pqErr.Constraint)
	}
	return err
}

// checkCAS reports a concurrent modification when the guarded update touched no row.
func checkCAS(res sql.Result, kind string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", models.ErrConcurrentModification, kind, id)
	}
	return nil
}
