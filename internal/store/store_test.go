package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"laundry-order-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewFromDB(sqlx.NewDb(db, "postgres")), mock
}

func orderRows(id uuid.UUID, revision int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "store_id", "status", "status_reason", "total_amount",
		"total_washer", "total_dryer", "revision", "created_at", "updated_at"}).
		AddRow(id.String(), uuid.NewString(), "NEW", "", "23.00", 1, 0, revision, now, now)
}

func detailRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "order_id", "machine_id", "machine_type", "status", "price",
		"add_ons", "position", "revision", "created_at", "updated_at"})
}

func TestWithinTx_Commit(t *testing.T) {
	s, mock := newMockStore(t)
	orderID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1 FOR UPDATE")).
		WithArgs(orderID).
		WillReturnRows(orderRows(orderID, 3))
	mock.ExpectQuery(regexp.QuoteMeta("FROM order_details WHERE order_id = $1 ORDER BY position FOR UPDATE")).
		WithArgs(orderID).
		WillReturnRows(detailRows().AddRow(uuid.NewString(), orderID.String(), uuid.NewString(), "WASHER", "NEW", "23.00",
			[]byte(`[{"type":"DETERGENT","price":"5","is_default":false,"quantity":1}]`), 0, 0, time.Now(), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WithArgs("WAITING_FOR_PAYMENT", "", sqlmock.AnyArg(), 1, 0, sqlmock.AnyArg(), orderID, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(context.Background(), func(tx Tx) error {
		order, err := tx.LockOrder(context.Background(), orderID)
		if err != nil {
			return err
		}
		require.Len(t, order.Details, 1)
		assert.Equal(t, models.AddOnDetergent, order.Details[0].AddOns[0].Type)
		assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("23")))

		order.Status = models.OrderStatusWaitingForPayment
		if err := tx.UpdateOrder(context.Background(), order); err != nil {
			return err
		}
		assert.Equal(t, int64(4), order.Revision)
		return nil
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollbackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx Tx) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOrder_StaleRevision(t *testing.T) {
	s, mock := newMockStore(t)
	order := &models.Order{ID: uuid.New(), Status: models.OrderStatusCancelled, Revision: 7}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx Tx) error {
		return tx.UpdateOrder(context.Background(), order)
	})

	assert.ErrorIs(t, err, models.ErrConcurrentModification)
	assert.Equal(t, int64(7), order.Revision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOrderDetail_MachineAlreadyBooked(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_details")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_order_details_active_machine"})
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx Tx) error {
		return tx.InsertOrderDetail(context.Background(), &models.OrderDetail{
			ID:        uuid.New(),
			OrderID:   uuid.New(),
			MachineID: uuid.New(),
			Status:    models.OrderDetailStatusNew,
		})
	})

	assert.ErrorIs(t, err, models.ErrResourceConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockPaymentByReference_FallsBackToProviderTransactionID(t *testing.T) {
	s, mock := newMockStore(t)
	paymentID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE transaction_code = $1")).
		WithArgs("FT123").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE provider_transaction_id = $1")).
		WithArgs("FT123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "store_id", "tenant_id", "status",
			"total_amount", "provider", "transaction_code", "provider_transaction_id", "details",
			"failure_reason", "revision", "cycle_started_at", "created_at", "updated_at"}).
			AddRow(paymentID.String(), uuid.NewString(), uuid.NewString(), uuid.NewString(), "WAITING_FOR_PURCHASE", "23.00", "VIET_QR",
				"AB12CD34", "FT123", []byte(`{"qr_code":"000201","transaction_id":"FT123"}`), "", 2, now, now, now))
	mock.ExpectCommit()

	var found *models.Payment
	err := s.WithinTx(context.Background(), func(tx Tx) error {
		var err error
		found, err = tx.LockPaymentByReference(context.Background(), "FT123")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, paymentID, found.ID)
	require.NotNil(t, found.Details)
	assert.Equal(t, "000201", found.Details.QRCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM orders WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetOrder(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTenantExists(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.TenantExists(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
}
