package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/redisclient"
	"laundry-order-service/internal/service"
	"laundry-order-service/internal/store/memstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	router   *gin.Engine
	tenantID uuid.UUID
	storeID  uuid.UUID
	washer   uuid.UUID
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func setupRouter(t *testing.T, deps map[string]Pinger) *testEnv {
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc := redisclient.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	env := &testEnv{tenantID: uuid.New(), storeID: uuid.New(), washer: uuid.New()}
	st := memstore.New()
	st.AddTenant(env.tenantID)
	st.AddStore(models.Store{ID: env.storeID, TenantID: env.tenantID, Status: models.StoreStatusActive})
	st.AddMachine(models.Machine{ID: env.washer, StoreID: env.storeID, Type: models.MachineTypeWasher,
		BasePrice: decimal.RequireFromString("15.00"), Status: models.MachineStatusIdle})

	orch := service.NewOrchestrator(service.Deps{
		Repo:     st,
		Catalog:  st,
		Registry: service.NewRedisMachineRegistry(rc),
		Keys:     rc,
	}, service.Options{})

	env.router = gin.New()
	NewHandler(orch, deps).SetupRoutes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func (e *testEnv) orderBody() gin.H {
	return gin.H{
		"store_id": e.storeID,
		"machines": []gin.H{{
			"machine_id": e.washer,
			"add_ons": []gin.H{
				{"type": "DETERGENT", "price": "5.00", "quantity": 1},
				{"type": "SOFTENER", "price": "3.00", "quantity": 1},
			},
		}},
	}
}

func TestHealthCheck(t *testing.T) {
	env := setupRouter(t, nil)

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp["status"])
}

func TestReadinessCheck(t *testing.T) {
	env := setupRouter(t, map[string]Pinger{
		"redis":    pingFunc(func(context.Context) error { return nil }),
		"database": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	w := env.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["redis"])
	assert.Equal(t, "connection refused", resp.Checks["database"])
}

func TestOrderAndPaymentFlow(t *testing.T) {
	env := setupRouter(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/orders", env.orderBody(), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var order models.Order
	decode(t, w, &order)
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("23")))
	assert.Equal(t, models.OrderStatusNew, order.Status)

	w = env.do(t, http.MethodPost, "/api/v1/orders", env.orderBody(), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, w.Code)
	var again models.Order
	decode(t, w, &again)
	assert.Equal(t, order.ID, again.ID)

	w = env.do(t, http.MethodPost, "/api/v1/orders", env.orderBody())
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/payments", gin.H{
		"order_id":  order.ID,
		"store_id":  env.storeID,
		"tenant_id": env.tenantID,
		"amount":    "23.00",
		"provider":  "VIET_QR",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var payment models.Payment
	decode(t, w, &payment)
	assert.Equal(t, models.PaymentStatusWaitingForPaymentDetail, payment.Status)

	w = env.do(t, http.MethodPost, "/api/v1/payments", gin.H{
		"order_id":  order.ID,
		"store_id":  env.storeID,
		"tenant_id": env.tenantID,
		"amount":    "23.00",
		"provider":  "VIET_QR",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/payments/"+payment.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/payments/callback", gin.H{
		"payment_reference": payment.TransactionCode,
		"status":            "SUCCESS",
	})
	assert.Equal(t, http.StatusConflict, w.Code, "details were never generated")

	w = env.do(t, http.MethodPost, "/api/v1/orders/"+order.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &order)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	w = env.do(t, http.MethodPost, "/api/v1/order-details/"+order.Details[0].ID.String()+"/cancel", gin.H{"reason": "late"})
	assert.Equal(t, http.StatusConflict, w.Code)

	var errResp map[string]string
	decode(t, w, &errResp)
	assert.Equal(t, "ORDER_MODIFICATION_DENIED", errResp["error"])
}

func TestOrderStatusEndpoints(t *testing.T) {
	env := setupRouter(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/orders", env.orderBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var order models.Order
	decode(t, w, &order)

	w = env.do(t, http.MethodPatch, "/api/v1/orders/"+order.ID.String()+"/status", gin.H{"status": "FINISHED"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPatch, "/api/v1/orders/"+order.ID.String()+"/status", gin.H{"reason": "missing status"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPatch, "/api/v1/order-details/"+order.Details[0].ID.String()+"/status", gin.H{"status": "CANCELLED"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &order)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	w = env.do(t, http.MethodPost, "/api/v1/orders/"+order.ID.String()+"/details", gin.H{"machine_id": env.washer})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestNotFoundAndBadIDs(t *testing.T) {
	env := setupRouter(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/orders/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/payments/"+uuid.NewString()+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/orders", gin.H{"store_id": env.storeID})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
