package vietqr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"laundry-order-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayment() *models.Payment {
	return &models.Payment{
		ID:              uuid.New(),
		OrderID:         uuid.New(),
		StoreID:         uuid.New(),
		TotalAmount:     decimal.RequireFromString("23000.00"),
		TransactionCode: "K3ZP9Q1A",
	}
}

func TestGenerateDetails_RejectsFractionalAmount(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	payment := testPayment()
	payment.TotalAmount = decimal.RequireFromString("23000.50")

	_, err := NewClient(Config{BaseURL: srv.URL + "/"}).GenerateDetails(context.Background(), payment)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Zero(t, calls)
}

func TestGenerateDetails(t *testing.T) {
	payment := testPayment()

	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "merchant", user)
		assert.Equal(t, "secret", pass)
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok-1", TokenType: "Bearer", ExpiresIn: 300})
	})
	mux.HandleFunc(generatePath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		var body generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "23000", body.Amount)
		assert.Equal(t, payment.TransactionCode, body.Content)
		assert.Equal(t, payment.ID.String(), body.OrderID)
		assert.Equal(t, "970436", body.BankCode)

		_ = json.NewEncoder(w).Encode(generateResponse{
			QRCode:           "00020101021238570010A000000727",
			TransactionID:    "FT24001",
			TransactionRefID: "REF-24001",
			QRLink:           "https://vietqr.example/qr/FT24001",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(Config{
		BaseURL:     srv.URL + "/",
		Username:    "merchant",
		Password:    "secret",
		BankCode:    "970436",
		BankAccount: "0011001234567",
		QRExpiry:    15 * time.Minute,
	})
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	details, err := c.GenerateDetails(context.Background(), payment)
	require.NoError(t, err)

	assert.True(t, details.Complete())
	assert.Equal(t, "FT24001", details.TransactionID)
	assert.Equal(t, "REF-24001", details.TransactionRefID)
	assert.Equal(t, "https://vietqr.example/qr/FT24001", details.QRImageURL)
	assert.Equal(t, fixed.Add(15*time.Minute), details.ExpiresAt)
	assert.Equal(t, fixed, details.GeneratedAt)
}

func TestGenerateDetails_TokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad credentials"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Username: "x", Password: "y"})
	_, err := c.GenerateDetails(context.Background(), testPayment())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestGenerateDetails_IncompleteResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok"})
	})
	mux.HandleFunc(generatePath, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{QRCode: "qr"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).GenerateDetails(context.Background(), testPayment())
	assert.ErrorContains(t, err, "incomplete")
}

func TestGenerateDetails_HonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient(Config{BaseURL: srv.URL}).GenerateDetails(ctx, testPayment())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
