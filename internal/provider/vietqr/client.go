// Package vietqr talks to the VietQR merchant API to obtain payable QR codes.
package vietqr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"laundry-order-service/internal/models"
	"laundry-order-service/internal/util"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	tokenPath    = "/vqr/api/token_generate"
	generatePath = "/vqr/api/qr/generate-customer"

	transTypeCredit = "C"
	qrTypeDynamic   = "0"
)

// Config holds the merchant credentials and the receiving bank account.
type Config struct {
	BaseURL         string
	Username        string
	Password        string
	BankCode        string
	BankAccount     string
	BankAccountName string
	QRExpiry        time.Duration
}

// Client generates payment details through VietQR.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient creates a new VietQR client. Outbound calls are traced.
func NewClient(cfg Config) *Client {
	if cfg.QRExpiry <= 0 {
		cfg.QRExpiry = 15 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			}),
		},
		logger: util.GetLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type generateRequest struct {
	Amount       string `json:"amount"`
	BankAccount  string `json:"bankAccount"`
	BankCode     string `json:"bankCode"`
	UserBankName string `json:"userBankName"`
	Content      string `json:"content"`
	TransType    string `json:"transType"`
	OrderID      string `json:"orderId"`
	QRType       string `json:"qrType"`
	TerminalCode string `json:"terminalCode"`
}

type generateResponse struct {
	BankCode         string `json:"bankCode"`
	BankName         string `json:"bankName"`
	Amount           string `json:"amount"`
	Content          string `json:"content"`
	QRCode           string `json:"qrCode"`
	TransactionID    string `json:"transactionId"`
	TransactionRefID string `json:"transactionRefId"`
	QRLink           string `json:"qrLink"`
	OrderID          string `json:"orderId"`
}

// GenerateDetails asks VietQR for a QR code paying payment.TotalAmount with the
// transaction code as transfer content. The payment id is the correlation key.
func (c *Client) GenerateDetails(ctx context.Context, payment *models.Payment) (details *models.PaymentDetails, err error) {
	ctx, span := util.StartSpan(ctx, "VietQR.GenerateDetails")
	defer func() { util.EndSpan(span, err) }()

	if !payment.TotalAmount.Equal(payment.TotalAmount.Truncate(0)) {
		return nil, fmt.Errorf("%w: VietQR amount must be whole VND, got %s", models.ErrValidation, payment.TotalAmount)
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	body := generateRequest{
		Amount:       payment.TotalAmount.StringFixed(0),
		BankAccount:  c.cfg.BankAccount,
		BankCode:     c.cfg.BankCode,
		UserBankName: c.cfg.BankAccountName,
		Content:      payment.TransactionCode,
		TransType:    transTypeCredit,
		OrderID:      payment.ID.String(),
		QRType:       qrTypeDynamic,
		TerminalCode: payment.StoreID.String(),
	}

	var resp generateResponse
	if err := c.post(ctx, generatePath, "Bearer "+token, body, &resp); err != nil {
		return nil, err
	}
	if resp.QRCode == "" || resp.TransactionID == "" {
		return nil, fmt.Errorf("vietqr: incomplete generate response for payment %s", payment.ID)
	}

	refID := resp.TransactionRefID
	if refID == "" {
		refID = payment.TransactionCode
	}

	now := c.now()
	details = &models.PaymentDetails{
		QRCode:           resp.QRCode,
		QRImageURL:       resp.QRLink,
		ExpiresAt:        now.Add(c.cfg.QRExpiry),
		Instructions:     fmt.Sprintf("Transfer %s to %s (%s) with content %s", body.Amount, c.cfg.BankAccount, c.cfg.BankCode, payment.TransactionCode),
		TransactionID:    resp.TransactionID,
		TransactionRefID: refID,
		GeneratedAt:      now,
	}

	c.logger.Info("VietQR details generated",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transaction_id", resp.TransactionID))
	return details, nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	var resp tokenResponse
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("vietqr token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("vietqr token: access token not found")
	}
	return resp.AccessToken, nil
}

func (c *Client) post(ctx context.Context, path, authorization string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization)

	if err := c.do(req, out); err != nil {
		return fmt.Errorf("vietqr %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
