package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

// Config carries the credentials and endpoint of the payment gateway.
type Config struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("%w: base url is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.KeyID) == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.KeySecret) == "" {
		return fmt.Errorf("%w: key secret is required", ErrInvalidClientConfig)
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("%w: webhook secret is required", ErrInvalidClientConfig)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	return nil
}

// Client talks HTTPS+JSON to the external payment gateway.
type Client struct {
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret []byte
	httpClient    *http.Client
	logger        *zap.Logger
}

// New wires a gateway client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: []byte(cfg.WebhookSecret),
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		logger:        logger,
	}, nil
}

// VerifySignature checks a client-supplied payment signature against the
// shared webhook secret.
func (client *Client) VerifySignature(orderID string, paymentID string, clientSignature string) bool {
	return VerifySignature(orderID, paymentID, clientSignature, client.webhookSecret)
}

// FetchPayment looks up the original payment.
func (client *Client) FetchPayment(ctx context.Context, paymentID string) (Payment, error) {
	var payload struct {
		ID          string `json:"id"`
		OrderID     string `json:"order_id"`
		Status      string `json:"status"`
		AmountCents int64  `json:"amount"`
	}
	err := client.doJSON(ctx, http.MethodGet, "/v1/payments/"+paymentID, nil, &payload, ErrPaymentNotFound)
	if err != nil {
		return Payment{}, err
	}
	return Payment{
		PaymentID:   payload.ID,
		OrderID:     payload.OrderID,
		Status:      payload.Status,
		AmountCents: payload.AmountCents,
	}, nil
}

// CreateRefund asks the gateway to refund part or all of a payment. The
// returned identifier is the gateway's handle for the refund attempt.
func (client *Client) CreateRefund(ctx context.Context, paymentID string, amountCents int64, notes map[string]string) (Refund, error) {
	request := map[string]any{
		"amount": amountCents,
	}
	if len(notes) > 0 {
		request["notes"] = notes
	}
	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := client.doJSON(ctx, http.MethodPost, "/v1/payments/"+paymentID+"/refund", request, &payload, ErrPaymentNotFound)
	if err != nil {
		return Refund{}, err
	}
	if payload.ID == "" {
		return Refund{}, fmt.Errorf("%w: empty refund id in response", ErrGatewayUnavailable)
	}
	return Refund{RefundID: payload.ID, Status: payload.Status}, nil
}

// FetchRefund polls the gateway for the current state of a refund.
func (client *Client) FetchRefund(ctx context.Context, gatewayRefundID string) (Refund, error) {
	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := client.doJSON(ctx, http.MethodGet, "/v1/refunds/"+gatewayRefundID, nil, &payload, ErrRefundNotFound)
	if err != nil {
		return Refund{}, err
	}
	return Refund{RefundID: payload.ID, Status: payload.Status}, nil
}

func (client *Client) doJSON(ctx context.Context, method string, path string, requestBody any, responseBody any, notFound error) error {
	var bodyReader *bytes.Reader
	if requestBody != nil {
		raw, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("encode gateway request: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	} else {
		bodyReader = bytes.NewReader(nil)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	request.SetBasicAuth(client.keyID, client.keySecret)
	request.Header.Set("Content-Type", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= http.StatusInternalServerError:
		client.logger.Warn("gateway returned server error",
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return fmt.Errorf("%w: %s", ErrGatewayUnavailable, response.Status)
	case response.StatusCode == http.StatusNotFound:
		return notFound
	case response.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrGatewayRejected, response.Status)
	}

	if err := json.NewDecoder(response.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	return nil
}
