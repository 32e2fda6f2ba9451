package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func mustClient(test *testing.T, baseURL string) *Client {
	test.Helper()
	client, err := New(Config{
		BaseURL:       baseURL,
		KeyID:         "key_test",
		KeySecret:     "secret_test",
		WebhookSecret: "hook_test",
	}, nil)
	if err != nil {
		test.Fatalf("new client: %v", err)
	}
	return client
}

func TestFetchPaymentDecodesResponse(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/v1/payments/pay_1" {
			test.Errorf("unexpected path %s", request.URL.Path)
		}
		username, password, ok := request.BasicAuth()
		if !ok || username != "key_test" || password != "secret_test" {
			test.Errorf("missing basic auth credentials")
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"id":       "pay_1",
			"order_id": "order_1",
			"status":   PaymentStatusCaptured,
			"amount":   125000,
		})
	}))
	defer server.Close()

	payment, err := mustClient(test, server.URL).FetchPayment(context.Background(), "pay_1")
	if err != nil {
		test.Fatalf("fetch payment: %v", err)
	}
	if payment.PaymentID != "pay_1" || payment.OrderID != "order_1" {
		test.Fatalf("unexpected payment: %+v", payment)
	}
	if payment.Status != PaymentStatusCaptured || payment.AmountCents != 125000 {
		test.Fatalf("unexpected payment fields: %+v", payment)
	}
}

func TestFetchPaymentNotFound(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := mustClient(test, server.URL).FetchPayment(context.Background(), "pay_missing")
	if !errors.Is(err, ErrPaymentNotFound) {
		test.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestCreateRefundPostsAmountAndNotes(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != "/v1/payments/pay_2/refund" {
			test.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			test.Errorf("decode request: %v", err)
		}
		if body["amount"].(float64) != 4000 {
			test.Errorf("unexpected amount %v", body["amount"])
		}
		_ = json.NewEncoder(writer).Encode(map[string]any{
			"id":     "rfnd_42",
			"status": RefundReportPending,
		})
	}))
	defer server.Close()

	created, err := mustClient(test, server.URL).CreateRefund(context.Background(), "pay_2", 4000, map[string]string{"reason": "test"})
	if err != nil {
		test.Fatalf("create refund: %v", err)
	}
	if created.RefundID != "rfnd_42" || created.Status != RefundReportPending {
		test.Fatalf("unexpected refund: %+v", created)
	}
}

func TestServerErrorMapsToUnavailable(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := mustClient(test, server.URL).FetchRefund(context.Background(), "rfnd_1")
	if !errors.Is(err, ErrGatewayUnavailable) {
		test.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestClientErrorMapsToRejected(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	_, err := mustClient(test, server.URL).CreateRefund(context.Background(), "pay_3", 100, nil)
	if !errors.Is(err, ErrGatewayRejected) {
		test.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
}

func TestTransportFailureMapsToUnavailable(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	_, err := mustClient(test, server.URL).FetchPayment(context.Background(), "pay_4")
	if !errors.Is(err, ErrGatewayUnavailable) {
		test.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestConfigValidation(test *testing.T) {
	test.Parallel()
	_, err := New(Config{KeyID: "k", KeySecret: "s", WebhookSecret: "w"}, nil)
	if !errors.Is(err, ErrInvalidClientConfig) {
		test.Fatalf("expected ErrInvalidClientConfig without base url, got %v", err)
	}
	_, err = New(Config{BaseURL: "http://gateway", KeySecret: "s", WebhookSecret: "w"}, nil)
	if !errors.Is(err, ErrInvalidClientConfig) {
		test.Fatalf("expected ErrInvalidClientConfig without key id, got %v", err)
	}
}
