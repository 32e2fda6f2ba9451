package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetshare/treasury/internal/store/gormstore"
	"github.com/fleetshare/treasury/pkg/amc"
	"github.com/fleetshare/treasury/pkg/gateway"
	"github.com/fleetshare/treasury/pkg/inventory"
	"github.com/fleetshare/treasury/pkg/notify"
	"github.com/fleetshare/treasury/pkg/refund"
)

type fakeGateway struct {
	mu           sync.Mutex
	payments     map[string]gateway.Payment
	refunds      map[string]gateway.Refund
	nextRefundID int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		payments: map[string]gateway.Payment{},
		refunds:  map[string]gateway.Refund{},
	}
}

func (fake *fakeGateway) addCapturedPayment(paymentID string, orderID string, amountCents int64) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.payments[paymentID] = gateway.Payment{
		PaymentID:   paymentID,
		OrderID:     orderID,
		Status:      gateway.PaymentStatusCaptured,
		AmountCents: amountCents,
	}
}

func (fake *fakeGateway) setRefundStatus(gatewayRefundID string, status string) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	record := fake.refunds[gatewayRefundID]
	record.RefundID = gatewayRefundID
	record.Status = status
	fake.refunds[gatewayRefundID] = record
}

func (fake *fakeGateway) FetchPayment(_ context.Context, paymentID string) (gateway.Payment, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	payment, ok := fake.payments[paymentID]
	if !ok {
		return gateway.Payment{}, fmt.Errorf("%w: %s", gateway.ErrPaymentNotFound, paymentID)
	}
	return payment, nil
}

func (fake *fakeGateway) CreateRefund(_ context.Context, paymentID string, _ int64, _ map[string]string) (gateway.Refund, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.payments[paymentID]; !ok {
		return gateway.Refund{}, fmt.Errorf("%w: %s", gateway.ErrPaymentNotFound, paymentID)
	}
	fake.nextRefundID++
	created := gateway.Refund{
		RefundID: fmt.Sprintf("rfnd_%d", fake.nextRefundID),
		Status:   gateway.RefundReportPending,
	}
	fake.refunds[created.RefundID] = created
	return created, nil
}

func (fake *fakeGateway) FetchRefund(_ context.Context, gatewayRefundID string) (gateway.Refund, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	record, ok := fake.refunds[gatewayRefundID]
	if !ok {
		return gateway.Refund{}, fmt.Errorf("%w: %s", gateway.ErrRefundNotFound, gatewayRefundID)
	}
	return record, nil
}

type serverFixture struct {
	router  *gin.Engine
	db      *gorm.DB
	gateway *fakeGateway
	cfg     Config
}

func newServerFixture(test *testing.T) *serverFixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/treasury.db"), &gorm.Config{TranslateError: true})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate failed: %v", err)
	}

	cfg := Config{
		SessionSigningKey: "test-signing-key",
		WebhookSecret:     "test-webhook-secret",
		CheckoutSecret:    "test-checkout-secret",
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config validate: %v", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	engine, err := notify.NewEngine(gormstore.NewNotifications(db), clock, nil)
	if err != nil {
		test.Fatalf("notify engine: %v", err)
	}
	inventoryService, err := inventory.NewService(gormstore.NewInventory(db), engine, clock)
	if err != nil {
		test.Fatalf("inventory service: %v", err)
	}
	paymentGateway := newFakeGateway()
	refundService, err := refund.NewService(gormstore.NewRefunds(db), paymentGateway, engine, clock)
	if err != nil {
		test.Fatalf("refund service: %v", err)
	}
	scheduleService, err := amc.NewService(gormstore.NewSchedules(db), engine, clock)
	if err != nil {
		test.Fatalf("amc service: %v", err)
	}

	handler := &httpHandler{
		cfg:           cfg,
		inventory:     inventoryService,
		refunds:       refundService,
		schedules:     scheduleService,
		notifications: engine,
		logger:        zap.NewNop(),
		nowFn:         clock,
	}
	return &serverFixture{
		router:  setupRouter(cfg, handler),
		db:      db,
		gateway: paymentGateway,
		cfg:     cfg,
	}
}

func (fixture *serverFixture) signSession(test *testing.T, subject string, roles ...string) string {
	test.Helper()
	claims := &SessionClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    fixture.cfg.SessionIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(fixture.cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("sign session token: %v", err)
	}
	return signed
}

func (fixture *serverFixture) do(test *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func (fixture *serverFixture) seedVehicle(test *testing.T) inventory.Vehicle {
	test.Helper()
	vehicle, err := gormstore.CreateVehicle(fixture.db, inventory.Vehicle{
		Name:                    "Sedan A",
		WaitlistTokensAvailable: inventory.WaitlistTokenCeiling,
		BookNowTokensAvailable:  inventory.BookNowTokenCeiling,
		TicketsAvailable:        8,
		TicketCeiling:           8,
	})
	if err != nil {
		test.Fatalf("seed vehicle: %v", err)
	}
	return vehicle
}

func decodeJSON(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	decoded := map[string]any{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func tokenPurchaseBody(fixture *serverFixture, vehicleID string, orderID string, paymentID string) map[string]any {
	return map[string]any{
		"vehicle_id":   vehicleID,
		"kind":         "waitlist",
		"order_id":     orderID,
		"payment_id":   paymentID,
		"signature":    gateway.SignPayload(orderID, paymentID, []byte(fixture.cfg.CheckoutSecret)),
		"amount_cents": 25000,
	}
}

func TestHealthzIsOpen(test *testing.T) {
	fixture := newServerFixture(test)
	recorder := fixture.do(test, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestSessionRequiredOnAPIRoutes(test *testing.T) {
	fixture := newServerFixture(test)

	recorder := fixture.do(test, http.MethodGet, "/api/notifications", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("missing token: expected 401, got %d", recorder.Code)
	}

	expired := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    fixture.cfg.SessionIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte(fixture.cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("sign expired token: %v", err)
	}
	recorder = fixture.do(test, http.MethodGet, "/api/notifications", signed, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expired token: expected 401, got %d", recorder.Code)
	}

	wrongIssuer := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, wrongIssuer).SignedString([]byte(fixture.cfg.SessionSigningKey))
	if err != nil {
		test.Fatalf("sign wrong-issuer token: %v", err)
	}
	recorder = fixture.do(test, http.MethodGet, "/api/notifications", signed, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("wrong issuer: expected 401, got %d", recorder.Code)
	}
}

func TestStaffRoutesRejectNonStaff(test *testing.T) {
	fixture := newServerFixture(test)

	userToken := fixture.signSession(test, "user-1")
	recorder := fixture.do(test, http.MethodPost, "/api/amc/sweep-reminders", userToken, nil)
	if recorder.Code != http.StatusForbidden {
		test.Fatalf("expected 403 for non-staff, got %d", recorder.Code)
	}

	staffToken := fixture.signSession(test, "staff-1", "staff")
	recorder = fixture.do(test, http.MethodPost, "/api/amc/sweep-reminders", staffToken, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 for staff, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestTokenPurchaseFlow(test *testing.T) {
	fixture := newServerFixture(test)
	vehicle := fixture.seedVehicle(test)
	token := fixture.signSession(test, "user-1")

	body := tokenPurchaseBody(fixture, vehicle.VehicleID, "order_1", "pay_1")
	recorder := fixture.do(test, http.MethodPost, "/api/purchases/tokens", token, body)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeJSON(test, recorder)
	reservation := response["reservation"].(map[string]any)
	if reservation["holder_id"] != "user-1" || reservation["status"] != "active" {
		test.Fatalf("unexpected reservation: %+v", reservation)
	}

	inventoryStore := gormstore.NewInventory(fixture.db)
	loaded, err := inventoryStore.GetVehicle(context.Background(), vehicle.VehicleID)
	if err != nil {
		test.Fatalf("get vehicle: %v", err)
	}
	if loaded.WaitlistTokensAvailable != inventory.WaitlistTokenCeiling-1 {
		test.Fatalf("counter not decremented: %d", loaded.WaitlistTokensAvailable)
	}

	replay := fixture.do(test, http.MethodPost, "/api/purchases/tokens", token, body)
	if replay.Code != http.StatusConflict {
		test.Fatalf("replay: expected 409, got %d", replay.Code)
	}
	loaded, err = inventoryStore.GetVehicle(context.Background(), vehicle.VehicleID)
	if err != nil {
		test.Fatalf("get vehicle after replay: %v", err)
	}
	if loaded.WaitlistTokensAvailable != inventory.WaitlistTokenCeiling-1 {
		test.Fatalf("replay leaked capacity: %d", loaded.WaitlistTokensAvailable)
	}
}

func TestTokenPurchaseRejectsTamperedSignature(test *testing.T) {
	fixture := newServerFixture(test)
	vehicle := fixture.seedVehicle(test)
	token := fixture.signSession(test, "user-1")

	body := tokenPurchaseBody(fixture, vehicle.VehicleID, "order_2", "pay_2")
	body["signature"] = gateway.SignPayload("order_2", "pay_other", []byte(fixture.cfg.CheckoutSecret))
	recorder := fixture.do(test, http.MethodPost, "/api/purchases/tokens", token, body)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestDropReservationReleasesOnce(test *testing.T) {
	fixture := newServerFixture(test)
	vehicle := fixture.seedVehicle(test)
	token := fixture.signSession(test, "user-1")

	created := fixture.do(test, http.MethodPost, "/api/purchases/tokens", token,
		tokenPurchaseBody(fixture, vehicle.VehicleID, "order_3", "pay_3"))
	if created.Code != http.StatusCreated {
		test.Fatalf("purchase: expected 201, got %d", created.Code)
	}
	reservationID := decodeJSON(test, created)["reservation"].(map[string]any)["reservation_id"].(string)

	dropped := fixture.do(test, http.MethodPost, "/api/reservations/"+reservationID+"/drop", token, nil)
	if dropped.Code != http.StatusOK {
		test.Fatalf("drop: expected 200, got %d: %s", dropped.Code, dropped.Body.String())
	}
	again := fixture.do(test, http.MethodPost, "/api/reservations/"+reservationID+"/drop", token, nil)
	if again.Code != http.StatusConflict {
		test.Fatalf("second drop: expected 409, got %d", again.Code)
	}

	loaded, err := gormstore.NewInventory(fixture.db).GetVehicle(context.Background(), vehicle.VehicleID)
	if err != nil {
		test.Fatalf("get vehicle: %v", err)
	}
	if loaded.WaitlistTokensAvailable != inventory.WaitlistTokenCeiling {
		test.Fatalf("capacity not restored exactly once: %d", loaded.WaitlistTokensAvailable)
	}
}

func TestRefundLifecycleOverHTTP(test *testing.T) {
	fixture := newServerFixture(test)
	vehicle := fixture.seedVehicle(test)
	userToken := fixture.signSession(test, "user-1")
	staffToken := fixture.signSession(test, "staff-1", "staff")

	created := fixture.do(test, http.MethodPost, "/api/purchases/tokens", userToken,
		tokenPurchaseBody(fixture, vehicle.VehicleID, "order_9", "pay_9"))
	if created.Code != http.StatusCreated {
		test.Fatalf("purchase: expected 201, got %d", created.Code)
	}
	reservationID := decodeJSON(test, created)["reservation"].(map[string]any)["reservation_id"].(string)
	fixture.gateway.addCapturedPayment("pay_9", "order_9", 25000)

	initiated := fixture.do(test, http.MethodPost, "/api/refunds", staffToken, map[string]any{
		"payment_id":       "pay_9",
		"amount_cents":     25000,
		"reason":           "customer request",
		"transaction_type": "token",
		"transaction_id":   reservationID,
	})
	if initiated.Code != http.StatusCreated {
		test.Fatalf("initiate: expected 201, got %d: %s", initiated.Code, initiated.Body.String())
	}
	refundResponse := decodeJSON(test, initiated)["refund"].(map[string]any)
	if refundResponse["status"] != "initiated" {
		test.Fatalf("unexpected refund status: %+v", refundResponse)
	}
	gatewayRefundID := refundResponse["gateway_refund_id"].(string)

	second := fixture.do(test, http.MethodPost, "/api/refunds", staffToken, map[string]any{
		"payment_id":       "pay_9",
		"amount_cents":     25000,
		"transaction_type": "token",
		"transaction_id":   reservationID,
	})
	if second.Code != http.StatusConflict {
		test.Fatalf("second initiate: expected 409, got %d", second.Code)
	}

	fixture.gateway.setRefundStatus(gatewayRefundID, gateway.RefundReportSettled)
	webhookBody, err := json.Marshal(map[string]any{
		"gateway_refund_id": gatewayRefundID,
		"event":             "refund.settled",
	})
	if err != nil {
		test.Fatalf("encode webhook: %v", err)
	}
	settled := fixture.postWebhook(test, webhookBody, signWebhook(webhookBody, fixture.cfg.WebhookSecret))
	if settled.Code != http.StatusOK {
		test.Fatalf("webhook: expected 200, got %d: %s", settled.Code, settled.Body.String())
	}
	if status := decodeJSON(test, settled)["refund"].(map[string]any)["status"]; status != "successful" {
		test.Fatalf("expected successful, got %v", status)
	}

	replay := fixture.postWebhook(test, webhookBody, signWebhook(webhookBody, fixture.cfg.WebhookSecret))
	if replay.Code != http.StatusOK {
		test.Fatalf("webhook replay: expected 200, got %d", replay.Code)
	}
}

func TestRefundWebhookAuthentication(test *testing.T) {
	fixture := newServerFixture(test)
	body := []byte(`{"gateway_refund_id":"rfnd_404","event":"refund.processed"}`)

	unsigned := fixture.postWebhook(test, body, "")
	if unsigned.Code != http.StatusUnauthorized {
		test.Fatalf("unsigned: expected 401, got %d", unsigned.Code)
	}
	tampered := fixture.postWebhook(test, body, signWebhook([]byte("other"), fixture.cfg.WebhookSecret))
	if tampered.Code != http.StatusUnauthorized {
		test.Fatalf("tampered: expected 401, got %d", tampered.Code)
	}
	unknown := fixture.postWebhook(test, body, signWebhook(body, fixture.cfg.WebhookSecret))
	if unknown.Code != http.StatusNotFound {
		test.Fatalf("unknown refund: expected 404, got %d", unknown.Code)
	}
}

func TestRecordAMCPaymentEndpoint(test *testing.T) {
	fixture := newServerFixture(test)
	staffToken := fixture.signSession(test, "staff-1", "staff")
	now := time.Now().UTC().Unix()
	schedule, err := gormstore.CreateSchedule(fixture.db, amc.Schedule{
		ScheduleID: "sch-1",
		HolderID:   "holder-1",
		VehicleID:  "veh-1",
		TicketID:   "tik-1",
		Entries: []amc.YearEntry{
			{YearIndex: 1, AmountCents: 500000, DueDateUnixUTC: now},
			{YearIndex: 2, AmountCents: 500000, DueDateUnixUTC: now + 365*86400},
		},
	})
	if err != nil {
		test.Fatalf("seed schedule: %v", err)
	}

	recorder := fixture.do(test, http.MethodPost, "/api/amc/"+schedule.ScheduleID+"/payments", staffToken, map[string]any{
		"year_index": 1,
		"paid":       true,
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	response := decodeJSON(test, recorder)["schedule"].(map[string]any)
	if response["paid_total_cents"].(float64) != 500000 {
		test.Fatalf("unexpected paid total: %+v", response)
	}

	missing := fixture.do(test, http.MethodPost, "/api/amc/"+schedule.ScheduleID+"/payments", staffToken, map[string]any{
		"year_index": 9,
		"paid":       true,
	})
	if missing.Code != http.StatusNotFound {
		test.Fatalf("unknown year: expected 404, got %d", missing.Code)
	}
}

func TestNotificationFeedRoundTrip(test *testing.T) {
	fixture := newServerFixture(test)
	vehicle := fixture.seedVehicle(test)
	token := fixture.signSession(test, "user-1")

	created := fixture.do(test, http.MethodPost, "/api/purchases/tokens", token,
		tokenPurchaseBody(fixture, vehicle.VehicleID, "order_7", "pay_7"))
	if created.Code != http.StatusCreated {
		test.Fatalf("purchase: expected 201, got %d", created.Code)
	}

	feed := fixture.do(test, http.MethodGet, "/api/notifications", token, nil)
	if feed.Code != http.StatusOK {
		test.Fatalf("feed: expected 200, got %d", feed.Code)
	}
	response := decodeJSON(test, feed)
	if response["unread_count"].(float64) < 1 {
		test.Fatalf("expected at least one unread notification: %+v", response)
	}

	marked := fixture.do(test, http.MethodPost, "/api/notifications/read-all", token, nil)
	if marked.Code != http.StatusOK {
		test.Fatalf("read-all: expected 200, got %d", marked.Code)
	}
	count := fixture.do(test, http.MethodGet, "/api/notifications/unread-count", token, nil)
	if count.Code != http.StatusOK {
		test.Fatalf("unread-count: expected 200, got %d", count.Code)
	}
	if decodeJSON(test, count)["unread_count"].(float64) != 0 {
		test.Fatalf("unread count not cleared: %s", count.Body.String())
	}
}

func (fixture *serverFixture) postWebhook(test *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	test.Helper()
	request := httptest.NewRequest(http.MethodPost, "/webhooks/refunds", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if signature != "" {
		request.Header.Set("X-Webhook-Signature", signature)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func signWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
