// Package httpapi is the gin façade over the treasury services: token and
// ticket purchases, refunds, AMC schedules, and the notification feed.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetshare/treasury/pkg/amc"
	"github.com/fleetshare/treasury/pkg/gateway"
	"github.com/fleetshare/treasury/pkg/inventory"
	"github.com/fleetshare/treasury/pkg/notify"
	"github.com/fleetshare/treasury/pkg/refund"
)

// Dependencies carries the wired services the façade exposes.
type Dependencies struct {
	Inventory     *inventory.Service
	Refunds       *refund.Service
	Schedules     *amc.Service
	Notifications *notify.Engine
	Logger        *zap.Logger
}

func (deps Dependencies) validate() error {
	if deps.Inventory == nil || deps.Refunds == nil || deps.Schedules == nil || deps.Notifications == nil {
		return fmt.Errorf("httpapi: missing service dependency")
	}
	return nil
}

// Run boots the HTTP façade and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := deps.validate(); err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		cfg:           cfg,
		inventory:     deps.Inventory,
		refunds:       deps.Refunds,
		schedules:     deps.Schedules,
		notifications: deps.Notifications,
		logger:        logger,
		nowFn:         func() int64 { return time.Now().UTC().Unix() },
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("treasury api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The gateway authenticates webhooks with a body signature, not a
	// session, so the route stays outside the session group.
	router.POST("/webhooks/refunds", handler.handleRefundWebhook)

	api := router.Group("/api")
	api.Use(sessionMiddleware([]byte(cfg.SessionSigningKey), cfg.SessionIssuer))

	api.POST("/purchases/tokens", handler.handleTokenPurchase)
	api.POST("/purchases/tickets", handler.handleTicketPurchase)
	api.POST("/reservations/:id/drop", handler.handleDropReservation)

	api.GET("/notifications", handler.handleListNotifications)
	api.GET("/notifications/unread-count", handler.handleUnreadCount)
	api.POST("/notifications/:id/read", handler.handleMarkRead)
	api.POST("/notifications/read-all", handler.handleMarkAllRead)
	api.DELETE("/notifications/:id", handler.handleDeleteNotification)

	staff := api.Group("")
	staff.Use(staffOnly())
	staff.POST("/reservations/:id/expire", handler.handleExpireReservation)
	staff.POST("/refunds", handler.handleInitiateRefund)
	staff.POST("/refunds/:id/cancel", handler.handleCancelRefund)
	staff.POST("/amc/:scheduleID/payments", handler.handleRecordAMCPayment)
	staff.POST("/amc/sweep-reminders", handler.handleSweepReminders)
	staff.POST("/amc/accrue-penalties", handler.handleAccruePenalties)

	return router
}

type httpHandler struct {
	cfg           Config
	inventory     *inventory.Service
	refunds       *refund.Service
	schedules     *amc.Service
	notifications *notify.Engine
	logger        *zap.Logger
	nowFn         func() int64
}

func (handler *httpHandler) handleTokenPurchase(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request tokenPurchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if !gateway.VerifySignature(request.OrderID, request.PaymentID, request.Signature, []byte(handler.cfg.CheckoutSecret)) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "checkout signature mismatch"))
		return
	}
	kind, err := inventory.ParseTokenKind(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.inventory.RecordTokenPurchase(requestCtx, inventory.RecordTokenPurchaseInput{
		VehicleID:        request.VehicleID,
		HolderID:         claims.UserID(),
		Kind:             kind,
		CustomID:         request.OrderID,
		AmountPaidCents:  request.AmountCents,
		ExpiresAtUnixUTC: request.ExpiresAtUnixUTC,
	})
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reservation": reservationPayloadFrom(reservation)})
}

func (handler *httpHandler) handleTicketPurchase(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request ticketPurchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if !gateway.VerifySignature(request.OrderID, request.PaymentID, request.Signature, []byte(handler.cfg.CheckoutSecret)) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "checkout signature mismatch"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	ticket, err := handler.inventory.IssueTicket(requestCtx, inventory.IssueTicketInput{
		VehicleID:       request.VehicleID,
		HolderID:        claims.UserID(),
		CustomID:        request.OrderID,
		PriceCents:      request.PriceCents,
		AmountPaidCents: request.AmountCents,
	})
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"ticket": ticketPayloadFrom(ticket)})
}

func (handler *httpHandler) handleDropReservation(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.inventory.DropReservation(requestCtx, ctx.Param("id")); err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "dropped"})
}

func (handler *httpHandler) handleExpireReservation(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.inventory.ExpireReservation(requestCtx, ctx.Param("id")); err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "expired"})
}

func (handler *httpHandler) handleInitiateRefund(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request initiateRefundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transactionType, err := refund.ParseTransactionType(request.TransactionType)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_transaction_type", err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	record, err := handler.refunds.InitiateRefund(requestCtx, refund.InitiateRefundInput{
		PaymentID:       request.PaymentID,
		AmountCents:     request.AmountCents,
		Reason:          request.Reason,
		ActorID:         claims.UserID(),
		TransactionType: transactionType,
		TransactionID:   request.TransactionID,
	})
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"refund": refundPayloadFrom(record)})
}

func (handler *httpHandler) handleCancelRefund(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request cancelRefundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	record, err := handler.refunds.CancelRefund(requestCtx, ctx.Param("id"), request.Reason, claims.UserID())
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"refund": refundPayloadFrom(record)})
}

func (handler *httpHandler) handleRefundWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if !verifyWebhookSignature(body, ctx.GetHeader("X-Webhook-Signature"), []byte(handler.cfg.WebhookSecret)) {
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "webhook signature mismatch"))
		return
	}
	var payload refundWebhookPayload
	if err := bindJSONBytes(body, &payload); err != nil || payload.GatewayRefundID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected gateway refund id"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	record, err := handler.refunds.ProcessRefund(requestCtx, payload.GatewayRefundID)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"refund": refundPayloadFrom(record)})
}

func (handler *httpHandler) handleRecordAMCPayment(ctx *gin.Context) {
	var request amcPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	schedule, err := handler.schedules.RecordPayment(requestCtx, amc.RecordPaymentInput{
		ScheduleID:      ctx.Param("scheduleID"),
		YearIndex:       request.YearIndex,
		Paid:            request.Paid,
		PaidDateUnixUTC: request.PaidDateUnixUTC,
		ClearPaidDate:   request.ClearPaidDate,
	})
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"schedule": schedulePayloadFrom(schedule)})
}

func (handler *httpHandler) handleSweepReminders(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.schedules.SweepReminders(requestCtx, handler.nowFn())
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"schedules_checked": report.SchedulesChecked,
		"reminders_sent":    report.RemindersSent,
	})
}

func (handler *httpHandler) handleAccruePenalties(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	updated, err := handler.schedules.AccruePenalties(requestCtx, handler.nowFn())
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries_updated": updated})
}

func (handler *httpHandler) handleListNotifications(ctx *gin.Context) {
	claims := getClaims(ctx)
	page := intQuery(ctx, "page", 1)
	pageSize := intQuery(ctx, "page_size", 0)
	unreadOnly := ctx.Query("unread_only") == "true"

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.notifications.ListForRecipient(requestCtx, claims.UserID(), recipientKindFor(claims), page, pageSize, unreadOnly)
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	notifications := make([]notificationPayload, 0, len(result.Notifications))
	for _, notification := range result.Notifications {
		notifications = append(notifications, notificationPayloadFrom(notification))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"total_count":   result.TotalCount,
		"unread_count":  result.UnreadCount,
	})
}

func (handler *httpHandler) handleUnreadCount(ctx *gin.Context) {
	claims := getClaims(ctx)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	unread, err := handler.notifications.UnreadCount(requestCtx, claims.UserID(), recipientKindFor(claims))
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"unread_count": unread})
}

func (handler *httpHandler) handleMarkRead(ctx *gin.Context) {
	claims := getClaims(ctx)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.notifications.MarkRead(requestCtx, ctx.Param("id"), claims.UserID(), recipientKindFor(claims)); err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "read"})
}

func (handler *httpHandler) handleMarkAllRead(ctx *gin.Context) {
	claims := getClaims(ctx)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	marked, err := handler.notifications.MarkAllRead(requestCtx, claims.UserID(), recipientKindFor(claims))
	if err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"marked": marked})
}

func (handler *httpHandler) handleDeleteNotification(ctx *gin.Context) {
	claims := getClaims(ctx)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.notifications.Delete(requestCtx, ctx.Param("id"), claims.UserID(), recipientKindFor(claims)); err != nil {
		handler.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondDomainError(ctx *gin.Context, err error) {
	statusCode, code := statusForDomainError(err)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(statusCode, errorResponse(code, err.Error()))
}

func statusForDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrOutOfCapacity):
		return http.StatusConflict, "out_of_capacity"
	case errors.Is(err, inventory.ErrDuplicateCustomID):
		return http.StatusConflict, "duplicate_order"
	case errors.Is(err, inventory.ErrReservationClosed):
		return http.StatusConflict, "reservation_closed"
	case errors.Is(err, refund.ErrRefundAlreadyInProgress):
		return http.StatusConflict, "refund_in_progress"
	case errors.Is(err, refund.ErrRefundNotCancellable):
		return http.StatusConflict, "refund_not_cancellable"
	case errors.Is(err, refund.ErrPaymentNotCaptured),
		errors.Is(err, refund.ErrRefundAmountExceedsPayment),
		errors.Is(err, refund.ErrInvalidRefundAmount),
		errors.Is(err, inventory.ErrInvalidTokenKind),
		errors.Is(err, inventory.ErrInvalidTicketAmounts),
		errors.Is(err, amc.ErrInvalidPaidDate),
		errors.Is(err, notify.ErrInvalidPage):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, inventory.ErrVehicleNotFound),
		errors.Is(err, inventory.ErrReservationNotFound),
		errors.Is(err, refund.ErrRefundRecordNotFound),
		errors.Is(err, refund.ErrTransactionNotFound),
		errors.Is(err, amc.ErrScheduleNotFound),
		errors.Is(err, amc.ErrYearIndexNotFound),
		errors.Is(err, notify.ErrNotificationNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		return http.StatusBadGateway, "gateway_unavailable"
	case errors.Is(err, gateway.ErrGatewayRejected):
		return http.StatusUnprocessableEntity, "gateway_rejected"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func recipientKindFor(claims *SessionClaims) notify.RecipientKind {
	if claims.IsStaff() {
		return notify.RecipientStaff
	}
	return notify.RecipientUser
}

func verifyWebhookSignature(body []byte, signature string, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func intQuery(ctx *gin.Context, name string, fallback int) int {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	var parsed int
	if _, err := fmt.Sscanf(raw, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}
