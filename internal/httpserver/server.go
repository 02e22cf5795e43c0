// Package httpserver is the HTTP façade over the credit service: session
// endpoints for account holders, quota endpoints for guests, and the
// payment provider webhook.
package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/arcanalabs/credits/internal/counter"
	"github.com/arcanalabs/credits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const signatureHeader = "X-Webhook-Signature"

// Run boots the HTTP façade and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, service *credits.Service, spend *counter.DailySpend, logger *zap.Logger) error {
	cfg, err := cfg.Normalize()
	if err != nil {
		return err
	}

	userValidator, err := NewSessionValidator([]byte(cfg.SessionSigningKey), cfg.SessionIssuer, cfg.SessionCookieName)
	if err != nil {
		return err
	}
	guestValidator, err := NewSessionValidator([]byte(cfg.SessionSigningKey), cfg.SessionIssuer, cfg.GuestCookieName)
	if err != nil {
		return err
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		spend:   spend,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, userValidator, guestValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
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

func setupRouter(cfg Config, handler *httpHandler, userValidator *SessionValidator, guestValidator *SessionValidator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(userValidator.GinMiddleware())

	api.GET("/balance", handler.handleBalance)
	api.GET("/history", handler.handleHistory)
	api.POST("/reservations", handler.handleReserve)
	api.POST("/reservations/:id/confirm", handler.handleConfirm)
	api.POST("/reservations/:id/refund", handler.handleRefund)

	guest := router.Group("/api/guest")
	guest.Use(guestValidator.GinGuestMiddleware())

	guest.GET("/quota", handler.handleGuestQuota)
	guest.POST("/quota/consume", handler.handleGuestConsume)

	router.POST("/webhooks/payments", handler.handlePaymentWebhook)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *credits.Service
	spend   *counter.DailySpend
	cfg     Config
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	accountID, ok := handler.accountFromClaims(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.service.GetOrCreateBalance(requestCtx, accountID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balanceToPayload(balance)})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	accountID, ok := handler.accountFromClaims(ctx)
	if !ok {
		return
	}
	before, _ := strconv.ParseInt(ctx.Query("before"), 10, 64)
	if before <= 0 {
		before = time.Now().UTC().Add(time.Second).Unix()
	}
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	if limit <= 0 || limit > handler.cfg.HistoryLimit {
		limit = handler.cfg.HistoryLimit
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entries, err := handler.service.ListHistory(requestCtx, accountID, before, limit)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, entryToPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	accountID, ok := handler.accountFromClaims(ctx)
	if !ok {
		return
	}
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	cost, err := credits.NewPositiveCredits(request.Cost)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cost", "cost must be a positive credit amount"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if handler.overDailyCap(requestCtx, accountID, cost.Int64()) {
		ctx.JSON(http.StatusTooManyRequests, errorResponse("daily_cap_reached", "daily spend cap reached"))
		return
	}

	result, err := handler.service.Reserve(requestCtx, accountID, cost)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	if result.Insufficient {
		ctx.JSON(http.StatusOK, gin.H{"status": "insufficient_balance"})
		return
	}

	if _, err := handler.spend.Add(requestCtx, accountID, cost.Int64()); err != nil {
		handler.logger.Warn("daily spend counter update failed", zap.Error(err))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status": "reserved",
		"reservation": gin.H{
			"entry_id": result.Reservation.EntryID.String(),
			"cost":     result.Reservation.Cost.Int64(),
		},
	})
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	_, reservation, ok := handler.reservationFromRequest(ctx)
	if !ok {
		return
	}
	var request confirmRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.ReferenceID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_reference", "reference_id is required"))
		return
	}
	if request.ReferenceType == "" {
		request.ReferenceType = "generation"
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	err := handler.service.Confirm(requestCtx, reservation, credits.EntryReference{
		Type: request.ReferenceType,
		ID:   request.ReferenceID,
	})
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "confirmed"})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	accountID, reservation, ok := handler.reservationFromRequest(ctx)
	if !ok {
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Reason == "" {
		request.Reason = "caller_refund"
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.service.Refund(requestCtx, accountID, reservation, request.Reason); err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

func (handler *httpHandler) handleGuestQuota(ctx *gin.Context) {
	sessionID, ok := handler.guestSessionID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	quota, err := handler.service.EnsureGuestQuota(requestCtx, sessionID, handler.cfg.GuestSessionTTL)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"quota": quotaToPayload(quota)})
}

func (handler *httpHandler) handleGuestConsume(ctx *gin.Context) {
	sessionID, ok := handler.guestSessionID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if _, err := handler.service.EnsureGuestQuota(requestCtx, sessionID, handler.cfg.GuestSessionTTL); err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	quota, err := handler.service.ConsumeGuestQuota(requestCtx, sessionID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"quota": quotaToPayload(quota)})
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if handler.cfg.WebhookSecret != "" && !verifySignature(body, ctx.GetHeader(signatureHeader), handler.cfg.WebhookSecret) {
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "webhook signature mismatch"))
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	externalID, err := credits.NewExternalID(event.ExternalID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_external_id", "external_id is required"))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	switch event.Type {
	case "payment.completed":
		notice, buildErr := buildPurchaseNotice(event, externalID)
		if buildErr != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", buildErr.Error()))
			return
		}
		if applyErr := handler.service.ApplyPurchase(requestCtx, notice); applyErr != nil {
			handler.respondServiceError(ctx, applyErr)
			return
		}
	case "payment.refunded":
		if applyErr := handler.service.ApplyRefund(requestCtx, event.Provider, externalID); applyErr != nil {
			handler.respondServiceError(ctx, applyErr)
			return
		}
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("unsupported_event", "unknown event type"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (handler *httpHandler) accountFromClaims(ctx *gin.Context) (credits.AccountID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.AccountID{}, false
	}
	accountID, err := credits.NewAccountID(claims.UserID)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return credits.AccountID{}, false
	}
	return accountID, true
}

func (handler *httpHandler) guestSessionID(ctx *gin.Context) (credits.SessionID, bool) {
	sessionID, err := credits.NewSessionID(getGuestSession(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing guest session"))
		return credits.SessionID{}, false
	}
	return sessionID, true
}

// reservationFromRequest resolves the path entry id into a reservation and
// enforces ownership. A foreign reservation reads as unknown.
func (handler *httpHandler) reservationFromRequest(ctx *gin.Context) (credits.AccountID, credits.Reservation, bool) {
	accountID, ok := handler.accountFromClaims(ctx)
	if !ok {
		return credits.AccountID{}, credits.Reservation{}, false
	}
	entryID, err := credits.NewEntryID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_entry_id", "missing reservation id"))
		return credits.AccountID{}, credits.Reservation{}, false
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	reservation, err := handler.service.GetReservation(requestCtx, entryID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return credits.AccountID{}, credits.Reservation{}, false
	}
	if reservation.AccountID.String() != accountID.String() {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown reservation"))
		return credits.AccountID{}, credits.Reservation{}, false
	}
	return accountID, reservation, true
}

func (handler *httpHandler) overDailyCap(ctx context.Context, accountID credits.AccountID, cost int64) bool {
	if handler.cfg.DailySpendCap <= 0 {
		return false
	}
	spent, err := handler.spend.Spent(ctx, accountID)
	if err != nil {
		handler.logger.Warn("daily spend read failed", zap.Error(err))
		return false
	}
	return spent+cost > handler.cfg.DailySpendCap
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondServiceError(ctx *gin.Context, err error) {
	httpStatus, code := statusForError(err)
	if httpStatus >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(httpStatus, errorResponse(code, "operation failed"))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, credits.ErrEntryNotFound):
		return http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, credits.ErrPaymentNotFound):
		return http.StatusNotFound, "payment_not_found"
	case errors.Is(err, credits.ErrGuestQuotaNotFound):
		return http.StatusNotFound, "guest_session_expired"
	case errors.Is(err, credits.ErrGuestQuotaExhausted):
		return http.StatusTooManyRequests, "guest_quota_exhausted"
	case errors.Is(err, credits.ErrEntryClosed):
		return http.StatusConflict, "reservation_closed"
	case errors.Is(err, credits.ErrPaymentClosed):
		return http.StatusConflict, "payment_closed"
	case errors.Is(err, credits.ErrDuplicatePayment):
		return http.StatusConflict, "duplicate_payment"
	case errors.Is(err, credits.ErrBalanceConstraint):
		return http.StatusConflict, "balance_constraint"
	case errors.Is(err, credits.ErrCompensationRequired):
		return http.StatusBadGateway, "compensation_required"
	case errors.Is(err, credits.ErrInvalidCredits),
		errors.Is(err, credits.ErrInvalidCreditDelta),
		errors.Is(err, credits.ErrInvalidAccountID),
		errors.Is(err, credits.ErrInvalidEntryID),
		errors.Is(err, credits.ErrInvalidSessionID),
		errors.Is(err, credits.ErrInvalidExternalID),
		errors.Is(err, credits.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func buildPurchaseNotice(event webhookEvent, externalID credits.ExternalID) (credits.PurchaseNotice, error) {
	accountID, err := credits.NewAccountID(event.AccountID)
	if err != nil {
		return credits.PurchaseNotice{}, err
	}
	purchased, err := credits.NewPositiveCredits(event.Credits)
	if err != nil {
		return credits.PurchaseNotice{}, err
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(event.Metadata))
	if err != nil {
		return credits.PurchaseNotice{}, err
	}
	return credits.PurchaseNotice{
		Provider:    event.Provider,
		ExternalID:  externalID,
		AccountID:   accountID,
		Credits:     purchased,
		AmountCents: event.AmountCents,
		Currency:    event.Currency,
		Metadata:    metadata,
	}, nil
}

func marshalMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func verifySignature(body []byte, signature string, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
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

func balanceToPayload(balance credits.Balance) balancePayload {
	return balancePayload{
		AccountID:      balance.AccountID.String(),
		Credits:        balance.Credits.Int64(),
		UpdatedUnixUTC: balance.UpdatedUnixUTC,
	}
}

func entryToPayload(entry credits.LedgerEntry) entryPayload {
	payload := entryPayload{
		EntryID:        entry.EntryID.String(),
		Delta:          entry.Delta.Int64(),
		Kind:           entry.Kind.String(),
		Status:         entry.Status.String(),
		Description:    entry.Description,
		StatusNote:     entry.StatusNote,
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
	if entry.Reference != nil {
		payload.ReferenceType = entry.Reference.Type
		payload.ReferenceID = entry.Reference.ID
	}
	return payload
}

func quotaToPayload(quota credits.GuestQuota) quotaPayload {
	return quotaPayload{
		SessionID:      quota.SessionID.String(),
		FreeUnitsUsed:  quota.FreeUnitsUsed,
		ExpiresUnixUTC: quota.ExpiresUnixUTC,
	}
}

type reserveRequest struct {
	Cost int64 `json:"cost"`
}

type confirmRequest struct {
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type webhookEvent struct {
	Type        string            `json:"type"`
	Provider    string            `json:"provider"`
	ExternalID  string            `json:"external_id"`
	AccountID   string            `json:"account_id"`
	Credits     int64             `json:"credits"`
	AmountCents int64             `json:"amount_cents"`
	Currency    string            `json:"currency"`
	Metadata    map[string]string `json:"metadata"`
}

type balancePayload struct {
	AccountID      string `json:"account_id"`
	Credits        int64  `json:"credits"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Delta          int64  `json:"delta"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	ReferenceType  string `json:"reference_type,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	Description    string `json:"description"`
	StatusNote     string `json:"status_note,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type quotaPayload struct {
	SessionID      string `json:"session_id"`
	FreeUnitsUsed  int    `json:"free_units_used"`
	ExpiresUnixUTC int64  `json:"expires_unix_utc"`
}
