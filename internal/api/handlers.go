/**
 * @description
 * HTTP handlers for the access service. Handlers parse requests, call the
 * application service and translate its errors into status codes.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/passwallet/access-service/internal/app"
	"github.com/passwallet/access-service/internal/coord"
	"github.com/passwallet/access-service/internal/domain"
	"github.com/passwallet/access-service/internal/store"
	"github.com/passwallet/access-service/pkg/realtime"
)

// Handlers holds the collaborators the HTTP layer uses.
type Handlers struct {
	service *app.Service
	hub     *realtime.Hub
	limiter *coord.RateLimiter
	logger  *slog.Logger
}

// NewHandlers creates the handler set. hub and limiter may be nil.
func NewHandlers(service *app.Service, hub *realtime.Hub, limiter *coord.RateLimiter, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, hub: hub, limiter: limiter, logger: logger}
}

type walletLockRequest struct {
	Locked bool `json:"locked"`
}

type settleWithdrawalRequest struct {
	Success bool `json:"success"`
}

func (h *Handlers) handleRealtime(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	if h.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "Realtime updates are not available")
		return
	}
	scope := domain.UserScope(p.UserID)
	if r.URL.Query().Get("scope") == domain.AdminScope {
		if !p.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		scope = domain.AdminScope
	}
	h.hub.ServeWS(w, r, scope)
}

func (h *Handlers) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	summary, err := h.service.GetWallet(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	txs, err := h.service.ListTransactions(r.Context(), p.UserID, queryLimit(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *Handlers) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	var req domain.DepositOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := h.service.CreateDepositOrder(r.Context(), p.UserID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handlers) handleVerifyDeposit(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	var req domain.DepositVerificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "orderId, paymentId and signature are required")
		return
	}
	result, err := h.service.VerifyDeposit(r.Context(), p.UserID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	var req domain.WithdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.service.RequestWithdrawal(r.Context(), p.UserID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (h *Handlers) handleListPasses(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	passes, err := h.service.ListPasses(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, passes)
}

func (h *Handlers) handleListUsage(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	logs, err := h.service.ListUsage(r.Context(), p.UserID, queryLimit(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handlers) handlePurchase(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	var req domain.PurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ServiceID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "serviceId is required")
		return
	}
	result, err := h.service.PurchasePass(r.Context(), p.UserID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handlers) handleAccess(w http.ResponseWriter, r *http.Request) {
	p, _ := GetPrincipal(r.Context())
	serviceID, ok := pathUUID(w, r, "serviceID")
	if !ok {
		return
	}
	var req domain.AccessRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	result, err := h.service.AttemptAccess(r.Context(), p.UserID, serviceID, req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleSetWalletLock(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	var req walletLockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	summary, err := h.service.SetWalletLock(r.Context(), userID, req.Locked)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) handleRevokePass(w http.ResponseWriter, r *http.Request) {
	passID, ok := pathUUID(w, r, "passID")
	if !ok {
		return
	}
	if err := h.service.RevokePass(r.Context(), passID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleSettleWithdrawal(w http.ResponseWriter, r *http.Request) {
	transactionID, ok := pathUUID(w, r, "transactionID")
	if !ok {
		return
	}
	var req settleWithdrawalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := h.service.SettleWithdrawal(r.Context(), transactionID, req.Success)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handlers) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Sweep(r.Context())
	if err != nil {
		// A partial cycle still has a meaningful report.
		h.logger.Error("on-demand sweep finished with errors", "error", err)
		if report == nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, report)
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, app.ErrNoActivePass), errors.Is(err, app.ErrInsufficientUsage):
		return http.StatusForbidden, true
	case errors.Is(err, app.ErrInsufficientFunds):
		return http.StatusPaymentRequired, true
	case errors.Is(err, app.ErrWalletLocked):
		return http.StatusLocked, true
	case errors.Is(err, app.ErrOperationInProgress),
		errors.Is(err, app.ErrDepositFailed),
		errors.Is(err, store.ErrTransactionNotPending):
		return http.StatusConflict, true
	case errors.Is(err, app.ErrInvalidSignature),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrAmountMismatch),
		errors.Is(err, app.ErrBelowMinWithdrawal),
		errors.Is(err, app.ErrServiceInactive):
		return http.StatusBadRequest, true
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrServiceNotFound),
		errors.Is(err, store.ErrPassNotFound),
		errors.Is(err, store.ErrTransactionNotFound):
		return http.StatusNotFound, true
	}
	return http.StatusInternalServerError, false
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, known := statusFor(err)
	if !known {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints where a missing body means defaults.
// A chunked request carries no Content-Length, so emptiness is judged by the decoder.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
