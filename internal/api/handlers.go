/**
 * @description
 * HTTP handlers for the wallet surface: owner-facing account and funding
 * endpoints, the gateway confirmation webhook, and the internal
 * (server-to-server) debit/credit/refund operations the booking collaborator
 * uses.
 */
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Techori/Gateman-sub001/internal/app"
	"github.com/Techori/Gateman-sub001/internal/domain"
	"github.com/Techori/Gateman-sub001/internal/store"
	"github.com/Techori/Gateman-sub001/pkg/gateway"
)

// Handlers holds the application services the HTTP layer delegates to.
type Handlers struct {
	wallet    *app.WalletService
	mandates  *app.MandateService
	processor *app.MandateProcessor
	logger    *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(wallet *app.WalletService, mandates *app.MandateService, processor *app.MandateProcessor, logger *slog.Logger) *Handlers {
	return &Handlers{wallet: wallet, mandates: mandates, processor: processor, logger: logger}
}

// handleGetWallet returns the owner's account, creating it on first use.
func (h *Handlers) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.wallet.FindOrCreateAccount(r.Context(), ownerID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

type fundWalletRequest struct {
	Amount int64 `json:"amount"` // in paise
}

// handleFundWallet initiates a gateway collection for the owner's wallet.
func (h *Handlers) handleFundWallet(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req fundWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.wallet.InitiateFunding(r.Context(), ownerID, req.Amount)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, result)
}

// handleListEntries returns the owner's ledger with pagination.
func (h *Handlers) handleListEntries(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	account, err := h.wallet.FindOrCreateAccount(r.Context(), ownerID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	entries, err := h.wallet.ListEntries(r.Context(), account.ID, listOptionsFromQuery(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

type gatewayWebhookRequest struct {
	ProviderReference string  `json:"provider_reference"`
	Status            string  `json:"status"` // 'success' or 'failed'
	FailureReason     *string `json:"failure_reason,omitempty"`
}

// handleGatewayWebhook settles a pending funding entry from the gateway's
// asynchronous confirmation. Replayed webhooks return 200 with the
// already-settled entry.
func (h *Handlers) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	var req gatewayWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProviderReference == "" {
		http.Error(w, "provider_reference is required", http.StatusBadRequest)
		return
	}

	entry, err := h.wallet.ConfirmFunding(r.Context(), req.ProviderReference, req.Status == "success", req.FailureReason)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

// handleSufficientBalance answers the booking collaborator's affordability check.
func (h *Handlers) handleSufficientBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		http.Error(w, "amount must be a positive integer", http.StatusBadRequest)
		return
	}

	sufficient, err := h.wallet.HasSufficientBalance(r.Context(), accountID, amount)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"sufficient": sufficient})
}

type debitRequest struct {
	AccountID         uuid.UUID  `json:"account_id"`
	Amount            int64      `json:"amount"`
	Description       string     `json:"description"`
	ServiceID         *uuid.UUID `json:"service_id,omitempty"`
	BookingID         *uuid.UUID `json:"booking_id,omitempty"`
	ExternalReference *string    `json:"external_reference,omitempty"`
}

// handleDebit charges a wallet on behalf of the booking collaborator.
func (h *Handlers) handleDebit(w http.ResponseWriter, r *http.Request) {
	var req debitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := h.wallet.Debit(r.Context(), app.DebitInput{
		AccountID:         req.AccountID,
		Amount:            req.Amount,
		Description:       req.Description,
		ServiceID:         req.ServiceID,
		BookingID:         req.BookingID,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, entry)
}

type creditRequest struct {
	AccountID         uuid.UUID  `json:"account_id"`
	Amount            int64      `json:"amount"`
	Kind              string     `json:"kind"`
	Description       string     `json:"description"`
	ServiceID         *uuid.UUID `json:"service_id,omitempty"`
	BookingID         *uuid.UUID `json:"booking_id,omitempty"`
	ExternalReference *string    `json:"external_reference,omitempty"`
}

// handleCredit applies a credit or cashback on behalf of a collaborator.
func (h *Handlers) handleCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	kind := domain.EntryKind(req.Kind)
	if kind == "" {
		kind = domain.EntryCredit
	}

	entry, err := h.wallet.Credit(r.Context(), app.CreditInput{
		AccountID:         req.AccountID,
		Kind:              kind,
		Amount:            req.Amount,
		Description:       req.Description,
		ServiceID:         req.ServiceID,
		BookingID:         req.BookingID,
		ExternalReference: req.ExternalReference,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, entry)
}

type refundRequest struct {
	OriginalEntryID uuid.UUID `json:"original_entry_id"`
	Amount          int64     `json:"amount"`
	Reason          string    `json:"reason"`
}

// handleRefund reverses part or all of a successful debit.
func (h *Handlers) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := h.wallet.Refund(r.Context(), req.OriginalEntryID, req.Amount, req.Reason)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, entry)
}

type blockRequest struct {
	Reason string `json:"reason"`
}

// handleBlockAccount blocks an account on the administrator's behalf.
func (h *Handlers) handleBlockAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	account, err := h.wallet.BlockAccount(r.Context(), accountID, req.Reason)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

// handleUnblockAccount returns a blocked account to active.
func (h *Handlers) handleUnblockAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}

	account, err := h.wallet.UnblockAccount(r.Context(), accountID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

// handleAuditBalance reports ledger/balance drift for one account.
func (h *Handlers) handleAuditBalance(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}

	audit, err := h.wallet.AuditBalance(r.Context(), accountID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, audit)
}

// handleListAccountEntries is the admin read of any account's ledger.
func (h *Handlers) handleListAccountEntries(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}

	entries, err := h.wallet.ListEntries(r.Context(), accountID, listOptionsFromQuery(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func listOptionsFromQuery(r *http.Request) domain.ListOptions {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return domain.ListOptions{Limit: limit, Offset: offset}
}

// respondWithError maps service errors onto HTTP statuses and logs the rest.
func (h *Handlers) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		respondWithJSON(w, http.StatusUnprocessableEntity, errorBody("insufficient_balance", err))
	case errors.Is(err, store.ErrAccountNotActive):
		respondWithJSON(w, http.StatusForbidden, errorBody("account_not_active", err))
	case errors.Is(err, store.ErrDuplicateReference):
		respondWithJSON(w, http.StatusConflict, errorBody("duplicate_reference", err))
	case errors.Is(err, store.ErrMandateConflict):
		respondWithJSON(w, http.StatusConflict, errorBody("mandate_conflict", err))
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrEntryNotFound),
		errors.Is(err, store.ErrMandateNotFound):
		respondWithJSON(w, http.StatusNotFound, errorBody("not_found", err))
	case errors.Is(err, app.ErrNotRefundable),
		errors.Is(err, app.ErrRefundExceedsOriginal),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidFrequency),
		errors.Is(err, app.ErrInvalidTransition):
		respondWithJSON(w, http.StatusBadRequest, errorBody("invalid_request", err))
	case errors.Is(err, gateway.ErrUnavailable):
		respondWithJSON(w, http.StatusBadGateway, errorBody("gateway_unavailable", err))
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		respondWithJSON(w, http.StatusInternalServerError, errorBody("internal_error", errors.New("internal server error")))
	}
}

func errorBody(code string, err error) map[string]string {
	return map[string]string{"code": code, "error": err.Error()}
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
