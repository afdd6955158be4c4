/**
 * @description
 * HTTP handlers for mandate management: owner-facing create/pause/resume/
 * cancel, and the administrative force-run, batch trigger and execution-log
 * reads.
 */
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Techori/Gateman-sub001/internal/app"
	"github.com/Techori/Gateman-sub001/internal/domain"
	"github.com/Techori/Gateman-sub001/internal/store"
)

type createMandateRequest struct {
	ServiceID           uuid.UUID  `json:"service_id"`
	Amount              int64      `json:"amount"` // in paise
	Frequency           string     `json:"frequency"`
	CustomDays          int        `json:"custom_days,omitempty"`
	FirstDueDate        *time.Time `json:"first_due_date,omitempty"`
	MaxRetryCount       int        `json:"max_retry_count,omitempty"`
	AuthorizationMethod string     `json:"authorization_method"`
	AuthorizationToken  string     `json:"authorization_token"`
}

// handleCreateMandate registers a recurring-debit authorization for the
// authenticated owner.
func (h *Handlers) handleCreateMandate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createMandateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	input := app.CreateMandateInput{
		OwnerID:             ownerID,
		ServiceID:           req.ServiceID,
		Amount:              req.Amount,
		Frequency:           domain.Frequency(req.Frequency),
		CustomDays:          req.CustomDays,
		MaxRetryCount:       req.MaxRetryCount,
		AuthorizationMethod: req.AuthorizationMethod,
		AuthorizationToken:  req.AuthorizationToken,
	}
	if req.FirstDueDate != nil {
		input.FirstDueDate = *req.FirstDueDate
	}

	mandate, err := h.mandates.CreateMandate(r.Context(), input)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, mandate)
}

// handleListMandates returns the authenticated owner's mandates.
func (h *Handlers) handleListMandates(w http.ResponseWriter, r *http.Request) {
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

	mandates, err := h.mandates.ListMandates(r.Context(), account.ID, listOptionsFromQuery(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, mandates)
}

// ownedMandate loads the mandate and verifies it belongs to the caller.
func (h *Handlers) ownedMandate(w http.ResponseWriter, r *http.Request) (*domain.Mandate, bool) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	mandateID, err := uuid.Parse(chi.URLParam(r, "mandateID"))
	if err != nil {
		http.Error(w, "Invalid mandate ID", http.StatusBadRequest)
		return nil, false
	}

	mandate, err := h.mandates.GetMandate(r.Context(), mandateID)
	if err != nil {
		h.respondWithError(w, r, err)
		return nil, false
	}

	account, err := h.wallet.FindOrCreateAccount(r.Context(), ownerID)
	if err != nil {
		h.respondWithError(w, r, err)
		return nil, false
	}
	if mandate.AccountID != account.ID {
		// Do not reveal other owners' mandate ids.
		h.respondWithError(w, r, store.ErrMandateNotFound)
		return nil, false
	}
	return mandate, true
}

// handleGetMandate returns one of the owner's mandates.
func (h *Handlers) handleGetMandate(w http.ResponseWriter, r *http.Request) {
	mandate, ok := h.ownedMandate(w, r)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, mandate)
}

// handlePauseMandate pauses scheduled charging.
func (h *Handlers) handlePauseMandate(w http.ResponseWriter, r *http.Request) {
	mandate, ok := h.ownedMandate(w, r)
	if !ok {
		return
	}

	updated, err := h.mandates.PauseMandate(r.Context(), mandate.ID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

// handleResumeMandate reactivates a paused mandate.
func (h *Handlers) handleResumeMandate(w http.ResponseWriter, r *http.Request) {
	mandate, ok := h.ownedMandate(w, r)
	if !ok {
		return
	}

	updated, err := h.mandates.ResumeMandate(r.Context(), mandate.ID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

// handleCancelMandate terminates a mandate. Terminal but retained for audit.
func (h *Handlers) handleCancelMandate(w http.ResponseWriter, r *http.Request) {
	mandate, ok := h.ownedMandate(w, r)
	if !ok {
		return
	}

	updated, err := h.mandates.CancelMandate(r.Context(), mandate.ID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

// handleListExecutions returns a mandate's execution log for administrators.
func (h *Handlers) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	mandateID, err := uuid.Parse(chi.URLParam(r, "mandateID"))
	if err != nil {
		http.Error(w, "Invalid mandate ID", http.StatusBadRequest)
		return
	}

	executions, err := h.mandates.ListExecutions(r.Context(), mandateID, listOptionsFromQuery(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, executions)
}

type forceRunRequest struct {
	AdminID string `json:"admin_id"`
}

// handleForceRunMandate executes the debit protocol for one mandate outside
// the schedule, tagging the execution log with the admin's id.
func (h *Handlers) handleForceRunMandate(w http.ResponseWriter, r *http.Request) {
	mandateID, err := uuid.Parse(chi.URLParam(r, "mandateID"))
	if err != nil {
		http.Error(w, "Invalid mandate ID", http.StatusBadRequest)
		return
	}

	var req forceRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AdminID == "" {
		http.Error(w, "admin_id is required", http.StatusBadRequest)
		return
	}

	outcome, err := h.processor.ForceRunMandate(r.Context(), mandateID, req.AdminID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, outcome)
}

// handleRunMandateBatch triggers a due-mandate batch cycle on demand.
func (h *Handlers) handleRunMandateBatch(w http.ResponseWriter, r *http.Request) {
	result, err := h.processor.ProcessDueMandates(r.Context(), time.Now().UTC())
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// handleListAccountMandates is the admin read of any account's mandates.
func (h *Handlers) handleListAccountMandates(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}

	mandates, err := h.mandates.ListMandates(r.Context(), accountID, listOptionsFromQuery(r))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, mandates)
}
