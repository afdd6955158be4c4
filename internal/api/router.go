/**
 * @description
 * This file sets up the HTTP router for the wallet service. It defines the
 * API endpoints, associates them with their handlers, and applies middleware
 * for logging, panic recovery, timeouts, CORS and authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and returns the router for the wallet service.
func NewRouter(h *Handlers, jwksURL, internalKey, webhookSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key", "X-Webhook-Secret"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway confirmation webhook.
	r.Group(func(r chi.Router) {
		r.Use(WebhookAuthMiddleware(webhookSecret))
		r.Post("/webhooks/gateway", h.handleGatewayWebhook)
	})

	// Owner-facing routes.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Get("/wallet", h.handleGetWallet)
		r.Post("/wallet/fund", h.handleFundWallet)
		r.Get("/wallet/entries", h.handleListEntries)

		r.Post("/mandates", h.handleCreateMandate)
		r.Get("/mandates", h.handleListMandates)
		r.Get("/mandates/{mandateID}", h.handleGetMandate)
		r.Post("/mandates/{mandateID}/pause", h.handlePauseMandate)
		r.Post("/mandates/{mandateID}/resume", h.handleResumeMandate)
		r.Post("/mandates/{mandateID}/cancel", h.handleCancelMandate)
	})

	// Server-to-server routes for the booking and administration collaborators.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Get("/wallet/accounts/{accountID}/sufficient-balance", h.handleSufficientBalance)
		r.Get("/wallet/accounts/{accountID}/entries", h.handleListAccountEntries)
		r.Get("/wallet/accounts/{accountID}/audit", h.handleAuditBalance)
		r.Get("/wallet/accounts/{accountID}/mandates", h.handleListAccountMandates)
		r.Post("/wallet/accounts/{accountID}/block", h.handleBlockAccount)
		r.Post("/wallet/accounts/{accountID}/unblock", h.handleUnblockAccount)

		r.Post("/wallet/debit", h.handleDebit)
		r.Post("/wallet/credit", h.handleCredit)
		r.Post("/wallet/refund", h.handleRefund)

		r.Get("/mandates/{mandateID}/executions", h.handleListExecutions)
		r.Post("/mandates/{mandateID}/force-run", h.handleForceRunMandate)
		r.Post("/mandates/batch/run", h.handleRunMandateBatch)
	})

	return r
}
