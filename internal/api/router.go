/**
 * @description
 * This file sets up the HTTP router for the access service. It defines the API
 * endpoints, associates them with their handlers and applies middleware for
 * logging, recovery, CORS, authentication and rate limiting.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: router and standard middleware.
 * - github.com/go-chi/cors: CORS handling.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	Auth           AuthConfig
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the access service routes.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	auth := AuthMiddleware(cfg.Auth, h.logger)

	// The websocket stays outside the request timeout.
	r.With(auth).Get("/ws", h.handleRealtime)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(auth)

		r.Get("/wallet", h.handleGetWallet)
		r.Get("/wallet/transactions", h.handleListTransactions)
		r.With(RateLimit(h.limiter, "deposits")).Post("/wallet/deposits", h.handleCreateDeposit)
		r.With(RateLimit(h.limiter, "deposit-verify")).Post("/wallet/deposits/verify", h.handleVerifyDeposit)
		r.With(RateLimit(h.limiter, "withdrawals")).Post("/wallet/withdrawals", h.handleRequestWithdrawal)

		r.Get("/passes", h.handleListPasses)
		r.Get("/passes/usage", h.handleListUsage)
		r.With(RateLimit(h.limiter, "purchase")).Post("/passes/purchase", h.handlePurchase)

		r.With(RateLimit(h.limiter, "access")).Post("/services/{serviceID}/access", h.handleAccess)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/users/{userID}/wallet-lock", h.handleSetWalletLock)
			r.Delete("/passes/{passID}", h.handleRevokePass)
			r.Post("/withdrawals/{transactionID}/settle", h.handleSettleWithdrawal)
			r.Post("/sweeps", h.handleRunSweep)
		})
	})

	return r
}
