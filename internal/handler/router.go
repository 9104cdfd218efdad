package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mmeshcher/pitchclub-ledger/internal/middleware"
	"github.com/mmeshcher/pitchclub-ledger/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса баллов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	if len(h.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Content-Encoding"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(middleware.GzipMiddleware)
	r.Use(middleware.Logger(h.logger))

	r.Post("/api/webhooks/payments", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/api/rewards", h.ListRewards)

		r.Route("/api/user", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/ledger", h.GetLedger)
			r.Get("/badges", h.GetBadges)
			r.Post("/spend", h.Spend)

			r.Post("/redemptions", h.Redeem)
			r.Get("/redemptions", h.GetRedemptions)
			r.Get("/redemptions/{id}", h.GetRedemption)
			r.Post("/redemptions/{id}/cancel", h.CancelRedemption)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Post("/awards", h.Award)
			r.Post("/adjustments", h.Adjust)
			r.Post("/grants", h.Grant)

			r.Get("/users/{userID}/ledger", h.GetUserLedger)
			r.Get("/users/{userID}/reconcile", h.Reconcile)
			r.Get("/purchases/{paymentID}", h.GetPurchase)

			r.Get("/rewards", h.ListAllRewards)
			r.Post("/rewards", h.CreateRewardItem)

			r.Get("/redemptions", h.ListAllRedemptions)
			r.Get("/redemptions/{id}/audit", h.GetAudit)
			r.Post("/redemptions/{id}/approve", h.ReviewRedemption(model.RedemptionApproved))
			r.Post("/redemptions/{id}/decline", h.ReviewRedemption(model.RedemptionDeclined))
			r.Post("/redemptions/{id}/fulfill", h.ReviewRedemption(model.RedemptionFulfilled))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
