package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/donation-ledger/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger, h.metrics))

	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/users/register", h.Register)
		r.Post("/users/login", h.Login)
		r.Get("/campaigns", h.ListCampaigns)
		r.Get("/ngos", h.ApprovedNGOs)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/users/me", h.Me)

			r.Post("/campaigns", h.CreateCampaign)
			r.Get("/campaigns/{id}/view", h.CampaignView)
			r.Post("/campaigns/{id}/donations", h.Donate)

			r.Get("/donations", h.ListDonations)
			r.Get("/donations/{id}/balance", h.Balance)
			r.Get("/donors/me/view", h.DonorView)

			r.Post("/applications", h.SubmitApplication)
			r.Get("/applications", h.ListApplications)
			r.Post("/applications/{id}/approve", h.ApproveApplication)
			r.Post("/applications/{id}/reject", h.RejectApplication)

			r.Post("/distributions", h.Distribute)

			r.Get("/ngos/me/view", h.NGOView)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/ngos/pending", h.PendingNGOs)
				r.Post("/ngos/{id}/promote", h.PromoteNGO)
				r.Post("/campaigns/{id}/deactivate", h.DeactivateCampaign)
			})
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
