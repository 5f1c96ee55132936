/**
 * @description
 * This file sets up the HTTP router for the deposit-review-service. It defines
 * the review session endpoints used by the admin console and applies logging,
 * recovery, CORS and operator authentication middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the admin console origins.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the service router. metricsHandler may be nil.
func NewRouter(h *ReviewHandlers, auth func(http.Handler) http.Handler, allowedOrigins []string, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/reviews", func(r chi.Router) {
		r.Use(auth)

		r.Post("/", h.OpenReviewHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetReviewHandler)
			r.Delete("/", h.CloseReviewHandler)
			r.Post("/approve", h.ApproveHandler)
			r.Post("/reject", h.RejectHandler)
			r.Post("/edit", h.EnterEditHandler)
			r.Post("/edit/exit", h.ExitEditHandler)
			r.Post("/banner/dismiss", h.DismissBannerHandler)
		})
	})

	return r
}
