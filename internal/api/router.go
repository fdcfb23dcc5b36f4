package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/LeventeLantos/outbound-delivery/internal/metrics"
)

func Router(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", h.SchedulerStatus)
			r.Post("/start", h.SchedulerStart)
			r.Post("/stop", h.SchedulerStop)
		})

		r.Post("/queues/{family}/drain", h.Drain)
		r.Post("/campaigns/{id}/expand", h.ExpandCampaign)

		r.Get("/items", h.ListItems)
		r.Get("/tracking", h.GetTracking)
	})

	r.Handle("/metrics", metrics.Handler())

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("outbound-delivery"))
	})

	return r
}
