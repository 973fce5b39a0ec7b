// Ledgerlink - Accounting API Synchronization and Read Cache
// Copyright 2026 Finvoy Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finvoy/ledgerlink

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finvoy/ledgerlink/internal/config"
)

// NewRouter builds the admin API router.
func NewRouter(h *Handler, cfg *config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(cfg))
		r.Use(PrometheusMetrics)

		r.Get("/health", h.Health)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/trigger", h.TriggerSync)
			r.Get("/status", h.SyncStatus)
		})

		r.Route("/breakers", func(r chi.Router) {
			r.Get("/", h.Breakers)
			r.Post("/reset", h.ResetAllBreakers)
			r.Post("/{name}/reset", h.ResetBreaker)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", h.SchedulerStatus)
			r.Post("/pause", h.PauseScheduler)
			r.Post("/resume", h.ResumeScheduler)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", h.CacheStats)
			r.Post("/stats/reset", h.ResetCacheStats)
			r.Post("/invalidate", h.InvalidateCache)
		})

		r.Route("/entities", func(r chi.Router) {
			r.Get("/{type}", h.ListEntities)
			r.Get("/{type}/{id}", h.GetEntity)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
