package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/telemetry-hub/logger"
)

// NewRouter mounts the health, metrics, websocket, ingest and read routes
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	if h.ws != nil {
		r.Handle("/ws", h.ws)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.APIKeyMiddleware)
			r.Post("/telemetry/{family}", h.IngestTelemetry)
			r.Post("/status", h.IngestStatus)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.JWTMiddleware)
			r.Get("/devices/{auid}/latest", h.Latest)
			r.Get("/devices/{auid}/readings", h.Readings)
			r.Get("/devices/{auid}/presence", h.Presence)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("%s %s %d %s [%s]", r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
