package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// NewRouter creates and returns a configured Chi router.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// ── Health check ──────────────────────────────────────────────────────────
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]string{"status": "ok", "service": "lumina-device-risk-api"})
	})

	// ── API v1 ────────────────────────────────────────────────────────────────
	r.Route("/api/v1", func(r chi.Router) {

		// Evaluation is the hot path; rate-limit it per source address so a
		// single abuser cannot saturate the analyzers.
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(120, time.Minute))
			r.Post("/attempts/evaluate", h.EvaluateAttempt)
		})

		// Device lifecycle
		r.Route("/devices/{hash}", func(r chi.Router) {
			r.Get("/eligibility", h.CheckEligibility)
			r.Post("/link", h.LinkAccount)
		})

		// Webhook registration
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", h.RegisterWebhook)
			r.Delete("/{id}", h.DeleteWebhook)
		})

		// Admin surface: listings and moderation
		r.Route("/admin", func(r chi.Router) {
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", h.ListDevices)
				r.Get("/{hash}", h.GetDevice)
				r.Post("/{hash}/flag", h.FlagDevice)
				r.Post("/{hash}/block", h.BlockDevice)
			})
			r.Route("/networks", func(r chi.Router) {
				r.Get("/", h.ListNetworks)
				r.Get("/{address}", h.GetNetwork)
				r.Post("/{address}/whitelist", h.WhitelistNetwork)
				r.Post("/{address}/blacklist", h.BlacklistNetwork)
			})
			r.Route("/attempts", func(r chi.Router) {
				r.Get("/", h.ListAttempts)
				r.Get("/{id}", h.GetAttempt)
				r.Post("/{id}/review", h.ReviewAttempt)
			})
		})
	})

	return r
}

// requestLogger is a minimal structured-logging middleware.
// It replaces chi's default Logger to emit slog records.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
