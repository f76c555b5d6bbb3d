package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"idrelay/internal/platform/metrics"
)

// NewRouter wires all public endpoints. Admin writes sit behind bearer
// auth; everything else is read-only against the relay's own state.
func NewRouter(h *Handler, jwtSigningKey string, logger *slog.Logger, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(RequestLogger(logger, m))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(jwtSigningKey, logger))
			r.Post("/records", h.handleRegister)
			r.Delete("/records/{searchKey}", h.handleInvalidate)
		})

		r.Get("/records/{searchKey}", h.handleLookup)
		r.Get("/search", h.handleSearch)

		r.Post("/notifications/{subjectKey}/drain", h.handleDrainNotifications)

		r.Get("/presence/{subjectKey}", h.handleGetPresence)
		r.Post("/rooms/{roomID}/join", h.handleJoinRoom)
		r.Post("/rooms/{roomID}/leave", h.handleLeaveRoom)
		r.Post("/rooms/{roomID}/status", h.handleSetStatus)
		r.Get("/rooms/{roomID}", h.handleRoomSnapshot)
		r.Get("/rooms/{roomID}/watch", h.handleWatchRoom)
		r.Post("/connections/{connID}/disconnect", h.handleDisconnect)

		r.Get("/stats", h.handleStats)
	})
	return r
}
