// Package httptransport is the thin HTTP layer over the relay core.
// Handlers decode, delegate to services, and encode; business rules
// live in the owning components.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"idrelay/internal/identity/models"
	"idrelay/internal/identity/service"
	"idrelay/internal/notify"
	"idrelay/internal/presence"
	"idrelay/internal/stats"
	dErrors "idrelay/pkg/domainerrors"
)

// Registry is the admin/read surface of the reconciliation engine.
type Registry interface {
	Register(ctx context.Context, subjectKey, label string) (models.IdentityRecord, error)
	Invalidate(ctx context.Context, searchKey string) error
	Lookup(searchKey string) (models.IdentityRecord, error)
	Search(text string, limit int) []service.SearchResult
}

// StatsReader serves the cached snapshot; it never recomputes
// synchronously.
type StatsReader interface {
	GetCached() stats.Snapshot
}

// Handler aggregates the client-facing boundary.
type Handler struct {
	logger   *slog.Logger
	registry Registry
	queues   *notify.Manager
	tracker  *presence.Tracker
	stats    StatsReader
}

// NewHandler wires the HTTP handler set.
func NewHandler(registry Registry, queues *notify.Manager, tracker *presence.Tracker,
	statsReader StatsReader, logger *slog.Logger) *Handler {
	return &Handler{
		logger:   logger,
		registry: registry,
		queues:   queues,
		tracker:  tracker,
		stats:    statsReader,
	}
}

type registerRequest struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	rec, err := h.registry.Register(r.Context(), req.Key, req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Invalidate(r.Context(), chi.URLParam(r, "searchKey")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.Lookup(chi.URLParam(r, "searchKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "query parameter q is required"))
		return
	}
	limit := queryInt(r, "limit", 10)
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"results": h.registry.Search(q, limit),
	})
}

func (h *Handler) handleDrainNotifications(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subjectKey")
	items := h.queues.Drain(subject, queryInt(r, "limit", 0))
	if items == nil {
		items = []notify.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_key":   subject,
		"notifications": items,
	})
}

func (h *Handler) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subjectKey")
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_key": subject,
		"online":      h.tracker.IsOnline(subject),
	})
}

type joinRequest struct {
	RoomType     string `json:"room_type"`
	SubjectKey   string `json:"subject_key"`
	ConnectionID string `json:"connection_id"`
}

func (h *Handler) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectKey == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "subject_key is required"))
		return
	}
	snap := h.tracker.Join(chi.URLParam(r, "roomID"), req.RoomType, req.SubjectKey, req.ConnectionID)
	writeJSON(w, http.StatusOK, snap)
}

type leaveRequest struct {
	SubjectKey string `json:"subject_key"`
}

func (h *Handler) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectKey == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "subject_key is required"))
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Leave(chi.URLParam(r, "roomID"), req.SubjectKey))
}

type statusRequest struct {
	SubjectKey string `json:"subject_key"`
	Status     string `json:"status"`
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubjectKey == "" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "subject_key is required"))
		return
	}
	if req.Status != "online" && req.Status != "offline" {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "status must be online or offline"))
		return
	}
	snap := h.tracker.SetStatus(chi.URLParam(r, "roomID"), req.SubjectKey, req.Status == "online")
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleRoomSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tracker.Snapshot(chi.URLParam(r, "roomID")))
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	h.tracker.OnDisconnect(chi.URLParam(r, "connID"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.GetCached())
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
