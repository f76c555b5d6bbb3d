package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const watchWriteTimeout = 10 * time.Second

// handleWatchRoom streams room snapshots over a websocket. An optional
// subject_key query parameter joins the caller to the room for the
// lifetime of the socket; the drop is treated as a disconnect.
func (h *Handler) handleWatchRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed",
			"request_id", GetRequestID(r.Context()), "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The stream is write-only. CloseRead pumps incoming frames so a
	// client close cancels ctx; without it an idle room never notices
	// the disconnect and the watcher leaks.
	ctx := conn.CloseRead(r.Context())
	snapshots, cancel := h.tracker.Watch(roomID)
	defer cancel()

	if subject := r.URL.Query().Get("subject_key"); subject != "" {
		connID := uuid.NewString()
		h.tracker.Join(roomID, r.URL.Query().Get("room_type"), subject, connID)
		defer h.tracker.OnDisconnect(connID)
	}

	// Initial state first so watchers do not wait for the next change.
	if err := h.writeSnapshot(ctx, conn, h.tracker.Snapshot(roomID)); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := h.writeSnapshot(ctx, conn, snap); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap any) error {
	wctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, snap)
}
