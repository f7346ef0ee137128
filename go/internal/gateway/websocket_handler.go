package gateway

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests from the UI
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	service           *Service
}

func NewWebSocketHandler(cm *ConnectionManager, s *Service) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		service:           s,
	}
}

// HandleStateConnection upgrades to a WebSocket that first receives the
// current snapshot, then every state and notification event
func (h *WebSocketHandler) HandleStateConnection(w http.ResponseWriter, r *http.Request) {
	snap := h.service.engine.Snapshot()

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = snap.UserID
	}

	greeting := newEvent(EventTypeState, "", snap)
	if err := h.connectionManager.UpgradeConnection(w, r, userID, greeting, h.service.handleCommand); err != nil {
		// the upgrader has already replied to the client
		log.Error().
			Err(err).
			Str("user_id", userID).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"total_connections": h.connectionManager.Count()})
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/state", h.HandleStateConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
