package gateway

import (
	"net/http"
)

// StateHandler handles HTTP requests for the current state
type StateHandler struct {
	engine Engine
}

func NewStateHandler(eng Engine) *StateHandler {
	return &StateHandler{engine: eng}
}

// HandleGetState handles GET /api/state
func (h *StateHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", h.HandleGetState)
}
