package api

import "net/http"

// BestDependencies defines the interface for best checkpoint lookups.
type BestDependencies interface {
	Best() (Entry, bool)
}

// BestHandler handles best checkpoint requests.
type BestHandler struct {
	deps BestDependencies
}

// NewBestHandler creates a new best checkpoint handler.
func NewBestHandler(deps BestDependencies) *BestHandler {
	return &BestHandler{deps: deps}
}

// HandleGetBest handles GET /best requests. It answers 404 until a
// checkpoint has been retained.
func (h *BestHandler) HandleGetBest(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_best"
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	entry, ok := h.deps.Best()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", NewKind(op, ErrNoCheckpoint))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
