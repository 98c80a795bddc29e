package api

import (
	"net/http"
	"strconv"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/app"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
)

// maxViolationsLimit caps the limit query parameter.
const maxViolationsLimit = 1000

// ViolationHandler serves recent violations.
type ViolationHandler struct {
	app *app.App
}

// NewViolationHandler creates a new ViolationHandler for a.
func NewViolationHandler(a *app.App) *ViolationHandler {
	return &ViolationHandler{app: a}
}

// ServeHTTP routes /api/violations.
func (h *ViolationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodDelete:
		h.purge(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type purgeResponse struct {
	Status   string `json:"status"`
	StreamID string `json:"stream_id"`
	Deleted  int64  `json:"deleted"`
}

// purge handles DELETE /api/violations?stream_id= and removes the stream's
// audit records from the store.
func (h *ViolationHandler) purge(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		writeError(w, http.StatusBadRequest, "stream_id is required")
		return
	}
	s := h.app.Store()
	if s == nil {
		writeError(w, http.StatusServiceUnavailable, "Store not configured")
		return
	}

	n, err := s.Violations().DeleteByStream(streamID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete violations")
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Status: "deleted", StreamID: streamID, Deleted: n})
}

// list handles GET /api/violations?stream_id=&limit=&source=store.
// Without source=store the gateway's retained window is returned.
func (h *ViolationHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	streamID := q.Get("stream_id")

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, maxViolationsLimit)
	}

	var violations []event.Violation
	if q.Get("source") == "store" {
		s := h.app.Store()
		if s == nil {
			writeError(w, http.StatusServiceUnavailable, "Store not configured")
			return
		}
		if limit == 0 {
			limit = maxViolationsLimit
		}
		var err error
		violations, err = s.Violations().List(streamID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list violations")
			return
		}
	} else {
		violations = h.app.Gateway().Violations(streamID, limit)
	}

	if violations == nil {
		violations = []event.Violation{}
	}
	writeJSON(w, http.StatusOK, violations)
}
