package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/app"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/lifecycle"
)

// Stream status values returned to clients.
const (
	StatusProcessingStarted = "processing_started"
	StatusStreamStopped     = "stream_stopped"
	StatusNoActiveStream    = "no_active_stream_to_stop"
	StatusFlushed           = "flushed"
)

// StreamHandler handles stream lifecycle requests.
type StreamHandler struct {
	app *app.App
}

// NewStreamHandler creates a new StreamHandler for a.
func NewStreamHandler(a *app.App) *StreamHandler {
	return &StreamHandler{app: a}
}

// ServeHTTP routes /api/streams/start, /api/streams/stop,
// /api/streams/status and /api/streams/{id}/flush.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/streams")
	path = strings.Trim(path, "/")

	switch {
	case path == "start":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.start(w, r)
	case path == "stop":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.stop(w, r)
	case path == "status":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, h.app.Coordinator().Status())
	case strings.HasSuffix(path, "/flush"):
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.flush(w, r, strings.TrimSuffix(path, "/flush"))
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

type startStreamRequest struct {
	Source   string `json:"source"`
	FilePath string `json:"file_path"`
	StreamID string `json:"stream_id"`
}

type startStreamResponse struct {
	Status     string `json:"status"`
	StreamID   string `json:"stream_id"`
	Generation uint64 `json:"generation"`
}

type statusResponse struct {
	Status   string `json:"status"`
	StreamID string `json:"stream_id,omitempty"`
}

// start handles POST /api/streams/start.
func (h *StreamHandler) start(w http.ResponseWriter, r *http.Request) {
	var req startStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	source := req.Source
	if source == "" {
		source = req.FilePath
	}
	if source == "" {
		writeError(w, http.StatusBadRequest, "Source is required")
		return
	}

	sess, err := h.app.StartStream(r.Context(), source, req.StreamID)
	switch {
	case errors.Is(err, lifecycle.ErrConflict):
		writeError(w, http.StatusConflict, "A stream is already in progress. Please stop it before starting a new one.")
		return
	case errors.Is(err, app.ErrSourceNotFound):
		writeError(w, http.StatusBadRequest, "Video source not found")
		return
	case err != nil:
		log.Printf("api: start stream: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to start stream")
		return
	}

	writeJSON(w, http.StatusOK, startStreamResponse{
		Status:     StatusProcessingStarted,
		StreamID:   sess.StreamID,
		Generation: sess.Generation,
	})
}

// stop handles POST /api/streams/stop.
func (h *StreamHandler) stop(w http.ResponseWriter, r *http.Request) {
	sess, active := h.app.Coordinator().Active()
	if err := h.app.Coordinator().Stop(r.Context()); err != nil {
		log.Printf("api: stop stream: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to stop stream")
		return
	}
	if !active {
		writeJSON(w, http.StatusOK, statusResponse{Status: StatusNoActiveStream})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusStreamStopped, StreamID: sess.StreamID})
}

// flush handles POST /api/streams/{id}/flush.
func (h *StreamHandler) flush(w http.ResponseWriter, r *http.Request, streamID string) {
	if streamID == "" || strings.Contains(streamID, "/") {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if err := h.app.Coordinator().Flush(r.Context(), streamID); err != nil {
		log.Printf("api: flush %s: %v", streamID, err)
		writeError(w, http.StatusInternalServerError, "Failed to flush stream")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusFlushed, StreamID: streamID})
}
