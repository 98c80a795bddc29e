package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/app"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/event"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/store"
	"github.com/abdulrahman-riyad/Real-Time-Restaurant-Hygiene-Monitoring/internal/tracking"
)

// ROIHandler handles HTTP requests for monitored zones.
type ROIHandler struct {
	app *app.App
}

// NewROIHandler creates a new ROIHandler for a.
func NewROIHandler(a *app.App) *ROIHandler {
	return &ROIHandler{app: a}
}

// ServeHTTP routes /api/rois and /api/rois/{id}.
func (h *ROIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rois")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.save(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch r.Method {
	case http.MethodDelete:
		h.delete(w, r, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type saveROIRequest struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Type   string        `json:"type"`
	X1     float64       `json:"x1"`
	Y1     float64       `json:"y1"`
	X2     float64       `json:"x2"`
	Y2     float64       `json:"y2"`
	Points []event.Point `json:"points"`
	Active *bool         `json:"active"`
}

type listROIsResponse struct {
	ROIs []event.Region `json:"rois"`
}

// list handles GET /api/rois and returns the zone visualisation data.
func (h *ROIHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listROIsResponse{ROIs: tracking.Regions(h.app.Engine().ROIs())})
}

// save handles POST /api/rois and creates or replaces a zone.
func (h *ROIHandler) save(w http.ResponseWriter, r *http.Request) {
	var req saveROIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Type == "" {
		req.Type = tracking.ROITypeProteinContainer
	}

	var roi tracking.ROI
	if len(req.Points) > 0 {
		roi = tracking.NewPolygon(req.ID, req.Name, req.Type, req.Points)
	} else {
		if req.X2 <= req.X1 || req.Y2 <= req.Y1 {
			writeError(w, http.StatusBadRequest, "Invalid rectangle")
			return
		}
		roi = tracking.NewRectangle(req.ID, req.Name, req.Type, req.X1, req.Y1, req.X2, req.Y2)
	}
	if req.Active != nil {
		roi.Active = *req.Active
	}

	if err := h.app.SaveROI(roi); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, roi.Region())
}

// delete handles DELETE /api/rois/{id}.
func (h *ROIHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.app.DeleteROI(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ROI not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete ROI")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
