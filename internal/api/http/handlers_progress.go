package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"mediastream/internal/domain"
)

type progressRequest struct {
	Viewer   string  `json:"viewer"`
	ObjectID string  `json:"objectId"`
	Position float64 `json:"position"`
	Duration float64 `json:"duration"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		writeError(w, http.StatusNotImplemented, "progress_unavailable", "progress store not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleGetProgress(w, r)
	case http.MethodPost, http.MethodPut:
		s.handlePutProgress(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, PUT")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	viewer := strings.TrimSpace(r.URL.Query().Get("viewer"))
	if viewer == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "viewer is required")
		return
	}

	if objectID := strings.TrimSpace(r.URL.Query().Get("objectId")); objectID != "" {
		pos, err := s.progress.Get(r.Context(), viewer, domain.ObjectID(objectID))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no saved position")
				return
			}
			writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, pos)
		return
	}

	limit, err := parseOptionalIntQuery(r.URL.Query().Get("limit"), 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	positions, err := s.progress.ListRecent(r.Context(), viewer, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}
	if positions == nil {
		positions = []domain.PlaybackPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePutProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return
	}
	req.Viewer = strings.TrimSpace(req.Viewer)
	req.ObjectID = strings.TrimSpace(req.ObjectID)
	if req.Viewer == "" || req.ObjectID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "viewer and objectId are required")
		return
	}
	if req.Position < 0 || req.Duration < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "position and duration must be >= 0")
		return
	}

	pos := domain.PlaybackPosition{
		Viewer:   req.Viewer,
		ObjectID: domain.ObjectID(req.ObjectID),
		Position: req.Position,
		Duration: req.Duration,
	}
	if err := s.progress.Upsert(r.Context(), pos); err != nil {
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
