package apihttp

import (
	"net/http"
	"strings"

	"mediastream/internal/domain"
)

type objectSummary struct {
	ID       domain.ObjectID `json:"id"`
	Name     string          `json:"name"`
	Size     int64           `json:"size"`
	MimeType string          `json:"mimeType"`
	IsFolder bool            `json:"isFolder"`
	IsVideo  bool            `json:"isVideo"`
}

type objectStatus struct {
	objectSummary
	Cached    bool   `json:"cached"`
	HLSReady  bool   `json:"hlsReady"`
	HLSActive bool   `json:"hlsActive"`
	HLSURL    string `json:"hlsUrl,omitempty"`
	StreamURL string `json:"streamUrl"`
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, "catalog_unavailable", "catalog not configured")
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	limit, err := parseOptionalIntQuery(r.URL.Query().Get("limit"), 0)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	objects, err := s.catalog.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}

	out := make([]objectSummary, 0, len(objects))
	for _, obj := range objects {
		out = append(out, summarize(obj))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleObjectStatus(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/objects/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if action == "warm" {
		s.handleWarmObject(w, r, domain.ObjectID(id))
		return
	}
	if action != "" && action != "status" {
		http.NotFound(w, r)
		return
	}
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, "catalog_unavailable", "catalog not configured")
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	obj, err := s.catalog.Get(r.Context(), domain.ObjectID(id))
	if err != nil {
		writeStreamError(w, err)
		return
	}

	status := objectStatus{
		objectSummary: summarize(obj),
		StreamURL:     "/stream/" + string(obj.ID),
	}
	if s.cache != nil && s.cache.Enabled() {
		status.Cached = s.cache.IsCached(obj.ID, obj.Size)
	}
	if s.hls != nil {
		status.HLSReady = s.hls.Ready(obj.ID)
		status.HLSActive = s.hls.Running(obj.ID)
		if status.HLSReady {
			status.HLSURL = s.hls.URLFor(obj.ID)
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// handleWarmObject schedules a background cache download for the object.
// Completion is announced over the event hub; callers poll the status
// endpoint or listen there.
func (s *Server) handleWarmObject(w http.ResponseWriter, r *http.Request, id domain.ObjectID) {
	if s.cache == nil || !s.cache.Enabled() {
		writeError(w, http.StatusNotImplemented, "cache_unavailable", "cache not configured")
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	obj, err := s.stream.Resolve(r.Context(), id)
	if err != nil {
		writeStreamError(w, err)
		return
	}

	if s.cache.IsCached(obj.ID, obj.Size) {
		writeJSON(w, http.StatusOK, map[string]any{"objectId": obj.ID, "cached": true})
		return
	}
	s.cache.Warm(obj)
	writeJSON(w, http.StatusAccepted, map[string]any{"objectId": obj.ID, "cached": false})
}

func summarize(obj domain.RemoteObject) objectSummary {
	return objectSummary{
		ID:       obj.ID,
		Name:     obj.Name,
		Size:     obj.Size,
		MimeType: obj.MimeType,
		IsFolder: obj.IsFolder,
		IsVideo:  obj.IsVideo(),
	}
}
