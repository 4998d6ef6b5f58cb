package apihttp

import (
	"net/http"
	"os"
	"strings"

	"mediastream/internal/domain"
)

type prepareResponse struct {
	ObjectID domain.ObjectID `json:"objectId"`
	Ready    bool            `json:"ready"`
	Running  bool            `json:"running"`
	URL      string          `json:"url,omitempty"`
}

// handleHLSPrepare kicks off (or reports on) a transcode job for an object.
// The call is idempotent: a ready playlist returns 200 with its URL, an
// in-flight or freshly started job returns 202.
func (s *Server) handleHLSPrepare(w http.ResponseWriter, r *http.Request) {
	if s.hls == nil {
		writeError(w, http.StatusNotImplemented, "hls_unavailable", "transcoding not configured")
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/hls/prepare/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	obj, err := s.stream.Resolve(r.Context(), domain.ObjectID(id))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	if !obj.IsVideo() {
		writeError(w, http.StatusBadRequest, "invalid_request", "object is not a video")
		return
	}
	if !s.hls.Available() {
		writeError(w, http.StatusNotImplemented, "hls_unavailable", "transcoder binary not found")
		return
	}

	if s.hls.Ready(obj.ID) {
		writeJSON(w, http.StatusOK, prepareResponse{
			ObjectID: obj.ID,
			Ready:    true,
			URL:      s.hls.URLFor(obj.ID),
		})
		return
	}

	if r.Method == http.MethodPost {
		s.hls.Ensure(obj)
	}
	writeJSON(w, http.StatusAccepted, prepareResponse{
		ObjectID: obj.ID,
		Running:  s.hls.Running(obj.ID),
	})
}

// handleHLSFile serves playlists and segments out of the object's transcode
// workspace.
func (s *Server) handleHLSFile(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/hls/")
	id, rel, ok := strings.Cut(rest, "/")
	if !ok || id == "" || rel == "" {
		http.NotFound(w, r)
		return
	}

	if !strings.HasSuffix(rel, ".m3u8") && !strings.HasSuffix(rel, ".ts") {
		http.NotFound(w, r)
		return
	}
	filePath, err := resolveHLSFilePath(s.cache.HLSDir(domain.ObjectID(id)), rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid path")
		return
	}
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		if s.hls != nil && s.hls.Running(domain.ObjectID(id)) {
			// The transcoder has not produced this file yet; tell the player
			// to retry rather than give up.
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "not_ready", "file not yet available")
			return
		}
		http.NotFound(w, r)
		return
	}

	if strings.HasSuffix(filePath, ".m3u8") {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	} else {
		w.Header().Set("Content-Type", "video/MP2T")
	}
	http.ServeFile(w, r, filePath)
}
