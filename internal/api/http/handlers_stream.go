package apihttp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"mediastream/internal/domain"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/stream/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	obj, err := s.stream.Resolve(ctx, domain.ObjectID(id))
	if err != nil {
		writeStreamError(w, err)
		return
	}

	ext := strings.ToLower(path.Ext(obj.Name))
	contentType := obj.MimeType
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "inline")
	w.Header().Set("Accept-Ranges", "bytes")
	// Keep-alive would pin the backend readers after the player stops.
	w.Header().Set("Connection", "close")

	size := obj.Size

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	start, end := int64(0), size-1
	partial := false
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, err = parseByteRange(rangeHeader, size)
		if errors.Is(err, errInvalidRange) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
			return
		}
		if errors.Is(err, errRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		partial = true
	}

	result, err := s.stream.Open(ctx, obj, start, end)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	defer result.Reader.Close()

	length := end - start + 1
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("X-Stream-Source", result.Source)
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if _, err := io.CopyN(w, result.Reader, length); err != nil {
		s.logger.Debug("stream copy interrupted",
			slog.String("objectId", id),
			slog.String("source", result.Source),
			slog.String("error", err.Error()),
		)
	}
}
