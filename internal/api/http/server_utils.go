package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"mediastream/internal/domain"
	"mediastream/internal/usecase"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeStreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "object not found")
		return
	}
	if errors.Is(err, usecase.ErrNotStreamable) {
		writeError(w, http.StatusBadRequest, "invalid_request", "object is not streamable")
		return
	}
	if errors.Is(err, domain.ErrNoUsableClient) {
		writeError(w, http.StatusServiceUnavailable, "no_client", "no backend client available")
		return
	}
	if errors.Is(err, usecase.ErrRepository) {
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}
	if errors.Is(err, usecase.ErrBackend) {
		writeError(w, http.StatusBadGateway, "backend_error", err.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

var (
	errInvalidRange        = errors.New("invalid range")
	errRangeNotSatisfiable = errors.New("range not satisfiable")
)

func parseByteRange(value string, size int64) (int64, int64, error) {
	if size <= 0 {
		return 0, 0, errRangeNotSatisfiable
	}

	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return 0, 0, errInvalidRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) == 1 {
		parts = append(parts, "")
	}
	if len(parts) != 2 {
		return 0, 0, errInvalidRange
	}

	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	if startStr == "" {
		if endStr == "" {
			return 0, 0, errInvalidRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, errInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		start := size - suffix
		end := size - 1
		return start, end, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errInvalidRange
	}

	if start >= size {
		return 0, 0, errRangeNotSatisfiable
	}

	if endStr == "" {
		return start, size - 1, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < 0 {
		return 0, 0, errInvalidRange
	}
	if end < start {
		return 0, 0, errInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}

// resolveHLSFilePath joins a client-supplied relative path onto the job
// directory and rejects anything that escapes it.
func resolveHLSFilePath(dir, rel string) (string, error) {
	base := strings.TrimSpace(dir)
	if base == "" {
		return "", errors.New("hls dir is required")
	}
	base = filepath.Clean(base)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}

	joined := filepath.Join(base, filepath.FromSlash(rel))
	joined = filepath.Clean(joined)
	if abs, err := filepath.Abs(joined); err == nil {
		joined = abs
	}

	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", errors.New("path escapes hls dir")
	}
	return joined, nil
}

func fallbackContentType(ext string) string {
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".avi":
		return "video/x-msvideo"
	case ".mov":
		return "video/quicktime"
	case ".m4v":
		return "video/x-m4v"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

func parseOptionalIntQuery(value string, defaultValue int) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}
