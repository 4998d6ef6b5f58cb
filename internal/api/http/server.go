package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mediastream/internal/domain"
	"mediastream/internal/usecase"
)

type StreamUseCase interface {
	Resolve(ctx context.Context, id domain.ObjectID) (domain.RemoteObject, error)
	Open(ctx context.Context, obj domain.RemoteObject, start, end int64) (usecase.StreamResult, error)
}

type ObjectCatalog interface {
	Get(ctx context.Context, id domain.ObjectID) (domain.RemoteObject, error)
	List(ctx context.Context, limit int) ([]domain.RemoteObject, error)
}

type ProgressStore interface {
	Upsert(ctx context.Context, pos domain.PlaybackPosition) error
	Get(ctx context.Context, viewer string, id domain.ObjectID) (domain.PlaybackPosition, error)
	ListRecent(ctx context.Context, viewer string, limit int) ([]domain.PlaybackPosition, error)
}

type TranscodeManager interface {
	Ensure(obj domain.RemoteObject)
	Ready(id domain.ObjectID) bool
	Running(id domain.ObjectID) bool
	Available() bool
	URLFor(id domain.ObjectID) string
}

type CacheInfo interface {
	Enabled() bool
	IsCached(id domain.ObjectID, expectedSize int64) bool
	HLSDir(id domain.ObjectID) string
	Warm(obj domain.RemoteObject)
}

type Server struct {
	stream         StreamUseCase
	catalog        ObjectCatalog
	progress       ProgressStore
	hls            TranscodeManager
	cache          CacheInfo
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithCatalog(catalog ObjectCatalog) ServerOption {
	return func(s *Server) {
		s.catalog = catalog
	}
}

func WithProgress(store ProgressStore) ServerOption {
	return func(s *Server) {
		s.progress = store
	}
}

func WithTranscode(hls TranscodeManager) ServerOption {
	return func(s *Server) {
		s.hls = hls
	}
}

func WithCache(cache CacheInfo) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(stream StreamUseCase, opts ...ServerOption) *Server {
	s := &Server{stream: stream}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/hls/prepare/", s.handleHLSPrepare)
	mux.HandleFunc("/hls/", s.handleHLSFile)
	mux.HandleFunc("/api/objects", s.handleListObjects)
	mux.HandleFunc("/api/objects/", s.handleObjectStatus)
	mux.HandleFunc("/api/progress", s.handleProgress)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "mediastream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close shuts down the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastCacheEvent notifies connected clients that a warm finished.
func (s *Server) BroadcastCacheEvent(id domain.ObjectID, err error) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast("cache", objectEvent{ObjectID: id, OK: err == nil, Error: errText(err)})
}

// BroadcastTranscodeEvent notifies connected clients that an HLS job finished.
func (s *Server) BroadcastTranscodeEvent(id domain.ObjectID, err error) {
	if s.wsHub == nil {
		return
	}
	event := objectEvent{ObjectID: id, OK: err == nil, Error: errText(err)}
	if err == nil && s.hls != nil {
		event.URL = s.hls.URLFor(id)
	}
	s.wsHub.Broadcast("transcode", event)
}

type objectEvent struct {
	ObjectID domain.ObjectID `json:"objectId"`
	OK       bool            `json:"ok"`
	URL      string          `json:"url,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	return slices.ContainsFunc(allowed, func(a string) bool {
		return strings.EqualFold(a, origin)
	})
}
