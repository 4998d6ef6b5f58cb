package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "mediastream/internal/api/http"
	"mediastream/internal/app"
	"mediastream/internal/domain/ports"
	"mediastream/internal/metrics"
	mongorepo "mediastream/internal/repository/mongo"
	"mediastream/internal/services/backend/telegram"
	"mediastream/internal/services/cache"
	"mediastream/internal/services/fetch"
	"mediastream/internal/services/hls"
	"mediastream/internal/telemetry"
	"mediastream/internal/usecase"
)

func main() {
	cfg := app.LoadConfig()

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracing, err := telemetry.Init(context.Background(), "mediastream")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				logger.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	logger.Info("starting server",
		"addr", cfg.HTTPAddr,
		"db", cfg.MongoDatabase,
		"collection", cfg.MongoCollection,
		"cacheEnabled", cfg.CacheEnabled,
		"cacheDir", cfg.CacheDir,
		"streamWorkers", cfg.StreamWorkers,
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoClient, err := mongorepo.Connect(connectCtx, cfg.MongoURI,
		options.Client().SetMonitor(otelmongo.NewMonitor()))
	if err != nil {
		logger.Error("mongo connect failed", "error", err)
		os.Exit(1)
	}
	if err := mongoClient.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", "error", err)
		os.Exit(1)
	}

	repo := mongorepo.NewRepository(mongoClient, cfg.MongoDatabase, cfg.MongoCollection)
	progressRepo := mongorepo.NewProgressRepository(mongoClient, cfg.MongoDatabase)
	settingsRepo := mongorepo.NewCacheSettingsRepository(mongoClient, cfg.MongoDatabase)

	if err := repo.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("object indexes", "error", err)
	}
	if err := progressRepo.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("progress indexes", "error", err)
	}

	if settings, ok, err := settingsRepo.GetCacheSettings(connectCtx); err != nil {
		logger.Warn("cache settings load failed", "error", err)
	} else if ok {
		cfg.ApplyCacheSettings(settings)
		logger.Info("cache settings applied from database",
			"enabled", cfg.CacheEnabled, "maxBytes", cfg.CacheMaxBytes)
	} else {
		seed := app.CacheSettings{Enabled: cfg.CacheEnabled, MaxBytes: cfg.CacheMaxBytes}
		if err := settingsRepo.SetCacheSettings(connectCtx, seed); err != nil {
			logger.Warn("cache settings seed failed", "error", err)
		}
	}

	members := telegram.NewClients(cfg.BotPoolTokens, cfg.TelegramAPIBase)
	var fallbacks []ports.FetchClient
	if cfg.BotToken != "" {
		fallbacks = append(fallbacks, telegram.NewClient(cfg.BotToken, cfg.TelegramAPIBase))
	}
	if len(members) == 0 && len(fallbacks) == 0 {
		logger.Error("no bot tokens configured")
		os.Exit(1)
	}
	pool := fetch.NewPool(members, fallbacks, logger)

	engine := fetch.NewEngine(cfg.StreamStripeBytes, logger)

	store := cache.NewStore(cache.Options{
		Root:            cfg.CacheDir,
		MaxBytes:        cfg.CacheMaxBytes,
		ChunkBytes:      cfg.DownloadStripeBytes,
		MaxWorkers:      cfg.DownloadWorkers,
		ParallelAllowed: cfg.CacheParallelChunks,
		Enabled:         cfg.CacheEnabled,
	}, pool, logger)
	if err := store.Init(); err != nil {
		logger.Error("cache init failed", "dir", cfg.CacheDir, "error", err)
		os.Exit(1)
	}

	manager := hls.NewManager(hls.Config{
		FFMPEGPath:     cfg.FFMPEGPath,
		FFProbePath:    cfg.FFProbePath,
		SegmentSeconds: cfg.HLSSegmentSeconds,
	}, store, logger)
	if !manager.Available() {
		logger.Warn("ffmpeg not found, transcoding disabled", "path", cfg.FFMPEGPath)
	}

	stream := &usecase.StreamObject{
		Repo:         repo,
		Pool:         pool,
		Engine:       engine,
		Cache:        store,
		Workers:      cfg.StreamWorkers,
		Logger:       logger,
		FallbackChat: cfg.StorageChatID,
	}

	handler := apihttp.NewServer(stream,
		apihttp.WithCatalog(repo),
		apihttp.WithProgress(progressRepo),
		apihttp.WithTranscode(manager),
		apihttp.WithCache(store),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithLogger(logger),
	)
	store.OnWarmDone = handler.BroadcastCacheEvent
	manager.OnJobDone = handler.BroadcastTranscodeEvent

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // streams run for hours
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	manager.Close()
	store.Close()
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		logger.Warn("mongo disconnect", "error", err)
	}

	logger.Info("server stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(formatRaw, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
