package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr        string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	LogLevel        string
	LogFormat       string

	// Backend clients. BotPoolTokens drive the parallel pool; BotToken is
	// the designated fallback client.
	BotToken        string
	BotPoolTokens   []string
	StorageChatID   string
	TelegramAPIBase string

	CacheEnabled        bool
	CacheDir            string
	CacheMaxBytes       int64
	CacheParallelChunks bool

	StreamWorkers        int
	DownloadWorkers      int
	StreamStripeBytes    int64
	DownloadStripeBytes  int64

	FFMPEGPath        string
	FFProbePath       string
	HLSSegmentSeconds int

	CORSAllowedOrigins []string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		MongoURI:        getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   getEnv("MONGO_DB", "mediastream"),
		MongoCollection: getEnv("MONGO_COLLECTION", "objects"),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "text")),

		BotToken:        getEnv("BOT_TOKEN", ""),
		BotPoolTokens:   splitList(getEnv("BOT_POOL_TOKENS", "")),
		StorageChatID:   getEnv("STORAGE_CHAT_ID", ""),
		TelegramAPIBase: getEnv("TELEGRAM_API_BASE", "https://api.telegram.org"),

		CacheEnabled:        getEnvBool("CACHE_ENABLED", true),
		CacheDir:            getEnv("CACHE_DIR", filepath.Join(os.TempDir(), "mediastream-cache")),
		CacheMaxBytes:       int64(getEnvFloat("CACHE_MAX_GB", 20) * float64(1<<30)),
		CacheParallelChunks: getEnvBool("CACHE_PARALLEL_CHUNKS", true),

		StreamWorkers:       clampInt(int(getEnvInt64("DL_WORKERS", 7)), 1, 8),
		DownloadWorkers:     clampInt(int(getEnvInt64("DL_WORKERS_DOWNLOAD", 7)), 1, 8),
		StreamStripeBytes:   clampInt64(getEnvInt64("DL_STRIPE_KB", 512), 64, 32<<10) << 10,
		DownloadStripeBytes: clampInt64(getEnvInt64("DL_STRIPE_KB_DOWNLOAD", 8<<10), 64, 32<<10) << 10,

		FFMPEGPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		HLSSegmentSeconds: int(getEnvInt64("HLS_SEGMENT_SECONDS", 6)),

		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
