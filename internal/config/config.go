package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	defaultListenAddr  = ":8080"
	defaultDBPath      = "kiln.db"
	defaultCacheDir    = "/var/lib/kiln/artifacts"
	defaultCacheMaxAge = 24 * time.Hour
	defaultJanitorSpec = "@every 1h"

	envListenAddr  = "KILN_LISTEN_ADDR"
	envDBPath      = "KILN_DB_PATH"
	envLogLevel    = "KILN_LOG_LEVEL"
	envCacheDir    = "KILN_ARTIFACT_CACHE_DIR"
	envCacheMaxAge = "KILN_ARTIFACT_CACHE_MAX_AGE"
	envJanitorSpec = "KILN_ARTIFACT_JANITOR_SCHEDULE"
)

// Config holds daemon configuration loaded from environment variables.
// Sandbox runtime packages load their own KILN_FC_* style sub-configs.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	ArtifactCache   string
	CacheMaxAge     time.Duration
	JanitorSchedule string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		ArtifactCache:   defaultCacheDir,
		CacheMaxAge:     defaultCacheMaxAge,
		JanitorSchedule: defaultJanitorSpec,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envCacheDir); v != "" {
		cfg.ArtifactCache = v
	}
	if v := os.Getenv(envCacheMaxAge); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CacheMaxAge = d
		}
	}
	if v := os.Getenv(envJanitorSpec); v != "" {
		cfg.JanitorSchedule = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
