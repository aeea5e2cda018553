package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the HTTP server configuration.
type Config struct {
	// ListenAddr is the address to listen on, e.g. ":8735".
	ListenAddr string
	// DBPath is the path to the server SQLite database.
	DBPath string
	// APIKeys lists accepted bearer tokens. Empty disables auth, which
	// is only sensible for local development.
	APIKeys []string
	// MaxBodyBytes limits request body size. Zero means 1 MiB.
	MaxBodyBytes int64
	// LogLevel is debug, info, warn, or error.
	LogLevel string
	// LogFormat is json or text.
	LogFormat string
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// LoadConfig reads the server configuration from OPSYNC_SERVER_* env
// variables, falling back to defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8735",
		DBPath:          "opsync-server.db",
		MaxBodyBytes:    1 << 20,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 10 * time.Second,
	}

	if v := os.Getenv("OPSYNC_SERVER_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("OPSYNC_SERVER_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPSYNC_SERVER_API_KEYS"); v != "" {
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.APIKeys = append(cfg.APIKeys, key)
			}
		}
	}
	if v := os.Getenv("OPSYNC_SERVER_MAX_BODY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("OPSYNC_SERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPSYNC_SERVER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("OPSYNC_SERVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}

	return cfg
}
