// Package config loads the client configuration stored at
// ~/.config/opsync/config.json, with OPSYNC_* env overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SyncSettings holds sync processor settings.
type SyncSettings struct {
	URL         string `json:"url"`
	Interval    string `json:"interval,omitempty"`     // duration string, default "30s"
	MaxAttempts *int   `json:"max_attempts,omitempty"` // nil = default 5
	Concurrency *int   `json:"concurrency,omitempty"`  // nil = default 4
}

// CacheSettings holds freshness windows per collection.
type CacheSettings struct {
	Freshness  string            `json:"freshness,omitempty"`   // duration string, default "5m"
	HardExpiry string            `json:"hard_expiry,omitempty"` // duration string, default "24h"
	Windows    map[string]string `json:"windows,omitempty"`     // per-collection overrides
}

// Config is the global opsync config stored at ~/.config/opsync/config.json.
type Config struct {
	Sync  SyncSettings  `json:"sync"`
	Cache CacheSettings `json:"cache"`
}

// AuthCredentials stores authentication state at ~/.config/opsync/auth.json.
type AuthCredentials struct {
	APIKey    string `json:"api_key"`
	ServerURL string `json:"server_url"`
	DeviceID  string `json:"device_id"`
}

const defaultServerURL = "http://localhost:8735"

// ConfigDir returns ~/.config/opsync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "opsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// DataDir returns the directory holding the durable queue database.
// Priority: OPSYNC_DATA_DIR env > ~/.local/share/opsync.
func DataDir() (string, error) {
	if v := os.Getenv("OPSYNC_DATA_DIR"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "opsync"), nil
}

// LoadConfig reads the global config from ~/.config/opsync/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/opsync/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads auth credentials from ~/.config/opsync/auth.json.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes auth credentials to ~/.config/opsync/auth.json (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// GetServerURL returns the sync server URL.
// Priority: OPSYNC_URL env > auth.json > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("OPSYNC_URL"); v != "" {
		return v
	}
	if creds, err := LoadAuth(); err == nil && creds != nil && creds.ServerURL != "" {
		return creds.ServerURL
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return defaultServerURL
}

// GetAPIKey returns the API key.
// Priority: OPSYNC_API_KEY env > auth.json.
func GetAPIKey() string {
	if v := os.Getenv("OPSYNC_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// GetDeviceID returns the device ID from auth.json, generating and
// persisting one if needed.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetSyncInterval returns the periodic sync interval.
// Priority: OPSYNC_INTERVAL env > config.json sync.interval > 30s.
func GetSyncInterval() time.Duration {
	if v := os.Getenv("OPSYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Interval != "" {
		if d, err := time.ParseDuration(cfg.Sync.Interval); err == nil {
			return d
		}
	}
	return 30 * time.Second
}

// GetMaxAttempts returns the delivery attempt limit.
// Priority: OPSYNC_MAX_ATTEMPTS env > config.json sync.max_attempts > 5.
func GetMaxAttempts() int {
	if v := os.Getenv("OPSYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.MaxAttempts != nil && *cfg.Sync.MaxAttempts > 0 {
		return *cfg.Sync.MaxAttempts
	}
	return 5
}

// GetConcurrency returns the parallel delivery limit.
// Priority: OPSYNC_CONCURRENCY env > config.json sync.concurrency > 4.
func GetConcurrency() int {
	if v := os.Getenv("OPSYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Concurrency != nil && *cfg.Sync.Concurrency > 0 {
		return *cfg.Sync.Concurrency
	}
	return 4
}

// GetFreshness returns the default cache freshness window.
// Priority: OPSYNC_CACHE_FRESHNESS env > config.json cache.freshness > 5m.
func GetFreshness() time.Duration {
	if v := os.Getenv("OPSYNC_CACHE_FRESHNESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Cache.Freshness != "" {
		if d, err := time.ParseDuration(cfg.Cache.Freshness); err == nil {
			return d
		}
	}
	return 5 * time.Minute
}

// GetHardExpiry returns the cache hard expiry.
// Priority: OPSYNC_CACHE_EXPIRY env > config.json cache.hard_expiry > 24h.
func GetHardExpiry() time.Duration {
	if v := os.Getenv("OPSYNC_CACHE_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Cache.HardExpiry != "" {
		if d, err := time.ParseDuration(cfg.Cache.HardExpiry); err == nil {
			return d
		}
	}
	return 24 * time.Hour
}

// GetFreshnessWindows returns per-collection freshness overrides.
// Env form: OPSYNC_CACHE_WINDOWS="orders=2m,products=1h".
func GetFreshnessWindows() map[string]time.Duration {
	windows := map[string]time.Duration{}
	cfg, err := LoadConfig()
	if err == nil {
		for coll, raw := range cfg.Cache.Windows {
			if d, err := time.ParseDuration(raw); err == nil {
				windows[coll] = d
			}
		}
	}
	if v := os.Getenv("OPSYNC_CACHE_WINDOWS"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			coll, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				continue
			}
			if d, err := time.ParseDuration(raw); err == nil {
				windows[coll] = d
			}
		}
	}
	return windows
}
