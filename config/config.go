// Package config loads the gateway configuration from the environment.
// An optional .env file is read first; variables already set in the
// environment win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the gateway configuration.
type Config struct {
	Addr           string        // NOUS_ADDR
	Origin         string        // NOUS_ORIGIN: where the application is served from
	RemoteBase     string        // NOUS_REMOTE_BASE: document store base URL
	RemoteHealth   string        // NOUS_REMOTE_HEALTH: defaults to RemoteBase
	RemoteToken    string        // NOUS_REMOTE_TOKEN: bearer token for remote writes
	DataDir        string        // NOUS_DATA_DIR
	ManifestPath   string        // NOUS_MANIFEST
	AutoActivate   bool          // NOUS_AUTO_ACTIVATE
	ProbeSchedule  string        // NOUS_PROBE_SCHEDULE
	WriteTimeout   time.Duration // NOUS_WRITE_TIMEOUT
	FetchTimeout   time.Duration // NOUS_FETCH_TIMEOUT
	AdminUser      string        // NOUS_ADMIN_USER
	AdminHash      string        // NOUS_ADMIN_PASSWORD_HASH
	RefreshRate    float64       // NOUS_REFRESH_RATE: background revalidations per second
	AdminRateLimit float64       // NOUS_ADMIN_RATE: admin requests per second per IP
	LogLevel       slog.Level    // NOUS_LOG_LEVEL
	OfflinePage    string        // NOUS_OFFLINE_PAGE: optional HTML file
}

// DBPath is the SQLite file holding cache, queue and journal.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "nous.db") }

// Load reads envFile (if it exists) and then the environment. An empty
// envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: %s: %w", envFile, err)
	}

	c := &Config{
		Addr:          env("NOUS_ADDR", ":8480"),
		Origin:        env("NOUS_ORIGIN", "http://127.0.0.1:8080"),
		RemoteBase:    env("NOUS_REMOTE_BASE", ""),
		RemoteHealth:  env("NOUS_REMOTE_HEALTH", ""),
		RemoteToken:   env("NOUS_REMOTE_TOKEN", ""),
		DataDir:       env("NOUS_DATA_DIR", "data"),
		ManifestPath:  env("NOUS_MANIFEST", ""),
		ProbeSchedule: env("NOUS_PROBE_SCHEDULE", "@every 15s"),
		AdminUser:     env("NOUS_ADMIN_USER", "admin"),
		AdminHash:     env("NOUS_ADMIN_PASSWORD_HASH", ""),
		OfflinePage:   env("NOUS_OFFLINE_PAGE", ""),
	}
	if c.RemoteHealth == "" {
		c.RemoteHealth = c.RemoteBase
	}

	var errs []error
	c.AutoActivate, errs = parse(errs, "NOUS_AUTO_ACTIVATE", "false", strconv.ParseBool)
	c.WriteTimeout, errs = parse(errs, "NOUS_WRITE_TIMEOUT", "10s", time.ParseDuration)
	c.FetchTimeout, errs = parse(errs, "NOUS_FETCH_TIMEOUT", "15s", time.ParseDuration)
	c.RefreshRate, errs = parse(errs, "NOUS_REFRESH_RATE", "10", parseFloat)
	c.AdminRateLimit, errs = parse(errs, "NOUS_ADMIN_RATE", "5", parseFloat)
	c.LogLevel, errs = parse(errs, "NOUS_LOG_LEVEL", "info", parseLevel)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if c.RemoteBase == "" {
		return nil, errors.New("config: NOUS_REMOTE_BASE is required")
	}
	return c, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parse[T any](errs []error, key, def string, fn func(string) (T, error)) (T, []error) {
	v, err := fn(env(key, def))
	if err != nil {
		errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
	}
	return v, errs
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
