// Package config reads HAPO_* settings from the environment. A .env file
// in the working directory, if present, is loaded first by cmd/hapo.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendSQLite = "sqlite"
	BackendLocal  = "local"
)

type Config struct {
	Port         string
	LogLevel     string
	LogFormat    string
	Backend      string
	DBPath       string
	KVPath       string
	CachePath    string
	TokenSecret  []byte
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	PollInterval time.Duration

	PostmarkToken string
	EmailFrom     string

	AuthRateLimit  int
	AuthRateWindow time.Duration
	SecureCookies  bool

	// WSOrigins restricts WebSocket upgrades to these host patterns.
	// Empty accepts any origin.
	WSOrigins []string
}

const minSecretLength = 32

func Load() (*Config, error) {
	cfg := &Config{
		Port:          getenv("HAPO_PORT", "8080"),
		LogLevel:      getenv("HAPO_LOG_LEVEL", "info"),
		LogFormat:     getenv("HAPO_LOG_FORMAT", "text"),
		Backend:       strings.ToLower(getenv("HAPO_BACKEND", BackendSQLite)),
		DBPath:        getenv("HAPO_DB_PATH", "hapo.db"),
		KVPath:        getenv("HAPO_KV_PATH", "hapo.json"),
		CachePath:     os.Getenv("HAPO_CACHE_PATH"),
		TokenSecret:   []byte(os.Getenv("HAPO_TOKEN_SECRET")),
		PostmarkToken: os.Getenv("HAPO_POSTMARK_TOKEN"),
		EmailFrom:     getenv("HAPO_EMAIL_FROM", "noreply@hapo.app"),
		WSOrigins:     list("HAPO_WS_ORIGINS"),
	}

	var errs []error
	var err error
	if cfg.AccessTTL, err = duration("HAPO_ACCESS_TTL", 24*time.Hour); err != nil {
		errs = append(errs, err)
	}
	if cfg.RefreshTTL, err = duration("HAPO_REFRESH_TTL", 30*24*time.Hour); err != nil {
		errs = append(errs, err)
	}
	if cfg.PollInterval, err = duration("HAPO_POLL_INTERVAL", 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.AuthRateWindow, err = duration("HAPO_AUTH_RATE_WINDOW", time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.AuthRateLimit, err = integer("HAPO_AUTH_RATE_LIMIT", 10); err != nil {
		errs = append(errs, err)
	}
	if cfg.SecureCookies, err = boolean("HAPO_SECURE_COOKIES", false); err != nil {
		errs = append(errs, err)
	}

	if len(cfg.TokenSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("HAPO_TOKEN_SECRET must be at least %d bytes", minSecretLength))
	}
	if cfg.Backend != BackendSQLite && cfg.Backend != BackendLocal {
		errs = append(errs, fmt.Errorf("HAPO_BACKEND must be %q or %q, got %q", BackendSQLite, BackendLocal, cfg.Backend))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// EmailConfigured reports whether verification codes go out via Postmark.
func (c *Config) EmailConfigured() bool {
	return c.PostmarkToken != ""
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func integer(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: invalid positive integer %q", key, v)
	}
	return n, nil
}

func boolean(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func list(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
