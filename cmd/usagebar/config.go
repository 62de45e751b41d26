package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rmax-ai/usagebar/pkg/cache"
)

const (
	defaultAddr     = ":9184"
	defaultInterval = 60 * time.Second
)

// Config is the shared environment-derived configuration. Subcommand
// flags override individual fields after it is loaded.
type Config struct {
	CacheDir string
	TTL      time.Duration
	DBPath   string
	Addr     string
	Interval time.Duration
}

func LoadConfig() (Config, error) {
	cacheDir := os.Getenv("USAGEBAR_CACHE_DIR")
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve user cache dir: %w", err)
		}
		cacheDir = filepath.Join(base, "usagebar")
	}

	ttl := cache.DefaultTTL
	if raw := os.Getenv("USAGEBAR_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid USAGEBAR_TTL: %w", err)
		}
		ttl = parsed
	}

	dbPath := envOrDefault("USAGEBAR_DB_PATH", filepath.Join(cacheDir, "history.db"))
	addr := envOrDefault("USAGEBAR_ADDR", defaultAddr)

	interval := defaultInterval
	if raw := os.Getenv("USAGEBAR_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid USAGEBAR_INTERVAL: %w", err)
		}
		interval = parsed
	}

	config := Config{
		CacheDir: cacheDir,
		TTL:      ttl,
		DBPath:   dbPath,
		Addr:     strings.TrimSpace(addr),
		Interval: interval,
	}

	if config.Addr == "" {
		return Config{}, fmt.Errorf("listen address cannot be empty")
	}
	if config.TTL <= 0 {
		return Config{}, fmt.Errorf("cache TTL must be positive, got %s", config.TTL)
	}
	if config.Interval <= 0 {
		return Config{}, fmt.Errorf("poll interval must be positive, got %s", config.Interval)
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
