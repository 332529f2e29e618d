// Package config loads application configuration from environment variables.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application level configuration loaded from environment
// variables.
type Config struct {
	Port        string
	DatabaseURL string // PostgreSQL DSN; empty selects SQLite
	SQLitePath  string // SQLite file; empty with no DATABASE_URL selects memory
	RedisURL    string // enables the quote cache when set
	QuoteAPIURL string // enables portfolio pricing when set
	QuoteToken  string
	QuoteTTL    time.Duration
	Environment string
}

// Load reads configuration from environment variables. A .env file is loaded
// if present to simplify local development; we also look next to the built
// binary so deployments can ship one alongside it.
func Load() Config {
	loadDotEnv()

	return Config{
		Port:        getString("PORT", "8080"),
		DatabaseURL: getString("DATABASE_URL", ""),
		SQLitePath:  getString("SQLITE_PATH", "data/irbolsa.db"),
		RedisURL:    getString("REDIS_URL", ""),
		QuoteAPIURL: getString("QUOTE_API_URL", ""),
		QuoteToken:  getString("QUOTE_API_TOKEN", ""),
		QuoteTTL:    getDurationMinutes("QUOTE_TTL_MINUTES", 15),
		Environment: getString("ENVIRONMENT", "local"),
	}
}

func loadDotEnv() {
	candidates := []string{".env"}

	if exePath, err := os.Executable(); err == nil {
		candidates = append([]string{filepath.Join(filepath.Dir(exePath), ".env")}, candidates...)
	}

	for _, path := range candidates {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDurationMinutes(key string, fallback int) time.Duration {
	if val := os.Getenv(key); val != "" {
		mins, err := strconv.Atoi(val)
		if err != nil {
			slog.Warn("invalid config value, using fallback", "key", key, "err", err)
			return time.Duration(fallback) * time.Minute
		}
		return time.Duration(mins) * time.Minute
	}
	return time.Duration(fallback) * time.Minute
}
