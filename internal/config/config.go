// Package config validates and loads environment configuration for the relay.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	Port string

	DataDir   string
	UploadDir string

	GoEnv    string
	LogLevel string

	MaxMemoryMB  int
	WarningMB    int
	MaxTransfers int

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	AllowedOrigins string

	RateLimitAPIGlobal string
	RateLimitUpload    string
	RateLimitWsIP      string
}

// ValidateEnv validates all required environment variables and returns a Config object.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "80")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.DataDir = getEnvOrDefault("DATA_DIR", "data")
	cfg.UploadDir = getEnvOrDefault("UPLOAD_DIR", "uploads")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.MaxMemoryMB = getEnvIntOrDefault("MAX_MEMORY_MB", 500)
	cfg.WarningMB = getEnvIntOrDefault("MEMORY_WARNING_MB", 400)
	cfg.MaxTransfers = getEnvIntOrDefault("MAX_CONCURRENT_TRANSFERS", 5)

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitUpload = getEnvOrDefault("RATE_LIMIT_UPLOAD", "20-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"upload_dir", cfg.UploadDir,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"max_memory_mb", cfg.MaxMemoryMB,
		"max_transfers", cfg.MaxTransfers,
		"redis_enabled", cfg.RedisEnabled,
	)
}

func getEnvOrDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
