// package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// storage
	DatabasePath string
	BackupDir    string

	// nats
	NatsURL string

	// collection
	CredentialsFile string
	CollectTZ       string
	ChatConcurrency int

	// server
	HTTPPort int

	// logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:    getEnv("DATABASE_PATH", "./data/audience.db"),
		BackupDir:       getEnv("BACKUP_DIR", "./data/backups"),
		NatsURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		CredentialsFile: getEnv("CREDENTIALS_FILE", "./credentials.yaml"),
		CollectTZ:       getEnv("COLLECT_TZ", "UTC"),
		ChatConcurrency: getEnvInt("CHAT_CONCURRENCY", 3),
		HTTPPort:        getEnvInt("HTTP_PORT", 3200),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFile:         getEnv("LOG_FILE", "./logs/app.log"),
	}

	if cfg.ChatConcurrency < 1 {
		cfg.ChatConcurrency = 1
	}

	return cfg, nil
}

// Location resolves the configured collection timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.CollectTZ)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", c.CollectTZ, err)
	}
	return loc, nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
