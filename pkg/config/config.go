package config

import (
	"fmt"
	"os"
	"strconv"
)

// Defaults applied when the corresponding environment variable is unset
const (
	DefaultDBPath      = "data/poller.db"
	DefaultLogLevel    = "INFO"
	DefaultPollSeconds = 60
)

// Settings holds process-wide configuration loaded from the environment
type Settings struct {
	DBPath            string
	LogLevel          string
	EncryptionKey     string
	DefaultWebhookURL string
	MetricsAddr       string // empty disables the metrics listener

	// DefaultPollInterval is applied to connections created without one
	DefaultPollInterval int
}

// Load reads settings from the environment. The encryption key is mandatory;
// everything else has a default.
func Load() (*Settings, error) {
	key := os.Getenv("POLLER_ENCRYPTION_KEY")
	if key == "" {
		return nil, fmt.Errorf("POLLER_ENCRYPTION_KEY is required")
	}

	return &Settings{
		DBPath:            envOr("POLLER_DB_PATH", DefaultDBPath),
		LogLevel:          envOr("POLLER_LOG_LEVEL", DefaultLogLevel),
		EncryptionKey:     key,
		DefaultWebhookURL: os.Getenv("POLLER_DEFAULT_WEBHOOK_URL"),
		MetricsAddr:       os.Getenv("POLLER_METRICS_ADDR"),

		DefaultPollInterval: EnvInt("POLLER_DEFAULT_POLL_INTERVAL", DefaultPollSeconds),
	}, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// EnvInt reads an integer environment variable with a fallback
func EnvInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
