// Package config loads blockersync configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/siteworks/blockersync/internal/errors"
)

// DropPolicy names for SyncDropPolicy.
const (
	DropPolicyDiscard = "discard"
	DropPolicyPark    = "park"
)

// Config holds the full runtime configuration.
type Config struct {
	DataDir       string
	RemoteBaseURL string
	ServerPort    string

	// Connectivity
	HealthURL         string
	FallbackProbeURL  string
	HeartbeatInterval time.Duration
	SettleDelay       time.Duration
	RetryFloor        time.Duration
	RetryCap          time.Duration

	// Synchronizer
	SyncMaxRetries  int
	SyncItemTimeout time.Duration
	SyncDropPolicy  string
}

// Load reads configuration from the environment, with a best-effort .env
// load first. Only the remote base URL is mandatory; everything else has a
// default suitable for a single-site deployment.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:           getEnv("BLOCKERSYNC_DATA_DIR", "./data"),
		RemoteBaseURL:     os.Getenv("BLOCKERSYNC_REMOTE_URL"),
		ServerPort:        getEnv("BLOCKERSYNC_PORT", "8090"),
		FallbackProbeURL:  getEnv("BLOCKERSYNC_FALLBACK_PROBE_URL", "https://clients3.google.com/generate_204"),
		HeartbeatInterval: getEnvDuration("BLOCKERSYNC_HEARTBEAT_INTERVAL", 30*time.Second),
		SettleDelay:       getEnvDuration("BLOCKERSYNC_SETTLE_DELAY", 2*time.Second),
		RetryFloor:        getEnvDuration("BLOCKERSYNC_RETRY_FLOOR", 5*time.Second),
		RetryCap:          getEnvDuration("BLOCKERSYNC_RETRY_CAP", 60*time.Second),
		SyncMaxRetries:    getEnvInt("BLOCKERSYNC_MAX_RETRIES", 3),
		SyncItemTimeout:   getEnvDuration("BLOCKERSYNC_ITEM_TIMEOUT", 30*time.Second),
		SyncDropPolicy:    getEnv("BLOCKERSYNC_DROP_POLICY", DropPolicyDiscard),
	}

	if cfg.RemoteBaseURL == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "BLOCKERSYNC_REMOTE_URL is required")
	}
	cfg.HealthURL = getEnv("BLOCKERSYNC_HEALTH_URL", cfg.RemoteBaseURL+"/api/health")

	if cfg.SyncDropPolicy != DropPolicyDiscard && cfg.SyncDropPolicy != DropPolicyPark {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "BLOCKERSYNC_DROP_POLICY must be discard or park")
	}
	if cfg.RetryFloor <= 0 || cfg.RetryCap < cfg.RetryFloor {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "retry floor/cap misconfigured")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
