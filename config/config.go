package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "authpipe"
	EnvFileName = "config.env"

	defaultRefreshPath    = "/auth/refresh"
	defaultRefreshTimeout = 10 * time.Second
	defaultDBPath         = "credentials.db"
)

// Config holds the pipeline settings, populated from the environment.
type Config struct {
	// APIBaseURL is the remote API the executor calls; the refresh endpoint
	// lives under the same base.
	APIBaseURL string
	// RefreshPath is the identity provider's refresh endpoint.
	RefreshPath string
	// RefreshTimeout bounds the refresh RPC.
	RefreshTimeout time.Duration
	// DBPath is the SQLite credential store location.
	DBPath string
	// TokenKey is the passphrase for at-rest token encryption.
	TokenKey string
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// FromEnv reads the configuration from environment variables, applying
// defaults for the optional values.
func FromEnv() (Config, error) {
	cfg := Config{
		APIBaseURL:     os.Getenv("AUTHPIPE_API_BASE_URL"),
		RefreshPath:    defaultRefreshPath,
		RefreshTimeout: defaultRefreshTimeout,
		DBPath:         defaultDBPath,
		TokenKey:       os.Getenv("AUTHPIPE_TOKEN_KEY"),
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("AUTHPIPE_API_BASE_URL is not set")
	}
	if cfg.TokenKey == "" {
		return Config{}, fmt.Errorf("AUTHPIPE_TOKEN_KEY is not set")
	}

	if v := os.Getenv("AUTHPIPE_REFRESH_PATH"); v != "" {
		cfg.RefreshPath = v
	}
	if v := os.Getenv("AUTHPIPE_REFRESH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("AUTHPIPE_REFRESH_TIMEOUT must be a valid duration: %w", err)
		}
		cfg.RefreshTimeout = d
	}
	if v := os.Getenv("AUTHPIPE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	return cfg, nil
}
