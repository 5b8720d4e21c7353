package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/pelletier/go-toml/v2"
)

// StoredConfig is the persisted client configuration. Explicit options and
// environment variables take precedence over it.
type StoredConfig struct {
	Endpoint string `toml:"endpoint,omitempty"`
	Token    string `toml:"token,omitempty"`
	CacheDir string `toml:"cache_dir,omitempty"`
}

// DefaultConfigPath returns the location of the stored configuration file.
func DefaultConfigPath() string {
	if dir := os.Getenv("HUB_CONFIG"); dir != "" {
		return dir
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "modelhub", "config.toml")
	}
	return filepath.Join(configDir, "modelhub", "config.toml")
}

// LoadStoredConfig reads the configuration file. A missing file is not an
// error, it simply yields an empty configuration.
func LoadStoredConfig(path string) (StoredConfig, error) {
	var cfg StoredConfig
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// WriteStoredConfig persists the configuration, creating parent directories
// as needed. The file is written with restrictive permissions since it may
// hold a token.
func WriteStoredConfig(ctx context.Context, path string, cfg StoredConfig) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %q: %w", filepath.Dir(path), err)
	}

	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("could not encode configuration: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("could not write config file %s: %w", path, err)
	}

	log := logr.FromContextOrDiscard(ctx)
	log.Info("hub configuration written", "path", path)
	return nil
}

// WithStoredConfig applies a stored configuration as client defaults.
func WithStoredConfig(stored StoredConfig) Option {
	return func(cfg *Config) {
		if stored.Endpoint != "" && cfg.Endpoint == DefaultEndpoint {
			cfg.Endpoint = stored.Endpoint
		}
		if stored.Token != "" && cfg.Token == "" {
			cfg.Token = stored.Token
		}
		if stored.CacheDir != "" && cfg.CacheDir == DefaultCacheDir() {
			cfg.CacheDir = stored.CacheDir
		}
	}
}
