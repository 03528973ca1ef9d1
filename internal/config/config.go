// ABOUTME: Configuration loading and parsing for coven-matrix-store
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-matrix-store configuration
type Config struct {
	Storage Storage       `yaml:"storage"`
	Matrix  MatrixConfig  `yaml:"matrix"`
	Logging LoggingConfig `yaml:"logging"`
}

// Storage holds the database paths and engine tuning
type Storage struct {
	// StatePath is the SQLite file for the room state store
	StatePath string `yaml:"state_path"`
	// CryptoPath is the SQLite file for the E2EE crypto store.
	// Kept separate from state so crypto material can be backed up
	// and wiped independently.
	CryptoPath string `yaml:"crypto_path"`

	BusyTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	BusyTimeoutRaw string `yaml:"busy_timeout"`
}

// MatrixConfig identifies the account the stores belong to
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	DeviceID    string `yaml:"device_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Storage.StatePath == "" {
		return fmt.Errorf("storage.state_path is required")
	}
	if c.Storage.CryptoPath == "" {
		return fmt.Errorf("storage.crypto_path is required")
	}
	if c.Storage.StatePath == c.Storage.CryptoPath {
		return fmt.Errorf("storage.state_path and storage.crypto_path must differ")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Storage.BusyTimeoutRaw != "" {
		cfg.Storage.BusyTimeout, err = time.ParseDuration(cfg.Storage.BusyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing busy_timeout %q: %w", cfg.Storage.BusyTimeoutRaw, err)
		}
	}

	return nil
}
