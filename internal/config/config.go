// config.go - Configuration management for zkpay
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"zkpay/internal/zerocash"
)

// Storage backends.
const (
	BackendFile     = "file"
	BackendLevelDB  = "leveldb"
	BackendPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	// Storage
	DataDir     string `json:"data_dir"`
	Backend     string `json:"backend"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`

	// Protocol settings
	KeyDir          string `json:"key_dir"`
	TreeDepth       int    `json:"tree_depth"`
	SelectionPolicy string `json:"selection_policy"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// Performance
	MaxConcurrentProofs int `json:"max_concurrent_proofs"`

	// Security
	EnableAudit  bool   `json:"enable_audit"`
	AuditLogPath string `json:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:             ".zkpay",
		Backend:             BackendFile,
		KeyDir:              filepath.Join(".zkpay", "keys"),
		TreeDepth:           zerocash.DefaultParams().TreeDepth,
		SelectionPolicy:     "largest-first",
		LogLevel:            "info",
		LogFile:             "",
		MaxConcurrentProofs: 2,
		EnableAudit:         true,
		AuditLogPath:        filepath.Join(".zkpay", "audit.log"),
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	// Try to load from file
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		// Fields missing from the file keep their defaults.
		config := DefaultConfig()
		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}

		return config, nil
	}

	// Create default config and save it
	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	switch c.Backend {
	case BackendFile, BackendLevelDB:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if err := c.Params().Validate(); err != nil {
		return err
	}
	if _, err := zerocash.PolicyByName(c.SelectionPolicy); err != nil {
		return err
	}
	if c.MaxConcurrentProofs <= 0 {
		return fmt.Errorf("max_concurrent_proofs must be positive")
	}
	if c.EnableAudit && c.AuditLogPath == "" {
		return fmt.Errorf("audit_log_path must be set when audit is enabled")
	}
	return nil
}

// Params returns the protocol parameters the configuration selects.
func (c *Config) Params() *zerocash.Params {
	return &zerocash.Params{TreeDepth: c.TreeDepth}
}
