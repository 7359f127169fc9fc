/*
config.go - Server configuration

PURPOSE:
  Loads the server configuration from an optional YAML file with sane
  defaults for local development. Command-line flags in cmd/server
  override the file.

EXAMPLE:
  listen: ":8080"
  databasePath: "loyalty.db"
  readTimeout: 15s
  earnLotsEnabled: true
  ledgerEnabled: true
  maturation:
    enabled: true
    interval: 1m
    batchSize: 100
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaturationConfig controls the background earn lot sweep.
type MaturationConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
}

type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabasePath  string        `yaml:"databasePath"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`

	// EarnLotsEnabled gates FIFO lot tracking; LedgerEnabled gates the
	// double-entry mirror.
	EarnLotsEnabled bool `yaml:"earnLotsEnabled"`
	LedgerEnabled   bool `yaml:"ledgerEnabled"`

	Maturation MaturationConfig `yaml:"maturation"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddress:   ":8080",
		DatabasePath:    "loyalty.db",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		EarnLotsEnabled: true,
		LedgerEnabled:   true,
		Maturation: MaturationConfig{
			Enabled:   true,
			Interval:  1 * time.Minute,
			BatchSize: 100,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.DatabasePath == "" {
		return fmt.Errorf("databasePath is required")
	}
	if cfg.Maturation.Enabled && cfg.Maturation.Interval <= 0 {
		return fmt.Errorf("maturation.interval must be positive")
	}
	if cfg.Maturation.BatchSize < 0 {
		return fmt.Errorf("maturation.batchSize must be non-negative")
	}
	return nil
}
