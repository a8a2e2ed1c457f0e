// Package config provides the server configuration with hot-reload
// support. A reload produces a new configuration generation; TLS
// materials parsed under the previous generation are inherited by the
// next one when their sources are unchanged.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	// Prefix resolves relative material paths.
	Prefix string `yaml:"prefix"`

	// Inherit controls whether the generation loaded from this
	// configuration lets the next generation reuse its parsed materials
	// after a reload. Defaults to true.
	Inherit *bool `yaml:"inherit"`

	Server          ServerConfig          `yaml:"server"`
	ConnectionCache ConnectionCacheConfig `yaml:"connection_cache"`
	Logging         LoggingConfig         `yaml:"logging"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Vault           VaultConfig           `yaml:"vault"`
}

// ServerConfig describes the TLS listener and its materials.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// Certificate and CertificateKey accept a path, a "data:" inline
	// spec, or (for the key) an "engine:" spec.
	Certificate    string `yaml:"certificate"`
	CertificateKey string `yaml:"certificate_key"`

	// Passphrases is an ordered list of passphrase references tried in
	// turn against an encrypted key ("env://NAME", "vault://path#key",
	// or a literal).
	Passphrases []string `yaml:"passphrases"`

	TrustedCertificate string `yaml:"trusted_certificate"`
	CRL                string `yaml:"crl"`
}

// ConnectionCacheConfig bounds the per-handshake material cache.
type ConnectionCacheConfig struct {
	Max      int           `yaml:"max"`
	Valid    time.Duration `yaml:"valid"`
	Inactive time.Duration `yaml:"inactive"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// VaultConfig enables the Vault passphrase provider.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // "approle" or "cert"
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// InheritEnabled applies the default for the inherit flag.
func (c *Config) InheritEnabled() bool {
	return c.Inherit == nil || *c.Inherit
}

// LoadFromFile reads, parses and validates a configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8443"
	}
	if c.ConnectionCache.Max == 0 {
		c.ConnectionCache.Max = 1000
	}
	if c.ConnectionCache.Valid == 0 {
		c.ConnectionCache.Valid = time.Minute
	}
	if c.ConnectionCache.Inactive == 0 {
		c.ConnectionCache.Inactive = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
}

func (c *Config) validate() error {
	if c.Server.Certificate == "" {
		return fmt.Errorf("server.certificate is required")
	}
	if c.Server.CertificateKey == "" {
		return fmt.Errorf("server.certificate_key is required")
	}
	if c.ConnectionCache.Max < 0 {
		return fmt.Errorf("connection_cache.max must not be negative")
	}
	if c.Vault.Enabled && c.Vault.Address == "" {
		return fmt.Errorf("vault.address is required when vault is enabled")
	}
	return nil
}
