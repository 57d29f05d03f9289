// Package config handles configuration loading and validation for vaultmesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
)

// Duration is a time.Duration written as a Go duration string in YAML ("5s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PeerConfig is a statically configured vault.
type PeerConfig struct {
	ID      string `yaml:"id,omitempty"` // hex identity; learned from the peer when empty
	Address string `yaml:"address"`
}

// StorageConfig controls the local chunk store.
type StorageConfig struct {
	Capacity     bytesize.Size `yaml:"capacity"`
	CacheEntries int           `yaml:"cache_entries"`
	Encrypt      bool          `yaml:"encrypt"`
}

// AccountsConfig controls client quotas.
type AccountsConfig struct {
	DefaultQuota   bytesize.Size `yaml:"default_quota"`
	MaxQuota       bytesize.Size `yaml:"max_quota"` // largest quota a client may request
	RequireAccount bool          `yaml:"require_account"`
}

// ReplicationConfig controls chunk placement.
type ReplicationConfig struct {
	ReplicaCount   int `yaml:"replica_count"`
	CloseGroupSize int `yaml:"close_group_size"`
	RetryBudget    int `yaml:"retry_budget"`
}

// TimeoutsConfig bounds cross-node operations.
type TimeoutsConfig struct {
	Hop    Duration `yaml:"hop"`
	Client Duration `yaml:"client"`
}

// TransferConfig controls account transfer on churn.
type TransferConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	Backoff    Duration `yaml:"backoff"`
}

// MessagingConfig controls MpidManager redelivery.
type MessagingConfig struct {
	RedeliverInterval Duration `yaml:"redeliver_interval"`
}

// VersionsConfig controls VersionHandler history.
type VersionsConfig struct {
	MaxHistory int `yaml:"max_history"`
}

// RateLimitConfig throttles inbound overlay messages.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	// Trace keeps a runtime flight recording served at /debug/trace on the
	// metrics listener.
	Trace bool `yaml:"trace"`
}

// LokiConfig ships logs to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval Duration          `yaml:"flush_interval"`
}

// GatewayConfig controls the client HTTP API.
type GatewayConfig struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Config is the vault node configuration.
type Config struct {
	Name        string            `yaml:"name"`
	DataDir     string            `yaml:"data_dir"`
	PrivateKey  string            `yaml:"private_key"`
	Listen      string            `yaml:"listen"`
	Peers       []PeerConfig      `yaml:"peers"`
	LogLevel    string            `yaml:"log_level"`
	Storage     StorageConfig     `yaml:"storage"`
	Accounts    AccountsConfig    `yaml:"accounts"`
	Replication ReplicationConfig `yaml:"replication"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Transfer    TransferConfig    `yaml:"transfer"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Versions    VersionsConfig    `yaml:"versions"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Loki        LokiConfig        `yaml:"loki"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Accounts: AccountsConfig{RequireAccount: true}}
	cfg.applyDefaults()
	return cfg
}

// Load loads a vault configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{Accounts: AccountsConfig{RequireAccount: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		} else {
			c.Name = "vault"
		}
	}
	if c.DataDir == "" {
		c.DataDir = "~/.vaultmesh"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.PrivateKey == "" {
		c.PrivateKey = filepath.Join(c.DataDir, "id_ed25519")
	}
	c.PrivateKey = expandHome(c.PrivateKey)
	if c.Listen == "" {
		c.Listen = ":7400"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Storage.Capacity == 0 {
		c.Storage.Capacity = bytesize.Size(10 * bytesize.GB)
	}
	if c.Storage.CacheEntries == 0 {
		c.Storage.CacheEntries = 256
	}
	if c.Accounts.DefaultQuota == 0 {
		c.Accounts.DefaultQuota = bytesize.Size(bytesize.GB)
	}
	if c.Accounts.MaxQuota == 0 {
		c.Accounts.MaxQuota = c.Accounts.DefaultQuota
	}

	if c.Replication.ReplicaCount == 0 {
		c.Replication.ReplicaCount = 3
	}
	if c.Replication.CloseGroupSize == 0 {
		c.Replication.CloseGroupSize = 8
	}
	if c.Replication.RetryBudget == 0 {
		c.Replication.RetryBudget = 2
	}

	if c.Timeouts.Hop == 0 {
		c.Timeouts.Hop = Duration(5 * time.Second)
	}
	if c.Timeouts.Client == 0 {
		c.Timeouts.Client = Duration(60 * time.Second)
	}
	if c.Transfer.MaxRetries == 0 {
		c.Transfer.MaxRetries = 5
	}
	if c.Transfer.Backoff == 0 {
		c.Transfer.Backoff = Duration(500 * time.Millisecond)
	}
	if c.Messaging.RedeliverInterval == 0 {
		c.Messaging.RedeliverInterval = Duration(30 * time.Second)
	}
	if c.Versions.MaxHistory == 0 {
		c.Versions.MaxHistory = 32
	}
	if c.RateLimit.MessagesPerSecond == 0 {
		c.RateLimit.MessagesPerSecond = 5000
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 500
	}
	if c.Loki.BatchSize == 0 {
		c.Loki.BatchSize = 100
	}
	if c.Loki.FlushInterval == 0 {
		c.Loki.FlushInterval = Duration(5 * time.Second)
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Replication.ReplicaCount < 1 {
		return fmt.Errorf("replication.replica_count must be at least 1")
	}
	if c.Replication.CloseGroupSize <= c.Replication.ReplicaCount {
		return fmt.Errorf("replication.close_group_size (%d) must exceed replica_count (%d)",
			c.Replication.CloseGroupSize, c.Replication.ReplicaCount)
	}
	if c.Replication.RetryBudget < 0 {
		return fmt.Errorf("replication.retry_budget must not be negative")
	}
	if c.Storage.Capacity.Bytes() < 0 || c.Accounts.DefaultQuota.Bytes() < 0 || c.Accounts.MaxQuota.Bytes() < 0 {
		return fmt.Errorf("sizes must not be negative")
	}
	if c.Accounts.MaxQuota != 0 && c.Accounts.MaxQuota < c.Accounts.DefaultQuota {
		return fmt.Errorf("accounts.max_quota must not be below accounts.default_quota")
	}
	if c.Timeouts.Client.Std() <= c.Timeouts.Hop.Std() {
		return fmt.Errorf("timeouts.client must exceed timeouts.hop")
	}
	if c.Gateway.Listen != "" && len(c.Gateway.JWTSecret) < 16 {
		return fmt.Errorf("gateway.jwt_secret must be at least 16 bytes when the gateway is enabled")
	}
	if c.Loki.URL != "" && !strings.HasPrefix(c.Loki.URL, "http://") && !strings.HasPrefix(c.Loki.URL, "https://") {
		return fmt.Errorf("loki.url must be an http(s) URL")
	}
	for i, p := range c.Peers {
		if p.Address == "" {
			return fmt.Errorf("peers[%d].address is required", i)
		}
		if p.ID != "" {
			if _, err := identity.Parse(p.ID); err != nil {
				return fmt.Errorf("peers[%d].id: %w", i, err)
			}
		}
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
