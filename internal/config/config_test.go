package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
	"github.com/vaultmesh/vaultmesh/testutil"
)

func TestLoadConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: vault-1
data_dir: /var/lib/vaultmesh
listen: ":7401"
peers:
  - address: 10.0.0.2:7400
  - id: 0000000000000000000000000000000000000000000000000000000000000001
    address: 10.0.0.3:7400
storage:
  capacity: 50GB
  encrypt: true
accounts:
  default_quota: 2GB
  require_account: false
replication:
  replica_count: 4
  close_group_size: 10
timeouts:
  hop: 2s
  client: 30s
transfer:
  backoff: 250ms
gateway:
  listen: ":7480"
  jwt_secret: "0123456789abcdef0123"
`
	path := testutil.TempFile(t, dir, "vault.yaml", content)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "vault-1", cfg.Name)
	assert.Equal(t, ":7401", cfg.Listen)
	assert.Len(t, cfg.Peers, 2)
	assert.Equal(t, 50*bytesize.GB, cfg.Storage.Capacity.Bytes())
	assert.True(t, cfg.Storage.Encrypt)
	assert.Equal(t, 2*bytesize.GB, cfg.Accounts.DefaultQuota.Bytes())
	assert.False(t, cfg.Accounts.RequireAccount)
	assert.Equal(t, 4, cfg.Replication.ReplicaCount)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Hop.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Transfer.Backoff.Std())
	assert.Equal(t, "/var/lib/vaultmesh/id_ed25519", cfg.PrivateKey)
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "vault.yaml", "data_dir: "+dir+"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7400", cfg.Listen)
	assert.Equal(t, 3, cfg.Replication.ReplicaCount)
	assert.Equal(t, 8, cfg.Replication.CloseGroupSize)
	assert.Equal(t, 2, cfg.Replication.RetryBudget)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Hop.Std())
	assert.Equal(t, 5, cfg.Transfer.MaxRetries)
	assert.True(t, cfg.Accounts.RequireAccount)
	assert.Equal(t, bytesize.GB, cfg.Accounts.DefaultQuota.Bytes())
	assert.Equal(t, bytesize.GB, cfg.Accounts.MaxQuota.Bytes(), "max quota follows the default")
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 100, cfg.Loki.BatchSize)
	assert.Empty(t, cfg.Loki.URL)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/vault.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_BadDuration(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "vault.yaml", "timeouts:\n  hop: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen", func(c *Config) { c.Listen = "" }},
		{"group not larger than k", func(c *Config) { c.Replication.CloseGroupSize = c.Replication.ReplicaCount }},
		{"client timeout too short", func(c *Config) { c.Timeouts.Client = c.Timeouts.Hop }},
		{"weak jwt secret", func(c *Config) { c.Gateway.Listen = ":7480"; c.Gateway.JWTSecret = "short" }},
		{"max quota below default", func(c *Config) { c.Accounts.MaxQuota = c.Accounts.DefaultQuota - 1 }},
		{"loki url without scheme", func(c *Config) { c.Loki.URL = "loki:3100" }},
		{"peer without address", func(c *Config) { c.Peers = []PeerConfig{{ID: ""}} }},
		{"bad peer id", func(c *Config) { c.Peers = []PeerConfig{{ID: "xyz", Address: "a:1"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
