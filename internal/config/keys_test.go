package config

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/testutil"
)

func TestGenerateKeyPair(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	privPath := filepath.Join(dir, "keys", "id_ed25519")
	require.NoError(t, GenerateKeyPair(privPath))

	_, err := os.Stat(privPath + ".pub")
	assert.NoError(t, err, "public key should exist")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(privPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "private key should have 0600 permissions")
	}

	priv, err := LoadED25519PrivateKey(privPath)
	require.NoError(t, err)
	assert.Len(t, priv, ed25519.PrivateKeySize)
}

func TestEnsureNodeKeyIsStable(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "id_ed25519")

	first, err := EnsureNodeKey(path)
	require.NoError(t, err)
	second, err := EnsureNodeKey(path)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, identity.FromPublicKey(first.Private.Public().(ed25519.PublicKey)), first.ID)

	fp, err := first.Fingerprint()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fp, "SHA256:"))

	k1, err := first.StorageKey()
	require.NoError(t, err)
	k2, err := second.StorageKey()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestLoadED25519PrivateKey_NotPEM(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "bad", "not a key")
	_, err := LoadED25519PrivateKey(path)
	assert.Error(t, err)

	_, err = EnsureNodeKey(path)
	assert.Error(t, err)
}
