package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ssh"

	"github.com/vaultmesh/vaultmesh/internal/identity"
)

// NodeKey is a vault's long-lived signing key and the identity derived from it.
type NodeKey struct {
	Private ed25519.PrivateKey
	ID      identity.ID
}

// GenerateKeyPair generates a new ED25519 key pair in OpenSSH format.
// The private key is saved to privPath and the public key to privPath.pub.
func GenerateKeyPair(privPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("create SSH public key: %w", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", ssh.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// LoadED25519PrivateKey loads an ED25519 private key from an OpenSSH PEM file.
func LoadED25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if block, _ := pem.Decode(data); block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	key, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := key.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("key is not ED25519 (got %T)", key)
	}
}

// EnsureNodeKey loads the node key at path, generating it first if missing.
func EnsureNodeKey(path string) (*NodeKey, error) {
	priv, err := LoadED25519PrivateKey(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := GenerateKeyPair(path); err != nil {
			return nil, err
		}
		priv, err = LoadED25519PrivateKey(path)
	}
	if err != nil {
		return nil, err
	}
	return &NodeKey{
		Private: priv,
		ID:      identity.FromPublicKey(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// Fingerprint returns the SHA256 fingerprint of the node's SSH public key.
func (k *NodeKey) Fingerprint() (string, error) {
	pub, err := ssh.NewPublicKey(k.Private.Public())
	if err != nil {
		return "", fmt.Errorf("create SSH public key: %w", err)
	}
	hash := sha256.Sum256(pub.Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(hash[:]), nil
}

// StorageKey derives the chunk store's at-rest master key from the node key.
func (k *NodeKey) StorageKey() ([32]byte, error) {
	var key [32]byte
	r := hkdf.New(sha256.New, k.Private.Seed(), k.ID[:], []byte("vaultmesh-storage"))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("derive storage key: %w", err)
	}
	return key, nil
}
