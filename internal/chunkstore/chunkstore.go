// Package chunkstore is the on-disk content-addressed store backing a
// vault's PmidNode. Every chunk is addressed by the sha256 of its plaintext.
//
// Storage format: plaintext -> zstd -> optional XChaCha20-Poly1305 (convergent)
// -> one file per chunk under a two-level fan-out directory.
package chunkstore

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/vaultmesh/vaultmesh/internal/identity"
)

var (
	// ErrNotFound is returned when the chunk is not stored here.
	ErrNotFound = errors.New("chunk not found")
	// ErrHashMismatch is returned when bytes do not hash to the claimed id,
	// either on put or because the stored copy is corrupt.
	ErrHashMismatch = errors.New("chunk hash mismatch")
)

const (
	formatZstd      byte = 1
	formatEncrypted byte = 2
)

// Options configures a Store.
type Options struct {
	// MasterKey enables convergent at-rest encryption when non-nil.
	MasterKey *[32]byte
	// CacheEntries is the number of decoded chunks kept in memory. Zero disables the cache.
	CacheEntries int
}

// Stats summarizes what the store holds.
type Stats struct {
	Chunks int   `json:"chunks"`
	Bytes  int64 `json:"bytes"`
}

// Store is a content-addressed chunk store.
type Store struct {
	dir       string
	masterKey *[32]byte
	cache     *lru.Cache[identity.ID, []byte]

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Open creates the chunk directory if needed and returns a Store over it.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chunks directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		masterKey: opts.MasterKey,
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil)
				return dec
			},
		},
	}

	if opts.CacheEntries > 0 {
		cache, err := lru.New[identity.ID, []byte](opts.CacheEntries)
		if err != nil {
			return nil, fmt.Errorf("create chunk cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

// Put stores data under id after verifying that data hashes to id.
// Storing an already present chunk is a no-op.
func (s *Store) Put(ctx context.Context, id identity.ID, data []byte) error {
	if !id.Verify(data) {
		return fmt.Errorf("%w: claimed %s", ErrHashMismatch, id.Short())
	}
	path := s.path(id)
	if fileExists(path) {
		return nil
	}

	encoded, err := s.encode(id, data)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create chunk subdirectory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename chunk: %w", err)
	}
	return nil
}

// Get returns the plaintext of id. A stored copy that no longer hashes to id
// yields ErrHashMismatch.
func (s *Store) Get(ctx context.Context, id identity.ID) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(id); ok {
			return data, nil
		}
	}

	raw, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}

	data, err := s.decode(id, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHashMismatch, id.Short(), err)
	}
	if !id.Verify(data) {
		return nil, fmt.Errorf("%w: %s is corrupt on disk", ErrHashMismatch, id.Short())
	}

	if s.cache != nil {
		s.cache.Add(id, data)
	}
	return data, nil
}

// Has reports whether id is stored.
func (s *Store) Has(id identity.ID) bool {
	return fileExists(s.path(id))
}

// Delete removes id. Removing a missing chunk is not an error.
func (s *Store) Delete(ctx context.Context, id identity.ID) error {
	if s.cache != nil {
		s.cache.Remove(id)
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete chunk: %w", err)
	}
	return nil
}

// List returns the ids of every stored chunk.
func (s *Store) List(ctx context.Context) ([]identity.ID, error) {
	var ids []identity.ID
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		id, perr := identity.Parse(info.Name())
		if perr != nil {
			return nil
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// Stats returns the number of chunks and their on-disk size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		st.Chunks++
		st.Bytes += info.Size()
		return nil
	})
	return st, err
}

// EffectiveCapacity returns the bytes this store can offer: the configured
// limit, or what is already stored plus the volume's free space when that is
// smaller. If the volume cannot be inspected the configured limit is returned.
func (s *Store) EffectiveCapacity(ctx context.Context, configured int64) int64 {
	_, _, available, err := VolumeStats(s.dir)
	if err != nil {
		return configured
	}
	st, err := s.Stats(ctx)
	if err != nil {
		return configured
	}
	if onVolume := st.Bytes + available; onVolume < configured {
		return onVolume
	}
	return configured
}

func (s *Store) path(id identity.ID) string {
	hex := id.String()
	return filepath.Join(s.dir, hex[:2], hex)
}

func (s *Store) encode(id identity.ID, data []byte) ([]byte, error) {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	compressed := enc.EncodeAll(data, nil)
	s.encoderPool.Put(enc)

	if s.masterKey == nil {
		return append([]byte{formatZstd}, compressed...), nil
	}

	aead, nonce, err := s.aead(id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1, 1+len(compressed)+aead.Overhead())
	out[0] = formatEncrypted
	return aead.Seal(out, nonce, compressed, id[:]), nil
}

func (s *Store) decode(id identity.ID, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty chunk file")
	}
	body := raw[1:]
	switch raw[0] {
	case formatZstd:
	case formatEncrypted:
		if s.masterKey == nil {
			return nil, errors.New("chunk is encrypted but no key configured")
		}
		aead, nonce, err := s.aead(id)
		if err != nil {
			return nil, err
		}
		body, err = aead.Open(nil, nonce, body, id[:])
		if err != nil {
			return nil, fmt.Errorf("decrypt: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown chunk format %d", raw[0])
	}

	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	data, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return data, nil
}

// aead derives a per-chunk key and nonce from the master key and the
// content address. Identical plaintext always encrypts to identical bytes.
func (s *Store) aead(id identity.ID) (cipher.AEAD, []byte, error) {
	material := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSizeX)
	r := hkdf.New(sha256.New, s.masterKey[:], id[:], []byte("vaultmesh-chunk"))
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, nil, fmt.Errorf("derive chunk key: %w", err)
	}
	c, err := chacha20poly1305.NewX(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	return c, material[chacha20poly1305.KeySize:], nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
