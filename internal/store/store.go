// Package store persists vault records (ledgers, chunk records, version
// records, mailboxes) as JSON values in a go-datastore keyspace so a node can
// recover the accounting it was responsible for after a restart.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	levelds "github.com/ipfs/go-ds-leveldb"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("record not found")

// Store is a JSON record store over a batching datastore.
type Store struct {
	ds datastore.Batching
}

// Open opens (or creates) a LevelDB-backed store in dir.
func Open(dir string) (*Store, error) {
	ds, err := levelds.NewDatastore(dir, &levelds.Options{
		Compression: ldbopts.NoCompression,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", dir, err)
	}
	return &Store{ds: ds}, nil
}

// NewMemory returns a store backed by a thread-safe in-memory map.
func NewMemory() *Store {
	return &Store{ds: dssync.MutexWrap(datastore.NewMapDatastore())}
}

// New wraps an existing datastore.
func New(ds datastore.Batching) *Store {
	return &Store{ds: ds}
}

// Close releases the underlying datastore.
func (s *Store) Close() error {
	return s.ds.Close()
}

// Sync flushes pending writes to disk.
func (s *Store) Sync(ctx context.Context) error {
	return s.ds.Sync(ctx, datastore.NewKey("/"))
}

// Bucket returns a view of the store scoped to a namespace.
func (s *Store) Bucket(name string) *Bucket {
	return &Bucket{
		name: name,
		ds:   namespace.Wrap(s.ds, datastore.NewKey(name)),
	}
}

// Bucket is a namespaced JSON record collection.
type Bucket struct {
	name string
	ds   datastore.Batching
}

// Put stores v under key.
func (b *Bucket) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", b.name, key, err)
	}
	if err := b.ds.Put(ctx, datastore.NewKey(key), data); err != nil {
		return fmt.Errorf("put %s/%s: %w", b.name, key, err)
	}
	return nil
}

// Get decodes the value under key into v.
func (b *Bucket) Get(ctx context.Context, key string, v any) error {
	data, err := b.ds.Get(ctx, datastore.NewKey(key))
	if errors.Is(err, datastore.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", b.name, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", b.name, key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.ds.Delete(ctx, datastore.NewKey(key)); err != nil && !errors.Is(err, datastore.ErrNotFound) {
		return fmt.Errorf("delete %s/%s: %w", b.name, key, err)
	}
	return nil
}

// Has reports whether key exists.
func (b *Bucket) Has(ctx context.Context, key string) (bool, error) {
	return b.ds.Has(ctx, datastore.NewKey(key))
}

// ForEach calls fn with every key (without the leading slash) and its raw
// JSON value.
func (b *Bucket) ForEach(ctx context.Context, fn func(key string, data []byte) error) error {
	results, err := b.ds.Query(ctx, query.Query{})
	if err != nil {
		return fmt.Errorf("query %s: %w", b.name, err)
	}
	defer func() { _ = results.Close() }()

	entries, err := results.Rest()
	if err != nil {
		return fmt.Errorf("query %s: %w", b.name, err)
	}
	for _, e := range entries {
		if err := fn(strings.TrimPrefix(e.Key, "/"), e.Value); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes pending writes in this bucket to disk.
func (b *Bucket) Sync(ctx context.Context) error {
	return b.ds.Sync(ctx, datastore.NewKey("/"))
}
