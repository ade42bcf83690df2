// Package kvstore adapts an embedded ordered key-value engine (pebble) for
// the fingerprint store. Keys are namespaced into named column families, a
// store can be opened read-only, and point-in-time snapshots present a
// read-only view independent from later writes.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
)

// familySeparator terminates the family name inside an encoded key. Family
// names must not contain it.
const familySeparator = 0x00

// Sentinel errors returned by the adapter.
var (
	// ErrReadOnly is returned by write operations on a read-only store or snapshot.
	ErrReadOnly = errors.New("kvstore: store is read-only")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kvstore: store is closed")
)

// Options configures Open.
type Options struct {
	// ReadOnly opens the store without write access.
	ReadOnly bool

	// Logger receives adapter diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is an open embedded KV store with named column families.
type Store struct {
	db       *pebble.DB
	dir      string
	readonly bool
	closed   bool
	logger   *slog.Logger

	gcCtx    context.Context
	gcCancel context.CancelFunc
}

// Open opens (creating if absent) the store at dir.
func Open(dir string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := pebble.Open(dir, &pebble.Options{ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("open kv store at %s: %w", dir, err)
	}

	gcCtx, gcCancel := context.WithCancel(context.Background())

	return &Store{
		db:       db,
		dir:      dir,
		readonly: opts.ReadOnly,
		logger:   logger,
		gcCtx:    gcCtx,
		gcCancel: gcCancel,
	}, nil
}

// Dir returns the directory the store was opened at.
func (s *Store) Dir() string {
	return s.dir
}

// ReadOnly reports whether the store was opened without write access.
func (s *Store) ReadOnly() bool {
	return s.readonly
}

// GCToken returns a context that is cancelled when CancelGC is called.
// Background maintenance loops observe it and stop cooperatively.
func (s *Store) GCToken() context.Context {
	return s.gcCtx
}

// CancelGC signals that no garbage collection should be performed from now on.
func (s *Store) CancelGC() {
	s.gcCancel()
}

// encodeKey prefixes key with the family namespace.
func encodeKey(family string, key []byte) []byte {
	out := make([]byte, 0, len(family)+1+len(key))
	out = append(out, family...)
	out = append(out, familySeparator)
	out = append(out, key...)

	return out
}

// familyBounds returns the iterator bounds covering exactly one family.
func familyBounds(family string) (lower, upper []byte) {
	lower = append([]byte(family), familySeparator)
	upper = append([]byte(family), familySeparator+1)

	return lower, upper
}

// get reads a key through any pebble reader.
func get(r pebble.Reader, family string, key []byte) ([]byte, bool, error) {
	raw, closer, err := r.Get(encodeKey(family, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", family, err)
	}

	out := make([]byte, len(raw))
	copy(out, raw)

	if closeErr := closer.Close(); closeErr != nil {
		return nil, false, fmt.Errorf("kv get %s: release value: %w", family, closeErr)
	}

	return out, true, nil
}

// scan visits every key of a family in key order. The callback returns false
// to stop early. Keys and values are only valid for the duration of the call.
func scan(r pebble.Reader, family string, visit func(key, value []byte) bool) error {
	lower, upper := familyBounds(family)

	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("kv scan %s: %w", family, err)
	}

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()[len(lower):]
		if !visit(key, iter.Value()) {
			break
		}
	}

	if closeErr := iter.Close(); closeErr != nil {
		return fmt.Errorf("kv scan %s: close iterator: %w", family, closeErr)
	}

	return nil
}

// Get reads a key from a family. The second result is false when absent.
func (s *Store) Get(family string, key []byte) ([]byte, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}

	return get(s.db, family, key)
}

// Has reports whether a key is present in a family.
func (s *Store) Has(family string, key []byte) (bool, error) {
	_, found, err := s.Get(family, key)

	return found, err
}

// Set writes a key into a family.
func (s *Store) Set(family string, key, value []byte) error {
	if s.closed {
		return ErrClosed
	}

	if s.readonly {
		return ErrReadOnly
	}

	err := s.db.Set(encodeKey(family, key), value, pebble.NoSync)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", family, err)
	}

	return nil
}

// Delete removes a key from a family. Missing keys are not an error.
func (s *Store) Delete(family string, key []byte) error {
	if s.closed {
		return ErrClosed
	}

	if s.readonly {
		return ErrReadOnly
	}

	err := s.db.Delete(encodeKey(family, key), pebble.NoSync)
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", family, err)
	}

	return nil
}

// Scan visits every key of a family in key order.
func (s *Store) Scan(family string, visit func(key, value []byte) bool) error {
	if s.closed {
		return ErrClosed
	}

	return scan(s.db, family, visit)
}

// NewWriteBatch starts an atomic multi-family write batch.
func (s *Store) NewWriteBatch() (*WriteBatch, error) {
	if s.closed {
		return nil, ErrClosed
	}

	if s.readonly {
		return nil, ErrReadOnly
	}

	return &WriteBatch{batch: s.db.NewBatch()}, nil
}

// NewSnapshot creates a read-only view consistent as of the call moment.
// The snapshot must be closed independently of the store.
func (s *Store) NewSnapshot() (*Snapshot, error) {
	if s.closed {
		return nil, ErrClosed
	}

	return &Snapshot{snap: s.db.NewSnapshot()}, nil
}

// Close flushes and closes the store. The GC token is cancelled first so any
// in-flight maintenance loop stops before the engine shuts down.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true
	s.gcCancel()

	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("close kv store: %w", err)
	}

	return nil
}

// WriteBatch accumulates writes that commit atomically.
type WriteBatch struct {
	batch *pebble.Batch
}

// Set adds a write to the batch.
func (b *WriteBatch) Set(family string, key, value []byte) error {
	err := b.batch.Set(encodeKey(family, key), value, nil)
	if err != nil {
		return fmt.Errorf("batch set %s: %w", family, err)
	}

	return nil
}

// Delete adds a deletion to the batch.
func (b *WriteBatch) Delete(family string, key []byte) error {
	err := b.batch.Delete(encodeKey(family, key), nil)
	if err != nil {
		return fmt.Errorf("batch delete %s: %w", family, err)
	}

	return nil
}

// Commit applies the batch atomically.
func (b *WriteBatch) Commit() error {
	err := b.batch.Commit(pebble.NoSync)
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	return nil
}

// Close discards the batch without committing.
func (b *WriteBatch) Close() error {
	return b.batch.Close()
}

// Snapshot is a read-only point-in-time view of a store.
type Snapshot struct {
	snap   *pebble.Snapshot
	closed bool
}

// Get reads a key from a family as of the snapshot moment.
func (s *Snapshot) Get(family string, key []byte) ([]byte, bool, error) {
	if s.closed {
		return nil, false, ErrClosed
	}

	return get(s.snap, family, key)
}

// Has reports whether a key is present in a family.
func (s *Snapshot) Has(family string, key []byte) (bool, error) {
	_, found, err := s.Get(family, key)

	return found, err
}

// Scan visits every key of a family in key order as of the snapshot moment.
func (s *Snapshot) Scan(family string, visit func(key, value []byte) bool) error {
	if s.closed {
		return ErrClosed
	}

	return scan(s.snap, family, visit)
}

// Close releases the snapshot.
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	return s.snap.Close()
}
