// Package fpstore is the persistent fingerprint store. Per executed pip it
// records the pip→fingerprint-keys row, the weak-fingerprint, strong-
// fingerprint, and path-set input blobs, directory-membership values, the
// pip-unique-output-hash index, and the ordered cache-miss list. Entries are
// aged out by a last-touched LRU record on dispose.
package fpstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pierrec/lz4/v4"
)

// Mode selects the access mode of an opened store.
type Mode int

// Store access modes.
const (
	ReadWrite Mode = iota
	ReadOnly
)

// Store lifecycle states.
const (
	stateUninitialized int32 = iota
	stateOpening
	stateOpen
	stateClosing
	stateClosed
)

// presenceCacheSize bounds the in-memory hot-key presence cache. Content-hash
// keyed families are write-once, so a positive presence result never goes stale.
const presenceCacheSize = 4096

// ErrStoreReadOnly is returned by writes to a read-only store or snapshot.
var ErrStoreReadOnly = errors.New("fpstore: store is not writable")

// OpenFailure describes why a store could not be opened. When the on-disk
// state was corrupt, MovedAside holds the directory the remains were renamed
// to so the caller can recreate in place.
type OpenFailure struct {
	Dir        string
	MovedAside string
	Err        error
}

// Error implements the error interface.
func (f *OpenFailure) Error() string {
	if f.MovedAside != "" {
		return fmt.Sprintf("open fingerprint store %s (corrupt contents moved to %s): %v", f.Dir, f.MovedAside, f.Err)
	}

	return fmt.Sprintf("open fingerprint store %s: %v", f.Dir, f.Err)
}

// Unwrap exposes the underlying cause.
func (f *OpenFailure) Unwrap() error {
	return f.Err
}

// kvReader is the read surface shared by the primary KV handle and snapshots.
type kvReader interface {
	Get(family string, key []byte) ([]byte, bool, error)
	Has(family string, key []byte) (bool, error)
	Scan(family string, visit func(key, value []byte) bool) error
}

// kvHandle abstracts the owning KV store so snapshots and stores share one type.
type kvHandle interface {
	kvReader
	Close() error
}

// writableKV is the subset needed for writes; only the primary handle has it.
type writableKV interface {
	Set(family string, key, value []byte) error
	Delete(family string, key []byte) error
	NewWriteBatch() (*writeBatch, error)
}

// Store is an open fingerprint store or a read-only snapshot of one.
type Store struct {
	dir    string
	mode   Mode
	state  atomic.Int32
	logger *slog.Logger

	view   kvHandle
	writer writableKV // nil for ReadOnly stores and snapshots

	maxEntryAge time.Duration
	gcToken     func() error // non-nil error means GC was cancelled
	cancelGC    func()

	// inFlight records LRU keys touched by this session's writes so that a
	// GC pass at dispose never removes an entry the current build produced.
	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	// presence caches recently confirmed content-hash-keyed keys.
	presence *lru.Cache[string, struct{}]

	now func() time.Time
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Mode returns the access mode the store was opened with.
func (s *Store) Mode() Mode {
	return s.mode
}

// Writable reports whether puts are accepted.
func (s *Store) Writable() bool {
	return s.writer != nil && s.state.Load() == stateOpen
}

// moveCorruptAside renames a store directory that failed to open so a fresh
// store can be created at the original path.
func moveCorruptAside(dir string) (string, error) {
	target := fmt.Sprintf("%s.corrupt.%d", dir, time.Now().Unix())

	err := os.Rename(dir, target)
	if err != nil {
		return "", fmt.Errorf("move corrupt store aside: %w", err)
	}

	return target, nil
}

// touchLRU records the last-touched time for an entry key.
func (s *Store) touchLRU(family string, key []byte) {
	if s.writer == nil {
		return
	}

	lruKey := lruKeyFor(family, key)

	s.inFlightMu.Lock()
	s.inFlight[string(lruKey)] = struct{}{}
	s.inFlightMu.Unlock()

	var buf [binary.MaxVarintLen64]byte

	n := binary.PutVarint(buf[:], s.now().Unix())

	if err := s.writer.Set(famLRU, lruKey, buf[:n]); err != nil {
		s.logger.Warn("fingerprint store: lru touch failed", "family", family, "error", err)
	}
}

// lruKeyFor encodes (family, key) into a single LRU record key.
func lruKeyFor(family string, key []byte) []byte {
	out := make([]byte, 0, len(family)+1+len(key))
	out = append(out, family...)
	out = append(out, 0x1f)
	out = append(out, key...)

	return out
}

// splitLRUKey reverses lruKeyFor.
func splitLRUKey(lruKey []byte) (family string, key []byte, ok bool) {
	for i, b := range lruKey {
		if b == 0x1f {
			return string(lruKey[:i]), lruKey[i+1:], true
		}
	}

	return "", nil, false
}

// PutEntry atomically writes the four entry families for one pip. The
// content-hash-keyed families are write-once by key; the path-set blob is
// written only when storePathSet is set or the hash is new to the store.
func (s *Store) PutEntry(entry Entry, storePathSet bool) error {
	if !s.Writable() {
		return ErrStoreReadOnly
	}

	batch, err := s.writer.NewWriteBatch()
	if err != nil {
		return err
	}

	defer batch.Close()

	keysJSON, err := json.Marshal(entry.Keys)
	if err != nil {
		return fmt.Errorf("marshal pip fingerprint keys: %w", err)
	}

	if err := batch.Set(famPipKeys, []byte(entry.PipSemiStableHash), keysJSON); err != nil {
		return err
	}

	if err := s.putOnceInBatch(batch, famWeak, entry.Keys.WeakFingerprint, entry.WeakFingerprintInputs); err != nil {
		return err
	}

	if err := s.putOnceInBatch(batch, famStrong, entry.Keys.StrongFingerprint, entry.StrongFingerprintInputs); err != nil {
		return err
	}

	pathSetPresent, err := s.contains(famPathSet, entry.Keys.PathSetHash)
	if err != nil {
		return err
	}

	if storePathSet || !pathSetPresent {
		if err := batch.Set(famPathSet, []byte(entry.Keys.PathSetHash), entry.PathSetInputs); err != nil {
			return err
		}
	}

	if err := batch.Commit(); err != nil {
		return err
	}

	s.touchLRU(famPipKeys, []byte(entry.PipSemiStableHash))
	s.touchLRU(famWeak, []byte(entry.Keys.WeakFingerprint))
	s.touchLRU(famStrong, []byte(entry.Keys.StrongFingerprint))
	s.touchLRU(famPathSet, []byte(entry.Keys.PathSetHash))

	if entry.PipUniqueOutputHash != "" {
		return s.PutPipUniqueOutputHash(entry.PipUniqueOutputHash, entry.PipSemiStableHash)
	}

	return nil
}

// putOnceInBatch adds a content-hash-keyed write to the batch unless the key
// is already stored; same key implies same value.
func (s *Store) putOnceInBatch(batch *writeBatch, family, hexKey string, value []byte) error {
	present, err := s.contains(family, hexKey)
	if err != nil {
		return err
	}

	if present {
		return nil
	}

	return batch.Set(family, []byte(hexKey), value)
}

// contains checks a content-hash-keyed family through the presence cache.
func (s *Store) contains(family, hexKey string) (bool, error) {
	cacheKey := family + "/" + hexKey
	if _, hit := s.presence.Get(cacheKey); hit {
		return true, nil
	}

	found, err := s.view.Has(family, []byte(hexKey))
	if err != nil {
		return false, err
	}

	if found {
		s.presence.Add(cacheKey, struct{}{})
	}

	return found, nil
}

// PutContentHash stores arbitrary JSON under a content hash. Idempotent: a
// value already stored under the hash is left untouched.
func (s *Store) PutContentHash(hashHex string, value []byte) error {
	if !s.Writable() {
		return ErrStoreReadOnly
	}

	present, err := s.contains(famContent, hashHex)
	if err != nil {
		return err
	}

	if present {
		return nil
	}

	if err := s.writer.Set(famContent, []byte(hashHex), value); err != nil {
		return err
	}

	s.touchLRU(famContent, []byte(hashHex))

	return nil
}

// PutPipUniqueOutputHash records the unique-output-hash → semi-stable-hash
// index row, replacing any previous value for the key.
func (s *Store) PutPipUniqueOutputHash(uniqueOutputHex, semiStableHash string) error {
	if !s.Writable() {
		return ErrStoreReadOnly
	}

	current, found, err := s.view.Get(famUniqueOutput, []byte(uniqueOutputHex))
	if err != nil {
		return err
	}

	if found && string(current) == semiStableHash {
		return nil
	}

	if err := s.writer.Set(famUniqueOutput, []byte(uniqueOutputHex), []byte(semiStableHash)); err != nil {
		return err
	}

	s.touchLRU(famUniqueOutput, []byte(uniqueOutputHex))

	return nil
}

// PutCacheMissList writes the single ordered cache-miss blob for the build.
// The blob is LZ4-compressed; miss lists for large builds repeat the same
// record keys heavily and shrink well.
func (s *Store) PutCacheMissList(list []CacheMissRecord) error {
	if !s.Writable() {
		return ErrStoreReadOnly
	}

	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal cache miss list: %w", err)
	}

	compressed := make([]byte, binary.MaxVarintLen64+lz4.CompressBlockBound(len(raw)))
	headerLen := binary.PutUvarint(compressed, uint64(len(raw)))

	written, err := lz4.CompressBlock(raw, compressed[headerLen:], nil)
	if err != nil {
		return fmt.Errorf("compress cache miss list: %w", err)
	}

	if written == 0 {
		// Incompressible; store raw behind the same length header.
		compressed = append(compressed[:headerLen], raw...)
		written = len(raw)
	}

	return s.writer.Set(famMeta, []byte(metaKeyCacheMissList), compressed[:headerLen+written])
}

// TryGetCacheMissList reads the ordered cache-miss blob, if one was written.
func (s *Store) TryGetCacheMissList() ([]CacheMissRecord, bool, error) {
	blob, found, err := s.view.Get(famMeta, []byte(metaKeyCacheMissList))
	if err != nil || !found {
		return nil, false, err
	}

	rawLen, headerLen := binary.Uvarint(blob)
	if headerLen <= 0 {
		return nil, false, errors.New("fpstore: malformed cache miss list header")
	}

	raw := make([]byte, rawLen)

	decompressed, err := lz4.UncompressBlock(blob[headerLen:], raw)
	if err != nil || uint64(decompressed) != rawLen {
		// Stored uncompressed.
		raw = blob[headerLen:]
	}

	var list []CacheMissRecord

	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false, fmt.Errorf("parse cache miss list: %w", err)
	}

	return list, true, nil
}

// TryGetEntry loads the full entry for a pip. The unique-output-hash index is
// preferred when given; the formatted semi-stable hash is the fallback, which
// keeps lookups working across a rename of the semi-stable hash.
func (s *Store) TryGetEntry(uniqueOutputHex, semiStableHash string) (Entry, bool, error) {
	resolved := semiStableHash

	if uniqueOutputHex != "" {
		mapped, found, err := s.view.Get(famUniqueOutput, []byte(uniqueOutputHex))
		if err != nil {
			return Entry{}, false, err
		}

		if found {
			resolved = string(mapped)
		}
	}

	keysJSON, found, err := s.view.Get(famPipKeys, []byte(resolved))
	if err != nil || !found {
		return Entry{}, false, err
	}

	var keys PipFingerprintKeys

	if err := json.Unmarshal(keysJSON, &keys); err != nil {
		return Entry{}, false, fmt.Errorf("parse pip fingerprint keys for %s: %w", resolved, err)
	}

	entry := Entry{
		PipSemiStableHash:   resolved,
		PipUniqueOutputHash: uniqueOutputHex,
		Keys:                keys,
	}

	entry.WeakFingerprintInputs, _, err = s.view.Get(famWeak, []byte(keys.WeakFingerprint))
	if err != nil {
		return Entry{}, false, err
	}

	entry.StrongFingerprintInputs, _, err = s.view.Get(famStrong, []byte(keys.StrongFingerprint))
	if err != nil {
		return Entry{}, false, err
	}

	entry.PathSetInputs, _, err = s.view.Get(famPathSet, []byte(keys.PathSetHash))
	if err != nil {
		return Entry{}, false, err
	}

	if s.writer != nil {
		s.touchLRU(famPipKeys, []byte(resolved))
	}

	return entry, true, nil
}

// TryGetContentHashValue reads the JSON stored under a content hash.
func (s *Store) TryGetContentHashValue(hashHex string) ([]byte, bool, error) {
	return s.view.Get(famContent, []byte(hashHex))
}

// ContainsContentHash reports whether a content hash has a stored value.
func (s *Store) ContainsContentHash(hashHex string) (bool, error) {
	return s.contains(famContent, hashHex)
}
