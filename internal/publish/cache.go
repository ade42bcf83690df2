// Package publish uploads a built fingerprint store to a content-addressed
// artifact cache and retrieves a previous store by branch/commit key
// heuristics.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/millstone-build/millstone/pkg/contenthash"
)

// ErrContentMissing is returned when a pinned or loaded hash has no content.
var ErrContentMissing = errors.New("publish: content missing from artifact cache")

// ArtifactCache is the content-addressed cache surface the publisher needs.
// Implementations must be safe for concurrent use.
type ArtifactCache interface {
	// StoreFile stores a file's content using a copy realization mode.
	StoreFile(ctx context.Context, path string) (contenthash.Hash, int64, error)

	// StoreBytes stores an in-memory blob.
	StoreBytes(ctx context.Context, data []byte) (contenthash.Hash, error)

	// LoadBytes loads a blob; ErrContentMissing when absent.
	LoadBytes(ctx context.Context, hash contenthash.Hash) ([]byte, error)

	// Pin ensures every hash is available; fails fast on the first miss.
	Pin(ctx context.Context, hashes []contenthash.Hash) error

	// Materialize copies a blob's content to destPath.
	Materialize(ctx context.Context, hash contenthash.Hash, destPath string) error

	// PutCacheEntry publishes a temporal cache entry mapping a lookup
	// fingerprint to a descriptor blob with associated file hashes.
	PutCacheEntry(ctx context.Context, fingerprint, descriptor contenthash.Hash, referenced []contenthash.Hash) error

	// GetCacheEntry resolves a lookup fingerprint to its descriptor hash.
	GetCacheEntry(ctx context.Context, fingerprint contenthash.Hash) (contenthash.Hash, bool, error)
}

// LocalCache is a directory-backed ArtifactCache: blobs under cas/, cache
// entries under entries/. Used by the local cache-miss modes and tests.
type LocalCache struct {
	root string
}

// NewLocalCache creates (if needed) a local cache rooted at dir.
func NewLocalCache(dir string) (*LocalCache, error) {
	for _, sub := range []string{"cas", "entries"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create local cache dir: %w", err)
		}
	}

	return &LocalCache{root: dir}, nil
}

// Root returns the cache root directory.
func (c *LocalCache) Root() string {
	return c.root
}

func (c *LocalCache) blobPath(hash contenthash.Hash) string {
	return filepath.Join(c.root, "cas", hash.Hex())
}

func (c *LocalCache) entryPath(fingerprint contenthash.Hash) string {
	return filepath.Join(c.root, "entries", fingerprint.Hex())
}

// StoreFile implements ArtifactCache.
func (c *LocalCache) StoreFile(ctx context.Context, path string) (contenthash.Hash, int64, error) {
	if err := ctx.Err(); err != nil {
		return contenthash.Hash{}, 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return contenthash.Hash{}, 0, fmt.Errorf("read %s: %w", path, err)
	}

	hash, err := c.StoreBytes(ctx, data)

	return hash, int64(len(data)), err
}

// StoreBytes implements ArtifactCache.
func (c *LocalCache) StoreBytes(ctx context.Context, data []byte) (contenthash.Hash, error) {
	if err := ctx.Err(); err != nil {
		return contenthash.Hash{}, err
	}

	hash := contenthash.HashOf(data)

	target := c.blobPath(hash)
	if _, err := os.Stat(target); err == nil {
		return hash, nil
	}

	if err := writeAtomic(target, data); err != nil {
		return contenthash.Hash{}, err
	}

	return hash, nil
}

// LoadBytes implements ArtifactCache.
func (c *LocalCache) LoadBytes(ctx context.Context, hash contenthash.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(c.blobPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrContentMissing, hash.Hex())
	}

	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", hash.Hex(), err)
	}

	return data, nil
}

// Pin implements ArtifactCache.
func (c *LocalCache) Pin(ctx context.Context, hashes []contenthash.Hash) error {
	for _, hash := range hashes {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := os.Stat(c.blobPath(hash)); err != nil {
			return fmt.Errorf("%w: %s", ErrContentMissing, hash.Hex())
		}
	}

	return nil
}

// Materialize implements ArtifactCache.
func (c *LocalCache) Materialize(ctx context.Context, hash contenthash.Hash, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(c.blobPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrContentMissing, hash.Hex())
	}

	if err != nil {
		return fmt.Errorf("open blob %s: %w", hash.Hex(), err)
	}

	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	dst, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()

		return fmt.Errorf("materialize %s: %w", destPath, err)
	}

	return dst.Close()
}

// PutCacheEntry implements ArtifactCache.
func (c *LocalCache) PutCacheEntry(ctx context.Context, fingerprint, descriptor contenthash.Hash, _ []contenthash.Hash) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return writeAtomic(c.entryPath(fingerprint), []byte(descriptor.Hex()))
}

// GetCacheEntry implements ArtifactCache.
func (c *LocalCache) GetCacheEntry(ctx context.Context, fingerprint contenthash.Hash) (contenthash.Hash, bool, error) {
	if err := ctx.Err(); err != nil {
		return contenthash.Hash{}, false, err
	}

	raw, err := os.ReadFile(c.entryPath(fingerprint))
	if errors.Is(err, os.ErrNotExist) {
		return contenthash.Hash{}, false, nil
	}

	if err != nil {
		return contenthash.Hash{}, false, fmt.Errorf("read cache entry: %w", err)
	}

	hash, err := contenthash.FromHex(string(raw))
	if err != nil {
		return contenthash.Hash{}, false, err
	}

	return hash, true, nil
}

// writeAtomic writes via a temp file and rename so concurrent writers of the
// same content never expose a partial blob.
func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("write temp blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("publish blob: %w", err)
	}

	return nil
}
