package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/millstone-build/millstone/internal/fpstore"
	"github.com/millstone-build/millstone/internal/observability"
	"github.com/millstone-build/millstone/pkg/contenthash"
)

// DefaultFanout bounds concurrent file uploads and downloads.
const DefaultFanout = 8

// descriptorFriendlyName labels published store descriptors.
const descriptorFriendlyName = "FingerprintStore"

// DescriptorEntry is one file of a published store.
type DescriptorEntry struct {
	Key  string `json:"key"` // store-relative path
	Hash string `json:"hash"`
}

// Descriptor is the published index of a store's files.
type Descriptor struct {
	TraceInfo    string            `json:"traceInfo"`
	FriendlyName string            `json:"friendlyName"`
	Contents     []DescriptorEntry `json:"contents"`
}

// Publisher fans a store directory out to an artifact cache and back.
type Publisher struct {
	cache   ArtifactCache
	salt    string
	fanout  int
	logger  *slog.Logger
	metrics *observability.CoreMetrics
}

// NewPublisher creates a publisher. fanout <= 0 selects DefaultFanout.
func NewPublisher(cache ArtifactCache, salt string, fanout int, metrics *observability.CoreMetrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	if fanout <= 0 {
		fanout = DefaultFanout
	}

	return &Publisher{
		cache:   cache,
		salt:    salt,
		fanout:  fanout,
		logger:  logger,
		metrics: metrics,
	}
}

// LookupFingerprint derives the cache lookup fingerprint for a candidate key
// from the canonical hasher input sequence.
func LookupFingerprint(key, salt string) contenthash.Hash {
	return contenthash.NewHasher().
		AddString("Type").
		AddString("FingerprintStoreFingerprint").
		AddString("FormatVersion").
		AddInt(int64(fpstore.FormatVersion)).
		AddString("LookupVersion").
		AddInt(int64(fpstore.LookupVersion)).
		AddString("Key").
		AddString(key).
		AddString("FingerprintSalt").
		AddString(salt).
		Finish()
}

// SaveResult summarizes a publish.
type SaveResult struct {
	FilesPublished int
	TotalBytes     int64
	Skipped        bool
}

// Save publishes every file of the store directory under the given key. An
// empty store directory skips the publish and reports success with size 0.
func (p *Publisher) Save(ctx context.Context, storeDir, key string) (SaveResult, error) {
	files, err := enumerateFiles(storeDir)
	if err != nil {
		return SaveResult{}, err
	}

	if len(files) == 0 {
		p.logger.Info("fingerprint store publish skipped: store is empty", "dir", storeDir)

		return SaveResult{Skipped: true}, nil
	}

	type stored struct {
		entry DescriptorEntry
		size  int64
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		results  = make([]stored, 0, len(files))
	)

	sem := make(chan struct{}, p.fanout)

	for _, relPath := range files {
		wg.Add(1)

		go func(relPath string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			hash, size, storeErr := p.cache.StoreFile(ctx, filepath.Join(storeDir, relPath))

			mu.Lock()
			defer mu.Unlock()

			if storeErr != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("store %s: %w", relPath, storeErr)
				}

				return
			}

			results = append(results, stored{
				entry: DescriptorEntry{Key: filepath.ToSlash(relPath), Hash: hash.Hex()},
				size:  size,
			})
		}(relPath)
	}

	wg.Wait()

	if firstErr != nil {
		return SaveResult{}, firstErr
	}

	sort.Slice(results, func(i, j int) bool { return results[i].entry.Key < results[j].entry.Key })

	descriptor := Descriptor{
		TraceInfo:    uuid.NewString(),
		FriendlyName: descriptorFriendlyName,
		Contents:     make([]DescriptorEntry, 0, len(results)),
	}

	var (
		totalBytes int64
		referenced []contenthash.Hash
	)

	for _, r := range results {
		descriptor.Contents = append(descriptor.Contents, r.entry)
		totalBytes += r.size

		hash, hexErr := contenthash.FromHex(r.entry.Hash)
		if hexErr != nil {
			return SaveResult{}, hexErr
		}

		referenced = append(referenced, hash)
	}

	raw, err := json.Marshal(descriptor)
	if err != nil {
		return SaveResult{}, fmt.Errorf("marshal store descriptor: %w", err)
	}

	descriptorHash, err := p.cache.StoreBytes(ctx, raw)
	if err != nil {
		return SaveResult{}, fmt.Errorf("store descriptor: %w", err)
	}

	fingerprint := LookupFingerprint(key, p.salt)

	if err := p.cache.PutCacheEntry(ctx, fingerprint, descriptorHash, referenced); err != nil {
		return SaveResult{}, fmt.Errorf("publish cache entry for key %q: %w", key, err)
	}

	p.metrics.PublishBytes(ctx, totalBytes)
	p.logger.Info("fingerprint store published",
		"key", key,
		"files", len(results),
		"size", humanize.Bytes(uint64(totalBytes)),
		"trace", descriptor.TraceInfo,
	)

	return SaveResult{FilesPublished: len(results), TotalBytes: totalBytes}, nil
}

// enumerateFiles lists store-relative file paths under dir.
func enumerateFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}

		files = append(files, rel)

		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("enumerate store directory: %w", err)
	}

	return files, nil
}
