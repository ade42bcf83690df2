// Package manifest aggregates per-file drop registrations into sorted build
// manifests, diverting duplicate-hash conflicts to a duplicates log.
package manifest

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/millstone-build/millstone/internal/events"
)

// FileEntry is one line of the emitted build manifest.
type FileEntry struct {
	RelativePath       string `json:"relativePath"`
	AzureArtifactsHash string `json:"azureArtifactsHash"`
	BuildManifestHash  string `json:"buildManifestHash"`
}

// Duplicate is a conflicting re-registration: same (drop, relativePath) with
// a different artifacts hash. Diverted, never stored.
type Duplicate struct {
	DropName          string
	RelativePath      string
	StoredHash        string
	RejectedHash      string
	BuildManifestHash string
}

// interner deduplicates repeated strings; drop names and path atoms repeat
// across thousands of records.
type interner struct {
	mu   sync.Mutex
	pool map[string]string
}

func newInterner() *interner {
	return &interner{pool: make(map[string]string)}
}

func (i *interner) intern(s string) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	if pooled, ok := i.pool[s]; ok {
		return pooled
	}

	i.pool[s] = s

	return s
}

// entryKey identifies one manifest row.
type entryKey struct {
	drop string
	path string
}

// entryValue is the stored hash pair.
type entryValue struct {
	azureArtifactsHash string
	buildManifestHash  string
}

// Aggregator collects build-manifest registrations. Safe for concurrent record
// calls.
type Aggregator struct {
	logger *slog.Logger

	mu         sync.Mutex
	entries    map[entryKey]entryValue
	duplicates []Duplicate
	generated  bool

	strings *interner
}

// NewAggregator creates an empty aggregator.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Aggregator{
		logger:  logger,
		entries: make(map[entryKey]entryValue),
		strings: newInterner(),
	}
}

// Record registers files for their drops. A second registration of the same
// (drop, relativePath) with a different artifacts hash is a duplicate
// conflict and is diverted to the duplicates log instead of stored. Records
// arriving after the file list was generated are still processed, with an
// ordering warning.
func (a *Aggregator) Record(records []events.BuildManifestRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.generated && len(records) > 0 {
		a.logger.Warn("build manifest: record after file list generation",
			"count", len(records))
	}

	for _, rec := range records {
		key := entryKey{
			drop: a.strings.intern(rec.DropName),
			path: a.strings.intern(normalizePath(rec.RelativePath)),
		}

		existing, present := a.entries[key]
		if !present {
			a.entries[key] = entryValue{
				azureArtifactsHash: rec.AzureArtifactsHash,
				buildManifestHash:  rec.BuildManifestHash,
			}

			continue
		}

		if existing.azureArtifactsHash != rec.AzureArtifactsHash {
			a.duplicates = append(a.duplicates, Duplicate{
				DropName:          key.drop,
				RelativePath:      key.path,
				StoredHash:        existing.azureArtifactsHash,
				RejectedHash:      rec.AzureArtifactsHash,
				BuildManifestHash: rec.BuildManifestHash,
			})
		}
	}
}

// TryGenerateFileList produces the path-sorted manifest for a drop. When
// duplicates exist for the drop it returns an error enumerating them, with
// one log line per duplicate, and no list.
func (a *Aggregator) TryGenerateFileList(dropName string) ([]FileEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.generated = true

	var dropDuplicates int

	for _, dup := range a.duplicates {
		if dup.DropName != dropName {
			continue
		}

		dropDuplicates++

		a.logger.Warn("build manifest: duplicate file registration",
			"drop", dup.DropName,
			"relative_path", dup.RelativePath,
			"stored_hash", dup.StoredHash,
			"rejected_hash", dup.RejectedHash,
		)
	}

	if dropDuplicates > 0 {
		return nil, fmt.Errorf("build manifest for drop %q has %d duplicate registrations", dropName, dropDuplicates)
	}

	out := make([]FileEntry, 0)

	for key, value := range a.entries {
		if key.drop != dropName {
			continue
		}

		out = append(out, FileEntry{
			RelativePath:       key.path,
			AzureArtifactsHash: value.azureArtifactsHash,
			BuildManifestHash:  value.buildManifestHash,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].RelativePath < out[j].RelativePath
	})

	return out, nil
}

// Duplicates returns the diverted duplicate registrations.
func (a *Aggregator) Duplicates() []Duplicate {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Duplicate, len(a.duplicates))
	copy(out, a.duplicates)

	return out
}

// normalizePath flips Windows separators to forward slashes.
func normalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
