package publish_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millstone-build/millstone/internal/publish"
)

func newPublisher(t *testing.T) (*publish.Publisher, *publish.LocalCache) {
	t.Helper()

	cache, err := publish.NewLocalCache(t.TempDir())
	require.NoError(t, err)

	return publish.NewPublisher(cache, "salt1", 0, nil, nil), cache
}

func writeStoreDir(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()

	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	return dir
}

// hashDir maps relative path → content hash for every file under dir.
func hashDir(t *testing.T, dir string) map[string]string {
	t.Helper()

	out := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)

		if d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		require.NoError(t, relErr)

		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		sum := sha256.Sum256(data)
		out[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:])

		return nil
	})
	require.NoError(t, err)

	return out
}

func TestPublisher_SaveRetrieveRoundTrip(t *testing.T) {
	t.Parallel()

	publisher, _ := newPublisher(t)
	ctx := context.Background()

	storeDir := writeStoreDir(t, map[string]string{
		"000001.sst":  "sst-content-1",
		"CURRENT":     "MANIFEST-000001",
		"format.json": `{"formatVersion":1,"lookupVersion":1}`,
		"sub/LOCK":    "",
	})

	saved, err := publisher.Save(ctx, storeDir, "refs_heads_main")
	require.NoError(t, err)
	assert.Equal(t, 4, saved.FilesPublished)
	assert.False(t, saved.Skipped)

	targetDir := t.TempDir()

	result, err := publisher.Retrieve(ctx, targetDir, publish.StaticCandidates{
		{Key: "refs_heads_main", Provenance: "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Files)

	assert.Equal(t, hashDir(t, storeDir), hashDir(t, targetDir))
}

func TestPublisher_EmptyStoreSkipsPublish(t *testing.T) {
	t.Parallel()

	publisher, _ := newPublisher(t)

	saved, err := publisher.Save(context.Background(), t.TempDir(), "key")
	require.NoError(t, err)
	assert.True(t, saved.Skipped)
	assert.Zero(t, saved.TotalBytes)
}

func TestPublisher_FirstSuccessfulCandidateWins(t *testing.T) {
	t.Parallel()

	publisher, _ := newPublisher(t)
	ctx := context.Background()

	storeDir := writeStoreDir(t, map[string]string{"CURRENT": "x"})

	_, err := publisher.Save(ctx, storeDir, "key-b")
	require.NoError(t, err)

	result, err := publisher.Retrieve(ctx, t.TempDir(), publish.StaticCandidates{
		{Key: "key-a", Provenance: "first"},
		{Key: "key-b", Provenance: "second"},
		{Key: "key-c", Provenance: "third"},
	})
	require.NoError(t, err)
	assert.Equal(t, "key-b", result.Key)
	assert.Equal(t, "second", result.Provenance)
}

func TestPublisher_PartialContentIsAFailure(t *testing.T) {
	t.Parallel()

	cache, err := publish.NewLocalCache(t.TempDir())
	require.NoError(t, err)

	publisher := publish.NewPublisher(cache, "salt1", 0, nil, nil)
	ctx := context.Background()

	storeDir := writeStoreDir(t, map[string]string{
		"000001.sst": "content-a",
		"CURRENT":    "content-b",
	})

	_, err = publisher.Save(ctx, storeDir, "key")
	require.NoError(t, err)

	// Damage the cache: drop one published blob.
	sum := sha256.Sum256([]byte("content-a"))
	require.NoError(t, os.Remove(filepath.Join(cache.Root(), "cas", hex.EncodeToString(sum[:]))))

	targetDir := t.TempDir()

	_, err = publisher.Retrieve(ctx, targetDir, publish.StaticCandidates{{Key: "key", Provenance: "test"}})
	require.ErrorIs(t, err, publish.ErrNoCandidateHit)

	// Pin fails fast, so nothing was materialized.
	entries, readErr := os.ReadDir(targetDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestPublisher_NoCandidateHit(t *testing.T) {
	t.Parallel()

	publisher, _ := newPublisher(t)

	_, err := publisher.Retrieve(context.Background(), t.TempDir(), publish.StaticCandidates{
		{Key: "never-published", Provenance: "test"},
	})
	require.ErrorIs(t, err, publish.ErrNoCandidateHit)
}

func TestPublisher_DifferentSaltMisses(t *testing.T) {
	t.Parallel()

	cache, err := publish.NewLocalCache(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	storeDir := writeStoreDir(t, map[string]string{"CURRENT": "x"})

	_, err = publish.NewPublisher(cache, "saltA", 0, nil, nil).Save(ctx, storeDir, "key")
	require.NoError(t, err)

	_, err = publish.NewPublisher(cache, "saltB", 0, nil, nil).
		Retrieve(ctx, t.TempDir(), publish.StaticCandidates{{Key: "key", Provenance: "test"}})
	require.ErrorIs(t, err, publish.ErrNoCandidateHit)
}

func TestADOCandidates_OrderAndSanitization(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		publish.EnvBuildSourceBranch: "refs/pull/123/merge",
		publish.EnvPullRequestSource: "refs/heads/feature/x",
		publish.EnvPullRequestTarget: "refs/heads/main",
	}

	provider := publish.ADOCandidates{Getenv: func(key string) string { return env[key] }}

	candidates, err := provider.Candidates()
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	assert.Equal(t, "refs_pull_123_merge", candidates[0].Key)
	assert.Equal(t, "refs_heads_feature_x", candidates[1].Key)
	assert.Equal(t, "refs_heads_main", candidates[2].Key)
}

func TestADOCandidates_SkipsUnsetAndDuplicates(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		publish.EnvBuildSourceBranch: "refs/heads/main",
		publish.EnvPullRequestTarget: "refs/heads/main",
	}

	provider := publish.ADOCandidates{Getenv: func(key string) string { return env[key] }}

	candidates, err := provider.Candidates()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "refs_heads_main", candidates[0].Key)
	assert.Equal(t, "ado:build-source-branch", candidates[0].Provenance)
}

func TestPrefixedCandidates(t *testing.T) {
	t.Parallel()

	provider := publish.PrefixedCandidates{
		Prefix:   "fp_",
		Provider: publish.StaticCandidates{{Key: "abc", Provenance: "git:head"}},
	}

	candidates, err := provider.Candidates()
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "fp_abc", candidates[0].Key)
}
