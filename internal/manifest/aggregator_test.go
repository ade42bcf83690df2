package manifest_test

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"

	"github.com/millstone-build/millstone/internal/events"
	"github.com/millstone-build/millstone/internal/manifest"
)

func record(drop, path, artifactsHash, manifestHash string) events.BuildManifestRecord {
	return events.BuildManifestRecord{
		DropName:           drop,
		RelativePath:       path,
		AzureArtifactsHash: artifactsHash,
		BuildManifestHash:  manifestHash,
	}
}

func TestAggregator_SortedNormalizedOutput(t *testing.T) {
	t.Parallel()

	agg := manifest.NewAggregator(nil)
	agg.Record([]events.BuildManifestRecord{
		record("drop1", `z\deep\file.dll`, "hZ", "mZ"),
		record("drop1", "a/file.txt", "hA", "mA"),
		record("drop2", "other/file.txt", "hO", "mO"),
	})

	list, err := agg.TryGenerateFileList("drop1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "a/file.txt", list[0].RelativePath)
	assert.Equal(t, "z/deep/file.dll", list[1].RelativePath)
	assert.Equal(t, "hZ", list[1].AzureArtifactsHash)
}

func TestAggregator_DeterministicAcrossArrivalOrder(t *testing.T) {
	t.Parallel()

	base := []events.BuildManifestRecord{
		record("drop1", "c/file3", "h3", "m3"),
		record("drop1", "a/file1", "h1", "m1"),
		record("drop1", "b/file2", "h2", "m2"),
		record("drop1", "d/file4", "h4", "m4"),
	}

	generate := func(records []events.BuildManifestRecord) []byte {
		agg := manifest.NewAggregator(nil)
		agg.Record(records)

		list, err := agg.TryGenerateFileList("drop1")
		require.NoError(t, err)

		raw, err := json.Marshal(list)
		require.NoError(t, err)

		return raw
	}

	want := generate(base)

	rng := rand.New(rand.NewSource(1))

	for range 5 {
		shuffled := append([]events.BuildManifestRecord(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		assert.Equal(t, want, generate(shuffled))
	}
}

func TestAggregator_DuplicateConflictDiverted(t *testing.T) {
	t.Parallel()

	agg := manifest.NewAggregator(nil)
	agg.Record([]events.BuildManifestRecord{record("drop1", "a/b", "hashX", "hY")})
	agg.Record([]events.BuildManifestRecord{record("drop1", "a/b", "hashX2", "hY")})

	_, err := agg.TryGenerateFileList("drop1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 duplicate")

	dups := agg.Duplicates()
	require.Len(t, dups, 1)
	assert.Equal(t, "hashX", dups[0].StoredHash)
	assert.Equal(t, "hashX2", dups[0].RejectedHash)
}

func TestAggregator_SameHashReRegistrationIsNotADuplicate(t *testing.T) {
	t.Parallel()

	agg := manifest.NewAggregator(nil)
	agg.Record([]events.BuildManifestRecord{record("drop1", "a/b", "hashX", "hY")})
	agg.Record([]events.BuildManifestRecord{record("drop1", "a/b", "hashX", "hY")})

	list, err := agg.TryGenerateFileList("drop1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Empty(t, agg.Duplicates())
}

func TestAggregator_RecordAfterGenerationStillProcessed(t *testing.T) {
	t.Parallel()

	agg := manifest.NewAggregator(nil)
	agg.Record([]events.BuildManifestRecord{record("drop1", "a/one", "h1", "m1")})

	_, err := agg.TryGenerateFileList("drop1")
	require.NoError(t, err)

	agg.Record([]events.BuildManifestRecord{record("drop1", "b/two", "h2", "m2")})

	list, err := agg.TryGenerateFileList("drop1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// manifestSchema pins the shape of the emitted JSON.
const manifestSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["relativePath", "azureArtifactsHash", "buildManifestHash"],
		"properties": {
			"relativePath": {"type": "string", "pattern": "^[^\\\\]*$"},
			"azureArtifactsHash": {"type": "string"},
			"buildManifestHash": {"type": "string"}
		},
		"additionalProperties": false
	}
}`

func TestAggregator_OutputMatchesSchema(t *testing.T) {
	t.Parallel()

	agg := manifest.NewAggregator(nil)
	agg.Record([]events.BuildManifestRecord{
		record("drop1", `dir\sub\a.txt`, "h1", "m1"),
		record("drop1", "dir/b.txt", "h2", "m2"),
	})

	list, err := agg.TryGenerateFileList("drop1")
	require.NoError(t, err)

	raw, err := json.Marshal(list)
	require.NoError(t, err)

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(manifestSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	require.NoError(t, err)
	assert.True(t, result.Valid(), "schema violations: %v", result.Errors())
}
