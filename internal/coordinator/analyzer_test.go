package coordinator_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millstone-build/millstone/internal/coordinator"
	"github.com/millstone-build/millstone/internal/events"
	"github.com/millstone-build/millstone/internal/fpstore"
	"github.com/millstone-build/millstone/internal/missanalysis"
)

// buildStores opens a current store and a prior store pre-populated with
// entries for the given pips.
func buildStores(t *testing.T, priorPips ...string) (current, prior *fpstore.Store) {
	t.Helper()

	current, err := fpstore.Open(t.TempDir(), fpstore.OpenOptions{Mode: fpstore.ReadWrite})
	require.NoError(t, err)

	t.Cleanup(func() { _ = current.Dispose(false) })

	prior, err = fpstore.Open(t.TempDir(), fpstore.OpenOptions{Mode: fpstore.ReadWrite})
	require.NoError(t, err)

	t.Cleanup(func() { _ = prior.Dispose(false) })

	for _, pip := range priorPips {
		require.NoError(t, prior.PutEntry(fpstore.Entry{
			PipSemiStableHash: pip,
			Keys: fpstore.PipFingerprintKeys{
				WeakFingerprint:   "wf-old-" + pip,
				StrongFingerprint: "sf-old-" + pip,
				PathSetHash:       "ps-old-" + pip,
			},
			WeakFingerprintInputs:   []byte(`{"Arguments":"/old"}`),
			StrongFingerprintInputs: []byte(`{"ObservedInputs":[]}`),
			PathSetInputs:           []byte(`{"Paths":[]}`),
		}, true))
	}

	return current, prior
}

func missEvent(pip events.PipID, name string) *events.PipCacheMiss {
	return &events.PipCacheMiss{
		PipID:          pip,
		SemiStableHash: name,
		Kind:           uint8(fpstore.MissForDescriptorsDueToWeakFingerprints),
	}
}

func executionEvent(pip events.PipID, name string) *events.ProcessFingerprintComputed {
	return &events.ProcessFingerprintComputed{
		Kind:            events.Execution,
		PipID:           pip,
		SemiStableHash:  name,
		WeakFingerprint: "wf-new-" + name,
		WeakInputs:      []byte(`{"Arguments":"/new"}`),
		StrongComputations: []events.StrongFingerprintComputation{{
			StrongFingerprint:       "sf-new-" + name,
			PathSetHash:             "ps-new-" + name,
			PathSetInputs:           []byte(`{"Paths":[]}`),
			StrongFingerprintInputs: []byte(`{"ObservedInputs":[]}`),
		}},
	}
}

func newAnalyzer(t *testing.T, sink coordinator.TelemetrySink, cfg coordinator.Config, priorPips ...string) *coordinator.RuntimeAnalyzer {
	t.Helper()

	current, prior := buildStores(t, priorPips...)

	ra := coordinator.NewRuntimeAnalyzer(current, prior, "", sink, nil, nil, nil, cfg, nil)

	t.Cleanup(ra.Dispose)

	return ra
}

func TestRuntimeAnalyzer_FrontierSuppressesDownstream(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	ra := newAnalyzer(t, sink, coordinator.Config{MaxAnalysisCount: 100}, "PipA", "PipB", "PipC")

	// A → B → C.
	ra.AddGraphDependency(1, 2)
	ra.AddGraphDependency(2, 3)

	for i, name := range []string{"PipA", "PipB", "PipC"} {
		ra.OnPipCacheMiss(missEvent(events.PipID(i+1), name))
	}

	ra.OnProcessFingerprintComputed(executionEvent(1, "PipA"))
	ra.OnProcessFingerprintComputed(executionEvent(2, "PipB"))
	ra.OnProcessFingerprintComputed(executionEvent(3, "PipC"))

	all := sink.all()
	require.Len(t, all, 1, "only the frontier pip is reported")
	assert.Contains(t, all[0], "PipA")
}

func TestRuntimeAnalyzer_AnalyzeAllPipsIgnoresFrontier(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	ra := newAnalyzer(t, sink, coordinator.Config{MaxAnalysisCount: 100, AnalyzeAllPips: true}, "PipA", "PipB")

	ra.AddGraphDependency(1, 2)

	ra.OnPipCacheMiss(missEvent(1, "PipA"))
	ra.OnPipCacheMiss(missEvent(2, "PipB"))

	ra.OnProcessFingerprintComputed(executionEvent(1, "PipA"))
	ra.OnProcessFingerprintComputed(executionEvent(2, "PipB"))

	assert.Len(t, sink.all(), 2)
}

func TestRuntimeAnalyzer_BudgetBoundsAnalyses(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	ra := newAnalyzer(t, sink, coordinator.Config{MaxAnalysisCount: 2}, "PipA", "PipB", "PipC")

	for i, name := range []string{"PipA", "PipB", "PipC"} {
		pip := events.PipID(i + 1)
		ra.OnPipCacheMiss(missEvent(pip, name))
		ra.OnProcessFingerprintComputed(executionEvent(pip, name))
	}

	assert.Len(t, sink.all(), 2, "budget of 2 permits exactly 2 analyses")
	assert.Equal(t, int64(3), ra.NumPerformed())
}

func TestRuntimeAnalyzer_NoMissInfoMeansIneligible(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	ra := newAnalyzer(t, sink, coordinator.Config{MaxAnalysisCount: 100}, "PipA")

	ra.OnProcessFingerprintComputed(executionEvent(1, "PipA"))

	assert.Empty(t, sink.all())
}

func TestRuntimeAnalyzer_RetriedMissLatestWins(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	ra := newAnalyzer(t, sink, coordinator.Config{MaxAnalysisCount: 100}, "PipA")

	first := missEvent(1, "PipA")
	first.Kind = uint8(fpstore.MissForCacheEntry)
	ra.OnPipCacheMiss(first)

	second := missEvent(1, "PipA")
	second.Kind = uint8(fpstore.MissForProcessOutputContent)
	second.MissedOutputs = []string{"out.dll"}
	ra.OnPipCacheMiss(second)

	ra.OnProcessFingerprintComputed(executionEvent(1, "PipA"))

	all := sink.all()
	require.Len(t, all, 1)
	assert.Contains(t, all[0], "Outputs missing from the cache.")
}

func TestRuntimeAnalyzer_ExecutionUpsertsEntry(t *testing.T) {
	t.Parallel()

	current, prior := buildStores(t)

	ra := coordinator.NewRuntimeAnalyzer(current, prior, "", &collectingSink{}, nil, nil, nil,
		coordinator.Config{MaxAnalysisCount: 100}, nil)

	t.Cleanup(ra.Dispose)

	ra.OnProcessFingerprintComputed(executionEvent(1, "PipA"))

	entry, found, err := current.TryGetEntry("", "PipA")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "wf-new-PipA", entry.Keys.WeakFingerprint)
	assert.Equal(t, "sf-new-PipA", entry.Keys.StrongFingerprint)
}

func TestRuntimeAnalyzer_CacheCheckHitUpsertsWithoutAnalysis(t *testing.T) {
	t.Parallel()

	current, prior := buildStores(t)
	sink := &collectingSink{}

	ra := coordinator.NewRuntimeAnalyzer(current, prior, "", sink, nil, nil, nil,
		coordinator.Config{MaxAnalysisCount: 100}, nil)

	t.Cleanup(ra.Dispose)

	event := executionEvent(1, "PipA")
	event.Kind = events.CacheCheck
	event.StrongComputations[0].IsStrongFingerprintHit = true

	ra.OnPipCacheMiss(missEvent(1, "PipA"))
	ra.OnProcessFingerprintComputed(event)

	_, found, err := current.TryGetEntry("", "PipA")
	require.NoError(t, err)
	assert.True(t, found)

	assert.Empty(t, sink.all(), "all-hit cache check must not analyze")
}

func TestRuntimeAnalyzer_DirectoryMembershipStored(t *testing.T) {
	t.Parallel()

	current, prior := buildStores(t)

	ra := coordinator.NewRuntimeAnalyzer(current, prior, "", &collectingSink{}, nil, nil, nil,
		coordinator.Config{MaxAnalysisCount: 100}, nil)

	t.Cleanup(ra.Dispose)

	ra.OnDirectoryMembershipHashed(&events.DirectoryMembershipHashed{
		DirectoryFingerprint: "dirfp1",
		DirectoryPath:        "/src/inc",
		Members:              []string{"a.h", "b.h"},
	})

	raw, found, err := current.TryGetContentHashValue("dirfp1")
	require.NoError(t, err)
	require.True(t, found)

	var stored struct {
		Members []string `json:"Members"`
	}

	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, []string{"a.h", "b.h"}, stored.Members)
}

func TestRuntimeAnalyzer_DisposeWritesCacheMissList(t *testing.T) {
	t.Parallel()

	current, prior := buildStores(t, "PipA")

	ra := coordinator.NewRuntimeAnalyzer(current, prior, "", &collectingSink{}, nil, nil, nil,
		coordinator.Config{MaxAnalysisCount: 100}, nil)

	ra.OnPipCacheMiss(missEvent(1, "PipA"))
	ra.OnPipCacheMiss(missEvent(2, "PipB"))
	ra.Dispose()

	list, found, err := current.TryGetCacheMissList()
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, list, 2)

	// Arrival order preserved.
	assert.Equal(t, uint32(1), list[0].PipID)
	assert.Equal(t, uint32(2), list[1].PipID)
}

func TestRuntimeAnalyzer_ResultClassification(t *testing.T) {
	t.Parallel()

	sink := &collectingSink{}
	ra := newAnalyzer(t, sink, coordinator.Config{MaxAnalysisCount: 100}, "PipA")

	ra.OnPipCacheMiss(missEvent(1, "PipA"))
	ra.OnProcessFingerprintComputed(executionEvent(1, "PipA"))

	all := sink.all()
	require.Len(t, all, 1)

	// The prior entry has a different weak fingerprint.
	assert.Contains(t, all[0], fmt.Sprintf("%q", "ReasonFromAnalysis"))
	assert.Contains(t, all[0], missanalysis.ReasonWeakFingerprintMismatch)
}
