package optracker_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millstone-build/millstone/internal/optracker"
)

type dumpDoc struct {
	Counters []struct {
		Kind        string `json:"kind"`
		Occurrences int64  `json:"occurrences"`
		Children    []struct {
			Kind        string `json:"kind"`
			Occurrences int64  `json:"occurrences"`
		} `json:"children"`
	} `json:"counters"`
	Outstanding []struct {
		Kind        string `json:"kind"`
		Association string `json:"association"`
	} `json:"outstanding"`
}

func parseDump(t *testing.T, raw []byte) dumpDoc {
	t.Helper()

	var doc dumpDoc

	require.NoError(t, json.Unmarshal(raw, &doc))

	return doc
}

func TestTracker_CountsOccurrencesPerKind(t *testing.T) {
	t.Parallel()

	tracker := optracker.New(time.Minute)

	for range 3 {
		op := tracker.Start("StorePut", "")
		op.Complete()
	}

	var buf bytes.Buffer

	require.NoError(t, tracker.Dump(&buf, 0))

	doc := parseDump(t, buf.Bytes())
	require.Len(t, doc.Counters, 1)
	assert.Equal(t, "StorePut", doc.Counters[0].Kind)
	assert.Equal(t, int64(3), doc.Counters[0].Occurrences)
}

func TestTracker_ParentWaitsForChildren(t *testing.T) {
	t.Parallel()

	tracker := optracker.New(time.Minute)

	parent := tracker.Start("Analyze", "PipA")
	child := tracker.StartChild(parent, "TreeDiff", "")

	// Parent asked to complete while the child is still running.
	parent.Complete()

	var buf bytes.Buffer

	require.NoError(t, tracker.Dump(&buf, 0))

	doc := parseDump(t, buf.Bytes())
	require.Len(t, doc.Counters, 1)
	assert.Equal(t, int64(0), doc.Counters[0].Occurrences, "parent must not finish before its child")

	child.Complete()

	buf.Reset()
	require.NoError(t, tracker.Dump(&buf, 0))

	doc = parseDump(t, buf.Bytes())
	assert.Equal(t, int64(1), doc.Counters[0].Occurrences)
	require.Len(t, doc.Counters[0].Children, 1)
	assert.Equal(t, "TreeDiff", doc.Counters[0].Children[0].Kind)
}

func TestTracker_TopOutstandingIncludesAssociation(t *testing.T) {
	t.Parallel()

	tracker := optracker.New(time.Minute)

	for _, pip := range []string{"Pip1", "Pip2", "Pip3"} {
		_ = tracker.Start("Retrieve", pip)
	}

	var buf bytes.Buffer

	require.NoError(t, tracker.Dump(&buf, 2))

	doc := parseDump(t, buf.Bytes())
	assert.Len(t, doc.Outstanding, 2, "top-N must cap the outstanding list")

	for _, entry := range doc.Outstanding {
		assert.Equal(t, "Retrieve", entry.Kind)
		assert.NotEmpty(t, entry.Association)
	}
}

func TestTracker_MaybeDumpIsThrottled(t *testing.T) {
	t.Parallel()

	tracker := optracker.New(time.Hour)

	var buf bytes.Buffer

	wrote, err := tracker.MaybeDump(&buf)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = tracker.MaybeDump(&buf)
	require.NoError(t, err)
	assert.False(t, wrote, "second dump inside the interval must be suppressed")
}
