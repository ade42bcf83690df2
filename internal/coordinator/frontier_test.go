package coordinator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/millstone-build/millstone/internal/coordinator"
)

func TestFrontier_MarksTransitiveDependentsOnly(t *testing.T) {
	t.Parallel()

	f := coordinator.NewFrontier()

	// 1 → 2 → 3, 1 → 4, 5 isolated.
	f.AddDependency(1, 2)
	f.AddDependency(2, 3)
	f.AddDependency(1, 4)

	f.MarkDownstreamChanged(1)

	assert.False(t, f.IsChanged(1), "the frontier node itself stays unmarked")
	assert.True(t, f.IsChanged(2))
	assert.True(t, f.IsChanged(3))
	assert.True(t, f.IsChanged(4))
	assert.False(t, f.IsChanged(5))
}

func TestFrontier_MarkingIsIdempotentUnderCycles(t *testing.T) {
	t.Parallel()

	f := coordinator.NewFrontier()

	// Marking must terminate even if an edge list loops.
	f.AddDependency(1, 2)
	f.AddDependency(2, 1)

	f.MarkDownstreamChanged(1)

	assert.True(t, f.IsChanged(2))
	assert.True(t, f.IsChanged(1), "cycle re-entry marks the origin too")
}
