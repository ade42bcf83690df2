package coordinator

import (
	"sync"

	"github.com/millstone-build/millstone/internal/events"
)

// Frontier tracks which graph nodes were already explained by an upstream
// cache miss. Analyzing a pip that is a real miss marks every transitive
// dependent as changed; eligibility checks for changed nodes short-circuit so
// only the frontier of change is reported.
type Frontier struct {
	mu sync.Mutex

	// dependents[u] lists v for edges u -> v (v depends on u).
	dependents map[events.NodeID][]events.NodeID
	changed    map[events.NodeID]struct{}
}

// NewFrontier creates an empty frontier tracker.
func NewFrontier() *Frontier {
	return &Frontier{
		dependents: make(map[events.NodeID][]events.NodeID),
		changed:    make(map[events.NodeID]struct{}),
	}
}

// AddDependency records that consumer depends on producer.
func (f *Frontier) AddDependency(producer, consumer events.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dependents[producer] = append(f.dependents[producer], consumer)
}

// IsChanged reports whether a node was already marked downstream of a miss.
func (f *Frontier) IsChanged(node events.NodeID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.changed[node]

	return ok
}

// MarkDownstreamChanged marks every transitive dependent of node as changed.
// The node itself stays unmarked: it is the frontier.
func (f *Frontier) MarkDownstreamChanged(node events.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	queue := append([]events.NodeID(nil), f.dependents[node]...)

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if _, seen := f.changed[next]; seen {
			continue
		}

		f.changed[next] = struct{}{}
		queue = append(queue, f.dependents[next]...)
	}
}
