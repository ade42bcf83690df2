// Package optracker tracks hierarchical operation counters and writes a
// throttled performance JSON dump. Counters form a tree keyed by
// (parent counter, kind); an operation holds its parent open until every
// child completed.
package optracker

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names one operation type, e.g. "FingerprintStorePut".
type Kind string

// counterKey identifies a counter inside the tree.
type counterKey struct {
	parent *counter
	kind   Kind
}

// counter is one node of the counter tree.
type counter struct {
	kind        Kind
	parent      *counter
	durationNs  atomic.Int64
	occurrences atomic.Int64
	outstanding atomic.Int64
}

// Tracker owns the counter tree. The common get-counter path takes only the
// read lock; inserts take the write lock briefly.
type Tracker struct {
	mu       sync.RWMutex
	counters map[counterKey]*counter
	roots    []*counter

	minDumpInterval time.Duration
	lastDump        atomic.Int64

	opsMu     sync.Mutex
	activeOps map[*Operation]struct{}
	now       func() time.Time
}

// New creates a tracker whose periodic dump is throttled to at most one per
// minDumpInterval.
func New(minDumpInterval time.Duration) *Tracker {
	return &Tracker{
		counters:        make(map[counterKey]*counter),
		minDumpInterval: minDumpInterval,
		activeOps:       make(map[*Operation]struct{}),
		now:             time.Now,
	}
}

// Operation is one started operation. Complete must be called exactly once.
type Operation struct {
	tracker *Tracker
	counter *counter
	parent  *Operation
	start   time.Time

	// Artifact or pip the operation is associated with, for the outstanding
	// report. Optional.
	Association string

	pendingChildren atomic.Int64
	completeWanted  atomic.Bool
	finalized       atomic.Bool
}

// Start begins a root operation of the given kind.
func (t *Tracker) Start(kind Kind, association string) *Operation {
	return t.start(nil, kind, association)
}

// StartChild begins an operation nested under parent. The parent cannot
// finish until the child completes.
func (t *Tracker) StartChild(parent *Operation, kind Kind, association string) *Operation {
	return t.start(parent, kind, association)
}

func (t *Tracker) start(parent *Operation, kind Kind, association string) *Operation {
	var parentCounter *counter

	if parent != nil {
		parentCounter = parent.counter
		parent.pendingChildren.Add(1)
	}

	node := t.counterFor(parentCounter, kind)
	node.outstanding.Add(1)

	op := &Operation{
		tracker:     t,
		counter:     node,
		parent:      parent,
		start:       t.now(),
		Association: association,
	}

	t.opsMu.Lock()
	t.activeOps[op] = struct{}{}
	t.opsMu.Unlock()

	return op
}

// counterFor finds or creates the counter keyed by (parent, kind).
func (t *Tracker) counterFor(parent *counter, kind Kind) *counter {
	key := counterKey{parent: parent, kind: kind}

	t.mu.RLock()
	node, ok := t.counters[key]
	t.mu.RUnlock()

	if ok {
		return node
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if node, ok = t.counters[key]; ok {
		return node
	}

	node = &counter{kind: kind, parent: parent}
	t.counters[key] = node

	if parent == nil {
		t.roots = append(t.roots, node)
	}

	return node
}

// Complete finishes the operation. When children are still outstanding the
// completion is deferred until the last child completes.
func (op *Operation) Complete() {
	op.completeWanted.Store(true)
	op.tryFinalize()
}

func (op *Operation) tryFinalize() {
	if !op.completeWanted.Load() || op.pendingChildren.Load() > 0 {
		return
	}

	if !op.finalized.CompareAndSwap(false, true) {
		return
	}

	op.counter.durationNs.Add(int64(op.tracker.now().Sub(op.start)))
	op.counter.occurrences.Add(1)
	op.counter.outstanding.Add(-1)

	op.tracker.opsMu.Lock()
	delete(op.tracker.activeOps, op)
	op.tracker.opsMu.Unlock()

	if op.parent != nil {
		op.parent.pendingChildren.Add(-1)
		op.parent.tryFinalize()
	}
}

// counterReport is the JSON form of one counter subtree.
type counterReport struct {
	Kind        string          `json:"kind"`
	DurationMs  int64           `json:"durationMs"`
	Occurrences int64           `json:"occurrences"`
	Outstanding int64           `json:"outstanding,omitempty"`
	Children    []counterReport `json:"children,omitempty"`
}

// outstandingReport is one long-running operation in the dump.
type outstandingReport struct {
	Kind        string `json:"kind"`
	ElapsedMs   int64  `json:"elapsedMs"`
	Association string `json:"association,omitempty"`
}

// performanceDump is the emitted performance JSON document.
type performanceDump struct {
	Timestamp   string              `json:"timestamp"`
	Counters    []counterReport     `json:"counters"`
	Outstanding []outstandingReport `json:"outstanding,omitempty"`
}

// MaybeDump writes the performance JSON unless one was written within the
// minimum interval. Returns true when a dump was written.
func (t *Tracker) MaybeDump(w io.Writer) (bool, error) {
	nowNs := t.now().UnixNano()
	last := t.lastDump.Load()

	if last != 0 && time.Duration(nowNs-last) < t.minDumpInterval {
		return false, nil
	}

	if !t.lastDump.CompareAndSwap(last, nowNs) {
		return false, nil
	}

	return true, t.Dump(w, 0)
}

// Dump writes the performance JSON unconditionally, with the top
// outstandingTop longest-running operations included when positive.
func (t *Tracker) Dump(w io.Writer, outstandingTop int) error {
	doc := performanceDump{
		Timestamp: t.now().UTC().Format(time.RFC3339),
		Counters:  t.reportRoots(),
	}

	if outstandingTop > 0 {
		doc.Outstanding = t.topOutstanding(outstandingTop)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write performance dump: %w", err)
	}

	return nil
}

// reportRoots renders the root subtrees sorted by duration, longest first.
func (t *Tracker) reportRoots() []counterReport {
	t.mu.RLock()

	children := make(map[*counter][]*counter)

	for key, node := range t.counters {
		if key.parent != nil {
			children[key.parent] = append(children[key.parent], node)
		}
	}

	roots := append([]*counter(nil), t.roots...)

	t.mu.RUnlock()

	var render func(nodes []*counter) []counterReport

	render = func(nodes []*counter) []counterReport {
		out := make([]counterReport, 0, len(nodes))

		for _, node := range nodes {
			out = append(out, counterReport{
				Kind:        string(node.kind),
				DurationMs:  node.durationNs.Load() / int64(time.Millisecond),
				Occurrences: node.occurrences.Load(),
				Outstanding: node.outstanding.Load(),
				Children:    render(children[node]),
			})
		}

		sort.Slice(out, func(i, j int) bool {
			if out[i].DurationMs != out[j].DurationMs {
				return out[i].DurationMs > out[j].DurationMs
			}

			return out[i].Kind < out[j].Kind
		})

		return out
	}

	return render(roots)
}

// topOutstanding returns the n longest-running active operations.
func (t *Tracker) topOutstanding(n int) []outstandingReport {
	now := t.now()

	t.opsMu.Lock()

	out := make([]outstandingReport, 0, len(t.activeOps))

	for op := range t.activeOps {
		out = append(out, outstandingReport{
			Kind:        string(op.counter.kind),
			ElapsedMs:   int64(now.Sub(op.start) / time.Millisecond),
			Association: op.Association,
		})
	}

	t.opsMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ElapsedMs != out[j].ElapsedMs {
			return out[i].ElapsedMs > out[j].ElapsedMs
		}

		return out[i].Kind < out[j].Kind
	})

	if len(out) > n {
		out = out[:n]
	}

	return out
}
