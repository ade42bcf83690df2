// Package coordinator receives execution-log events during the build,
// decides per pip whether to run cache-miss analysis (budgeted, suppressed
// under the transitively-changed frontier), and batches results to a
// telemetry sink under a byte-size ceiling.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/millstone-build/millstone/internal/events"
	"github.com/millstone-build/millstone/internal/fpstore"
	"github.com/millstone-build/millstone/internal/manifest"
	"github.com/millstone-build/millstone/internal/missanalysis"
	"github.com/millstone-build/millstone/internal/observability"
	"github.com/millstone-build/millstone/internal/optracker"
)

// Operation kinds tracked by the coordinator.
const (
	opAnalyze optracker.Kind = "CacheMissAnalysis"
	opUpsert  optracker.Kind = "FingerprintStorePut"
)

// Config holds the coordinator knobs; all of them come from configuration.
type Config struct {
	// MaxAnalysisCount bounds how many pips are analyzed per build.
	MaxAnalysisCount int

	// AnalyzeAllPips disables the changed-frontier short-circuit.
	AnalyzeAllPips bool

	// MarkUncacheableDownstream restores the legacy behavior of marking
	// dependents of configured-uncacheable misses as changed.
	MarkUncacheableDownstream bool

	// ExecutionFingerprintsOnly skips recording cache-check-time computations.
	ExecutionFingerprintsOnly bool

	DiffFormat missanalysis.DiffFormat

	// BatchEnabled selects the batching queue over immediate per-result
	// emission.
	BatchEnabled  bool
	BatchInterval time.Duration
	BatchSize     int

	// MaxLogSize is the byte ceiling for one telemetry envelope.
	MaxLogSize int

	// LogDir receives the per-pip session text files. Empty disables them.
	LogDir string
}

// RuntimeAnalyzer is the event-stream coordinator.
type RuntimeAnalyzer struct {
	cfg    Config
	logger *slog.Logger

	store       *fpstore.Store // current build, read-write
	prior       *fpstore.Store // prior build view; nil when unavailable
	priorTmpDir string         // downloaded prior store; deleted on dispose

	frontier *Frontier
	analyzer *missanalysis.Analyzer
	sink     TelemetrySink
	batch    *BatchLogger
	manifest *manifest.Aggregator
	metrics  *observability.CoreMetrics
	tracker  *optracker.Tracker

	missInfo     sync.Map // events.PipID -> missanalysis.MissInfo
	numPerformed atomic.Int64

	missListMu sync.Mutex
	missList   []fpstore.CacheMissRecord

	disposeOnce sync.Once
}

// NewRuntimeAnalyzer wires the coordinator. prior may be nil (no prior store
// was retrieved); priorTmpDir, when non-empty, is deleted at dispose.
func NewRuntimeAnalyzer(
	store, prior *fpstore.Store,
	priorTmpDir string,
	sink TelemetrySink,
	aggregator *manifest.Aggregator,
	metrics *observability.CoreMetrics,
	tracker *optracker.Tracker,
	cfg Config,
	logger *slog.Logger,
) *RuntimeAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}

	ra := &RuntimeAnalyzer{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		prior:       prior,
		priorTmpDir: priorTmpDir,
		frontier:    NewFrontier(),
		analyzer:    missanalysis.NewAnalyzer(cfg.DiffFormat, logger),
		sink:        sink,
		manifest:    aggregator,
		metrics:     metrics,
		tracker:     tracker,
	}

	if cfg.BatchEnabled && sink != nil {
		ra.batch = NewBatchLogger(sink, cfg.BatchInterval, cfg.BatchSize, cfg.MaxLogSize, logger)
	}

	return ra
}

// AddGraphDependency records a producer→consumer edge for frontier marking.
func (ra *RuntimeAnalyzer) AddGraphDependency(producer, consumer events.PipID) {
	ra.frontier.AddDependency(producer.ToNodeID(), consumer.ToNodeID())
}

// HandleEvent implements events.Consumer.
func (ra *RuntimeAnalyzer) HandleEvent(_ events.Frame, event events.Event) bool {
	switch e := event.(type) {
	case *events.ProcessFingerprintComputed:
		ra.OnProcessFingerprintComputed(e)
	case *events.PipCacheMiss:
		ra.OnPipCacheMiss(e)
	case *events.DirectoryMembershipHashed:
		ra.OnDirectoryMembershipHashed(e)
	case *events.RecordFileForBuildManifest:
		if ra.manifest == nil {
			return false
		}

		ra.manifest.Record(e.Records)
	default:
		return false
	}

	return true
}

// OnPipCacheMiss records the miss observation. A retried pip overwrites its
// earlier record: the latest wins.
func (ra *RuntimeAnalyzer) OnPipCacheMiss(e *events.PipCacheMiss) {
	info := missanalysis.MissInfo{
		PipID:            uint32(e.PipID),
		PipDescription:   e.SemiStableHash,
		SemiStableHash:   e.SemiStableHash,
		UniqueOutputHash: e.UniqueOutputHash,
		Kind:             fpstore.CacheMissKind(e.Kind),
		MissedOutputs:    e.MissedOutputs,
	}

	ra.missInfo.Store(e.PipID, info)

	ra.missListMu.Lock()
	ra.missList = append(ra.missList, fpstore.CacheMissRecord{
		PipID: uint32(e.PipID),
		Kind:  info.Kind,
	})
	ra.missListMu.Unlock()
}

// OnDirectoryMembershipHashed writes the membership JSON under its
// fingerprint, if absent.
func (ra *RuntimeAnalyzer) OnDirectoryMembershipHashed(e *events.DirectoryMembershipHashed) {
	value, err := json.Marshal(struct {
		Members               []string `json:"Members"`
		Flags                 string   `json:"Flags,omitempty"`
		EnumeratePatternRegex string   `json:"EnumeratePatternRegex,omitempty"`
	}{
		Members:               e.Members,
		Flags:                 e.Flags,
		EnumeratePatternRegex: e.EnumeratePatternRegex,
	})
	if err != nil {
		ra.logger.Warn("cache miss analyzer: marshal directory membership", "error", err)

		return
	}

	if err := ra.store.PutContentHash(e.DirectoryFingerprint, value); err != nil {
		ra.logger.Warn("cache miss analyzer: store directory membership",
			"fingerprint", e.DirectoryFingerprint, "error", err)
	}
}

// OnProcessFingerprintComputed records fingerprints and triggers analysis per
// the computation kind.
func (ra *RuntimeAnalyzer) OnProcessFingerprintComputed(e *events.ProcessFingerprintComputed) {
	entry, hasEntry := entryFromEvent(e)

	switch e.Kind {
	case events.CacheCheck:
		anyHit := false
		anyMiss := false

		for _, sc := range e.StrongComputations {
			if sc.IsStrongFingerprintHit {
				anyHit = true
			} else {
				anyMiss = true
			}
		}

		if anyHit && hasEntry && !ra.cfg.ExecutionFingerprintsOnly {
			ra.upsertEntry(entry, false)
		}

		if anyMiss {
			ra.analyzeIfEligible(e.PipID, e.SemiStableHash, e.PipUniqueOutputHash)
		}
	case events.Execution:
		if hasEntry {
			ra.upsertEntry(entry, true)
		}

		ra.analyzeIfEligible(e.PipID, e.SemiStableHash, e.PipUniqueOutputHash)
	}
}

// entryFromEvent builds the store entry, preferring the hit computation over
// the last one. hasEntry is false when the event carries no fingerprints.
func entryFromEvent(e *events.ProcessFingerprintComputed) (fpstore.Entry, bool) {
	if e.WeakFingerprint == "" && len(e.StrongComputations) == 0 {
		return fpstore.Entry{}, false
	}

	chosen := events.StrongFingerprintComputation{}

	if n := len(e.StrongComputations); n > 0 {
		chosen = e.StrongComputations[n-1]

		for _, sc := range e.StrongComputations {
			if sc.IsStrongFingerprintHit {
				chosen = sc

				break
			}
		}
	}

	return fpstore.Entry{
		PipSemiStableHash:   e.SemiStableHash,
		PipUniqueOutputHash: e.PipUniqueOutputHash,
		Keys: fpstore.PipFingerprintKeys{
			WeakFingerprint:   e.WeakFingerprint,
			StrongFingerprint: chosen.StrongFingerprint,
			PathSetHash:       chosen.PathSetHash,
		},
		WeakFingerprintInputs:   e.WeakInputs,
		StrongFingerprintInputs: chosen.StrongFingerprintInputs,
		PathSetInputs:           chosen.PathSetInputs,
	}, true
}

// upsertEntry writes the entry. When storePathSet is false (cache-check time)
// the write is skipped if the stored keys are already identical; when it is
// true (execution time) the entry is always written.
func (ra *RuntimeAnalyzer) upsertEntry(entry fpstore.Entry, storePathSet bool) {
	var op *optracker.Operation

	if ra.tracker != nil {
		op = ra.tracker.Start(opUpsert, entry.PipSemiStableHash)
		defer op.Complete()
	}

	existing, found, err := ra.store.TryGetEntry(entry.PipUniqueOutputHash, entry.PipSemiStableHash)
	if err == nil && found && existing.Keys == entry.Keys && !storePathSet {
		return
	}

	if err := ra.store.PutEntry(entry, storePathSet); err != nil {
		ra.logger.Warn("cache miss analyzer: store fingerprint entry",
			"pip", entry.PipSemiStableHash, "error", err)
	}
}

// analyzeIfEligible applies the eligibility predicate, then runs the analysis
// and queues the result.
func (ra *RuntimeAnalyzer) analyzeIfEligible(pipID events.PipID, semiStableHash, uniqueOutputHash string) {
	ctx := context.Background()

	if prior := ra.numPerformed.Add(1) - 1; ra.cfg.MaxAnalysisCount > 0 && prior >= int64(ra.cfg.MaxAnalysisCount) {
		ra.metrics.BudgetExhausted(ctx)
		ra.logger.Debug("cache miss analysis budget exhausted", "pip", semiStableHash)

		return
	}

	// Removal transfers ownership of the miss record to this analysis.
	value, ok := ra.missInfo.LoadAndDelete(pipID)
	if !ok {
		return
	}

	info := value.(missanalysis.MissInfo)
	if info.UniqueOutputHash == "" {
		info.UniqueOutputHash = uniqueOutputHash
	}

	if info.SemiStableHash == "" {
		info.SemiStableHash = semiStableHash
		info.PipDescription = semiStableHash
	}

	if ra.frontier.IsChanged(pipID.ToNodeID()) && !ra.cfg.AnalyzeAllPips {
		ra.metrics.AnalysisSuppressed(ctx)

		return
	}

	var op *optracker.Operation

	if ra.tracker != nil {
		op = ra.tracker.Start(opAnalyze, info.SemiStableHash)
		defer op.Complete()
	}

	var priorReader missanalysis.EntryReader

	if ra.prior != nil {
		priorReader = ra.prior
	}

	oldSession := missanalysis.NewSession("old", priorReader, ra.sessionDir("old"))
	newSession := missanalysis.NewSession("new", ra.store, ra.sessionDir("new"))

	defer func() {
		_ = oldSession.Close()
		_ = newSession.Close()
	}()

	result := ra.analyzer.Analyze(info, oldSession, newSession)

	ra.metrics.AnalysisPerformed(ctx)

	if result.Result.IsRealMiss() ||
		(ra.cfg.MarkUncacheableDownstream && result.Result == missanalysis.UncacheablePip) {
		ra.frontier.MarkDownstreamChanged(pipID.ToNodeID())
	}

	ra.emit(result)
}

// sessionDir returns the per-side session log directory, or empty when
// per-pip files are disabled.
func (ra *RuntimeAnalyzer) sessionDir(side string) string {
	if ra.cfg.LogDir == "" {
		return ""
	}

	return ra.cfg.LogDir + string(os.PathSeparator) + side
}

// emit queues the result for batching, or sends it immediately when batching
// is disabled.
func (ra *RuntimeAnalyzer) emit(result missanalysis.DetailAndResult) {
	detailJSON, err := json.Marshal(result.Detail)
	if err != nil {
		ra.logger.Warn("cache miss analyzer: marshal detail",
			"pip", result.PipDescription, "error", err)

		return
	}

	record := ResultRecord{Name: result.PipDescription, Value: string(detailJSON)}

	if ra.batch != nil {
		ra.batch.Enqueue(record)

		return
	}

	if ra.sink != nil {
		for _, envelope := range ComposeEnvelopes([]ResultRecord{record}, ra.cfg.MaxLogSize) {
			ra.sink.Emit(envelope)
			ra.metrics.BatchEmitted(context.Background())
		}
	}
}

// NumPerformed returns how many analyses were attempted so far.
func (ra *RuntimeAnalyzer) NumPerformed() int64 {
	return ra.numPerformed.Load()
}

// Dispose writes the ordered cache-miss list, drains the batching queue
// synchronously, disposes the prior-store view, and deletes the downloaded
// prior-store directory if one was materialized.
func (ra *RuntimeAnalyzer) Dispose() {
	ra.disposeOnce.Do(func() {
		ra.missListMu.Lock()
		list := ra.missList
		ra.missListMu.Unlock()

		if len(list) > 0 && ra.store.Writable() {
			if err := ra.store.PutCacheMissList(list); err != nil {
				ra.logger.Warn("cache miss analyzer: store cache miss list", "error", err)
			}
		}

		if ra.batch != nil {
			ra.batch.Close()
		}

		if ra.prior != nil {
			if err := ra.prior.Dispose(false); err != nil {
				ra.logger.Warn("cache miss analyzer: dispose prior store", "error", err)
			}
		}

		if ra.priorTmpDir != "" {
			if err := os.RemoveAll(ra.priorTmpDir); err != nil {
				ra.logger.Warn("cache miss analyzer: remove downloaded prior store",
					"dir", ra.priorTmpDir, "error", err)
			}
		}
	})
}
