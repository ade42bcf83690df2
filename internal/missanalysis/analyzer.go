package missanalysis

import (
	"fmt"
	"log/slog"

	"github.com/millstone-build/millstone/internal/fpstore"
	"github.com/millstone-build/millstone/internal/jsontree"
)

// Analyzer runs cache-miss classification between an old and a new store
// session.
type Analyzer struct {
	format DiffFormat
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer emitting diffs in the given format.
func NewAnalyzer(format DiffFormat, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Analyzer{format: format, logger: logger}
}

// Analyze classifies the miss and produces the detail record. Any internal
// failure is caught and logged; cache-miss analysis never fails the build.
func (a *Analyzer) Analyze(info MissInfo, oldSession, newSession *Session) (out DetailAndResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("cache miss analysis exception",
				"pip", info.PipDescription,
				"old_key", info.SemiStableHash,
				"new_key", info.SemiStableHash,
				"panic", fmt.Sprintf("%v", r),
			)

			out = DetailAndResult{
				PipDescription: info.PipDescription,
				Result:         Invalid,
				Detail: Detail{
					ActualMissType:     info.Kind.String(),
					ReasonFromAnalysis: ReasonInvalidDescriptors,
				},
			}
		}
	}()

	return a.classify(info, oldSession, newSession)
}

// classify applies the fixed classification table, delegating descriptor
// misses to the fingerprint diff.
func (a *Analyzer) classify(info MissInfo, oldSession, newSession *Session) DetailAndResult {
	if info.Kind.IsFingerprintMiss() {
		return a.diffFingerprints(info, oldSession, newSession)
	}

	fixed := func(result Classification, reason string, extra map[string]any) DetailAndResult {
		return DetailAndResult{
			PipDescription: info.PipDescription,
			Result:         result,
			Detail: Detail{
				ActualMissType:     info.Kind.String(),
				ReasonFromAnalysis: reason,
				Info:               extra,
			},
		}
	}

	switch info.Kind {
	case fpstore.MissForCacheEntry:
		return fixed(DataMiss, ReasonCacheEntryMissing, nil)
	case fpstore.MissForProcessMetadata:
		return fixed(DataMiss, ReasonMetadataMissing, nil)
	case fpstore.MissForProcessOutputContent:
		var extra map[string]any

		if len(info.MissedOutputs) > 0 {
			extra = map[string]any{"MissingOutputs": info.MissedOutputs}
		}

		return fixed(OutputMiss, ReasonOutputsMissing, extra)
	case fpstore.MissDueToInvalidDescriptors:
		return fixed(InvalidDescriptors, ReasonInvalidDescriptors, nil)
	case fpstore.MissForProcessConfiguredUncacheable:
		return fixed(UncacheablePip, ReasonUncacheable, nil)
	case fpstore.MissArtificial:
		return fixed(ArtificialMiss, ReasonArtificialMiss, nil)
	case fpstore.Hit:
		return fixed(NoMiss, ReasonNoMiss, nil)
	default:
		return fixed(Invalid, ReasonInvalidDescriptors, nil)
	}
}

// diffFingerprints is the fingerprint-diff subroutine: compare entries of the
// two sessions in weak → path-set → strong order and attach the first diff.
func (a *Analyzer) diffFingerprints(info MissInfo, oldSession, newSession *Session) DetailAndResult {
	out := DetailAndResult{
		PipDescription: info.PipDescription,
		Detail:         Detail{ActualMissType: info.Kind.String()},
	}

	oldEntry, oldFound, err := oldSession.Entry(info)
	if err != nil {
		panic(fmt.Sprintf("read old session entry: %v", err))
	}

	if !oldFound {
		out.Result = MissingFromOldBuild
		out.Detail.ReasonFromAnalysis = ReasonMissingFromOldBuild

		// Leave the marker in the old pip file so a reader of that side alone
		// sees why no comparison was possible.
		_ = oldSession.WritePipLine(info.PipDescription, UncacheableMarker)

		return out
	}

	newEntry, newFound, err := newSession.Entry(info)
	if err != nil {
		panic(fmt.Sprintf("read new session entry: %v", err))
	}

	if !newFound {
		out.Result = MissingFromNewBuild
		out.Detail.ReasonFromAnalysis = ReasonMissingFromNewBuild

		return out
	}

	a.writeEntryFiles(info, oldSession, oldEntry, newSession, newEntry)

	info2 := out.Detail.Info
	if info2 == nil {
		info2 = make(map[string]any)
	}

	// Annotation, not a distinct kind: the comparison continues.
	if oldEntry.PipSemiStableHash != newEntry.PipSemiStableHash {
		info2["SemiStableHash"] = map[string]any{
			"Old": oldEntry.PipSemiStableHash,
			"New": newEntry.PipSemiStableHash,
		}
	}

	switch {
	case oldEntry.Keys.WeakFingerprint != newEntry.Keys.WeakFingerprint:
		out.Result = WeakFingerprintMismatch
		out.Detail.ReasonFromAnalysis = ReasonWeakFingerprintMismatch
		info2["WeakFingerprintMismatchResult"] = a.renderDiff(
			jsontree.DiffWeakFingerprints(parseTree(oldEntry.WeakFingerprintInputs), parseTree(newEntry.WeakFingerprintInputs)),
			parseTree(oldEntry.WeakFingerprintInputs), parseTree(newEntry.WeakFingerprintInputs),
		)
	case oldEntry.Keys.PathSetHash != newEntry.Keys.PathSetHash:
		out.Result = PathSetHashMismatch
		out.Detail.ReasonFromAnalysis = ReasonPathSetHashMismatch
		oldMerged, newMerged, diff := a.pathSetDiff(oldEntry, newEntry, oldSession, newSession)
		info2["PathSetMismatchResult"] = a.renderDiff(diff, oldMerged, newMerged)
	case oldEntry.Keys.StrongFingerprint != newEntry.Keys.StrongFingerprint:
		out.Result = StrongFingerprintMismatch
		out.Detail.ReasonFromAnalysis = ReasonStrongFingerprintMismatch
		oldMerged, newMerged, diff := a.strongDiff(oldEntry, newEntry, oldSession, newSession)
		info2["StrongFingerprintMismatchResult"] = a.renderDiff(diff, oldMerged, newMerged)
	default:
		out.Result = UncacheablePip
		out.Detail.ReasonFromAnalysis = ReasonUncacheable
	}

	if len(info2) > 0 {
		out.Detail.Info = info2
	}

	return out
}

// pathSetDiff merges each side's path set with its observations and diffs.
func (a *Analyzer) pathSetDiff(oldEntry, newEntry fpstore.Entry, oldSession, newSession *Session) (*jsontree.Node, *jsontree.Node, map[string]any) {
	oldMerged := jsontree.MergeStrongFingerprintAndPathSetTrees(
		parseTree(oldEntry.StrongFingerprintInputs), parseTree(oldEntry.PathSetInputs), oldSession.DirMembers)
	newMerged := jsontree.MergeStrongFingerprintAndPathSetTrees(
		parseTree(newEntry.StrongFingerprintInputs), parseTree(newEntry.PathSetInputs), newSession.DirMembers)

	diff := jsontree.DiffPathSets(
		oldEntry.Keys.PathSetHash, parseTree(oldEntry.PathSetInputs), parseTree(oldEntry.StrongFingerprintInputs),
		newEntry.Keys.PathSetHash, parseTree(newEntry.PathSetInputs), parseTree(newEntry.StrongFingerprintInputs),
		oldSession.DirMembers, newSession.DirMembers,
	)

	return oldMerged, newMerged, diff
}

// strongDiff diffs the merged strong-fingerprint trees.
func (a *Analyzer) strongDiff(oldEntry, newEntry fpstore.Entry, oldSession, newSession *Session) (*jsontree.Node, *jsontree.Node, map[string]any) {
	oldMerged := jsontree.MergeStrongFingerprintAndPathSetTrees(
		parseTree(oldEntry.StrongFingerprintInputs), parseTree(oldEntry.PathSetInputs), oldSession.DirMembers)
	newMerged := jsontree.MergeStrongFingerprintAndPathSetTrees(
		parseTree(newEntry.StrongFingerprintInputs), parseTree(newEntry.PathSetInputs), newSession.DirMembers)

	diff := jsontree.DiffStrongFingerprints(
		parseTree(oldEntry.PathSetInputs), parseTree(oldEntry.StrongFingerprintInputs),
		parseTree(newEntry.PathSetInputs), parseTree(newEntry.StrongFingerprintInputs),
		oldSession.DirMembers, newSession.DirMembers,
	)

	return oldMerged, newMerged, diff
}

// renderDiff returns the diff in the configured format: the structural map
// for CustomJSONDiff, or the printed line diff for TreeDiff.
func (a *Analyzer) renderDiff(structural map[string]any, oldRoot, newRoot *jsontree.Node) any {
	if a.format == TreeDiff {
		return jsontree.PrintTreeDiff(oldRoot, newRoot)
	}

	return structural
}

// writeEntryFiles records each side's fingerprint inputs into its session's
// per-pip file while the sessions are in scope.
func (a *Analyzer) writeEntryFiles(info MissInfo, oldSession *Session, oldEntry fpstore.Entry, newSession *Session, newEntry fpstore.Entry) {
	_ = oldSession.WritePipLine(info.PipDescription, "WeakFingerprint: "+oldEntry.Keys.WeakFingerprint)
	_ = oldSession.WritePipLine(info.PipDescription, string(oldEntry.WeakFingerprintInputs))
	_ = oldSession.WritePipLine(info.PipDescription, string(oldEntry.StrongFingerprintInputs))
	_ = newSession.WritePipLine(info.PipDescription, "WeakFingerprint: "+newEntry.Keys.WeakFingerprint)
	_ = newSession.WritePipLine(info.PipDescription, string(newEntry.WeakFingerprintInputs))
	_ = newSession.WritePipLine(info.PipDescription, string(newEntry.StrongFingerprintInputs))
}

// parseTree deserializes a stored JSON blob; malformed stored JSON is an
// analyzer-internal failure and surfaces through the recover path.
func parseTree(blob []byte) *jsontree.Node {
	if len(blob) == 0 {
		return &jsontree.Node{}
	}

	node, err := jsontree.Deserialize(blob)
	if err != nil {
		panic(fmt.Sprintf("malformed stored fingerprint input: %v", err))
	}

	return node
}
