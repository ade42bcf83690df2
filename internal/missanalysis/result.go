// Package missanalysis classifies why a pip missed the cache and produces a
// structured diff of its fingerprint inputs between two store sessions. An
// analysis failure is never allowed to propagate into the build.
package missanalysis

import "github.com/millstone-build/millstone/internal/fpstore"

// DiffFormat selects the diff renderer.
type DiffFormat int

// Diff formats.
const (
	// CustomJSONDiff renders structural diffs as nested JSON objects.
	CustomJSONDiff DiffFormat = iota

	// TreeDiff renders line-oriented diffs of the printed canonical trees.
	TreeDiff
)

// Classification is the analyzer's verdict for one pip.
type Classification string

// Classifications.
const (
	WeakFingerprintMismatch   Classification = "WeakFingerprintMismatch"
	PathSetHashMismatch       Classification = "PathSetHashMismatch"
	StrongFingerprintMismatch Classification = "StrongFingerprintMismatch"
	MissingFromOldBuild       Classification = "MissingFromOldBuild"
	MissingFromNewBuild       Classification = "MissingFromNewBuild"
	UncacheablePip            Classification = "UncacheablePip"
	DataMiss                  Classification = "DataMiss"
	OutputMiss                Classification = "OutputMiss"
	InvalidDescriptors        Classification = "InvalidDescriptors"
	ArtificialMiss            Classification = "ArtificialMiss"
	NoMiss                    Classification = "NoMiss"
	Invalid                   Classification = "Invalid"
)

// IsRealMiss reports whether the classification marks the pip as a genuine
// source of change, i.e. its transitive dependents should not be re-analyzed.
// Uncacheable-by-configuration pips are exempt: their downstream causes are
// still worth surfacing.
func (c Classification) IsRealMiss() bool {
	switch c {
	case NoMiss, Invalid, UncacheablePip:
		return false
	default:
		return true
	}
}

// Reason strings attached to classifications.
const (
	ReasonWeakFingerprintMismatch   = "WeakFingerprints of the builds are different."
	ReasonPathSetHashMismatch       = "PathSets of the builds are different."
	ReasonStrongFingerprintMismatch = "StrongFingerprints of the builds are different."
	ReasonCacheEntryMissing         = "Cache entry missing from the cache."
	ReasonMetadataMissing           = "MetaData missing from the cache."
	ReasonOutputsMissing            = "Outputs missing from the cache."
	ReasonInvalidDescriptors        = "Cache returned invalid data."
	ReasonArtificialMiss            = "Cache miss artificially forced by user."
	ReasonNoMiss                    = "Pip was a cache hit."
	ReasonMissingFromOldBuild       = "No fingerprint computation data found from the old build."
	ReasonMissingFromNewBuild       = "No fingerprint computation data found from the new build."
)

// UncacheableMarker flags pips whose fingerprints match exactly between the
// builds: only disallowed file accesses or pip failures can explain the miss.
const UncacheableMarker = "DisallowedFileAccessesOrPipFailuresPreventCaching"

// ReasonUncacheable is the full uncacheable-pip explanation.
const ReasonUncacheable = "Fingerprints match between builds: " + UncacheableMarker

// Detail is the structured analysis record batched to telemetry.
type Detail struct {
	ActualMissType     string         `json:"ActualMissType"`
	ReasonFromAnalysis string         `json:"ReasonFromAnalysis"`
	Info               map[string]any `json:"Info,omitempty"`
}

// DetailAndResult pairs the verdict with its detail record.
type DetailAndResult struct {
	PipDescription string
	Result         Classification
	Detail         Detail
}

// MissInfo is the per-pip input captured from the execution log.
type MissInfo struct {
	PipID          uint32
	PipDescription string
	SemiStableHash string
	// UniqueOutputHash is the hex cross-build pip identity, when known.
	UniqueOutputHash string
	Kind             fpstore.CacheMissKind
	MissedOutputs    []string
}
