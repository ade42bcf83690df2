package fpstore

// Column family names inside the KV store. The physical key layout is owned
// by this package; callers only see typed operations.
const (
	famPipKeys      = "pipkeys"
	famWeak         = "weakfp"
	famStrong       = "strongfp"
	famPathSet      = "pathset"
	famContent      = "content"
	famUniqueOutput = "pipunique"
	famMeta         = "meta"
	famLRU          = "lru"
)

// metaKeyCacheMissList is the single meta-family key holding the ordered
// cache-miss list blob.
const metaKeyCacheMissList = "cacheMissList"

// PipFingerprintKeys is the per-pip row mapping a pip to its fingerprints.
type PipFingerprintKeys struct {
	WeakFingerprint   string `json:"weakFingerprint"`
	StrongFingerprint string `json:"strongFingerprint"`
	PathSetHash       string `json:"pathSetHash"`
}

// Entry is the logical fingerprint store record for one executed pip. It is
// physically spread across the pip-keyed and content-hash-keyed families.
type Entry struct {
	// PipSemiStableHash is the formatted semi-stable hash, e.g. "PipB8A3F1C2".
	PipSemiStableHash string

	// PipUniqueOutputHash is the hex spelling of the stronger cross-build pip
	// identity. Empty when unknown.
	PipUniqueOutputHash string

	Keys PipFingerprintKeys

	// JSON blobs of the fingerprint inputs, keyed by the respective hash in Keys.
	WeakFingerprintInputs   []byte
	StrongFingerprintInputs []byte
	PathSetInputs           []byte
}

// CacheMissKind classifies why a pip could not be served from cache.
type CacheMissKind int

// Cache miss kinds, in wire order.
const (
	MissInvalid CacheMissKind = iota
	MissForDescriptorsDueToWeakFingerprints
	MissForDescriptorsDueToStrongFingerprints
	MissForDescriptorsDueToAugmentedWeakFingerprints
	MissForCacheEntry
	MissForProcessMetadata
	MissForProcessOutputContent
	MissDueToInvalidDescriptors
	MissForProcessConfiguredUncacheable
	MissArtificial
	Hit
)

// IsFingerprintMiss reports whether the kind calls for a fingerprint input
// diff rather than a fixed classification.
func (k CacheMissKind) IsFingerprintMiss() bool {
	switch k {
	case MissForDescriptorsDueToWeakFingerprints,
		MissForDescriptorsDueToStrongFingerprints,
		MissForDescriptorsDueToAugmentedWeakFingerprints:
		return true
	default:
		return false
	}
}

// String returns the kind name used in logs. The cache-miss list blob stores
// the numeric kind.
func (k CacheMissKind) String() string {
	switch k {
	case MissForDescriptorsDueToWeakFingerprints:
		return "MissForDescriptorsDueToWeakFingerprints"
	case MissForDescriptorsDueToStrongFingerprints:
		return "MissForDescriptorsDueToStrongFingerprints"
	case MissForDescriptorsDueToAugmentedWeakFingerprints:
		return "MissForDescriptorsDueToAugmentedWeakFingerprints"
	case MissForCacheEntry:
		return "MissForCacheEntry"
	case MissForProcessMetadata:
		return "MissForProcessMetadata"
	case MissForProcessOutputContent:
		return "MissForProcessOutputContent"
	case MissDueToInvalidDescriptors:
		return "MissDueToInvalidDescriptors"
	case MissForProcessConfiguredUncacheable:
		return "MissForProcessConfiguredUncacheable"
	case MissArtificial:
		return "MissArtificial"
	case Hit:
		return "Hit"
	default:
		return "Invalid"
	}
}

// CacheMissRecord is one element of the ordered cache-miss list.
type CacheMissRecord struct {
	PipID uint32        `json:"pipId"`
	Kind  CacheMissKind `json:"kind"`
}
