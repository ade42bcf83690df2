// Package events defines the execution-log events the core consumes, their
// binary wire format, and typed dispatch to consumers.
package events

import (
	"fmt"
	"io"
)

// EventID identifies an event type on the wire.
type EventID uint8

// Event ids, in wire order.
const (
	IDProcessFingerprintComputed EventID = iota + 1
	IDPipCacheMiss
	IDDirectoryMembershipHashed
	IDRecordFileForBuildManifest
	IDPipExecutionDirectoryOutputs
	IDFileArtifactContentDecided
	IDBuildSessionConfiguration
	IDBxlInvocation
	IDCacheMaterializationError
)

// maxEventID bounds per-consumer disable bitsets.
const maxEventID = 64

// PipID is the stable integer identity of a pip.
type PipID uint32

// NodeID is the stable integer identity of a graph node.
type NodeID uint32

// ToNodeID converts a pip identity to its graph node identity.
func (p PipID) ToNodeID() NodeID {
	return NodeID(p)
}

// ToPipID converts a graph node identity to its pip identity.
func (n NodeID) ToPipID() PipID {
	return PipID(n)
}

// Event is one typed execution-log event.
type Event interface {
	EventID() EventID
	Serialize(w io.Writer) error
	Deserialize(r io.Reader) error
}

// FingerprintComputationKind says when a fingerprint computation happened.
type FingerprintComputationKind uint8

// Fingerprint computation kinds.
const (
	// CacheCheck is the cache-lookup-time computation.
	CacheCheck FingerprintComputationKind = iota

	// Execution is the post-execution computation.
	Execution
)

// StrongFingerprintComputation is one strong-fingerprint attempt within a
// fingerprint computation: the path set it was computed over and whether the
// cache lookup hit.
type StrongFingerprintComputation struct {
	StrongFingerprint       string
	PathSetHash             string
	PathSetInputs           []byte
	StrongFingerprintInputs []byte
	IsStrongFingerprintHit  bool
}

// ProcessFingerprintComputed reports a process pip's two-level fingerprint.
type ProcessFingerprintComputed struct {
	Kind                FingerprintComputationKind
	PipID               PipID
	SemiStableHash      string
	PipUniqueOutputHash string
	WeakFingerprint     string
	WeakInputs          []byte
	StrongComputations  []StrongFingerprintComputation
}

// EventID implements Event.
func (*ProcessFingerprintComputed) EventID() EventID { return IDProcessFingerprintComputed }

// Serialize implements Event.
func (e *ProcessFingerprintComputed) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.u8(uint8(e.Kind))
	enc.u32(uint32(e.PipID))
	enc.str(e.SemiStableHash)
	enc.str(e.PipUniqueOutputHash)
	enc.str(e.WeakFingerprint)
	enc.bytes(e.WeakInputs)
	enc.uvarint(uint64(len(e.StrongComputations)))

	for _, sc := range e.StrongComputations {
		enc.str(sc.StrongFingerprint)
		enc.str(sc.PathSetHash)
		enc.bytes(sc.PathSetInputs)
		enc.bytes(sc.StrongFingerprintInputs)
		enc.bool(sc.IsStrongFingerprintHit)
	}

	return enc.err
}

// Deserialize implements Event.
func (e *ProcessFingerprintComputed) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	e.Kind = FingerprintComputationKind(dec.u8())
	e.PipID = PipID(dec.u32())
	e.SemiStableHash = dec.str()
	e.PipUniqueOutputHash = dec.str()
	e.WeakFingerprint = dec.str()
	e.WeakInputs = dec.bytes()

	count := dec.uvarint()
	e.StrongComputations = make([]StrongFingerprintComputation, 0, count)

	for range count {
		e.StrongComputations = append(e.StrongComputations, StrongFingerprintComputation{
			StrongFingerprint:       dec.str(),
			PathSetHash:             dec.str(),
			PathSetInputs:           dec.bytes(),
			StrongFingerprintInputs: dec.bytes(),
			IsStrongFingerprintHit:  dec.bool(),
		})
	}

	return dec.err
}

// PipCacheMiss reports why a pip could not be served from cache.
type PipCacheMiss struct {
	PipID            PipID
	SemiStableHash   string
	UniqueOutputHash string
	Kind             uint8
	MissedOutputs    []string
}

// EventID implements Event.
func (*PipCacheMiss) EventID() EventID { return IDPipCacheMiss }

// Serialize implements Event.
func (e *PipCacheMiss) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.u32(uint32(e.PipID))
	enc.str(e.SemiStableHash)
	enc.str(e.UniqueOutputHash)
	enc.u8(e.Kind)
	enc.strings(e.MissedOutputs)

	return enc.err
}

// Deserialize implements Event.
func (e *PipCacheMiss) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	e.PipID = PipID(dec.u32())
	e.SemiStableHash = dec.str()
	e.UniqueOutputHash = dec.str()
	e.Kind = dec.u8()
	e.MissedOutputs = dec.strings()

	return dec.err
}

// DirectoryMembershipHashed reports a hashed directory enumeration.
type DirectoryMembershipHashed struct {
	DirectoryFingerprint  string
	DirectoryPath         string
	Members               []string
	Flags                 string
	EnumeratePatternRegex string
}

// EventID implements Event.
func (*DirectoryMembershipHashed) EventID() EventID { return IDDirectoryMembershipHashed }

// Serialize implements Event.
func (e *DirectoryMembershipHashed) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.str(e.DirectoryFingerprint)
	enc.str(e.DirectoryPath)
	enc.strings(e.Members)
	enc.str(e.Flags)
	enc.str(e.EnumeratePatternRegex)

	return enc.err
}

// Deserialize implements Event.
func (e *DirectoryMembershipHashed) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	e.DirectoryFingerprint = dec.str()
	e.DirectoryPath = dec.str()
	e.Members = dec.strings()
	e.Flags = dec.str()
	e.EnumeratePatternRegex = dec.str()

	return dec.err
}

// BuildManifestRecord is one file registered for a drop's build manifest.
type BuildManifestRecord struct {
	DropName           string
	RelativePath       string
	AzureArtifactsHash string
	BuildManifestHash  string
}

// RecordFileForBuildManifest registers files for build-manifest generation.
type RecordFileForBuildManifest struct {
	Records []BuildManifestRecord
}

// EventID implements Event.
func (*RecordFileForBuildManifest) EventID() EventID { return IDRecordFileForBuildManifest }

// Serialize implements Event.
func (e *RecordFileForBuildManifest) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.uvarint(uint64(len(e.Records)))

	for _, rec := range e.Records {
		enc.str(rec.DropName)
		enc.str(rec.RelativePath)
		enc.str(rec.AzureArtifactsHash)
		enc.str(rec.BuildManifestHash)
	}

	return enc.err
}

// Deserialize implements Event.
func (e *RecordFileForBuildManifest) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	count := dec.uvarint()
	e.Records = make([]BuildManifestRecord, 0, count)

	for range count {
		e.Records = append(e.Records, BuildManifestRecord{
			DropName:           dec.str(),
			RelativePath:       dec.str(),
			AzureArtifactsHash: dec.str(),
			BuildManifestHash:  dec.str(),
		})
	}

	return dec.err
}

// DirectoryOutput is one opaque output directory with its file members.
type DirectoryOutput struct {
	Directory string
	Files     []string
}

// PipExecutionDirectoryOutputs reports the dynamic directory outputs of a pip.
type PipExecutionDirectoryOutputs struct {
	PipID       PipID
	Directories []DirectoryOutput
}

// EventID implements Event.
func (*PipExecutionDirectoryOutputs) EventID() EventID { return IDPipExecutionDirectoryOutputs }

// Serialize implements Event.
func (e *PipExecutionDirectoryOutputs) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.u32(uint32(e.PipID))
	enc.uvarint(uint64(len(e.Directories)))

	for _, dir := range e.Directories {
		enc.str(dir.Directory)
		enc.strings(dir.Files)
	}

	return enc.err
}

// Deserialize implements Event.
func (e *PipExecutionDirectoryOutputs) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	e.PipID = PipID(dec.u32())
	count := dec.uvarint()
	e.Directories = make([]DirectoryOutput, 0, count)

	for range count {
		e.Directories = append(e.Directories, DirectoryOutput{
			Directory: dec.str(),
			Files:     dec.strings(),
		})
	}

	return dec.err
}

// FileArtifactContentDecided reports the final content hash of a file artifact.
type FileArtifactContentDecided struct {
	Path        string
	ContentHash string
	Length      int64
}

// EventID implements Event.
func (*FileArtifactContentDecided) EventID() EventID { return IDFileArtifactContentDecided }

// Serialize implements Event.
func (e *FileArtifactContentDecided) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.str(e.Path)
	enc.str(e.ContentHash)
	enc.i64(e.Length)

	return enc.err
}

// Deserialize implements Event.
func (e *FileArtifactContentDecided) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	e.Path = dec.str()
	e.ContentHash = dec.str()
	e.Length = dec.i64()

	return dec.err
}

// BuildSessionConfiguration carries the salts and flags that participate in
// fingerprinting for the build session.
type BuildSessionConfiguration struct {
	FingerprintSalt   string
	FingerprintSchema string
}

// EventID implements Event.
func (*BuildSessionConfiguration) EventID() EventID { return IDBuildSessionConfiguration }

// Serialize implements Event.
func (e *BuildSessionConfiguration) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.str(e.FingerprintSalt)
	enc.str(e.FingerprintSchema)

	return enc.err
}

// Deserialize implements Event.
func (e *BuildSessionConfiguration) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	e.FingerprintSalt = dec.str()
	e.FingerprintSchema = dec.str()

	return dec.err
}

// BxlInvocation records the engine invocation and path subst mapping.
type BxlInvocation struct {
	CommandLine string
	SubstSource string
	SubstTarget string
}

// EventID implements Event.
func (*BxlInvocation) EventID() EventID { return IDBxlInvocation }

// Serialize implements Event.
func (e *BxlInvocation) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.str(e.CommandLine)
	enc.str(e.SubstSource)
	enc.str(e.SubstTarget)

	return enc.err
}

// Deserialize implements Event.
func (e *BxlInvocation) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	e.CommandLine = dec.str()
	e.SubstSource = dec.str()
	e.SubstTarget = dec.str()

	return dec.err
}

// CacheMaterializationError reports output files that failed to materialize
// from the cache.
type CacheMaterializationError struct {
	PipID     PipID
	Paths     []string
	ErrorText string
}

// EventID implements Event.
func (*CacheMaterializationError) EventID() EventID { return IDCacheMaterializationError }

// Serialize implements Event.
func (e *CacheMaterializationError) Serialize(w io.Writer) error {
	enc := newEncoder(w)
	enc.u32(uint32(e.PipID))
	enc.strings(e.Paths)
	enc.str(e.ErrorText)

	return enc.err
}

// Deserialize implements Event.
func (e *CacheMaterializationError) Deserialize(r io.Reader) error {
	dec := newDecoder(r)
	e.PipID = PipID(dec.u32())
	e.Paths = dec.strings()
	e.ErrorText = dec.str()

	return dec.err
}

// newEvent allocates the payload type for an id.
func newEvent(id EventID) (Event, error) {
	switch id {
	case IDProcessFingerprintComputed:
		return &ProcessFingerprintComputed{}, nil
	case IDPipCacheMiss:
		return &PipCacheMiss{}, nil
	case IDDirectoryMembershipHashed:
		return &DirectoryMembershipHashed{}, nil
	case IDRecordFileForBuildManifest:
		return &RecordFileForBuildManifest{}, nil
	case IDPipExecutionDirectoryOutputs:
		return &PipExecutionDirectoryOutputs{}, nil
	case IDFileArtifactContentDecided:
		return &FileArtifactContentDecided{}, nil
	case IDBuildSessionConfiguration:
		return &BuildSessionConfiguration{}, nil
	case IDBxlInvocation:
		return &BxlInvocation{}, nil
	case IDCacheMaterializationError:
		return &CacheMaterializationError{}, nil
	default:
		return nil, fmt.Errorf("events: unknown event id %d", id)
	}
}
