// Package contenthash provides the fixed-width content hash used to key
// fingerprint inputs and artifact cache entries, plus the canonical hasher
// used to derive lookup fingerprints from ordered field sequences.
package contenthash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Size is the width of a content hash in bytes.
const Size = sha256.Size

// Hash is an opaque fixed-width content hash. Equality is bitwise.
type Hash [Size]byte

// Zero is the all-zero hash, used as the absent value.
var Zero Hash

// HashOf returns the content hash of the given bytes.
func HashOf(data []byte) Hash {
	return sha256.Sum256(data)
}

// FromHex parses the canonical lower-case hex spelling of a hash.
func FromHex(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode content hash: %w", err)
	}

	if len(raw) != Size {
		return Hash{}, fmt.Errorf("decode content hash: got %d bytes, want %d", len(raw), Size)
	}

	var h Hash

	copy(h[:], raw)

	return h, nil
}

// Hex returns the canonical lower-case hex spelling.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// String implements fmt.Stringer using the canonical hex spelling.
func (h Hash) String() string {
	return h.Hex()
}

// IsZero reports whether the hash is the absent value.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Hasher accumulates an ordered sequence of typed fields into a content hash.
// Each field is written as its UTF-8 bytes (strings) or little-endian encoding
// (integers), length-prefixed so that adjacent fields cannot alias.
type Hasher struct {
	inner interface {
		Write(p []byte) (int, error)
		Sum(b []byte) []byte
	}
}

// NewHasher creates an empty canonical hasher.
func NewHasher() *Hasher {
	return &Hasher{inner: sha256.New()}
}

// AddString appends a string field to the sequence.
func (h *Hasher) AddString(s string) *Hasher {
	h.writeLen(len(s))
	h.inner.Write([]byte(s))

	return h
}

// AddInt appends an integer field to the sequence.
func (h *Hasher) AddInt(v int64) *Hasher {
	h.writeLen(8)

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	h.inner.Write(buf[:])

	return h
}

// AddBytes appends a raw byte field to the sequence.
func (h *Hasher) AddBytes(p []byte) *Hasher {
	h.writeLen(len(p))
	h.inner.Write(p)

	return h
}

// Finish returns the accumulated hash.
func (h *Hasher) Finish() Hash {
	var out Hash

	copy(out[:], h.inner.Sum(nil))

	return out
}

func (h *Hasher) writeLen(n int) {
	var buf [binary.MaxVarintLen64]byte

	written := binary.PutUvarint(buf[:], uint64(n))
	h.inner.Write(buf[:written])
}
