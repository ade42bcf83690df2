package contenthash_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millstone-build/millstone/pkg/contenthash"
)

func TestHash_HexRoundTrip(t *testing.T) {
	t.Parallel()

	h := contenthash.HashOf([]byte("payload"))

	parsed, err := contenthash.FromHex(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	assert.Len(t, h.Hex(), contenthash.Size*2)
	assert.Equal(t, strings.ToLower(h.Hex()), h.Hex())
}

func TestFromHex_RejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := contenthash.FromHex("zz")
	require.Error(t, err)

	_, err = contenthash.FromHex("abcd")
	require.Error(t, err, "short input must be rejected")
}

func TestHasher_FieldBoundariesDoNotAlias(t *testing.T) {
	t.Parallel()

	// "ab"+"c" must not hash like "a"+"bc".
	h1 := contenthash.NewHasher().AddString("ab").AddString("c").Finish()
	h2 := contenthash.NewHasher().AddString("a").AddString("bc").Finish()
	assert.NotEqual(t, h1, h2)
}

func TestHasher_Deterministic(t *testing.T) {
	t.Parallel()

	build := func() contenthash.Hash {
		return contenthash.NewHasher().
			AddString("Type").
			AddString("FingerprintStoreFingerprint").
			AddInt(1).
			AddString("Key").
			AddString("refs_heads_main").
			Finish()
	}

	assert.Equal(t, build(), build())
	assert.False(t, build().IsZero())
}
