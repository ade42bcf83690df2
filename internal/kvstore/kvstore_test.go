package kvstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millstone-build/millstone/internal/kvstore"
)

func TestStore_SetGetAcrossFamilies(t *testing.T) {
	t.Parallel()

	store, err := kvstore.Open(t.TempDir(), kvstore.Options{})
	require.NoError(t, err)

	defer store.Close()

	require.NoError(t, store.Set("alpha", []byte("k"), []byte("v1")))
	require.NoError(t, store.Set("beta", []byte("k"), []byte("v2")))

	got, found, err := store.Get("alpha", []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), got)

	got, found, err = store.Get("beta", []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), got)

	// Same key, unrelated family.
	_, found, err = store.Get("gamma", []byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ScanIsFamilyBounded(t *testing.T) {
	t.Parallel()

	store, err := kvstore.Open(t.TempDir(), kvstore.Options{})
	require.NoError(t, err)

	defer store.Close()

	require.NoError(t, store.Set("aa", []byte("1"), []byte("x")))
	require.NoError(t, store.Set("aa", []byte("2"), []byte("y")))
	require.NoError(t, store.Set("aab", []byte("3"), []byte("z")))

	var keys []string

	err = store.Scan("aa", func(key, _ []byte) bool {
		keys = append(keys, string(key))

		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, keys)
}

func TestStore_SnapshotIsolation(t *testing.T) {
	t.Parallel()

	store, err := kvstore.Open(t.TempDir(), kvstore.Options{})
	require.NoError(t, err)

	defer store.Close()

	require.NoError(t, store.Set("fam", []byte("old"), []byte("before")))

	snap, err := store.NewSnapshot()
	require.NoError(t, err)

	defer snap.Close()

	require.NoError(t, store.Set("fam", []byte("new"), []byte("after")))
	require.NoError(t, store.Set("fam", []byte("old"), []byte("mutated")))

	// Snapshot still sees the original state.
	got, found, err := snap.Get("fam", []byte("old"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("before"), got)

	_, found, err = snap.Get("fam", []byte("new"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_BatchIsAtomic(t *testing.T) {
	t.Parallel()

	store, err := kvstore.Open(t.TempDir(), kvstore.Options{})
	require.NoError(t, err)

	defer store.Close()

	batch, err := store.NewWriteBatch()
	require.NoError(t, err)

	require.NoError(t, batch.Set("a", []byte("k1"), []byte("v1")))
	require.NoError(t, batch.Set("b", []byte("k2"), []byte("v2")))

	// Nothing visible before commit.
	found, err := store.Has("a", []byte("k1"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, batch.Commit())

	found, err = store.Has("a", []byte("k1"))
	require.NoError(t, err)
	assert.True(t, found)

	found, err = store.Has("b", []byte("k2"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestStore_ReadOnlyRejectsWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	rw, err := kvstore.Open(dir, kvstore.Options{})
	require.NoError(t, err)
	require.NoError(t, rw.Set("fam", []byte("k"), []byte("v")))
	require.NoError(t, rw.Close())

	ro, err := kvstore.Open(dir, kvstore.Options{ReadOnly: true})
	require.NoError(t, err)

	defer ro.Close()

	err = ro.Set("fam", []byte("k"), []byte("v2"))
	require.ErrorIs(t, err, kvstore.ErrReadOnly)

	_, err = ro.NewWriteBatch()
	require.ErrorIs(t, err, kvstore.ErrReadOnly)

	got, found, err := ro.Get("fam", []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), got)
}

func TestStore_GCTokenCancellation(t *testing.T) {
	t.Parallel()

	store, err := kvstore.Open(t.TempDir(), kvstore.Options{})
	require.NoError(t, err)

	defer store.Close()

	token := store.GCToken()
	require.NoError(t, token.Err())

	store.CancelGC()
	assert.Error(t, token.Err())
}
