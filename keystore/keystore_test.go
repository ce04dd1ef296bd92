package keystore_test

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/certchain/keystore"
	"github.com/spacemeshos/certchain/signing"
)

func TestSaveLoadDelete(t *testing.T) {
	t.Parallel()
	store, err := keystore.New(filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, err)

	key, err := signing.GenerateKey(rand.Reader, signing.MinKeyBits)
	require.NoError(t, err)

	_, err = store.Load("mit")
	require.ErrorIs(t, err, keystore.ErrKeyNotFound)
	require.False(t, store.Has("mit"))

	require.NoError(t, store.Save("mit", key))
	require.True(t, store.Has("mit"))

	loaded, err := store.Load("mit")
	require.NoError(t, err)
	require.True(t, key.Equal(loaded))

	t.Run("never overwrites", func(t *testing.T) {
		other, err := signing.GenerateKey(rand.Reader, signing.MinKeyBits)
		require.NoError(t, err)
		require.ErrorIs(t, store.Save("mit", other), keystore.ErrKeyExists)

		loaded, err := store.Load("mit")
		require.NoError(t, err)
		require.True(t, key.Equal(loaded))
	})

	require.NoError(t, store.Delete("mit"))
	require.False(t, store.Has("mit"))
	require.NoError(t, store.Delete("mit"))
}

func TestIdsAreIsolated(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := keystore.New(dir)
	require.NoError(t, err)

	key, err := signing.GenerateKey(rand.Reader, signing.MinKeyBits)
	require.NoError(t, err)
	require.NoError(t, store.Save("../escape", key))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, store.Has("escape"))
}

func TestCorruptKeyFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := keystore.New(dir)
	require.NoError(t, err)

	key, err := signing.GenerateKey(rand.Reader, signing.MinKeyBits)
	require.NoError(t, err)
	require.NoError(t, store.Save("mit", key))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, entries[0].Name()), []byte{1, 2}, 0o600))

	_, err = store.Load("mit")
	require.Error(t, err)
	require.NotErrorIs(t, err, keystore.ErrKeyNotFound)
}
