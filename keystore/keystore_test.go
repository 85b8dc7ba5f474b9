package keystore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	v, err := store.GetKey("missing")
	require.NoError(t, err)
	require.Equal(t, "", v)

	require.NoError(t, store.SetKey("a", "1"))
	require.NoError(t, store.SetKey("b", "2"))

	v, err = store.GetKey("a")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	v, err = reopened.GetKey("b")
	require.NoError(t, err)
	require.Equal(t, "2", v)
}

func TestFileStoreOverwrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.SetKey("k", "v1"))
	require.NoError(t, store.SetKey("k", "v2"))

	v, err := store.GetKey("k")
	require.NoError(t, err)
	require.Equal(t, "v2", v)
}
