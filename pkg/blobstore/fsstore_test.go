package blobstore_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/stretchr/testify/require"
)

func TestFSStoreWriteReadRoundTrip(t *testing.T) {
	store, err := blobstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	payload := []byte("hello world")
	err = store.Write(ctx, blobstore.PurposeSnapshot, "indices/idx/0", "__blob1", bytes.NewReader(payload), int64(len(payload)), true)
	require.NoError(t, err)

	rc, err := store.Read(ctx, blobstore.PurposeSnapshot, "indices/idx/0", "__blob1")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFSStoreFailIfExists(t *testing.T) {
	store, err := blobstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	err = store.Write(ctx, blobstore.PurposeSnapshot, "c", "name", bytes.NewReader([]byte("a")), 1, true)
	require.NoError(t, err)

	err = store.Write(ctx, blobstore.PurposeSnapshot, "c", "name", bytes.NewReader([]byte("b")), 1, true)
	require.ErrorIs(t, err, blobstore.ErrBlobAlreadyExists)

	rc, err := store.Read(ctx, blobstore.PurposeSnapshot, "c", "name")
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	require.Equal(t, []byte("a"), got, "the original blob must never be overwritten")
}

func TestFSStoreListByPrefixAndDelete(t *testing.T) {
	store, err := blobstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for _, name := range []string{"index-1", "index-2", "snap-a.dat"} {
		require.NoError(t, store.Write(ctx, blobstore.PurposeSnapshot, "root", name, bytes.NewReader([]byte("x")), 1, true))
	}

	listing, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "root", "index-")
	require.NoError(t, err)
	require.Len(t, listing, 2)

	require.NoError(t, store.DeleteBlobs(ctx, blobstore.PurposeSnapshot, "root", []string{"index-1", "does-not-exist"}))

	exists, err := store.BlobExists(ctx, blobstore.PurposeSnapshot, "root", "index-1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFSStoreReadMissingBlob(t *testing.T) {
	store, err := blobstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Read(context.Background(), blobstore.PurposeSnapshot, "root", "missing")
	require.ErrorIs(t, err, blobstore.ErrBlobNotFound)
}
