package storage_test

import (
	"testing"

	"github.com/cuemby/snapvault/pkg/storage"
	"github.com/stretchr/testify/require"
)

func TestBoltStoreRepositoryLifecycle(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	reg := &storage.RepositoryRegistration{Name: "backups", SafeGeneration: -1, PendingGeneration: -2}
	require.NoError(t, store.CreateRepository(reg))

	err = store.CreateRepository(reg)
	require.Error(t, err)

	got, err := store.GetRepository("backups")
	require.NoError(t, err)
	require.Equal(t, int64(-1), got.SafeGeneration)

	got.SafeGeneration = 5
	require.NoError(t, store.UpdateRepository(got))

	got, err = store.GetRepository("backups")
	require.NoError(t, err)
	require.Equal(t, int64(5), got.SafeGeneration)

	list, err := store.ListRepositories()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.DeleteRepository("backups"))
	_, err = store.GetRepository("backups")
	require.Error(t, err)
}

func TestBoltStoreClusterUUID(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	uuid, err := store.GetClusterUUID()
	require.NoError(t, err)
	require.Empty(t, uuid)

	require.NoError(t, store.SaveClusterUUID("cluster-123"))
	uuid, err = store.GetClusterUUID()
	require.NoError(t, err)
	require.Equal(t, "cluster-123", uuid)
}
