package manager

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/cuemby/snapvault/pkg/storage"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

// memSnapshotSink is a minimal in-memory raft.SnapshotSink for exercising
// SnapvaultSnapshot.Persist without a real raft.FileSnapshotStore.
type memSnapshotSink struct {
	bytes.Buffer
}

func (s *memSnapshotSink) ID() string           { return "test-snapshot" }
func (s *memSnapshotSink) Cancel() error         { return nil }
func (s *memSnapshotSink) Close() error          { return nil }
func (s *memSnapshotSink) toReadCloser() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.Bytes()))
}

func newTestFSM(t *testing.T) (*SnapvaultFSM, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewSnapvaultFSM(store), store
}

func applyCmd(t *testing.T, fsm *SnapvaultFSM, op string, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmdData, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: cmdData})
}

func TestSnapvaultFSMRegisterRepository(t *testing.T) {
	fsm, store := newTestFSM(t)

	resp := applyCmd(t, fsm, OpRegisterRepository, registerRepositoryCmd{
		Name:           "backups",
		RepositoryUUID: "repo-uuid",
		ClusterUUID:    "cluster-uuid",
	})
	require.Nil(t, resp)

	reg, err := store.GetRepository("backups")
	require.NoError(t, err)
	require.Equal(t, int64(-1), reg.SafeGeneration)
	require.Equal(t, int64(-2), reg.PendingGeneration)
}

func TestSnapvaultFSMAdvancePendingRejectsStaleSafe(t *testing.T) {
	fsm, _ := newTestFSM(t)
	applyCmd(t, fsm, OpRegisterRepository, registerRepositoryCmd{Name: "backups"})

	resp := applyCmd(t, fsm, OpAdvancePending, advancePendingCmd{Name: "backups", ExpectedSafe: 99})
	require.Error(t, resp.(error))
}

func TestSnapvaultFSMAdvancePendingThenSafe(t *testing.T) {
	fsm, store := newTestFSM(t)
	applyCmd(t, fsm, OpRegisterRepository, registerRepositoryCmd{Name: "backups"})

	resp := applyCmd(t, fsm, OpAdvancePending, advancePendingCmd{Name: "backups", ExpectedSafe: -1})
	require.Equal(t, int64(0), resp)

	reg, err := store.GetRepository("backups")
	require.NoError(t, err)
	require.Equal(t, int64(0), reg.PendingGeneration)
	require.Equal(t, int64(-1), reg.SafeGeneration)

	resp = applyCmd(t, fsm, OpAdvanceSafe, advanceSafeCmd{Name: "backups", Pending: 0})
	require.Nil(t, resp)

	reg, err = store.GetRepository("backups")
	require.NoError(t, err)
	require.Equal(t, int64(0), reg.SafeGeneration)
}

func TestSnapvaultFSMAdvanceSafeRejectsMismatchedPending(t *testing.T) {
	fsm, _ := newTestFSM(t)
	applyCmd(t, fsm, OpRegisterRepository, registerRepositoryCmd{Name: "backups"})
	applyCmd(t, fsm, OpAdvancePending, advancePendingCmd{Name: "backups", ExpectedSafe: -1})

	resp := applyCmd(t, fsm, OpAdvanceSafe, advanceSafeCmd{Name: "backups", Pending: 5})
	require.Error(t, resp.(error))
}

// Two writers racing against the same expected safe generation must each
// get a distinct, strictly increasing reservation rather than colliding on
// the same target generation (the max-formula fix for the corrupting race
// TestSnapvaultFSMAdvancePendingThenSafe otherwise can't exercise alone).
func TestSnapvaultFSMAdvancePendingResolvesRaceWithDistinctGenerations(t *testing.T) {
	fsm, _ := newTestFSM(t)
	applyCmd(t, fsm, OpRegisterRepository, registerRepositoryCmd{Name: "backups"})

	first := applyCmd(t, fsm, OpAdvancePending, advancePendingCmd{Name: "backups", ExpectedSafe: -1})
	require.Equal(t, int64(0), first)

	// A second writer that also believes safe is still -1 reserves again
	// before the first commits. It must not be rejected, and must not
	// collide with the first writer's reservation.
	second := applyCmd(t, fsm, OpAdvancePending, advancePendingCmd{Name: "backups", ExpectedSafe: -1})
	require.Equal(t, int64(1), second)

	// Both reservations are valid commit targets; the loser's commit
	// simply fails because its target is stale once the other lands.
	resp := applyCmd(t, fsm, OpAdvanceSafe, advanceSafeCmd{Name: "backups", Pending: second.(int64)})
	require.Nil(t, resp)

	resp = applyCmd(t, fsm, OpAdvanceSafe, advanceSafeCmd{Name: "backups", Pending: first.(int64)})
	require.Error(t, resp.(error))
}

func TestSnapvaultFSMMarkCorrupted(t *testing.T) {
	fsm, store := newTestFSM(t)
	applyCmd(t, fsm, OpRegisterRepository, registerRepositoryCmd{Name: "backups"})

	resp := applyCmd(t, fsm, OpMarkCorrupted, markCorruptedCmd{Name: "backups"})
	require.Nil(t, resp)

	reg, err := store.GetRepository("backups")
	require.NoError(t, err)
	require.True(t, reg.Corrupted)

	resp = applyCmd(t, fsm, OpAdvancePending, advancePendingCmd{Name: "backups", ExpectedSafe: -1})
	require.Error(t, resp.(error))
}

func TestSnapvaultFSMDeregisterRepository(t *testing.T) {
	fsm, store := newTestFSM(t)
	applyCmd(t, fsm, OpRegisterRepository, registerRepositoryCmd{Name: "backups"})

	resp := applyCmd(t, fsm, OpDeregisterRepository, deregisterRepositoryCmd{Name: "backups"})
	require.Nil(t, resp)

	_, err := store.GetRepository("backups")
	require.Error(t, err)
}

func TestSnapvaultFSMSnapshotRestore(t *testing.T) {
	fsm, store := newTestFSM(t)
	applyCmd(t, fsm, OpRegisterRepository, registerRepositoryCmd{Name: "backups"})
	require.NoError(t, store.SaveClusterUUID("cluster-xyz"))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	fsm2, store2 := newTestFSM(t)
	sink := &memSnapshotSink{}
	require.NoError(t, snap.Persist(sink))
	require.NoError(t, fsm2.Restore(sink.toReadCloser()))

	reg, err := store2.GetRepository("backups")
	require.NoError(t, err)
	require.Equal(t, "backups", reg.Name)

	uuid, err := store2.GetClusterUUID()
	require.NoError(t, err)
	require.Equal(t, "cluster-xyz", uuid)
}
