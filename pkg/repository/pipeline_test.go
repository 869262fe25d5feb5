package repository

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T, name string, modernLayout bool) (*Repository, *blobstore.MemStore, *fakeMetadataStore) {
	t.Helper()
	store := blobstore.NewMemStore()
	metadata := newFakeMetadataStore()
	cfg := Config{
		Name:                name,
		BasePath:            "repo",
		ShardPathsUseUUID:   modernLayout,
		CacheRepositoryData: true,
		SnapshotPoolSize:    2,
		MetaPoolSize:        2,
		ChunkSize:           4096,
	}
	repo := New(cfg, store, metadata, nil)
	require.NoError(t, repo.Start(context.Background()))
	return repo, store, metadata
}

func oneShardSnapshot(t *testing.T, repo *Repository, snapshotUUID, indexID string, shard int, prior *ShardGeneration, files map[string][]byte) ShardSnapshotResult {
	t.Helper()
	segs := newFakeSegmentDirectory()
	for name, content := range files {
		segs.set(name, content)
	}
	res, err := repo.SnapshotShard(context.Background(), ShardSnapshotRequest{
		SnapshotUUID:   snapshotUUID,
		IndexID:        indexID,
		Shard:          shard,
		PriorGeneration: prior,
		Segments:       segs,
		Status:         &ShardSnapshotStatus{},
	})
	require.NoError(t, err)
	return res
}

func finalizeOneShardPerIndex(t *testing.T, repo *Repository, snap SnapshotID, indexID string, shardCount int, results map[int]ShardSnapshotResult) FinalizeOutcome {
	t.Helper()
	outcome, err := repo.FinalizeSnapshot(context.Background(), FinalizeRequest{
		SnapshotID: snap,
		State:      SnapshotStateSuccess,
		Indices:    []IndexID{{Name: indexID, ID: indexID}},
		ShardResults: map[string]map[int]ShardSnapshotResult{
			indexID: results,
		},
		GlobalMetadata: []byte(`{"global":true}`),
		IndexMetadata:  map[string][]byte{indexID: []byte(`{"index":true}`)},
	})
	require.NoError(t, err)
	return outcome
}

// Empty -> one snapshot (spec.md §8).
func TestEmptyToOneSnapshot(t *testing.T) {
	repo, store, _ := newTestRepository(t, "repoA", true)
	ctx := context.Background()

	data, err := repo.GetRepositoryData(ctx)
	require.NoError(t, err)
	require.Equal(t, GenEmpty, data.Generation)
	require.Empty(t, data.Snapshots)

	snap := NewSnapshotID("snap1")

	r0 := oneShardSnapshot(t, repo, snap.UUID, "A", 0, nil, map[string][]byte{"f0": []byte("hello")})
	r1 := oneShardSnapshot(t, repo, snap.UUID, "A", 1, nil, map[string][]byte{"f1": []byte("world")})

	outcome := finalizeOneShardPerIndex(t, repo, snap, "A", 2, map[int]ShardSnapshotResult{0: r0, 1: r1})

	require.Equal(t, int64(0), outcome.RepositoryData.Generation)
	require.Len(t, outcome.RepositoryData.Snapshots, 1)
	require.Equal(t, snap.UUID, outcome.RepositoryData.Snapshots[0].UUID)

	exists, err := store.BlobExists(ctx, blobstore.PurposeSnapshotMeta, "repo", "index-0")
	require.NoError(t, err)
	require.True(t, exists)

	// Both small files (<=1024 bytes) are virtualized, so no data blob is
	// written under either shard directory; only the shard-index and
	// manifest blobs exist.
	shard0Names, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "")
	require.NoError(t, err)
	require.Len(t, shard0Names, 2) // index-{uuid} + snap-{uuid}.dat
	for name := range shard0Names {
		require.False(t, IsUploadedBlobName(name))
	}
}

// Dedup (spec.md §8): identical file content across two snapshots of the
// same shard reuses the first snapshot's data blob.
func TestShardSnapshotDedup(t *testing.T) {
	repo, store, _ := newTestRepository(t, "repoDedup", true)
	ctx := context.Background()

	bigContent := make([]byte, 4096)
	for i := range bigContent {
		bigContent[i] = byte(i % 251)
	}

	t1 := NewSnapshotID("t1")
	r1 := oneShardSnapshot(t, repo, t1.UUID, "A", 0, nil, map[string][]byte{"segment.bin": bigContent})
	finalizeOneShardPerIndex(t, repo, t1, "A", 1, map[int]ShardSnapshotResult{0: r1})

	before, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "__")
	require.NoError(t, err)
	require.Len(t, before, 1, "one data blob after first snapshot")

	t2 := NewSnapshotID("t2")
	prior := r1.NewGeneration
	r2 := oneShardSnapshot(t, repo, t2.UUID, "A", 0, &prior, map[string][]byte{"segment.bin": bigContent})
	finalizeOneShardPerIndex(t, repo, t2, "A", 1, map[int]ShardSnapshotResult{0: r2})

	after, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "__")
	require.NoError(t, err)
	require.Len(t, after, 1, "no new data blob added on dedup")
}

// Virtualized small file (spec.md §8): a file whose content is <= the inline
// limit is stored in the manifest, not as a data blob, and a restore
// reconstructs it from the manifest alone.
func TestVirtualizedSmallFile(t *testing.T) {
	repo, store, _ := newTestRepository(t, "repoVirtual", true)
	ctx := context.Background()

	snap := NewSnapshotID("onlysmall")
	res := oneShardSnapshot(t, repo, snap.UUID, "A", 0, nil, map[string][]byte{"tiny": []byte("hello")})
	finalizeOneShardPerIndex(t, repo, snap, "A", 1, map[int]ShardSnapshotResult{0: res})

	blobNames, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "__")
	require.NoError(t, err)
	require.Empty(t, blobNames)

	dest := newFakeRestoreDestination()
	err = repo.RestoreShard(ctx, RestoreRequest{
		SnapshotUUID: snap.UUID,
		IndexID:      "A",
		Shard:        0,
		Destination:  dest,
	})
	require.NoError(t, err)

	content, ok := dest.get("tiny")
	require.True(t, ok)
	require.Equal(t, "hello", string(content))
}

// Restore round-trip (spec.md §8): a non-virtualized (uploaded) file restores
// byte-identical.
func TestRestoreRoundTrip(t *testing.T) {
	repo, _, _ := newTestRepository(t, "repoRestore", true)
	ctx := context.Background()

	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i*7 + 3)
	}

	snap := NewSnapshotID("bigone")
	res := oneShardSnapshot(t, repo, snap.UUID, "A", 0, nil, map[string][]byte{"big.seg": content})
	finalizeOneShardPerIndex(t, repo, snap, "A", 1, map[int]ShardSnapshotResult{0: res})

	dest := newFakeRestoreDestination()
	err := repo.RestoreShard(ctx, RestoreRequest{
		SnapshotUUID: snap.UUID,
		IndexID:      "A",
		Shard:        0,
		Destination:  dest,
		Concurrency:  2,
	})
	require.NoError(t, err)

	got, ok := dest.get("big.seg")
	require.True(t, ok)
	require.Equal(t, content, got)
	require.False(t, dest.isCorrupted())
}

// Chunked upload (spec.md §4.5 step 4): a file larger than the configured
// chunk size is split into multiple parts on upload, recorded on the
// manifest, and reassembled correctly on restore.
func TestChunkedUploadAndRestore(t *testing.T) {
	repo, store, _ := newTestRepository(t, "repoChunked", true)
	ctx := context.Background()

	content := make([]byte, 10000) // ChunkSize is 4096: 3 parts (4096, 4096, 1808)
	for i := range content {
		content[i] = byte(i*13 + 1)
	}

	snap := NewSnapshotID("chunked")
	res := oneShardSnapshot(t, repo, snap.UUID, "A", 0, nil, map[string][]byte{"big.seg": content})
	finalizeOneShardPerIndex(t, repo, snap, "A", 1, map[int]ShardSnapshotResult{0: res})

	partNames, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "__")
	require.NoError(t, err)
	require.Len(t, partNames, 3, "a 10000-byte file with a 4096-byte chunk size must upload as 3 parts")
	for name := range partNames {
		require.Contains(t, name, ".part", "every part of a chunked upload must carry a .partN suffix: %s", name)
	}

	dest := newFakeRestoreDestination()
	err = repo.RestoreShard(ctx, RestoreRequest{
		SnapshotUUID: snap.UUID,
		IndexID:      "A",
		Shard:        0,
		Destination:  dest,
		Concurrency:  1,
	})
	require.NoError(t, err)

	got, ok := dest.get("big.seg")
	require.True(t, ok)
	require.Equal(t, content, got, "reassembled file must match the original byte for byte")
	require.False(t, dest.isCorrupted())
}

// Delete one of two (spec.md §8): deleting the older of two snapshots
// sharing a data blob keeps the surviving manifest and the data blob.
func TestDeleteOneOfTwo(t *testing.T) {
	repo, store, _ := newTestRepository(t, "repoDelete", true)
	ctx := context.Background()

	bigContent := make([]byte, 2048)
	for i := range bigContent {
		bigContent[i] = byte(i % 17)
	}

	t1 := NewSnapshotID("t1")
	r1 := oneShardSnapshot(t, repo, t1.UUID, "A", 0, nil, map[string][]byte{"segment.bin": bigContent})
	finalizeOneShardPerIndex(t, repo, t1, "A", 1, map[int]ShardSnapshotResult{0: r1})

	t2 := NewSnapshotID("t2")
	prior := r1.NewGeneration
	r2 := oneShardSnapshot(t, repo, t2.UUID, "A", 0, &prior, map[string][]byte{"segment.bin": bigContent})
	finalizeOneShardPerIndex(t, repo, t2, "A", 1, map[int]ShardSnapshotResult{0: r2})

	data, err := repo.DeleteSnapshots(ctx, DeleteRequest{SnapshotUUIDs: []string{t1.UUID}})
	require.NoError(t, err)
	require.Len(t, data.Snapshots, 1)
	require.Equal(t, t2.UUID, data.Snapshots[0].UUID)

	exists, err := store.BlobExists(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "snap-"+t1.UUID+".dat")
	require.NoError(t, err)
	require.False(t, exists, "t1's manifest blob should be removed")

	blobNames, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "__")
	require.NoError(t, err)
	require.Len(t, blobNames, 1, "the shared data blob must survive because t2 still references it")

	// t2's recorded shard generation must be re-pointed at the shard-index
	// blob the delete just rewrote, not left referencing the one rewriteShard
	// scheduled for reclaim.
	survivingGen := data.ShardGenerations[t2.UUID]["A"][0]
	require.NotEqual(t, r2.NewGeneration, survivingGen, "t2 must no longer reference the pre-delete shard generation")
	genExists, err := store.BlobExists(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", survivingGen.Blob())
	require.NoError(t, err)
	require.True(t, genExists, "t2's recorded shard generation must point at a blob that still exists")
}

// Concurrent-modification detection (spec.md §8): two writers observing the
// same safe generation race; the loser's reserve step fails and it does not
// write a new generation body.
func TestConcurrentModificationDetection(t *testing.T) {
	repo, store, metadata := newTestRepository(t, "repoRace", true)
	ctx := context.Background()

	// Advance the repository to safe=5 through six ordinary writer updates,
	// so both "writers" below observe a real, previously-committed generation.
	for i := 0; i < 6; i++ {
		_, err := repo.writer.Update(ctx, func(d RepositoryData) RepositoryData { return d })
		require.NoError(t, err)
	}
	require.Equal(t, int64(5), repo.tracker.SafeGeneration())

	// One writer completes, advancing safe to 6.
	_, err := repo.writer.Update(ctx, func(d RepositoryData) RepositoryData { return d })
	require.NoError(t, err)
	require.Equal(t, int64(6), repo.tracker.SafeGeneration())

	// A second writer that still believes safe==5 must have its reserve step
	// rejected by the metadata store and must not write an index-6 body
	// of its own (one was already committed by the winner above).
	_, resErr := metadata.ReservePending(ctx, "repoRace", 5)
	require.Error(t, resErr)
	require.True(t, errors.Is(resErr, ErrConcurrentModification))

	exists, err := store.BlobExists(ctx, blobstore.PurposeSnapshotMeta, "repo", "index-7")
	require.NoError(t, err)
	require.False(t, exists)
}

// Missing safe generation -> corruption (spec.md §8): if the blob backing
// the authoritative safe generation physically disappears, the next write
// attempt latches corruption instead of writing on top of it.
func TestMissingSafeGenerationLatchesCorruption(t *testing.T) {
	repo, _, metadata := newTestRepository(t, "repoCorrupt", true)
	ctx := context.Background()

	snap := NewSnapshotID("s1")
	r0 := oneShardSnapshot(t, repo, snap.UUID, "A", 0, nil, map[string][]byte{"f": []byte("hi")})
	finalizeOneShardPerIndex(t, repo, snap, "A", 1, map[int]ShardSnapshotResult{0: r0})
	require.False(t, repo.IsCorrupted())

	// Externally remove index-0, simulating an eventually-consistent blob
	// backend losing the safe generation's body out of band.
	require.NoError(t, repo.store.Delete(ctx, blobstore.PurposeSnapshotMeta, "repo/index-0"))
	require.Equal(t, int64(0), metadata.stateFor("repoCorrupt").safe)

	_, err := repo.writer.Update(ctx, func(d RepositoryData) RepositoryData { return d })
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorruptedState))
	require.True(t, repo.IsCorrupted())

	// Subsequent operations fail fast without touching the blob store.
	_, err = repo.GetRepositoryData(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrCorruptedState))
}

// Clone-idempotence (spec.md §8): cloning (source, target) twice yields the
// same shard-generation and blob set; a target that already matches the
// source is a no-op.
func TestCloneIdempotence(t *testing.T) {
	repo, _, _ := newTestRepository(t, "repoClone", true)
	ctx := context.Background()

	src := NewSnapshotID("src")
	r0 := oneShardSnapshot(t, repo, src.UUID, "A", 0, nil, map[string][]byte{"f": []byte("content")})
	finalizeOneShardPerIndex(t, repo, src, "A", 1, map[int]ShardSnapshotResult{0: r0})

	target := NewSnapshotID("target")
	first, err := repo.CloneShard(ctx, CloneRequest{
		SourceSnapshotUUID: src.UUID,
		TargetSnapshotUUID: target.UUID,
		IndexID:            "A",
		Shard:              0,
		Generation:         r0.NewGeneration,
	})
	require.NoError(t, err)

	second, err := repo.CloneShard(ctx, CloneRequest{
		SourceSnapshotUUID: src.UUID,
		TargetSnapshotUUID: target.UUID,
		IndexID:            "A",
		Shard:              0,
		Generation:         first.NewGeneration,
	})
	require.NoError(t, err)
	require.Equal(t, first.NewGeneration, second.NewGeneration)
	require.Equal(t, first.TotalSize, second.TotalSize)
}

// Abort-leaves-no-refs (spec.md §8): aborting a shard-snapshot mid-upload
// must not publish a shard-snapshot set referencing any blob from that
// attempt.
func TestAbortLeavesNoRefs(t *testing.T) {
	repo, store, _ := newTestRepository(t, "repoAbort", true)
	ctx := context.Background()

	segs := newFakeSegmentDirectory()
	big := make([]byte, 4096)
	segs.set("ok.seg", big)

	status := &ShardSnapshotStatus{}
	status.Abort() // pre-tripped: every upload must observe it and bail out

	_, err := repo.SnapshotShard(ctx, ShardSnapshotRequest{
		SnapshotUUID: "aborted-snap",
		IndexID:      "A",
		Shard:        0,
		Segments:     segs,
		Status:       status,
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAbortedSnapshot))

	names, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "")
	require.NoError(t, err)
	for name := range names {
		require.False(t, IsUploadedBlobName(name), "an aborted snapshot must not leave any data blob behind: %s", name)
		require.False(t, strings.HasPrefix(name, "snap-"), "an aborted snapshot must not publish a per-snapshot manifest: %s", name)
	}
	// The modern layout writes the new shard-index blob under its fresh
	// uuid name before uploads begin (spec.md §4.5 step 5), so a crash or
	// abort mid-upload leaves that blob behind as an orphan: it names no
	// snapshot RepositoryData doesn't also already reference, so nothing
	// surviving ever resolves a file to one of the aborted upload's blobs.
}

// Reclaim-eventually (spec.md §8 property 4): an orphaned shard-index blob
// left behind by an aborted shard-snapshot run (written before its upload
// began, per §4.5 step 5) is not referenced by RepositoryData and must be
// gone after the next Cleanup sweep.
func TestCleanupReclaimsOrphanedShardGeneration(t *testing.T) {
	repo, store, _ := newTestRepository(t, "repoReclaim", true)
	ctx := context.Background()

	shardResult := oneShardSnapshot(t, repo, "snap-1", "A", 0, nil, map[string][]byte{
		"seg1": []byte("hello"),
	})
	snap := SnapshotID{Name: "snap-1", UUID: "snap-1"}
	finalizeOneShardPerIndex(t, repo, snap, "A", 1, map[int]ShardSnapshotResult{0: shardResult})

	// A second shard-snapshot run that aborts partway: the modern layout
	// already wrote its fresh index-{uuid} set before the abort tripped,
	// leaving that blob as an orphan RepositoryData never references
	// because the caller never calls FinalizeSnapshot for it.
	segs := newFakeSegmentDirectory()
	segs.set("seg2", make([]byte, 4096))
	status := &ShardSnapshotStatus{}
	status.Abort()
	_, err := repo.SnapshotShard(ctx, ShardSnapshotRequest{
		SnapshotUUID: "snap-2-aborted",
		IndexID:      "A",
		Shard:        0,
		Segments:     segs,
		Status:       status,
	})
	require.Error(t, err)

	data, err := repo.GetRepositoryData(ctx)
	require.NoError(t, err)
	liveGen := data.ShardGenerations["snap-1"]["A"][0]

	before, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "")
	require.NoError(t, err)
	require.Contains(t, before, liveGen.Blob(), "the live shard-index blob must already exist")

	liveSet, err := (&ShardSnapshotPipeline{store: store, layout: repo.layout}).loadShardSet(ctx, "repo/indices/A/0", liveGen)
	require.NoError(t, err)
	keep := liveSet.ReferencedBlobNames()
	keep[liveGen.Blob()] = true
	for _, sf := range liveSet.Snapshots {
		keep["snap-"+sf.SnapshotUUID+".dat"] = true
	}
	require.Greater(t, len(before), len(keep), "the orphaned shard-index blob must be present before cleanup")

	require.NoError(t, repo.Cleanup(ctx))

	after, err := store.ListByPrefix(ctx, blobstore.PurposeSnapshot, "repo/indices/A/0", "")
	require.NoError(t, err)
	require.Equal(t, len(keep), len(after), "cleanup must reclaim every blob the live shard-snapshot set does not reference")
	for name := range after {
		require.True(t, keep[name], "unexpected blob left behind after cleanup: %s", name)
	}
}

// Corruption-latch (spec.md §8): once latched, every mutating operation
// fails fast without touching the blob store.
func TestCorruptionLatchBlocksAllMutations(t *testing.T) {
	repo, _, _ := newTestRepository(t, "repoLatched", true)
	ctx := context.Background()
	repo.tracker.MarkCorrupted()

	_, err := repo.DeleteSnapshots(ctx, DeleteRequest{SnapshotUUIDs: []string{"whatever"}})
	require.True(t, errors.Is(err, ErrCorruptedState))

	err = repo.Cleanup(ctx)
	require.True(t, errors.Is(err, ErrCorruptedState))

	_, err = repo.GetRepositoryData(ctx)
	require.True(t, errors.Is(err, ErrCorruptedState))
}
