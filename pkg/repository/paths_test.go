package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayoutBlobNames(t *testing.T) {
	l := NewLayout("repo")

	require.Equal(t, "index-42", l.RootGenerationBlob(42))
	require.Equal(t, "index.latest", l.LatestPointerBlob())
	require.Equal(t, "snap-abc.dat", l.SnapshotInfoBlob("abc"))
	require.Equal(t, "meta-abc.dat", l.GlobalMetadataBlob("abc"))
	require.Equal(t, "repo/tests-seed1", l.TestsContainer("seed1"))
	require.Equal(t, "repo/indices", l.IndicesContainer())
	require.Equal(t, "repo/indices/A", l.IndexContainer("A"))
	require.Equal(t, "repo/indices/A/3", l.ShardContainer("A", 3))
}

func TestDataBlobNameWholeVsChunked(t *testing.T) {
	require.Equal(t, "__blob1", DataBlobName("blob1", 1, 1))
	require.Equal(t, "__blob1", DataBlobName("blob1", 0, 0))
	require.Equal(t, "__blob1.part2", DataBlobName("blob1", 2, 4))
}

func TestBlobNameClassification(t *testing.T) {
	require.True(t, IsUploadedBlobName("__abc"))
	require.False(t, IsUploadedBlobName("v__abc"))

	require.True(t, IsVirtualBlobName("v__abc"))
	require.False(t, IsVirtualBlobName("__abc"))

	require.True(t, IsTemporaryUploadName(".upload-123"))
	require.True(t, IsTemporaryUploadName("tmp-123"))
	require.True(t, IsTemporaryUploadName("pending-123"))
	require.False(t, IsTemporaryUploadName("__abc"))
}

func TestParseRootGeneration(t *testing.T) {
	n, ok := ParseRootGeneration("index-17")
	require.True(t, ok)
	require.Equal(t, int64(17), n)

	_, ok = ParseRootGeneration("index.latest")
	require.False(t, ok)

	_, ok = ParseRootGeneration("snap-abc.dat")
	require.False(t, ok)
}

func TestParseShardGenerationLegacyAndModern(t *testing.T) {
	gen, ok := ParseShardGeneration("index-5")
	require.True(t, ok)
	require.True(t, gen.Legacy)
	require.Equal(t, int64(5), gen.Number)

	gen, ok = ParseShardGeneration("index-3f9a8b2c-0000-0000-0000-000000000000")
	require.True(t, ok)
	require.False(t, gen.Legacy)
	require.Equal(t, "3f9a8b2c-0000-0000-0000-000000000000", gen.UUID)

	// Not shaped like an index blob at all.
	_, ok = ParseShardGeneration("snap-abc.dat")
	require.False(t, ok)

	// Bare prefix with nothing after it is tolerated, not fatal.
	_, ok = ParseShardGeneration("index-")
	require.False(t, ok)
}
