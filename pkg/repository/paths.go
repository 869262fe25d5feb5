package repository

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Layout derives every blob path and name used by the repository protocol
// from a base path. Construction is pure: no method here performs I/O.
//
//	{base}/index-{N}
//	{base}/index.latest
//	{base}/snap-{snapshot-uuid}.dat
//	{base}/meta-{snapshot-uuid}.dat
//	{base}/tests-{seed}/...
//	{base}/indices/{index-id}/meta-{hash}.dat
//	{base}/indices/{index-id}/{shard#}/index-{shard-gen}
//	{base}/indices/{index-id}/{shard#}/snap-{snapshot-uuid}.dat
//	{base}/indices/{index-id}/{shard#}/__{blob-uuid}[.part{k}]
type Layout struct {
	Base string
}

// NewLayout returns a Layout rooted at base.
func NewLayout(base string) Layout {
	return Layout{Base: base}
}

// RootContainer is the container path for repository-root blobs.
func (l Layout) RootContainer() string {
	return l.Base
}

// RootGenerationBlob names the "index-{N}" root blob for generation n.
func (l Layout) RootGenerationBlob(n int64) string {
	return "index-" + strconv.FormatInt(n, 10)
}

// LatestPointerBlob names the optional 8-byte big-endian generation pointer.
func (l Layout) LatestPointerBlob() string {
	return "index.latest"
}

// SnapshotInfoBlob names the per-snapshot info blob at the repository root.
func (l Layout) SnapshotInfoBlob(snapshotUUID string) string {
	return "snap-" + snapshotUUID + ".dat"
}

// GlobalMetadataBlob names the legacy-layout global metadata blob.
func (l Layout) GlobalMetadataBlob(snapshotUUID string) string {
	return "meta-" + snapshotUUID + ".dat"
}

// TestsContainer names the verification-protocol scratch directory for seed.
func (l Layout) TestsContainer(seed string) string {
	return path.Join(l.Base, fmt.Sprintf("tests-%s", seed))
}

// IndicesContainer names the root container holding per-index directories.
func (l Layout) IndicesContainer() string {
	return path.Join(l.Base, "indices")
}

// IndexContainer names the container for one index's metadata and shards.
func (l Layout) IndexContainer(indexID string) string {
	return path.Join(l.IndicesContainer(), indexID)
}

// IndexMetadataBlob names the modern, content-hash-deduplicated per-index
// metadata blob.
func (l Layout) IndexMetadataBlob(indexID, hash string) string {
	return "meta-" + hash + ".dat"
}

// ShardContainer names the container for one repository shard.
func (l Layout) ShardContainer(indexID string, shard int) string {
	return path.Join(l.IndexContainer(indexID), strconv.Itoa(shard))
}

// ShardIndexBlob names the shard-snapshot-set blob for a given generation.
func (l Layout) ShardIndexBlob(gen ShardGeneration) string {
	return gen.Blob()
}

// ShardManifestBlob names a per-(snapshot,shard) manifest.
func (l Layout) ShardManifestBlob(snapshotUUID string) string {
	return "snap-" + snapshotUUID + ".dat"
}

// DataBlobName names an uploaded file part: "__{uuid}" for a whole file, or
// "__{uuid}.part{k}" for part k of a chunked upload.
func DataBlobName(blobUUID string, part int, totalParts int) string {
	if totalParts <= 1 {
		return "__" + blobUUID
	}
	return fmt.Sprintf("__%s.part%d", blobUUID, part)
}

// VirtualBlobPrefix names a virtualized (inlined) file reference.
const VirtualBlobPrefix = "v__"

// IsUploadedBlobName reports whether name is an uploaded data blob.
func IsUploadedBlobName(name string) bool {
	return strings.HasPrefix(name, "__")
}

// IsVirtualBlobName reports whether name is a virtualized file reference.
func IsVirtualBlobName(name string) bool {
	return strings.HasPrefix(name, VirtualBlobPrefix)
}

// IsTemporaryUploadName reports whether name looks like an orphaned
// temporary upload artifact (the filesystem backend's ".upload-*" staging
// files, or any name carrying the legacy tmp- prefix other backends use).
func IsTemporaryUploadName(name string) bool {
	return strings.HasPrefix(name, ".upload-") || strings.HasPrefix(name, "tmp-") || strings.HasPrefix(name, "pending-")
}

const rootGenerationPrefix = "index-"

// ParseRootGeneration extracts the numeric generation from a root
// "index-{N}" blob name ("index.latest" and non-matching names return
// ok=false).
func ParseRootGeneration(name string) (n int64, ok bool) {
	if !strings.HasPrefix(name, rootGenerationPrefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(name, rootGenerationPrefix)
	v, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseShardGeneration extracts the generation named by a shard directory's
// "index-{gen}" blob, accepting either the legacy integer form or the
// modern uuid form. Any remainder that is not an integer is returned as a
// uuid generation with ok=true, without checking uuid syntax; only a name
// without the "index-" prefix, or the bare prefix, returns ok=false. Nothing
// is logged, and an unparsable name never aborts the caller's sweep.
func ParseShardGeneration(name string) (gen ShardGeneration, ok bool) {
	if !strings.HasPrefix(name, rootGenerationPrefix) {
		return ShardGeneration{}, false
	}
	rest := strings.TrimPrefix(name, rootGenerationPrefix)
	if v, err := strconv.ParseInt(rest, 10, 64); err == nil {
		return ShardGeneration{Legacy: true, Number: v}, true
	}
	// Not a legacy integer: treat the remainder as a uuid generation. We do
	// not validate uuid syntax strictly here, matching the tolerant parsing
	// spec.md asks for.
	if rest == "" {
		return ShardGeneration{}, false
	}
	return ShardGeneration{UUID: rest}, true
}
