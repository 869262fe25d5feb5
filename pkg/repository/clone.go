package repository

import (
	"context"
	"fmt"

	"github.com/cuemby/snapvault/pkg/blobstore"
)

// CloneRequest names the shard-snapshot set to duplicate a manifest within.
type CloneRequest struct {
	SourceSnapshotUUID string
	TargetSnapshotUUID string
	IndexID            string
	Shard              int
	Generation         ShardGeneration
	UseUUIDLayout      bool
}

// ClonePipeline implements the clone-shard operation of spec.md §4.9: copy a
// source snapshot's manifest verbatim under a new snapshot uuid, with zero
// data-blob copies.
type ClonePipeline struct {
	store  blobstore.Store
	layout Layout
}

// NewClonePipeline builds a pipeline writing through store/layout.
func NewClonePipeline(store blobstore.Store, layout Layout) *ClonePipeline {
	return &ClonePipeline{store: store, layout: layout}
}

// Run executes the clone, returning the new shard-generation, the cloned
// manifest's total size, and its file count.
func (c *ClonePipeline) Run(ctx context.Context, req CloneRequest) (ShardSnapshotResult, error) {
	container := c.layout.ShardContainer(req.IndexID, req.Shard)
	p := &ShardSnapshotPipeline{store: c.store, layout: c.layout}

	set, err := p.loadShardSet(ctx, container, req.Generation)
	if err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("loading shard-snapshot set: %w", err)
	}

	source, ok := set.ByUUID(req.SourceSnapshotUUID)
	if !ok {
		return ShardSnapshotResult{}, fmt.Errorf("%w: source snapshot %s not in shard set", ErrSnapshotMissing, req.SourceSnapshotUUID)
	}

	if existing, ok := set.ByUUID(req.TargetSnapshotUUID); ok {
		if manifestsEqual(existing, source) {
			return ShardSnapshotResult{NewGeneration: set.Generation, TotalSize: existing.TotalSize, FileCount: existing.TotalFileCount}, nil
		}
		return ShardSnapshotResult{}, fmt.Errorf("repository: target snapshot %s already exists in shard set with a different file list", req.TargetSnapshotUUID)
	}

	clone := source
	clone.SnapshotUUID = req.TargetSnapshotUUID
	clone.Files = append([]FileInfo(nil), source.Files...)

	updated := set.WithAdded(clone)
	var newGen ShardGeneration
	if req.UseUUIDLayout {
		newGen = NewShardGenerationUUID()
	} else {
		newGen = NextLegacyGeneration(set.Generation.Number)
	}
	updated.Generation = newGen

	if err := p.writeShardSet(ctx, container, updated); err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("writing cloned shard-snapshot set: %w", err)
	}
	if err := p.writeManifest(ctx, container, clone); err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("writing cloned manifest: %w", err)
	}

	return ShardSnapshotResult{NewGeneration: newGen, TotalSize: clone.TotalSize, FileCount: clone.TotalFileCount}, nil
}

func manifestsEqual(a, b SnapshotFiles) bool {
	if len(a.Files) != len(b.Files) {
		return false
	}
	for i := range a.Files {
		if !fileInfoEqual(a.Files[i], b.Files[i]) {
			return false
		}
	}
	return true
}

// fileInfoEqual compares every field but InlineContent: FileInfo holds a
// []byte field, so the struct type itself isn't comparable with ==, and
// content equality is already implied by Checksum.
func fileInfoEqual(a, b FileInfo) bool {
	return a.PhysicalName == b.PhysicalName &&
		a.BlobName == b.BlobName &&
		a.Length == b.Length &&
		a.Checksum == b.Checksum &&
		a.WriterUUID == b.WriterUUID &&
		a.PartSize == b.PartSize &&
		a.NumberOfParts == b.NumberOfParts
}
