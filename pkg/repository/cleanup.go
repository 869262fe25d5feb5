package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/events"
	"github.com/cuemby/snapvault/pkg/log"
	"github.com/cuemby/snapvault/pkg/metrics"
)

// CleanupPipeline implements the garbage-collection operation of spec.md
// §4.8: a non-deleting variant of the delete pipeline's stale-blob reclaim,
// fenced by advancing the repository generation by one first.
type CleanupPipeline struct {
	store       blobstore.Store
	layout      Layout
	writer      *RepositoryWriter
	staleRunner *StaleBlobRunner
	maxGenerationBacklog int
	repoName    string
	events      *events.Broker
}

// NewCleanupPipeline builds a cleanup pipeline retaining at most
// maxGenerationBacklog old root/shard generations before reclaiming them (a
// backstop against concurrent best-effort readers still resolving an older
// generation). eventBroker may be nil to disable lifecycle event publishing.
func NewCleanupPipeline(store blobstore.Store, layout Layout, writer *RepositoryWriter, staleRunner *StaleBlobRunner, maxGenerationBacklog int, repoName string, eventBroker *events.Broker) *CleanupPipeline {
	if maxGenerationBacklog <= 0 {
		maxGenerationBacklog = 1000
	}
	return &CleanupPipeline{store: store, layout: layout, writer: writer, staleRunner: staleRunner, maxGenerationBacklog: maxGenerationBacklog, repoName: repoName, events: eventBroker}
}

// Run fences concurrent writers by advancing the generation, then runs
// §4.7 step 4's two stale-blob phases against the fenced RepositoryData:
// shard-level reclaim (invariant 4) and root-level reclaim (invariant 5).
func (c *CleanupPipeline) Run(ctx context.Context) error {
	data, err := c.writer.Update(ctx, func(data RepositoryData) RepositoryData {
		return data
	})
	if err != nil {
		return wrapErr(c.repoName, "cleanup", err)
	}

	if err := c.SweepObsoleteGenerations(ctx, data.Generation-1, data.Generation); err != nil {
		return err
	}
	if err := c.SweepShardGarbage(ctx, data); err != nil {
		return err
	}
	if err := c.SweepStaleRootBlobs(ctx, data); err != nil {
		return err
	}

	if c.events != nil {
		c.events.Publish(&events.Event{
			Type:     events.EventCleanupCompleted,
			Message:  fmt.Sprintf("cleanup cycle completed for repository %q", c.repoName),
			Metadata: map[string]string{"repository": c.repoName},
		})
	}
	return nil
}

// SweepObsoleteGenerations deletes root "index-{n}" blobs strictly between
// the repository's creation and newGen, keeping at most
// maxGenerationBacklog of them as a safety margin for best-effort readers
// that may still resolve an older generation.
func (c *CleanupPipeline) SweepObsoleteGenerations(ctx context.Context, prevGen, newGen int64) error {
	names, err := c.store.ListByPrefix(ctx, blobstore.PurposeSnapshotMeta, c.layout.RootContainer(), "index-")
	if err != nil {
		return err
	}

	var toDelete []string
	for name := range names {
		gen, ok := ParseRootGeneration(name)
		if !ok {
			continue
		}
		if gen >= newGen {
			continue
		}
		if newGen-gen > int64(c.maxGenerationBacklog) {
			toDelete = append(toDelete, name)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}

	err = c.staleRunner.RunEager(func(ctx context.Context) error {
		err := c.store.DeleteBlobs(ctx, blobstore.PurposeSnapshotMeta, c.layout.RootContainer(), toDelete)
		if err != nil {
			log.WithRepository(c.repoName).Warn().Err(err).Msg("failed to reclaim obsolete root generations")
		}
		return err
	})
	if err == nil {
		metrics.BlobsReclaimedTotal.WithLabelValues(c.repoName).Add(float64(len(toDelete)))
	}
	return err
}

// SweepShardGarbage implements §4.7 step 4's shard-level reclaim phase and
// §4.6 step 4's "clean up now-obsolete shard-generation blobs": for every
// (index, shard) coordinate data currently references, it lists every blob
// physically present in that shard's container and deletes whatever the
// live shard-snapshot set no longer points to — superseded shard-index
// blobs (including an orphan left behind by a shard-snapshot run that wrote
// its uuid-named set before an upload aborted partway, per §4.5 step 5),
// manifests of snapshots no longer recorded, unreferenced data blobs, and
// recognized temporary-upload artifacts. This is invariant 4 of spec.md §8.
func (c *CleanupPipeline) SweepShardGarbage(ctx context.Context, data RepositoryData) error {
	gens := currentShardGenerations(data)
	loader := &ShardSnapshotPipeline{store: c.store, layout: c.layout}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for idxID, shards := range gens {
		for shard, gen := range shards {
			idxID, shard, gen := idxID, shard, gen
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.sweepOneShard(ctx, idxID, shard, gen, loader); err != nil {
					log.WithShard(idxID, shard).Warn().Err(err).Msg("failed to reclaim stale shard blobs during cleanup")
					record(err)
				}
			}()
		}
	}
	wg.Wait()
	return firstErr
}

func (c *CleanupPipeline) sweepOneShard(ctx context.Context, indexID string, shard int, gen ShardGeneration, loader *ShardSnapshotPipeline) error {
	if gen.IsNew() || gen.IsDeleted() {
		return nil
	}
	container := c.layout.ShardContainer(indexID, shard)

	set, err := loader.loadShardSet(ctx, container, gen)
	if err != nil {
		return err
	}

	keep := set.ReferencedBlobNames()
	keep[gen.Blob()] = true
	for _, sf := range set.Snapshots {
		keep["snap-"+sf.SnapshotUUID+".dat"] = true
	}

	names, err := c.store.ListByPrefix(ctx, blobstore.PurposeSnapshot, container, "")
	if err != nil {
		return err
	}
	var toDelete []string
	for name := range names {
		if keep[name] {
			continue
		}
		toDelete = append(toDelete, name)
	}
	if len(toDelete) == 0 {
		return nil
	}
	if err := c.staleRunner.RunEager(func(ctx context.Context) error {
		return c.store.DeleteBlobs(ctx, blobstore.PurposeSnapshot, container, toDelete)
	}); err != nil {
		return err
	}
	metrics.BlobsReclaimedTotal.WithLabelValues(c.repoName).Add(float64(len(toDelete)))
	return nil
}

// SweepStaleRootBlobs implements §4.7 step 4's root-level reclaim phase
// (invariant 5 of spec.md §8): a root-level blob is stale if it is a
// recognized temporary upload, or a per-snapshot metadata/info blob whose
// uuid is no longer in the current snapshot set. "index-{n}" root blobs are
// handled separately by SweepObsoleteGenerations, which alone knows the
// generation backlog to retain for best-effort readers.
func (c *CleanupPipeline) SweepStaleRootBlobs(ctx context.Context, data RepositoryData) error {
	surviving := data.SurvivingSnapshotUUIDs()

	names, err := c.store.ListByPrefix(ctx, blobstore.PurposeSnapshotMeta, c.layout.RootContainer(), "")
	if err != nil {
		return err
	}

	var toDelete []string
	for name := range names {
		switch {
		case IsTemporaryUploadName(name):
			toDelete = append(toDelete, name)
		case strings.HasPrefix(name, "snap-") && strings.HasSuffix(name, ".dat"):
			uuid := strings.TrimSuffix(strings.TrimPrefix(name, "snap-"), ".dat")
			if !surviving[uuid] {
				toDelete = append(toDelete, name)
			}
		case strings.HasPrefix(name, "meta-") && strings.HasSuffix(name, ".dat"):
			// Root-level "meta-{uuid}.dat" is the legacy-layout global
			// metadata blob, keyed by snapshot uuid like "snap-*.dat"
			// (the modern, content-hash-keyed per-index metadata lives
			// under indices/{id}/, a different container this sweep
			// does not touch).
			uuid := strings.TrimSuffix(strings.TrimPrefix(name, "meta-"), ".dat")
			if !surviving[uuid] {
				toDelete = append(toDelete, name)
			}
		}
	}
	if len(toDelete) == 0 {
		return nil
	}

	err = c.staleRunner.RunEager(func(ctx context.Context) error {
		err := c.store.DeleteBlobs(ctx, blobstore.PurposeSnapshotMeta, c.layout.RootContainer(), toDelete)
		if err != nil {
			log.WithRepository(c.repoName).Warn().Err(err).Msg("failed to reclaim stale root blobs")
		}
		return err
	})
	if err == nil {
		metrics.BlobsReclaimedTotal.WithLabelValues(c.repoName).Add(float64(len(toDelete)))
	}
	return err
}
