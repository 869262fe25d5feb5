package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/events"
	"github.com/cuemby/snapvault/pkg/log"
	"github.com/cuemby/snapvault/pkg/metrics"
)

// DeleteRequest names the snapshots to remove from a repository.
type DeleteRequest struct {
	SnapshotUUIDs []string
	ExpectedSafe  int64
	ModernLayout  bool
}

// DeletePipeline runs the delete-snapshots operation of spec.md §4.7: per
// affected shard, rewrite or retire its shard-snapshot set, then commit the
// updated RepositoryData, then reclaim now-unreferenced blobs.
type DeletePipeline struct {
	store      blobstore.Store
	layout     Layout
	writer     *RepositoryWriter
	staleRunner *StaleBlobRunner
	repoName   string
	events     *events.Broker
}

// NewDeletePipeline builds a pipeline writing through store/layout,
// committing via writer, and reclaiming garbage on staleRunner. eventBroker
// may be nil to disable lifecycle event publishing.
func NewDeletePipeline(store blobstore.Store, layout Layout, writer *RepositoryWriter, staleRunner *StaleBlobRunner, repoName string, eventBroker *events.Broker) *DeletePipeline {
	return &DeletePipeline{store: store, layout: layout, writer: writer, staleRunner: staleRunner, repoName: repoName, events: eventBroker}
}

type shardRewriteOutcome struct {
	indexID    string
	shard      int
	newGen     ShardGeneration
	toDelete   []string
	fullyEmpty bool
}

// Run executes the full delete-snapshots pipeline.
func (d *DeletePipeline) Run(ctx context.Context, req DeleteRequest) (data RepositoryData, err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.SnapshotDeleteDuration, d.repoName)
		if d.events == nil {
			return
		}
		if err != nil {
			return
		}
		d.events.Publish(&events.Event{
			Type:     events.EventSnapshotDeleted,
			Message:  fmt.Sprintf("deleted %d snapshot(s)", len(req.SnapshotUUIDs)),
			Metadata: map[string]string{"repository": d.repoName},
		})
	}()

	return d.run(ctx, req)
}

func (d *DeletePipeline) run(ctx context.Context, req DeleteRequest) (RepositoryData, error) {
	l := log.WithRepository(d.repoName)
	removed := make(map[string]bool, len(req.SnapshotUUIDs))
	for _, u := range req.SnapshotUUIDs {
		removed[u] = true
	}

	current, err := d.writer.loader.Load(ctx)
	if err != nil {
		return RepositoryData{}, wrapErr(d.repoName, "delete", err)
	}

	// currentGens gives the freshest shard-generation recorded for every
	// (index, shard), independent of which snapshot most recently touched
	// it: the per-snapshot ShardGenerations entries are historical (each
	// records the vector "as it stood when that snapshot was taken"), but
	// the shard-index blob itself is cumulative, so the generation recorded
	// by the most-recently-finalized snapshot touching a shard is always
	// the one that must be read and rewritten — using a removed snapshot's
	// own (possibly superseded) entry would read a stale blob missing any
	// later surviving snapshot's manifest and wrongly treat the shard as
	// empty.
	currentGens := currentShardGenerations(current)
	affected := affectedShards(current, removed)
	var outcomes []shardRewriteOutcome
	rewritten := map[string]map[int]ShardGeneration{}
	for idxID, shards := range affected {
		for idxShard := range shards {
			gen, ok := currentGens[idxID][idxShard]
			if !ok {
				l.Warn().Str("index_id", idxID).Int("shard", idxShard).Msg("no current shard generation found during delete; leaked blobs deferred to next sweep")
				continue
			}
			outcome, err := d.rewriteShard(ctx, idxID, idxShard, gen, removed, req.ModernLayout)
			if err != nil {
				l.Warn().Str("index_id", idxID).Int("shard", idxShard).Err(err).Msg("shard rewrite failed during delete; leaked blobs deferred to next sweep")
				continue
			}
			outcomes = append(outcomes, outcome)
			if rewritten[idxID] == nil {
				rewritten[idxID] = map[int]ShardGeneration{}
			}
			rewritten[idxID][idxShard] = outcome.newGen
		}
	}

	next, err := d.writer.Update(ctx, func(data RepositoryData) RepositoryData {
		data.Snapshots = filterSnapshots(data.Snapshots, removed)
		for uuid := range removed {
			delete(data.ShardGenerations, uuid)
		}
		for idxID, snaps := range data.IndexSnapshots {
			data.IndexSnapshots[idxID] = filterStrings(snaps, removed)
		}
		// Re-point every surviving snapshot's shard-generation vector at
		// the generation rewriteShard just published: the old blob it used
		// to reference is among the ones scheduled for reclaim below, so
		// leaving a stale pointer here would violate reference-integrity
		// the moment that reclaim runs.
		for snapUUID, perIndex := range data.ShardGenerations {
			if removed[snapUUID] {
				continue
			}
			for idxID, gens := range perIndex {
				byShard, ok := rewritten[idxID]
				if !ok {
					continue
				}
				updated := append([]ShardGeneration(nil), gens...)
				for shard, newGen := range byShard {
					if shard < len(updated) {
						updated[shard] = newGen
					}
				}
				perIndex[idxID] = updated
			}
		}
		return data
	})
	if err != nil {
		return RepositoryData{}, err
	}

	d.reclaimGarbage(outcomes)
	return next, nil
}

// rewriteShard implements modern-mode step 2: load the shard's current set,
// drop manifests belonging to deleted snapshots, and either retire the shard
// (DELETED sentinel) or write a fresh shard-index blob.
func (d *DeletePipeline) rewriteShard(ctx context.Context, indexID string, shard int, gen ShardGeneration, removed map[string]bool, modern bool) (shardRewriteOutcome, error) {
	container := d.layout.ShardContainer(indexID, shard)

	set, err := d.loadSet(ctx, container, gen)
	if err != nil {
		return shardRewriteOutcome{}, err
	}

	before := set.ReferencedBlobNames()
	filtered := set.WithoutSnapshots(removed)

	if len(filtered.Snapshots) == 0 {
		names, _ := d.store.ListByPrefix(ctx, blobstore.PurposeSnapshot, container, "")
		toDelete := make([]string, 0, len(names))
		for name := range names {
			toDelete = append(toDelete, name)
		}
		return shardRewriteOutcome{indexID: indexID, shard: shard, newGen: ShardGenDeleted, toDelete: toDelete, fullyEmpty: true}, nil
	}

	var newGen ShardGeneration
	if modern {
		newGen = NewShardGenerationUUID()
	} else {
		newGen = NextLegacyGeneration(gen.Number)
	}
	filtered.Generation = newGen
	if err := d.writeSetBlob(ctx, container, filtered); err != nil {
		return shardRewriteOutcome{}, err
	}

	after := filtered.ReferencedBlobNames()
	var toDelete []string
	for name := range before {
		if !after[name] {
			toDelete = append(toDelete, name)
		}
	}
	for _, sf := range set.Snapshots {
		if removed[sf.SnapshotUUID] {
			toDelete = append(toDelete, "snap-"+sf.SnapshotUUID+".dat")
		}
	}
	toDelete = append(toDelete, gen.Blob())

	return shardRewriteOutcome{indexID: indexID, shard: shard, newGen: newGen, toDelete: toDelete}, nil
}

func (d *DeletePipeline) loadSet(ctx context.Context, container string, gen ShardGeneration) (ShardSnapshotSet, error) {
	p := &ShardSnapshotPipeline{store: d.store, layout: d.layout}
	return p.loadShardSet(ctx, container, gen)
}

func (d *DeletePipeline) writeSetBlob(ctx context.Context, container string, set ShardSnapshotSet) error {
	p := &ShardSnapshotPipeline{store: d.store, layout: d.layout}
	return p.writeShardSet(ctx, container, set)
}

// reclaimGarbage deletes identified shard-level blobs in parallel on the
// stale-blob runner, per step 4. It waits for every shard's reclaim to
// finish before returning: the deletes run concurrently with each other
// (bounded by staleRunner), but the pipeline itself does not report success
// until the blobs it identified as stale are actually gone.
func (d *DeletePipeline) reclaimGarbage(outcomes []shardRewriteOutcome) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for _, o := range outcomes {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			container := d.layout.ShardContainer(o.indexID, o.shard)
			err := d.staleRunner.RunEager(func(ctx context.Context) error {
				return d.store.DeleteBlobs(ctx, blobstore.PurposeSnapshot, container, o.toDelete)
			})
			if err != nil {
				log.WithShard(o.indexID, o.shard).Warn().Err(err).Msg("failed to reclaim stale shard blobs after delete")
				return
			}
			metrics.BlobsReclaimedTotal.WithLabelValues(d.repoName).Add(float64(len(o.toDelete)))
		}()
	}
	wg.Wait()
}

// affectedShards returns the set of (index, shard) coordinates touched by
// any snapshot in removed, derived from each removed snapshot's own recorded
// shard-generation vector (used only to decide WHICH shards need rewriting;
// the generation to actually read is looked up separately via
// currentShardGenerations, since a removed snapshot's own recorded entry may
// already be superseded by a later surviving snapshot).
func affectedShards(data RepositoryData, removed map[string]bool) map[string]map[int]bool {
	out := map[string]map[int]bool{}
	for snapUUID := range removed {
		perIndex, ok := data.ShardGenerations[snapUUID]
		if !ok {
			continue
		}
		for idxID, gens := range perIndex {
			if out[idxID] == nil {
				out[idxID] = map[int]bool{}
			}
			for shard := range gens {
				out[idxID][shard] = true
			}
		}
	}
	return out
}

// currentShardGenerations derives, for every (index, shard) the currently
// recorded RepositoryData references, the freshest live shard generation.
// Snapshots are walked in their stored (chronological, append) order so that
// a later snapshot's recorded vector always overwrites an earlier one's for
// the same shard, matching the fact that the shard-index blob is cumulative
// and each finalize's recorded vector supersedes any prior snapshot's entry
// for the shards it touched.
func currentShardGenerations(data RepositoryData) map[string]map[int]ShardGeneration {
	out := map[string]map[int]ShardGeneration{}
	for _, snap := range data.Snapshots {
		perIndex, ok := data.ShardGenerations[snap.UUID]
		if !ok {
			continue
		}
		for idxID, gens := range perIndex {
			if out[idxID] == nil {
				out[idxID] = map[int]ShardGeneration{}
			}
			for shard, gen := range gens {
				out[idxID][shard] = gen
			}
		}
	}
	return out
}

func filterSnapshots(snaps []SnapshotDetails, removed map[string]bool) []SnapshotDetails {
	out := make([]SnapshotDetails, 0, len(snaps))
	for _, s := range snaps {
		if !removed[s.UUID] {
			out = append(out, s)
		}
	}
	return out
}

func filterStrings(ss []string, removed map[string]bool) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !removed[s] {
			out = append(out, s)
		}
	}
	return out
}
