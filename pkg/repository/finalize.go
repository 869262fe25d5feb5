package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/events"
	"github.com/cuemby/snapvault/pkg/log"
	"github.com/cuemby/snapvault/pkg/metrics"
)

// FinalizeRequest composes the outcome of every per-shard pipeline run into
// one snapshot's metadata writes (spec.md §4.6).
type FinalizeRequest struct {
	SnapshotID     SnapshotID
	State          SnapshotState
	Indices        []IndexID
	ShardResults   map[string]map[int]ShardSnapshotResult // index id -> shard -> result
	GlobalMetadata []byte
	IndexMetadata  map[string][]byte // index id -> metadata bytes
	MaxSnapshots   int
}

// FinalizeOutcome is returned once the snapshot's root generation write
// commits.
type FinalizeOutcome struct {
	RepositoryData RepositoryData
}

// FinalizeOrchestrator composes §4.5 shard outcomes with the metadata
// writes and the three-step root update.
type FinalizeOrchestrator struct {
	store    blobstore.Store
	layout   Layout
	writer   *RepositoryWriter
	metaRunner *Runner
	cleanup  *CleanupPipeline
	repoName string
	events   *events.Broker
}

// NewFinalizeOrchestrator builds an orchestrator writing through
// store/layout, committing via writer, running metadata writes on
// metaRunner, and scheduling post-commit cleanup via cleanup. eventBroker
// may be nil to disable lifecycle event publishing.
func NewFinalizeOrchestrator(store blobstore.Store, layout Layout, writer *RepositoryWriter, metaRunner *Runner, cleanup *CleanupPipeline, repoName string, eventBroker *events.Broker) *FinalizeOrchestrator {
	return &FinalizeOrchestrator{store: store, layout: layout, writer: writer, metaRunner: metaRunner, cleanup: cleanup, repoName: repoName, events: eventBroker}
}

func (f *FinalizeOrchestrator) publish(eventType events.EventType, snapshotUUID, message string) {
	if f.events == nil {
		return
	}
	f.events.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: map[string]string{"repository": f.repoName, "snapshot_uuid": snapshotUUID},
	})
}

// Finalize runs the orchestrator end to end.
func (f *FinalizeOrchestrator) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeOutcome, error) {
	timer := metrics.NewTimer()
	f.publish(events.EventSnapshotStarted, req.SnapshotID.UUID, fmt.Sprintf("finalize started for snapshot %q", req.SnapshotID.Name))

	outcome, err := f.finalize(ctx, req)
	timer.ObserveDurationVec(metrics.SnapshotCreateDuration, f.repoName)
	if err != nil {
		f.publish(events.EventSnapshotFailed, req.SnapshotID.UUID, fmt.Sprintf("finalize failed for snapshot %q: %v", req.SnapshotID.Name, err))
		return FinalizeOutcome{}, err
	}
	f.publish(events.EventSnapshotCompleted, req.SnapshotID.UUID, fmt.Sprintf("finalize completed for snapshot %q", req.SnapshotID.Name))
	return outcome, nil
}

func (f *FinalizeOrchestrator) finalize(ctx context.Context, req FinalizeRequest) (FinalizeOutcome, error) {
	current, err := f.writer.loader.Load(ctx)
	if err != nil {
		return FinalizeOutcome{}, wrapSnapshotErr(f.repoName, "finalize", req.SnapshotID.UUID, err)
	}
	if req.MaxSnapshots > 0 && len(current.Snapshots)+1 > req.MaxSnapshots {
		return FinalizeOutcome{}, wrapSnapshotErr(f.repoName, "finalize", req.SnapshotID.UUID,
			fmt.Errorf("repository: snapshot count would exceed configured maximum %d", req.MaxSnapshots))
	}

	if err := f.writeMetadataBlobs(ctx, req); err != nil {
		return FinalizeOutcome{}, wrapSnapshotErr(f.repoName, "finalize", req.SnapshotID.UUID, err)
	}

	details := SnapshotDetails{
		UUID:      req.SnapshotID.UUID,
		Name:      req.SnapshotID.Name,
		State:     req.State,
		StartTime: time.Now(),
		EndTime:   time.Now(),
		Indices:   indexNames(req.Indices),
	}

	next, err := f.writer.Update(ctx, func(data RepositoryData) RepositoryData {
		data.Snapshots = append(data.Snapshots, details)
		for _, idx := range req.Indices {
			data.IndexSnapshots[idx.ID] = append(data.IndexSnapshots[idx.ID], req.SnapshotID.UUID)
		}
		if data.ShardGenerations[req.SnapshotID.UUID] == nil {
			data.ShardGenerations[req.SnapshotID.UUID] = map[string][]ShardGeneration{}
		}
		for idxID, shards := range req.ShardResults {
			vec := make([]ShardGeneration, 0, len(shards))
			for shard := 0; shard < len(shards); shard++ {
				if r, ok := shards[shard]; ok {
					vec = append(vec, r.NewGeneration)
				}
			}
			data.ShardGenerations[req.SnapshotID.UUID][idxID] = vec
		}
		return data
	})
	if err != nil {
		return FinalizeOutcome{}, err
	}

	f.scheduleCleanup(current, next)
	return FinalizeOutcome{RepositoryData: next}, nil
}

// writeMetadataBlobs implements step 2: fan out the global-metadata,
// per-index-metadata, and snapshot-info writes on the bounded metadata
// runner, tolerating already-exists races against a concurrent writer that
// lost a prior master election.
func (f *FinalizeOrchestrator) writeMetadataBlobs(ctx context.Context, req FinalizeRequest) error {
	var waits []<-chan error

	globalName := f.layout.GlobalMetadataBlob(req.SnapshotID.UUID)
	waits = append(waits, f.metaRunner.Enqueue(func(ctx context.Context) error {
		return f.writeIgnoringExists(ctx, f.layout.RootContainer(), globalName, req.GlobalMetadata)
	}))

	for idxID, body := range req.IndexMetadata {
		idxID, body := idxID, body
		waits = append(waits, f.metaRunner.Enqueue(func(ctx context.Context) error {
			container := f.layout.IndexContainer(idxID)
			hash := ChecksumBytes(body)
			name := f.layout.IndexMetadataBlob(idxID, hash)
			return f.writeIgnoringExists(ctx, container, name, body)
		}))
	}

	infoBody, err := json.Marshal(req)
	if err == nil {
		snapName := f.layout.SnapshotInfoBlob(req.SnapshotID.UUID)
		waits = append(waits, f.metaRunner.Enqueue(func(ctx context.Context) error {
			return f.writeIgnoringExists(ctx, f.layout.RootContainer(), snapName, infoBody)
		}))
	}

	var firstErr error
	for _, w := range waits {
		if err := <-w; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *FinalizeOrchestrator) writeIgnoringExists(ctx context.Context, container, name string, body []byte) error {
	encoded, err := EncodeBlob(repositoryDataCodec, false, body)
	if err != nil {
		return err
	}
	err = f.store.Write(ctx, blobstore.PurposeSnapshotMeta, container, name, bytes.NewReader(encoded), int64(len(encoded)), true)
	if err != nil && !isAlreadyExists(err) {
		return err
	}
	return nil
}

func isAlreadyExists(err error) bool {
	return err == blobstore.ErrBlobAlreadyExists
}

// scheduleCleanup fires the asynchronous obsolete-generation sweep (step 4);
// onDone-equivalent callers must not block on this returning.
func (f *FinalizeOrchestrator) scheduleCleanup(prev, next RepositoryData) {
	if f.cleanup == nil {
		return
	}
	go func() {
		ctx := context.Background()
		if err := f.cleanup.SweepObsoleteGenerations(ctx, prev.Generation, next.Generation); err != nil {
			log.WithRepository(f.repoName).Warn().Err(err).Msg("post-finalize cleanup sweep failed")
		}
		if err := f.cleanup.SweepShardGarbage(ctx, next); err != nil {
			log.WithRepository(f.repoName).Warn().Err(err).Msg("post-finalize shard-generation sweep failed")
		}
	}()
}

func indexNames(indices []IndexID) []string {
	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = idx.Name
	}
	return out
}
