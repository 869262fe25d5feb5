package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/events"
	"github.com/cuemby/snapvault/pkg/log"
	"github.com/cuemby/snapvault/pkg/metrics"
)

// RestoreDestination is the narrow interface the restore pipeline needs
// from the destination store (the host index engine's write side, an
// external collaborator): create a verifying output stream for a physical
// file, and mark the destination corrupted on unrecoverable checksum
// failure.
type RestoreDestination interface {
	CreateOutput(ctx context.Context, physicalName string) (io.WriteCloser, error)
	MarkCorrupted(ctx context.Context, err error)
	DeletePartial(ctx context.Context, physicalName string) error
}

// OngoingRestores tracks in-flight shard restores per repository (spec.md
// §4.10 step 1/4): register blocks new snapshot-consistency operations from
// observing a half-restored shard; AwaitIdle blocks until the set empties.
type OngoingRestores struct {
	mu        sync.Mutex
	active    map[RepositoryShardID]bool
	listeners []chan struct{}
}

// NewOngoingRestores builds an empty tracker.
func NewOngoingRestores() *OngoingRestores {
	return &OngoingRestores{active: map[RepositoryShardID]bool{}}
}

// Register adds shard to the active set.
func (o *OngoingRestores) Register(shard RepositoryShardID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[shard] = true
}

// Remove drops shard from the active set, waking any AwaitIdle callers if it
// was the last one.
func (o *OngoingRestores) Remove(shard RepositoryShardID) {
	o.mu.Lock()
	delete(o.active, shard)
	empty := len(o.active) == 0
	var listeners []chan struct{}
	if empty {
		listeners, o.listeners = o.listeners, nil
	}
	o.mu.Unlock()

	for _, l := range listeners {
		close(l)
	}
}

// AwaitIdle blocks until no shard restore is in flight, or ctx is done.
func (o *OngoingRestores) AwaitIdle(ctx context.Context) error {
	o.mu.Lock()
	if len(o.active) == 0 {
		o.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	o.listeners = append(o.listeners, ch)
	o.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestoreRequest names the shard and manifest to restore.
type RestoreRequest struct {
	SnapshotUUID  string
	IndexID       string
	Shard         int
	Destination   RestoreDestination
	Concurrency   int
	ExistingFiles map[string]bool // physical names already present at the destination
}

// RestorePipeline implements the restore-shard operation of spec.md §4.10.
type RestorePipeline struct {
	store    blobstore.Store
	layout   Layout
	limiter  *RateLimiter
	ongoing  *OngoingRestores
	repoName string
	events   *events.Broker
}

// NewRestorePipeline builds a pipeline reading through store/layout,
// throttled by limiter, tracking in-flight restores in ongoing. eventBroker
// may be nil to disable lifecycle event publishing.
func NewRestorePipeline(store blobstore.Store, layout Layout, limiter *RateLimiter, ongoing *OngoingRestores, repoName string, eventBroker *events.Broker) *RestorePipeline {
	return &RestorePipeline{store: store, layout: layout, limiter: limiter, ongoing: ongoing, repoName: repoName, events: eventBroker}
}

func (r *RestorePipeline) publish(eventType events.EventType, message string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{Type: eventType, Message: message, Metadata: map[string]string{"repository": r.repoName}})
}

// Run executes the full restore for one shard's manifest.
func (r *RestorePipeline) Run(ctx context.Context, req RestoreRequest) (err error) {
	shardID := RepositoryShardID{Index: IndexID{ID: req.IndexID}, Shard: req.Shard}
	r.ongoing.Register(shardID)
	defer r.ongoing.Remove(shardID)

	timer := metrics.NewTimer()
	metrics.ActiveRestores.WithLabelValues(r.repoName).Inc()
	r.publish(events.EventRestoreStarted, fmt.Sprintf("restore started for %s shard %d", req.IndexID, req.Shard))

	var throttleBefore int64
	if r.limiter != nil {
		throttleBefore = r.limiter.ThrottleNanos()
	}

	defer func() {
		metrics.ActiveRestores.WithLabelValues(r.repoName).Dec()
		timer.ObserveDurationVec(metrics.RestoreDuration, r.repoName)
		if r.limiter != nil {
			delta := r.limiter.ThrottleNanos() - throttleBefore
			metrics.ThrottleNanosTotal.WithLabelValues(r.repoName, "restore").Add(float64(delta))
		}
		if err != nil {
			r.publish(events.EventRestoreFailed, fmt.Sprintf("restore failed for %s shard %d: %v", req.IndexID, req.Shard, err))
		} else {
			r.publish(events.EventRestoreCompleted, fmt.Sprintf("restore completed for %s shard %d", req.IndexID, req.Shard))
		}
	}()

	container := r.layout.ShardContainer(req.IndexID, req.Shard)
	manifest, loadErr := r.loadManifest(ctx, container, req.SnapshotUUID)
	if loadErr != nil {
		err = fmt.Errorf("loading restore manifest: %w", loadErr)
		return err
	}

	toRestore := manifest.Files
	if req.ExistingFiles != nil {
		filtered := toRestore[:0:0]
		for _, f := range toRestore {
			if !req.ExistingFiles[f.PhysicalName] {
				filtered = append(filtered, f)
			}
		}
		toRestore = filtered
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	work := make(chan FileInfo)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range work {
				if ferr := r.restoreFile(ctx, container, req.Destination, f); ferr != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = ferr
					}
					mu.Unlock()
				}
			}
		}()
	}

loop:
	for _, f := range toRestore {
		select {
		case work <- f:
		case <-ctx.Done():
			close(work)
			wg.Wait()
			err = ctx.Err()
			break loop
		}
	}
	if err == nil {
		close(work)
		wg.Wait()
		err = firstErr
	}

	return err
}

func (r *RestorePipeline) loadManifest(ctx context.Context, container, snapshotUUID string) (SnapshotFiles, error) {
	rc, err := r.store.Read(ctx, blobstore.PurposeSnapshot, container, "snap-"+snapshotUUID+".dat")
	if err != nil {
		return SnapshotFiles{}, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return SnapshotFiles{}, err
	}
	codecName, body, err := DecodeBlob(raw)
	if err != nil {
		return SnapshotFiles{}, err
	}
	if codecName != shardSetCodec {
		return SnapshotFiles{}, fmt.Errorf("%w: %s", ErrUnknownCodec, codecName)
	}
	var manifest SnapshotFiles
	if err := json.Unmarshal(body, &manifest); err != nil {
		return SnapshotFiles{}, err
	}
	return manifest, nil
}

// restoreFile implements step 3: virtual files write their inlined content
// directly; uploaded files stream through a rate-limited, checksum-
// verifying writer. A chunked upload's parts are read back in order and
// concatenated through the same verifying writer, so the checksum is still
// computed over the reassembled whole file.
func (r *RestorePipeline) restoreFile(ctx context.Context, container string, dest RestoreDestination, f FileInfo) error {
	out, err := dest.CreateOutput(ctx, f.PhysicalName)
	if err != nil {
		return err
	}

	if f.IsVirtual() {
		if _, err := out.Write(f.InlineContent); err != nil {
			_ = out.Close()
			return r.failVerification(ctx, dest, f, err)
		}
		return out.Close()
	}

	numberOfParts := f.NumberOfParts
	if numberOfParts <= 0 {
		numberOfParts = 1
	}

	vw := NewVerifyingWriter(out)
	for part := 1; part <= numberOfParts; part++ {
		name := f.BlobName
		if numberOfParts > 1 {
			name = DataBlobName(f.WriterUUID, part, numberOfParts)
		}
		if err := r.copyPart(ctx, container, name, vw); err != nil {
			_ = out.Close()
			return r.failVerification(ctx, dest, f, err)
		}
	}
	if err := vw.Finish(f.Checksum); err != nil {
		_ = out.Close()
		return r.failVerification(ctx, dest, f, err)
	}
	return out.Close()
}

// copyPart streams one data-blob part through the rate limiter into vw.
func (r *RestorePipeline) copyPart(ctx context.Context, container, name string, vw *VerifyingWriter) error {
	rc, err := r.store.Read(ctx, blobstore.PurposeSnapshot, container, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	var src io.Reader = rc
	if r.limiter != nil {
		src = r.limiter.Wrap(ctx, src)
	}
	_, err = io.Copy(vw, src)
	return err
}

func (r *RestorePipeline) failVerification(ctx context.Context, dest RestoreDestination, f FileInfo, cause error) error {
	dest.MarkCorrupted(ctx, cause)
	if err := dest.DeletePartial(ctx, f.PhysicalName); err != nil {
		log.WithShard("", 0).Warn().Err(err).Str("physical_name", f.PhysicalName).Msg("failed to delete partial restored file after verification failure")
	}
	return cause
}
