package repository

import (
	"context"
	"sync"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/events"
	"github.com/cuemby/snapvault/pkg/log"
)

// Config holds every tunable the repository core reads at construction
// time. Fields mirror the configuration keys spec.md §6 lists; there is no
// separate parsing layer here, matching the teacher's plain-struct
// configuration style (cmd/reposvc binds CLI flags directly onto this
// struct).
type Config struct {
	Name    string
	BasePath string

	// ShardPathsUseUUID selects the modern (content-addressed, uuid-keyed)
	// shard-generation layout over the legacy monotonic-integer layout.
	ShardPathsUseUUID bool

	CacheRepositoryData bool
	MaxSnapshotCount    int

	SnapshotPoolSize int
	MetaPoolSize     int

	ChunkSize            int64
	MaxSnapshotBytesPerSec int64
	MaxRestoreBytesPerSec  int64

	CleanupGenerationBacklog int

	ReadOnly bool
}

// Repository is the top-level handle tying the generation tracker, loader,
// writer, and every operation pipeline to one blob-store-backed repository.
type Repository struct {
	cfg Config

	store    blobstore.Store
	layout   Layout
	tracker  *GenerationTracker
	loader   *RepositoryLoader
	writer   *RepositoryWriter
	metadata MetadataStore

	snapshotRunner *Runner
	metaRunner     *Runner
	staleRunner    *StaleBlobRunner

	throttles *ThrottleCounters
	ongoing   *OngoingRestores

	shardSnapshot *ShardSnapshotPipeline
	finalize      *FinalizeOrchestrator
	delete        *DeletePipeline
	cleanup       *CleanupPipeline
	clone         *ClonePipeline
	restore       *RestorePipeline
	verifier      *Verifier

	mu      sync.Mutex
	started bool
	closed  bool
}

// New wires a Repository from its config, blob store, and external metadata
// store. eventBroker publishes lifecycle events for the operation pipelines
// (snapshot/restore/cleanup/corruption); a nil broker disables publishing
// without otherwise changing behavior. Construction performs no I/O; call
// Start before issuing any operation.
func New(cfg Config, store blobstore.Store, metadata MetadataStore, eventBroker *events.Broker) *Repository {
	layout := NewLayout(cfg.BasePath)
	mode := StrictConsistency
	if cfg.ReadOnly {
		mode = BestEffortConsistency
	}
	tracker := NewGenerationTracker(mode, cfg.CacheRepositoryData)
	loader := NewRepositoryLoader(store, layout, tracker, cfg.Name)
	writer := NewRepositoryWriter(store, layout, tracker, loader, metadata, cfg.Name, eventBroker)

	snapshotPool := poolSize(cfg.SnapshotPoolSize)
	metaPool := poolSize(cfg.MetaPoolSize)

	ctx := context.Background()
	snapshotRunner := NewRunner(ctx, "snapshot", snapshotPool)
	metaRunner := NewRunner(ctx, "snapshot_meta", metaPool)
	staleRunner := NewStaleBlobRunner(ctx, snapshotPool)

	throttles := NewThrottleCounters(cfg.MaxSnapshotBytesPerSec, cfg.MaxRestoreBytesPerSec)
	ongoing := NewOngoingRestores()

	cleanup := NewCleanupPipeline(store, layout, writer, staleRunner, cfg.CleanupGenerationBacklog, cfg.Name, eventBroker)

	r := &Repository{
		cfg:            cfg,
		store:          store,
		layout:         layout,
		tracker:        tracker,
		loader:         loader,
		writer:         writer,
		metadata:       metadata,
		snapshotRunner: snapshotRunner,
		metaRunner:     metaRunner,
		staleRunner:    staleRunner,
		throttles:      throttles,
		ongoing:        ongoing,
		shardSnapshot:  NewShardSnapshotPipeline(store, layout, snapshotRunner, throttles.Snapshot, cfg.ChunkSize, cfg.Name),
		finalize:       NewFinalizeOrchestrator(store, layout, writer, metaRunner, cleanup, cfg.Name, eventBroker),
		delete:         NewDeletePipeline(store, layout, writer, staleRunner, cfg.Name, eventBroker),
		cleanup:        cleanup,
		clone:          NewClonePipeline(store, layout),
		restore:        NewRestorePipeline(store, layout, throttles.Restore, ongoing, cfg.Name, eventBroker),
		verifier:       NewVerifier(store, layout),
	}
	return r
}

func poolSize(configured int) int {
	if configured <= 0 {
		return 4
	}
	return configured
}

// Start marks the repository usable; it is safe to call operations only
// after Start returns.
func (r *Repository) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrNotStarted
	}
	r.started = true
	log.WithRepository(r.cfg.Name).Info().Msg("repository started")
	return nil
}

// Stop marks the repository unusable for new operations without releasing
// its resources; Close does that. Matches the teacher's stop-then-close
// lifecycle split used for graceful shutdown.
func (r *Repository) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	return nil
}

// Close marks the repository closed, waits for in-flight restores to drain
// and for the snapshot runner to finish. A second call returns nil at once.
// The underlying blob store is not closed.
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.started = false
	r.mu.Unlock()

	if err := r.ongoing.AwaitIdle(ctx); err != nil {
		return err
	}
	if err := r.snapshotRunner.Wait(); err != nil {
		log.WithRepository(r.cfg.Name).Warn().Err(err).Msg("snapshot runner returned an error while closing")
	}
	return nil
}

func (r *Repository) requireStarted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.closed {
		return ErrNotStarted
	}
	return nil
}

// SnapshotShard runs the shard-snapshot pipeline for one shard.
func (r *Repository) SnapshotShard(ctx context.Context, req ShardSnapshotRequest) (ShardSnapshotResult, error) {
	if err := r.requireStarted(); err != nil {
		return ShardSnapshotResult{}, err
	}
	req.UseUUIDLayout = r.cfg.ShardPathsUseUUID
	return r.shardSnapshot.Run(ctx, req)
}

// FinalizeSnapshot runs the finalize orchestrator for a snapshot whose
// per-shard pipelines have all completed.
func (r *Repository) FinalizeSnapshot(ctx context.Context, req FinalizeRequest) (FinalizeOutcome, error) {
	if err := r.requireStarted(); err != nil {
		return FinalizeOutcome{}, err
	}
	if req.MaxSnapshots == 0 {
		req.MaxSnapshots = r.cfg.MaxSnapshotCount
	}
	return r.finalize.Finalize(ctx, req)
}

// DeleteSnapshots runs the delete-snapshots pipeline.
func (r *Repository) DeleteSnapshots(ctx context.Context, req DeleteRequest) (RepositoryData, error) {
	if err := r.requireStarted(); err != nil {
		return RepositoryData{}, err
	}
	if r.cfg.ReadOnly {
		return RepositoryData{}, ErrReadOnly
	}
	req.ModernLayout = r.cfg.ShardPathsUseUUID
	return r.delete.Run(ctx, req)
}

// Cleanup runs the garbage-collection sweep.
func (r *Repository) Cleanup(ctx context.Context) error {
	if err := r.requireStarted(); err != nil {
		return err
	}
	if r.cfg.ReadOnly {
		return ErrReadOnly
	}
	return r.cleanup.Run(ctx)
}

// CloneShard runs the clone-shard pipeline.
func (r *Repository) CloneShard(ctx context.Context, req CloneRequest) (ShardSnapshotResult, error) {
	if err := r.requireStarted(); err != nil {
		return ShardSnapshotResult{}, err
	}
	req.UseUUIDLayout = r.cfg.ShardPathsUseUUID
	return r.clone.Run(ctx, req)
}

// RestoreShard runs the restore-shard pipeline.
func (r *Repository) RestoreShard(ctx context.Context, req RestoreRequest) error {
	if err := r.requireStarted(); err != nil {
		return err
	}
	if req.Concurrency == 0 {
		req.Concurrency = r.cfg.SnapshotPoolSize
	}
	return r.restore.Run(ctx, req)
}

// AwaitIdle blocks until no shard restore is in flight.
func (r *Repository) AwaitIdle(ctx context.Context) error {
	return r.ongoing.AwaitIdle(ctx)
}

// GetRepositoryData returns the current RepositoryData.
func (r *Repository) GetRepositoryData(ctx context.Context) (RepositoryData, error) {
	if err := r.requireStarted(); err != nil {
		return RepositoryData{}, err
	}
	return r.loader.Load(ctx)
}

// StartVerification runs the verification-protocol handshake's first step.
func (r *Repository) StartVerification(ctx context.Context) (VerificationHandle, error) {
	return r.verifier.Start(ctx)
}

// VerifyNode completes this node's half of the verification protocol.
func (r *Repository) VerifyNode(ctx context.Context, handle VerificationHandle, nodeID string) error {
	return r.verifier.VerifyNode(ctx, handle, nodeID)
}

// EndVerification tears down the verification-protocol scratch container.
func (r *Repository) EndVerification(ctx context.Context, handle VerificationHandle) error {
	return r.verifier.End(ctx, handle)
}

// IsCorrupted reports whether the repository's corruption latch has
// tripped, per invariant 3: once latched, it stays latched until
// re-registration constructs a fresh Repository.
func (r *Repository) IsCorrupted() bool {
	return r.tracker.IsCorrupted()
}

// Name returns the repository's configured display name.
func (r *Repository) Name() string {
	return r.cfg.Name
}

// ThrottleNanos returns the cumulative snapshot/restore throttle-wait time,
// per spec.md §4.11.
func (r *Repository) ThrottleNanos() (snapshot, restore int64) {
	return r.throttles.Snapshot.ThrottleNanos(), r.throttles.Restore.ThrottleNanos()
}

// SetSnapshotRate and SetRestoreRate atomically replace the corresponding
// limiter; in-flight streams pick up the new rate on their next read.
func (r *Repository) SetSnapshotRate(bytesPerSecond int64) { r.throttles.Snapshot.SetRate(bytesPerSecond) }
func (r *Repository) SetRestoreRate(bytesPerSecond int64)  { r.throttles.Restore.SetRate(bytesPerSecond) }
