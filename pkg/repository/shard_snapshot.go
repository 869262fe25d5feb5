package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/log"
	"github.com/cuemby/snapvault/pkg/metrics"
)

// ShardSnapshotStatus is the per-shard cooperative-cancellation handle: the
// upload loop polls Aborted before it starts each file and before it starts
// each part of a file.
type ShardSnapshotStatus struct {
	aborted atomic.Bool
}

// Abort trips the cancellation flag; files and parts not yet started are
// skipped, while a part already being written runs to completion.
func (s *ShardSnapshotStatus) Abort() { s.aborted.Store(true) }

// Aborted reports whether Abort has been called.
func (s *ShardSnapshotStatus) Aborted() bool { return s.aborted.Load() }

// ShardSnapshotRequest is the input to one shard-snapshot pipeline run.
type ShardSnapshotRequest struct {
	SnapshotUUID        string
	IndexID             string
	Shard               int
	PriorGeneration      *ShardGeneration
	StateIdentifierHint string
	Segments            SegmentDirectory
	Status              *ShardSnapshotStatus
	UseUUIDLayout       bool
}

// ShardSnapshotResult is returned to the finalize orchestrator on success.
type ShardSnapshotResult struct {
	NewGeneration ShardGeneration
	TotalSize     int64
	FileCount     int
}

// ShardSnapshotPipeline runs the per-shard diff/upload/publish sequence
// (spec.md §4.5) against a blob store, using a bounded Runner for uploads.
type ShardSnapshotPipeline struct {
	store     blobstore.Store
	layout    Layout
	runner    *Runner
	limiter   *RateLimiter
	chunkSize int64
	repoName  string
}

// NewShardSnapshotPipeline builds a pipeline writing through store/layout,
// uploading via runner bounded to the configured snapshot pool size, each
// file split into parts no larger than chunkSize, throttled by limiter.
func NewShardSnapshotPipeline(store blobstore.Store, layout Layout, runner *Runner, limiter *RateLimiter, chunkSize int64, repoName string) *ShardSnapshotPipeline {
	return &ShardSnapshotPipeline{store: store, layout: layout, runner: runner, limiter: limiter, chunkSize: chunkSize, repoName: repoName}
}

// Run executes the full pipeline for one shard and returns its outcome.
func (p *ShardSnapshotPipeline) Run(ctx context.Context, req ShardSnapshotRequest) (ShardSnapshotResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ShardSnapshotDuration, p.repoName)

	var throttleBefore int64
	if p.limiter != nil {
		throttleBefore = p.limiter.ThrottleNanos()
	}
	defer func() {
		if p.limiter != nil {
			delta := p.limiter.ThrottleNanos() - throttleBefore
			metrics.ThrottleNanosTotal.WithLabelValues(p.repoName, "snapshot").Add(float64(delta))
		}
	}()

	container := p.layout.ShardContainer(req.IndexID, req.Shard)
	l := log.WithShard(req.IndexID, req.Shard)

	current, err := p.discoverPriorState(ctx, container, req.PriorGeneration)
	if err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("discovering prior shard state: %w", err)
	}

	if req.StateIdentifierHint != "" {
		if manifest, ok := reuseByStateIdentifier(current, req.StateIdentifierHint); ok {
			l.Debug().Str("state_identifier", req.StateIdentifierHint).Msg("reusing shard snapshot via state identifier fast path")
			return p.publishNoUpload(ctx, container, req.UseUUIDLayout, current, manifest)
		}
	}

	manifest, newBlobs, err := p.diff(ctx, req, current)
	if err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("diffing shard files: %w", err)
	}

	if req.UseUUIDLayout {
		return p.runModern(ctx, container, req, current, manifest, newBlobs)
	}
	return p.runLegacy(ctx, container, req, current, manifest, newBlobs)
}

// runModern implements the modern (uuid) layout ordering of §4.5 step 5:
// the new shard-snapshot set is written under its fresh uuid name *before*
// uploads begin, so a crash mid-upload leaves an unreferenced orphan blob
// rather than a shard set that dangles references to missing data blobs.
// RepositoryData never points at the new generation until the finalize
// orchestrator's three-step writer commits, so the orphan is harmless.
func (p *ShardSnapshotPipeline) runModern(ctx context.Context, container string, req ShardSnapshotRequest, current ShardSnapshotSet, manifest SnapshotFiles, newBlobs []pendingUpload) (ShardSnapshotResult, error) {
	newGen := NewShardGenerationUUID()
	updated := current.WithAdded(manifest)
	updated.Generation = newGen
	if err := p.writeShardSet(ctx, container, updated); err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("writing shard-snapshot set: %w", err)
	}

	if err := p.upload(ctx, container, req, newBlobs); err != nil {
		p.cleanupFailedUpload(ctx, container, req, newBlobs)
		return ShardSnapshotResult{}, fmt.Errorf("uploading shard files: %w", err)
	}

	if err := p.writeManifest(ctx, container, manifest); err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("writing snapshot manifest: %w", err)
	}

	return ShardSnapshotResult{NewGeneration: newGen, TotalSize: manifest.TotalSize, FileCount: manifest.TotalFileCount}, nil
}

// runLegacy implements the legacy (monotonic-integer) layout ordering of
// §4.5 step 5: data is uploaded first, then the successor shard-index blob
// is written atomically at generation old+1 only once every part landed.
func (p *ShardSnapshotPipeline) runLegacy(ctx context.Context, container string, req ShardSnapshotRequest, current ShardSnapshotSet, manifest SnapshotFiles, newBlobs []pendingUpload) (ShardSnapshotResult, error) {
	if err := p.upload(ctx, container, req, newBlobs); err != nil {
		p.cleanupFailedUpload(ctx, container, req, newBlobs)
		return ShardSnapshotResult{}, fmt.Errorf("uploading shard files: %w", err)
	}

	return p.publishNoUpload(ctx, container, false, current, manifest)
}

// discoverPriorState implements step 1: read the named shard-index blob
// directly if given, otherwise list the shard directory for the
// numerically-highest "index-{n}".
func (p *ShardSnapshotPipeline) discoverPriorState(ctx context.Context, container string, priorGen *ShardGeneration) (ShardSnapshotSet, error) {
	if priorGen != nil && !priorGen.IsNew() && !priorGen.IsDeleted() {
		return p.loadShardSet(ctx, container, *priorGen)
	}

	names, err := p.store.ListByPrefix(ctx, blobstore.PurposeSnapshot, container, "index-")
	if err != nil {
		return ShardSnapshotSet{}, err
	}

	var best ShardGeneration
	haveBest := false
	for name := range names {
		gen, ok := ParseShardGeneration(name)
		if !ok {
			continue
		}
		if !haveBest || isNewerShardGeneration(gen, best) {
			best = gen
			haveBest = true
		}
	}
	if !haveBest {
		return ShardSnapshotSet{Generation: ShardGenNew}, nil
	}
	return p.loadShardSet(ctx, container, best)
}

func isNewerShardGeneration(a, b ShardGeneration) bool {
	if a.Legacy && b.Legacy {
		return a.Number > b.Number
	}
	// Modern (uuid) generations carry no ordering of their own; the caller
	// only ever compares against a generation recovered from the same
	// listing, so picking the first one found is as good as any other
	// because RepositoryData, not the listing, is authoritative for which
	// uuid is live.
	return false
}

func (p *ShardSnapshotPipeline) loadShardSet(ctx context.Context, container string, gen ShardGeneration) (ShardSnapshotSet, error) {
	rc, err := p.store.Read(ctx, blobstore.PurposeSnapshot, container, gen.Blob())
	if err != nil {
		return ShardSnapshotSet{}, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return ShardSnapshotSet{}, err
	}
	codecName, body, err := DecodeBlob(raw)
	if err != nil {
		return ShardSnapshotSet{}, err
	}
	if codecName != shardSetCodec {
		return ShardSnapshotSet{}, fmt.Errorf("%w: %s", ErrUnknownCodec, codecName)
	}
	var set ShardSnapshotSet
	if err := json.Unmarshal(body, &set); err != nil {
		return ShardSnapshotSet{}, err
	}
	return set, nil
}

const shardSetCodec = "shard-set-v1"

// reuseByStateIdentifier implements step 2.
func reuseByStateIdentifier(current ShardSnapshotSet, hint string) (SnapshotFiles, bool) {
	for _, sf := range current.Snapshots {
		if sf.ShardStateIdentifier != "" && sf.ShardStateIdentifier == hint {
			return sf, true
		}
	}
	return SnapshotFiles{}, false
}

// pendingUpload is a new physical file scheduled for data-blob upload.
type pendingUpload struct {
	file          SegmentFile
	uuid          string
	numberOfParts int
	partSize      int64
}

// diff implements step 3: classify every physical file in the current
// commit as virtual, reused, or a new upload.
func (p *ShardSnapshotPipeline) diff(ctx context.Context, req ShardSnapshotRequest, current ShardSnapshotSet) (SnapshotFiles, []pendingUpload, error) {
	files, err := req.Segments.ListFiles(ctx)
	if err != nil {
		return SnapshotFiles{}, nil, err
	}

	manifest := SnapshotFiles{SnapshotUUID: req.SnapshotUUID, StartTime: startTime(ctx), ShardStateIdentifier: req.StateIdentifierHint}
	var pending []pendingUpload
	var totalSize int64

	for _, sf := range files {
		totalSize += sf.Length
		if sf.Length <= inlineableLimit {
			content, err := readAll(ctx, req.Segments, sf.PhysicalName)
			if err != nil {
				return SnapshotFiles{}, nil, err
			}
			manifest.Files = append(manifest.Files, FileInfo{
				PhysicalName:  sf.PhysicalName,
				BlobName:      VirtualBlobPrefix + sf.PhysicalName,
				Length:        sf.Length,
				Checksum:      sf.Checksum,
				InlineContent: content,
			})
			manifest.IncrementalFileCount++
			manifest.IncrementalSize += sf.Length
			continue
		}

		if existing, ok := findReusable(current, sf); ok {
			manifest.Files = append(manifest.Files, existing)
			continue
		}

		blobUUID := newBlobUUID()
		numberOfParts, partSize := p.partition(sf.Length)
		manifest.Files = append(manifest.Files, FileInfo{
			PhysicalName:  sf.PhysicalName,
			BlobName:      DataBlobName(blobUUID, 1, numberOfParts),
			Length:        sf.Length,
			Checksum:      sf.Checksum,
			WriterUUID:    blobUUID,
			PartSize:      partSize,
			NumberOfParts: numberOfParts,
		})
		pending = append(pending, pendingUpload{file: sf, uuid: blobUUID, numberOfParts: numberOfParts, partSize: partSize})
		manifest.IncrementalFileCount++
		manifest.IncrementalSize += sf.Length
	}

	manifest.TotalFileCount = len(files)
	manifest.TotalSize = totalSize
	return manifest, pending, nil
}

// partition implements §4.5 step 4's "each file is split into parts of the
// configured chunk size": a file no larger than chunkSize (or an unset,
// non-positive chunkSize) uploads as a single whole-file part.
func (p *ShardSnapshotPipeline) partition(length int64) (numberOfParts int, partSize int64) {
	if p.chunkSize <= 0 || length <= p.chunkSize {
		return 1, length
	}
	parts := (length + p.chunkSize - 1) / p.chunkSize
	return int(parts), p.chunkSize
}

func findReusable(current ShardSnapshotSet, sf SegmentFile) (FileInfo, bool) {
	for _, snap := range current.Snapshots {
		for _, f := range snap.Files {
			if f.IsVirtual() {
				continue
			}
			if f.Matches(sf.PhysicalName, sf.Length, sf.Checksum, f.WriterUUID) {
				return f, true
			}
		}
	}
	return FileInfo{}, false
}

// upload implements step 4: feed pending uploads into the bounded runner,
// splitting each file into chunkSize parts, honoring cooperative abort.
func (p *ShardSnapshotPipeline) upload(ctx context.Context, container string, req ShardSnapshotRequest, pending []pendingUpload) error {
	if len(pending) == 0 {
		return nil
	}

	var firstErr error
	var mu sync.Mutex
	waits := make([]<-chan error, 0, len(pending))

	for _, up := range pending {
		up := up
		waits = append(waits, p.runner.Enqueue(func(ctx context.Context) error {
			if req.Status.Aborted() {
				return ErrAbortedSnapshot
			}
			err := p.uploadFile(ctx, container, req, up)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
					req.Status.Abort()
				}
				mu.Unlock()
			}
			return err
		}))
	}

	for _, w := range waits {
		if err := <-w; err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	}
	return firstErr
}

// uploadFile streams one physical file, split into numberOfParts parts of
// up to partSize bytes each (a single whole-file part when numberOfParts is
// 1), polling the shared abort flag between parts so a concurrent failure
// elsewhere in the batch stops this file's transfer at its next part
// boundary instead of running to completion.
func (p *ShardSnapshotPipeline) uploadFile(ctx context.Context, container string, req ShardSnapshotRequest, up pendingUpload) error {
	rc, err := req.Segments.OpenRead(ctx, up.file.PhysicalName)
	if err != nil {
		return err
	}
	defer rc.Close()

	var r io.Reader = rc
	if p.limiter != nil {
		r = p.limiter.Wrap(ctx, r)
	}

	numberOfParts := up.numberOfParts
	if numberOfParts <= 1 {
		return p.store.Write(ctx, blobstore.PurposeSnapshot, container, DataBlobName(up.uuid, 1, 1), r, up.file.Length, true)
	}

	remaining := up.file.Length
	for part := 1; part <= numberOfParts; part++ {
		if req.Status.Aborted() {
			return ErrAbortedSnapshot
		}
		size := up.partSize
		if remaining < size {
			size = remaining
		}
		name := DataBlobName(up.uuid, part, numberOfParts)
		if err := p.store.Write(ctx, blobstore.PurposeSnapshot, container, name, io.LimitReader(r, size), size, true); err != nil {
			return fmt.Errorf("uploading part %d/%d: %w", part, numberOfParts, err)
		}
		remaining -= size
	}
	return nil
}

// cleanupFailedUpload deletes every part that did complete before the
// failure; they are safe to remove because nothing yet references them.
func (p *ShardSnapshotPipeline) cleanupFailedUpload(ctx context.Context, container string, req ShardSnapshotRequest, pending []pendingUpload) {
	var names []string
	for _, up := range pending {
		numberOfParts := up.numberOfParts
		if numberOfParts <= 0 {
			numberOfParts = 1
		}
		for part := 1; part <= numberOfParts; part++ {
			names = append(names, DataBlobName(up.uuid, part, numberOfParts))
		}
	}
	if err := p.store.DeleteBlobs(ctx, blobstore.PurposeSnapshot, container, names); err != nil {
		log.WithShard(req.IndexID, req.Shard).Warn().Err(err).Msg("failed to clean up orphaned upload parts after aborted shard snapshot")
	}
}

// publishNoUpload writes the updated shard-snapshot set and the standalone
// per-snapshot manifest for a run that required no new data-blob uploads
// (the state-identifier fast path, or the legacy-layout path once its
// upload has already completed). There is no ordering hazard here since no
// upload follows, so the set is always written before the manifest.
func (p *ShardSnapshotPipeline) publishNoUpload(ctx context.Context, container string, useUUIDLayout bool, current ShardSnapshotSet, manifest SnapshotFiles) (ShardSnapshotResult, error) {
	updated := current.WithAdded(manifest)

	var newGen ShardGeneration
	if useUUIDLayout {
		newGen = NewShardGenerationUUID()
	} else {
		newGen = NextLegacyGeneration(current.Generation.Number)
	}
	updated.Generation = newGen
	if err := p.writeShardSet(ctx, container, updated); err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("writing shard-snapshot set: %w", err)
	}

	if err := p.writeManifest(ctx, container, manifest); err != nil {
		return ShardSnapshotResult{}, fmt.Errorf("writing snapshot manifest: %w", err)
	}

	return ShardSnapshotResult{
		NewGeneration: newGen,
		TotalSize:     manifest.TotalSize,
		FileCount:     manifest.TotalFileCount,
	}, nil
}

func (p *ShardSnapshotPipeline) writeShardSet(ctx context.Context, container string, set ShardSnapshotSet) error {
	body, err := json.Marshal(set)
	if err != nil {
		return err
	}
	encoded, err := EncodeBlob(shardSetCodec, false, body)
	if err != nil {
		return err
	}
	return p.store.Write(ctx, blobstore.PurposeSnapshot, container, set.Generation.Blob(), bytes.NewReader(encoded), int64(len(encoded)), true)
}

func (p *ShardSnapshotPipeline) writeManifest(ctx context.Context, container string, manifest SnapshotFiles) error {
	body, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	encoded, err := EncodeBlob(shardSetCodec, false, body)
	if err != nil {
		return err
	}
	name := "snap-" + manifest.SnapshotUUID + ".dat"
	return p.store.Write(ctx, blobstore.PurposeSnapshot, container, name, bytes.NewReader(encoded), int64(len(encoded)), true)
}

func readAll(ctx context.Context, segs SegmentDirectory, name string) ([]byte, error) {
	rc, err := segs.OpenRead(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func startTime(ctx context.Context) time.Time {
	if v := ctx.Value(clockKey{}); v != nil {
		if fn, ok := v.(func() time.Time); ok {
			return fn()
		}
	}
	return time.Now()
}

type clockKey struct{}

// newBlobUUID allocates an identifier for a new data blob. It defers to the
// same uuid generator ids.go uses for shard generations so the whole module
// has one source of random identifiers.
func newBlobUUID() string {
	return NewShardGenerationUUID().UUID
}
