package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/events"
	"github.com/cuemby/snapvault/pkg/log"
)

// MetadataStore is the external, linearizable generation tracker the
// repository writer coordinates with (spec.md §4.1's "external metadata
// store"). It is satisfied by the Raft-backed cluster metadata store; tests
// may substitute an in-memory fake.
type MetadataStore interface {
	// ReservePending claims the next generation to write and returns it,
	// computed by the metadata store as max(pending+1, expectedSafe+1) per
	// spec.md §4.4, provided the caller's view of the current safe
	// generation matches expectedSafe. Returns ErrConcurrentModification
	// only on a genuine safe-generation mismatch; a reservation racing
	// another in-flight writer instead comes back with a distinct, higher
	// generation rather than failing.
	ReservePending(ctx context.Context, repoName string, expectedSafe int64) (int64, error)

	// CommitSafe advances the safe generation to pending, provided pending
	// is above the current safe generation and not above the highest
	// generation reserved so far. Returns ErrConcurrentModification
	// otherwise.
	CommitSafe(ctx context.Context, repoName string, pending int64) error

	// ReleasePending abandons a reservation that failed before commit. The
	// abandoned generation is not handed out again: later reservations keep
	// rising past it.
	ReleasePending(ctx context.Context, repoName string, pending int64) error
}

// RepositoryWriter performs the three-step generational update of spec.md
// §4.4: reserve the next generation number, write its immutable body, then
// commit by advancing the external metadata store's safe generation.
type RepositoryWriter struct {
	store    blobstore.Store
	layout   Layout
	tracker  *GenerationTracker
	loader   *RepositoryLoader
	metadata MetadataStore
	repoName string
	events   *events.Broker
}

// NewRepositoryWriter builds a writer bound to store/layout/tracker/loader
// and the external metadata store coordinating safe-generation commits.
// eventBroker may be nil, in which case the corruption latch trips silently.
func NewRepositoryWriter(store blobstore.Store, layout Layout, tracker *GenerationTracker, loader *RepositoryLoader, metadata MetadataStore, repoName string, eventBroker *events.Broker) *RepositoryWriter {
	return &RepositoryWriter{store: store, layout: layout, tracker: tracker, loader: loader, metadata: metadata, repoName: repoName, events: eventBroker}
}

// publishLatched emits the repository.corrupted event once the corruption
// latch trips, so operators subscribed to the broker learn about it without
// having to poll IsCorrupted.
func (w *RepositoryWriter) publishLatched(cause error) {
	if w.events == nil {
		return
	}
	w.events.Publish(&events.Event{
		Type:     events.EventRepositoryLatched,
		Message:  fmt.Sprintf("repository %q corruption latch tripped: %v", w.repoName, cause),
		Metadata: map[string]string{"repository": w.repoName},
	})
}

// Update loads the current RepositoryData, applies mutate to a clone of it,
// and writes the result as the next generation. On a single detected
// conflict it reloads and retries once; a second conflict latches the
// repository as corrupted, per spec.md §4.4's "retry once, then corrupt".
func (w *RepositoryWriter) Update(ctx context.Context, mutate func(RepositoryData) RepositoryData) (RepositoryData, error) {
	if w.tracker.IsCorrupted() {
		return RepositoryData{}, wrapErr(w.repoName, "update", ErrCorruptedState)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := w.loader.Load(ctx)
		if err != nil {
			return RepositoryData{}, err
		}

		next := mutate(current.Clone())

		data, err := w.writeOnce(ctx, current.Generation, next)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return RepositoryData{}, err
		}
		lastErr = err
		log.WithRepository(w.repoName).Warn().Int64("expected_generation", current.Generation).Msg("concurrent modification, retrying repository update")
	}

	w.tracker.MarkCorrupted()
	w.publishLatched(lastErr)
	return RepositoryData{}, wrapErr(w.repoName, "update", fmt.Errorf("%w: exhausted retry after %v", ErrCorruptedState, lastErr))
}

// writeOnce executes one reserve/write/commit attempt for the generation
// following expectedSafe.
func (w *RepositoryWriter) writeOnce(ctx context.Context, expectedSafe int64, next RepositoryData) (RepositoryData, error) {
	pending, err := w.metadata.ReservePending(ctx, w.repoName, expectedSafe)
	if err != nil {
		return RepositoryData{}, wrapErr(w.repoName, "reserve", err)
	}
	next.Generation = pending
	w.tracker.SetPendingGeneration(pending)

	// Before writing the new body, confirm the generation the caller
	// believes is safe is still physically present. A successful safe
	// generation that is absent from the blob store (e.g. removed out of
	// band) means the repository's durable state no longer matches what
	// metadata claims; per spec.md §4.4 this latches corruption rather than
	// silently writing on top of an inconsistent base.
	if expectedSafe >= 0 {
		exists, err := w.store.BlobExists(ctx, blobstore.PurposeSnapshotMeta, w.layout.RootContainer(), w.layout.RootGenerationBlob(expectedSafe))
		if err != nil {
			_ = w.metadata.ReleasePending(ctx, w.repoName, pending)
			return RepositoryData{}, wrapErr(w.repoName, "verify-safe-generation", err)
		}
		if !exists {
			_ = w.metadata.ReleasePending(ctx, w.repoName, pending)
			w.tracker.MarkCorrupted()
			missingErr := fmt.Errorf("%w: expected safe generation %s missing from blob store", ErrCorruptedState, w.layout.RootGenerationBlob(expectedSafe))
			w.publishLatched(missingErr)
			return RepositoryData{}, wrapErr(w.repoName, "verify-safe-generation", missingErr)
		}
	}

	body, err := json.Marshal(next)
	if err != nil {
		_ = w.metadata.ReleasePending(ctx, w.repoName, pending)
		return RepositoryData{}, wrapErr(w.repoName, "marshal", err)
	}

	encoded, err := EncodeBlob(repositoryDataCodec, false, body)
	if err != nil {
		_ = w.metadata.ReleasePending(ctx, w.repoName, pending)
		return RepositoryData{}, wrapErr(w.repoName, "encode", err)
	}

	name := w.layout.RootGenerationBlob(pending)
	writeErr := w.store.Write(ctx, blobstore.PurposeSnapshotMeta, w.layout.RootContainer(), name, bytes.NewReader(encoded), int64(len(encoded)), true)
	if writeErr != nil {
		_ = w.metadata.ReleasePending(ctx, w.repoName, pending)
		if errors.Is(writeErr, blobstore.ErrBlobAlreadyExists) {
			return RepositoryData{}, fmt.Errorf("%w: %s already exists", ErrConcurrentModification, name)
		}
		return RepositoryData{}, wrapErr(w.repoName, "write-body", writeErr)
	}

	if err := w.metadata.CommitSafe(ctx, w.repoName, pending); err != nil {
		// The body blob is now an orphan at a generation metadata never
		// advanced to; a future cleanup sweep reclaims it since nothing
		// references it. Do not delete it here: another writer may have
		// raced us to the same pending slot and be mid-commit.
		return RepositoryData{}, wrapErr(w.repoName, "commit", err)
	}

	w.tracker.SetSafeGeneration(pending)
	w.tracker.SetPendingGeneration(GenUnknown)
	w.tracker.PublishData(next)

	w.updateLatestPointer(ctx, pending)
	return next, nil
}

// updateLatestPointer best-effort writes the index.latest pointer; failure
// here never fails the update, since the pointer is only a read-path
// shortcut, not the source of truth.
func (w *RepositoryWriter) updateLatestPointer(ctx context.Context, gen int64) {
	payload := indexLatestBytes(gen)
	err := w.store.WriteAtomic(ctx, blobstore.PurposeSnapshotMeta, w.layout.RootContainer(), w.layout.LatestPointerBlob(), bytes.NewReader(payload), int64(len(payload)), false)
	if err != nil {
		log.WithRepository(w.repoName).Warn().Err(err).Msg("failed to update index.latest pointer")
	}
}
