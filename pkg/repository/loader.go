package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/cuemby/snapvault/pkg/blobstore"
)

const repositoryDataCodec = "repo-data-v1"

// RepositoryLoader reads RepositoryData off the root container, resolving
// "which generation is current" the same way spec.md §4.3 describes: trust
// the tracker's safe generation in strict mode, otherwise re-derive it from
// the index.latest pointer or, failing that, from a listing.
type RepositoryLoader struct {
	store    blobstore.Store
	layout   Layout
	tracker  *GenerationTracker
	repoName string
}

// NewRepositoryLoader builds a loader bound to store/layout/tracker.
func NewRepositoryLoader(store blobstore.Store, layout Layout, tracker *GenerationTracker, repoName string) *RepositoryLoader {
	return &RepositoryLoader{store: store, layout: layout, tracker: tracker, repoName: repoName}
}

// Load returns the current RepositoryData, consulting the tracker's cache
// when caching and strict consistency both allow it, and deduplicating
// concurrent physical loads of the same generation.
func (l *RepositoryLoader) Load(ctx context.Context) (RepositoryData, error) {
	if l.tracker.IsCorrupted() {
		return RepositoryData{}, wrapErr(l.repoName, "load", ErrCorruptedState)
	}

	if l.tracker.Mode() == StrictConsistency {
		if cached, ok := l.tracker.CachedData(); ok {
			return cached, nil
		}
	}

	gen, err := l.resolveGeneration(ctx)
	if err != nil {
		return RepositoryData{}, wrapErr(l.repoName, "load", err)
	}

	key := l.repoName + "#" + strconv.FormatInt(gen, 10)
	data, err := l.tracker.LoadDeduplicated(key, func() (RepositoryData, error) {
		return l.LoadGeneration(ctx, gen)
	})
	if err != nil {
		return RepositoryData{}, wrapErr(l.repoName, "load", err)
	}

	l.tracker.AdvanceLatestKnownGeneration(gen)
	l.tracker.PublishData(data)
	return data, nil
}

// resolveGeneration picks the generation to read: the tracker's safe
// generation in strict mode, or a fresh best-effort lookup otherwise.
func (l *RepositoryLoader) resolveGeneration(ctx context.Context) (int64, error) {
	if l.tracker.Mode() == StrictConsistency {
		if gen := l.tracker.SafeGeneration(); gen >= GenEmpty {
			return gen, nil
		}
	}
	return l.FindLatestGeneration(ctx)
}

// LoadGeneration reads and decodes the root blob for an explicit generation.
// A generation of GenEmpty returns a fresh, empty RepositoryData without any
// I/O, matching a never-written repository.
func (l *RepositoryLoader) LoadGeneration(ctx context.Context, gen int64) (RepositoryData, error) {
	if gen == GenEmpty {
		return NewRepositoryData("", ""), nil
	}
	if gen < 0 {
		return RepositoryData{}, fmt.Errorf("repository: cannot load sentinel generation %d", gen)
	}

	name := l.layout.RootGenerationBlob(gen)
	rc, err := l.store.Read(ctx, blobstore.PurposeSnapshotMeta, l.layout.RootContainer(), name)
	if err != nil {
		return RepositoryData{}, fmt.Errorf("reading %s: %w", name, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return RepositoryData{}, fmt.Errorf("reading %s: %w", name, err)
	}

	codecName, body, err := DecodeBlob(raw)
	if err != nil {
		return RepositoryData{}, fmt.Errorf("decoding %s: %w", name, err)
	}
	if codecName != repositoryDataCodec {
		return RepositoryData{}, fmt.Errorf("%w: %s in %s", ErrUnknownCodec, codecName, name)
	}

	var data RepositoryData
	if err := json.Unmarshal(body, &data); err != nil {
		return RepositoryData{}, fmt.Errorf("unmarshaling %s: %w", name, err)
	}
	if data.Generation != gen {
		return RepositoryData{}, fmt.Errorf("repository: %s declares generation %d, expected %d", name, data.Generation, gen)
	}
	return data, nil
}

// FindLatestGeneration re-derives the current generation without trusting
// any cached or external-metadata hint: first the index.latest pointer, then
// (if absent, stale, or unreadable) a listing of every "index-N" blob in the
// root container, per the best-effort path of §4.3.
func (l *RepositoryLoader) FindLatestGeneration(ctx context.Context) (int64, error) {
	if gen, ok := l.readLatestPointer(ctx); ok {
		if exists, err := l.store.BlobExists(ctx, blobstore.PurposeSnapshotMeta, l.layout.RootContainer(), l.layout.RootGenerationBlob(gen)); err == nil && exists {
			return gen, nil
		}
	}

	names, err := l.store.ListByPrefix(ctx, blobstore.PurposeSnapshotMeta, l.layout.RootContainer(), "index-")
	if err != nil {
		return 0, fmt.Errorf("listing root generations: %w", err)
	}

	best := GenEmpty
	for name := range names {
		if name == l.layout.LatestPointerBlob() {
			continue
		}
		gen, ok := ParseRootGeneration(name)
		if !ok {
			continue
		}
		if gen > best {
			best = gen
		}
	}
	return best, nil
}

func (l *RepositoryLoader) readLatestPointer(ctx context.Context) (int64, bool) {
	rc, err := l.store.Read(ctx, blobstore.PurposeSnapshotMeta, l.layout.RootContainer(), l.layout.LatestPointerBlob())
	if err != nil {
		return 0, false
	}
	defer rc.Close()

	var buf [8]byte
	if _, err := io.ReadFull(rc, buf[:]); err != nil {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(buf[:])), true
}

// indexLatestBytes encodes gen as the 8-byte big-endian payload the
// index.latest pointer blob carries.
func indexLatestBytes(gen int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(gen))
	return buf[:]
}

// isNotFound reports whether err indicates the blob simply does not exist,
// as opposed to any other read failure.
func isNotFound(err error) bool {
	return errors.Is(err, blobstore.ErrBlobNotFound)
}
