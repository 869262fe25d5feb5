package repository

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ConsistencyMode selects how the generation tracker trusts the safe
// generation mirrored from external metadata (spec.md §4.3).
type ConsistencyMode int

const (
	// StrictConsistency trusts the safe generation from metadata and
	// caches aggressively. Default for read-write repositories registered
	// in a well-known generation.
	StrictConsistency ConsistencyMode = iota

	// BestEffortConsistency re-lists the repository root before trusting
	// any generation. New selects it only for read-only repositories; an
	// UNKNOWN safe generation or pending > safe does not switch a tracker
	// into this mode.
	BestEffortConsistency
)

// GenerationTracker holds the repository's in-memory view of the safe,
// pending, and latest-known generations plus an optional cached
// RepositoryData, and latches corruption. All fields are safe for
// concurrent use without an external lock.
type GenerationTracker struct {
	safeGeneration        atomic.Int64
	latestKnownGeneration atomic.Int64
	pendingGeneration     atomic.Int64
	corrupted             atomic.Bool

	cacheEnabled bool
	mu           sync.RWMutex
	mode         ConsistencyMode
	cached       *RepositoryData

	loadGroup singleflight.Group
}

// NewGenerationTracker constructs a tracker starting at GenUnknown, in the
// given mode, with caching enabled or not per the cache_repository_data
// config key.
func NewGenerationTracker(mode ConsistencyMode, cacheEnabled bool) *GenerationTracker {
	t := &GenerationTracker{mode: mode, cacheEnabled: cacheEnabled}
	t.safeGeneration.Store(GenUnknown)
	t.latestKnownGeneration.Store(GenUnknown)
	t.pendingGeneration.Store(GenUnknown)
	return t
}

// SafeGeneration returns the generation believed safe (mirrors the external
// metadata store).
func (t *GenerationTracker) SafeGeneration() int64 {
	return t.safeGeneration.Load()
}

// SetSafeGeneration records a new safe generation observed from metadata
// and advances the latest-known generation with it. It does not change the
// consistency mode; only SetMode does.
func (t *GenerationTracker) SetSafeGeneration(n int64) {
	t.safeGeneration.Store(n)
	t.AdvanceLatestKnownGeneration(n)
}

// PendingGeneration returns the generation one step ahead of safe that is
// currently being written, or GenUnknown if no write is in flight.
func (t *GenerationTracker) PendingGeneration() int64 {
	return t.pendingGeneration.Load()
}

// SetPendingGeneration records the generation a writer has reserved.
func (t *GenerationTracker) SetPendingGeneration(n int64) {
	t.pendingGeneration.Store(n)
}

// LatestKnownGeneration returns the maximum generation ever observed,
// whether from metadata or from physically listing the root.
func (t *GenerationTracker) LatestKnownGeneration() int64 {
	return t.latestKnownGeneration.Load()
}

// AdvanceLatestKnownGeneration advances the hint to max(current, n); it
// never goes backwards, implementing the monotonic "latest-known-generation
// (max ever observed)" of §4.3.
func (t *GenerationTracker) AdvanceLatestKnownGeneration(n int64) {
	for {
		cur := t.latestKnownGeneration.Load()
		if n <= cur {
			return
		}
		if t.latestKnownGeneration.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Mode reports the current consistency mode.
func (t *GenerationTracker) Mode() ConsistencyMode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mode
}

// SetMode switches consistency modes. Switching to best-effort clears the
// RepositoryData cache, since §4.3 requires that mode to "never cache
// shard-generation information across reads".
func (t *GenerationTracker) SetMode(mode ConsistencyMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	if mode == BestEffortConsistency {
		t.cached = nil
	}
}

// MarkCorrupted latches the repository into the terminal corrupted state.
// Once set it can only be cleared by constructing a fresh tracker (i.e.
// re-registration), matching invariant 3.
func (t *GenerationTracker) MarkCorrupted() {
	t.corrupted.Store(true)
	t.safeGeneration.Store(GenCorrupted)
}

// IsCorrupted reports whether the corruption latch has tripped.
func (t *GenerationTracker) IsCorrupted() bool {
	return t.corrupted.Load()
}

// CachedData returns the cached RepositoryData, if caching is enabled and a
// value has been published.
func (t *GenerationTracker) CachedData() (RepositoryData, bool) {
	if !t.cacheEnabled {
		return RepositoryData{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cached == nil {
		return RepositoryData{}, false
	}
	return *t.cached, true
}

// PublishData stores data as the cached view, if caching is enabled.
func (t *GenerationTracker) PublishData(data RepositoryData) {
	if !t.cacheEnabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := data
	t.cached = &cp
}

// LoadDeduplicated runs loadFn at most once per concurrent burst of callers
// sharing key, so that simultaneous readers of the same generation share one
// physical I/O, per §4.3's "single-result deduplicator".
func (t *GenerationTracker) LoadDeduplicated(key string, loadFn func() (RepositoryData, error)) (RepositoryData, error) {
	v, err, _ := t.loadGroup.Do(key, func() (interface{}, error) {
		return loadFn()
	})
	if err != nil {
		return RepositoryData{}, err
	}
	return v.(RepositoryData), nil
}
