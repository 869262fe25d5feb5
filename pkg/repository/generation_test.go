package repository

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerationTrackerInitialState(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, true)
	require.Equal(t, int64(GenUnknown), tr.SafeGeneration())
	require.Equal(t, int64(GenUnknown), tr.PendingGeneration())
	require.Equal(t, int64(GenUnknown), tr.LatestKnownGeneration())
	require.False(t, tr.IsCorrupted())
}

func TestGenerationTrackerAdvanceLatestKnownNeverGoesBackwards(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, false)
	tr.AdvanceLatestKnownGeneration(5)
	require.Equal(t, int64(5), tr.LatestKnownGeneration())
	tr.AdvanceLatestKnownGeneration(2)
	require.Equal(t, int64(5), tr.LatestKnownGeneration(), "latest-known must never regress")
	tr.AdvanceLatestKnownGeneration(9)
	require.Equal(t, int64(9), tr.LatestKnownGeneration())
}

func TestGenerationTrackerSetSafeAdvancesLatestKnown(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, false)
	tr.SetSafeGeneration(3)
	require.Equal(t, int64(3), tr.SafeGeneration())
	require.Equal(t, int64(3), tr.LatestKnownGeneration())
}

func TestGenerationTrackerCorruptionLatchIsSticky(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, false)
	tr.SetSafeGeneration(4)
	tr.MarkCorrupted()
	require.True(t, tr.IsCorrupted())
	require.Equal(t, int64(GenCorrupted), tr.SafeGeneration())

	// There is no "unmark" operation: the latch only clears via a fresh
	// tracker, matching invariant 3.
	require.True(t, tr.IsCorrupted())
}

func TestGenerationTrackerCacheDisabledNeverStores(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, false)
	tr.PublishData(RepositoryData{Generation: 1})
	_, ok := tr.CachedData()
	require.False(t, ok)
}

func TestGenerationTrackerCacheEnabledRoundTrips(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, true)
	tr.PublishData(RepositoryData{Generation: 7})
	data, ok := tr.CachedData()
	require.True(t, ok)
	require.Equal(t, int64(7), data.Generation)
}

func TestGenerationTrackerSwitchingToBestEffortClearsCache(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, true)
	tr.PublishData(RepositoryData{Generation: 7})
	tr.SetMode(BestEffortConsistency)
	_, ok := tr.CachedData()
	require.False(t, ok, "switching to best-effort must drop any cached RepositoryData")
	require.Equal(t, BestEffortConsistency, tr.Mode())
}

func TestGenerationTrackerLoadDeduplicatedSharesOneCall(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, false)
	var calls atomic.Int32

	var wg sync.WaitGroup
	results := make([]RepositoryData, 8)
	errs := make([]error, 8)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			data, err := tr.LoadDeduplicated("repo", func() (RepositoryData, error) {
				calls.Add(1)
				return RepositoryData{Generation: 42}, nil
			})
			results[i] = data
			errs[i] = err
		}()
	}
	close(start)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.Equal(t, int64(42), results[i].Generation)
	}
	require.LessOrEqual(t, calls.Load(), int32(8), "singleflight only bounds concurrent duplicate calls, not strictly to one")
}

func TestGenerationTrackerLoadDeduplicatedPropagatesError(t *testing.T) {
	tr := NewGenerationTracker(StrictConsistency, false)
	wantErr := errors.New("load failed")
	_, err := tr.LoadDeduplicated("repo", func() (RepositoryData, error) {
		return RepositoryData{}, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}
