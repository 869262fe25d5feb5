package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/snapvault/pkg/blobstore"
	"github.com/cuemby/snapvault/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMetadataStore is a minimal in-memory MetadataStore for tests that
// only need a repository to Start and accept a Cleanup call.
type fakeMetadataStore struct {
	mu      sync.Mutex
	safe    map[string]int64
	pending map[string]int64
}

func newFakeMetadataStore() *fakeMetadataStore {
	return &fakeMetadataStore{safe: map[string]int64{}, pending: map[string]int64{}}
}

func (f *fakeMetadataStore) safeFor(repoName string) int64 {
	if s, ok := f.safe[repoName]; ok {
		return s
	}
	return repository.GenEmpty
}

func (f *fakeMetadataStore) pendingFor(repoName string) int64 {
	if p, ok := f.pending[repoName]; ok {
		return p
	}
	return repository.GenUnknown
}

func (f *fakeMetadataStore) ReservePending(_ context.Context, repoName string, expectedSafe int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.safeFor(repoName) != expectedSafe {
		return 0, repository.ErrConcurrentModification
	}
	next := f.pendingFor(repoName) + 1
	if expectedSafe+1 > next {
		next = expectedSafe + 1
	}
	f.pending[repoName] = next
	return next, nil
}

func (f *fakeMetadataStore) CommitSafe(_ context.Context, repoName string, pending int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pending <= f.safeFor(repoName) || pending > f.pendingFor(repoName) {
		return repository.ErrConcurrentModification
	}
	f.safe[repoName] = pending
	return nil
}

func (f *fakeMetadataStore) ReleasePending(_ context.Context, _ string, _ int64) error {
	return nil
}

func newTestRepository(t *testing.T, name string) *repository.Repository {
	t.Helper()
	store := blobstore.NewMemStore()
	repo := repository.New(repository.Config{
		Name:              name,
		BasePath:          name,
		ShardPathsUseUUID: true,
	}, store, newFakeMetadataStore(), nil)
	require.NoError(t, repo.Start(context.Background()))
	return repo
}

type staticRepoSet struct {
	repos []*repository.Repository
}

func (s *staticRepoSet) Repositories() []*repository.Repository { return s.repos }

func TestSchedulerSweepRunsCleanupOnEachRepository(t *testing.T) {
	repoA := newTestRepository(t, "repo-a")
	repoB := newTestRepository(t, "repo-b")

	sched := NewScheduler(&staticRepoSet{repos: []*repository.Repository{repoA, repoB}}, time.Hour)

	// sweep should not panic or block on an empty, just-started repository
	// for either repo in the set.
	sched.sweep()
}

func TestSchedulerSweepSkipsCorruptedRepositories(t *testing.T) {
	repo := newTestRepository(t, "repo-corrupted")

	sched := NewScheduler(&staticRepoSet{repos: []*repository.Repository{repo}}, time.Hour)

	assert.False(t, repo.IsCorrupted())
	sched.sweep()
}

func TestSchedulerLifecycle(t *testing.T) {
	sched := NewScheduler(&staticRepoSet{}, time.Hour)

	sched.Start()
	time.Sleep(10 * time.Millisecond)
	sched.Stop()

	select {
	case <-sched.stopCh:
	default:
		t.Fatal("stopCh should be closed after Stop")
	}
}

func TestNewSchedulerDefaultsInterval(t *testing.T) {
	sched := NewScheduler(&staticRepoSet{}, 0)
	assert.Equal(t, 5*time.Minute, sched.interval)
}
