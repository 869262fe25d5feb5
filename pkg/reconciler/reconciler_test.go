package reconciler

import (
	"testing"
	"time"

	"github.com/cuemby/snapvault/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLister struct {
	regs []*storage.RepositoryRegistration
	err  error
}

func (s *staticLister) ListRepositories() ([]*storage.RepositoryRegistration, error) {
	return s.regs, s.err
}

func TestReconcileUpdatesGenerationGauges(t *testing.T) {
	lister := &staticLister{regs: []*storage.RepositoryRegistration{
		{Name: "backups", SafeGeneration: 4, PendingGeneration: 4},
	}}

	rec := NewReconciler(lister, time.Second)
	require.NoError(t, rec.reconcile())
}

func TestReconcileFlagsUncleanStartWithoutError(t *testing.T) {
	lister := &staticLister{regs: []*storage.RepositoryRegistration{
		{Name: "backups", SafeGeneration: 4, PendingGeneration: 5},
	}}

	rec := NewReconciler(lister, time.Second)
	assert.NoError(t, rec.reconcile())
}

func TestReconcileFlagsCorruptedRepositoryWithoutError(t *testing.T) {
	lister := &staticLister{regs: []*storage.RepositoryRegistration{
		{Name: "backups", SafeGeneration: 4, PendingGeneration: 4, Corrupted: true},
	}}

	rec := NewReconciler(lister, time.Second)
	assert.NoError(t, rec.reconcile())
}

func TestReconcilePropagatesListerError(t *testing.T) {
	lister := &staticLister{err: assert.AnError}

	rec := NewReconciler(lister, time.Second)
	assert.Error(t, rec.reconcile())
}

func TestNewReconcilerDefaultsInterval(t *testing.T) {
	rec := NewReconciler(&staticLister{}, 0)
	assert.Equal(t, 10*time.Second, rec.interval)
}

func TestReconcilerLifecycle(t *testing.T) {
	rec := NewReconciler(&staticLister{}, time.Hour)

	rec.Start()
	time.Sleep(10 * time.Millisecond)
	rec.Stop()

	select {
	case <-rec.stopCh:
	default:
		t.Fatal("stopCh should be closed after Stop")
	}
}
