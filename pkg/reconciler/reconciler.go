package reconciler

import (
	"sync"
	"time"

	"github.com/cuemby/snapvault/pkg/log"
	"github.com/cuemby/snapvault/pkg/metrics"
	"github.com/cuemby/snapvault/pkg/storage"
	"github.com/rs/zerolog"
)

// RegistrationLister reads every repository registration a node's local
// storage knows about; pkg/storage.Store (and cmd/reposvc's registry that
// wraps it) satisfy this.
type RegistrationLister interface {
	ListRepositories() ([]*storage.RepositoryRegistration, error)
}

// Reconciler watches registered repositories for the two conditions a
// generation protocol can't self-heal from: an unclean start (pending >
// safe, meaning a reserve was never committed or rolled back) and a
// tripped corruption latch. It does not attempt to repair either state; it
// surfaces them through logs and gauges for an operator to act on.
type Reconciler struct {
	lister   RegistrationLister
	interval time.Duration
	logger   zerolog.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewReconciler creates a reconciler polling lister every interval (default
// 10 seconds if interval <= 0).
func NewReconciler(lister RegistrationLister, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		lister:   lister,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile performs one reconciliation cycle over every registered
// repository, reporting generation gauges and flagging unclean or
// corrupted repositories.
func (r *Reconciler) reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	regs, err := r.lister.ListRepositories()
	if err != nil {
		return err
	}

	metrics.RepositoriesTotal.Set(float64(len(regs)))

	for _, reg := range regs {
		r.reconcileOne(reg)
	}
	return nil
}

func (r *Reconciler) reconcileOne(reg *storage.RepositoryRegistration) {
	corrupted := 0.0
	if reg.Corrupted {
		corrupted = 1.0
		r.logger.Warn().Str("repository", reg.Name).Msg("repository corruption latch is tripped")
	}
	metrics.RepositoryCorrupted.WithLabelValues(reg.Name).Set(corrupted)
	metrics.SafeGeneration.WithLabelValues(reg.Name).Set(float64(reg.SafeGeneration))
	metrics.PendingGeneration.WithLabelValues(reg.Name).Set(float64(reg.PendingGeneration))

	if !reg.Corrupted && reg.PendingGeneration > reg.SafeGeneration {
		r.logger.Warn().
			Str("repository", reg.Name).
			Int64("safe_generation", reg.SafeGeneration).
			Int64("pending_generation", reg.PendingGeneration).
			Msg("repository has an unclean start: pending generation was never committed or rolled back")
	}
}
