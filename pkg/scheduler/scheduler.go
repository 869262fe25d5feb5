package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/snapvault/pkg/log"
	"github.com/cuemby/snapvault/pkg/metrics"
	"github.com/cuemby/snapvault/pkg/repository"
	"github.com/rs/zerolog"
)

// RepositorySet is the live set of constructed repository handles the
// scheduler sweeps each cycle; cmd/reposvc's registry implements it.
type RepositorySet interface {
	Repositories() []*repository.Repository
}

// Scheduler runs the garbage-collection sweep (spec.md §4.8) across every
// registered repository on a fixed interval.
type Scheduler struct {
	repos    RepositorySet
	interval time.Duration
	logger   zerolog.Logger
	mu       sync.RWMutex
	stopCh   chan struct{}
}

// NewScheduler creates a scheduler sweeping repos every interval (default 5
// minutes if interval <= 0).
func NewScheduler(repos RepositorySet, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		repos:    repos,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the cleanup loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// run is the main scheduler loop.
func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("cleanup scheduler started")

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			s.logger.Info().Msg("cleanup scheduler stopped")
			return
		}
	}
}

// sweep runs one cleanup cycle across every registered repository.
func (s *Scheduler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, repo := range s.repos.Repositories() {
		if repo.IsCorrupted() {
			s.logger.Debug().Str("repository", repo.Name()).Msg("skipping cleanup, repository is corrupted")
			continue
		}

		timer := metrics.NewTimer()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		err := repo.Cleanup(ctx)
		cancel()
		timer.ObserveDurationVec(metrics.CleanupDuration, repo.Name())

		if err != nil {
			s.logger.Error().Err(err).Str("repository", repo.Name()).Msg("cleanup cycle failed")
			continue
		}
		s.logger.Debug().Str("repository", repo.Name()).Msg("cleanup cycle completed")
	}
}
