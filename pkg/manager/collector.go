package manager

import (
	"time"

	"github.com/cuemby/snapvault/pkg/metrics"
)

// Collector periodically samples a ClusterMetadataStore and publishes
// repository and Raft gauges for scraping. It lives here rather than in
// pkg/metrics because it depends on this package; pkg/metrics itself stays a
// leaf so pkg/repository can import it directly for its own operation
// metrics without an import cycle.
type Collector struct {
	store  *ClusterMetadataStore
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store *ClusterMetadataStore) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15 second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRepositoryMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectRepositoryMetrics() {
	repos, err := c.store.ListRepositories()
	if err != nil {
		return
	}

	metrics.RepositoriesTotal.Set(float64(len(repos)))

	for _, reg := range repos {
		metrics.SafeGeneration.WithLabelValues(reg.Name).Set(float64(reg.SafeGeneration))
		metrics.PendingGeneration.WithLabelValues(reg.Name).Set(float64(reg.PendingGeneration))
		if reg.Corrupted {
			metrics.RepositoryCorrupted.WithLabelValues(reg.Name).Set(1)
		} else {
			metrics.RepositoryCorrupted.WithLabelValues(reg.Name).Set(0)
		}
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.store.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	stats := c.store.GetRaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		metrics.RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		metrics.RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		metrics.RaftPeers.Set(float64(peers))
	}
}
